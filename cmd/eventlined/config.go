package main

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Snapshot store backends.
const (
	snapshotsPostgres  = "postgres"
	snapshotsFirestore = "firestore"
)

type config struct {
	Database struct {
		DSN string `required:"true"`
	}

	Log struct {
		Level       string `default:"info"`
		Development bool   `default:"false"`
	}

	Store struct {
		MaxRetries     uint64        `default:"5" split_words:"true"`
		InitialBackoff time.Duration `default:"50ms" split_words:"true"`
		MaxBackoff     time.Duration `default:"2s" split_words:"true"`
		AttemptTimeout time.Duration `default:"5s" split_words:"true"`
	}

	Snapshot struct {
		Backend             string `default:"postgres"`
		Interval            int64  `default:"100"`
		FirestoreProject    string `split_words:"true"`
		FirestoreCollection string `default:"Snapshots" split_words:"true"`
	}

	Bus struct {
		MaxAttempts  int           `default:"10" split_words:"true"`
		BaseDelay    time.Duration `default:"1s" split_words:"true"`
		MaxDelay     time.Duration `default:"5m" split_words:"true"`
		PollInterval time.Duration `default:"500ms" split_words:"true"`
		Concurrency  int           `default:"8"`
		BatchSize    int           `default:"64" split_words:"true"`
		Lease        time.Duration `default:"1m"`
	}

	Relay struct {
		PollInterval time.Duration `default:"1s" split_words:"true"`
		BatchSize    int           `default:"256" split_words:"true"`
		GapTimeout   time.Duration `default:"1m" split_words:"true"`
	}

	Projection struct {
		RebuildOnStart bool `default:"false" split_words:"true"`
	}

	Health struct {
		Address       string        `default:":9090"`
		CheckInterval time.Duration `default:"10s" split_words:"true"`
	}
}

// parseConfig reads the configuration from EVENTLINE_ prefixed environment
// variables, e.g. EVENTLINE_DATABASE_DSN or EVENTLINE_BUS_MAX_ATTEMPTS.
func parseConfig() (*config, error) {
	var cfg config

	if err := envconfig.Process("eventline", &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse from env, %w", err)
	}

	switch cfg.Snapshot.Backend {
	case snapshotsPostgres:
	case snapshotsFirestore:
		if cfg.Snapshot.FirestoreProject == "" {
			return nil, fmt.Errorf("config: firestore project is required by the %q snapshot backend", snapshotsFirestore)
		}
	default:
		return nil, fmt.Errorf("config: unknown snapshot backend %q", cfg.Snapshot.Backend)
	}

	return &cfg, nil
}
