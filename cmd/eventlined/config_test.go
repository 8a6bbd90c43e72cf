package main

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Setenv("EVENTLINE_DATABASE_DSN", "postgres://localhost:5432/eventline")

		cfg, err := parseConfig()
		require.NoError(t, err)

		assert.Equal(t, "postgres://localhost:5432/eventline", cfg.Database.DSN)
		assert.Equal(t, snapshotsPostgres, cfg.Snapshot.Backend)
		assert.Equal(t, int64(100), cfg.Snapshot.Interval)
		assert.Equal(t, 10, cfg.Bus.MaxAttempts)
		assert.Equal(t, time.Second, cfg.Bus.BaseDelay)
		assert.Equal(t, 5*time.Minute, cfg.Bus.MaxDelay)
		assert.Equal(t, uint64(5), cfg.Store.MaxRetries)
		assert.Equal(t, ":9090", cfg.Health.Address)
		assert.Equal(t, time.Second, cfg.Relay.PollInterval)
		assert.Equal(t, time.Minute, cfg.Relay.GapTimeout)
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("EVENTLINE_DATABASE_DSN", "postgres://db/eventline")
		t.Setenv("EVENTLINE_BUS_MAX_ATTEMPTS", "5")
		t.Setenv("EVENTLINE_BUS_BASE_DELAY", "250ms")
		t.Setenv("EVENTLINE_SNAPSHOT_INTERVAL", "10")

		cfg, err := parseConfig()
		require.NoError(t, err)

		assert.Equal(t, 5, cfg.Bus.MaxAttempts)
		assert.Equal(t, 250*time.Millisecond, cfg.Bus.BaseDelay)
		assert.Equal(t, int64(10), cfg.Snapshot.Interval)
	})

	t.Run("missing dsn", func(t *testing.T) {
		t.Setenv("EVENTLINE_DATABASE_DSN", "")
		require.NoError(t, os.Unsetenv("EVENTLINE_DATABASE_DSN"))

		_, err := parseConfig()
		assert.Error(t, err)
	})

	t.Run("firestore requires a project", func(t *testing.T) {
		t.Setenv("EVENTLINE_DATABASE_DSN", "postgres://db/eventline")
		t.Setenv("EVENTLINE_SNAPSHOT_BACKEND", snapshotsFirestore)

		_, err := parseConfig()
		require.Error(t, err)

		t.Setenv("EVENTLINE_SNAPSHOT_FIRESTORE_PROJECT", "eventline")

		cfg, err := parseConfig()
		require.NoError(t, err)
		assert.Equal(t, "eventline", cfg.Snapshot.FirestoreProject)
	})

	t.Run("unknown backend", func(t *testing.T) {
		t.Setenv("EVENTLINE_DATABASE_DSN", "postgres://db/eventline")
		t.Setenv("EVENTLINE_SNAPSHOT_BACKEND", "redis")

		_, err := parseConfig()
		assert.Error(t, err)
	})
}
