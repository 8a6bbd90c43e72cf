// Package main contains the entrypoint of the eventline daemon, running the
// consumer groups of the community domain over PostgreSQL and exposing
// its readiness through the gRPC health protocol.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	gcpfirestore "cloud.google.com/go/firestore"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/commonground/eventline/aggregate"
	"github.com/commonground/eventline/bus"
	"github.com/commonground/eventline/correlation"
	"github.com/commonground/eventline/event"
	"github.com/commonground/eventline/firestore"
	"github.com/commonground/eventline/health"
	"github.com/commonground/eventline/internal/community"
	"github.com/commonground/eventline/logger"
	"github.com/commonground/eventline/opentelemetry"
	"github.com/commonground/eventline/postgres"
	"github.com/commonground/eventline/projection"
	"github.com/commonground/eventline/snapshot"
	"github.com/commonground/eventline/zaplogger"
)

func newLogger(cfg *config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level, %w", err)
	}

	zapConfig := zap.NewProductionConfig()
	if cfg.Log.Development {
		zapConfig = zap.NewDevelopmentConfig()
	}

	zapConfig.Level = zap.NewAtomicLevelAt(level)

	return zapConfig.Build()
}

func newSnapshotStore(ctx context.Context, cfg *config, pool *pgxpool.Pool) (snapshot.Store, func() error, error) {
	if cfg.Snapshot.Backend != snapshotsFirestore {
		return postgres.SnapshotStore{Conn: pool}, func() error { return nil }, nil
	}

	client, err := gcpfirestore.NewClient(ctx, cfg.Snapshot.FirestoreProject)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create firestore client, %w", err)
	}

	store := firestore.SnapshotStore{Client: client, Collection: cfg.Snapshot.FirestoreCollection}

	return store, client.Close, nil
}

//nolint:funlen // Wiring of all the components.
func run() error {
	cfg, err := parseConfig()
	if err != nil {
		return fmt.Errorf("eventlined.main: failed to parse config, %w", err)
	}

	zapLogger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("eventlined.main: failed to initialize logger, %w", err)
	}

	//nolint:errcheck // No need for this error to come up if it happens.
	defer zapLogger.Sync()

	log := zaplogger.Wrap(zapLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := postgres.RunMigrations(cfg.Database.DSN); err != nil {
		return fmt.Errorf("eventlined.main: failed to run migrations, %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("eventlined.main: failed to connect to the database, %w", err)
	}

	defer pool.Close()

	if err := community.EnsureVoteTallySchema(ctx, pool); err != nil {
		return fmt.Errorf("eventlined.main: failed to prepare the read model, %w", err)
	}

	snapshots, closeSnapshots, err := newSnapshotStore(ctx, cfg, pool)
	if err != nil {
		return fmt.Errorf("eventlined.main: failed to create snapshot store, %w", err)
	}

	defer func() {
		if err := closeSnapshots(); err != nil {
			logger.Warn(log, "failed to close snapshot store", logger.Err(err))
		}
	}()

	deadLetters, err := opentelemetry.NewDeadLetterCounter(bus.DeadLetterObserverFunc(
		func(_ context.Context, failure bus.PermanentDeliveryFailure) {
			logger.Error(log, "message dead-lettered, redrive it once the cause is fixed",
				logger.With("messageId", failure.Message.ID),
				logger.With("consumerGroup", failure.Message.ConsumerGroup),
				logger.With("eventId", failure.Message.Event.ID),
				logger.With("eventType", failure.Message.Event.Type),
				logger.With("deliveryAttempt", failure.Message.DeliveryAttempt),
				logger.Err(failure.Err),
			)
		},
	))
	if err != nil {
		return fmt.Errorf("eventlined.main: failed to instrument dead letters, %w", err)
	}

	eventBus, err := bus.New(postgres.Queue{Conn: pool},
		bus.WithLogger(log.Named("bus")),
		bus.WithDeadLetterObserver(deadLetters),
		bus.WithPollInterval(cfg.Bus.PollInterval),
		bus.WithConcurrency(cfg.Bus.Concurrency),
		bus.WithBatchSize(cfg.Bus.BatchSize),
		bus.WithLease(cfg.Bus.Lease),
		bus.WithRetryPolicy(bus.RetryPolicy{
			MaxAttempts: cfg.Bus.MaxAttempts,
			BaseDelay:   cfg.Bus.BaseDelay,
			MaxDelay:    cfg.Bus.MaxDelay,
		}),
	)
	if err != nil {
		return fmt.Errorf("eventlined.main: failed to create event bus, %w", err)
	}

	retrying := event.NewRetryingStore(postgres.NewEventStore(pool),
		event.WithMaxRetries(cfg.Store.MaxRetries),
		event.WithBackoff(cfg.Store.InitialBackoff, cfg.Store.MaxBackoff),
		event.WithAttemptTimeout(cfg.Store.AttemptTimeout),
		event.WithLogger(log.Named("event_store")),
	)

	instrumented, err := opentelemetry.NewInstrumentedEventStore(event.FusedStore{
		Appender:     bus.PublishingAppender{Appender: retrying, Publisher: eventBus},
		StreamReader: retrying,
		AllReader:    retrying,
		Checker:      retrying,
	})
	if err != nil {
		return fmt.Errorf("eventlined.main: failed to instrument event store, %w", err)
	}

	store := correlation.WrapStore(instrumented, correlation.UUIDGenerator)

	service := community.NewService(store,
		aggregate.WithLogger(log.Named("repository")),
		aggregate.WithSnapshots(snapshot.NewManager(snapshots,
			snapshot.WithInterval(cfg.Snapshot.Interval),
			snapshot.WithLogger(log.Named("snapshot")),
		)),
	)

	// Publishes the Events appended but left unpublished, e.g. by a crash
	// between the append and the publish of PublishingAppender.
	relay, err := bus.NewRelay("eventlined", retrying, eventBus, postgres.Checkpointer{Conn: pool},
		bus.WithRelayPollInterval(cfg.Relay.PollInterval),
		bus.WithRelayBatchSize(cfg.Relay.BatchSize),
		bus.WithRelayGapTimeout(cfg.Relay.GapTimeout),
		bus.WithRelayLogger(log.Named("relay")),
	)
	if err != nil {
		return fmt.Errorf("eventlined.main: failed to create event relay, %w", err)
	}

	voteTally := community.NewPostgresVoteTally(postgres.Ledger{Conn: pool},
		projection.WithLogger(log.Named("vote_tally")))

	if cfg.Projection.RebuildOnStart {
		next, err := projection.Rebuild(ctx, retrying, 0, 0, voteTally)
		if err != nil {
			return fmt.Errorf("eventlined.main: failed to rebuild the vote tally, %w", err)
		}

		logger.Info(log, "vote tally rebuilt", logger.With("nextPosition", next))
	}

	analyzerHandler, err := opentelemetry.NewInstrumentedHandler(community.AnalyzerGroup, community.NewAnalyzer(service.Links))
	if err != nil {
		return fmt.Errorf("eventlined.main: failed to instrument the analyzer, %w", err)
	}

	voteTallyHandler, err := opentelemetry.NewInstrumentedHandler(community.VoteTallyGroup, voteTally)
	if err != nil {
		return fmt.Errorf("eventlined.main: failed to instrument the vote tally, %w", err)
	}

	if err := eventBus.Subscribe(community.AnalyzerGroup,
		[]string{community.LinkAnalysisRequestedType}, analyzerHandler); err != nil {
		return fmt.Errorf("eventlined.main: failed to subscribe the analyzer, %w", err)
	}

	if err := eventBus.Subscribe(community.VoteTallyGroup,
		community.VoteTallyEventTypes, voteTallyHandler); err != nil {
		return fmt.Errorf("eventlined.main: failed to subscribe the vote tally, %w", err)
	}

	healthServer := grpchealth.NewServer()
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	listener, err := net.Listen("tcp", cfg.Health.Address)
	if err != nil {
		return fmt.Errorf("eventlined.main: failed to listen on %s, %w", cfg.Health.Address, err)
	}

	watcher := healthWatcher{
		server: healthServer,
		components: map[string]health.Checker{
			"eventStore": store,
			"bus":        eventBus,
		},
		interval: cfg.Health.CheckInterval,
		logger:   log.Named("health"),
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error { return eventBus.Run(ctx) })
	group.Go(func() error { return relay.Run(ctx) })
	group.Go(func() error { return watcher.Run(ctx) })

	group.Go(func() error {
		logger.Info(log, "grpc health server started", logger.With("address", cfg.Health.Address))

		if err := grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc health server exited with error, %w", err)
		}

		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		grpcServer.GracefulStop()

		return nil
	})

	if err := group.Wait(); err != nil {
		return fmt.Errorf("eventlined.main: %w", err)
	}

	logger.Info(log, "eventlined stopped")

	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
