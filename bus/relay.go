package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/commonground/eventline/event"
	"github.com/commonground/eventline/logger"
)

// Default values of the Relay.
const (
	DefaultRelayPollInterval = time.Second
	DefaultRelayBatchSize    = 256
	DefaultRelayGapTimeout   = time.Minute
)

// Checkpointer saves the progress of a Relay, so that it survives restarts.
type Checkpointer interface {
	Read(ctx context.Context, key string) (uint64, error)
	Write(ctx context.Context, key string, position uint64) error
}

var _ Checkpointer = new(InMemoryCheckpointer)

// InMemoryCheckpointer is a thread-safe, in-memory Checkpointer.
type InMemoryCheckpointer struct {
	mx        sync.Mutex
	positions map[string]uint64
}

// Read implements the Checkpointer interface. Unknown keys start from 0.
func (c *InMemoryCheckpointer) Read(_ context.Context, key string) (uint64, error) {
	c.mx.Lock()
	defer c.mx.Unlock()

	return c.positions[key], nil
}

// Write implements the Checkpointer interface. A checkpoint never moves backwards.
func (c *InMemoryCheckpointer) Write(_ context.Context, key string, position uint64) error {
	c.mx.Lock()
	defer c.mx.Unlock()

	if c.positions == nil {
		c.positions = make(map[string]uint64)
	}

	if position > c.positions[key] {
		c.positions[key] = position
	}

	return nil
}

// RelayOption customizes a Relay.
type RelayOption func(*Relay)

// WithRelayPollInterval sets how often the Relay reads new Records when idle.
func WithRelayPollInterval(d time.Duration) RelayOption {
	return func(r *Relay) { r.pollInterval = d }
}

// WithRelayBatchSize sets how many Records are read at once.
func WithRelayBatchSize(n int) RelayOption {
	return func(r *Relay) { r.batchSize = n }
}

// WithRelayGapTimeout sets for how long a hole in the global positions
// holds the checkpoint back, waiting for the append that reserved it to commit.
func WithRelayGapTimeout(d time.Duration) RelayOption {
	return func(r *Relay) { r.gapTimeout = d }
}

// WithRelayClock overrides the clock used to age position gaps.
func WithRelayClock(now func() time.Time) RelayOption {
	return func(r *Relay) { r.now = now }
}

// WithRelayLogger sets the Logger used by the Relay.
func WithRelayLogger(l logger.Logger) RelayOption {
	return func(r *Relay) { r.logger = l }
}

// Relay publishes again every Record of the Event Store, in global order,
// starting from its checkpoint. It recovers the Events appended but never
// published, e.g. because the process stopped in between: the Queue ignores
// the Events already enqueued, so relaying them twice is harmless.
//
// Global positions may have holes, left by rolled back appends or by appends
// still in progress. The checkpoint does not move past a hole until it is older
// than the gap timeout, so that late commits are relayed as well.
type Relay struct {
	name         string
	reader       event.AllReader
	publisher    Publisher
	checkpointer Checkpointer
	pollInterval time.Duration
	batchSize    int
	gapTimeout   time.Duration
	now          func() time.Time
	logger       logger.Logger

	mx sync.Mutex
	// gaps maps the position of a Record to the first time a hole
	// was seen right before it.
	gaps map[uint64]time.Time
}

// NewRelay creates a new Relay, checkpointing its progress under the specified name.
func NewRelay(
	name string,
	reader event.AllReader,
	publisher Publisher,
	checkpointer Checkpointer,
	opts ...RelayOption,
) (*Relay, error) {
	r := &Relay{
		name:         name,
		reader:       reader,
		publisher:    publisher,
		checkpointer: checkpointer,
		pollInterval: DefaultRelayPollInterval,
		batchSize:    DefaultRelayBatchSize,
		gapTimeout:   DefaultRelayGapTimeout,
		now:          time.Now,
		gaps:         make(map[uint64]time.Time),
	}

	for _, opt := range opts {
		opt(r)
	}

	if name == "" {
		return nil, fmt.Errorf("bus.NewRelay: name is required")
	}

	if r.batchSize < 1 || r.pollInterval <= 0 || r.gapTimeout < 0 {
		return nil, fmt.Errorf("bus.NewRelay: batch size and poll interval must be positive, gap timeout not negative")
	}

	return r, nil
}

// settled reports whether the hole right before the Record at the specified
// position is old enough to be skipped.
func (r *Relay) settled(position uint64, now time.Time) bool {
	seen, ok := r.gaps[position]
	if !ok {
		r.gaps[position] = now
		seen = now
	}

	return now.Sub(seen) >= r.gapTimeout
}

// RunOnce relays the next batch of Records, returning how many of them
// the checkpoint moved past.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	checkpoint, err := r.checkpointer.Read(ctx, r.name)
	if err != nil {
		return 0, fmt.Errorf("bus.Relay: failed to read checkpoint, %w", err)
	}

	records, err := r.reader.ReadAll(ctx, checkpoint+1, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("bus.Relay: failed to read records, %w", err)
	}

	var (
		now      = r.now()
		safe     = checkpoint
		expected = checkpoint + 1
		blocked  bool
		passed   int
	)

	for _, record := range records {
		if record.GlobalPosition > expected && !blocked && !r.settled(record.GlobalPosition, now) {
			blocked = true
		}

		if _, err := r.publisher.Publish(ctx, record); err != nil {
			if werr := r.commit(ctx, checkpoint, safe); werr != nil {
				logger.Error(r.logger, "failed to write relay checkpoint", logger.Err(werr))
			}

			return 0, fmt.Errorf("bus.Relay: failed to publish event %s, %w", record.ID, err)
		}

		if !blocked {
			safe = record.GlobalPosition
			passed++
		}

		expected = record.GlobalPosition + 1
	}

	if err := r.commit(ctx, checkpoint, safe); err != nil {
		return 0, err
	}

	return passed, nil
}

func (r *Relay) commit(ctx context.Context, checkpoint, safe uint64) error {
	if safe == checkpoint {
		return nil
	}

	if err := r.checkpointer.Write(ctx, r.name, safe); err != nil {
		return fmt.Errorf("bus.Relay: failed to write checkpoint, %w", err)
	}

	for position := range r.gaps {
		if position <= safe {
			delete(r.gaps, position)
		}
	}

	logger.Debug(r.logger, "relay checkpoint moved",
		logger.With("relay", r.name),
		logger.With("position", safe),
	)

	return nil
}

// Run relays the Records until the context is canceled.
//
// Failures are logged, and the Relay tries again at the next poll.
func (r *Relay) Run(ctx context.Context) error {
	logger.Info(r.logger, "event relay started",
		logger.With("relay", r.name),
		logger.With("pollInterval", r.pollInterval),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info(r.logger, "event relay stopped", logger.With("relay", r.name))
			return nil

		case <-timer.C:
			n, err := r.RunOnce(ctx)
			if err != nil && ctx.Err() == nil {
				logger.Error(r.logger, "event relay failed", logger.With("relay", r.name), logger.Err(err))
			}

			next := r.pollInterval
			if err == nil && n == r.batchSize {
				next = 0
			}

			timer.Reset(next)
		}
	}
}
