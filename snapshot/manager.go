package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/commonground/eventline/logger"
	"github.com/commonground/eventline/version"
)

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithPolicy sets the Policy used to decide when to take a Snapshot.
func WithPolicy(policy Policy) ManagerOption {
	return func(m *Manager) { m.policy = policy }
}

// WithInterval is a shortcut for WithPolicy(Interval(n)).
func WithInterval(n int64) ManagerOption {
	return WithPolicy(Interval(n))
}

// WithLogger sets the Logger used by the Manager.
func WithLogger(l logger.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithCacheSize sets how many Aggregates the Manager remembers the latest
// Snapshot Version of. Aggregates evicted from the cache are looked up
// in the Store again on their next save.
func WithCacheSize(n int) ManagerOption {
	return func(m *Manager) { m.cacheSize = n }
}

// WithClock overrides the clock used to timestamp Snapshots.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

type managerKey struct {
	aggregateType, aggregateID string
}

// Manager decides when Aggregate states are worth snapshotting, and
// loads the latest Snapshot of an Aggregate when rehydrating it.
//
// The Version of the latest known Snapshot of the most recently used
// Aggregates is cached, so that the Store is not queried on every save.
type Manager struct {
	store     Store
	policy    Policy
	logger    logger.Logger
	now       func() time.Time
	cacheSize int

	last *lru.Cache[managerKey, version.Version]
}

// DefaultCacheSize is the number of Aggregates a Manager remembers by default.
const DefaultCacheSize = 10_000

// NewManager creates a new Manager over the provided Store, taking
// a Snapshot every DefaultInterval events unless configured otherwise.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:     store,
		policy:    Interval(DefaultInterval),
		now:       time.Now,
		cacheSize: DefaultCacheSize,
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.cacheSize < 1 {
		m.cacheSize = DefaultCacheSize
	}

	// lru.New only fails on a non-positive size.
	m.last, _ = lru.New[managerKey, version.Version](m.cacheSize)

	return m
}

func (m *Manager) remember(key managerKey, v version.Version) {
	if current, ok := m.last.Peek(key); !ok || v > current {
		m.last.Add(key, v)
	}
}

func (m *Manager) lastVersion(ctx context.Context, key managerKey) (version.Version, error) {
	if v, ok := m.last.Get(key); ok {
		return v, nil
	}

	snap, err := m.store.Latest(ctx, key.aggregateType, key.aggregateID)
	if errors.Is(err, ErrNotFound) {
		m.remember(key, version.Unset)
		return version.Unset, nil
	}

	if err != nil {
		return version.Unset, err
	}

	m.remember(key, snap.Version)

	return snap.Version, nil
}

// LoadLatest returns the latest Snapshot of the Aggregate, if any.
func (m *Manager) LoadLatest(ctx context.Context, aggregateType, aggregateID string) (Snapshot, bool, error) {
	snap, err := m.store.Latest(ctx, aggregateType, aggregateID)
	if errors.Is(err, ErrNotFound) {
		return Snapshot{}, false, nil
	}

	if err != nil {
		return Snapshot{}, false, fmt.Errorf("snapshot.Manager: failed to load latest snapshot, %w", err)
	}

	m.remember(managerKey{aggregateType, aggregateID}, snap.Version)

	return snap, true, nil
}

// MaybeSnapshot is called after every successful save of an Aggregate at
// the specified Version, and saves a new Snapshot when the Policy says so.
//
// The state is only encoded when a Snapshot is going to be taken.
// A Snapshot refused by the Store because a newer one exists is not an error.
func (m *Manager) MaybeSnapshot(
	ctx context.Context,
	aggregateType, aggregateID string,
	current version.Version,
	encode func() ([]byte, error),
) (bool, error) {
	key := managerKey{aggregateType, aggregateID}

	last, err := m.lastVersion(ctx, key)
	if err != nil {
		return false, fmt.Errorf("snapshot.Manager: failed to get last snapshot version, %w", err)
	}

	if !m.policy.ShouldSnapshot(last, current) {
		return false, nil
	}

	state, err := encode()
	if err != nil {
		return false, fmt.Errorf("snapshot.Manager: failed to encode state, %w", err)
	}

	err = m.store.Save(ctx, Snapshot{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Version:       current,
		State:         state,
		TakenAt:       m.now().UTC(),
	})

	if errors.Is(err, ErrStale) {
		logger.Debug(m.logger, "snapshot skipped, a newer one exists",
			logger.With("aggregateType", aggregateType),
			logger.With("aggregateId", aggregateID),
			logger.With("version", current),
		)

		m.forget(key)

		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("snapshot.Manager: failed to save snapshot, %w", err)
	}

	m.remember(key, current)

	logger.Debug(m.logger, "snapshot taken",
		logger.With("aggregateType", aggregateType),
		logger.With("aggregateId", aggregateID),
		logger.With("version", current),
	)

	return true, nil
}

func (m *Manager) forget(key managerKey) {
	m.last.Remove(key)
}
