package aggregate

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/commonground/eventline/event"
	"github.com/commonground/eventline/logger"
	"github.com/commonground/eventline/snapshot"
	"github.com/commonground/eventline/version"
)

var (
	// ErrRootNotFound is returned by the Repository when no Events for the
	// specified Aggregate have been found.
	ErrRootNotFound = errors.New("aggregate.Repository: aggregate root not found")

	// ErrCorruptStream is returned when the Event Stream has gaps in
	// its sequence numbers, or starts past the snapshot used to load it.
	ErrCorruptStream = errors.New("aggregate.Repository: unexpected sequence number in stream")
)

// DefaultMaxConflictRetries is the number of times Update reloads the
// Aggregate after a version conflict before giving up.
const DefaultMaxConflictRetries = 3

// EventStore is the Event Store interface used by the Repository.
type EventStore interface {
	event.Appender
	event.StreamReader
}

// Loaded is the state of an Aggregate at a specific Version of its Event Stream.
//
// Version is version.Unset for Aggregates with no Events.
type Loaded[S any] struct {
	ID      string
	State   S
	Version version.Version
}

// Exists reports whether the Aggregate has at least one Event.
func (l Loaded[S]) Exists() bool { return !l.Version.IsUnset() }

// Option customizes a Repository.
type Option func(*options)

type options struct {
	snapshots          *snapshot.Manager
	logger             logger.Logger
	pageSize           int
	maxConflictRetries int
}

// WithSnapshots makes the Repository load Aggregates from their latest Snapshot,
// and take new Snapshots after every save as advised by the Manager.
func WithSnapshots(manager *snapshot.Manager) Option {
	return func(o *options) { o.snapshots = manager }
}

// WithLogger sets the Logger used by the Repository.
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithPageSize sets the number of Events read per Event Store call during replays.
func WithPageSize(n int) Option {
	return func(o *options) { o.pageSize = n }
}

// WithMaxConflictRetries bounds the optimistic retry loop of Update.
func WithMaxConflictRetries(n int) Option {
	return func(o *options) { o.maxConflictRetries = n }
}

// Repository is an Event-sourced Repository implementation for retrieving
// and saving Aggregates, using an underlying Event Store instance.
type Repository[S any] struct {
	store EventStore
	typ   Type[S]
	options
}

// NewRepository creates a new Repository for the Aggregate type specified.
func NewRepository[S any](store EventStore, typ Type[S], opts ...Option) *Repository[S] {
	r := &Repository[S]{
		store: store,
		typ:   typ,
		options: options{
			pageSize:           event.DefaultPageSize,
			maxConflictRetries: DefaultMaxConflictRetries,
		},
	}

	for _, opt := range opts {
		opt(&r.options)
	}

	return r
}

// Type returns the Aggregate type handled by the Repository.
func (r *Repository[S]) Type() Type[S] { return r.typ }

// New returns the state of an Aggregate with no Events.
func (r *Repository[S]) New(id string) Loaded[S] {
	return Loaded[S]{ID: id, State: r.typ.Initial(), Version: version.Unset}
}

// fromSnapshot returns the Aggregate state from its latest Snapshot.
// Snapshots are disposable: any failure falls back to a full replay.
func (r *Repository[S]) fromSnapshot(ctx context.Context, id string) (Loaded[S], bool) {
	if r.snapshots == nil || r.typ.state == nil {
		return Loaded[S]{}, false
	}

	snap, found, err := r.snapshots.LoadLatest(ctx, r.typ.name, id)
	if err != nil {
		logger.Warn(r.logger, "failed to load snapshot, replaying the full stream",
			logger.With("aggregateType", r.typ.name),
			logger.With("aggregateId", id),
			logger.Err(err),
		)

		return Loaded[S]{}, false
	}

	if !found {
		return Loaded[S]{}, false
	}

	state, err := r.typ.state.Deserialize(snap.State)
	if err != nil {
		logger.Warn(r.logger, "failed to deserialize snapshot, replaying the full stream",
			logger.With("aggregateType", r.typ.name),
			logger.With("aggregateId", id),
			logger.With("version", snap.Version),
			logger.Err(err),
		)

		return Loaded[S]{}, false
	}

	return Loaded[S]{ID: id, State: state, Version: snap.Version}, true
}

// Load returns the current state of the Aggregate with the specified id.
//
// The state is rebuilt starting from the latest Snapshot, if any, by folding
// the Events that follow it. Nothing is returned until the whole Event Stream
// has been folded: a canceled context results in an error, never in a partial state.
//
// aggregate.ErrRootNotFound is returned if the Event Stream is empty.
func (r *Repository[S]) Load(ctx context.Context, id string) (Loaded[S], error) {
	loaded, ok := r.fromSnapshot(ctx, id)
	if !ok {
		loaded = r.New(id)
	}

	streamID := r.typ.StreamID(id)

	err := event.ReadStreamPaged(ctx, r.store, streamID, loaded.Version.Next(), r.pageSize, func(record event.Record) error {
		if expected := loaded.Version.Next(); record.SequenceNumber != expected {
			return fmt.Errorf("%w: %s, expected %s", ErrCorruptStream, record.SequenceNumber, expected)
		}

		state, err := r.typ.Fold(loaded.State, record)
		if err != nil {
			return fmt.Errorf("failed to fold event %s at version %s, %w", record.ID, record.SequenceNumber, err)
		}

		loaded.State = state
		loaded.Version = record.SequenceNumber

		return nil
	})
	if err != nil {
		return Loaded[S]{}, fmt.Errorf("aggregate.Repository: failed to load %s, %w", streamID, err)
	}

	if !loaded.Exists() {
		return Loaded[S]{}, ErrRootNotFound
	}

	return loaded, nil
}

// Save appends the new Events to the Event Stream of the Aggregate, expecting
// it to still be at the Version of the provided state, and returns the new state.
//
// The new Events are folded before being appended, so that Events the
// Aggregate cannot apply are never stored. A Snapshot is taken afterwards
// if advised by the Snapshot Manager: snapshot failures are only logged.
//
// A version.ConflictError is returned if the Event Stream has moved past
// the Version of the provided state.
func (r *Repository[S]) Save(ctx context.Context, current Loaded[S], records ...event.Record) (Loaded[S], error) {
	if len(records) == 0 {
		return current, nil
	}

	streamID := r.typ.StreamID(current.ID)
	state := r.typ.Own(current.State)
	records = slices.Clone(records)

	for i := range records {
		records[i].StreamID = streamID
		records[i].SequenceNumber = current.Version + version.Version(i) + 1

		var err error
		if state, err = r.typ.Fold(state, records[i]); err != nil {
			return current, fmt.Errorf("aggregate.Repository: failed to apply new events to %s, %w", streamID, err)
		}
	}

	v, err := r.store.Append(ctx, streamID, version.For(current.Version), records...)
	if err != nil {
		return current, fmt.Errorf("aggregate.Repository: failed to commit new events to %s, %w", streamID, err)
	}

	saved := Loaded[S]{ID: current.ID, State: state, Version: v}
	r.maybeSnapshot(ctx, saved)

	return saved, nil
}

func (r *Repository[S]) maybeSnapshot(ctx context.Context, saved Loaded[S]) {
	if r.snapshots == nil || r.typ.state == nil {
		return
	}

	_, err := r.snapshots.MaybeSnapshot(ctx, r.typ.name, saved.ID, saved.Version, func() ([]byte, error) {
		return r.typ.state.Serialize(saved.State)
	})
	if err != nil {
		logger.Warn(r.logger, "failed to take snapshot",
			logger.With("aggregateType", r.typ.name),
			logger.With("aggregateId", saved.ID),
			logger.With("version", saved.Version),
			logger.Err(err),
		)
	}
}

// Create appends the first Events of a new Aggregate, failing with
// a version.ConflictError if the Aggregate already exists.
func (r *Repository[S]) Create(ctx context.Context, id string, records ...event.Record) (Loaded[S], error) {
	return r.Save(ctx, r.New(id), records...)
}

// Decider produces the new Events to append given the current state
// of an Aggregate. It may be called more than once by Update.
type Decider[S any] func(current Loaded[S]) ([]event.Record, error)

// Update loads the Aggregate, asks the Decider for the new Events and saves them.
//
// On a version conflict the Aggregate is reloaded and the Decider invoked again
// against the fresh state, up to the configured maximum of retries: after that,
// the last conflict error is returned. Aggregates with no Events are passed
// to the Decider with a version.Unset Version.
func (r *Repository[S]) Update(ctx context.Context, id string, decide Decider[S]) (Loaded[S], error) {
	var lastErr error

	for attempt := 0; attempt <= r.maxConflictRetries; attempt++ {
		current, err := r.Load(ctx, id)
		if errors.Is(err, ErrRootNotFound) {
			current, err = r.New(id), nil
		}

		if err != nil {
			return Loaded[S]{}, err
		}

		records, err := decide(current)
		if err != nil {
			return current, fmt.Errorf("aggregate.Repository: decision failed for %s, %w", r.typ.StreamID(id), err)
		}

		saved, err := r.Save(ctx, current, records...)
		if err == nil {
			return saved, nil
		}

		if !errors.Is(err, version.ErrConflict) {
			return current, err
		}

		lastErr = err

		logger.Debug(r.logger, "version conflict, reloading aggregate",
			logger.With("aggregateType", r.typ.name),
			logger.With("aggregateId", id),
			logger.With("attempt", attempt+1),
		)
	}

	return Loaded[S]{}, fmt.Errorf("aggregate.Repository: gave up after %d conflicts, %w", r.maxConflictRetries+1, lastErr)
}
