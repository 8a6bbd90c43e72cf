package event

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/commonground/eventline/health"
	"github.com/commonground/eventline/logger"
	"github.com/commonground/eventline/version"
)

var _ Store = new(RetryingStore)

// Default values used by the RetryingStore.
const (
	DefaultMaxRetries      = 3
	DefaultInitialInterval = 50 * time.Millisecond
	DefaultMaxInterval     = 2 * time.Second
	DefaultAttemptTimeout  = 5 * time.Second
)

// RetryingOption can be used to customize a RetryingStore.
type RetryingOption func(*RetryingStore)

// WithMaxRetries sets how many times a transient failure is retried
// before giving up.
func WithMaxRetries(n uint64) RetryingOption {
	return func(s *RetryingStore) { s.maxRetries = n }
}

// WithBackoff sets the exponential backoff intervals used between attempts.
func WithBackoff(initial, maxInterval time.Duration) RetryingOption {
	return func(s *RetryingStore) {
		s.initialInterval = initial
		s.maxInterval = maxInterval
	}
}

// WithAttemptTimeout bounds the duration of every single attempt.
// Zero disables the per-attempt timeout.
func WithAttemptTimeout(d time.Duration) RetryingOption {
	return func(s *RetryingStore) { s.attemptTimeout = d }
}

// WithLogger logs every retried failure on the provided Logger.
func WithLogger(l logger.Logger) RetryingOption {
	return func(s *RetryingStore) { s.logger = l }
}

// RetryingStore is the Event Store client used by producers: it wraps
// a Store and retries the operations that failed with a transient error,
// using an exponential backoff.
//
// Conflicts and other non-transient errors are returned immediately.
//
// Since a transient failure does not tell whether an append took effect,
// Records are given an id before the first attempt. If a retried append
// then fails with a conflict or a duplicate, the Stream is inspected and
// the append is reported as successful when all the Records are found in it.
type RetryingStore struct {
	Store

	maxRetries      uint64
	initialInterval time.Duration
	maxInterval     time.Duration
	attemptTimeout  time.Duration
	logger          logger.Logger
}

// NewRetryingStore wraps the provided Store with retries on transient failures.
func NewRetryingStore(store Store, opts ...RetryingOption) *RetryingStore {
	s := &RetryingStore{
		Store:           store,
		maxRetries:      DefaultMaxRetries,
		initialInterval: DefaultInitialInterval,
		maxInterval:     DefaultMaxInterval,
		attemptTimeout:  DefaultAttemptTimeout,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *RetryingStore) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initialInterval
	b.MaxInterval = s.maxInterval
	b.MaxElapsedTime = 0 // Bounded by the number of retries instead.

	return backoff.WithContext(backoff.WithMaxRetries(b, s.maxRetries), ctx)
}

func (s *RetryingStore) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.attemptTimeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, s.attemptTimeout)
}

func (s *RetryingStore) notify(op string, attempt *int) backoff.Notify {
	return func(err error, next time.Duration) {
		*attempt++

		logger.Warn(s.logger, "event store operation failed, retrying",
			logger.With("op", op),
			logger.With("attempt", *attempt),
			logger.With("nextRetryIn", next),
			logger.Err(err),
		)
	}
}

// classify marks as permanent every error that should not be retried.
// A timeout of a single attempt is transient, as long as the parent
// context is still alive.
func classify(parent context.Context, op string, err error) error {
	if err == nil {
		return nil
	}

	if parent.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Op: op, Err: err}
	}

	if IsTransient(err) {
		return err
	}

	return backoff.Permanent(err)
}

// Append appends the Records to the Event Stream, retrying on transient failures.
func (s *RetryingStore) Append(
	ctx context.Context,
	id StreamID,
	expected version.Check,
	records ...Record,
) (version.Version, error) {
	stamped := make([]Record, len(records))

	for i, record := range records {
		if record.ID == uuid.Nil {
			record.ID = uuid.New()
		}

		stamped[i] = record
	}

	var (
		attempts     int
		sawTransient bool
	)

	operation := func() (version.Version, error) {
		attemptCtx, cancel := s.attemptContext(ctx)
		defer cancel()

		v, err := s.Store.Append(attemptCtx, id, expected, stamped...)
		if err == nil {
			return v, nil
		}

		retryable := classify(ctx, "append", err)

		var permanent *backoff.PermanentError
		if !errors.As(retryable, &permanent) {
			sawTransient = true
			return version.Unset, retryable
		}

		if sawTransient && (errors.Is(err, version.ErrConflict) || errors.Is(err, ErrDuplicateEvent)) {
			if v, ok, lookupErr := s.findAppended(ctx, id, stamped); lookupErr == nil && ok {
				logger.Info(s.logger, "append already applied by a previous attempt",
					logger.With("streamId", id),
					logger.With("version", v),
				)

				return v, nil
			}
		}

		return version.Unset, retryable
	}

	v, err := backoff.RetryNotifyWithData(operation, s.backoff(ctx), s.notify("append", &attempts))
	if err != nil {
		if IsTransient(err) {
			return version.Unset, fmt.Errorf("event.RetryingStore: failed to append events after %d retries, %w", attempts, err)
		}

		return version.Unset, fmt.Errorf("event.RetryingStore: failed to append events, %w", err)
	}

	return v, nil
}

// findAppended looks for the records in the Event Stream, and returns
// the sequence number of the last one if all of them are found.
func (s *RetryingStore) findAppended(ctx context.Context, id StreamID, records []Record) (version.Version, bool, error) {
	if len(records) == 0 {
		return version.Unset, false, nil
	}

	wanted := make(map[uuid.UUID]struct{}, len(records))
	for _, record := range records {
		wanted[record.ID] = struct{}{}
	}

	last := records[len(records)-1].ID
	lastVersion := version.Unset

	err := ReadStreamPaged(ctx, s.Store, id, 0, DefaultPageSize, func(record Record) error {
		if _, ok := wanted[record.ID]; ok {
			delete(wanted, record.ID)
		}

		if record.ID == last {
			lastVersion = record.SequenceNumber
		}

		return nil
	})
	if err != nil {
		return version.Unset, false, err
	}

	return lastVersion, len(wanted) == 0, nil
}

// ReadStream reads the Event Stream, retrying on transient failures.
func (s *RetryingStore) ReadStream(
	ctx context.Context,
	id StreamID,
	from version.Version,
	maxCount int,
) ([]Record, error) {
	var attempts int

	records, err := backoff.RetryNotifyWithData(func() ([]Record, error) {
		attemptCtx, cancel := s.attemptContext(ctx)
		defer cancel()

		records, err := s.Store.ReadStream(attemptCtx, id, from, maxCount)

		return records, classify(ctx, "read stream", err)
	}, s.backoff(ctx), s.notify("readStream", &attempts))
	if err != nil {
		return nil, fmt.Errorf("event.RetryingStore: failed to read stream %s, %w", id, err)
	}

	return records, nil
}

// ReadAll reads the global log, retrying on transient failures.
func (s *RetryingStore) ReadAll(ctx context.Context, from uint64, maxCount int) ([]Record, error) {
	var attempts int

	records, err := backoff.RetryNotifyWithData(func() ([]Record, error) {
		attemptCtx, cancel := s.attemptContext(ctx)
		defer cancel()

		records, err := s.Store.ReadAll(attemptCtx, from, maxCount)

		return records, classify(ctx, "read all", err)
	}, s.backoff(ctx), s.notify("readAll", &attempts))
	if err != nil {
		return nil, fmt.Errorf("event.RetryingStore: failed to read all events, %w", err)
	}

	return records, nil
}

// HealthCheck delegates to the wrapped Store.
func (s *RetryingStore) HealthCheck(ctx context.Context) health.Report {
	return s.Store.HealthCheck(ctx)
}
