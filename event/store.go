package event

import (
	"context"
	"errors"
	"fmt"

	"github.com/commonground/eventline/health"
	"github.com/commonground/eventline/version"
)

// Appender is an event.Store trait used to append new Domain Events in the Event Stream.
//
// The returned Version is the sequence number of the last appended Record.
// All records are persisted atomically, or none is.
type Appender interface {
	Append(ctx context.Context, id StreamID, expected version.Check, records ...Record) (version.Version, error)
}

// StreamReader is an event.Store trait used to read a specific Event Stream
// in ascending sequence order, starting from the specified Version (inclusive).
//
// A maxCount <= 0 means no limit. Reading an unknown Stream is not an error.
type StreamReader interface {
	ReadStream(ctx context.Context, id StreamID, from version.Version, maxCount int) ([]Record, error)
}

// AllReader is an event.Store trait used to read Records across all Event Streams,
// ordered by their global position, starting from the specified one (inclusive).
type AllReader interface {
	ReadAll(ctx context.Context, from uint64, maxCount int) ([]Record, error)
}

// Truncater is an optional event.Store trait that drops all Records of a Stream
// with a sequence number lower than the specified boundary.
//
// The Stream version is left untouched.
type Truncater interface {
	Truncate(ctx context.Context, id StreamID, before version.Version) error
}

// Store represents an Event Store, a stateful data source where Domain Events
// can be safely stored, and easily replayed.
type Store interface {
	Appender
	StreamReader
	AllReader
	health.Checker
}

// FusedStore is a convenience type to fuse
// multiple Event Store interfaces where you might need to extend
// the functionality of the Store only partially.
//
// E.g. You might want to extend the functionality of the Append() method,
// but keep the reading methods the same.
type FusedStore struct {
	Appender
	StreamReader
	AllReader
	health.Checker
}

// Errors returned by Event Store implementations.
var (
	ErrStoreUnavailable = errors.New("event: store unavailable")
	ErrDuplicateEvent   = errors.New("event: record id already stored")
	ErrInvalidRecord    = errors.New("event: invalid record")
	ErrInvalidBoundary  = errors.New("event: invalid truncation boundary")
)

// TransientError wraps a failure of the Event Store that is safe to retry,
// such as network errors or timeouts.
//
// A TransientError does not prove the operation did not take effect server-side.
type TransientError struct {
	Op  string
	Err error
}

func (err *TransientError) Error() string {
	return fmt.Sprintf("event: transient failure during %s, %v", err.Op, err.Err)
}

func (err *TransientError) Unwrap() error { return err.Err }

// Is makes a TransientError match ErrStoreUnavailable.
func (err *TransientError) Is(target error) bool {
	return target == ErrStoreUnavailable //nolint:errorlint // Sentinel comparison.
}

// IsTransient reports whether the error is classified as transient, and
// the failed operation can be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// ValidateRecords checks that the records can be appended.
func ValidateRecords(records []Record) error {
	for i, record := range records {
		if record.Type == "" {
			return fmt.Errorf("%w: record %d has no type", ErrInvalidRecord, i)
		}
	}

	return nil
}

// DefaultPageSize is the number of Records read per call by ReadStreamPaged.
const DefaultPageSize = 256

// ReadStreamPaged reads the Event Stream in pages of pageSize Records,
// starting from the specified Version, and invokes fn for each Record in order.
//
// Reading stops at the first error returned by fn or by the StreamReader.
func ReadStreamPaged(
	ctx context.Context,
	reader StreamReader,
	id StreamID,
	from version.Version,
	pageSize int,
	fn func(Record) error,
) error {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	if from < 0 {
		from = 0
	}

	for {
		records, err := reader.ReadStream(ctx, id, from, pageSize)
		if err != nil {
			return fmt.Errorf("event.ReadStreamPaged: failed to read stream %s from %s, %w", id, from, err)
		}

		for _, record := range records {
			if err := fn(record); err != nil {
				return err
			}

			from = record.SequenceNumber.Next()
		}

		if len(records) < pageSize {
			return nil
		}
	}
}

// ReadStreamToSlice synchronously exhausts an Event Stream from the
// specified Version into a slice.
func ReadStreamToSlice(ctx context.Context, reader StreamReader, id StreamID, from version.Version) ([]Record, error) {
	var records []Record

	err := ReadStreamPaged(ctx, reader, id, from, DefaultPageSize, func(record Record) error {
		records = append(records, record)
		return nil
	})

	return records, err
}
