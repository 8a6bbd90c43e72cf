package version

import (
	"errors"
	"fmt"
)

// Any avoids optimistic concurrency checks when requiring a version.Check instance.
var Any = CheckAny{}

// NoStream requires the Event Stream to not exist yet when appending.
var NoStream = CheckNoStream{}

// Check can be used to perform optimistic concurrency checks when writing to
// the Event Store using the event.Appender interface.
type Check interface {
	isVersionCheck()
}

// CheckAny is a Check variant that will avoid optimistic concurrency checks when used.
type CheckAny struct{}

func (CheckAny) isVersionCheck() {}

// CheckNoStream is a Check variant that succeeds only if the Event Stream is empty.
type CheckNoStream struct{}

func (CheckNoStream) isVersionCheck() {}

// CheckExact is a Check variant that will ensure the specified version is the current one
// (typically the Version of the last Event read from the Event Stream).
type CheckExact Version

func (CheckExact) isVersionCheck() {}

// For returns the Check to use when appending right after the given Version
// has been observed: NoStream for an empty stream, CheckExact otherwise.
func For(current Version) Check {
	if current.IsUnset() {
		return NoStream
	}

	return CheckExact(current)
}

// ErrConflict is the sentinel matched by every ConflictError through errors.Is.
var ErrConflict = errors.New("version: conflict detected")

// ConflictError is an error returned by an Event Store when appending
// some events using an expected Event Stream version that does not match
// the current state of the Event Stream.
//
// Expected is Unset when the append required the stream to not exist.
type ConflictError struct {
	Expected Version
	Actual   Version
}

func (err ConflictError) Error() string {
	return fmt.Sprintf(
		"version.Check: conflict detected; expected stream version: %s, actual: %s",
		err.Expected,
		err.Actual,
	)
}

// Is makes ConflictError match ErrConflict.
func (err ConflictError) Is(target error) bool {
	return target == ErrConflict //nolint:errorlint // Sentinel comparison.
}

// Verify compares the expected Check against the current Version of an Event Stream.
//
// A ConflictError is returned if the check does not hold.
func Verify(expected Check, current Version) error {
	switch v := expected.(type) {
	case CheckAny:
		return nil

	case CheckNoStream:
		if !current.IsUnset() {
			return ConflictError{Expected: Unset, Actual: current}
		}

		return nil

	case CheckExact:
		if Version(v) != current {
			return ConflictError{Expected: Version(v), Actual: current}
		}

		return nil

	case nil:
		return fmt.Errorf("version.Verify: missing version check")

	default:
		return fmt.Errorf("version.Verify: unexpected version check type, %T", v)
	}
}
