package snapshot

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/commonground/eventline/version"
)

var (
	// ErrNotFound is returned by a snapshot.Store when no snapshot
	// has been found for the Aggregate.
	ErrNotFound = errors.New("snapshot: entry not found")

	// ErrStale is returned by a snapshot.Store when saving a Snapshot
	// that is not newer than the one already stored.
	ErrStale = errors.New("snapshot: a newer or equal snapshot already exists")
)

// Snapshot represents the value of a snapshot found in the store.
type Snapshot struct {
	AggregateType string          `json:"aggregateType"`
	AggregateID   string          `json:"aggregateId"`
	Version       version.Version `json:"version"`
	State         []byte          `json:"state"`
	TakenAt       time.Time       `json:"takenAt"`
}

// Clone returns a copy of the Snapshot that does not share memory with s.
func (s Snapshot) Clone() Snapshot {
	s.State = bytes.Clone(s.State)
	return s
}

// Store is used to save and retrieve Snapshots from a durable store.
//
// Save must be monotonic per Aggregate: a Snapshot with a Version
// lower or equal than the stored one is refused with ErrStale.
type Store interface {
	Latest(ctx context.Context, aggregateType, aggregateID string) (Snapshot, error)
	Save(ctx context.Context, snapshot Snapshot) error
}

// Purger is implemented by Stores that support deleting the Snapshots of an Aggregate.
type Purger interface {
	Purge(ctx context.Context, aggregateType, aggregateID string) error
}
