package snapshot

import (
	"context"
	"fmt"
	"sync"
)

var (
	_ Store  = new(InMemoryStore)
	_ Purger = new(InMemoryStore)
)

type inMemoryKey struct {
	aggregateType, aggregateID string
}

// InMemoryStore is a map-based, thread-safe inmemory Snapshot store.
//
// Since there is no entry eviction, it is suggested to use this store
// only for test scenarios.
type InMemoryStore struct {
	mx        sync.RWMutex
	snapshots map[inMemoryKey]Snapshot
}

// NewInMemoryStore returns a fresh new instance of the InMemoryStore snapshot store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		snapshots: make(map[inMemoryKey]Snapshot),
	}
}

// Latest returns the latest Snapshot recorded for the Aggregate.
// ErrNotFound is returned if no Snapshot has been saved yet.
func (s *InMemoryStore) Latest(_ context.Context, aggregateType, aggregateID string) (Snapshot, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()

	if snap, ok := s.snapshots[inMemoryKey{aggregateType, aggregateID}]; ok {
		return snap.Clone(), nil
	}

	return Snapshot{}, ErrNotFound
}

// Save stores the Snapshot, unless a Snapshot with an equal or higher
// Version is already there.
func (s *InMemoryStore) Save(_ context.Context, snapshot Snapshot) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	key := inMemoryKey{snapshot.AggregateType, snapshot.AggregateID}

	if current, ok := s.snapshots[key]; ok && current.Version >= snapshot.Version {
		return fmt.Errorf("snapshot.InMemoryStore: failed to save snapshot at version %s, current %s, %w",
			snapshot.Version, current.Version, ErrStale)
	}

	s.snapshots[key] = snapshot.Clone()

	return nil
}

// Purge deletes the Snapshot of the Aggregate, if any.
func (s *InMemoryStore) Purge(_ context.Context, aggregateType, aggregateID string) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	delete(s.snapshots, inMemoryKey{aggregateType, aggregateID})

	return nil
}
