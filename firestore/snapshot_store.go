// Package firestore contains a snapshot.Store implementation backed by
// Google Cloud Firestore.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/commonground/eventline/snapshot"
	"github.com/commonground/eventline/version"
)

var (
	_ snapshot.Store  = SnapshotStore{}
	_ snapshot.Purger = SnapshotStore{}
)

// DefaultCollection is the collection used by a SnapshotStore with no Collection set.
const DefaultCollection = "Snapshots"

type snapshotDocument struct {
	AggregateType string    `firestore:"aggregate_type"`
	AggregateID   string    `firestore:"aggregate_id"`
	Version       int64     `firestore:"version"`
	State         []byte    `firestore:"state"`
	TakenAt       time.Time `firestore:"taken_at"`
}

func (doc snapshotDocument) snapshot() snapshot.Snapshot {
	return snapshot.Snapshot{
		AggregateType: doc.AggregateType,
		AggregateID:   doc.AggregateID,
		Version:       version.Version(doc.Version),
		State:         doc.State,
		TakenAt:       doc.TakenAt.UTC(),
	}
}

// SnapshotStore keeps the latest Snapshot of every Aggregate in a Firestore
// document, named after the Aggregate type and id.
type SnapshotStore struct {
	Client     *firestore.Client
	Collection string
}

func (st SnapshotStore) collection() *firestore.CollectionRef {
	name := st.Collection
	if name == "" {
		name = DefaultCollection
	}

	return st.Client.Collection(name)
}

func (st SnapshotStore) document(aggregateType, aggregateID string) *firestore.DocumentRef {
	return st.collection().Doc(aggregateType + "@" + aggregateID)
}

// Latest returns the stored Snapshot of the Aggregate, or snapshot.ErrNotFound.
func (st SnapshotStore) Latest(ctx context.Context, aggregateType, aggregateID string) (snapshot.Snapshot, error) {
	doc, err := st.document(aggregateType, aggregateID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return snapshot.Snapshot{}, fmt.Errorf("firestore.SnapshotStore: %w, %s@%s", snapshot.ErrNotFound, aggregateType, aggregateID)
	}

	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("firestore.SnapshotStore: failed to get snapshot, %w", err)
	}

	var data snapshotDocument
	if err := doc.DataTo(&data); err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("firestore.SnapshotStore: failed to decode snapshot document, %w", err)
	}

	return data.snapshot(), nil
}

// Save stores the Snapshot in a transaction, refusing it with snapshot.ErrStale
// if the stored one has a greater or equal Version.
func (st SnapshotStore) Save(ctx context.Context, s snapshot.Snapshot) error {
	ref := st.document(s.AggregateType, s.AggregateID)

	err := st.Client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("failed to get current snapshot, %w", err)
		}

		if err == nil {
			current, ok := doc.Data()["version"].(int64)
			if ok && version.Version(current) >= s.Version {
				return snapshot.ErrStale
			}
		}

		return tx.Set(ref, snapshotDocument{
			AggregateType: s.AggregateType,
			AggregateID:   s.AggregateID,
			Version:       int64(s.Version),
			State:         s.State,
			TakenAt:       s.TakenAt,
		})
	})
	if err != nil {
		return fmt.Errorf("firestore.SnapshotStore: failed to save snapshot at version %s, %w", s.Version, err)
	}

	return nil
}

// Purge deletes the Snapshot of the Aggregate, if any.
func (st SnapshotStore) Purge(ctx context.Context, aggregateType, aggregateID string) error {
	if _, err := st.document(aggregateType, aggregateID).Delete(ctx); err != nil {
		return fmt.Errorf("firestore.SnapshotStore: failed to purge snapshot, %w", err)
	}

	return nil
}

// PurgeType deletes the Snapshots of all the Aggregates of the specified type,
// e.g. after a change of the state encoding, and returns how many were deleted.
func (st SnapshotStore) PurgeType(ctx context.Context, aggregateType string) (int, error) {
	iter := st.collection().Where("aggregate_type", "==", aggregateType).Documents(ctx)
	defer iter.Stop()

	deleted := 0

	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return deleted, nil
		}

		if err != nil {
			return deleted, fmt.Errorf("firestore.SnapshotStore: failed while reading iterator, %w", err)
		}

		if _, err := doc.Ref.Delete(ctx); err != nil {
			return deleted, fmt.Errorf("firestore.SnapshotStore: failed to delete snapshot %s, %w", doc.Ref.ID, err)
		}

		deleted++
	}
}
