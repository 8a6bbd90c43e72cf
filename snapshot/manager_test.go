package snapshot_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commonground/eventline/logger"
	"github.com/commonground/eventline/snapshot"
	"github.com/commonground/eventline/version"
)

func encoded(state string) func() ([]byte, error) {
	return func() ([]byte, error) { return []byte(state), nil }
}

func TestManager_MaybeSnapshot(t *testing.T) {
	ctx := context.Background()
	store := snapshot.NewInMemoryStore()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	manager := snapshot.NewManager(store,
		snapshot.WithInterval(3),
		snapshot.WithClock(func() time.Time { return now }),
		snapshot.WithLogger(logger.NewTest(t)),
	)

	// Versions 0 and 1: only 1 and 2 events in the stream.
	for _, v := range []version.Version{0, 1} {
		taken, err := manager.MaybeSnapshot(ctx, "post", "p1", v, encoded("never"))
		require.NoError(t, err)
		assert.False(t, taken)
	}

	taken, err := manager.MaybeSnapshot(ctx, "post", "p1", 2, encoded("at-2"))
	require.NoError(t, err)
	assert.True(t, taken)

	taken, err = manager.MaybeSnapshot(ctx, "post", "p1", 4, encoded("at-4"))
	require.NoError(t, err)
	assert.False(t, taken)

	taken, err = manager.MaybeSnapshot(ctx, "post", "p1", 5, encoded("at-5"))
	require.NoError(t, err)
	assert.True(t, taken)

	snap, found, err := manager.LoadLatest(ctx, "post", "p1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, snapshot.Snapshot{
		AggregateType: "post",
		AggregateID:   "p1",
		Version:       5,
		State:         []byte("at-5"),
		TakenAt:       now,
	}, snap)

	_, found, err = manager.LoadLatest(ctx, "post", "unknown")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestManager_DoesNotEncodeWhenSkipping(t *testing.T) {
	manager := snapshot.NewManager(snapshot.NewInMemoryStore(), snapshot.WithPolicy(snapshot.Never))

	taken, err := manager.MaybeSnapshot(context.Background(), "post", "p1", 1000, func() ([]byte, error) {
		t.Fatal("state should not be encoded")
		return nil, nil
	})

	require.NoError(t, err)
	assert.False(t, taken)
}

func TestManager_StaleSnapshotIsNotAnError(t *testing.T) {
	ctx := context.Background()
	store := snapshot.NewInMemoryStore()

	// Another instance took a newer snapshot in the meantime.
	require.NoError(t, store.Save(ctx, snapshot.Snapshot{AggregateType: "post", AggregateID: "p1", Version: 10}))

	manager := snapshot.NewManager(store, snapshot.WithPolicy(snapshot.Always))

	_, found, err := manager.LoadLatest(ctx, "post", "p1")
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, store.Purge(ctx, "post", "p1"))
	require.NoError(t, store.Save(ctx, snapshot.Snapshot{AggregateType: "post", AggregateID: "p1", Version: 20}))

	taken, err := manager.MaybeSnapshot(ctx, "post", "p1", 15, encoded("at-15"))
	require.NoError(t, err)
	assert.False(t, taken)

	latest, err := store.Latest(ctx, "post", "p1")
	require.NoError(t, err)
	assert.Equal(t, version.Version(20), latest.Version)
}

func TestManager_EncodingFailure(t *testing.T) {
	errEncode := errors.New("encode failed")
	manager := snapshot.NewManager(snapshot.NewInMemoryStore(), snapshot.WithPolicy(snapshot.Always))

	_, err := manager.MaybeSnapshot(context.Background(), "post", "p1", 0, func() ([]byte, error) {
		return nil, errEncode
	})

	assert.ErrorIs(t, err, errEncode)
}

// countingStore counts the lookups of the latest Snapshot.
type countingStore struct {
	*snapshot.InMemoryStore

	lookups int
}

func (s *countingStore) Latest(ctx context.Context, aggregateType, aggregateID string) (snapshot.Snapshot, error) {
	s.lookups++
	return s.InMemoryStore.Latest(ctx, aggregateType, aggregateID)
}

func TestManager_CacheIsBounded(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{InMemoryStore: snapshot.NewInMemoryStore()}
	manager := snapshot.NewManager(store, snapshot.WithInterval(100), snapshot.WithCacheSize(2))

	save := func(id string, v version.Version) {
		t.Helper()

		taken, err := manager.MaybeSnapshot(ctx, "post", id, v, encoded("never"))
		require.NoError(t, err)
		require.False(t, taken)
	}

	save("p1", 0)
	save("p2", 0)
	save("p1", 1)
	save("p2", 1)
	assert.Equal(t, 2, store.lookups, "both aggregates fit in the cache")

	// p3 evicts p1, the least recently used.
	save("p3", 0)
	save("p2", 2)
	assert.Equal(t, 3, store.lookups)

	save("p1", 2)
	assert.Equal(t, 4, store.lookups)
}
