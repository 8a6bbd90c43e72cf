package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commonground/eventline/postgres"
	"github.com/commonground/eventline/snapshot"
)

func TestSnapshotStore(t *testing.T) {
	ctx := context.Background()
	store := postgres.SnapshotStore{Conn: database(t)}
	takenAt := time.Now().UTC().Truncate(time.Millisecond)

	_, err := store.Latest(ctx, "post", "1")
	require.ErrorIs(t, err, snapshot.ErrNotFound)

	first := snapshot.Snapshot{
		AggregateType: "post",
		AggregateID:   "1",
		Version:       99,
		State:         []byte(`{"votes":99}`),
		TakenAt:       takenAt,
	}

	require.NoError(t, store.Save(ctx, first))

	latest, err := store.Latest(ctx, "post", "1")
	require.NoError(t, err)
	assert.Equal(t, first, latest)

	// Equal or older versions never replace the stored snapshot.
	require.ErrorIs(t, store.Save(ctx, first), snapshot.ErrStale)

	older := first
	older.Version = 10
	older.State = []byte(`{"votes":10}`)
	require.ErrorIs(t, store.Save(ctx, older), snapshot.ErrStale)

	newer := first
	newer.Version = 199
	newer.State = []byte(`{"votes":199}`)
	require.NoError(t, store.Save(ctx, newer))

	latest, err = store.Latest(ctx, "post", "1")
	require.NoError(t, err)
	assert.Equal(t, newer, latest)

	require.NoError(t, store.Purge(ctx, "post", "1"))

	_, err = store.Latest(ctx, "post", "1")
	require.ErrorIs(t, err, snapshot.ErrNotFound)
}

func TestSnapshotStore_WithManager(t *testing.T) {
	ctx := context.Background()
	manager := snapshot.NewManager(postgres.SnapshotStore{Conn: database(t)}, snapshot.WithInterval(10))

	encode := func() ([]byte, error) { return []byte(`{}`), nil }

	taken, err := manager.MaybeSnapshot(ctx, "link", "1", 5, encode)
	require.NoError(t, err)
	assert.False(t, taken)

	taken, err = manager.MaybeSnapshot(ctx, "link", "1", 9, encode)
	require.NoError(t, err)
	assert.True(t, taken)

	latest, ok, err := manager.LoadLatest(ctx, "link", "1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 9, latest.Version)
}
