package snapshot_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commonground/eventline/snapshot"
	"github.com/commonground/eventline/version"
)

func TestInMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := snapshot.NewInMemoryStore()

	_, err := store.Latest(ctx, "post", "p1")
	require.ErrorIs(t, err, snapshot.ErrNotFound)

	require.NoError(t, store.Save(ctx, snapshot.Snapshot{AggregateType: "post", AggregateID: "p1", Version: 5, State: []byte("5")}))

	// Older and equal versions never overwrite the stored snapshot.
	err = store.Save(ctx, snapshot.Snapshot{AggregateType: "post", AggregateID: "p1", Version: 3, State: []byte("3")})
	require.ErrorIs(t, err, snapshot.ErrStale)

	err = store.Save(ctx, snapshot.Snapshot{AggregateType: "post", AggregateID: "p1", Version: 5, State: []byte("other")})
	require.ErrorIs(t, err, snapshot.ErrStale)

	latest, err := store.Latest(ctx, "post", "p1")
	require.NoError(t, err)
	assert.Equal(t, version.Version(5), latest.Version)
	assert.Equal(t, []byte("5"), latest.State)

	require.NoError(t, store.Purge(ctx, "post", "p1"))

	_, err = store.Latest(ctx, "post", "p1")
	require.ErrorIs(t, err, snapshot.ErrNotFound)
}

func TestInterval(t *testing.T) {
	policy := snapshot.Interval(100)

	assert.False(t, policy.ShouldSnapshot(version.Unset, 98))
	assert.True(t, policy.ShouldSnapshot(version.Unset, 99))
	assert.False(t, policy.ShouldSnapshot(99, 198))
	assert.True(t, policy.ShouldSnapshot(99, 199))
	assert.False(t, snapshot.Interval(0).ShouldSnapshot(version.Unset, 1000))
}
