package event_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/commonground/eventline/event"
	"github.com/commonground/eventline/version"
)

func TestInMemoryStore(t *testing.T) {
	suite.Run(t, event.NewStoreSuite(func() event.Store {
		return event.NewInMemoryStore()
	}))
}

func TestInMemoryStore_DoesNotShareMemory(t *testing.T) {
	ctx := context.Background()
	store := event.NewInMemoryStore()

	record := event.New("test.thing.happened", []byte("original"), event.Metadata{})

	_, err := store.Append(ctx, "stream", version.NoStream, record)
	require.NoError(t, err)

	record.Payload[0] = 'X'

	records, err := store.ReadStream(ctx, "stream", 0, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []byte("original"), records[0].Payload)

	records[0].Payload[0] = 'Y'

	again, err := store.ReadStream(ctx, "stream", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again[0].Payload)
}

func TestInMemoryStore_Truncate(t *testing.T) {
	ctx := context.Background()
	store := event.NewInMemoryStore()

	for range 5 {
		_, err := store.Append(ctx, "stream", version.Any, event.New("test.thing.happened", nil, event.Metadata{}))
		require.NoError(t, err)
	}

	_, err := store.Append(ctx, "other", version.Any, event.New("test.other.happened", nil, event.Metadata{}))
	require.NoError(t, err)

	require.NoError(t, store.Truncate(ctx, "stream", 3))

	records, err := store.ReadStream(ctx, "stream", 0, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, version.Version(3), records[0].SequenceNumber)

	all, err := store.ReadAll(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	// The stream version is not affected by truncation.
	v, err := store.Append(ctx, "stream", version.CheckExact(4), event.New("test.thing.happened", nil, event.Metadata{}))
	require.NoError(t, err)
	assert.Equal(t, version.Version(5), v)

	err = store.Truncate(ctx, "stream", 10)
	assert.ErrorIs(t, err, event.ErrInvalidBoundary)
}

func TestInMemoryStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := event.NewInMemoryStore().Append(ctx, "stream", version.Any, event.New("test.thing.happened", nil, event.Metadata{}))
	assert.ErrorIs(t, err, context.Canceled)
}
