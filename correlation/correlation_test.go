package correlation_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commonground/eventline/bus"
	"github.com/commonground/eventline/correlation"
	"github.com/commonground/eventline/event"
	"github.com/commonground/eventline/version"
)

func fixedGenerator(id string) correlation.Generator {
	return func() string { return id }
}

func TestAppender(t *testing.T) {
	ctx := context.Background()
	inner := event.NewInMemoryStore()
	store := correlation.WrapStore(inner, fixedGenerator("generated"))

	t.Run("a new chain is started without ids in the context", func(t *testing.T) {
		_, err := store.Append(ctx, "post-1", version.NoStream, event.New("community.post.created", nil, event.Metadata{}))
		require.NoError(t, err)

		records, err := store.ReadStream(ctx, "post-1", 0, 0)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "generated", records[0].Metadata.CorrelationID)
		assert.Equal(t, "generated", records[0].Metadata.CausationID)
	})

	t.Run("ids in the context are propagated", func(t *testing.T) {
		ctx := correlation.WithCorrelationID(ctx, "c1")
		ctx = correlation.WithCausationID(ctx, "request-7")

		_, err := store.Append(ctx, "post-2", version.NoStream,
			event.New("community.post.created", nil, event.Metadata{}),
			event.New("community.post.edited", nil, event.Metadata{CausationID: "explicit"}),
		)
		require.NoError(t, err)

		records, err := store.ReadStream(ctx, "post-2", 0, 0)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "c1", records[0].Metadata.CorrelationID)
		assert.Equal(t, "request-7", records[0].Metadata.CausationID)
		assert.Equal(t, "c1", records[1].Metadata.CorrelationID)
		assert.Equal(t, "explicit", records[1].Metadata.CausationID)
	})
}

func TestHandler(t *testing.T) {
	ctx := context.Background()
	store := correlation.WrapStore(event.NewInMemoryStore(), correlation.UUIDGenerator)

	cause := event.New("community.vote.cast", nil, event.Metadata{CorrelationID: "c1"})

	handler := correlation.WrapHandler(bus.HandlerFunc(func(ctx context.Context, record event.Record) error {
		_, err := store.Append(ctx, "tally-1", version.Any, event.New("community.tally.updated", nil, event.Metadata{}))
		return err
	}))

	require.NoError(t, handler.Handle(ctx, cause))

	records, err := store.ReadStream(ctx, "tally-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "c1", records[0].Metadata.CorrelationID)
	assert.Equal(t, cause.ID.String(), records[0].Metadata.CausationID)
}

func TestContext(t *testing.T) {
	record := event.New("community.post.created", nil, event.Metadata{})
	ctx := correlation.Context(context.Background(), record)

	correlationID, ok := correlation.CorrelationID(ctx)
	require.True(t, ok)
	assert.Equal(t, record.ID.String(), correlationID)

	_, ok = correlation.CorrelationID(context.Background())
	assert.False(t, ok)
}
