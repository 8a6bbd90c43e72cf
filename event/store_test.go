package event_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commonground/eventline/event"
	"github.com/commonground/eventline/version"
)

func TestReadStreamPaged(t *testing.T) {
	ctx := context.Background()
	store := event.NewInMemoryStore()

	for range 7 {
		_, err := store.Append(ctx, "paged", version.Any, event.New("test.page.filled", nil, event.Metadata{}))
		require.NoError(t, err)
	}

	var seen []version.Version

	err := event.ReadStreamPaged(ctx, store, "paged", 2, 2, func(r event.Record) error {
		seen = append(seen, r.SequenceNumber)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []version.Version{2, 3, 4, 5, 6}, seen)

	errStop := errors.New("stop")
	calls := 0

	err = event.ReadStreamPaged(ctx, store, "paged", 0, 3, func(event.Record) error {
		calls++
		if calls == 2 {
			return errStop
		}

		return nil
	})

	assert.ErrorIs(t, err, errStop)
	assert.Equal(t, 2, calls)
}

func TestTransientError(t *testing.T) {
	cause := errors.New("connection reset")
	err := error(&event.TransientError{Op: "append", Err: cause})

	assert.True(t, event.IsTransient(err))
	assert.ErrorIs(t, err, event.ErrStoreUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.False(t, event.IsTransient(version.ConflictError{Expected: 0, Actual: 1}))
}

func TestValidateType(t *testing.T) {
	assert.NoError(t, event.ValidateType("community.post.created"))
	assert.NoError(t, event.ValidateType(event.TypeName("link", "analysis", "completed")))
	assert.ErrorIs(t, event.ValidateType("PostCreated"), event.ErrInvalidTypeName)
	assert.ErrorIs(t, event.ValidateType("community.post"), event.ErrInvalidTypeName)
}

func TestNew(t *testing.T) {
	record := event.New("community.post.created", []byte("{}"), event.Metadata{CorrelationID: "c1"})

	assert.NotEqual(t, uuid.Nil, record.ID)
	assert.Equal(t, version.Unset, record.SequenceNumber)
	assert.Equal(t, event.CurrentSchemaVersion, record.Metadata.SchemaVersion)
	assert.False(t, record.Metadata.OccurredAt.IsZero())
	assert.False(t, record.Persisted())
}
