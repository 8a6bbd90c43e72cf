package event_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commonground/eventline/event"
	"github.com/commonground/eventline/version"
)

func TestTrackingStore(t *testing.T) {
	ctx := context.Background()
	tracking := event.NewTrackingStore(event.NewInMemoryStore())

	first := event.New("test.thing.created", nil, event.Metadata{})
	second := event.New("test.thing.updated", nil, event.Metadata{})

	_, err := tracking.Append(ctx, "tracked", version.NoStream, first, second)
	require.NoError(t, err)

	_, err = tracking.Append(ctx, "tracked", version.NoStream, first)
	require.ErrorIs(t, err, version.ErrConflict)

	recorded := tracking.Recorded()
	require.Len(t, recorded, 2)
	assert.Equal(t, first.ID, recorded[0].ID)
	assert.Equal(t, version.Version(0), recorded[0].SequenceNumber)
	assert.Equal(t, version.Version(1), recorded[1].SequenceNumber)
	assert.Equal(t, event.StreamID("tracked"), recorded[1].StreamID)
}
