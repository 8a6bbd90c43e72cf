package bus_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commonground/eventline/bus"
	"github.com/commonground/eventline/event"
	"github.com/commonground/eventline/logger"
	"github.com/commonground/eventline/version"
)

// sparseLog is an event.AllReader over Records with explicit global positions.
type sparseLog struct {
	mx      sync.Mutex
	records []event.Record
}

func (l *sparseLog) add(position uint64, seq version.Version) {
	l.mx.Lock()
	defer l.mx.Unlock()

	record := streamRecord("post-1", seq, "community.vote.cast")
	record.GlobalPosition = position

	l.records = append(l.records, record)
}

func (l *sparseLog) ReadAll(_ context.Context, from uint64, maxCount int) ([]event.Record, error) {
	l.mx.Lock()
	defer l.mx.Unlock()

	var result []event.Record

	for _, record := range l.records {
		if record.GlobalPosition >= from {
			result = append(result, record)
		}
	}

	// Late commits are appended out of order.
	for i := 1; i < len(result); i++ {
		for j := i; j > 0 && result[j].GlobalPosition < result[j-1].GlobalPosition; j-- {
			result[j], result[j-1] = result[j-1], result[j]
		}
	}

	if maxCount > 0 && len(result) > maxCount {
		result = result[:maxCount]
	}

	return result, nil
}

func checkpointOf(t *testing.T, c bus.Checkpointer) uint64 {
	t.Helper()

	position, err := c.Read(context.Background(), "relay")
	require.NoError(t, err)

	return position
}

// Events appended while the Bus was unreachable are published
// by the Relay once it is back.
func TestRelay_PublishesEventsLeftBehind(t *testing.T) {
	ctx := context.Background()
	store := event.NewInMemoryStore()
	queue := bus.NewInMemoryQueue()
	b := newBus(t, queue, newClock())

	require.NoError(t, b.Registry().Register(bus.Subscription{Group: "remote"}))

	published := bus.PublishingAppender{Appender: store, Publisher: b}
	_, err := published.Append(ctx, "post-1", version.NoStream,
		event.New("community.post.created", nil, event.Metadata{}))
	require.NoError(t, err)

	broken := bus.PublishingAppender{Appender: store, Publisher: failingPublisher{err: errors.New("broker unavailable")}}
	_, err = broken.Append(ctx, "post-1", version.CheckExact(0),
		event.New("community.vote.cast", nil, event.Metadata{}),
		event.New("community.vote.cast", nil, event.Metadata{}))
	require.Error(t, err)
	require.Len(t, queue.Messages("remote"), 1)

	checkpoints := new(bus.InMemoryCheckpointer)

	flaky, err := bus.NewRelay("relay", store, failingPublisher{err: errors.New("still unavailable")}, checkpoints)
	require.NoError(t, err)

	_, err = flaky.RunOnce(ctx)
	require.Error(t, err)
	assert.Zero(t, checkpointOf(t, checkpoints))

	relay, err := bus.NewRelay("relay", store, b, checkpoints, bus.WithRelayLogger(logger.NewTest(t)))
	require.NoError(t, err)

	n, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	msgs := queue.Messages("remote")
	require.Len(t, msgs, 3)

	for i, msg := range msgs {
		assert.Equal(t, version.Version(i), msg.Event.SequenceNumber)
	}

	assert.Equal(t, uint64(3), checkpointOf(t, checkpoints))

	n, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, queue.Messages("remote"), 3)
}

// A hole in the global positions holds the checkpoint back until it is
// filled by a late commit, or until it is older than the gap timeout.
func TestRelay_WaitsOnPositionGaps(t *testing.T) {
	ctx := context.Background()
	queue := bus.NewInMemoryQueue()
	c := newClock()
	b := newBus(t, queue, c)

	require.NoError(t, b.Registry().Register(bus.Subscription{Group: "remote"}))

	log := new(sparseLog)
	log.add(1, 0)
	log.add(2, 1)
	log.add(4, 3)

	checkpoints := new(bus.InMemoryCheckpointer)

	relay, err := bus.NewRelay("relay", log, b, checkpoints,
		bus.WithRelayClock(c.Now),
		bus.WithRelayGapTimeout(time.Minute),
	)
	require.NoError(t, err)

	n, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, uint64(2), checkpointOf(t, checkpoints))
	assert.Len(t, queue.Messages("remote"), 3, "records past the hole are published anyway")

	log.add(3, 2)

	_, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), checkpointOf(t, checkpoints))
	assert.Len(t, queue.Messages("remote"), 4)

	// Position 5 is never committed.
	log.add(6, 4)

	_, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), checkpointOf(t, checkpoints))

	c.Advance(time.Minute)

	_, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), checkpointOf(t, checkpoints))
	assert.Len(t, queue.Messages("remote"), 5)
}

func TestNewRelay(t *testing.T) {
	_, err := bus.NewRelay("", event.NewInMemoryStore(), failingPublisher{}, new(bus.InMemoryCheckpointer))
	assert.Error(t, err)

	_, err = bus.NewRelay("relay", event.NewInMemoryStore(), failingPublisher{}, new(bus.InMemoryCheckpointer),
		bus.WithRelayBatchSize(0))
	assert.Error(t, err)
}
