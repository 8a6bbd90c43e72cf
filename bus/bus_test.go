package bus_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/commonground/eventline/bus"
	"github.com/commonground/eventline/event"
	"github.com/commonground/eventline/logger"
	"github.com/commonground/eventline/version"
)

type clock struct {
	mx  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mx.Lock()
	defer c.mx.Unlock()

	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mx.Lock()
	defer c.mx.Unlock()

	c.now = c.now.Add(d)
}

func newBus(t *testing.T, queue bus.Queue, c *clock, opts ...bus.Option) *bus.Bus {
	t.Helper()

	b, err := bus.New(queue, append([]bus.Option{
		bus.WithClock(c.Now),
		bus.WithLogger(logger.NewTest(t)),
		bus.WithRetryPolicy(bus.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute}),
	}, opts...)...)
	require.NoError(t, err)

	return b
}

func streamRecord(stream event.StreamID, seq version.Version, eventType string) event.Record {
	record := event.New(eventType, nil, event.Metadata{CorrelationID: "c1"})
	record.StreamID = stream
	record.SequenceNumber = seq

	return record
}

func TestInMemoryQueue(t *testing.T) {
	suite.Run(t, bus.NewQueueSuite(func() bus.Queue {
		return bus.NewInMemoryQueue()
	}))
}

func TestBus_Subscribe(t *testing.T) {
	b := newBus(t, bus.NewInMemoryQueue(), newClock())
	noop := bus.HandlerFunc(func(context.Context, event.Record) error { return nil })

	require.NoError(t, b.Subscribe("tally", []string{"community.vote.cast"}, noop))

	err := b.Subscribe("tally", nil, noop)
	assert.ErrorIs(t, err, bus.ErrDuplicateSubscription)

	assert.Error(t, b.Subscribe("other", nil, nil))
}

func TestBus_PublishRoutesByEventType(t *testing.T) {
	ctx := context.Background()
	queue := bus.NewInMemoryQueue()
	b := newBus(t, queue, newClock())
	noop := bus.HandlerFunc(func(context.Context, event.Record) error { return nil })

	require.NoError(t, b.Subscribe("tally", []string{"community.vote.cast"}, noop))
	require.NoError(t, b.Subscribe("audit", nil, noop))
	require.NoError(t, b.Registry().Register(bus.Subscription{Group: "remote-search", EventTypes: []string{"community.post.created"}}))

	accepted, err := b.Publish(ctx, streamRecord("post-1", 0, "community.post.created"))
	require.NoError(t, err)
	assert.True(t, accepted)

	accepted, err = b.Publish(ctx, streamRecord("post-1", 1, "community.vote.cast"))
	require.NoError(t, err)
	assert.True(t, accepted)

	assert.Len(t, queue.Messages("audit"), 2)
	assert.Len(t, queue.Messages("tally"), 1)
	assert.Len(t, queue.Messages("remote-search"), 1)

	// Explicit groups narrow the routing, within the event types of each group.
	accepted, err = b.Publish(ctx, streamRecord("post-2", 0, "community.post.edited"), "tally")
	require.NoError(t, err)
	assert.False(t, accepted)

	accepted, err = b.Publish(ctx, streamRecord("post-2", 1, "community.vote.cast"), "tally")
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Len(t, queue.Messages("tally"), 2)
	assert.Len(t, queue.Messages("audit"), 2)

	// Remote groups are never claimed locally.
	n, err := b.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, bus.StatusPending, queue.Messages("remote-search")[0].Status)

	_, err = b.Publish(ctx, event.Record{Type: "community.post.created"})
	assert.ErrorIs(t, err, event.ErrInvalidRecord)
}

func TestBus_PublishToGroupHonorsEventTypes(t *testing.T) {
	ctx := context.Background()
	b := newBus(t, bus.NewInMemoryQueue(), newClock())

	var received []string

	require.NoError(t, b.Subscribe("analyzer", []string{"link.analysis.requested"},
		bus.HandlerFunc(func(_ context.Context, record event.Record) error {
			received = append(received, record.Type)
			return nil
		})))

	accepted, err := b.Publish(ctx, streamRecord("post-1", 0, "community.post.created"), "analyzer")
	require.NoError(t, err)
	assert.False(t, accepted)

	accepted, err = b.Publish(ctx, streamRecord("link-1", 0, "link.analysis.requested"), "analyzer", "unregistered")
	require.NoError(t, err)
	assert.True(t, accepted)

	n, err := b.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"link.analysis.requested"}, received)
}

func TestBus_PublishWithoutSubscribers(t *testing.T) {
	b := newBus(t, bus.NewInMemoryQueue(), newClock())

	accepted, err := b.Publish(context.Background(), streamRecord("post-1", 0, "community.post.created"))
	require.NoError(t, err)
	assert.False(t, accepted)
}

// Events from the same stream are delivered in order, carrying
// their correlation id.
func TestBus_DeliversStreamInOrder(t *testing.T) {
	ctx := context.Background()
	queue := bus.NewInMemoryQueue()
	c := newClock()
	b := newBus(t, queue, c, bus.WithConcurrency(4))

	var (
		mx       sync.Mutex
		received []version.Version
	)

	require.NoError(t, b.Subscribe("ordered", nil, bus.HandlerFunc(func(_ context.Context, record event.Record) error {
		mx.Lock()
		defer mx.Unlock()

		assert.Equal(t, "c1", record.Metadata.CorrelationID)
		received = append(received, record.SequenceNumber)

		return nil
	})))

	for seq := range version.Version(3) {
		_, err := b.Publish(ctx, streamRecord("post-1", seq, "community.post.edited"))
		require.NoError(t, err)
	}

	for range 3 {
		n, err := b.DispatchOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}

	assert.Equal(t, []version.Version{0, 1, 2}, received)
}

// A handler outliving its lease has its result discarded: the Message
// stays with the later claim, and the rest of the stream keeps waiting.
func TestBus_LateResultAfterReclaim(t *testing.T) {
	ctx := context.Background()
	queue := bus.NewInMemoryQueue()
	c := newClock()
	b := newBus(t, queue, c, bus.WithLease(time.Minute))

	var (
		remaining time.Duration
		reclaimed []bus.Message
	)

	require.NoError(t, b.Subscribe("slow", nil, bus.HandlerFunc(func(ctx context.Context, _ event.Record) error {
		deadline, ok := ctx.Deadline()
		assert.True(t, ok)
		remaining = time.Until(deadline)

		c.Advance(2 * time.Minute)

		var err error
		reclaimed, err = queue.Claim(context.Background(), []string{"slow"}, c.Now(), time.Minute, 10)

		return err
	})))

	for seq := range version.Version(2) {
		_, err := b.Publish(ctx, streamRecord("post-1", seq, "community.post.edited"))
		require.NoError(t, err)
	}

	n, err := b.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.LessOrEqual(t, remaining, 54*time.Second)
	assert.Greater(t, remaining, 50*time.Second)

	require.Len(t, reclaimed, 1)
	assert.Equal(t, 2, reclaimed[0].DeliveryAttempt)

	head, err := queue.Get(ctx, reclaimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, bus.StatusInFlight, head.Status)
	assert.Equal(t, 2, head.DeliveryAttempt)

	next, err := queue.Claim(ctx, []string{"slow"}, c.Now(), time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, next)
}

// The handler fails on attempts 1 and 2, and succeeds on attempt 3.
func TestBus_RetriesWithBackoff(t *testing.T) {
	ctx := context.Background()
	queue := bus.NewInMemoryQueue()
	c := newClock()
	b := newBus(t, queue, c)

	var (
		calls    atomic.Int32
		attempts []int
	)

	require.NoError(t, b.Subscribe("flaky", nil, bus.HandlerFunc(func(ctx context.Context, _ event.Record) error {
		delivery, ok := bus.DeliveryFromContext(ctx)
		assert.True(t, ok)

		attempts = append(attempts, delivery.Attempt)

		if calls.Add(1) < 3 {
			return errors.New("downstream unavailable")
		}

		return nil
	})))

	_, err := b.Publish(ctx, streamRecord("post-1", 0, "community.vote.cast"))
	require.NoError(t, err)

	n, err := b.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	msg := queue.Messages("flaky")[0]
	assert.Equal(t, bus.StatusPending, msg.Status)
	assert.Equal(t, c.Now().Add(time.Second), msg.DeliverAfter)
	assert.Equal(t, "downstream unavailable", msg.LastError)

	// Not due yet.
	n, err = b.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	c.Advance(time.Second)

	n, err = b.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	msg = queue.Messages("flaky")[0]
	assert.Equal(t, c.Now().Add(2*time.Second), msg.DeliverAfter)

	c.Advance(2 * time.Second)

	n, err = b.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	msg = queue.Messages("flaky")[0]
	assert.Equal(t, bus.StatusAcked, msg.Status)
	assert.Equal(t, 3, msg.DeliveryAttempt)
	assert.Equal(t, []int{1, 2, 3}, attempts)

	dead, err := b.DeadLetters(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestBus_DeadLettersExactlyOnce(t *testing.T) {
	ctx := context.Background()
	queue := bus.NewInMemoryQueue()
	c := newClock()

	var failures []bus.PermanentDeliveryFailure

	b := newBus(t, queue, c,
		bus.WithRetryPolicy(bus.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Second}),
		bus.WithDeadLetterObserver(bus.DeadLetterObserverFunc(func(_ context.Context, f bus.PermanentDeliveryFailure) {
			failures = append(failures, f)
		})),
	)

	var calls atomic.Int32

	require.NoError(t, b.Subscribe("poisoned", nil, bus.HandlerFunc(func(context.Context, event.Record) error {
		calls.Add(1)
		return bus.Nack("cannot process")
	})))

	record := streamRecord("post-1", 0, "community.vote.cast")
	_, err := b.Publish(ctx, record)
	require.NoError(t, err)

	for range 10 {
		_, err := b.DispatchOnce(ctx)
		require.NoError(t, err)

		c.Advance(time.Second)
	}

	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, failures, 1)
	assert.Equal(t, record.ID, failures[0].Message.Event.ID)
	assert.Equal(t, 3, failures[0].Message.DeliveryAttempt)
	assert.ErrorIs(t, failures[0], bus.ErrNack)

	dead, err := b.DeadLetters(ctx, "poisoned", 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	// Redriving gives the Message a new chance.
	require.NoError(t, b.Redrive(ctx, dead[0].ID))

	n, err := b.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(4), calls.Load())
}

func TestBus_PermanentErrorsAndPanics(t *testing.T) {
	ctx := context.Background()
	queue := bus.NewInMemoryQueue()
	b := newBus(t, queue, newClock())

	require.NoError(t, b.Subscribe("permanent", nil, bus.HandlerFunc(func(context.Context, event.Record) error {
		return bus.Permanent(errors.New("malformed payload"))
	})))

	require.NoError(t, b.Subscribe("panicking", nil, bus.HandlerFunc(func(context.Context, event.Record) error {
		panic("unexpected nil")
	})))

	_, err := b.Publish(ctx, streamRecord("post-1", 0, "community.vote.cast"))
	require.NoError(t, err)

	n, err := b.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, bus.StatusDead, queue.Messages("permanent")[0].Status)

	panicked := queue.Messages("panicking")[0]
	assert.Equal(t, bus.StatusPending, panicked.Status)
	assert.Contains(t, panicked.LastError, "unexpected nil")
}

func TestBus_Run(t *testing.T) {
	queue := bus.NewInMemoryQueue()

	b, err := bus.New(queue, bus.WithPollInterval(5*time.Millisecond), bus.WithLogger(logger.NewTest(t)))
	require.NoError(t, err)

	delivered := make(chan event.Record, 1)

	require.NoError(t, b.Subscribe("runner", nil, bus.HandlerFunc(func(_ context.Context, record event.Record) error {
		delivered <- record
		return nil
	})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	record := streamRecord("post-1", 0, "community.post.created")
	_, err = b.Publish(ctx, record)
	require.NoError(t, err)

	select {
	case got := <-delivered:
		assert.Equal(t, record.ID, got.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}

	cancel()
	assert.NoError(t, <-done)
	assert.True(t, b.HealthCheck(context.Background()).IsHealthy())
}

func TestAppendAndPublish(t *testing.T) {
	ctx := context.Background()
	store := event.NewInMemoryStore()
	queue := bus.NewInMemoryQueue()
	b := newBus(t, queue, newClock())

	require.NoError(t, b.Registry().Register(bus.Subscription{Group: "remote"}))

	records, err := bus.AppendAndPublish(ctx, store, b, "post-1", version.NoStream,
		event.New("community.post.created", nil, event.Metadata{}),
		event.New("community.post.edited", nil, event.Metadata{}),
	)
	require.NoError(t, err)
	require.Len(t, records, 2)

	msgs := queue.Messages("remote")
	require.Len(t, msgs, 2)
	assert.Equal(t, version.Version(0), msgs[0].Event.SequenceNumber)
	assert.Equal(t, version.Version(1), msgs[1].Event.SequenceNumber)
	assert.Equal(t, event.StreamID("post-1"), msgs[1].Event.StreamID)
	assert.Equal(t, records[1].ID, msgs[1].Event.ID)

	_, err = bus.AppendAndPublish(ctx, store, b, "post-1", version.NoStream,
		event.New("community.post.created", nil, event.Metadata{}))
	assert.ErrorIs(t, err, version.ErrConflict)
}

type failingPublisher struct{ err error }

func (p failingPublisher) Publish(context.Context, event.Record, ...string) (bool, error) {
	return false, p.err
}

func TestPublishingAppender(t *testing.T) {
	ctx := context.Background()
	store := event.NewInMemoryStore()
	queue := bus.NewInMemoryQueue()
	b := newBus(t, queue, newClock())

	require.NoError(t, b.Registry().Register(bus.Subscription{Group: "remote"}))

	appender := bus.PublishingAppender{Appender: store, Publisher: b}

	v, err := appender.Append(ctx, "post-1", version.NoStream,
		event.New("community.post.created", nil, event.Metadata{}),
		event.New("community.vote.cast", nil, event.Metadata{}),
	)
	require.NoError(t, err)
	assert.Equal(t, version.Version(1), v)
	assert.Len(t, queue.Messages("remote"), 2)

	v, err = appender.Append(ctx, "post-1", version.Any)
	require.NoError(t, err)
	assert.Equal(t, version.Version(1), v)

	errBroken := errors.New("broker unavailable")
	broken := bus.PublishingAppender{Appender: store, Publisher: failingPublisher{err: errBroken}}

	v, err = broken.Append(ctx, "post-1", version.CheckExact(1),
		event.New("community.vote.cast", nil, event.Metadata{}))
	require.ErrorIs(t, err, errBroken)
	assert.Equal(t, version.Version(2), v, "the records are stored even if publishing fails")

	_, err = broken.Append(ctx, "post-1", version.NoStream,
		event.New("community.post.created", nil, event.Metadata{}))
	assert.ErrorIs(t, err, version.ErrConflict)
}
