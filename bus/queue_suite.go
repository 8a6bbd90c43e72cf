package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/commonground/eventline/event"
	"github.com/commonground/eventline/version"
)

// QueueSuite is a full testing suite for a bus.Queue instance.
type QueueSuite struct {
	suite.Suite

	queueFactory func() Queue
	queue        Queue // NOTE: this instance is initialized in SetupTest.
	now          time.Time
}

// NewQueueSuite creates a new Queue testing suite using the provided bus.Queue type.
func NewQueueSuite(factory func() Queue) *QueueSuite {
	qs := new(QueueSuite)
	qs.queueFactory = factory

	return qs
}

// SetupTest creates a new, fresh Queue instance for each test in the suite.
func (qs *QueueSuite) SetupTest() {
	qs.queue = qs.queueFactory()
	qs.now = time.Now().UTC().Truncate(time.Millisecond)
}

func (qs *QueueSuite) message(stream event.StreamID, seq version.Version, group string) Message {
	record := event.New("suite.thing.happened", []byte(`{"seq":true}`), event.Metadata{CorrelationID: "c1"})
	record.StreamID = stream
	record.SequenceNumber = seq
	record.Metadata.OccurredAt = qs.now

	return NewMessage(record, group, qs.now)
}

func (qs *QueueSuite) enqueue(msgs ...Message) {
	_, err := qs.queue.Enqueue(context.Background(), msgs...)
	qs.Require().NoError(err)
}

func (qs *QueueSuite) claim(at time.Time, groups ...string) []Message {
	msgs, err := qs.queue.Claim(context.Background(), groups, at, time.Minute, 10)
	qs.Require().NoError(err)

	return msgs
}

func ids(msgs []Message) []uuid.UUID {
	result := make([]uuid.UUID, 0, len(msgs))
	for _, msg := range msgs {
		result = append(result, msg.ID)
	}

	return result
}

// TestEnqueueIsIdempotent checks an Event is enqueued once per consumer group.
func (qs *QueueSuite) TestEnqueueIsIdempotent() {
	ctx := context.Background()
	msg := qs.message("stream-a", 0, "group-1")

	added, err := qs.queue.Enqueue(ctx, msg)
	qs.Require().NoError(err)
	qs.Equal(1, added)

	again := NewMessage(msg.Event, "group-1", qs.now)
	added, err = qs.queue.Enqueue(ctx, again)
	qs.Require().NoError(err)
	qs.Equal(0, added)

	other := NewMessage(msg.Event, "group-2", qs.now)
	added, err = qs.queue.Enqueue(ctx, other)
	qs.Require().NoError(err)
	qs.Equal(1, added)

	stored, err := qs.queue.Get(ctx, msg.ID)
	qs.Require().NoError(err)
	qs.Equal(StatusPending, stored.Status)
	qs.Equal(msg.Event.ID, stored.Event.ID)
	qs.Equal(msg.Event.Payload, stored.Event.Payload)
	qs.Equal("c1", stored.Event.Metadata.CorrelationID)
	qs.Equal(0, stored.DeliveryAttempt)

	_, err = qs.queue.Get(ctx, uuid.New())
	qs.ErrorIs(err, ErrMessageNotFound)
}

// TestClaimRespectsStreamOrder checks only the head of every stream is claimable.
func (qs *QueueSuite) TestClaimRespectsStreamOrder() {
	ctx := context.Background()

	first := qs.message("stream-a", 0, "group-1")
	second := qs.message("stream-a", 1, "group-1")
	otherStream := qs.message("stream-b", 0, "group-1")

	// Enqueued out of order on purpose.
	qs.enqueue(second, first, otherStream)

	claimed := qs.claim(qs.now, "group-1")
	qs.ElementsMatch([]uuid.UUID{first.ID, otherStream.ID}, ids(claimed))

	for _, msg := range claimed {
		qs.Equal(StatusInFlight, msg.Status)
		qs.Equal(1, msg.DeliveryAttempt)
	}

	// The second event waits for the first one to be settled.
	qs.Empty(qs.claim(qs.now, "group-1"))

	qs.Require().NoError(qs.queue.Ack(ctx, first.ID, 1))

	claimed = qs.claim(qs.now, "group-1")
	qs.Equal([]uuid.UUID{second.ID}, ids(claimed))

	acked, err := qs.queue.Get(ctx, first.ID)
	qs.Require().NoError(err)
	qs.Equal(StatusAcked, acked.Status)
	qs.Equal(1, acked.DeliveryAttempt)
}

// TestClaimFiltersGroups checks Messages of other consumer groups are never claimed.
func (qs *QueueSuite) TestClaimFiltersGroups() {
	qs.enqueue(qs.message("stream-a", 0, "group-1"), qs.message("stream-a", 0, "group-2"))

	claimed := qs.claim(qs.now, "group-2")
	qs.Require().Len(claimed, 1)
	qs.Equal("group-2", claimed[0].ConsumerGroup)

	qs.Empty(qs.claim(qs.now, "group-3"))
}

// TestRetryDelaysTheStream checks a Message scheduled for redelivery
// is not due before its time, and blocks the rest of its stream.
func (qs *QueueSuite) TestRetryDelaysTheStream() {
	ctx := context.Background()

	first := qs.message("stream-a", 0, "group-1")
	second := qs.message("stream-a", 1, "group-1")
	qs.enqueue(first, second)

	qs.Require().Len(qs.claim(qs.now, "group-1"), 1)
	qs.Require().NoError(qs.queue.Retry(ctx, first.ID, 1, qs.now.Add(time.Minute), "boom"))

	qs.Empty(qs.claim(qs.now.Add(30*time.Second), "group-1"))

	claimed := qs.claim(qs.now.Add(time.Minute), "group-1")
	qs.Require().Len(claimed, 1)
	qs.Equal(first.ID, claimed[0].ID)
	qs.Equal(2, claimed[0].DeliveryAttempt)
	qs.Equal("boom", claimed[0].LastError)
}

// TestExpiredLeaseIsClaimedAgain checks in-flight Messages are redelivered
// when their lease expires.
func (qs *QueueSuite) TestExpiredLeaseIsClaimedAgain() {
	msg := qs.message("stream-a", 0, "group-1")
	qs.enqueue(msg)

	qs.Require().Len(qs.claim(qs.now, "group-1"), 1)
	qs.Empty(qs.claim(qs.now.Add(30*time.Second), "group-1"))

	claimed := qs.claim(qs.now.Add(2*time.Minute), "group-1")
	qs.Require().Len(claimed, 1)
	qs.Equal(2, claimed[0].DeliveryAttempt)
}

// TestSettleAfterReclaim checks a Message claimed again after its lease
// expired can only be settled by the latest claim, so that the rest of
// the stream stays blocked until that claim is done.
func (qs *QueueSuite) TestSettleAfterReclaim() {
	ctx := context.Background()

	first := qs.message("stream-a", 0, "group-1")
	second := qs.message("stream-a", 1, "group-1")
	qs.enqueue(first, second)

	stale := qs.claim(qs.now, "group-1")
	qs.Require().Len(stale, 1)

	reclaimed := qs.claim(qs.now.Add(2*time.Minute), "group-1")
	qs.Require().Len(reclaimed, 1)
	qs.Equal(first.ID, reclaimed[0].ID)
	qs.Equal(2, reclaimed[0].DeliveryAttempt)

	qs.ErrorIs(qs.queue.Ack(ctx, first.ID, stale[0].DeliveryAttempt), ErrClaimLost)
	qs.ErrorIs(qs.queue.Retry(ctx, first.ID, stale[0].DeliveryAttempt, qs.now, "late"), ErrClaimLost)
	qs.ErrorIs(qs.queue.DeadLetter(ctx, first.ID, stale[0].DeliveryAttempt, "late"), ErrClaimLost)

	// The next Message of the stream waits for the latest claim.
	qs.Empty(qs.claim(qs.now.Add(150*time.Second), "group-1"))

	qs.Require().NoError(qs.queue.Retry(ctx, first.ID, reclaimed[0].DeliveryAttempt, qs.now.Add(3*time.Minute), "boom"))

	stored, err := qs.queue.Get(ctx, first.ID)
	qs.Require().NoError(err)
	qs.Equal(StatusPending, stored.Status)
	qs.Equal("boom", stored.LastError)
	qs.Empty(qs.claim(qs.now.Add(150*time.Second), "group-1"))
}

// TestDeadLetter checks the dead-letter lifecycle of a Message.
func (qs *QueueSuite) TestDeadLetter() {
	ctx := context.Background()

	first := qs.message("stream-a", 0, "group-1")
	second := qs.message("stream-a", 1, "group-1")
	qs.enqueue(first, second)

	qs.Require().Len(qs.claim(qs.now, "group-1"), 1)
	qs.Require().NoError(qs.queue.DeadLetter(ctx, first.ID, 1, "poison"))

	// Dead-lettering twice is an invalid transition.
	qs.ErrorIs(qs.queue.DeadLetter(ctx, first.ID, 1, "poison"), ErrInvalidTransition)
	qs.ErrorIs(qs.queue.Ack(ctx, first.ID, 1), ErrInvalidTransition)

	dead, err := qs.queue.DeadLetters(ctx, "group-1", 0)
	qs.Require().NoError(err)
	qs.Require().Len(dead, 1)
	qs.Equal(first.ID, dead[0].ID)
	qs.Equal(StatusDead, dead[0].Status)
	qs.Equal("poison", dead[0].LastError)

	// A dead Message does not block the rest of the stream.
	claimed := qs.claim(qs.now, "group-1")
	qs.Equal([]uuid.UUID{second.ID}, ids(claimed))
	qs.Require().NoError(qs.queue.Ack(ctx, second.ID, 1))

	qs.ErrorIs(qs.queue.Requeue(ctx, second.ID, qs.now), ErrInvalidTransition)
	qs.Require().NoError(qs.queue.Requeue(ctx, first.ID, qs.now.Add(time.Hour)))

	claimed = qs.claim(qs.now.Add(time.Hour), "group-1")
	qs.Require().Len(claimed, 1)
	qs.Equal(first.ID, claimed[0].ID)
	qs.Equal(1, claimed[0].DeliveryAttempt)

	dead, err = qs.queue.DeadLetters(ctx, "", 0)
	qs.Require().NoError(err)
	qs.Empty(dead)
}

// TestHealthCheck checks a fresh Queue reports itself as healthy.
func (qs *QueueSuite) TestHealthCheck() {
	report := qs.queue.HealthCheck(context.Background())
	qs.True(report.IsHealthy(), "details: %v", report.Details)
}
