package bus

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/commonground/eventline/health"
)

var _ Queue = new(InMemoryQueue)

type inMemoryEntry struct {
	Message
	leaseUntil time.Time
}

type groupEvent struct {
	group   string
	eventID uuid.UUID
}

// InMemoryQueue is a thread-safe, in-memory bus.Queue implementation,
// to be used in tests or single-process deployments.
type InMemoryQueue struct {
	mx       sync.Mutex
	messages map[uuid.UUID]*inMemoryEntry
	byEvent  map[groupEvent]uuid.UUID
	order    []uuid.UUID
}

// NewInMemoryQueue creates a new, empty InMemoryQueue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		messages: make(map[uuid.UUID]*inMemoryEntry),
		byEvent:  make(map[groupEvent]uuid.UUID),
	}
}

func snapshotOf(e *inMemoryEntry) Message {
	msg := e.Message
	msg.Event = msg.Event.Clone()

	return msg
}

// Enqueue implements the bus.Queue interface.
func (q *InMemoryQueue) Enqueue(ctx context.Context, msgs ...Message) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("bus.InMemoryQueue: context error, %w", err)
	}

	q.mx.Lock()
	defer q.mx.Unlock()

	added := 0

	for _, msg := range msgs {
		key := groupEvent{group: msg.ConsumerGroup, eventID: msg.Event.ID}
		if _, ok := q.byEvent[key]; ok {
			continue
		}

		if msg.ID == uuid.Nil {
			msg.ID = uuid.New()
		}

		if msg.Status == "" {
			msg.Status = StatusPending
		}

		msg.Event = msg.Event.Clone()

		q.messages[msg.ID] = &inMemoryEntry{Message: msg}
		q.byEvent[key] = msg.ID
		q.order = append(q.order, msg.ID)
		added++
	}

	return added, nil
}

// Claim implements the bus.Queue interface.
func (q *InMemoryQueue) Claim(
	ctx context.Context,
	groups []string,
	now time.Time,
	lease time.Duration,
	limit int,
) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("bus.InMemoryQueue: context error, %w", err)
	}

	q.mx.Lock()
	defer q.mx.Unlock()

	wanted := make(map[string]struct{}, len(groups))
	for _, group := range groups {
		wanted[group] = struct{}{}
	}

	heads := make(map[StreamKey]*inMemoryEntry)

	for _, id := range q.order {
		e := q.messages[id]
		if _, ok := wanted[e.ConsumerGroup]; !ok || e.Status.Terminal() {
			continue
		}

		if head, ok := heads[e.Key()]; !ok || e.Before(head.Message) {
			heads[e.Key()] = e
		}
	}

	var claimable []*inMemoryEntry

	for _, e := range heads {
		expired := e.Status == StatusInFlight && !e.leaseUntil.After(now)
		if e.Due(now) || expired {
			claimable = append(claimable, e)
		}
	}

	sort.Slice(claimable, func(i, j int) bool {
		if !claimable[i].DeliverAfter.Equal(claimable[j].DeliverAfter) {
			return claimable[i].DeliverAfter.Before(claimable[j].DeliverAfter)
		}

		return claimable[i].EnqueuedAt.Before(claimable[j].EnqueuedAt)
	})

	if limit > 0 && len(claimable) > limit {
		claimable = claimable[:limit]
	}

	claimed := make([]Message, 0, len(claimable))

	for _, e := range claimable {
		e.Status = StatusInFlight
		e.DeliveryAttempt++
		e.leaseUntil = now.Add(lease)
		claimed = append(claimed, snapshotOf(e))
	}

	return claimed, nil
}

func (q *InMemoryQueue) inFlight(id uuid.UUID, attempt int) (*inMemoryEntry, error) {
	e, ok := q.messages[id]
	if !ok {
		return nil, fmt.Errorf("bus.InMemoryQueue: %w: %s", ErrMessageNotFound, id)
	}

	if e.DeliveryAttempt != attempt {
		return nil, fmt.Errorf("bus.InMemoryQueue: %w: message %s is at attempt %d, not %d",
			ErrClaimLost, id, e.DeliveryAttempt, attempt)
	}

	if e.Status != StatusInFlight {
		return nil, fmt.Errorf("bus.InMemoryQueue: %w: message %s is %s", ErrInvalidTransition, id, e.Status)
	}

	return e, nil
}

// Ack implements the bus.Queue interface.
func (q *InMemoryQueue) Ack(_ context.Context, id uuid.UUID, attempt int) error {
	q.mx.Lock()
	defer q.mx.Unlock()

	e, err := q.inFlight(id, attempt)
	if err != nil {
		return err
	}

	e.Status = StatusAcked
	e.leaseUntil = time.Time{}

	return nil
}

// Retry implements the bus.Queue interface.
func (q *InMemoryQueue) Retry(_ context.Context, id uuid.UUID, attempt int, deliverAfter time.Time, lastErr string) error {
	q.mx.Lock()
	defer q.mx.Unlock()

	e, err := q.inFlight(id, attempt)
	if err != nil {
		return err
	}

	e.Status = StatusPending
	e.DeliverAfter = deliverAfter
	e.LastError = lastErr
	e.leaseUntil = time.Time{}

	return nil
}

// DeadLetter implements the bus.Queue interface.
func (q *InMemoryQueue) DeadLetter(_ context.Context, id uuid.UUID, attempt int, lastErr string) error {
	q.mx.Lock()
	defer q.mx.Unlock()

	e, err := q.inFlight(id, attempt)
	if err != nil {
		return err
	}

	e.Status = StatusDead
	e.LastError = lastErr
	e.leaseUntil = time.Time{}

	return nil
}

// Requeue implements the bus.Queue interface.
func (q *InMemoryQueue) Requeue(_ context.Context, id uuid.UUID, now time.Time) error {
	q.mx.Lock()
	defer q.mx.Unlock()

	e, ok := q.messages[id]
	if !ok {
		return fmt.Errorf("bus.InMemoryQueue: %w: %s", ErrMessageNotFound, id)
	}

	if e.Status != StatusDead {
		return fmt.Errorf("bus.InMemoryQueue: %w: message %s is %s", ErrInvalidTransition, id, e.Status)
	}

	e.Status = StatusPending
	e.DeliveryAttempt = 0
	e.DeliverAfter = now

	return nil
}

// DeadLetters implements the bus.Queue interface.
func (q *InMemoryQueue) DeadLetters(_ context.Context, group string, limit int) ([]Message, error) {
	q.mx.Lock()
	defer q.mx.Unlock()

	var dead []Message

	for _, id := range q.order {
		e := q.messages[id]
		if e.Status != StatusDead || (group != "" && e.ConsumerGroup != group) {
			continue
		}

		dead = append(dead, snapshotOf(e))

		if limit > 0 && len(dead) == limit {
			break
		}
	}

	return dead, nil
}

// Get implements the bus.Queue interface.
func (q *InMemoryQueue) Get(_ context.Context, id uuid.UUID) (Message, error) {
	q.mx.Lock()
	defer q.mx.Unlock()

	e, ok := q.messages[id]
	if !ok {
		return Message{}, fmt.Errorf("bus.InMemoryQueue: %w: %s", ErrMessageNotFound, id)
	}

	return snapshotOf(e), nil
}

// Messages returns all the Messages of the consumer group in enqueue order.
// Useful for tests assertion.
func (q *InMemoryQueue) Messages(group string) []Message {
	q.mx.Lock()
	defer q.mx.Unlock()

	var msgs []Message

	for _, id := range q.order {
		if e := q.messages[id]; e.ConsumerGroup == group {
			msgs = append(msgs, snapshotOf(e))
		}
	}

	return msgs
}

// HealthCheck always reports the InMemoryQueue as healthy, with the
// number of Messages per status.
func (q *InMemoryQueue) HealthCheck(context.Context) health.Report {
	q.mx.Lock()
	defer q.mx.Unlock()

	counts := make(map[Status]int)
	for _, e := range q.messages {
		counts[e.Status]++
	}

	return health.OK(map[string]string{
		"backend":  "inmemory",
		"pending":  strconv.Itoa(counts[StatusPending]),
		"inflight": strconv.Itoa(counts[StatusInFlight]),
		"dead":     strconv.Itoa(counts[StatusDead]),
	})
}
