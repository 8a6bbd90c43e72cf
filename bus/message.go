// Package bus contains the Event Bus, used to deliver Domain Events to the
// consumer groups of other services with at-least-once guarantees.
//
// Published Events are persisted in a durable Queue, one Message per consumer
// group, before Publish returns. A scheduler loop claims the Messages that are
// due, hands them to the group Handler and records the outcome: acknowledged,
// scheduled for redelivery with exponential backoff, or dead-lettered once
// the maximum number of attempts has been reached.
//
// Messages originating from the same Event Stream are delivered to a consumer
// group in Stream order. No ordering exists across different Streams.
package bus

import (
	"time"

	"github.com/google/uuid"

	"github.com/commonground/eventline/event"
)

// Status is the delivery state of a Message.
type Status string

// All the Message states: pending -> inflight -> (acked | pending | dead).
const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "inflight"
	StatusAcked    Status = "acked"
	StatusDead     Status = "dead"
)

// Terminal reports whether no further delivery will happen for a Message in this state.
func (s Status) Terminal() bool {
	return s == StatusAcked || s == StatusDead
}

// Message wraps an Event for the delivery to a single consumer group.
type Message struct {
	ID            uuid.UUID    `json:"id"`
	Event         event.Record `json:"event"`
	ConsumerGroup string       `json:"consumerGroup"`

	// DeliveryAttempt is the number of deliveries attempted so far.
	DeliveryAttempt int `json:"deliveryAttempt"`

	DeliverAfter time.Time `json:"deliverAfter"`
	Status       Status    `json:"status"`
	LastError    string    `json:"lastError,omitempty"`
	EnqueuedAt   time.Time `json:"enqueuedAt"`
}

// NewMessage creates a pending Message for the consumer group,
// due immediately.
func NewMessage(record event.Record, group string, now time.Time) Message {
	return Message{
		ID:            uuid.New(),
		Event:         record,
		ConsumerGroup: group,
		DeliverAfter:  now,
		Status:        StatusPending,
		EnqueuedAt:    now,
	}
}

// Due reports whether the Message can be delivered at the specified time.
func (m Message) Due(now time.Time) bool {
	return m.Status == StatusPending && !m.DeliverAfter.After(now)
}

// StreamKey identifies the ordering domain of a Message: Messages with the
// same StreamKey are delivered one at a time, in Stream order.
type StreamKey struct {
	StreamID      event.StreamID
	ConsumerGroup string
}

// Key returns the StreamKey of the Message.
func (m Message) Key() StreamKey {
	return StreamKey{StreamID: m.Event.StreamID, ConsumerGroup: m.ConsumerGroup}
}

// Before reports whether m must be delivered before other, assuming
// they share the same StreamKey.
func (m Message) Before(other Message) bool {
	if m.Event.SequenceNumber != other.Event.SequenceNumber {
		return m.Event.SequenceNumber < other.Event.SequenceNumber
	}

	return m.EnqueuedAt.Before(other.EnqueuedAt)
}
