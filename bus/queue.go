package bus

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/commonground/eventline/health"
)

var (
	// ErrMessageNotFound is returned by a Queue when no Message has the requested id.
	ErrMessageNotFound = errors.New("bus: message not found")

	// ErrInvalidTransition is returned by a Queue when the Message is not
	// in the state required by the operation (e.g. acknowledging a Message
	// that is not in-flight).
	ErrInvalidTransition = errors.New("bus: invalid message state transition")

	// ErrClaimLost is returned by a Queue when a Message is settled with a
	// delivery attempt that is not its current one: its lease expired and
	// the Message has been claimed again since.
	ErrClaimLost = errors.New("bus: message claimed by a later delivery attempt")
)

// Queue is the durable delivery queue backing the Bus.
type Queue interface {
	// Enqueue persists the Messages, ignoring the ones for which a Message
	// with the same consumer group and Event id already exists.
	// It returns the number of Messages actually added.
	Enqueue(ctx context.Context, msgs ...Message) (int, error)

	// Claim returns up to limit Messages of the specified consumer groups
	// that are due at now, marking them in-flight for the lease duration and
	// counting a new delivery attempt.
	//
	// Only the first non-terminal Message of every StreamKey can be claimed,
	// and only if it is pending and due, or in-flight with an expired lease.
	Claim(ctx context.Context, groups []string, now time.Time, lease time.Duration, limit int) ([]Message, error)

	// Ack marks an in-flight Message as acknowledged.
	//
	// The attempt is the DeliveryAttempt returned by Claim: settling a Message
	// claimed again since then fails with ErrClaimLost. The same holds
	// for Retry and DeadLetter.
	Ack(ctx context.Context, id uuid.UUID, attempt int) error

	// Retry moves an in-flight Message back to pending, due at deliverAfter.
	Retry(ctx context.Context, id uuid.UUID, attempt int, deliverAfter time.Time, lastErr string) error

	// DeadLetter moves an in-flight Message to the dead-letter state.
	DeadLetter(ctx context.Context, id uuid.UUID, attempt int, lastErr string) error

	// Requeue moves a dead-lettered Message back to pending, due at now,
	// resetting its delivery attempts.
	Requeue(ctx context.Context, id uuid.UUID, now time.Time) error

	// DeadLetters lists the dead-lettered Messages of the consumer group,
	// or of all groups if empty, oldest first.
	DeadLetters(ctx context.Context, group string, limit int) ([]Message, error)

	// Get returns the Message with the specified id.
	Get(ctx context.Context, id uuid.UUID) (Message, error)

	health.Checker
}
