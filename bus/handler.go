package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/commonground/eventline/event"
)

var (
	// ErrNack is matched by the errors returned through Nack.
	ErrNack = errors.New("bus: negative acknowledgment")

	// ErrPermanent is matched by the errors returned through Permanent.
	ErrPermanent = errors.New("bus: permanent failure")

	// ErrHandlerPanic is matched by the errors built from recovered Handler panics.
	ErrHandlerPanic = errors.New("bus: handler panicked")
)

// Handler processes the Events delivered to a consumer group.
//
// Returning nil acknowledges the Event. Any error (including the ones
// built with Nack) schedules a redelivery. Events can be delivered more than
// once, so Handlers must be idempotent (see the projection package).
type Handler interface {
	Handle(ctx context.Context, record event.Record) error
}

// HandlerFunc is a functional implementation of the Handler interface.
type HandlerFunc func(ctx context.Context, record event.Record) error

// Handle implements the bus.Handler interface.
func (fn HandlerFunc) Handle(ctx context.Context, record event.Record) error { return fn(ctx, record) }

// Nack returns an error to explicitly refuse an Event, asking for a redelivery.
func Nack(reason string) error {
	return fmt.Errorf("%w: %s", ErrNack, reason)
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return "bus: permanent failure, " + e.err.Error() }

func (e permanentError) Unwrap() []error { return []error{ErrPermanent, e.err} }

// Permanent marks a Handler error as not worth retrying: the Message is
// dead-lettered right away.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return permanentError{err: err}
}

// IsPermanent reports whether the error has been marked with Permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// Delivery describes the delivery in progress, and is available
// to Handlers through DeliveryFromContext.
type Delivery struct {
	MessageID     string
	ConsumerGroup string
	Attempt       int
	ClaimedAt     time.Time
}

type deliveryCtxKey struct{}

func withDelivery(ctx context.Context, d Delivery) context.Context {
	return context.WithValue(ctx, deliveryCtxKey{}, d)
}

// DeliveryFromContext returns the Delivery in progress, if the context
// comes from the Bus.
func DeliveryFromContext(ctx context.Context) (Delivery, bool) {
	d, ok := ctx.Value(deliveryCtxKey{}).(Delivery)
	return d, ok
}

// PermanentDeliveryFailure is the failure signal emitted when a Message
// is dead-lettered.
type PermanentDeliveryFailure struct {
	Message Message
	Err     error
}

func (f PermanentDeliveryFailure) Error() string {
	return fmt.Sprintf("bus: delivery of event %s to %s failed permanently after %d attempts, %v",
		f.Message.Event.ID, f.Message.ConsumerGroup, f.Message.DeliveryAttempt, f.Err)
}

func (f PermanentDeliveryFailure) Unwrap() error { return f.Err }

// DeadLetterObserver is notified once for every dead-lettered Message.
type DeadLetterObserver interface {
	OnDeadLetter(ctx context.Context, failure PermanentDeliveryFailure)
}

// DeadLetterObserverFunc is a functional implementation of the DeadLetterObserver interface.
type DeadLetterObserverFunc func(ctx context.Context, failure PermanentDeliveryFailure)

// OnDeadLetter implements the bus.DeadLetterObserver interface.
func (fn DeadLetterObserverFunc) OnDeadLetter(ctx context.Context, failure PermanentDeliveryFailure) {
	fn(ctx, failure)
}

// safeHandle invokes the Handler, turning panics into errors.
func safeHandle(ctx context.Context, h Handler, record event.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()

	return h.Handle(ctx, record)
}
