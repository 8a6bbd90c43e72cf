package bus

import (
	"fmt"
	"time"
)

// Default values of the RetryPolicy.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 5 * time.Minute
)

// RetryPolicy controls the redelivery of Messages whose Handler failed.
type RetryPolicy struct {
	// MaxAttempts is the number of deliveries after which a failing
	// Message is dead-lettered.
	MaxAttempts int

	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy returns the RetryPolicy used when none is specified.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

// Validate checks the RetryPolicy values.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("bus.RetryPolicy: max attempts must be at least 1, got %d", p.MaxAttempts)
	}

	if p.BaseDelay < 0 || p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("bus.RetryPolicy: invalid delays, base %s, max %s", p.BaseDelay, p.MaxDelay)
	}

	return nil
}

// Delay returns the time to wait before the next delivery, after the
// specified number of failed deliveries (starting from 1):
// BaseDelay * 2^(failed-1), capped at MaxDelay.
func (p RetryPolicy) Delay(failed int) time.Duration {
	if failed < 1 {
		failed = 1
	}

	delay := p.BaseDelay

	for i := 1; i < failed; i++ {
		if delay >= p.MaxDelay/2 {
			return p.MaxDelay
		}

		delay *= 2
	}

	return min(delay, p.MaxDelay)
}

// Action is the outcome of a delivery attempt.
type Action int

// All the possible Actions.
const (
	ActionAck Action = iota + 1
	ActionRetry
	ActionDeadLetter
)

func (a Action) String() string {
	switch a {
	case ActionAck:
		return "ack"
	case ActionRetry:
		return "retry"
	case ActionDeadLetter:
		return "dead-letter"
	default:
		return "unknown"
	}
}

// Transition is the next state of a Message after a delivery attempt.
type Transition struct {
	Action       Action
	Attempt      int
	DeliverAfter time.Time
	Err          error
}

// Next computes the Transition of a claimed Message after the delivery
// attempt ended with the specified Handler error (nil on success).
//
// The attempt of a claimed Message has already been counted by the Queue.
func (p RetryPolicy) Next(msg Message, handlerErr error, now time.Time) Transition {
	attempt := max(msg.DeliveryAttempt, 1)

	switch {
	case handlerErr == nil:
		return Transition{Action: ActionAck, Attempt: attempt}

	case IsPermanent(handlerErr) || attempt >= p.MaxAttempts:
		return Transition{Action: ActionDeadLetter, Attempt: attempt, Err: handlerErr}

	default:
		return Transition{
			Action:       ActionRetry,
			Attempt:      attempt,
			DeliverAfter: now.Add(p.Delay(attempt)),
			Err:          handlerErr,
		}
	}
}
