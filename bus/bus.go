package bus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/commonground/eventline/event"
	"github.com/commonground/eventline/health"
	"github.com/commonground/eventline/logger"
)

// Default values of the Bus scheduler.
const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultConcurrency  = 8
	DefaultBatchSize    = 64
	DefaultLease        = time.Minute

	settleMarginRatio = 10
)

// Option customizes a Bus.
type Option func(*Bus)

// WithRetryPolicy sets the redelivery policy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(b *Bus) { b.policy = policy }
}

// WithPollInterval sets how often the scheduler looks for due Messages when idle.
func WithPollInterval(d time.Duration) Option {
	return func(b *Bus) { b.pollInterval = d }
}

// WithConcurrency sets the maximum number of Messages handled at the same time.
func WithConcurrency(n int) Option {
	return func(b *Bus) { b.concurrency = n }
}

// WithBatchSize sets the maximum number of Messages claimed at once.
func WithBatchSize(n int) Option {
	return func(b *Bus) { b.batchSize = n }
}

// WithLease sets for how long a claimed Message is reserved to this Bus.
// Handlers must return before the lease expires, minus a tenth of it kept
// to settle the Message: a Message not settled within the lease is claimed
// again, and the late result of the previous attempt is discarded.
func WithLease(d time.Duration) Option {
	return func(b *Bus) { b.lease = d }
}

// WithRegistry sets the Registry of the Bus, e.g. to share the declaration
// of remote consumer groups.
func WithRegistry(r *Registry) Option {
	return func(b *Bus) { b.registry = r }
}

// WithClock overrides the clock of the scheduler.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// WithLogger sets the Logger used by the Bus.
func WithLogger(l logger.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithDeadLetterObserver sets the observer notified of every dead-lettered Message.
func WithDeadLetterObserver(o DeadLetterObserver) Option {
	return func(b *Bus) { b.observer = o }
}

// Bus is the Event Bus: it enqueues published Events for every interested
// consumer group, and delivers them to the local Handlers.
type Bus struct {
	queue        Queue
	registry     *Registry
	policy       RetryPolicy
	pollInterval time.Duration
	concurrency  int
	batchSize    int
	lease        time.Duration
	now          func() time.Time
	logger       logger.Logger
	observer     DeadLetterObserver
}

// New creates a new Bus backed by the specified Queue.
func New(queue Queue, opts ...Option) (*Bus, error) {
	b := &Bus{
		queue:        queue,
		registry:     NewRegistry(),
		policy:       DefaultRetryPolicy(),
		pollInterval: DefaultPollInterval,
		concurrency:  DefaultConcurrency,
		batchSize:    DefaultBatchSize,
		lease:        DefaultLease,
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(b)
	}

	if err := b.policy.Validate(); err != nil {
		return nil, fmt.Errorf("bus.New: invalid retry policy, %w", err)
	}

	if b.concurrency < 1 || b.batchSize < 1 || b.lease <= 0 || b.pollInterval <= 0 {
		return nil, fmt.Errorf("bus.New: concurrency, batch size, lease and poll interval must be positive")
	}

	return b, nil
}

// Registry returns the Registry of the Bus.
func (b *Bus) Registry() *Registry { return b.registry }

// Subscribe registers the Handler for the consumer group, interested in the
// specified Event types (all of them, if none is specified).
//
// A consumer group can only be subscribed once.
func (b *Bus) Subscribe(group string, eventTypes []string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("bus.Bus: nil handler for group %s", group)
	}

	return b.registry.Register(Subscription{Group: group, EventTypes: eventTypes, Handler: handler})
}

// Publish persists the Event for delivery to the specified consumer groups,
// or to every registered group interested in the Event type if none is specified.
// Specified groups that are registered still only receive the Event types
// they subscribed to.
//
// The returned boolean reports whether the Event has been accepted for
// delivery to at least one group: once Publish returns, the Event is durable.
// Publishing the same Event twice to a group is a no-op.
func (b *Bus) Publish(ctx context.Context, record event.Record, groups ...string) (bool, error) {
	if record.ID == uuid.Nil {
		return false, fmt.Errorf("bus.Bus: failed to publish event, %w: missing id", event.ErrInvalidRecord)
	}

	if len(groups) == 0 {
		groups = b.registry.GroupsFor(record.Type)
	} else {
		groups = b.interested(record.Type, groups)
	}

	if len(groups) == 0 {
		logger.Debug(b.logger, "no consumer group for event, skipping",
			logger.With("eventId", record.ID),
			logger.With("eventType", record.Type),
		)

		return false, nil
	}

	now := b.now()
	msgs := make([]Message, 0, len(groups))

	for _, group := range groups {
		msgs = append(msgs, NewMessage(record, group, now))
	}

	if _, err := b.queue.Enqueue(ctx, msgs...); err != nil {
		return false, fmt.Errorf("bus.Bus: failed to publish event %s, %w", record.ID, err)
	}

	return true, nil
}

func (b *Bus) interested(eventType string, groups []string) []string {
	result := make([]string, 0, len(groups))

	for _, group := range groups {
		if sub, ok := b.registry.Get(group); ok && !sub.Matches(eventType) {
			continue
		}

		result = append(result, group)
	}

	return result
}

// DispatchOnce claims the Messages that are due and delivers them,
// returning the number of Messages claimed.
func (b *Bus) DispatchOnce(ctx context.Context) (int, error) {
	groups := b.registry.LocalGroups()
	if len(groups) == 0 {
		return 0, nil
	}

	claimedAt := b.now()

	msgs, err := b.queue.Claim(ctx, groups, claimedAt, b.lease, b.batchSize)
	if err != nil {
		return 0, fmt.Errorf("bus.Bus: failed to claim messages, %w", err)
	}

	var group errgroup.Group
	group.SetLimit(b.concurrency)

	for _, msg := range msgs {
		group.Go(func() error {
			return b.deliver(ctx, msg, claimedAt)
		})
	}

	return len(msgs), group.Wait()
}

func (b *Bus) deliver(ctx context.Context, msg Message, claimedAt time.Time) error {
	sub, ok := b.registry.Get(msg.ConsumerGroup)
	if !ok || !sub.Local() {
		return fmt.Errorf("bus.Bus: no local handler for group %s", msg.ConsumerGroup)
	}

	// The lease started at claimedAt, before the Message got here.
	leaseEnd := claimedAt.Add(b.lease - b.lease/settleMarginRatio)

	handlerCtx, cancel := context.WithTimeout(ctx, leaseEnd.Sub(b.now()))
	handlerCtx = withDelivery(handlerCtx, Delivery{
		MessageID:     msg.ID.String(),
		ConsumerGroup: msg.ConsumerGroup,
		Attempt:       msg.DeliveryAttempt,
		ClaimedAt:     claimedAt,
	})

	handlerErr := safeHandle(handlerCtx, sub.Handler, msg.Event)

	cancel()

	if handlerErr != nil && ctx.Err() != nil {
		// Shutting down: the lease expires and the Message is claimed again.
		return nil
	}

	transition := b.policy.Next(msg, handlerErr, b.now())

	return b.settle(ctx, msg, transition)
}

func (b *Bus) settle(ctx context.Context, msg Message, t Transition) error {
	fields := []logger.Field{
		logger.With("messageId", msg.ID),
		logger.With("eventId", msg.Event.ID),
		logger.With("eventType", msg.Event.Type),
		logger.With("streamId", msg.Event.StreamID),
		logger.With("consumerGroup", msg.ConsumerGroup),
		logger.With("attempt", t.Attempt),
	}

	var err error

	switch t.Action {
	case ActionAck:
		err = b.queue.Ack(ctx, msg.ID, msg.DeliveryAttempt)
		logger.Debug(b.logger, "message acknowledged", fields...)

	case ActionRetry:
		err = b.queue.Retry(ctx, msg.ID, msg.DeliveryAttempt, t.DeliverAfter, t.Err.Error())
		logger.Warn(b.logger, "message delivery failed, scheduling redelivery",
			append(fields, logger.With("deliverAfter", t.DeliverAfter), logger.Err(t.Err))...)

	case ActionDeadLetter:
		err = b.queue.DeadLetter(ctx, msg.ID, msg.DeliveryAttempt, t.Err.Error())
		if err == nil {
			b.deadLettered(ctx, msg, t)
		}
	}

	if errors.Is(err, ErrClaimLost) || errors.Is(err, ErrInvalidTransition) {
		// The lease expired: the Message belongs to a later attempt now.
		logger.Warn(b.logger, "message lease lost before settling, result discarded",
			append(fields, logger.Err(err))...)

		return nil
	}

	if err != nil {
		return fmt.Errorf("bus.Bus: failed to %s message %s, %w", t.Action, msg.ID, err)
	}

	return nil
}

func (b *Bus) deadLettered(ctx context.Context, msg Message, t Transition) {
	msg.Status = StatusDead
	msg.DeliveryAttempt = t.Attempt
	msg.LastError = t.Err.Error()

	failure := PermanentDeliveryFailure{Message: msg, Err: t.Err}

	logger.Error(b.logger, "message dead-lettered",
		logger.With("messageId", msg.ID),
		logger.With("eventId", msg.Event.ID),
		logger.With("eventType", msg.Event.Type),
		logger.With("consumerGroup", msg.ConsumerGroup),
		logger.With("attempt", t.Attempt),
		logger.Err(t.Err),
	)

	if b.observer != nil {
		b.observer.OnDeadLetter(ctx, failure)
	}
}

// Run runs the scheduler loop until the context is canceled.
//
// Failures to reach the Queue are logged, and the loop keeps going.
func (b *Bus) Run(ctx context.Context) error {
	logger.Info(b.logger, "event bus scheduler started",
		logger.With("groups", b.registry.LocalGroups()),
		logger.With("pollInterval", b.pollInterval),
		logger.With("concurrency", b.concurrency),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info(b.logger, "event bus scheduler stopped")
			return nil

		case <-timer.C:
			n, err := b.DispatchOnce(ctx)
			if err != nil && ctx.Err() == nil {
				logger.Error(b.logger, "event bus dispatch failed", logger.Err(err))
			}

			next := b.pollInterval
			if err == nil && n == b.batchSize {
				next = 0 // More Messages are likely due.
			}

			timer.Reset(next)
		}
	}
}

// Redrive moves a dead-lettered Message back to the queue, for manual reprocessing.
func (b *Bus) Redrive(ctx context.Context, messageID uuid.UUID) error {
	if err := b.queue.Requeue(ctx, messageID, b.now()); err != nil {
		return fmt.Errorf("bus.Bus: failed to redrive message %s, %w", messageID, err)
	}

	logger.Info(b.logger, "dead-lettered message redriven", logger.With("messageId", messageID))

	return nil
}

// DeadLetters lists the dead-lettered Messages of the consumer group.
func (b *Bus) DeadLetters(ctx context.Context, group string, limit int) ([]Message, error) {
	msgs, err := b.queue.DeadLetters(ctx, group, limit)
	if err != nil {
		return nil, fmt.Errorf("bus.Bus: failed to list dead letters, %w", err)
	}

	return msgs, nil
}

// HealthCheck reports the health of the underlying Queue.
func (b *Bus) HealthCheck(ctx context.Context) health.Report {
	report := b.queue.HealthCheck(ctx)

	details := make(map[string]string, len(report.Details)+1)
	for k, v := range report.Details {
		details[k] = v
	}

	details["subscriptions"] = strconv.Itoa(b.registry.Len())
	report.Details = details

	return report
}
