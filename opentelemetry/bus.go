package opentelemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/commonground/eventline/bus"
	"github.com/commonground/eventline/event"
)

// Delivery outcomes reported by InstrumentedHandler.
const (
	OutcomeAck       = "ack"
	OutcomeRetry     = "retry"
	OutcomePermanent = "permanent"
)

var _ bus.Handler = new(InstrumentedHandler)

// InstrumentedHandler is a wrapper type over a bus.Handler of a consumer group,
// recording a span and metrics for every delivery.
//
// The span is linked to the span that appended the Event, when its trace
// information is found in the Record metadata.
type InstrumentedHandler struct {
	group   string
	handler bus.Handler

	tracer         trace.Tracer
	handleDuration metric.Float64Histogram
	deliveries     metric.Int64Counter
}

// NewInstrumentedHandler returns a wrapper type to provide OpenTelemetry
// instrumentation around the bus.Handler of the consumer group.
func NewInstrumentedHandler(group string, handler bus.Handler, options ...Option) (*InstrumentedHandler, error) {
	cfg := newConfig(options...)
	meter := cfg.meter()

	ih := &InstrumentedHandler{
		group:   group,
		handler: handler,
		tracer:  cfg.tracer(),
	}

	var err error

	if ih.handleDuration, err = meter.Float64Histogram(
		"eventline.bus.handle.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Duration in milliseconds of the Event deliveries to a consumer group."),
	); err != nil {
		return nil, fmt.Errorf("opentelemetry.InstrumentedHandler: failed to register metric, %w", err)
	}

	if ih.deliveries, err = meter.Int64Counter(
		"eventline.bus.deliveries",
		metric.WithUnit("{delivery}"),
		metric.WithDescription("Number of Event deliveries to a consumer group, by outcome."),
	); err != nil {
		return nil, fmt.Errorf("opentelemetry.InstrumentedHandler: failed to register metric, %w", err)
	}

	return ih, nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeAck
	case bus.IsPermanent(err):
		return OutcomePermanent
	default:
		return OutcomeRetry
	}
}

// producerLink returns a link to the span that appended the Record, if known.
func producerLink(record event.Record) (trace.Link, bool) {
	traceID, err := trace.TraceIDFromHex(record.Metadata.Extra[TraceIDMetadataKey])
	if err != nil {
		return trace.Link{}, false
	}

	spanID, err := trace.SpanIDFromHex(record.Metadata.Extra[SpanIDMetadataKey])
	if err != nil {
		return trace.Link{}, false
	}

	return trace.Link{
		SpanContext: trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     spanID,
			TraceFlags: trace.FlagsSampled,
			Remote:     true,
		}),
	}, true
}

// Handle calls the wrapped bus.Handler and records metrics and traces around it.
func (ih *InstrumentedHandler) Handle(ctx context.Context, record event.Record) (err error) {
	attributes := []attribute.KeyValue{
		ConsumerGroupKey.String(ih.group),
		EventIDKey.String(record.ID.String()),
		EventTypeKey.String(record.Type),
		EventStreamIDKey.String(string(record.StreamID)),
	}

	if delivery, ok := bus.DeliveryFromContext(ctx); ok {
		attributes = append(attributes, DeliveryAttemptKey.Int(delivery.Attempt))
	}

	opts := []trace.SpanStartOption{
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attributes...),
	}

	if link, ok := producerLink(record); ok {
		opts = append(opts, trace.WithLinks(link))
	}

	ctx, span := ih.tracer.Start(ctx, "bus.Handler.Handle", opts...)
	start := time.Now()

	defer func() {
		outcome := outcomeOf(err)
		attrs := metric.WithAttributes(
			ConsumerGroupKey.String(ih.group),
			EventTypeKey.String(record.Type),
			DeliveryOutcomeKey.String(outcome),
		)

		ih.handleDuration.Record(ctx, elapsedMillis(start), attrs)
		ih.deliveries.Add(ctx, 1, attrs)

		span.SetAttributes(DeliveryOutcomeKey.String(outcome))
		endSpan(span, err)
	}()

	return ih.handler.Handle(ctx, record)
}

var _ bus.DeadLetterObserver = new(DeadLetterCounter)

// DeadLetterCounter is a bus.DeadLetterObserver counting the dead-lettered
// Messages, per consumer group and Event type, before notifying the next
// observer, if any.
type DeadLetterCounter struct {
	next    bus.DeadLetterObserver
	counter metric.Int64Counter
}

// NewDeadLetterCounter returns a new DeadLetterCounter, chained to next (which can be nil).
func NewDeadLetterCounter(next bus.DeadLetterObserver, options ...Option) (*DeadLetterCounter, error) {
	cfg := newConfig(options...)

	counter, err := cfg.meter().Int64Counter(
		"eventline.bus.dead_letters",
		metric.WithUnit("{message}"),
		metric.WithDescription("Number of Messages moved to the dead-letter state."),
	)
	if err != nil {
		return nil, fmt.Errorf("opentelemetry.DeadLetterCounter: failed to register metric, %w", err)
	}

	return &DeadLetterCounter{next: next, counter: counter}, nil
}

// OnDeadLetter implements the bus.DeadLetterObserver interface.
func (c *DeadLetterCounter) OnDeadLetter(ctx context.Context, failure bus.PermanentDeliveryFailure) {
	c.counter.Add(ctx, 1, metric.WithAttributes(
		ConsumerGroupKey.String(failure.Message.ConsumerGroup),
		EventTypeKey.String(failure.Message.Event.Type),
	))

	if c.next != nil {
		c.next.OnDeadLetter(ctx, failure)
	}
}
