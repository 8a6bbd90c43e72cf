package opentelemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/commonground/eventline/event"
	"github.com/commonground/eventline/health"
	"github.com/commonground/eventline/version"
)

// Metadata keys used to propagate the trace information in the appended Records.
const (
	TraceIDMetadataKey = "traceId"
	SpanIDMetadataKey  = "spanId"
)

var _ event.Store = new(InstrumentedEventStore)

// InstrumentedEventStore is a wrapper type over an event.Store
// instance to provide instrumentation, in the form of metrics and traces
// using OpenTelemetry.
//
// Use NewInstrumentedEventStore for constructing a new instance of this type.
type InstrumentedEventStore struct {
	store              event.Store
	propagateTraceInfo bool

	tracer         trace.Tracer
	appendDuration metric.Float64Histogram
	readDuration   metric.Float64Histogram
	appended       metric.Int64Counter
	conflicts      metric.Int64Counter
}

func (ies *InstrumentedEventStore) registerMetrics(meter metric.Meter) error {
	var err error

	if ies.appendDuration, err = meter.Float64Histogram(
		"eventline.event_store.append.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Duration in milliseconds of event.Store.Append operations performed."),
	); err != nil {
		return fmt.Errorf("opentelemetry.InstrumentedEventStore: failed to register metric, %w", err)
	}

	if ies.readDuration, err = meter.Float64Histogram(
		"eventline.event_store.read.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Duration in milliseconds of event.Store read operations performed."),
	); err != nil {
		return fmt.Errorf("opentelemetry.InstrumentedEventStore: failed to register metric, %w", err)
	}

	if ies.appended, err = meter.Int64Counter(
		"eventline.event_store.appended_events",
		metric.WithUnit("{event}"),
		metric.WithDescription("Number of Domain Events appended to the Event Store."),
	); err != nil {
		return fmt.Errorf("opentelemetry.InstrumentedEventStore: failed to register metric, %w", err)
	}

	if ies.conflicts, err = meter.Int64Counter(
		"eventline.event_store.conflicts",
		metric.WithUnit("{conflict}"),
		metric.WithDescription("Number of appends refused by the optimistic concurrency check."),
	); err != nil {
		return fmt.Errorf("opentelemetry.InstrumentedEventStore: failed to register metric, %w", err)
	}

	return nil
}

// NewInstrumentedEventStore returns a wrapper type to provide OpenTelemetry
// instrumentation (metrics and traces) around an event.Store.
//
// An error is returned if metrics could not be registered.
func NewInstrumentedEventStore(store event.Store, options ...Option) (*InstrumentedEventStore, error) {
	cfg := newConfig(options...)

	ies := &InstrumentedEventStore{
		store:              store,
		propagateTraceInfo: cfg.PropagateTraceInfo,
		tracer:             cfg.tracer(),
	}

	if err := ies.registerMetrics(cfg.meter()); err != nil {
		return nil, err
	}

	return ies, nil
}

func expectedVersion(expected version.Check) int64 {
	if v, ok := expected.(version.CheckExact); ok {
		return int64(v)
	}

	return int64(version.Unset)
}

func elapsedMillis(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.End()
}

func (ies *InstrumentedEventStore) withTraceInfo(ctx context.Context, records []event.Record) []event.Record {
	spanContext := trace.SpanContextFromContext(ctx)
	if !ies.propagateTraceInfo || !spanContext.IsValid() {
		return records
	}

	enriched := make([]event.Record, len(records))

	for i, record := range records {
		record.Metadata.Extra = record.Metadata.Extra.Clone().
			With(TraceIDMetadataKey, spanContext.TraceID().String()).
			With(SpanIDMetadataKey, spanContext.SpanID().String())

		enriched[i] = record
	}

	return enriched
}

// Append calls the wrapped event.Store.Append method and records metrics and traces around it.
func (ies *InstrumentedEventStore) Append(
	ctx context.Context,
	id event.StreamID,
	expected version.Check,
	records ...event.Record,
) (newVersion version.Version, err error) {
	attributes := []attribute.KeyValue{
		EventStreamIDKey.String(string(id)),
		EventStreamExpectedVersionKey.Int64(expectedVersion(expected)),
		EventStoreNumEventsKey.Int(len(records)),
	}

	ctx, span := ies.tracer.Start(ctx, "event.Store.Append",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attributes...),
	)
	start := time.Now()

	defer func() {
		conflict := errors.Is(err, version.ErrConflict)
		attrs := metric.WithAttributes(ErrorKey.Bool(err != nil), ConflictKey.Bool(conflict))

		ies.appendDuration.Record(ctx, elapsedMillis(start), attrs)

		if conflict {
			ies.conflicts.Add(ctx, 1, metric.WithAttributes(EventStreamIDKey.String(string(id))))
		}

		if err == nil {
			ies.appended.Add(ctx, int64(len(records)))
			span.SetAttributes(EventStreamVersionKey.Int64(int64(newVersion)))
		}

		endSpan(span, err)
	}()

	newVersion, err = ies.store.Append(ctx, id, expected, ies.withTraceInfo(ctx, records)...)

	return newVersion, err
}

// ReadStream calls the wrapped event.Store.ReadStream method and records metrics and traces around it.
func (ies *InstrumentedEventStore) ReadStream(
	ctx context.Context,
	id event.StreamID,
	from version.Version,
	maxCount int,
) (records []event.Record, err error) {
	ctx, span := ies.tracer.Start(ctx, "event.Store.ReadStream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			EventStreamIDKey.String(string(id)),
			EventStreamFromVersionKey.Int64(int64(from)),
		),
	)
	start := time.Now()

	defer func() {
		ies.readDuration.Record(ctx, elapsedMillis(start), metric.WithAttributes(
			OperationKey.String("readStream"),
			ErrorKey.Bool(err != nil),
		))

		span.SetAttributes(EventStoreNumEventsKey.Int(len(records)))
		endSpan(span, err)
	}()

	records, err = ies.store.ReadStream(ctx, id, from, maxCount)

	return records, err
}

// ReadAll calls the wrapped event.Store.ReadAll method and records metrics and traces around it.
func (ies *InstrumentedEventStore) ReadAll(
	ctx context.Context,
	from uint64,
	maxCount int,
) (records []event.Record, err error) {
	ctx, span := ies.tracer.Start(ctx, "event.Store.ReadAll",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(EventStoreFromPositionKey.Int64(int64(from))), //nolint:gosec // Positions fit an int64.
	)
	start := time.Now()

	defer func() {
		ies.readDuration.Record(ctx, elapsedMillis(start), metric.WithAttributes(
			OperationKey.String("readAll"),
			ErrorKey.Bool(err != nil),
		))

		span.SetAttributes(EventStoreNumEventsKey.Int(len(records)))
		endSpan(span, err)
	}()

	records, err = ies.store.ReadAll(ctx, from, maxCount)

	return records, err
}

// HealthCheck delegates to the wrapped event.Store.
func (ies *InstrumentedEventStore) HealthCheck(ctx context.Context) health.Report {
	return ies.store.HealthCheck(ctx)
}
