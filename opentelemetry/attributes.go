package opentelemetry

import "go.opentelemetry.io/otel/attribute"

// Attribute keys used by the instrumentation in this package.
const (
	ErrorKey                      attribute.Key = "error"
	OperationKey                  attribute.Key = "operation"
	ConflictKey                   attribute.Key = "conflict"
	EventStreamIDKey              attribute.Key = "event_stream.id"
	EventStreamVersionKey         attribute.Key = "event_stream.version"
	EventStreamFromVersionKey     attribute.Key = "event_stream.from_version"
	EventStreamExpectedVersionKey attribute.Key = "event_stream.expected_version"
	EventStoreNumEventsKey        attribute.Key = "event_store.num_events"
	EventStoreFromPositionKey     attribute.Key = "event_store.from_position"
	EventIDKey                    attribute.Key = "event.id"
	EventTypeKey                  attribute.Key = "event.type"
	ConsumerGroupKey              attribute.Key = "bus.consumer_group"
	DeliveryAttemptKey            attribute.Key = "bus.delivery_attempt"
	DeliveryOutcomeKey            attribute.Key = "bus.delivery_outcome"
)
