// Package eventline is the event backbone of the community platform: an
// append-only Event Store with optimistic concurrency, Aggregate snapshots,
// a durable Event Bus with retries and dead-lettering, and idempotent
// projections for the read models.
//
// Start from the `event` package for the Event Record model and the Event
// Store interfaces, and from `aggregate` to implement event-sourced Aggregates.
// `bus` delivers the appended Events to the consumer groups, and `projection`
// applies them exactly once to a read model.
//
// `postgres` and `firestore` contain the durable implementations, and
// `opentelemetry` the instrumentation wrappers.
package eventline
