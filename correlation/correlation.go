// Package correlation propagates correlation and causation ids across the
// causal chain of Domain Events, for tracing and debugging purposes.
//
// The correlation id is set once, at the start of a chain (e.g. the inbound
// request), and copied unchanged on every Event caused by it. The causation
// id is the id of the message that directly caused an Event.
//
// You can read more about events correlation here:
// https://blog.arkency.com/correlation-id-and-causation-id-in-evented-systems/
package correlation

import (
	"context"

	"github.com/google/uuid"
)

type (
	correlationCtxKey struct{}
	causationCtxKey   struct{}
)

// WithCorrelationID returns a context carrying the correlation id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationCtxKey{}, id)
}

// WithCausationID returns a context carrying the causation id.
func WithCausationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, causationCtxKey{}, id)
}

// CorrelationID returns the correlation id carried by the context, if any.
func CorrelationID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(correlationCtxKey{}).(string)
	return id, ok && id != ""
}

// CausationID returns the causation id carried by the context, if any.
func CausationID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(causationCtxKey{}).(string)
	return id, ok && id != ""
}

// Generator creates new ids for chains that have no correlation id yet.
type Generator func() string

// UUIDGenerator generates random UUIDs.
func UUIDGenerator() string { return uuid.NewString() }
