package correlation

import (
	"context"

	"github.com/commonground/eventline/bus"
	"github.com/commonground/eventline/event"
)

// Handler wraps a bus.Handler so that the Events appended while handling
// a delivered Event inherit its correlation id, and use its id as causation id.
type Handler struct {
	bus.Handler
}

// WrapHandler wraps the provided bus.Handler.
func WrapHandler(h bus.Handler) Handler {
	return Handler{Handler: h}
}

// Handle implements the bus.Handler interface.
func (h Handler) Handle(ctx context.Context, record event.Record) error {
	return h.Handler.Handle(Context(ctx, record), record)
}

// Context returns a context to be used while handling the Record, carrying
// its correlation id (or its id, if it has none) and its id as causation id.
func Context(ctx context.Context, record event.Record) context.Context {
	correlationID := record.Metadata.CorrelationID
	if correlationID == "" {
		correlationID = record.ID.String()
	}

	ctx = WithCorrelationID(ctx, correlationID)

	return WithCausationID(ctx, record.ID.String())
}
