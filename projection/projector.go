package projection

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/commonground/eventline/event"
	"github.com/commonground/eventline/logger"
)

// Applier applies a Domain Event to a read model, using the unit of work
// provided by the Ledger.
type Applier[Tx any] interface {
	Apply(ctx context.Context, tx Tx, record event.Record) error
}

// ApplierFunc is a functional implementation of the Applier interface.
type ApplierFunc[Tx any] func(ctx context.Context, tx Tx, record event.Record) error

// Apply implements the projection.Applier interface.
func (fn ApplierFunc[Tx]) Apply(ctx context.Context, tx Tx, record event.Record) error {
	return fn(ctx, tx, record)
}

// Option customizes a Projector.
type Option func(*options)

type options struct {
	eventTypes []string
	logger     logger.Logger
}

// WithEventTypes restricts the Projector to the specified Event types:
// other Events are acknowledged without touching the read model nor the ledger.
func WithEventTypes(eventTypes ...string) Option {
	return func(o *options) { o.eventTypes = eventTypes }
}

// WithLogger sets the Logger used by the Projector.
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Projector is the Idempotent Projector of a consumer group: it can be
// used as a bus.Handler, and applies every Event at most once.
type Projector[Tx any] struct {
	group   string
	ledger  Ledger[Tx]
	applier Applier[Tx]
	options
}

// NewProjector creates a new Projector for the consumer group.
func NewProjector[Tx any](group string, ledger Ledger[Tx], applier Applier[Tx], opts ...Option) *Projector[Tx] {
	p := &Projector[Tx]{group: group, ledger: ledger, applier: applier}

	for _, opt := range opts {
		opt(&p.options)
	}

	return p
}

// Group returns the consumer group of the Projector.
func (p *Projector[Tx]) Group() string { return p.group }

// EventTypes returns the Event types the Projector is restricted to, if any.
func (p *Projector[Tx]) EventTypes() []string { return slices.Clone(p.eventTypes) }

// Handle applies the Event to the read model, unless already applied by
// the consumer group.
func (p *Projector[Tx]) Handle(ctx context.Context, record event.Record) error {
	if len(p.eventTypes) > 0 && !slices.Contains(p.eventTypes, record.Type) {
		return nil
	}

	applied, err := p.ledger.Run(ctx, p.group, record.ID, func(ctx context.Context, tx Tx) error {
		return p.applier.Apply(ctx, tx, record)
	})

	switch {
	case errors.Is(err, ErrLedgerConflict):
		applied = false

	case err != nil:
		return fmt.Errorf("projection.Projector: %s failed to apply event %s, %w", p.group, record.ID, err)
	}

	if !applied {
		logger.Debug(p.logger, "event already applied, skipping",
			logger.With("consumerGroup", p.group),
			logger.With("eventId", record.ID),
			logger.With("eventType", record.Type),
		)
	}

	return nil
}
