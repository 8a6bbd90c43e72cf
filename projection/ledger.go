// Package projection contains the Idempotent Projector, that applies Domain
// Events delivered at-least-once to a read model exactly once per consumer group.
//
// Idempotency is enforced by a consumption ledger, unique on the consumer group
// and Event id, whose entries are inserted in the same transaction that applies
// the Event to the read model.
package projection

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrLedgerConflict is returned by a Ledger when the entry was inserted
// concurrently by another delivery of the same Event. Projectors treat it
// as a successful, already-applied delivery.
var ErrLedgerConflict = errors.New("projection: event already recorded in the consumption ledger")

// LedgerEntry records that an Event has been applied by a consumer group.
type LedgerEntry struct {
	ConsumerGroup string    `json:"consumerGroup"`
	EventID       uuid.UUID `json:"eventId"`
	ProcessedAt   time.Time `json:"processedAt"`
}

// Ledger is the consumption ledger of a read model.
//
// Tx is the unit of work of the read model store (e.g. a pgx.Tx) used by
// the apply function, so that the read model update and the ledger insertion
// commit or roll back together.
type Ledger[Tx any] interface {
	// Run applies the Event through the apply function, unless the consumer
	// group has already applied it. The applied result is false when the
	// Event was skipped.
	Run(ctx context.Context, group string, eventID uuid.UUID, apply func(ctx context.Context, tx Tx) error) (applied bool, err error)
}
