package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/commonground/eventline/postgres/internal"
	"github.com/commonground/eventline/projection"
)

var _ projection.Ledger[pgx.Tx] = Ledger{}

// errAlreadyApplied rolls back the transaction of an Event already in the Ledger.
var errAlreadyApplied = errors.New("postgres.Ledger: event already applied")

// Ledger is a projection.Ledger storing its entries in the consumption_ledger
// table, for read models kept in the same PostgreSQL database.
//
// The ledger entry is inserted first, in the same transaction used to apply
// the Event: a concurrent delivery of the same Event waits on the entry
// row lock, and skips the Event once the first delivery commits.
type Ledger struct {
	Conn *pgxpool.Pool
}

// Run implements the projection.Ledger interface.
func (l Ledger) Run(
	ctx context.Context,
	group string,
	eventID uuid.UUID,
	apply func(ctx context.Context, tx pgx.Tx) error,
) (bool, error) {
	err := internal.RunTransaction(ctx, l.Conn, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO consumption_ledger (consumer_group, event_id)
			VALUES ($1, $2)
			ON CONFLICT (consumer_group, event_id) DO NOTHING`,
			group, eventID,
		)
		if err != nil {
			return fmt.Errorf("failed to insert ledger entry, %w", err)
		}

		if tag.RowsAffected() == 0 {
			return errAlreadyApplied
		}

		return apply(ctx, tx)
	})

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errAlreadyApplied):
		return false, nil
	}

	if constraint, ok := uniqueViolation(err); ok && constraint == "consumption_ledger_pkey" {
		return false, fmt.Errorf("postgres.Ledger: failed to record event %s, %w", eventID, projection.ErrLedgerConflict)
	}

	return false, fmt.Errorf("postgres.Ledger: failed to apply event %s, %w", eventID, classify("ledger", err))
}

// Entries returns the ledger entries of the consumer group, ordered by processing time.
func (l Ledger) Entries(ctx context.Context, group string) ([]projection.LedgerEntry, error) {
	rows, err := l.Conn.Query(ctx,
		`SELECT event_id, processed_at FROM consumption_ledger
		WHERE consumer_group = $1
		ORDER BY processed_at, event_id`,
		group,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres.Ledger: failed to query entries, %w", classify("ledger entries", err))
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (projection.LedgerEntry, error) {
		entry := projection.LedgerEntry{ConsumerGroup: group}

		var processedAt time.Time
		if err := row.Scan(&entry.EventID, &processedAt); err != nil {
			return projection.LedgerEntry{}, err
		}

		entry.ProcessedAt = processedAt.UTC()

		return entry, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres.Ledger: failed to read entries, %w", err)
	}

	return entries, nil
}
