package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/commonground/eventline/bus"
)

var _ bus.Checkpointer = Checkpointer{}

// Checkpointer is a bus.Checkpointer storing the Relay progress
// in the relay_checkpoints table.
type Checkpointer struct {
	Conn *pgxpool.Pool
}

// Read implements the bus.Checkpointer interface.
func (c Checkpointer) Read(ctx context.Context, key string) (uint64, error) {
	var position int64

	err := c.Conn.QueryRow(ctx,
		`SELECT "position" FROM relay_checkpoints WHERE relay_name = $1`, key,
	).Scan(&position)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("postgres.Checkpointer: failed to read checkpoint %s, %w", key, classify("read checkpoint", err))
	}

	return uint64(position), nil //nolint:gosec // Positions are never negative.
}

// Write implements the bus.Checkpointer interface.
//
// Relays sharing a name can run in many processes: the stored
// position only ever moves forward.
func (c Checkpointer) Write(ctx context.Context, key string, position uint64) error {
	_, err := c.Conn.Exec(ctx,
		`INSERT INTO relay_checkpoints (relay_name, "position", updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (relay_name) DO UPDATE
		SET "position" = GREATEST(relay_checkpoints."position", EXCLUDED."position"), updated_at = NOW()`,
		key, int64(position), //nolint:gosec // Positions come from a BIGSERIAL.
	)
	if err != nil {
		return fmt.Errorf("postgres.Checkpointer: failed to write checkpoint %s, %w", key, classify("write checkpoint", err))
	}

	return nil
}
