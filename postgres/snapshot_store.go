package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/commonground/eventline/snapshot"
	"github.com/commonground/eventline/version"
)

var (
	_ snapshot.Store  = SnapshotStore{}
	_ snapshot.Purger = SnapshotStore{}
)

// SnapshotStore is a snapshot.Store implementation keeping one Snapshot
// per Aggregate in the snapshots table.
type SnapshotStore struct {
	Conn *pgxpool.Pool
}

// Latest returns the stored Snapshot of the Aggregate, or snapshot.ErrNotFound.
func (st SnapshotStore) Latest(ctx context.Context, aggregateType, aggregateID string) (snapshot.Snapshot, error) {
	var (
		v       int64
		state   []byte
		takenAt time.Time
	)

	err := st.Conn.QueryRow(ctx,
		`SELECT "version", "state", taken_at FROM snapshots WHERE aggregate_type = $1 AND aggregate_id = $2`,
		aggregateType, aggregateID,
	).Scan(&v, &state, &takenAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return snapshot.Snapshot{}, fmt.Errorf("postgres.SnapshotStore: %w, %s@%s", snapshot.ErrNotFound, aggregateType, aggregateID)
	}

	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("postgres.SnapshotStore: failed to get snapshot, %w", classify("snapshot latest", err))
	}

	return snapshot.Snapshot{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Version:       version.Version(v),
		State:         state,
		TakenAt:       takenAt.UTC(),
	}, nil
}

// Save stores the Snapshot, unless a Snapshot with a greater or equal
// Version exists, in which case snapshot.ErrStale is returned.
func (st SnapshotStore) Save(ctx context.Context, s snapshot.Snapshot) error {
	tag, err := st.Conn.Exec(ctx,
		`INSERT INTO snapshots (aggregate_type, aggregate_id, "version", "state", taken_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (aggregate_type, aggregate_id) DO
		UPDATE SET "version" = EXCLUDED."version", "state" = EXCLUDED."state", taken_at = EXCLUDED.taken_at
		WHERE snapshots."version" < EXCLUDED."version"`,
		s.AggregateType, s.AggregateID, int64(s.Version), s.State, s.TakenAt,
	)
	if err != nil {
		return fmt.Errorf("postgres.SnapshotStore: failed to save snapshot, %w", classify("snapshot save", err))
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres.SnapshotStore: failed to save snapshot at version %s, %w", s.Version, snapshot.ErrStale)
	}

	return nil
}

// Purge deletes the Snapshot of the Aggregate, if any.
func (st SnapshotStore) Purge(ctx context.Context, aggregateType, aggregateID string) error {
	if _, err := st.Conn.Exec(ctx,
		`DELETE FROM snapshots WHERE aggregate_type = $1 AND aggregate_id = $2`,
		aggregateType, aggregateID,
	); err != nil {
		return fmt.Errorf("postgres.SnapshotStore: failed to purge snapshot, %w", classify("snapshot purge", err))
	}

	return nil
}
