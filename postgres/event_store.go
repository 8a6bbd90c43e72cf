// Package postgres contains the PostgreSQL implementations of the Event Store,
// the Snapshot Store, the Event Bus Queue and the consumption Ledger,
// built on top of jackc/pgx.
//
// The schema is managed with RunMigrations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/commonground/eventline/event"
	"github.com/commonground/eventline/health"
	"github.com/commonground/eventline/postgres/internal"
	"github.com/commonground/eventline/version"
)

var (
	_ event.Store     = EventStore{}
	_ event.Truncater = EventStore{}
)

// EventStore is an event.Store implementation targeting PostgreSQL databases.
//
// Appends to the same Event Stream are serialized by a row lock on the
// Stream, while appends to different Streams proceed in parallel.
// The global position is assigned by a BIGSERIAL column, so it is
// strictly increasing but may contain gaps.
type EventStore struct {
	Conn *pgxpool.Pool
}

// NewEventStore returns a new EventStore using the provided connection pool.
func NewEventStore(conn *pgxpool.Pool) EventStore {
	return EventStore{Conn: conn}
}

// Append inserts the Records in the Event Stream in a single transaction,
// after checking the expected version against the current Stream version.
func (st EventStore) Append(
	ctx context.Context,
	id event.StreamID,
	expected version.Check,
	records ...event.Record,
) (version.Version, error) {
	if err := event.ValidateRecords(records); err != nil {
		return version.Unset, fmt.Errorf("postgres.EventStore: failed to append events, %w", err)
	}

	txOpts := pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	}

	newVersion, err := internal.QueryTransaction(ctx, st.Conn, txOpts, func(ctx context.Context, tx pgx.Tx) (version.Version, error) {
		return appendRecords(ctx, tx, id, expected, records)
	})
	if err == nil {
		return newVersion, nil
	}

	if constraint, ok := uniqueViolation(err); ok {
		switch constraint {
		case eventIDConstraint:
			return version.Unset, fmt.Errorf("postgres.EventStore: failed to append events, %w, %w", event.ErrDuplicateEvent, err)
		case streamSequenceConstraint:
			return version.Unset, fmt.Errorf("postgres.EventStore: failed to append events, %w, %w", version.ErrConflict, err)
		}
	}

	return version.Unset, fmt.Errorf("postgres.EventStore: failed to append events, %w", classify("append", err))
}

func appendRecords(
	ctx context.Context,
	tx pgx.Tx,
	id event.StreamID,
	expected version.Check,
	records []event.Record,
) (version.Version, error) {
	if len(records) > 0 {
		// Makes sure a row exists to lock, even for a new Stream.
		if _, err := tx.Exec(ctx,
			`INSERT INTO event_streams (stream_id) VALUES ($1) ON CONFLICT (stream_id) DO NOTHING`,
			string(id),
		); err != nil {
			return version.Unset, fmt.Errorf("postgres.appendRecords: failed to create event stream, %w", err)
		}
	}

	current := int64(version.Unset)

	err := tx.QueryRow(ctx,
		`SELECT "version" FROM event_streams WHERE stream_id = $1 FOR UPDATE`,
		string(id),
	).Scan(&current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return version.Unset, fmt.Errorf("postgres.appendRecords: failed to lock event stream, %w", err)
	}

	oldVersion := version.Version(current)

	if err := version.Verify(expected, oldVersion); err != nil {
		return version.Unset, fmt.Errorf("postgres.appendRecords: event stream version check failed, %w", err)
	}

	if len(records) == 0 {
		return oldVersion, nil
	}

	batch := new(pgx.Batch)

	for i, record := range records {
		if record.ID == uuid.Nil {
			record.ID = uuid.New()
		}

		metadata, err := json.Marshal(record.Metadata)
		if err != nil {
			return version.Unset, fmt.Errorf("postgres.appendRecords: failed to marshal metadata of record %d, %w", i, err)
		}

		batch.Queue(
			`INSERT INTO events (event_id, stream_id, sequence_number, event_type, payload, metadata)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			record.ID, string(id), int64(oldVersion)+int64(i)+1, record.Type, record.Payload, metadata,
		)
	}

	newVersion := oldVersion + version.Version(len(records))

	batch.Queue(
		`UPDATE event_streams SET "version" = $2 WHERE stream_id = $1`,
		string(id), int64(newVersion),
	)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return version.Unset, fmt.Errorf("postgres.appendRecords: failed to insert records, %w", err)
	}

	return newVersion, nil
}

func limitOf(maxCount int) *int64 {
	if maxCount <= 0 {
		return nil // LIMIT NULL reads everything.
	}

	limit := int64(maxCount)

	return &limit
}

const selectRecords = `SELECT global_position, event_id, stream_id, sequence_number, event_type, payload, metadata
FROM events `

func scanRecord(row pgx.CollectableRow) (event.Record, error) {
	var (
		record         event.Record
		globalPosition int64
		streamID       string
		sequenceNumber int64
		metadata       []byte
	)

	if err := row.Scan(
		&globalPosition,
		&record.ID,
		&streamID,
		&sequenceNumber,
		&record.Type,
		&record.Payload,
		&metadata,
	); err != nil {
		return event.Record{}, fmt.Errorf("postgres.scanRecord: failed to scan row, %w", err)
	}

	if err := json.Unmarshal(metadata, &record.Metadata); err != nil {
		return event.Record{}, fmt.Errorf("postgres.scanRecord: failed to unmarshal metadata, %w", err)
	}

	record.GlobalPosition = uint64(globalPosition)
	record.StreamID = event.StreamID(streamID)
	record.SequenceNumber = version.Version(sequenceNumber)

	return record, nil
}

// ReadStream reads the Records of the Event Stream in sequence order,
// starting from the specified Version.
func (st EventStore) ReadStream(
	ctx context.Context,
	id event.StreamID,
	from version.Version,
	maxCount int,
) ([]event.Record, error) {
	if from < 0 {
		from = 0
	}

	rows, err := st.Conn.Query(ctx,
		selectRecords+`WHERE stream_id = $1 AND sequence_number >= $2 ORDER BY sequence_number ASC LIMIT $3`,
		string(id), int64(from), limitOf(maxCount),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres.EventStore: failed to query stream %s, %w", id, classify("read stream", err))
	}

	records, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("postgres.EventStore: failed to read stream %s, %w", id, classify("read stream", err))
	}

	return records, nil
}

// ReadAll reads the Records of all the Event Streams in global order,
// starting from the specified position.
func (st EventStore) ReadAll(ctx context.Context, from uint64, maxCount int) ([]event.Record, error) {
	rows, err := st.Conn.Query(ctx,
		selectRecords+`WHERE global_position >= $1 ORDER BY global_position ASC LIMIT $2`,
		int64(from), limitOf(maxCount), //nolint:gosec // Positions come from a BIGSERIAL.
	)
	if err != nil {
		return nil, fmt.Errorf("postgres.EventStore: failed to query all events, %w", classify("read all", err))
	}

	records, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("postgres.EventStore: failed to read all events, %w", classify("read all", err))
	}

	return records, nil
}

// Truncate deletes the Records of the Stream with a sequence number
// lower than before. The Stream version is kept.
func (st EventStore) Truncate(ctx context.Context, id event.StreamID, before version.Version) error {
	err := internal.RunTransaction(ctx, st.Conn, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(ctx context.Context, tx pgx.Tx) error {
		var current int64

		err := tx.QueryRow(ctx,
			`SELECT "version" FROM event_streams WHERE stream_id = $1 FOR UPDATE`,
			string(id),
		).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("failed to lock event stream, %w", err)
		}

		if before > version.Version(current).Next() {
			return fmt.Errorf("%w: %s is past version %s", event.ErrInvalidBoundary, before, version.Version(current))
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM events WHERE stream_id = $1 AND sequence_number < $2`,
			string(id), int64(before),
		); err != nil {
			return fmt.Errorf("failed to delete records, %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE event_streams SET truncated_before = GREATEST(truncated_before, $2) WHERE stream_id = $1`,
			string(id), int64(before),
		); err != nil {
			return fmt.Errorf("failed to update truncation boundary, %w", err)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres.EventStore: failed to truncate stream %s, %w", id, classify("truncate", err))
	}

	return nil
}

// HealthCheck pings the database and reports the connection pool statistics.
func (st EventStore) HealthCheck(ctx context.Context) health.Report {
	return poolHealth(ctx, st.Conn)
}

func poolHealth(ctx context.Context, conn *pgxpool.Pool) health.Report {
	stat := conn.Stat()
	details := map[string]string{
		"backend":       "postgres",
		"totalConns":    strconv.Itoa(int(stat.TotalConns())),
		"idleConns":     strconv.Itoa(int(stat.IdleConns())),
		"acquiredConns": strconv.Itoa(int(stat.AcquiredConns())),
		"maxConns":      strconv.Itoa(int(stat.MaxConns())),
	}

	if err := conn.Ping(ctx); err != nil {
		return health.Failed(err, details)
	}

	return health.OK(details)
}
