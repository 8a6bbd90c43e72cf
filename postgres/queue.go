package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/commonground/eventline/bus"
	"github.com/commonground/eventline/health"
	"github.com/commonground/eventline/postgres/internal"
)

var _ bus.Queue = Queue{}

// Queue is a bus.Queue implementation storing Messages in the bus_messages table.
//
// Many Bus instances can share the same Queue: Claim locks the Messages
// with FOR UPDATE SKIP LOCKED, and a Message stays leased to its claimer
// until its lease expires.
type Queue struct {
	Conn *pgxpool.Pool
}

const messageColumns = `message_id, consumer_group, "event", delivery_attempt, deliver_after, "status", last_error, enqueued_at`

func scanMessage(row pgx.CollectableRow) (bus.Message, error) {
	var (
		msg     bus.Message
		payload []byte
		status  string
		attempt int32
	)

	if err := row.Scan(
		&msg.ID,
		&msg.ConsumerGroup,
		&payload,
		&attempt,
		&msg.DeliverAfter,
		&status,
		&msg.LastError,
		&msg.EnqueuedAt,
	); err != nil {
		return bus.Message{}, fmt.Errorf("postgres.scanMessage: failed to scan row, %w", err)
	}

	if err := json.Unmarshal(payload, &msg.Event); err != nil {
		return bus.Message{}, fmt.Errorf("postgres.scanMessage: failed to unmarshal event, %w", err)
	}

	msg.Status = bus.Status(status)
	msg.DeliveryAttempt = int(attempt)
	msg.DeliverAfter = msg.DeliverAfter.UTC()
	msg.EnqueuedAt = msg.EnqueuedAt.UTC()

	return msg, nil
}

// Enqueue implements the bus.Queue interface.
func (q Queue) Enqueue(ctx context.Context, msgs ...bus.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	batch := new(pgx.Batch)

	for _, msg := range msgs {
		if msg.ID == uuid.Nil {
			msg.ID = uuid.New()
		}

		if msg.Status == "" {
			msg.Status = bus.StatusPending
		}

		frozen, err := json.Marshal(msg.Event)
		if err != nil {
			return 0, fmt.Errorf("postgres.Queue: failed to marshal event %s, %w", msg.Event.ID, err)
		}

		batch.Queue(
			`INSERT INTO bus_messages
			(message_id, consumer_group, event_id, stream_id, sequence_number, "event",
			delivery_attempt, deliver_after, "status", last_error, enqueued_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT DO NOTHING`,
			msg.ID, msg.ConsumerGroup, msg.Event.ID, string(msg.Event.StreamID), int64(msg.Event.SequenceNumber),
			frozen, int32(msg.DeliveryAttempt), msg.DeliverAfter, string(msg.Status), msg.LastError, msg.EnqueuedAt, //nolint:gosec // Attempts are small.
		)
	}

	added, err := internal.QueryTransaction(ctx, q.Conn, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(ctx context.Context, tx pgx.Tx) (int, error) {
		results := tx.SendBatch(ctx, batch)
		defer results.Close()

		added := 0

		for range msgs {
			tag, err := results.Exec()
			if err != nil {
				return 0, err
			}

			added += int(tag.RowsAffected())
		}

		return added, nil
	})
	if err != nil {
		return 0, fmt.Errorf("postgres.Queue: failed to enqueue messages, %w", classify("enqueue", err))
	}

	return added, nil
}

// Claim implements the bus.Queue interface.
//
// The head of every (stream, consumer group) pair is the open Message with
// the lowest sequence number; heads that are due, or whose lease expired,
// are locked and moved in-flight.
func (q Queue) Claim(
	ctx context.Context,
	groups []string,
	now time.Time,
	lease time.Duration,
	limit int,
) ([]bus.Message, error) {
	if len(groups) == 0 {
		return nil, nil
	}

	txOpts := pgx.TxOptions{IsoLevel: pgx.ReadCommitted}

	msgs, err := internal.QueryTransaction(ctx, q.Conn, txOpts, func(ctx context.Context, tx pgx.Tx) ([]bus.Message, error) {
		rows, err := tx.Query(ctx,
			`WITH heads AS (
				SELECT DISTINCT ON (consumer_group, stream_id) message_id
				FROM bus_messages
				WHERE consumer_group = ANY($1) AND "status" IN ('pending', 'inflight')
				ORDER BY consumer_group, stream_id, sequence_number, enqueued_at
			), claimable AS (
				SELECT m.message_id
				FROM bus_messages m
				JOIN heads h ON h.message_id = m.message_id
				WHERE (m."status" = 'pending' AND m.deliver_after <= $2)
				   OR (m."status" = 'inflight' AND m.locked_until <= $2)
				ORDER BY m.deliver_after, m.enqueued_at
				LIMIT $4
				FOR UPDATE OF m SKIP LOCKED
			)
			UPDATE bus_messages b
			SET "status" = 'inflight', delivery_attempt = b.delivery_attempt + 1, locked_until = $3
			FROM claimable c
			WHERE b.message_id = c.message_id
			RETURNING `+prefixed("b", messageColumns),
			groups, now, now.Add(lease), limitOf(limit),
		)
		if err != nil {
			return nil, err
		}

		return pgx.CollectRows(rows, scanMessage)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres.Queue: failed to claim messages, %w", classify("claim", err))
	}

	return msgs, nil
}

func prefixed(alias, columns string) string {
	return alias + "." + strings.ReplaceAll(columns, ", ", ", "+alias+".")
}

// transition runs an UPDATE guarded on the current Message status and,
// when attempt is not negative, on the delivery attempt of the caller's claim.
// It tells a missing Message apart from one in the wrong state or claimed again.
func (q Queue) transition(ctx context.Context, op string, id uuid.UUID, attempt int, query string, args ...any) error {
	tag, err := q.Conn.Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("postgres.Queue: failed to %s message %s, %w", op, id, classify(op, err))
	}

	if tag.RowsAffected() > 0 {
		return nil
	}

	var (
		status  string
		current int32
	)

	err = q.Conn.QueryRow(ctx,
		`SELECT "status", delivery_attempt FROM bus_messages WHERE message_id = $1`, id,
	).Scan(&status, &current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres.Queue: %w: %s", bus.ErrMessageNotFound, id)
	}

	if err != nil {
		return fmt.Errorf("postgres.Queue: failed to %s message %s, %w", op, id, classify(op, err))
	}

	if attempt >= 0 && int(current) != attempt {
		return fmt.Errorf("postgres.Queue: %w: message %s is at attempt %d, not %d", bus.ErrClaimLost, id, current, attempt)
	}

	return fmt.Errorf("postgres.Queue: %w: message %s is %s", bus.ErrInvalidTransition, id, status)
}

// Ack implements the bus.Queue interface.
func (q Queue) Ack(ctx context.Context, id uuid.UUID, attempt int) error {
	return q.transition(ctx, "ack", id, attempt,
		`UPDATE bus_messages SET "status" = 'acked', locked_until = NULL
		WHERE message_id = $1 AND "status" = 'inflight' AND delivery_attempt = $2`,
		int32(attempt), //nolint:gosec // Attempts are small.
	)
}

// Retry implements the bus.Queue interface.
func (q Queue) Retry(ctx context.Context, id uuid.UUID, attempt int, deliverAfter time.Time, lastErr string) error {
	return q.transition(ctx, "retry", id, attempt,
		`UPDATE bus_messages SET "status" = 'pending', deliver_after = $3, last_error = $4, locked_until = NULL
		WHERE message_id = $1 AND "status" = 'inflight' AND delivery_attempt = $2`,
		int32(attempt), deliverAfter, lastErr, //nolint:gosec // Attempts are small.
	)
}

// DeadLetter implements the bus.Queue interface.
func (q Queue) DeadLetter(ctx context.Context, id uuid.UUID, attempt int, lastErr string) error {
	return q.transition(ctx, "dead-letter", id, attempt,
		`UPDATE bus_messages SET "status" = 'dead', last_error = $3, locked_until = NULL
		WHERE message_id = $1 AND "status" = 'inflight' AND delivery_attempt = $2`,
		int32(attempt), lastErr, //nolint:gosec // Attempts are small.
	)
}

// Requeue implements the bus.Queue interface.
func (q Queue) Requeue(ctx context.Context, id uuid.UUID, now time.Time) error {
	return q.transition(ctx, "requeue", id, -1,
		`UPDATE bus_messages SET "status" = 'pending', delivery_attempt = 0, deliver_after = $2
		WHERE message_id = $1 AND "status" = 'dead'`,
		now,
	)
}

// DeadLetters implements the bus.Queue interface.
func (q Queue) DeadLetters(ctx context.Context, group string, limit int) ([]bus.Message, error) {
	rows, err := q.Conn.Query(ctx,
		`SELECT `+messageColumns+` FROM bus_messages
		WHERE "status" = 'dead' AND ($1::text = '' OR consumer_group = $1::text)
		ORDER BY enqueued_at, message_id
		LIMIT $2`,
		group, limitOf(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres.Queue: failed to query dead letters, %w", classify("dead letters", err))
	}

	msgs, err := pgx.CollectRows(rows, scanMessage)
	if err != nil {
		return nil, fmt.Errorf("postgres.Queue: failed to read dead letters, %w", classify("dead letters", err))
	}

	return msgs, nil
}

// Get implements the bus.Queue interface.
func (q Queue) Get(ctx context.Context, id uuid.UUID) (bus.Message, error) {
	rows, err := q.Conn.Query(ctx, `SELECT `+messageColumns+` FROM bus_messages WHERE message_id = $1`, id)
	if err != nil {
		return bus.Message{}, fmt.Errorf("postgres.Queue: failed to query message %s, %w", id, classify("get", err))
	}

	msg, err := pgx.CollectExactlyOneRow(rows, scanMessage)
	if errors.Is(err, pgx.ErrNoRows) {
		return bus.Message{}, fmt.Errorf("postgres.Queue: %w: %s", bus.ErrMessageNotFound, id)
	}

	if err != nil {
		return bus.Message{}, fmt.Errorf("postgres.Queue: failed to read message %s, %w", id, classify("get", err))
	}

	return msg, nil
}

// HealthCheck pings the database and reports the number of open
// and dead-lettered Messages.
func (q Queue) HealthCheck(ctx context.Context) health.Report {
	report := poolHealth(ctx, q.Conn)
	if !report.IsHealthy() {
		return report
	}

	rows, err := q.Conn.Query(ctx,
		`SELECT "status", COUNT(*) FROM bus_messages WHERE "status" <> 'acked' GROUP BY "status"`,
	)
	if err != nil {
		return health.Failed(err, report.Details)
	}

	counts := map[string]int64{string(bus.StatusPending): 0, string(bus.StatusInFlight): 0, string(bus.StatusDead): 0}

	var (
		status string
		count  int64
	)

	if _, err := pgx.ForEachRow(rows, []any{&status, &count}, func() error {
		counts[status] = count
		return nil
	}); err != nil {
		return health.Failed(err, report.Details)
	}

	for status, count := range counts {
		report.Details[status] = strconv.FormatInt(count, 10)
	}

	return report
}
