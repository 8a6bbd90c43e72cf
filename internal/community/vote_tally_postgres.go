package community

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/commonground/eventline/event"
	"github.com/commonground/eventline/projection"
)

// VoteTallyTable is the table of the VoteTally read model in PostgreSQL.
const VoteTallyTable = "community_vote_tallies"

// EnsureVoteTallySchema creates the VoteTally read model table, if missing.
func EnsureVoteTallySchema(ctx context.Context, conn *pgxpool.Pool) error {
	_, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS community_vote_tallies (
			post_id     TEXT PRIMARY KEY,
			title       TEXT NOT NULL DEFAULT '',
			score       INTEGER NOT NULL DEFAULT 0,
			votes       INTEGER NOT NULL DEFAULT 0,
			link_status TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		return fmt.Errorf("community.EnsureVoteTallySchema: failed to create table, %w", err)
	}

	return nil
}

// ApplyVoteTallyTx applies an Event to the VoteTally read model table,
// within the transaction of the consumption ledger.
var ApplyVoteTallyTx = projection.ApplierFunc[pgx.Tx](func(ctx context.Context, tx pgx.Tx, record event.Record) error {
	update, ok, err := tallyUpdateOf(record)
	if err != nil {
		return fmt.Errorf("community.VoteTally: failed to decode event %s, %w", record.ID, err)
	}

	if !ok {
		return nil
	}

	votes := 0
	if update.vote != 0 {
		votes = 1
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO community_vote_tallies AS t (post_id, title, score, votes, link_status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (post_id) DO UPDATE SET
			title       = CASE WHEN EXCLUDED.title <> '' THEN EXCLUDED.title ELSE t.title END,
			score       = t.score + EXCLUDED.score,
			votes       = t.votes + EXCLUDED.votes,
			link_status = CASE WHEN EXCLUDED.link_status <> '' THEN EXCLUDED.link_status ELSE t.link_status END
	`, update.postID, update.title, update.vote, votes, string(update.linkStatus))
	if err != nil {
		return fmt.Errorf("community.VoteTally: failed to update post %s, %w", update.postID, err)
	}

	return nil
})

// PostSummaryOf reads the summary of a Post from the VoteTally read model table.
// The second return value is false if the Post is unknown.
func PostSummaryOf(ctx context.Context, conn *pgxpool.Pool, postID string) (PostSummary, bool, error) {
	var (
		summary    = PostSummary{PostID: postID}
		linkStatus string
	)

	err := conn.QueryRow(ctx,
		`SELECT title, score, votes, link_status FROM community_vote_tallies WHERE post_id = $1`,
		postID,
	).Scan(&summary.Title, &summary.Score, &summary.Votes, &linkStatus)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return PostSummary{}, false, nil
	case err != nil:
		return PostSummary{}, false, fmt.Errorf("community.PostSummaryOf: failed to read post %s, %w", postID, err)
	}

	summary.LinkStatus = LinkStatus(linkStatus)

	return summary, true, nil
}

// NewPostgresVoteTally returns the Idempotent Projector of the VoteTally
// read model table, using the consumption ledger provided.
func NewPostgresVoteTally(ledger projection.Ledger[pgx.Tx], opts ...projection.Option) *projection.Projector[pgx.Tx] {
	opts = append([]projection.Option{projection.WithEventTypes(VoteTallyEventTypes...)}, opts...)

	return projection.NewProjector(VoteTallyGroup, ledger, ApplyVoteTallyTx, opts...)
}
