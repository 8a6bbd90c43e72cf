// Package internal contains helpers shared by the postgres package and its tests.
package internal

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// TxBeginner represents a pgx-related component that can initiate transactions,
// such as *pgxpool.Pool or *pgx.Conn.
type TxBeginner interface {
	BeginTx(ctx context.Context, options pgx.TxOptions) (pgx.Tx, error)
}

// RunTransaction runs a critical data change path in a transaction,
// handling begin, commit and rollback.
//
// The error returned by do is wrapped, so it can still be inspected
// with errors.Is and errors.As.
func RunTransaction(
	ctx context.Context,
	db TxBeginner,
	options pgx.TxOptions, //nolint:gocritic // The pgx API uses value semantics, will do the same here.
	do func(ctx context.Context, tx pgx.Tx) error,
) error {
	_, err := QueryTransaction(ctx, db, options, func(ctx context.Context, tx pgx.Tx) (struct{}, error) {
		return struct{}{}, do(ctx, tx)
	})

	return err
}

// QueryTransaction is like RunTransaction, for transactions producing a result.
// The zero value is returned if the transaction does not commit.
func QueryTransaction[T any](
	ctx context.Context,
	db TxBeginner,
	options pgx.TxOptions, //nolint:gocritic // Same as above.
	do func(ctx context.Context, tx pgx.Tx) (T, error),
) (result T, err error) {
	var zero T

	tx, err := db.BeginTx(ctx, options)
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction, %w", err)
	}

	defer func() {
		if err == nil {
			return
		}

		result = zero

		// Use a fresh context: the transaction must be rolled back
		// even if ctx has been canceled.
		if rollbackErr := tx.Rollback(context.WithoutCancel(ctx)); rollbackErr != nil &&
			!errors.Is(rollbackErr, pgx.ErrTxClosed) {
			err = fmt.Errorf("failed to rollback transaction, %w (caused by: %w)", rollbackErr, err)
		}
	}()

	if result, err = do(ctx, tx); err != nil {
		return zero, fmt.Errorf("failed to perform transaction, %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return zero, fmt.Errorf("failed to commit transaction, %w", err)
	}

	return result, nil
}
