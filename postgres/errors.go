package postgres

import (
	"context"
	"errors"
	"net"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/commonground/eventline/event"
)

// PostgreSQL error codes handled by this package.
const (
	codeUniqueViolation = "23505"
	codeSerialization   = "40001"
	codeDeadlock        = "40P01"
	codeTooManyConns    = "53300"
	codeAdminShutdown   = "57P01"
	codeCannotConnect   = "57P03"
)

const (
	eventIDConstraint        = "events_event_id_key"
	streamSequenceConstraint = "events_stream_id_sequence_number_key"
)

func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != codeUniqueViolation {
		return "", false
	}

	return pgErr.ConstraintName, true
}

// isTransient reports whether the failed statement can be safely retried:
// connection failures, timeouts, serialization failures and deadlocks.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerialization, codeDeadlock, codeTooManyConns, codeAdminShutdown, codeCannotConnect:
			return true
		}

		// Class 08: connection exception.
		return len(pgErr.Code) == 5 && pgErr.Code[:2] == "08"
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr)
}

// classify wraps the error in an event.TransientError if it can be retried.
func classify(op string, err error) error {
	if isTransient(err) {
		return &event.TransientError{Op: op, Err: err}
	}

	return err
}
