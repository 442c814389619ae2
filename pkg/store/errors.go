package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned by Get* functions when no row matches.
var ErrNotFound = errors.New("row not found")

// UniqueViolationError reports an insert or update rejected by a unique
// index. Constraint carries the index name so callers can tell a slot
// collision from a duplicate claim.
type UniqueViolationError struct {
	Constraint string
}

func (e *UniqueViolationError) Error() string {
	return "unique constraint violation: " + e.Constraint
}

// AsUniqueViolation extracts a UniqueViolationError from err, unwrapping
// the pgx error chain. SQLSTATE 23505 is unique_violation.
func AsUniqueViolation(err error) (*UniqueViolationError, bool) {
	var uv *UniqueViolationError
	if errors.As(err, &uv) {
		return uv, true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return &UniqueViolationError{Constraint: pgErr.ConstraintName}, true
	}
	return nil, false
}

// IsTransient reports whether err looks like a connection-level failure
// worth retrying, as opposed to a predicate miss or constraint
// violation, which never are.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection_exception; 57P01 is admin_shutdown.
		return pgErr.Code[:2] == "08" || pgErr.Code == "57P01"
	}
	return pgconn.SafeToRetry(err)
}
