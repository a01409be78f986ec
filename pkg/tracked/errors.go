package tracked

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"io"
	"net"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrConnectivity marks failures talking to the store. The feed is
	// read-only, so the same call can be retried with the same cursor.
	ErrConnectivity = errors.New("tracked: store unavailable")

	// ErrNotTracked is returned when a projection names an entity without a
	// registered version ledger. It is raised before the store is touched.
	ErrNotTracked = errors.New("tracked: entity has no version ledger")

	// ErrMalformedCursor is returned when a cursor token cannot be decoded.
	ErrMalformedCursor = errors.New("tracked: malformed cursor")
)

// IsRetryable reports whether err is a transient store failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnectivity)
}

// IsInternal reports whether err is an invariant violation inside the feed.
func IsInternal(err error) bool {
	return errors.IsAssertionFailure(err)
}

// classify wraps a store error and marks it retryable when it came from the
// connection rather than from the statement.
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := errors.Wrap(err, msg)
	if isConnectivity(err) {
		return errors.Mark(wrapped, ErrConnectivity)
	}
	return wrapped
}

func isConnectivity(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08": // connection_exception
			return true
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "40": // transaction_rollback
			return true
		case pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03":
			return true
		}
		return false
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
