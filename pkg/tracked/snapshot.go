package tracked

import (
	"context"
	"database/sql"
	"slices"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// TxID is a PostgreSQL transaction id, widened to 64 bits with epoch.
type TxID int64

// Snapshot is the transaction visibility of one REPEATABLE READ transaction.
//
// A change committed by transaction t is visible iff t < Xmax and t is not
// in InProgress. Every transaction below Xmin has finished.
type Snapshot struct {
	// Xmin is the lowest transaction id that may still be running.
	Xmin TxID
	// Xmax is one past the highest completed transaction id.
	Xmax TxID
	// InProgress holds the ids in [Xmin, Xmax) that had not finished.
	InProgress []TxID
}

// Visible reports whether changes committed by t are visible in s.
func (s Snapshot) Visible(t TxID) bool {
	if t >= s.Xmax {
		return false
	}
	return !slices.Contains(s.InProgress, t)
}

func (s Snapshot) shift(offset TxID) Snapshot {
	if offset == 0 {
		return s
	}
	out := Snapshot{Xmin: s.Xmin + offset, Xmax: s.Xmax + offset}
	for _, t := range s.InProgress {
		out.InProgress = append(out.InProgress, t+offset)
	}
	return out
}

// Querier is the subset of *sql.DB, *sql.Conn and *sql.Tx used by the feed.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SnapshotProvider acquires the snapshot of the transaction behind q.
//
// q must be a transaction at REPEATABLE READ or stronger so that the snapshot
// stays frozen for the queries that follow it.
type SnapshotProvider interface {
	Acquire(ctx context.Context, q Querier) (Snapshot, error)
}

// PostgresSnapshots reads txid_current_snapshot() and shifts every id by
// Offset. The offset must match the one compiled into the ledger's
// tracked_txid_current() function.
type PostgresSnapshots struct {
	Offset TxID
}

const snapshotSQL = `SELECT txid_current_snapshot()::text`

// Acquire implements SnapshotProvider.
func (p PostgresSnapshots) Acquire(ctx context.Context, q Querier) (Snapshot, error) {
	var raw string
	if err := q.QueryRowContext(ctx, snapshotSQL).Scan(&raw); err != nil {
		return Snapshot{}, classify(err, "acquire snapshot")
	}
	snap, err := ParseSnapshot(raw)
	if err != nil {
		return Snapshot{}, err
	}
	return snap.shift(p.Offset), nil
}

// ParseSnapshot parses the text form of txid_snapshot, "xmin:xmax:xip,xip,...".
// Text the server would never produce is an internal error.
func ParseSnapshot(raw string) (Snapshot, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 3 {
		return Snapshot{}, errors.AssertionFailedf("tracked: unexpected snapshot format %q", raw)
	}
	xmin, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Snapshot{}, errors.NewAssertionErrorWithWrappedErrf(err, "tracked: snapshot xmin %q", parts[0])
	}
	xmax, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Snapshot{}, errors.NewAssertionErrorWithWrappedErrf(err, "tracked: snapshot xmax %q", parts[1])
	}
	snap := Snapshot{Xmin: TxID(xmin), Xmax: TxID(xmax)}
	if parts[2] != "" {
		for _, field := range strings.Split(parts[2], ",") {
			xip, err := strconv.ParseInt(field, 10, 64)
			if err != nil {
				return Snapshot{}, errors.NewAssertionErrorWithWrappedErrf(err, "tracked: snapshot xip %q", field)
			}
			snap.InProgress = append(snap.InProgress, TxID(xip))
		}
	}
	if snap.Xmin > snap.Xmax {
		return Snapshot{}, errors.AssertionFailedf("tracked: snapshot xmin %d above xmax %d", snap.Xmin, snap.Xmax)
	}
	snap.InProgress = normalizeTxIDs(snap.InProgress)
	return snap, nil
}

// normalizeTxIDs sorts ids and removes duplicates. It returns nil for an
// empty set so that cursors compare equal regardless of how they were built.
func normalizeTxIDs(ids []TxID) []TxID {
	if len(ids) == 0 {
		return nil
	}
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
