package tracked

import (
	"context"
	"fmt"
	"strings"
)

// Bucket priorities of the change selector. Lower drains first.
const (
	// PriorityContinuation: rest of a partially returned transaction.
	PriorityContinuation = 1
	// PriorityInProgress: transactions in progress at an earlier snapshot.
	PriorityInProgress = 2
	// PriorityNew: transactions at or after the cursor's frontier.
	PriorityNew = 3
)

// Change identifies one changed object without its payload.
type Change struct {
	ObjectID         int64
	LastModifiedTxID TxID
	Priority         int
}

const bucketSQL = `(SELECT object_id, last_modified_txid, %d AS priority FROM %s WHERE %s ORDER BY last_modified_txid, object_id LIMIT %s)`

// BuildSelector renders the change selector for cursor c over ledger l.
//
// Each bucket is ordered by (last_modified_txid, object_id) and capped at
// limit on its own; the union is re-sorted by priority first and capped
// again. The query yields object_id, last_modified_txid and priority.
func BuildSelector(l Ledger, c Cursor, limit int) (string, []any) {
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	table := l.QuotedTable()
	limitArg := next(limit)

	var buckets []string
	if c.XidAt != 0 {
		where := fmt.Sprintf("last_modified_txid = %s AND object_id > %s", next(int64(c.XidAt)), next(c.XidAtID))
		buckets = append(buckets, fmt.Sprintf(bucketSQL, PriorityContinuation, table, where, limitArg))
	}
	if len(c.XipList) > 0 {
		placeholders := make([]string, len(c.XipList))
		for i, t := range c.XipList {
			placeholders[i] = next(int64(t))
		}
		where := fmt.Sprintf("last_modified_txid IN (%s)", strings.Join(placeholders, ", "))
		buckets = append(buckets, fmt.Sprintf(bucketSQL, PriorityInProgress, table, where, limitArg))
	}
	where := fmt.Sprintf("last_modified_txid >= %s", next(int64(c.XidNext)))
	buckets = append(buckets, fmt.Sprintf(bucketSQL, PriorityNew, table, where, limitArg))

	query := fmt.Sprintf(
		`SELECT object_id, last_modified_txid, priority FROM (%s) AS _changes ORDER BY priority, last_modified_txid, object_id LIMIT %s`,
		strings.Join(buckets, " UNION ALL "), limitArg,
	)
	return query, args
}

// SelectChanged runs the selector alone and returns the identifiers of the
// next changed objects in page order. q should be the transaction the
// snapshot was taken in.
func SelectChanged(ctx context.Context, q Querier, l Ledger, c Cursor, limit int) ([]Change, error) {
	query, args := BuildSelector(l, c, limit)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, fmt.Sprintf("select changes from %s", l.Table))
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var ch Change
		var txid int64
		if err := rows.Scan(&ch.ObjectID, &txid, &ch.Priority); err != nil {
			return nil, classify(err, "scan change")
		}
		ch.LastModifiedTxID = TxID(txid)
		changes = append(changes, ch)
	}
	return changes, classify(rows.Err(), "iterate changes")
}

// mergeChanges drops the later occurrences of objects the selector returned
// from more than one bucket. changes must be in selector order; the first
// occurrence carries the lowest priority and keeps its place.
func mergeChanges(changes []Change) []Change {
	seen := make(map[int64]bool, len(changes))
	page := make([]Change, 0, len(changes))
	for _, ch := range changes {
		if seen[ch.ObjectID] {
			continue
		}
		seen[ch.ObjectID] = true
		page = append(page, ch)
	}
	return page
}
