package tracked

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-hclog"
)

// Feed reads pages of changes from one database.
type Feed struct {
	db        *sql.DB
	registry  *Registry
	snapshots SnapshotProvider
	logger    hclog.Logger
}

// Option customises a Feed.
type Option func(*Feed)

// WithSnapshotProvider replaces the PostgreSQL snapshot provider.
func WithSnapshotProvider(p SnapshotProvider) Option {
	return func(f *Feed) { f.snapshots = p }
}

// WithTxidOffset shifts snapshot ids by offset. It must equal the offset the
// ledger migrations were rendered with.
func WithTxidOffset(offset TxID) Option {
	return func(f *Feed) { f.snapshots = PostgresSnapshots{Offset: offset} }
}

// WithLogger sets the logger used for page diagnostics.
func WithLogger(logger hclog.Logger) Option {
	return func(f *Feed) { f.logger = logger }
}

// New returns a Feed over db resolving projections through registry.
func New(db *sql.DB, registry *Registry, opts ...Option) *Feed {
	f := &Feed{
		db:        db,
		registry:  registry,
		snapshots: PostgresSnapshots{},
		logger:    hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Registry returns the registry the feed resolves entities with.
func (f *Feed) Registry() *Registry { return f.registry }

// GetChangedObjects returns the next page of changed objects after cursor
// and the cursor to pass on the following call. A nil cursor starts from
// the beginning of the stream.
//
// The snapshot, the change selector and the projection run in one
// read-only REPEATABLE READ transaction. At most limit objects are
// returned, each at most once per page; a page whose selector reached the
// limit means more changes may be waiting. Errors matching ErrConnectivity
// can be retried with the same cursor.
func GetChangedObjects[T any](ctx context.Context, f *Feed, cursor *Cursor, limit int, proj Projection, decode Decoder[T]) ([]T, Cursor, error) {
	versions, next, err := GetChangedVersions(ctx, f, cursor, limit, proj, decode)
	if err != nil {
		return nil, Cursor{}, err
	}
	items := make([]T, len(versions))
	for i, v := range versions {
		items[i] = v.Object
	}
	return items, next, nil
}

// Version is a changed object together with the ledger version it was read
// at. ObjectID and LastModifiedTxID identify the change.
type Version[T any] struct {
	ObjectID         int64
	LastModifiedTxID TxID
	Object           T
}

// GetChangedVersions is GetChangedObjects keeping the ledger identity of
// every object.
func GetChangedVersions[T any](ctx context.Context, f *Feed, cursor *Cursor, limit int, proj Projection, decode Decoder[T]) ([]Version[T], Cursor, error) {
	if limit <= 0 {
		return nil, Cursor{}, errors.Newf("tracked: limit must be positive, got %d", limit)
	}
	ledger, err := f.registry.Lookup(proj.Entity)
	if err != nil {
		return nil, Cursor{}, err
	}
	cur := InitialCursor()
	if cursor != nil {
		cur = *cursor
	}

	tx, err := f.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, Cursor{}, classify(err, "begin change transaction")
	}
	defer tx.Rollback()

	snap, err := f.snapshots.Acquire(ctx, tx)
	if err != nil {
		return nil, Cursor{}, err
	}

	changes, err := SelectChanged(ctx, tx, ledger, cur, limit)
	if err != nil {
		return nil, Cursor{}, err
	}
	page := mergeChanges(changes)

	var items []Version[T]
	if len(page) > 0 {
		query, args := proj.query(ledger, page)
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, Cursor{}, classify(err, "query changed "+proj.Entity)
		}
		if items, err = scanPage(rows, decode); err != nil {
			return nil, Cursor{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, Cursor{}, classify(err, "commit change transaction")
	}

	var last Change
	if len(changes) > 0 {
		last = changes[len(changes)-1]
	}
	next, err := cur.Next(snap, last, len(changes) >= limit)
	if err != nil {
		return nil, Cursor{}, err
	}

	f.logger.Debug("Fetched changes",
		"entity", proj.Entity,
		"count", len(items),
		"selected", len(changes),
		"xmin", snap.Xmin,
		"xmax", snap.Xmax,
		"cursor", cur.String(),
		"next", next.String())
	return items, next, nil
}

func scanPage[T any](rows *sql.Rows, decode Decoder[T]) ([]Version[T], error) {
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, classify(err, "read projection columns")
	}

	var items []Version[T]
	for rows.Next() {
		values := make([]any, len(columns))
		dest := make([]any, len(columns))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, classify(err, "scan projection row")
		}

		cols, vals, objectID, txid, err := splitBookkeeping(columns, values)
		if err != nil {
			return nil, err
		}
		item, err := decode(cols, vals)
		if err != nil {
			return nil, errors.Wrapf(err, "decode object %d", objectID)
		}
		items = append(items, Version[T]{ObjectID: objectID, LastModifiedTxID: txid, Object: item})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "iterate projection rows")
	}
	return items, nil
}
