package tracked

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
)

// VersionRecord is one ledger row. Version starts at 1 when the entity is
// created and grows by one per committing transaction that modifies it.
// LastModifiedTxID is the transaction that produced Version.
type VersionRecord struct {
	ObjectID         int64
	Version          int64
	LastModifiedTxID TxID
	LastModifiedAt   time.Time
}

// Ledger describes the version ledger of one entity table.
type Ledger struct {
	// EntityTable is the tracked table, optionally schema qualified.
	EntityTable string
	// IDColumn is the entity's bigint primary key column. Defaults to "id".
	IDColumn string
	// Table is the ledger table. Defaults to EntityTable + "_version".
	Table string
}

// NewLedger returns the ledger descriptor for entityTable with the default
// id column and ledger table name.
func NewLedger(entityTable string) Ledger {
	return Ledger{EntityTable: entityTable}.WithDefaults()
}

// WithDefaults fills the id column and ledger table when they are empty.
func (l Ledger) WithDefaults() Ledger {
	if l.IDColumn == "" {
		l.IDColumn = "id"
	}
	if l.Table == "" && l.EntityTable != "" {
		l.Table = l.EntityTable + "_version"
	}
	return l
}

// Validate checks that the descriptor names its tables.
func (l Ledger) Validate() error {
	if l.EntityTable == "" {
		return errors.New("tracked: ledger without entity table")
	}
	if l.Table == "" || l.IDColumn == "" {
		return errors.Newf("tracked: incomplete ledger for %s", l.EntityTable)
	}
	return nil
}

// QuotedTable returns the ledger table as a quoted SQL identifier.
func (l Ledger) QuotedTable() string { return QuoteIdent(l.Table) }

// QuotedEntityTable returns the entity table as a quoted SQL identifier.
func (l Ledger) QuotedEntityTable() string { return QuoteIdent(l.EntityTable) }

// QuoteIdent quotes a possibly schema-qualified name such as "app.orders".
func QuoteIdent(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

// Get reads the ledger row of one object. It returns sql.ErrNoRows (wrapped)
// when the object has no ledger row.
func (l Ledger) Get(ctx context.Context, q Querier, objectID int64) (VersionRecord, error) {
	query := fmt.Sprintf(
		`SELECT object_id, version, last_modified_txid, last_modified_at FROM %s WHERE object_id = $1`,
		l.QuotedTable(),
	)
	var rec VersionRecord
	var txid int64
	err := q.QueryRowContext(ctx, query, objectID).Scan(&rec.ObjectID, &rec.Version, &txid, &rec.LastModifiedAt)
	if err != nil {
		return VersionRecord{}, classify(err, fmt.Sprintf("read ledger %s for object %d", l.Table, objectID))
	}
	rec.LastModifiedTxID = TxID(txid)
	return rec, nil
}

// Touch records a write to the given objects from the application side. It
// must run inside the transaction that modified the objects: a missing
// ledger row is created at version 1, an existing one is bumped once per
// transaction no matter how often Touch is called.
//
// Touch is only needed for tables without the ledger triggers.
func (l Ledger) Touch(ctx context.Context, tx Querier, objectIDs ...int64) error {
	query := fmt.Sprintf(`
		INSERT INTO %s AS v (object_id, version, last_modified_txid, last_modified_at)
		VALUES ($1, 1, tracked_txid_current(), now())
		ON CONFLICT (object_id) DO UPDATE SET
			version = v.version + 1,
			last_modified_txid = EXCLUDED.last_modified_txid,
			last_modified_at = EXCLUDED.last_modified_at
		WHERE v.last_modified_txid <> EXCLUDED.last_modified_txid`, l.QuotedTable())

	for _, id := range objectIDs {
		if _, err := tx.ExecContext(ctx, query, id); err != nil {
			return classify(err, fmt.Sprintf("touch ledger %s for object %d", l.Table, id))
		}
	}
	return nil
}
