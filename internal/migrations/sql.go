package migrations

import (
	"fmt"
	"strings"

	"github.com/katasec/dstream-ingester-tracked/pkg/tracked"
)

const createTxidFunctionsSQL = `
CREATE OR REPLACE FUNCTION tracked_txid_offset()
RETURNS bigint
IMMUTABLE PARALLEL SAFE
LANGUAGE SQL AS
$$ SELECT %d::bigint $$`

const createTxidCurrentSQL = `
CREATE OR REPLACE FUNCTION tracked_txid_current()
RETURNS bigint
STABLE
LANGUAGE SQL AS
$$ SELECT tracked_txid_offset() + txid_current() $$`

const createLedgerSQL = `
CREATE TABLE %[1]s (
	object_id bigint PRIMARY KEY REFERENCES %[2]s (%[3]s) ON DELETE CASCADE,
	version bigint NOT NULL DEFAULT 1,
	last_modified_txid bigint NOT NULL DEFAULT tracked_txid_current(),
	last_modified_at timestamptz NOT NULL DEFAULT now()
)`

const createLedgerIndexSQL = `CREATE INDEX %[1]s ON %[2]s (last_modified_txid, object_id)`

const createInsertFunctionSQL = `
CREATE OR REPLACE FUNCTION %[1]s() RETURNS trigger
LANGUAGE plpgsql AS $$
BEGIN
	INSERT INTO %[2]s (object_id, last_modified_txid)
	SELECT %[3]s, tracked_txid_current() FROM inserted;
	RETURN NULL;
END $$`

// One bump per transaction: rows already stamped with the current id are skipped.
const createUpdateFunctionSQL = `
CREATE OR REPLACE FUNCTION %[1]s() RETURNS trigger
LANGUAGE plpgsql AS $$
BEGIN
	UPDATE %[2]s AS v SET
		version = v.version + 1,
		last_modified_txid = tracked_txid_current(),
		last_modified_at = now()
	FROM updated AS u
	WHERE v.object_id = u.%[3]s
	  AND v.last_modified_txid <> tracked_txid_current();
	RETURN NULL;
END $$`

const (
	insertTriggerName = "tracked_version_insert"
	updateTriggerName = "tracked_version_update"
)

const createInsertTriggerSQL = `
CREATE TRIGGER %[1]s
	AFTER INSERT ON %[2]s
	REFERENCING NEW TABLE AS inserted
	FOR EACH STATEMENT
	EXECUTE FUNCTION %[3]s()`

const createUpdateTriggerSQL = `
CREATE TRIGGER %[1]s
	AFTER UPDATE ON %[2]s
	REFERENCING NEW TABLE AS updated
	FOR EACH STATEMENT
	EXECUTE FUNCTION %[3]s()`

const backfillSQL = `
INSERT INTO %[1]s (object_id)
SELECT %[2]s FROM %[3]s
ON CONFLICT (object_id) DO NOTHING`

// TxidFunctions installs tracked_txid_offset() and tracked_txid_current().
// offset must match the one the feed is configured with.
func TxidFunctions(offset tracked.TxID) Migration {
	return Migration{
		Version:     "0001_txid_functions",
		Description: fmt.Sprintf("transaction id functions with offset %d", offset),
		Up: []string{
			fmt.Sprintf(createTxidFunctionsSQL, int64(offset)),
			createTxidCurrentSQL,
		},
		Down: []string{
			`DROP FUNCTION IF EXISTS tracked_txid_current()`,
			`DROP FUNCTION IF EXISTS tracked_txid_offset()`,
		},
	}
}

// CreateLedger creates the ledger table of l with its page index.
func CreateLedger(l tracked.Ledger) Migration {
	return Migration{
		Version:     l.Table + "/0001_create",
		Description: "create version ledger for " + l.EntityTable,
		Up: []string{
			fmt.Sprintf(createLedgerSQL, l.QuotedTable(), l.QuotedEntityTable(), tracked.QuoteIdent(l.IDColumn)),
			fmt.Sprintf(createLedgerIndexSQL, tracked.QuoteIdent(baseName(l.Table)+"_txid_idx"), l.QuotedTable()),
		},
		Down: []string{
			fmt.Sprintf(`DROP TABLE IF EXISTS %s`, l.QuotedTable()),
		},
	}
}

// TrackEntity installs the statement triggers that keep the ledger of l
// current on INSERT and UPDATE. Deletes cascade through the foreign key.
func TrackEntity(l tracked.Ledger) Migration {
	insertFn := tracked.QuoteIdent(l.Table + "_on_insert")
	updateFn := tracked.QuoteIdent(l.Table + "_on_update")
	entity := l.QuotedEntityTable()
	id := tracked.QuoteIdent(l.IDColumn)

	return Migration{
		Version:     l.Table + "/0002_triggers",
		Description: "track changes to " + l.EntityTable,
		Up: []string{
			fmt.Sprintf(createInsertFunctionSQL, insertFn, l.QuotedTable(), id),
			fmt.Sprintf(createUpdateFunctionSQL, updateFn, l.QuotedTable(), id),
			fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s`, insertTriggerName, entity),
			fmt.Sprintf(createInsertTriggerSQL, insertTriggerName, entity, insertFn),
			fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s`, updateTriggerName, entity),
			fmt.Sprintf(createUpdateTriggerSQL, updateTriggerName, entity, updateFn),
		},
		Down: []string{
			fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s`, insertTriggerName, entity),
			fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s`, updateTriggerName, entity),
			fmt.Sprintf(`DROP FUNCTION IF EXISTS %s()`, insertFn),
			fmt.Sprintf(`DROP FUNCTION IF EXISTS %s()`, updateFn),
		},
	}
}

// Backfill gives every existing entity row a ledger row at version 1.
// Rows that already have one keep it. It cannot be reverted.
func Backfill(l tracked.Ledger) Migration {
	return Migration{
		Version:     l.Table + "/0003_backfill",
		Description: "backfill version ledger for " + l.EntityTable,
		Up: []string{
			fmt.Sprintf(backfillSQL, l.QuotedTable(), tracked.QuoteIdent(l.IDColumn), l.QuotedEntityTable()),
		},
	}
}

// Plan returns the full migration set for the given ledgers: the txid
// functions first, then create, triggers and backfill per ledger.
func Plan(offset tracked.TxID, ledgers ...tracked.Ledger) []Migration {
	plan := []Migration{TxidFunctions(offset)}
	for _, l := range ledgers {
		l = l.WithDefaults()
		plan = append(plan, CreateLedger(l), TrackEntity(l), Backfill(l))
	}
	return plan
}

func baseName(table string) string {
	if i := strings.LastIndex(table, "."); i >= 0 {
		return table[i+1:]
	}
	return table
}
