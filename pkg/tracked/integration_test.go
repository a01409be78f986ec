package tracked_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/katasec/dstream-ingester-tracked/internal/migrations"
	"github.com/katasec/dstream-ingester-tracked/pkg/tracked"
)

// These tests run against a real PostgreSQL server named by
// TRACKED_TEST_DATABASE_URL and are skipped without one.

type widget struct {
	ID      int64
	Number  int64
	Version int64
	TxID    tracked.TxID
}

var widgetProjection = tracked.Projection{
	Entity:  "widgets",
	Columns: []string{"t.id", "t.number", "v.version", "v.last_modified_txid"},
}

func decodeWidget(_ []string, values []any) (widget, error) {
	return widget{
		ID:      values[0].(int64),
		Number:  values[1].(int64),
		Version: values[2].(int64),
		TxID:    tracked.TxID(values[3].(int64)),
	}, nil
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	url := os.Getenv("TRACKED_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TRACKED_TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("pgx", url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// setupWidgets creates a widgets table in a fresh schema and migrates its
// version ledger.
func setupWidgets(t *testing.T, db *sql.DB) (*tracked.Feed, tracked.Ledger) {
	t.Helper()
	ctx := context.Background()
	schema := fmt.Sprintf("tracked_it_%d", time.Now().UnixNano())

	for _, stmt := range []string{
		fmt.Sprintf(`CREATE SCHEMA %s`, schema),
		fmt.Sprintf(`CREATE TABLE %s.widgets (id bigserial PRIMARY KEY, number bigint NOT NULL)`, schema),
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			t.Fatal(err)
		}
	}
	ledger := tracked.NewLedger(schema + ".widgets")
	plan := migrations.Plan(0, ledger)
	t.Cleanup(func() {
		db.ExecContext(ctx, fmt.Sprintf(`DROP SCHEMA %s CASCADE`, schema))
		// the shared txid functions stay; only this ledger's versions go
		for _, m := range plan[1:] {
			db.ExecContext(ctx, `DELETE FROM tracked_schema_migrations WHERE version_id = $1`, m.VersionID())
		}
	})

	if _, err := migrations.NewMigrator(db, plan).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	reg := tracked.NewRegistry()
	reg.MustRegister("widgets", ledger)
	return tracked.New(db, reg), ledger
}

func insertWidget(t *testing.T, q tracked.Querier, ledger tracked.Ledger, number int64) int64 {
	t.Helper()
	var id int64
	query := fmt.Sprintf(`INSERT INTO %s (number) VALUES ($1) RETURNING id`, ledger.QuotedEntityTable())
	if err := q.QueryRowContext(context.Background(), query, number).Scan(&id); err != nil {
		t.Fatal(err)
	}
	return id
}

func incrementWidget(t *testing.T, q tracked.Querier, ledger tracked.Ledger, id int64) {
	t.Helper()
	query := fmt.Sprintf(`UPDATE %s SET number = number + 1 WHERE id = $1`, ledger.QuotedEntityTable())
	if _, err := q.ExecContext(context.Background(), query, id); err != nil {
		t.Fatal(err)
	}
}

func currentTxID(t *testing.T, q tracked.Querier) tracked.TxID {
	t.Helper()
	var txid int64
	if err := q.QueryRowContext(context.Background(), `SELECT txid_current()`).Scan(&txid); err != nil {
		t.Fatal(err)
	}
	return tracked.TxID(txid)
}

func changed(t *testing.T, feed *tracked.Feed, cursor *tracked.Cursor, limit int) ([]widget, tracked.Cursor) {
	t.Helper()
	items, next, err := tracked.GetChangedObjects(context.Background(), feed, cursor, limit, widgetProjection, decodeWidget)
	if err != nil {
		t.Fatalf("GetChangedObjects: %v", err)
	}
	return items, next
}

func TestIntegrationPagesInCommitOrder(t *testing.T) {
	db := openTestDB(t)
	feed, ledger := setupWidgets(t, db)

	m1 := insertWidget(t, db, ledger, 1)
	m2 := insertWidget(t, db, ledger, 2)
	incrementWidget(t, db, ledger, m1)

	page, cursor := changed(t, feed, nil, 1)
	if len(page) != 1 || page[0].ID != m2 || page[0].Version != 1 {
		t.Fatalf("first page = %+v, want widget %d at version 1", page, m2)
	}
	page, cursor = changed(t, feed, &cursor, 1)
	if len(page) != 1 || page[0].ID != m1 || page[0].Version != 2 || page[0].Number != 2 {
		t.Fatalf("second page = %+v, want widget %d at version 2", page, m1)
	}
	page, _ = changed(t, feed, &cursor, 1)
	if len(page) != 0 {
		t.Fatalf("third page = %+v, want nothing", page)
	}
}

func TestIntegrationInProgressTransactionIsRevisited(t *testing.T) {
	db := openTestDB(t)
	feed, ledger := setupWidgets(t, db)
	ctx := context.Background()

	m1 := insertWidget(t, db, ledger, 10)
	mainTxID := tracked.TxID(0)
	if rec, err := ledger.Get(ctx, db, m1); err != nil {
		t.Fatal(err)
	} else {
		mainTxID = rec.LastModifiedTxID
	}

	// T2 takes its transaction id before T1 does
	tx2, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx2.Rollback()
	t2 := currentTxID(t, tx2)

	tx1, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	t1 := currentTxID(t, tx1)
	m2 := insertWidget(t, tx1, ledger, 3)
	if err := tx1.Commit(); err != nil {
		t.Fatal(err)
	}
	incrementWidget(t, tx2, ledger, m2)

	page, cursor := changed(t, feed, nil, 10)
	want := []widget{
		{ID: m1, Number: 10, Version: 1, TxID: mainTxID},
		{ID: m2, Number: 3, Version: 1, TxID: t1},
	}
	if diff := cmp.Diff(want, page); diff != "" {
		t.Errorf("page mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(tracked.Cursor{XipList: []tracked.TxID{t2}, XidNext: t1 + 1}, cursor); diff != "" {
		t.Errorf("cursor mismatch (-want +got):\n%s", diff)
	}

	if err := tx2.Commit(); err != nil {
		t.Fatal(err)
	}

	page, cursor = changed(t, feed, &cursor, 1)
	if diff := cmp.Diff([]widget{{ID: m2, Number: 4, Version: 2, TxID: t2}}, page); diff != "" {
		t.Errorf("page mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(tracked.Cursor{XidAt: t2, XidAtID: m2, XidNext: t1 + 1}, cursor); diff != "" {
		t.Errorf("cursor mismatch (-want +got):\n%s", diff)
	}

	page, cursor = changed(t, feed, &cursor, 1)
	if len(page) != 0 {
		t.Errorf("expected an empty page, got %+v", page)
	}
	if diff := cmp.Diff(tracked.Cursor{XidNext: t1 + 1}, cursor); diff != "" {
		t.Errorf("cursor mismatch (-want +got):\n%s", diff)
	}
}

func TestIntegrationOneBumpPerTransaction(t *testing.T) {
	db := openTestDB(t)
	_, ledger := setupWidgets(t, db)
	ctx := context.Background()

	id := insertWidget(t, db, ledger, 1)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	incrementWidget(t, tx, ledger, id)
	incrementWidget(t, tx, ledger, id)
	if err := ledger.Touch(ctx, tx, id); err != nil {
		t.Fatal(err)
	}
	txid := currentTxID(t, tx)
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	rec, err := ledger.Get(ctx, db, id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Version != 2 || rec.LastModifiedTxID != txid {
		t.Errorf("ledger = %+v, want version 2 at txid %d", rec, txid)
	}
}

func TestIntegrationTouchWithoutTriggers(t *testing.T) {
	db := openTestDB(t)
	_, ledger := setupWidgets(t, db)
	ctx := context.Background()

	// a row written behind the triggers' back
	id := insertWidget(t, db, ledger, 5)
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE object_id = $1`, ledger.QuotedTable()), id); err != nil {
		t.Fatal(err)
	}

	for want := int64(1); want <= 2; want++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := ledger.Touch(ctx, tx, id, id); err != nil {
			tx.Rollback()
			t.Fatal(err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}
		rec, err := ledger.Get(ctx, db, id)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Version != want {
			t.Errorf("version after touch %d = %d", want, rec.Version)
		}
	}
}
