package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/go-cmp/cmp"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/katasec/dstream-ingester-tracked/pkg/tracked"
)

func TestPlanOrder(t *testing.T) {
	plan := Plan(1000, tracked.Ledger{EntityTable: "orders"}, tracked.NewLedger("app.items"))

	var versions []string
	for _, m := range plan {
		versions = append(versions, m.Version)
	}
	want := []string{
		"0001_txid_functions",
		"orders_version/0001_create",
		"orders_version/0002_triggers",
		"orders_version/0003_backfill",
		"app.items_version/0001_create",
		"app.items_version/0002_triggers",
		"app.items_version/0003_backfill",
	}
	if diff := cmp.Diff(want, versions); diff != "" {
		t.Errorf("plan mismatch (-want +got):\n%s", diff)
	}
}

func TestPlanSQL(t *testing.T) {
	plan := Plan(1000, tracked.NewLedger("app.items"))
	all := func(m Migration) string { return strings.Join(append(m.Up, m.Down...), "\n") }

	checks := map[int][]string{
		0: {
			"$$ SELECT 1000::bigint $$",
			"tracked_txid_offset() + txid_current()",
			"DROP FUNCTION IF EXISTS tracked_txid_current()",
		},
		1: {
			`CREATE TABLE "app"."items_version"`,
			`REFERENCES "app"."items" ("id") ON DELETE CASCADE`,
			`DEFAULT tracked_txid_current()`,
			`CREATE INDEX "items_version_txid_idx" ON "app"."items_version" (last_modified_txid, object_id)`,
			`DROP TABLE IF EXISTS "app"."items_version"`,
		},
		2: {
			`CREATE OR REPLACE FUNCTION "app"."items_version_on_insert"()`,
			`SELECT "id", tracked_txid_current() FROM inserted`,
			`v.last_modified_txid <> tracked_txid_current()`,
			`AFTER UPDATE ON "app"."items"`,
			`REFERENCING NEW TABLE AS updated`,
			`DROP FUNCTION IF EXISTS "app"."items_version_on_update"()`,
		},
		3: {
			`ON CONFLICT (object_id) DO NOTHING`,
		},
	}
	for i, fragments := range checks {
		text := all(plan[i])
		for _, f := range fragments {
			if !strings.Contains(text, f) {
				t.Errorf("%s lacks %q:\n%s", plan[i].Version, f, text)
			}
		}
	}
	if len(plan[3].Down) != 0 {
		t.Errorf("backfill should not have down statements")
	}
}

var testMigrations = []Migration{
	{Version: "0001_a", Description: "a", Up: []string{"CREATE TABLE a (id bigint)"}, Down: []string{"DROP TABLE a"}},
	{Version: "0002_b", Description: "b", Up: []string{"CREATE TABLE b (id bigint)"}, Down: []string{"DROP TABLE b"}},
}

func TestVersionIDStableAcrossPlans(t *testing.T) {
	orders := tracked.Ledger{EntityTable: "orders"}
	alone := Plan(0, orders)
	mixed := Plan(0, tracked.NewLedger("app.items"), orders)

	ids := map[string]int64{}
	for _, m := range mixed {
		id := m.VersionID()
		if id <= 0 {
			t.Errorf("%s: version id %d is not positive", m.Version, id)
		}
		for v, other := range ids {
			if other == id {
				t.Errorf("%s and %s share version id %d", v, m.Version, id)
			}
		}
		ids[m.Version] = id
	}
	for _, m := range alone {
		if got := ids[m.Version]; got != m.VersionID() {
			t.Errorf("%s: id %d in one plan, %d in another", m.Version, m.VersionID(), got)
		}
	}
}

func TestProviderRegistersPlan(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	p, err := NewMigrator(db, testMigrations).provider()
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	var got []int64
	for _, src := range p.ListSources() {
		got = append(got, src.Version)
	}
	want := []int64{testMigrations[0].VersionID(), testMigrations[1].VersionID()}
	slices.Sort(want)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("registered versions mismatch (-want +got):\n%s", diff)
	}
	// Registration alone must not touch the database.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestProviderRejectsDuplicateVersions(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	dup := []Migration{testMigrations[0], testMigrations[0]}
	if _, err := NewMigrator(db, dup).provider(); err == nil {
		t.Fatal("expected an error for a duplicate version")
	}
}

func TestDownUnknownTarget(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if _, err := NewMigrator(db, testMigrations).Down(context.Background(), "0009_missing"); err == nil {
		t.Fatal("expected an error for an unknown target")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

// The remaining tests run goose against a real PostgreSQL server named by
// TRACKED_TEST_DATABASE_URL and are skipped without one.

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

// isolated returns a migrator with its own bookkeeping table and a migration
// set over uniquely named tables, dropping both afterwards. The second
// migration's table name is returned with it.
func isolated(t *testing.T, db *sql.DB, failSecond bool) (*Migrator, string) {
	t.Helper()
	suffix := time.Now().UnixNano()
	a := fmt.Sprintf("migr_a_%d", suffix)
	b := fmt.Sprintf("migr_b_%d", suffix)
	secondUp := []string{fmt.Sprintf("CREATE TABLE %s (id bigint)", b)}
	if failSecond {
		secondUp = append(secondUp, "SELECT * FROM no_such_table")
	}
	m := NewMigrator(db, []Migration{
		{Version: "0001_a", Description: "a", Up: []string{fmt.Sprintf("CREATE TABLE %s (id bigint)", a)}, Down: []string{fmt.Sprintf("DROP TABLE %s", a)}},
		{Version: "0002_b", Description: "b", Up: secondUp, Down: []string{fmt.Sprintf("DROP TABLE %s", b)}},
	})
	m.table = fmt.Sprintf("migr_versions_%d", suffix)
	t.Cleanup(func() {
		ctx := context.Background()
		for _, table := range []string{a, b, m.table} {
			db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", table))
		}
	})
	return m, b
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var exists bool
	if err := db.QueryRowContext(context.Background(), `SELECT to_regclass($1) IS NOT NULL`, name).Scan(&exists); err != nil {
		t.Fatal(err)
	}
	return exists
}

func TestUpDownStatus(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	m, _ := isolated(t, db, false)

	applied, err := m.Up(ctx)
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if diff := cmp.Diff([]string{"0001_a", "0002_b"}, applied); diff != "" {
		t.Errorf("applied mismatch (-want +got):\n%s", diff)
	}
	again, err := m.Up(ctx)
	if err != nil {
		t.Fatalf("second Up: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second Up applied %v", again)
	}

	states, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	for _, st := range states {
		if !st.Applied || st.AppliedAt.IsZero() {
			t.Errorf("%s should be applied: %+v", st.Version, st)
		}
	}

	reverted, err := m.Down(ctx, "0001_a")
	if err != nil {
		t.Fatalf("Down: %v", err)
	}
	if diff := cmp.Diff([]string{"0002_b"}, reverted); diff != "" {
		t.Errorf("reverted mismatch (-want +got):\n%s", diff)
	}
	reverted, err = m.Down(ctx, "")
	if err != nil {
		t.Fatalf("Down all: %v", err)
	}
	if diff := cmp.Diff([]string{"0001_a"}, reverted); diff != "" {
		t.Errorf("reverted mismatch (-want +got):\n%s", diff)
	}

	states, err = m.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	want := []State{{Version: "0001_a", Description: "a"}, {Version: "0002_b", Description: "b"}}
	if diff := cmp.Diff(want, states); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
}

func TestUpStopsOnFailure(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	m, second := isolated(t, db, true)

	applied, err := m.Up(ctx)
	if err == nil {
		t.Fatal("expected an error")
	}
	if diff := cmp.Diff([]string{"0001_a"}, applied); diff != "" {
		t.Errorf("applied mismatch (-want +got):\n%s", diff)
	}
	// The failed migration's first statement is rolled back with it.
	if tableExists(t, db, second) {
		t.Error("failed migration left its table behind")
	}
	states, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !states[0].Applied || states[1].Applied {
		t.Errorf("unexpected status %+v", states)
	}
}
