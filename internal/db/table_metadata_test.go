package db

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/go-cmp/cmp"

	"github.com/katasec/dstream-ingester-tracked/pkg/tracked"
)

func TestGetColumnNames(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectQuery("FROM information_schema.columns").
		WithArgs("public", "orders").
		WillReturnRows(sqlmock.NewRows([]string{"column_name"}).AddRow("id").AddRow("status"))

	cols, err := GetColumnNames(context.Background(), db, "public", "orders")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"id", "status"}, cols); diff != "" {
		t.Errorf("columns mismatch (-want +got):\n%s", diff)
	}
}

func TestLedgerExists(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectQuery("to_regclass").
		WithArgs(`"app"."orders_version"`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	ok, err := LedgerExists(context.Background(), db, tracked.NewLedger("app.orders"))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected the ledger to be missing")
	}
}
