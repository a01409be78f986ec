package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/katasec/dstream-ingester-tracked/pkg/tracked"
)

// GetColumnNames lists the columns of schema.tableName in table order.
func GetColumnNames(ctx context.Context, db *sql.DB, schema, tableName string) ([]string, error) {
	query := `SELECT column_name FROM information_schema.columns WHERE table_schema = $1 AND table_name = $2 ORDER BY ordinal_position`
	rows, err := db.QueryContext(ctx, query, schema, tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s.%s: %w", schema, tableName, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var columnName string
		if err := rows.Scan(&columnName); err != nil {
			return nil, err
		}
		columns = append(columns, columnName)
	}
	return columns, rows.Err()
}

// LedgerExists reports whether the ledger table of l has been created.
func LedgerExists(ctx context.Context, db *sql.DB, l tracked.Ledger) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, l.QuotedTable()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to look up ledger %s: %w", l.Table, err)
	}
	return exists, nil
}
