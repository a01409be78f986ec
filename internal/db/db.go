package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/katasec/dstream-ingester-tracked/internal/logging"
)

// Connect opens a PostgreSQL pool through the pgx driver and checks it with a ping.
// connectionString may be a postgres:// URL or a key=value DSN.
func Connect(ctx context.Context, connectionString string) (*sql.DB, error) {
	db, err := sql.Open("pgx", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logging.GetLogger().Info("Successfully connected to database")
	return db, nil
}
