package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/katasec/dstream-ingester-tracked/internal/logging"
	"github.com/katasec/dstream-ingester-tracked/pkg/tracked"
)

// Default checkpoint table name
const defaultCheckpointTableName = "tracked_checkpoints"

// SQLStore keeps cursor tokens in a table next to the tracked data.
type SQLStore struct {
	dbConn          *sql.DB
	checkpointTable string
}

// NewSQLStore returns a store over dbConn. An empty table name selects
// tracked_checkpoints.
func NewSQLStore(dbConn *sql.DB, checkpointTableName string) *SQLStore {
	cpTable := defaultCheckpointTableName
	if checkpointTableName != "" {
		cpTable = checkpointTableName
	}
	return &SQLStore{dbConn: dbConn, checkpointTable: tracked.QuoteIdent(cpTable)}
}

// InitializeCheckpointTable creates the checkpoint table if it does not exist
func (s *SQLStore) InitializeCheckpointTable(ctx context.Context) error {
	createQuery := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		stream text PRIMARY KEY,
		cursor_token text NOT NULL,
		updated_at timestamptz NOT NULL DEFAULT now()
	)`, s.checkpointTable)

	if _, err := s.dbConn.ExecContext(ctx, createQuery); err != nil {
		return fmt.Errorf("failed to create %s table: %w", s.checkpointTable, err)
	}

	logging.GetLogger().Info("Initialized checkpoints table", "table", s.checkpointTable)
	return nil
}

// Load implements Store.
func (s *SQLStore) Load(ctx context.Context, stream string) (tracked.Cursor, bool, error) {
	log := logging.GetLogger()

	var token string
	query := fmt.Sprintf(`SELECT cursor_token FROM %s WHERE stream = $1`, s.checkpointTable)
	err := s.dbConn.QueryRowContext(ctx, query, stream).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		log.Info("No previous cursor, starting from the beginning", "stream", stream)
		return tracked.InitialCursor(), false, nil
	}
	if err != nil {
		return tracked.Cursor{}, false, fmt.Errorf("failed to load cursor for %s: %w", stream, err)
	}

	cursor, err := tracked.DecodeCursor(token)
	if err != nil {
		return tracked.Cursor{}, false, fmt.Errorf("failed to load cursor for %s: %w", stream, err)
	}
	log.Info("Resuming from saved cursor", "stream", stream, "cursor", cursor.String())
	return cursor, true, nil
}

// Save implements Store.
func (s *SQLStore) Save(ctx context.Context, stream string, cursor tracked.Cursor) error {
	upsertQuery := fmt.Sprintf(`
	INSERT INTO %s (stream, cursor_token, updated_at) VALUES ($1, $2, now())
	ON CONFLICT (stream) DO UPDATE SET cursor_token = EXCLUDED.cursor_token, updated_at = EXCLUDED.updated_at`, s.checkpointTable)

	if _, err := s.dbConn.ExecContext(ctx, upsertQuery, stream, cursor.Encode()); err != nil {
		return fmt.Errorf("failed to save cursor for %s: %w", stream, err)
	}

	logging.GetLogger().Debug("Saved cursor", "stream", stream, "cursor", cursor.String())
	return nil
}

// Close implements Store. The connection belongs to the caller.
func (s *SQLStore) Close() error { return nil }
