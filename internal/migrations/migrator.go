package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	"github.com/pressly/goose/v3/lock"

	"github.com/katasec/dstream-ingester-tracked/internal/logging"
)

// Default bookkeeping table
const defaultMigrationsTable = "tracked_schema_migrations"

// Migration is one reversible, versioned schema change. Each statement of Up
// runs in order inside a single transaction; Down undoes it.
type Migration struct {
	Version     string
	Description string
	Up          []string
	Down        []string
}

// VersionID is the numeric version recorded in the bookkeeping table. It is
// derived from Version alone, so it stays stable when ledgers are added to
// or removed from the plan.
func (m Migration) VersionID() int64 {
	h := fnv.New64a()
	h.Write([]byte(m.Version))
	return int64(h.Sum64()>>1) | 1
}

// State reports whether a migration has been applied.
type State struct {
	Version     string
	Description string
	Applied     bool
	AppliedAt   time.Time
}

// Migrator applies an ordered migration set with goose. Every run holds the
// goose PostgreSQL session lock, so concurrent deploys apply each migration
// once.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
	table      string
}

// NewMigrator returns a Migrator for the given migration set, in the order
// the migrations have to be applied.
func NewMigrator(db *sql.DB, migrations []Migration) *Migrator {
	return &Migrator{db: db, migrations: migrations, table: defaultMigrationsTable}
}

// provider registers the migration set with goose. Migrations are applied
// one version at a time in plan order, so the numeric versions only have to
// be unique.
func (m *Migrator) provider() (*goose.Provider, error) {
	store, err := database.NewStore(database.DialectPostgres, m.table)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration store: %w", err)
	}
	locker, err := lock.NewPostgresSessionLocker()
	if err != nil {
		return nil, fmt.Errorf("failed to create migration lock: %w", err)
	}

	gooseMigrations := make([]*goose.Migration, len(m.migrations))
	for i, mig := range m.migrations {
		gooseMigrations[i] = goose.NewGoMigration(mig.VersionID(), statements(mig.Up), statements(mig.Down))
	}
	p, err := goose.NewProvider("", m.db, nil,
		goose.WithStore(store),
		goose.WithSessionLocker(locker),
		goose.WithDisableGlobalRegistry(true),
		goose.WithGoMigrations(gooseMigrations...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}
	return p, nil
}

// statements runs stmts in order inside the migration transaction. No
// statements is a no-op migration.
func statements(stmts []string) *goose.GoFunc {
	if len(stmts) == 0 {
		return nil
	}
	return &goose.GoFunc{
		Mode: goose.TransactionEnabled,
		RunTx: func(ctx context.Context, tx *sql.Tx) error {
			for _, stmt := range stmts {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// Up applies every pending migration in order and returns the versions it
// applied. A migration that fails is rolled back and stops the run.
func (m *Migrator) Up(ctx context.Context) ([]string, error) {
	log := logging.GetLogger()
	p, err := m.provider()
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, mig := range m.migrations {
		_, err := p.ApplyVersion(ctx, mig.VersionID(), true)
		if errors.Is(err, goose.ErrAlreadyApplied) {
			continue
		}
		if err != nil {
			return applied, fmt.Errorf("failed to apply migration %s: %w", mig.Version, err)
		}
		log.Info("Applied migration", "version", mig.Version, "description", mig.Description)
		applied = append(applied, mig.Version)
	}
	return applied, nil
}

// Down reverts applied migrations, newest first, until target is the latest
// applied one. An empty target reverts everything.
func (m *Migrator) Down(ctx context.Context, target string) ([]string, error) {
	log := logging.GetLogger()
	stop := -1
	if target != "" {
		stop = slices.IndexFunc(m.migrations, func(mig Migration) bool { return mig.Version == target })
		if stop < 0 {
			return nil, fmt.Errorf("unknown migration %q", target)
		}
	}
	p, err := m.provider()
	if err != nil {
		return nil, err
	}

	var reverted []string
	for i := len(m.migrations) - 1; i > stop; i-- {
		mig := m.migrations[i]
		_, err := p.ApplyVersion(ctx, mig.VersionID(), false)
		if errors.Is(err, goose.ErrNotApplied) {
			continue
		}
		if err != nil {
			return reverted, fmt.Errorf("failed to revert migration %s: %w", mig.Version, err)
		}
		log.Info("Reverted migration", "version", mig.Version)
		reverted = append(reverted, mig.Version)
	}
	return reverted, nil
}

// Status lists every known migration with its applied state.
func (m *Migrator) Status(ctx context.Context) ([]State, error) {
	p, err := m.provider()
	if err != nil {
		return nil, err
	}
	statuses, err := p.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", m.table, err)
	}

	byVersion := make(map[int64]*goose.MigrationStatus, len(statuses))
	for _, st := range statuses {
		byVersion[st.Source.Version] = st
	}
	states := make([]State, 0, len(m.migrations))
	for _, mig := range m.migrations {
		state := State{Version: mig.Version, Description: mig.Description}
		if st, ok := byVersion[mig.VersionID()]; ok && st.State == goose.StateApplied {
			state.Applied = true
			state.AppliedAt = st.AppliedAt
		}
		states = append(states, state)
	}
	return states, nil
}
