// Package cli implements trackedctl, the operator tool for tracked tables.
package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-tracked/ingester"
	"github.com/katasec/dstream-ingester-tracked/internal/checkpoint"
	"github.com/katasec/dstream-ingester-tracked/internal/config"
	"github.com/katasec/dstream-ingester-tracked/internal/db"
	"github.com/katasec/dstream-ingester-tracked/internal/locking"
	"github.com/katasec/dstream-ingester-tracked/internal/logging"
	"github.com/katasec/dstream-ingester-tracked/internal/migrations"
	"github.com/katasec/dstream-ingester-tracked/pkg/tracked"
)

type cli struct {
	Config  string `short:"c" default:"dstream.hcl" type:"path" help:"Configuration file (.hcl, .json, .yaml)."`
	Verbose bool   `short:"v" help:"Show debug output on stderr."`

	Migrate struct {
		Up     migrateUpCmd     `cmd:"" help:"Create the txid functions and the version ledger of every stream."`
		Down   migrateDownCmd   `cmd:"" help:"Revert ledger migrations applied after a version."`
		Status migrateStatusCmd `cmd:"" help:"List ledger migrations and whether they are applied."`
		Plan   migratePlanCmd   `cmd:"" help:"Print the migration SQL without touching the database."`
	} `cmd:"" help:"Manage version ledgers."`
	Changes     changesCmd     `cmd:"" help:"Print one page of changed objects of a stream and the next cursor."`
	Run         runCmd         `cmd:"" help:"Run the ingester in the foreground until interrupted."`
	Locks       locksCmd       `cmd:"" help:"List the streams locked by a running ingester."`
	Checkpoints checkpointsCmd `cmd:"" help:"Print the saved cursor of every stream."`
	Cursor  struct {
		Decode cursorDecodeCmd `cmd:"" help:"Print the fields of a cursor token."`
	} `cmd:"" help:"Inspect cursor tokens."`
}

// Config contains the configuration of the command line tool.
type Config struct {
	Name        string
	Description string
	// Exit is the function to call to exit the program
	Exit   func(int)
	Stdout io.Writer
	Stderr io.Writer
}

// NewConfig returns a Config writing to the process's stdio.
func NewConfig() *Config {
	return &Config{
		Name:        "trackedctl",
		Description: "Operate the version ledgers and change feed of tracked PostgreSQL tables.",
		Exit:        os.Exit,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
	}
}

// env is bound to every command's Run method.
type env struct {
	ctx        context.Context
	configPath string
	stdout     io.Writer
	logger     hclog.Logger
}

func (e *env) loadConfig() (*config.Config, error) {
	return config.LoadConfig(e.configPath)
}

func (e *env) connect(cfg *config.Config) (*sql.DB, error) {
	return db.Connect(e.ctx, cfg.DBConnectionString)
}

// Cli parses args and runs the selected command. Taking args explicitly
// keeps the commands testable.
func Cli(ctx context.Context, args []string, config *Config) error {
	var c cli
	parser, err := kong.New(&c,
		kong.Name(config.Name),
		kong.Description(config.Description),
		kong.Exit(config.Exit),
		kong.Writers(config.Stdout, config.Stderr),
		kong.UsageOnError(),
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	logger := logging.New(config.Name)
	if c.Verbose {
		logger.SetLevel(hclog.Debug)
	}
	logging.SetLogger(logger)

	return kctx.Run(&env{ctx: ctx, configPath: c.Config, stdout: config.Stdout, logger: logger})
}

func migrationPlan(cfg *config.Config) []migrations.Migration {
	return migrations.Plan(tracked.TxID(cfg.TxidOffset), cfg.Ledgers()...)
}

type migrateUpCmd struct{}

func (cmd *migrateUpCmd) Run(e *env) error {
	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}
	conn, err := e.connect(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	applied, err := migrations.NewMigrator(conn, migrationPlan(cfg)).Up(e.ctx)
	for _, v := range applied {
		fmt.Fprintf(e.stdout, "applied %s\n", v)
	}
	if err == nil && len(applied) == 0 {
		fmt.Fprintln(e.stdout, "nothing to apply")
	}
	return err
}

type migrateDownCmd struct {
	Target string `arg:"" optional:"" help:"Version to keep; every later migration is reverted."`
	All    bool   `help:"Revert every migration, dropping the ledgers."`
}

func (cmd *migrateDownCmd) Run(e *env) error {
	if cmd.Target == "" && !cmd.All {
		return fmt.Errorf("give a target version or --all")
	}
	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}
	conn, err := e.connect(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	reverted, err := migrations.NewMigrator(conn, migrationPlan(cfg)).Down(e.ctx, cmd.Target)
	for _, v := range reverted {
		fmt.Fprintf(e.stdout, "reverted %s\n", v)
	}
	return err
}

type migrateStatusCmd struct{}

func (cmd *migrateStatusCmd) Run(e *env) error {
	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}
	conn, err := e.connect(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	states, err := migrations.NewMigrator(conn, migrationPlan(cfg)).Status(e.ctx)
	if err != nil {
		return err
	}
	for _, s := range states {
		applied := "pending"
		if s.Applied {
			applied = s.AppliedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(e.stdout, "%-40s %-25s %s\n", s.Version, applied, s.Description)
	}
	return nil
}

type migratePlanCmd struct {
	Down bool `help:"Print the down statements instead."`
}

func (cmd *migratePlanCmd) Run(e *env) error {
	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}
	for _, m := range migrationPlan(cfg) {
		statements := m.Up
		if cmd.Down {
			statements = m.Down
		}
		fmt.Fprintf(e.stdout, "-- %s: %s\n", m.Version, m.Description)
		for _, stmt := range statements {
			fmt.Fprintf(e.stdout, "%s;\n", stmt)
		}
		fmt.Fprintln(e.stdout)
	}
	return nil
}

type changesCmd struct {
	Stream string `arg:"" help:"Stream to read."`
	Cursor string `help:"Cursor token returned by a previous call; empty starts from the beginning."`
	Limit  int    `default:"100" help:"Maximum number of objects to return."`
}

type changesPage struct {
	Objects []map[string]any `json:"objects"`
	Cursor  string           `json:"cursor"`
}

func (cmd *changesCmd) Run(e *env) error {
	var cursor *tracked.Cursor
	if cmd.Cursor != "" {
		c, err := tracked.DecodeCursor(cmd.Cursor)
		if err != nil {
			return err
		}
		cursor = &c
	}

	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}
	var stream *config.StreamConfig
	for i := range cfg.Streams {
		if cfg.Streams[i].Name == cmd.Stream {
			stream = &cfg.Streams[i]
		}
	}
	if stream == nil {
		return fmt.Errorf("unknown stream %s", cmd.Stream)
	}
	registry, err := cfg.Registry()
	if err != nil {
		return err
	}

	conn, err := e.connect(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	feed := tracked.New(conn, registry,
		tracked.WithTxidOffset(tracked.TxID(cfg.TxidOffset)),
		tracked.WithLogger(e.logger.Named("feed")))
	objects, next, err := tracked.GetChangedObjects(e.ctx, feed, cursor, cmd.Limit, stream.Projection(), tracked.AsMap)
	if err != nil {
		return err
	}
	if objects == nil {
		objects = []map[string]any{}
	}

	enc := json.NewEncoder(e.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(changesPage{Objects: objects, Cursor: next.Encode()})
}

type runCmd struct{}

func (cmd *runCmd) Run(e *env) error {
	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}
	return ingester.New(cfg).Start(e.ctx)
}

type locksCmd struct{}

func (cmd *locksCmd) Run(e *env) error {
	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}
	if cfg.Lock.Type == config.LockNone {
		fmt.Fprintln(e.stdout, "locking is disabled")
		return nil
	}

	factory := locking.NewLockerFactory(*cfg.Lock, cfg.DBConnectionString)
	lockNames := make([]string, len(cfg.Streams))
	streams := make(map[string]string, len(cfg.Streams))
	for i, s := range cfg.Streams {
		lockNames[i] = factory.GetLockName(s.Name)
		streams[lockNames[i]] = s.Name
	}
	locker, err := factory.CreateLocker(e.ctx, lockNames[0])
	if err != nil {
		return err
	}
	locked, err := locker.GetLockedStreams(e.ctx, lockNames)
	if err != nil {
		return err
	}
	for _, name := range locked {
		fmt.Fprintf(e.stdout, "%-20s %s\n", streams[name], name)
	}
	return nil
}

type checkpointsCmd struct{}

func (cmd *checkpointsCmd) Run(e *env) error {
	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}

	var store checkpoint.Store
	if cfg.Checkpoint.Type == config.CheckpointBolt {
		if store, err = checkpoint.OpenBoltStore(cfg.Checkpoint.Path); err != nil {
			return err
		}
	} else {
		conn, err := e.connect(cfg)
		if err != nil {
			return err
		}
		defer conn.Close()
		store = checkpoint.NewSQLStore(conn, cfg.Checkpoint.Table)
	}
	defer store.Close()

	for _, s := range cfg.Streams {
		c, found, err := store.Load(e.ctx, s.Name)
		if err != nil {
			return err
		}
		if !found {
			fmt.Fprintf(e.stdout, "%-20s (none)\n", s.Name)
			continue
		}
		line := fmt.Sprintf("%-20s %s %s", s.Name, c.Encode(), c.String())
		if bolt, ok := store.(*checkpoint.BoltStore); ok {
			if at, ok, err := bolt.UpdatedAt(s.Name); err == nil && ok {
				line += " " + at.Format(time.RFC3339)
			}
		}
		fmt.Fprintln(e.stdout, line)
	}
	return nil
}

type cursorDecodeCmd struct {
	Token string `arg:"" help:"Cursor token."`
}

type cursorFields struct {
	XidAt   tracked.TxID   `json:"xid_at"`
	XidAtID int64          `json:"xid_at_id"`
	XipList []tracked.TxID `json:"xip_list"`
	XidNext tracked.TxID   `json:"xid_next"`
}

func (cmd *cursorDecodeCmd) Run(e *env) error {
	c, err := tracked.DecodeCursor(cmd.Token)
	if err != nil {
		return err
	}
	xip := c.XipList
	if xip == nil {
		xip = []tracked.TxID{}
	}
	enc := json.NewEncoder(e.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(cursorFields{XidAt: c.XidAt, XidAtID: c.XidAtID, XipList: xip, XidNext: c.XidNext})
}
