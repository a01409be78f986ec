// Package ingester runs one change monitor per configured stream and serves
// itself to dstream hosts as a plugin.
package ingester

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/katasec/dstream-ingester-tracked/internal/cdc/postgres"
	"github.com/katasec/dstream-ingester-tracked/internal/checkpoint"
	"github.com/katasec/dstream-ingester-tracked/internal/config"
	"github.com/katasec/dstream-ingester-tracked/internal/db"
	"github.com/katasec/dstream-ingester-tracked/internal/locking"
	"github.com/katasec/dstream-ingester-tracked/internal/logging"
	"github.com/katasec/dstream-ingester-tracked/internal/publisher"
	"github.com/katasec/dstream-ingester-tracked/pkg/cdc"
	"github.com/katasec/dstream-ingester-tracked/pkg/tracked"
)

// Ingester publishes the changes of every configured stream it can lock.
type Ingester struct {
	config        *config.Config
	dbConn        *sql.DB
	lockerFactory *locking.LockerFactory

	connect      func(ctx context.Context, connectionString string) (*sql.DB, error)
	newPublisher func(ctx context.Context, queue config.IngestQueueConfig) (cdc.ChangePublisher, error)
}

// New returns an Ingester for a validated configuration.
func New(cfg *config.Config) *Ingester {
	return &Ingester{
		config:       cfg,
		connect:      db.Connect,
		newPublisher: publisher.New,
	}
}

// Start runs until ctx is done or a monitor fails. Streams whose lock is
// held elsewhere, or whose ledger is missing, are skipped.
func (s *Ingester) Start(ctx context.Context) error {
	logger := logging.GetLogger()
	logger.Info("Starting tracked-table ingester...", "streams", len(s.config.Streams))
	cfg := s.config

	conn, err := s.connect(ctx, cfg.DBConnectionString)
	if err != nil {
		return fmt.Errorf("failed to connect to DB: %w", err)
	}
	s.dbConn = conn
	defer conn.Close()

	registry, err := cfg.Registry()
	if err != nil {
		return fmt.Errorf("failed to register streams: %w", err)
	}
	feed := tracked.New(conn, registry,
		tracked.WithTxidOffset(tracked.TxID(cfg.TxidOffset)),
		tracked.WithLogger(logger.Named("feed")))

	store, err := s.openCheckpointStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	pub, err := s.newPublisher(ctx, *cfg.IngestQueue)
	if err != nil {
		return fmt.Errorf("failed to create publisher: %w", err)
	}
	defer pub.Close()

	factory, err := postgres.NewMonitorFactory(conn, feed, cfg, store, pub, publisher.MaxMessageBytes(pub))
	if err != nil {
		return err
	}
	s.lockerFactory = locking.NewLockerFactory(*cfg.Lock, cfg.DBConnectionString)

	g, gctx := errgroup.WithContext(ctx)
	started := 0
	for _, stream := range cfg.Streams {
		monitor, err := factory.CreateMonitor(ctx, stream.Name)
		if err != nil {
			logger.Warn("Skipping stream", "stream", stream.Name, "error", err)
			continue
		}

		lockName := s.lockerFactory.GetLockName(stream.Name)
		locker, err := s.lockerFactory.CreateLocker(ctx, lockName)
		if err != nil {
			logger.Error("Failed to create locker", "stream", stream.Name, "error", err)
			continue
		}
		leaseID, err := locker.AcquireLock(ctx, lockName)
		if err != nil {
			if errors.Is(err, locking.ErrLockHeld) {
				logger.Info("Stream already locked", "stream", stream.Name)
			} else {
				logger.Error("Failed to acquire lock", "stream", stream.Name, "error", err)
			}
			continue
		}
		logger.Debug("Acquired lease", "stream", stream.Name, "leaseID", leaseID)
		locker.StartLockRenewal(gctx, lockName)

		started++
		g.Go(func() error {
			defer func() {
				if err := locker.ReleaseLock(context.Background(), lockName, leaseID); err != nil {
					logger.Error("Failed to release lock", "stream", monitor.GetStreamName(), "error", err)
				}
			}()
			err := monitor.MonitorStream(gctx)
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return nil
			}
			if err != nil {
				logger.Error("Monitor failed", "stream", monitor.GetStreamName(), "error", err)
			}
			return err
		})
	}

	if started == 0 {
		logger.Warn("No streams to monitor, waiting for shutdown")
		<-ctx.Done()
		return nil
	}
	err = g.Wait()
	logger.Info("Shutting down tracked-table ingester")
	return err
}

func (s *Ingester) openCheckpointStore(ctx context.Context) (checkpoint.Store, error) {
	cp := s.config.Checkpoint
	switch cp.Type {
	case config.CheckpointBolt:
		return checkpoint.OpenBoltStore(cp.Path)
	case config.CheckpointSQL, "":
		store := checkpoint.NewSQLStore(s.dbConn, cp.Table)
		if err := store.InitializeCheckpointTable(ctx); err != nil {
			return nil, fmt.Errorf("error initializing checkpoint table: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint type: %s", cp.Type)
	}
}
