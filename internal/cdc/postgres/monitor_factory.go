package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/katasec/dstream-ingester-tracked/internal/checkpoint"
	"github.com/katasec/dstream-ingester-tracked/internal/config"
	"github.com/katasec/dstream-ingester-tracked/internal/db"
	"github.com/katasec/dstream-ingester-tracked/pkg/cdc"
	"github.com/katasec/dstream-ingester-tracked/pkg/tracked"
)

// MonitorFactory creates TableMonitors for the streams of one configuration.
type MonitorFactory struct {
	db              *sql.DB
	feed            *tracked.Feed
	streams         map[string]config.StreamConfig
	store           checkpoint.Store
	publisher       cdc.ChangePublisher
	maxMessageBytes int
	pollInterval    time.Duration
	maxPollInterval time.Duration
}

var _ cdc.StreamMonitorFactory = (*MonitorFactory)(nil)

// NewMonitorFactory prepares monitors over feed for every stream of cfg.
// maxMessageBytes enables batch sizing when positive. cfg must have been
// validated.
func NewMonitorFactory(dbConn *sql.DB, feed *tracked.Feed, cfg *config.Config, store checkpoint.Store, publisher cdc.ChangePublisher, maxMessageBytes int) (*MonitorFactory, error) {
	pollInterval, err := cfg.GetPollInterval()
	if err != nil {
		return nil, fmt.Errorf("invalid poll interval: %w", err)
	}
	maxPollInterval, err := cfg.GetMaxPollInterval()
	if err != nil {
		return nil, fmt.Errorf("invalid max poll interval: %w", err)
	}

	streams := make(map[string]config.StreamConfig, len(cfg.Streams))
	for _, s := range cfg.Streams {
		streams[s.Name] = s
	}
	return &MonitorFactory{
		db:              dbConn,
		feed:            feed,
		streams:         streams,
		store:           store,
		publisher:       publisher,
		maxMessageBytes: maxMessageBytes,
		pollInterval:    pollInterval,
		maxPollInterval: maxPollInterval,
	}, nil
}

// CreateMonitor implements cdc.StreamMonitorFactory. It fails when the
// stream's version ledger has not been migrated yet.
func (f *MonitorFactory) CreateMonitor(ctx context.Context, stream string) (cdc.StreamMonitor, error) {
	sc, ok := f.streams[stream]
	if !ok {
		return nil, fmt.Errorf("unknown stream %s", stream)
	}

	ledger := sc.Ledger()
	exists, err := db.LedgerExists(ctx, f.db, ledger)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("stream %s: ledger %s does not exist, run the migrations first: %w", stream, ledger.Table, tracked.ErrNotTracked)
	}

	if len(sc.Columns) > 0 {
		if err := f.checkColumns(ctx, sc); err != nil {
			return nil, err
		}
	}

	var sizer *BatchSizer
	if f.maxMessageBytes > 0 {
		sizer = NewBatchSizer(f.db, ledger, sc.Projection(), f.maxMessageBytes)
	}
	return NewTableMonitor(f.feed, sc, f.store, f.publisher, sizer, f.pollInterval, f.maxPollInterval), nil
}

// checkColumns fails when a configured projection column does not exist, so
// a typo surfaces at startup rather than on the first poll.
func (f *MonitorFactory) checkColumns(ctx context.Context, sc config.StreamConfig) error {
	schema, table := "public", sc.Table
	if i := strings.LastIndex(sc.Table, "."); i >= 0 {
		schema, table = sc.Table[:i], sc.Table[i+1:]
	}
	existing, err := db.GetColumnNames(ctx, f.db, schema, table)
	if err != nil {
		return err
	}
	for _, col := range sc.Columns {
		if !slices.Contains(existing, col) {
			return fmt.Errorf("stream %s: column %s not found in %s", sc.Name, col, sc.Table)
		}
	}
	return nil
}
