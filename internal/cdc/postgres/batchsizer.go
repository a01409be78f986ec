package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/katasec/dstream-ingester-tracked/internal/logging"
	"github.com/katasec/dstream-ingester-tracked/pkg/tracked"
)

const (
	defaultSampleSize       = 100
	defaultBufferFactor     = 0.2 // 20% safety margin
	defaultResampleInterval = 1 * time.Hour
	defaultBatchSize        = 100

	minBatchSize = 50
	maxBatchSize = 1000
)

// BatchSizer calculates and maintains the number of objects that fit in one
// published message batch, from the JSON size of recently changed rows.
type BatchSizer struct {
	batchSize        atomic.Int32
	db               *sql.DB
	ledger           tracked.Ledger
	projection       tracked.Projection
	maxMessageSize   int
	sampleSize       int
	bufferFactor     float64
	resampleInterval time.Duration

	// For monitoring/metrics
	lastSampleTime atomic.Int64
	lastSampleSize atomic.Int32
	lastAvgRowSize atomic.Int32
}

// BatchSizerOption allows customizing the BatchSizer
type BatchSizerOption func(*BatchSizer)

// NewBatchSizer creates a BatchSizer for the objects of ledger as seen
// through proj.
func NewBatchSizer(db *sql.DB, ledger tracked.Ledger, proj tracked.Projection, maxMessageSize int, opts ...BatchSizerOption) *BatchSizer {
	bs := &BatchSizer{
		db:               db,
		ledger:           ledger,
		projection:       proj,
		maxMessageSize:   maxMessageSize,
		sampleSize:       defaultSampleSize,
		bufferFactor:     defaultBufferFactor,
		resampleInterval: defaultResampleInterval,
	}
	for _, opt := range opts {
		opt(bs)
	}
	return bs
}

// WithSampleSize sets the number of records to sample
func WithSampleSize(size int) BatchSizerOption {
	return func(bs *BatchSizer) {
		bs.sampleSize = size
	}
}

// WithBufferFactor sets the safety margin factor
func WithBufferFactor(factor float64) BatchSizerOption {
	return func(bs *BatchSizer) {
		bs.bufferFactor = factor
	}
}

// WithResampleInterval sets how often to recalculate batch size
func WithResampleInterval(interval time.Duration) BatchSizerOption {
	return func(bs *BatchSizer) {
		bs.resampleInterval = interval
	}
}

// Start samples once and then resamples in the background until ctx is done.
func (bs *BatchSizer) Start(ctx context.Context) error {
	if err := bs.updateBatchSize(ctx); err != nil {
		return fmt.Errorf("initial batch size calculation failed: %w", err)
	}
	go bs.monitor(ctx)
	return nil
}

// GetBatchSize returns the current calculated batch size
func (bs *BatchSizer) GetBatchSize() int32 {
	size := bs.batchSize.Load()
	if size <= 0 {
		return defaultBatchSize
	}
	return size
}

// Store updates the current batch size atomically
func (bs *BatchSizer) Store(size int32) {
	bs.batchSize.Store(size)
	logging.GetLogger().Info("Batch size updated", "stream", bs.projection.Entity, "newSize", size)
}

func (bs *BatchSizer) sampleQuery() string {
	columns := bs.projection.Columns
	if len(columns) == 0 {
		columns = []string{"t.*"}
	}
	return fmt.Sprintf(`
		SELECT %s
		FROM %s AS t
		JOIN %s AS v ON v.object_id = t.%s
		ORDER BY v.last_modified_txid DESC
		LIMIT %d`,
		strings.Join(columns, ", "),
		bs.ledger.QuotedEntityTable(),
		bs.ledger.QuotedTable(),
		tracked.QuoteIdent(bs.ledger.IDColumn),
		bs.sampleSize)
}

// updateBatchSize samples the most recently changed objects and updates the
// batch size. Sampling problems fall back to the default size.
func (bs *BatchSizer) updateBatchSize(ctx context.Context) error {
	log := logging.GetLogger()
	stream := bs.projection.Entity

	rows, err := bs.db.QueryContext(ctx, bs.sampleQuery(), bs.projection.Args...)
	if err != nil {
		log.Info("Failed to sample tracked table, using default size estimation", "stream", stream, "error", err)
		bs.Store(defaultBatchSize)
		return nil
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		log.Info("Failed to get sample columns, using default size estimation", "stream", stream, "error", err)
		bs.Store(defaultBatchSize)
		return nil
	}

	var totalSize int64
	var count int32
	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			log.Info("Failed to scan sample row, skipping", "stream", stream, "error", err)
			continue
		}

		record, _ := decodeRow(columns, values)
		jsonData, err := json.Marshal(record)
		if err != nil {
			log.Info("Failed to marshal record, skipping", "stream", stream, "error", err)
			continue
		}
		totalSize += int64(len(jsonData))
		count++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to sample %s: %w", stream, err)
	}

	if count == 0 {
		bs.Store(defaultBatchSize)
		log.Info("No records found for sampling, using default batch size", "stream", stream, "defaultBatchSize", defaultBatchSize)
		return nil
	}

	avgSize := float64(totalSize) / float64(count)
	effectiveSize := avgSize * (1 + bs.bufferFactor)
	maxRecords := int32(float64(bs.maxMessageSize) / effectiveSize)

	newBatchSize := min(max(maxRecords, minBatchSize), maxBatchSize)
	bs.Store(newBatchSize)

	bs.lastSampleTime.Store(time.Now().Unix())
	bs.lastSampleSize.Store(count)
	bs.lastAvgRowSize.Store(int32(avgSize))

	log.Debug("Sample metrics",
		"stream", stream,
		"sampleSize", count,
		"avgSize", avgSize,
		"effectiveSize", effectiveSize,
		"newBatchSize", newBatchSize)
	return nil
}

// monitor periodically updates the batch size
func (bs *BatchSizer) monitor(ctx context.Context) {
	ticker := time.NewTicker(bs.resampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := bs.updateBatchSize(ctx); err != nil {
				logging.GetLogger().Error("Failed to update batch size", "stream", bs.projection.Entity, "error", err)
			}
		}
	}
}

// BatchSizerMetrics contains current metrics about the batch sizer
type BatchSizerMetrics struct {
	CurrentBatchSize int32
	LastSampleTime   time.Time
	LastSampleSize   int32
	AvgRowSize       int32
	MaxMessageSize   int
	BufferFactor     float64
}

// GetMetrics returns current batch sizing metrics
func (bs *BatchSizer) GetMetrics() BatchSizerMetrics {
	return BatchSizerMetrics{
		CurrentBatchSize: bs.batchSize.Load(),
		LastSampleTime:   time.Unix(bs.lastSampleTime.Load(), 0),
		LastSampleSize:   bs.lastSampleSize.Load(),
		AvgRowSize:       bs.lastAvgRowSize.Load(),
		MaxMessageSize:   bs.maxMessageSize,
		BufferFactor:     bs.bufferFactor,
	}
}
