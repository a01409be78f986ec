// Package postgres publishes the changes of tracked PostgreSQL tables.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/katasec/dstream-ingester-tracked/internal/cdc/utils"
	"github.com/katasec/dstream-ingester-tracked/internal/checkpoint"
	"github.com/katasec/dstream-ingester-tracked/internal/config"
	"github.com/katasec/dstream-ingester-tracked/internal/logging"
	"github.com/katasec/dstream-ingester-tracked/pkg/cdc"
	"github.com/katasec/dstream-ingester-tracked/pkg/tracked"
)

// TableMonitor polls one tracked stream and publishes every page of changed
// objects. The cursor is saved only after the publisher confirmed the page,
// so a restart republishes at most the unconfirmed page.
type TableMonitor struct {
	feed            *tracked.Feed
	stream          config.StreamConfig
	projection      tracked.Projection
	store           checkpoint.Store
	publisher       cdc.ChangePublisher
	batchSizer      *BatchSizer // nil when the publisher has no size limit
	pollInterval    time.Duration
	maxPollInterval time.Duration
	now             func() time.Time
}

// NewTableMonitor creates a monitor for stream. batchSizer may be nil.
func NewTableMonitor(feed *tracked.Feed, stream config.StreamConfig, store checkpoint.Store, publisher cdc.ChangePublisher, batchSizer *BatchSizer, pollInterval, maxPollInterval time.Duration) *TableMonitor {
	return &TableMonitor{
		feed:            feed,
		stream:          stream,
		projection:      stream.Projection(),
		store:           store,
		publisher:       publisher,
		batchSizer:      batchSizer,
		pollInterval:    pollInterval,
		maxPollInterval: maxPollInterval,
		now:             time.Now,
	}
}

// GetStreamName implements cdc.StreamMonitor.
func (m *TableMonitor) GetStreamName() string {
	return m.stream.Name
}

// MonitorStream implements cdc.StreamMonitor. It returns ctx.Err() once ctx
// is done, or the first error that retrying cannot fix.
func (m *TableMonitor) MonitorStream(ctx context.Context) error {
	log := logging.GetLogger().With("stream", m.stream.Name)

	cursor, found, err := m.store.Load(ctx, m.stream.Name)
	if err != nil {
		return fmt.Errorf("error loading checkpoint for stream %s: %w", m.stream.Name, err)
	}
	log.Info("Loaded initial cursor", "cursor", cursor.String(), "resumed", found)

	if m.batchSizer != nil {
		if err := m.batchSizer.Start(ctx); err != nil {
			return fmt.Errorf("error starting batch sizer: %w", err)
		}
	}

	backoff := utils.NewBackoffManager(m.pollInterval, m.maxPollInterval)
	for {
		if err := ctx.Err(); err != nil {
			log.Info("Stopping monitoring due to context cancellation")
			return err
		}

		limit := m.limit()
		log.Debug("Polling changes", "cursor", cursor.String(), "limit", limit)
		rows, next, err := tracked.GetChangedVersions(ctx, m.feed, &cursor, limit, m.projection, decodeRow)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !tracked.IsRetryable(err) {
				return fmt.Errorf("error fetching changes for stream %s: %w", m.stream.Name, err)
			}
			log.Warn("Error fetching changes, retrying", "error", err, "retryIn", backoff.GetInterval())
			if err := backoff.Wait(ctx); err != nil {
				return err
			}
			continue
		}

		if len(rows) == 0 {
			if !sameCursor(cursor, next) {
				if err := m.store.Save(ctx, m.stream.Name, next); err != nil {
					log.Error("Failed to save checkpoint", "error", err)
				} else {
					cursor = next
				}
			}
			backoff.IncreaseInterval()
			log.Debug("No changes found", "nextPollIn", backoff.GetInterval())
			if err := backoff.Wait(ctx); err != nil {
				return err
			}
			continue
		}

		log.Info("Changes detected, publishing...", "changeCount", len(rows))
		if err := m.publish(ctx, rows, next); err != nil {
			log.Error("Failed to publish batch", "error", err, "changeCount", len(rows))
			if err := backoff.Wait(ctx); err != nil {
				return err
			}
			continue
		}

		if err := m.store.Save(ctx, m.stream.Name, next); err != nil {
			log.Error("Failed to save checkpoint", "error", err)
		}
		cursor = next
		backoff.ResetInterval()

		// a cursor left inside a transaction means the page was full and
		// more changes are waiting
		if next.XidAt != 0 {
			continue
		}
		if err := backoff.Wait(ctx); err != nil {
			return err
		}
	}
}

var errNotConfirmed = errors.New("publisher did not confirm the batch")

func (m *TableMonitor) publish(ctx context.Context, rows []tracked.Version[map[string]any], next tracked.Cursor) error {
	token := next.Encode()
	timestamp := m.now().UTC().Format(time.RFC3339Nano)

	events := make([]cdc.ChangeEvent, len(rows))
	for i, row := range rows {
		events[i] = cdc.ChangeEvent{
			Stream:    m.stream.Name,
			Data:      row.Object,
			ObjectID:  row.ObjectID,
			TxID:      int64(row.LastModifiedTxID),
			Cursor:    token,
			Timestamp: timestamp,
		}
	}

	doneChan, err := m.publisher.PublishChanges(ctx, events)
	if err != nil {
		return err
	}
	select {
	case ok := <-doneChan:
		if !ok {
			return errNotConfirmed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *TableMonitor) limit() int {
	limit := m.stream.BatchSize
	if m.batchSizer != nil {
		limit = min(limit, int(m.batchSizer.GetBatchSize()))
	}
	if limit <= 0 {
		limit = defaultBatchSize
	}
	return limit
}

// decodeRow decodes a projected row into event data. Text the driver hands
// over as bytes is kept as a string so it stays readable once serialized.
func decodeRow(columns []string, values []any) (map[string]any, error) {
	data, err := tracked.AsMap(columns, values)
	if err != nil {
		return nil, err
	}
	for k, v := range data {
		if b, ok := v.([]byte); ok {
			data[k] = string(b)
		}
	}
	return data, nil
}

func sameCursor(a, b tracked.Cursor) bool {
	return a.XidAt == b.XidAt &&
		a.XidAtID == b.XidAtID &&
		a.XidNext == b.XidNext &&
		slices.Equal(a.XipList, b.XipList)
}
