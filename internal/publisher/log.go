package publisher

import (
	"context"
	"encoding/json"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-tracked/pkg/cdc"
)

// LogPublisher writes every change event to a logger. It is the default
// destination and the one used by plugin hosts that collect plugin logs.
type LogPublisher struct {
	logger hclog.Logger
}

// NewLogPublisher returns a publisher logging to logger.
func NewLogPublisher(logger hclog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// PublishChanges implements cdc.ChangePublisher.
func (p *LogPublisher) PublishChanges(ctx context.Context, changes []cdc.ChangeEvent) (<-chan bool, error) {
	done := make(chan bool, 1)
	for _, change := range changes {
		dataJSON, err := json.Marshal(change.Data)
		if err != nil {
			p.logger.Error("Failed to marshal data to JSON", "stream", change.Stream, "error", err)
			dataJSON = []byte(`{"error": "Failed to marshal to JSON"}`)
		}
		p.logger.Info("Change event",
			"stream", change.Stream,
			"objectID", change.ObjectID,
			"txid", change.TxID,
			"cursor", change.Cursor,
			"data", string(dataJSON))
	}
	done <- true
	return done, nil
}

// Close implements cdc.ChangePublisher.
func (p *LogPublisher) Close() error { return nil }
