// Package publisher delivers change batches to their destination.
package publisher

import (
	"context"
	"fmt"

	"github.com/katasec/dstream-ingester-tracked/internal/config"
	"github.com/katasec/dstream-ingester-tracked/internal/logging"
	"github.com/katasec/dstream-ingester-tracked/pkg/cdc"
)

// New creates the publisher configured by queue.
func New(ctx context.Context, queue config.IngestQueueConfig) (cdc.ChangePublisher, error) {
	switch queue.Provider {
	case config.QueueLog, "":
		return NewLogPublisher(logging.GetLogger().Named("changes")), nil
	case config.QueueAzureServiceBus:
		return NewServiceBusPublisher(queue.ConnectionString, queue.Name, queue.MaxMessageBytes)
	default:
		return nil, fmt.Errorf("unsupported ingest queue provider: %s", queue.Provider)
	}
}

// MaxMessageBytes returns the message size limit a publisher works with,
// or 0 when it has none.
func MaxMessageBytes(p cdc.ChangePublisher) int {
	if sb, ok := p.(*ServiceBusPublisher); ok {
		return sb.maxBytes
	}
	return 0
}
