package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/uuid"

	"github.com/katasec/dstream-ingester-tracked/internal/logging"
	"github.com/katasec/dstream-ingester-tracked/pkg/cdc"
)

// Service Bus SKU limits
const (
	StandardSKULimit = 256 * 1024  // 256KB
	PremiumSKULimit  = 1024 * 1024 // 1MB
)

// namespace for version-derived message ids
var messageIDSpace = uuid.MustParse("6f1c3e7a-9b0d-4f55-8a53-2d1e3c7b9a10")

// ServiceBusPublisher sends each change event as a JSON message to a queue
// or topic, packing events into message batches no larger than maxBytes.
type ServiceBusPublisher struct {
	client   *azservicebus.Client
	sender   *azservicebus.Sender
	name     string
	maxBytes int
}

// NewServiceBusPublisher connects a sender for the queue or topic name.
// maxBytes of 0 selects the Standard SKU limit.
func NewServiceBusPublisher(connectionString, name string, maxBytes int) (*ServiceBusPublisher, error) {
	if maxBytes <= 0 {
		maxBytes = StandardSKULimit
	}
	client, err := azservicebus.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus client: %w", err)
	}
	sender, err := client.NewSender(name, nil)
	if err != nil {
		client.Close(context.Background())
		return nil, fmt.Errorf("failed to create Service Bus sender for %s: %w", name, err)
	}
	return &ServiceBusPublisher{client: client, sender: sender, name: name, maxBytes: maxBytes}, nil
}

// PublishChanges implements cdc.ChangePublisher. Batches that overflow the
// size limit are sent in several Service Bus batches; a failure part way
// leaves earlier messages delivered, which consumers tolerate because
// events are idempotent object states.
func (p *ServiceBusPublisher) PublishChanges(ctx context.Context, changes []cdc.ChangeEvent) (<-chan bool, error) {
	log := logging.GetLogger()
	done := make(chan bool, 1)

	batch, err := p.sender.NewMessageBatch(ctx, &azservicebus.MessageBatchOptions{MaxBytes: uint64(p.maxBytes)})
	if err != nil {
		return nil, fmt.Errorf("failed to create message batch: %w", err)
	}
	sent := 0
	for _, change := range changes {
		msg, err := toMessage(change)
		if err != nil {
			return nil, err
		}

		err = batch.AddMessage(msg, nil)
		if errors.Is(err, azservicebus.ErrMessageTooLarge) {
			if batch.NumMessages() == 0 {
				return nil, fmt.Errorf("change event for %s exceeds %d bytes", change.Stream, p.maxBytes)
			}
			if err := p.sender.SendMessageBatch(ctx, batch, nil); err != nil {
				return nil, fmt.Errorf("failed to send message batch to %s: %w", p.name, err)
			}
			sent += int(batch.NumMessages())
			if batch, err = p.sender.NewMessageBatch(ctx, &azservicebus.MessageBatchOptions{MaxBytes: uint64(p.maxBytes)}); err != nil {
				return nil, fmt.Errorf("failed to create message batch: %w", err)
			}
			err = batch.AddMessage(msg, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to add change event to batch: %w", err)
		}
	}
	if batch.NumMessages() > 0 {
		if err := p.sender.SendMessageBatch(ctx, batch, nil); err != nil {
			return nil, fmt.Errorf("failed to send message batch to %s: %w", p.name, err)
		}
		sent += int(batch.NumMessages())
	}

	log.Debug("Published changes", "destination", p.name, "messages", sent)
	done <- true
	return done, nil
}

// toMessage encodes one event. The message id is derived from the object
// version, so republishing the same version after a retry can be dropped by
// duplicate detection while a later version with equal content cannot.
func toMessage(change cdc.ChangeEvent) (*azservicebus.Message, error) {
	body, err := json.Marshal(change)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal change event for %s: %w", change.Stream, err)
	}
	data, err := json.Marshal(change.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal change data for %s: %w", change.Stream, err)
	}
	key := fmt.Appendf(nil, "%s\x00%d\x00%d\x00", change.Stream, change.ObjectID, change.TxID)
	id := uuid.NewSHA1(messageIDSpace, append(key, data...))

	return &azservicebus.Message{
		Body:        body,
		ContentType: to.Ptr("application/json"),
		MessageID:   to.Ptr(id.String()),
		Subject:     to.Ptr(change.Stream),
		ApplicationProperties: map[string]any{
			"stream": change.Stream,
		},
	}, nil
}

// Close implements cdc.ChangePublisher.
func (p *ServiceBusPublisher) Close() error {
	ctx := context.Background()
	if err := p.sender.Close(ctx); err != nil {
		return fmt.Errorf("failed to close Service Bus sender: %w", err)
	}
	return p.client.Close(ctx)
}
