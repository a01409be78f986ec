package cdc

import "context"

// ChangeEvent carries the current state of one changed object. Objects are
// delivered at least once; consumers keep the latest state per object.
type ChangeEvent struct {
	Stream string         `json:"stream"`
	Data   map[string]any `json:"data"`
	// ObjectID and TxID identify the version of the object: its id and the
	// transaction that last modified it.
	ObjectID int64 `json:"object_id"`
	TxID     int64 `json:"txid"`
	// Cursor is the resume token after the batch the event belongs to.
	Cursor    string `json:"cursor"`
	Timestamp string `json:"timestamp"`
}

// ChangePublisher is an interface for publishing change batches
type ChangePublisher interface {
	// PublishChanges publishes a batch of change events to a queue or topic.
	// Returns a channel that will receive true when all messages are successfully published.
	// The entire batch should succeed or fail atomically.
	PublishChanges(ctx context.Context, changes []ChangeEvent) (<-chan bool, error)

	// Close releases any resources used by the publisher
	Close() error
}
