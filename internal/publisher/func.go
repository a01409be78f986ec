package publisher

import (
	"context"

	"github.com/katasec/dstream-ingester-tracked/pkg/cdc"
)

// Func adapts a callback to cdc.ChangePublisher. The batch counts as
// published when the callback returns nil.
type Func func(ctx context.Context, changes []cdc.ChangeEvent) error

// PublishChanges implements cdc.ChangePublisher.
func (f Func) PublishChanges(ctx context.Context, changes []cdc.ChangeEvent) (<-chan bool, error) {
	done := make(chan bool, 1)
	done <- f(ctx, changes) == nil
	return done, nil
}

// Close implements cdc.ChangePublisher.
func (f Func) Close() error { return nil }
