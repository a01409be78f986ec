// Package checkpoint persists the cursor of each stream between runs so a
// restarted monitor resumes where the previous one stopped.
package checkpoint

import (
	"context"

	"github.com/katasec/dstream-ingester-tracked/pkg/tracked"
)

// Store loads and saves stream cursors.
type Store interface {
	// Load returns the saved cursor of stream. found is false, and the
	// cursor the initial one, when nothing was saved yet.
	Load(ctx context.Context, stream string) (cursor tracked.Cursor, found bool, err error)

	// Save records cursor as the resume point of stream.
	Save(ctx context.Context, stream string, cursor tracked.Cursor) error

	// Close releases the resources held by the store.
	Close() error
}
