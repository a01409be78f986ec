// distributed_locker.go
package locking

import (
	"context"
	"errors"
)

// ErrLockHeld is returned by AcquireLock when another consumer holds the lock.
var ErrLockHeld = errors.New("lock is held by another consumer")

// DistributedLocker defines an interface for a distributed locking mechanism.
// Each stream is consumed by at most one ingester at a time.
type DistributedLocker interface {
	// AcquireLock tries to acquire a lock for the given lockName and returns a lease ID if successful.
	AcquireLock(ctx context.Context, lockName string) (string, error)

	// ReleaseLock releases the lock associated with the provided lease ID for the given lockName.
	ReleaseLock(ctx context.Context, lockName string, leaseID string) error

	// RenewLock extends the lock held for lockName.
	RenewLock(ctx context.Context, lockName string) error

	// StartLockRenewal starts a background process to renew the lock periodically.
	StartLockRenewal(ctx context.Context, lockName string)

	// GetLockedStreams returns the lock names, among those derived from
	// streams, that are currently held.
	GetLockedStreams(ctx context.Context, streams []string) ([]string, error)
}

// noopLocker is used when locking is disabled.
type noopLocker struct{}

func (noopLocker) AcquireLock(ctx context.Context, lockName string) (string, error) { return "", nil }
func (noopLocker) ReleaseLock(ctx context.Context, lockName, leaseID string) error { return nil }
func (noopLocker) RenewLock(ctx context.Context, lockName string) error            { return nil }
func (noopLocker) StartLockRenewal(ctx context.Context, lockName string)           {}
func (noopLocker) GetLockedStreams(ctx context.Context, streams []string) ([]string, error) {
	return nil, nil
}
