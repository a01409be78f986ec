package locking

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/katasec/dstream-ingester-tracked/internal/logging"
)

// FileLocker holds stream locks as flock(2) locks on files below a
// directory. It serializes consumers on one host or on a shared volume.
type FileLocker struct {
	dir string

	mu    sync.Mutex
	locks map[string]*flock.Flock
}

// NewFileLocker returns a locker keeping its lock files under dir.
func NewFileLocker(dir string) *FileLocker {
	return &FileLocker{dir: dir, locks: make(map[string]*flock.Flock)}
}

func (fl *FileLocker) path(lockName string) string {
	return filepath.Join(fl.dir, filepath.FromSlash(lockName))
}

// AcquireLock takes the lock file without blocking. The lease ID is the
// lock file path.
func (fl *FileLocker) AcquireLock(ctx context.Context, lockName string) (string, error) {
	path := fl.path(lockName)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create lock directory for %s: %w", lockName, err)
	}

	fl.mu.Lock()
	defer fl.mu.Unlock()
	if _, ok := fl.locks[lockName]; ok {
		return "", fmt.Errorf("%s: %w", lockName, ErrLockHeld)
	}

	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return "", fmt.Errorf("failed to lock %s: %w", path, err)
	}
	if !locked {
		logging.GetLogger().Info("Stream is already locked", "file", path)
		return "", fmt.Errorf("%s: %w", lockName, ErrLockHeld)
	}
	fl.locks[lockName] = lock
	logging.GetLogger().Info("Lock acquired", "file", path)
	return path, nil
}

// ReleaseLock unlocks the lock file. The file itself is left in place.
func (fl *FileLocker) ReleaseLock(ctx context.Context, lockName string, leaseID string) error {
	fl.mu.Lock()
	lock, ok := fl.locks[lockName]
	delete(fl.locks, lockName)
	fl.mu.Unlock()
	if !ok {
		return fmt.Errorf("lock %s is not held", lockName)
	}
	if err := lock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", lockName, err)
	}
	logging.GetLogger().Info("Lock released", "file", lock.Path())
	return nil
}

// RenewLock is a no-op: file locks last as long as the process holds them.
func (fl *FileLocker) RenewLock(ctx context.Context, lockName string) error { return nil }

// StartLockRenewal is a no-op for file locks.
func (fl *FileLocker) StartLockRenewal(ctx context.Context, lockName string) {}

// GetLockedStreams tries each lock file and reports the ones held elsewhere.
func (fl *FileLocker) GetLockedStreams(ctx context.Context, lockNames []string) ([]string, error) {
	var locked []string
	for _, lockName := range lockNames {
		fl.mu.Lock()
		_, mine := fl.locks[lockName]
		fl.mu.Unlock()
		if mine {
			locked = append(locked, lockName)
			continue
		}

		path := fl.path(lockName)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		other := flock.New(path)
		ok, err := other.TryLock()
		if err != nil {
			return nil, fmt.Errorf("failed to test lock %s: %w", path, err)
		}
		if ok {
			other.Unlock()
			continue
		}
		locked = append(locked, lockName)
	}
	return locked, nil
}
