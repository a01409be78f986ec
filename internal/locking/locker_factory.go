package locking

import (
	"context"
	"fmt"
	"strings"

	"github.com/katasec/dstream-ingester-tracked/internal/config"
	"github.com/katasec/dstream-ingester-tracked/internal/utils"
)

// LockerFactory creates instances of DistributedLocker based on the configuration
type LockerFactory struct {
	lock               config.LockConfig
	dbConnectionString string // Database connection string for server name extraction

	fileLocker *FileLocker
}

// NewLockerFactory initializes a new LockerFactory
func NewLockerFactory(lock config.LockConfig, dbConnectionString string) *LockerFactory {
	f := &LockerFactory{lock: lock, dbConnectionString: dbConnectionString}
	if lock.Type == config.LockFile {
		f.fileLocker = NewFileLocker(lock.Directory)
	}
	return f
}

// CreateLocker creates a DistributedLocker for the given lock name
func (f *LockerFactory) CreateLocker(ctx context.Context, lockName string) (DistributedLocker, error) {
	switch f.lock.Type {
	case config.LockAzureBlob:
		return NewBlobLocker(ctx, f.lock.ConnectionString, f.lock.ContainerName, lockName)
	case config.LockFile:
		return f.fileLocker, nil
	case config.LockNone, "":
		return noopLocker{}, nil
	default:
		return nil, fmt.Errorf("unsupported lock type: %s", f.lock.Type)
	}
}

// GetLockName returns the lock name of a stream. Lock names are grouped
// under the database server name so that ingesters of different servers
// sharing one lock store do not collide.
func (f *LockerFactory) GetLockName(stream string) string {
	switch f.lock.Type {
	case config.LockAzureBlob, config.LockFile:
		if f.dbConnectionString != "" {
			serverName, err := utils.ExtractServerNameFromConnectionString(f.dbConnectionString)
			if err == nil && serverName != "" {
				return strings.ToLower(serverName) + "/" + GetBlobLockName(stream)
			}
		}
		// Fall back to the default naming if we can't extract the server name
		return GetBlobLockName(stream)
	default:
		return stream
	}
}
