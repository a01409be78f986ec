package locking

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/lease"
	"github.com/google/uuid"

	"github.com/katasec/dstream-ingester-tracked/internal/logging"
)

const (
	// Blob leases last between 15 and 60 seconds unless infinite.
	defaultLeaseDuration = 60 * time.Second
	// Infinite leases older than this are considered abandoned.
	staleLeaseAge = 2 * time.Minute
)

// BlobLocker holds a stream lock as a lease on an empty blob.
type BlobLocker struct {
	containerName string
	lockTTL       time.Duration
	lockName      string

	azblobClient    *azblob.Client
	blobLeaseClient *lease.BlobClient
}

// NewBlobLocker ensures the container and lock blob exist and prepares a
// lease client with a fresh lease ID.
func NewBlobLocker(ctx context.Context, connectionString, containerName, lockName string) (*BlobLocker, error) {
	azblobClient, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}
	_, err = azblobClient.CreateContainer(ctx, containerName, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil, fmt.Errorf("failed to create or check container: %w", err)
	}

	blockblobClient, err := blockblob.NewClientFromConnectionString(connectionString, containerName, lockName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create block blob client: %w", err)
	}
	_, err = blockblobClient.UploadBuffer(ctx, []byte{}, &blockblob.UploadBufferOptions{
		AccessConditions: &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETagAny)},
		},
	})
	if err != nil && !bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet, bloberror.LeaseIDMissing) {
		return nil, fmt.Errorf("failed to ensure blob exists: %w", err)
	}

	blobLeaseClient, err := lease.NewBlobClient(blockblobClient, &lease.BlobClientOptions{LeaseID: to.Ptr(uuid.NewString())})
	if err != nil {
		return nil, fmt.Errorf("failed to create blob lease client: %w", err)
	}

	return &BlobLocker{
		containerName:   containerName,
		lockTTL:         defaultLeaseDuration,
		lockName:        lockName,
		azblobClient:    azblobClient,
		blobLeaseClient: blobLeaseClient,
	}, nil
}

// AcquireLock tries to take the lease. A lease held by a live consumer gives
// ErrLockHeld; an abandoned infinite lease is broken first.
func (bl *BlobLocker) AcquireLock(ctx context.Context, lockName string) (string, error) {
	logger := logging.GetLogger()
	logger.Debug("Attempting to acquire lock", "blob", bl.lockName)

	resp, err := bl.blobLeaseClient.AcquireLease(ctx, int32(bl.lockTTL.Seconds()), nil)
	if err == nil {
		logger.Info("Lock acquired", "blob", bl.lockName, "leaseID", *resp.LeaseID)
		return *resp.LeaseID, nil
	}
	if !bloberror.HasCode(err, bloberror.LeaseAlreadyPresent) {
		return "", fmt.Errorf("failed to acquire lock for blob %s: %w", bl.lockName, err)
	}

	blobClient := bl.azblobClient.ServiceClient().NewContainerClient(bl.containerName).NewBlobClient(bl.lockName)
	props, err := blobClient.GetProperties(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to get blob properties for %s: %w", bl.lockName, err)
	}

	infinite := props.LeaseDuration != nil && *props.LeaseDuration == lease.DurationTypeInfinite
	lockAge := time.Since(*props.LastModified)
	if !infinite || lockAge <= staleLeaseAge {
		logger.Info("Stream is already locked", "blob", bl.lockName, "age", lockAge.Round(time.Second))
		return "", fmt.Errorf("%s: %w", bl.lockName, ErrLockHeld)
	}

	logger.Warn("Breaking abandoned lease", "blob", bl.lockName, "lastModified", props.LastModified.Format(time.RFC3339))
	if _, err := bl.blobLeaseClient.BreakLease(ctx, &lease.BlobBreakOptions{BreakPeriod: to.Ptr(int32(0))}); err != nil {
		return "", fmt.Errorf("failed to break lease for %s: %w", bl.lockName, err)
	}
	resp, err = bl.blobLeaseClient.AcquireLease(ctx, int32(bl.lockTTL.Seconds()), nil)
	if err != nil {
		return "", fmt.Errorf("failed to acquire lease after breaking for %s: %w", bl.lockName, err)
	}
	logger.Info("Acquired lock after breaking old lease", "blob", bl.lockName)
	return *resp.LeaseID, nil
}

func (bl *BlobLocker) RenewLock(ctx context.Context, lockName string) error {
	if _, err := bl.blobLeaseClient.RenewLease(ctx, nil); err != nil {
		return fmt.Errorf("failed to renew lock for blob %s: %w", lockName, err)
	}
	logging.GetLogger().Trace("Lock renewed", "blob", lockName)
	return nil
}

// ReleaseLock releases the lease so another consumer can take the stream.
func (bl *BlobLocker) ReleaseLock(ctx context.Context, lockName string, leaseID string) error {
	if _, err := bl.blobLeaseClient.ReleaseLease(ctx, nil); err != nil {
		return fmt.Errorf("failed to release lock for blob %s: %w", bl.lockName, err)
	}
	logging.GetLogger().Info("Lock released", "blob", bl.lockName)
	return nil
}

// StartLockRenewal renews the lease at half its duration until ctx is done.
func (bl *BlobLocker) StartLockRenewal(ctx context.Context, lockName string) {
	logger := logging.GetLogger()
	logger.Debug("Starting lock renewal", "blob", lockName)
	go func() {
		ticker := time.NewTicker(bl.lockTTL / 2)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := bl.RenewLock(ctx, bl.lockName); err != nil {
					logger.Error("Failed to renew lock", "blob", lockName, "error", err)
				}
			case <-ctx.Done():
				logger.Debug("Stopping lock renewal", "blob", lockName)
				return
			}
		}
	}()
}

// GetBlobLockName returns the lock blob name for a stream.
func GetBlobLockName(stream string) string {
	return stream + ".lock"
}

// GetLockedStreams reports which of the given lock blobs carry a live lease.
func (bl *BlobLocker) GetLockedStreams(ctx context.Context, lockNames []string) ([]string, error) {
	logger := logging.GetLogger()
	var locked []string
	containerClient := bl.azblobClient.ServiceClient().NewContainerClient(bl.containerName)

	for _, lockName := range lockNames {
		resp, err := containerClient.NewBlobClient(lockName).GetProperties(ctx, nil)
		if err != nil {
			if bloberror.HasCode(err, bloberror.BlobNotFound) {
				continue
			}
			logger.Warn("Failed to get lock blob properties", "blob", lockName, "error", err)
			continue
		}

		if resp.LeaseState != nil && *resp.LeaseState == lease.StateTypeLeased {
			logger.Debug("Stream is locked", "blob", lockName, "lastModified", resp.LastModified.Format(time.RFC3339))
			locked = append(locked, lockName)
		}
	}
	return locked, nil
}
