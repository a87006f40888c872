package engine

import (
	"errors"
	"fmt"
)

// Error types
var (
	// ErrAssetNotFound indicates an asset was not found
	ErrAssetNotFound = errors.New("asset not found")

	// ErrBatchNotFound indicates a batch was not found
	ErrBatchNotFound = errors.New("batch not found")

	// ErrPolicyNotFound indicates a thumbnail, optimisation or storage policy was not found
	ErrPolicyNotFound = errors.New("policy not found")

	// ErrUnknownWorker indicates no worker is registered for a worker kind
	ErrUnknownWorker = errors.New("unknown worker")

	// ErrInvalidRequest indicates an ingest request could not be converted
	ErrInvalidRequest = errors.New("invalid ingest request")

	// ErrOriginNotFound indicates the origin could not be fetched
	ErrOriginNotFound = errors.New("origin not found")

	// ErrObjectNotFound indicates a blob store object does not exist
	ErrObjectNotFound = errors.New("object not found")
)

// Asset-level failure reasons, stored in Asset.Error.
const (
	ErrorStoragePolicyExceeded = "StoragePolicyExceeded"
	ErrorUnableToUpdateBatch   = "Unable to update batch associated with image"
	ErrorIngestFailed          = "Ingest failed"
)

// AssetError represents an error related to an operation on a single asset
type AssetError struct {
	AssetID AssetID
	Op      string
	Err     error
}

func (e *AssetError) Error() string {
	return fmt.Sprintf("asset operation %s failed for asset %s: %v", e.Op, e.AssetID, e.Err)
}

func (e *AssetError) Unwrap() error {
	return e.Err
}

// StorageError represents an error related to blob storage operations
type StorageError struct {
	Backend string
	Key     string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage operation %s failed for key %s on backend %s: %v", e.Op, e.Key, e.Backend, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
