package engine

import (
	"context"
	"io"
	"time"
)

// Tx is a unit of work that persistence calls can join. A caller that begins
// a Tx owns it and must Commit or Rollback.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// AssetRepository persists assets and the outcome of their ingestion.
type AssetRepository interface {
	GetAsset(ctx context.Context, id AssetID) (*Asset, error)

	// BeginTx starts a unit of work that UpdateIngestedAsset can participate in.
	BeginTx(ctx context.Context) (Tx, error)

	// UpdateIngestedAsset commits the outcome of an ingestion: asset fields,
	// location and storage records, customer storage totals and batch counters.
	// With a nil tx the call runs in its own transaction; otherwise it joins tx
	// and leaves commit/rollback to the caller. It returns false when no asset
	// row was updated.
	UpdateIngestedAsset(ctx context.Context, tx Tx, asset *Asset, location *ImageLocation, storage *ImageStorage, ingestFinished bool) (bool, error)
}

// BatchRepository reads batches.
type BatchRepository interface {
	GetBatch(ctx context.Context, id int) (*Batch, error)
}

// StorageRepository provides quota metrics and existing storage records.
type StorageRepository interface {
	GetStorageMetrics(ctx context.Context, customer int) (*StorageMetrics, error)

	// GetImageStorage returns ErrAssetNotFound when the asset has no storage record.
	GetImageStorage(ctx context.Context, id AssetID) (*ImageStorage, error)
}

// PolicyRepository looks up the policies hydrated onto an asset before ingestion.
type PolicyRepository interface {
	GetThumbnailPolicy(ctx context.Context, id string) (*ThumbnailPolicy, error)
	GetImageOptimisationPolicy(ctx context.Context, id string, customer int) (*ImageOptimisationPolicy, error)
}

// OriginStrategyRepository lists the origin strategies configured for a customer.
type OriginStrategyRepository interface {
	GetCustomerOriginStrategies(ctx context.Context, customer int) ([]*CustomerOriginStrategy, error)
}

// QueueRepository tracks in-flight queue messages per customer.
type QueueRepository interface {
	IncrementQueueCount(ctx context.Context, customer int, name string, by int) error
	DecrementQueueCount(ctx context.Context, customer int, name string, by int) error
}

// Repository is the full persistence surface the engine is built on.
type Repository interface {
	AssetRepository
	BatchRepository
	StorageRepository
	PolicyRepository
	OriginStrategyRepository
	QueueRepository
	Ping(ctx context.Context) error
}

// BlobStore defines the interface for storage backends
type BlobStore interface {
	// Upload uploads content with the given parameters
	Upload(ctx context.Context, objectKey string, reader io.Reader, params UploadParams) error

	// Download downloads content directly
	Download(ctx context.Context, objectKey string) (io.ReadCloser, error)

	// Delete deletes content
	Delete(ctx context.Context, objectKey string) error

	// GetObjectMeta retrieves metadata for an object
	GetObjectMeta(ctx context.Context, objectKey string) (*ObjectMeta, error)

	// Location returns the canonical URI recorded for an object key
	Location(objectKey string) string
}

// ObjectMeta contains metadata about an object in storage
type ObjectMeta struct {
	Key         string
	Size        int64
	ContentType string
	UpdatedAt   time.Time
	ETag        string
}

// UploadParams contains parameters for uploading an object
type UploadParams struct {
	MimeType string
	Size     int64
}
