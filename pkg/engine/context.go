package engine

import "time"

// AssetFromOrigin describes origin bytes fetched into transient storage.
type AssetFromOrigin struct {
	AssetID     AssetID
	Size        int64
	Key         string // key in the store the origin was fetched into
	Location    string
	ContentType string

	// FileExceedsAllowance is set by the fetcher when the real size would take
	// the customer over its storage policy.
	FileExceedsAllowance bool
}

// IngestionContext accumulates the results of one ingestion attempt as it
// moves through the workers. It is never persisted directly; it is the input
// to UpdateIngestedAsset.
type IngestionContext struct {
	Asset           *Asset
	AssetFromOrigin *AssetFromOrigin
	ImageLocation   *ImageLocation
	ImageStorage    *ImageStorage

	// PreIngestionAssetSize is the stored size of the asset before this
	// attempt, used for delta accounting.
	PreIngestionAssetSize int64

	// Values lets workers hand data to their own post-processing step.
	Values map[string]string
}

// NewIngestionContext creates a fresh context for the given asset.
func NewIngestionContext(asset *Asset) *IngestionContext {
	return &IngestionContext{
		Asset:  asset,
		Values: make(map[string]string),
	}
}

// WithAssetFromOrigin records the fetched origin.
func (c *IngestionContext) WithAssetFromOrigin(origin *AssetFromOrigin) *IngestionContext {
	c.AssetFromOrigin = origin
	return c
}

// WithLocation records the delivery location, creating the record on first use.
// Empty values leave an existing field untouched.
func (c *IngestionContext) WithLocation(s3, nas string) *IngestionContext {
	if c.ImageLocation == nil {
		c.ImageLocation = &ImageLocation{ID: c.Asset.ID}
	}
	if s3 != "" {
		c.ImageLocation.S3 = s3
	}
	if nas != "" {
		c.ImageLocation.Nas = nas
	}
	return c
}

// WithStorage adds consumed bytes to the storage record, creating it on first use.
// Sizes from several workers are summed.
func (c *IngestionContext) WithStorage(size, thumbnailSize int64) *IngestionContext {
	if c.ImageStorage == nil {
		c.ImageStorage = &ImageStorage{ID: c.Asset.ID}
	}
	c.ImageStorage.Size += size
	c.ImageStorage.ThumbnailSize += thumbnailSize
	c.ImageStorage.LastChecked = time.Now().UTC()
	return c
}

// WithPreIngestionAssetSize records the size stored for the asset before this attempt.
func (c *IngestionContext) WithPreIngestionAssetSize(size int64) *IngestionContext {
	c.PreIngestionAssetSize = size
	return c
}
