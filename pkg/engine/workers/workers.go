// Package workers holds the concrete File, Image and Timebased workers and the
// HTTP clients they use to reach the image processor and the transcoder.
package workers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/dlcs/protagonist-sub004/pkg/engine"
	"github.com/dlcs/protagonist-sub004/pkg/engine/objectkey"
)

// OriginFetcher brings origin bytes into transient storage. It is implemented
// by origin.Fetcher.
type OriginFetcher interface {
	Fetch(ctx context.Context, ictx *engine.IngestionContext, strategy *engine.CustomerOriginStrategy) (*engine.AssetFromOrigin, error)
	Open(ctx context.Context, origin *engine.AssetFromOrigin) (io.ReadCloser, error)
	Cleanup(ctx context.Context, origin *engine.AssetFromOrigin) error
}

// Dependencies are shared by every worker.
type Dependencies struct {
	Fetcher     OriginFetcher
	Store       engine.BlobStore
	Layout      *objectkey.Layout
	SizeChecker engine.AssetSizeChecker
	Logger      *slog.Logger
}

func (d *Dependencies) validate() error {
	if d.Fetcher == nil {
		return errors.New("origin fetcher is required")
	}
	if d.Store == nil {
		return errors.New("storage backend is required")
	}
	if d.Layout == nil {
		d.Layout = objectkey.NewLayout("")
	}
	if d.SizeChecker == nil {
		d.SizeChecker = engine.NewSizeChecker()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return nil
}

// fetchOrigin returns the origin already fetched by an earlier worker, or
// fetches it. A status other than StatusUnknown means the worker should stop
// and report it; asset.Error has been set in that case.
func (d *Dependencies) fetchOrigin(ctx context.Context, ictx *engine.IngestionContext, strategy *engine.CustomerOriginStrategy) (*engine.AssetFromOrigin, engine.IngestResultStatus) {
	origin := ictx.AssetFromOrigin
	if origin == nil {
		var err error
		origin, err = d.Fetcher.Fetch(ctx, ictx, strategy)
		if err != nil {
			d.Logger.Error("Failed to fetch origin", "asset", ictx.Asset.ID.String(), "origin", ictx.Asset.Origin, "err", err)
			ictx.Asset.Error = fmt.Sprintf("Failed to fetch origin: %v", err)
			return nil, engine.StatusFailed
		}
	}

	if d.SizeChecker.DoesAssetFromOriginExceedAllowance(origin, ictx.Asset) {
		d.Logger.Info("Origin exceeds storage allowance", "asset", ictx.Asset.ID.String(), "size", origin.Size)
		return origin, engine.StatusStorageLimitExceeded
	}
	return origin, engine.StatusUnknown
}

// copyOrigin writes the fetched origin to key in the storage backend.
func (d *Dependencies) copyOrigin(ctx context.Context, origin *engine.AssetFromOrigin, key, mimeType string) error {
	rc, err := d.Fetcher.Open(ctx, origin)
	if err != nil {
		return fmt.Errorf("failed to open fetched origin: %w", err)
	}
	defer rc.Close()

	if err := d.Store.Upload(ctx, key, rc, engine.UploadParams{MimeType: mimeType, Size: origin.Size}); err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

func (d *Dependencies) cleanupOrigin(ctx context.Context, ictx *engine.IngestionContext) {
	if err := d.Fetcher.Cleanup(ctx, ictx.AssetFromOrigin); err != nil {
		d.Logger.Warn("Failed to remove transient origin", "asset", ictx.Asset.ID.String(), "err", err)
	}
}

func fail(ictx *engine.IngestionContext, logger *slog.Logger, msg string, err error) (engine.IngestResultStatus, error) {
	logger.Error(msg, "asset", ictx.Asset.ID.String(), "err", err)
	ictx.Asset.Error = fmt.Sprintf("%s: %v", msg, err)
	return engine.StatusFailed, nil
}
