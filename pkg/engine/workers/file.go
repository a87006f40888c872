package workers

import (
	"context"

	"github.com/dlcs/protagonist-sub004/pkg/engine"
)

// FileWorker retains the verbatim origin for the file delivery channel.
type FileWorker struct {
	deps Dependencies
}

// NewFileWorker creates a FileWorker.
func NewFileWorker(deps Dependencies) (*FileWorker, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &FileWorker{deps: deps}, nil
}

var (
	_ engine.Worker        = (*FileWorker)(nil)
	_ engine.PostProcessor = (*FileWorker)(nil)
)

// Ingest copies the origin to the asset's original key. Origins fetched through
// an optimised strategy are served in place and consume no storage.
func (w *FileWorker) Ingest(ctx context.Context, ictx *engine.IngestionContext, strategy *engine.CustomerOriginStrategy) (engine.IngestResultStatus, error) {
	asset := ictx.Asset

	if strategy != nil && strategy.Optimised {
		w.setLocationIfUnset(ictx, asset.Origin)
		ictx.WithStorage(0, 0)
		return engine.StatusSuccess, nil
	}

	origin, status := w.deps.fetchOrigin(ctx, ictx, strategy)
	if status != engine.StatusUnknown {
		return status, nil
	}

	key := w.deps.Layout.Original(asset.ID)
	if err := w.deps.copyOrigin(ctx, origin, key, asset.MediaType); err != nil {
		return fail(ictx, w.deps.Logger, "Failed to store original", err)
	}

	w.setLocationIfUnset(ictx, w.deps.Store.Location(key))
	ictx.WithStorage(origin.Size, 0)
	return engine.StatusSuccess, nil
}

// PostIngest removes the transient origin copy.
func (w *FileWorker) PostIngest(ctx context.Context, ictx *engine.IngestionContext, succeeded bool) {
	w.deps.cleanupOrigin(ctx, ictx)
}

// setLocationIfUnset leaves a location set by another channel alone; the image
// channel's derivative takes precedence over the original.
func (w *FileWorker) setLocationIfUnset(ictx *engine.IngestionContext, location string) {
	if ictx.ImageLocation != nil && ictx.ImageLocation.S3 != "" {
		return
	}
	ictx.WithLocation(location, "")
}
