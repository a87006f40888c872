package workers

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/dlcs/protagonist-sub004/pkg/engine"
)

// DefaultThumbnailSizes are produced when the asset has no thumbnail policy.
var DefaultThumbnailSizes = []int{100, 200, 400, 1024}

// ImageWorker produces the image-server derivative and thumbnails via the
// image processor.
type ImageWorker struct {
	deps           Dependencies
	processor      *ProcessorClient
	thumbnailSizes []int
}

// ImageWorkerOption configures an ImageWorker
type ImageWorkerOption func(*ImageWorker)

// WithDefaultThumbnailSizes overrides DefaultThumbnailSizes
func WithDefaultThumbnailSizes(sizes ...int) ImageWorkerOption {
	return func(w *ImageWorker) {
		w.thumbnailSizes = sizes
	}
}

// NewImageWorker creates an ImageWorker.
func NewImageWorker(deps Dependencies, processor *ProcessorClient, options ...ImageWorkerOption) (*ImageWorker, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if processor == nil {
		return nil, errors.New("image processor client is required")
	}
	w := &ImageWorker{deps: deps, processor: processor, thumbnailSizes: DefaultThumbnailSizes}
	for _, option := range options {
		option(w)
	}
	return w, nil
}

var (
	_ engine.Worker        = (*ImageWorker)(nil)
	_ engine.PostProcessor = (*ImageWorker)(nil)
)

func (w *ImageWorker) Ingest(ctx context.Context, ictx *engine.IngestionContext, strategy *engine.CustomerOriginStrategy) (engine.IngestResultStatus, error) {
	asset := ictx.Asset

	origin, status := w.deps.fetchOrigin(ctx, ictx, strategy)
	if status != engine.StatusUnknown {
		return status, nil
	}

	// An optimised origin with a use-original policy is already image-server ready.
	useOriginal := asset.FullImageOptimisationPolicy.IsUseOriginal() && strategy != nil && strategy.Optimised

	req := ConvertRequest{
		JobID:            uuid.NewString(),
		AssetID:          asset.ID.String(),
		Origin:           origin.Location,
		MediaType:        asset.MediaType,
		ThumbnailsPrefix: w.deps.Store.Location(w.deps.Layout.ThumbnailsPrefix(asset.ID)),
		ThumbnailSizes:   w.thumbnailSizesFor(asset),
		UseOriginal:      useOriginal,
	}
	derivativeKey := w.deps.Layout.Derivative(asset.ID)
	if !useOriginal {
		req.Destination = w.deps.Store.Location(derivativeKey)
	}
	if policy := asset.FullImageOptimisationPolicy; policy != nil {
		req.TechnicalDetails = policy.TechnicalDetails
	}

	resp, err := w.processor.Convert(ctx, req)
	if err != nil {
		return fail(ictx, w.deps.Logger, "Image processing failed", err)
	}

	asset.Width = resp.Width
	asset.Height = resp.Height

	if useOriginal {
		ictx.WithLocation(asset.Origin, "")
		ictx.WithStorage(origin.Size, resp.ThumbnailSize)
	} else {
		ictx.WithLocation(req.Destination, "")
		ictx.WithStorage(resp.DerivativeSize, resp.ThumbnailSize)
	}

	w.deps.Logger.Debug("Image converted",
		"asset", asset.ID.String(),
		"job", req.JobID,
		"width", resp.Width,
		"height", resp.Height,
		"use_original", useOriginal)
	return engine.StatusSuccess, nil
}

// PostIngest removes the transient origin copy.
func (w *ImageWorker) PostIngest(ctx context.Context, ictx *engine.IngestionContext, succeeded bool) {
	w.deps.cleanupOrigin(ctx, ictx)
}

func (w *ImageWorker) thumbnailSizesFor(asset *engine.Asset) []int {
	if asset.FullThumbnailPolicy != nil && len(asset.FullThumbnailPolicy.Sizes) > 0 {
		return asset.FullThumbnailPolicy.Sizes
	}
	return w.thumbnailSizes
}
