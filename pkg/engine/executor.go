package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Executor runs the workers for a single asset and commits the outcome.
type Executor struct {
	workers     *WorkerRegistry
	assets      AssetRepository
	storage     StorageRepository
	sizeChecker AssetSizeChecker
	logger      *slog.Logger
}

// ExecutorOption represents a functional option for configuring the executor
type ExecutorOption func(*Executor)

// WithWorkers sets the worker registry
func WithWorkers(registry *WorkerRegistry) ExecutorOption {
	return func(e *Executor) {
		e.workers = registry
	}
}

// WithAssetRepository sets the repository the outcome is committed to
func WithAssetRepository(repo AssetRepository) ExecutorOption {
	return func(e *Executor) {
		e.assets = repo
	}
}

// WithStorageRepository sets the source of storage metrics
func WithStorageRepository(repo StorageRepository) ExecutorOption {
	return func(e *Executor) {
		e.storage = repo
	}
}

// WithSizeChecker sets the quota checker
func WithSizeChecker(checker AssetSizeChecker) ExecutorOption {
	return func(e *Executor) {
		e.sizeChecker = checker
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// NewExecutor creates an Executor with the given options.
func NewExecutor(options ...ExecutorOption) (*Executor, error) {
	e := &Executor{
		sizeChecker: NewSizeChecker(),
		logger:      slog.Default(),
	}
	for _, option := range options {
		option(e)
	}

	if e.workers == nil {
		return nil, fmt.Errorf("worker registry is required")
	}
	if e.assets == nil {
		return nil, fmt.Errorf("asset repository is required")
	}
	if e.storage == nil {
		return nil, fmt.Errorf("storage repository is required")
	}

	return e, nil
}

// IngestAsset runs every worker the asset needs, in order, and commits the
// outcome. A returned error means a worker or lookup failed outright; nothing
// has been committed in that case.
func (e *Executor) IngestAsset(ctx context.Context, asset *Asset, strategy *CustomerOriginStrategy) (IngestResult, error) {
	if err := ctx.Err(); err != nil {
		return NewIngestResult(asset, StatusFailed), err
	}

	ictx := NewIngestionContext(asset)
	logger := e.logger.With("asset", asset.ID.String())

	if asset.HasOnlyNoneChannel() {
		logger.Debug("Asset has 'none' delivery channel only, skipping workers")
		ictx.WithStorage(0, 0)
		status := StatusSuccess
		if !e.complete(ctx, ictx, true) {
			status = StatusFailed
		}
		return e.result(asset, status), nil
	}

	if !e.sizeChecker.CustomerHasNoStorageCheck(asset.ID.Customer) {
		exceeded, err := e.preflightStorageCheck(ctx, ictx)
		if err != nil {
			return NewIngestResult(asset, StatusFailed), &AssetError{AssetID: asset.ID, Op: "storage_check", Err: err}
		}
		if exceeded {
			if err := ctx.Err(); err != nil {
				return NewIngestResult(asset, StatusFailed), err
			}
			logger.Info("Customer cannot store asset", "customer", asset.ID.Customer)
			asset.Error = ErrorStoragePolicyExceeded
			status := StatusStorageLimitExceeded
			if !e.complete(ctx, ictx, true) {
				status = StatusFailed
			}
			return e.result(asset, status), nil
		}
	}

	kinds, workers, err := e.workers.SelectWorkers(asset)
	if err != nil {
		return NewIngestResult(asset, StatusFailed), &AssetError{AssetID: asset.ID, Op: "select_workers", Err: err}
	}
	if len(workers) == 0 {
		logger.Warn("No workers selected for asset", "media_type", asset.MediaType)
	}

	overall := StatusUnknown
	for i, w := range workers {
		if ctx.Err() != nil {
			break
		}

		start := time.Now()
		status, err := w.Ingest(ctx, ictx, strategy)
		WorkerDurationHistogram.WithLabelValues(string(kinds[i]), status.String()).Observe(time.Since(start).Seconds())
		if err != nil {
			return NewIngestResult(asset, StatusFailed), &AssetError{AssetID: asset.ID, Op: "ingest_" + string(kinds[i]), Err: err}
		}
		logger.Debug("Worker finished", "worker", kinds[i], "status", status, "elapsed", time.Since(start))

		if status == StatusFailed || status == StatusStorageLimitExceeded {
			overall = status
			break
		}
		if overall != StatusQueuedForProcessing {
			overall = status
		}
	}

	// A worker may report a cancelled fetch as Failed; nothing is committed
	// once the context is done.
	if err := ctx.Err(); err != nil {
		logger.Info("Ingestion cancelled, skipping commit", "err", err)
		e.postProcess(context.WithoutCancel(ctx), ictx, workers, false)
		return NewIngestResult(asset, StatusFailed), err
	}

	if overall == StatusFailed && asset.Error == "" {
		asset.Error = ErrorIngestFailed
	}

	committed := e.complete(ctx, ictx, overall != StatusQueuedForProcessing)

	e.postProcess(ctx, ictx, workers, committed && overall.IsSuccessful())

	if !committed {
		overall = StatusFailed
	}
	return e.result(asset, overall), nil
}

func (e *Executor) postProcess(ctx context.Context, ictx *IngestionContext, workers []Worker, succeeded bool) {
	for _, w := range workers {
		if pp, ok := w.(PostProcessor); ok {
			pp.PostIngest(ctx, ictx, succeeded)
		}
	}
}

// preflightStorageCheck records the asset's current size on ictx and reports
// whether the customer cannot store even MinimumAssetSize more bytes.
func (e *Executor) preflightStorageCheck(ctx context.Context, ictx *IngestionContext) (bool, error) {
	asset := ictx.Asset
	metrics, err := e.storage.GetStorageMetrics(ctx, asset.ID.Customer)
	if err != nil {
		return false, fmt.Errorf("failed to get storage metrics: %w", err)
	}

	var existingSize int64
	existing, err := e.storage.GetImageStorage(ctx, asset.ID)
	switch {
	case err == nil:
		existingSize = existing.Size
	case errors.Is(err, ErrAssetNotFound):
	default:
		return false, fmt.Errorf("failed to get image storage: %w", err)
	}
	ictx.WithPreIngestionAssetSize(existingSize)

	return !metrics.CanStoreAssetSize(MinimumAssetSize, existingSize), nil
}

func (e *Executor) complete(ctx context.Context, ictx *IngestionContext, finished bool) bool {
	ok, err := e.assets.UpdateIngestedAsset(ctx, nil, ictx.Asset, ictx.ImageLocation, ictx.ImageStorage, finished)
	if err != nil {
		e.logger.Error("Failed to commit ingested asset", "asset", ictx.Asset.ID.String(), "err", err)
		return false
	}
	if !ok {
		e.logger.Error("Committing ingested asset updated no rows", "asset", ictx.Asset.ID.String())
	}
	return ok
}

func (e *Executor) result(asset *Asset, status IngestResultStatus) IngestResult {
	IngestResultCounter.WithLabelValues(status.String(), string(asset.Family)).Inc()
	return NewIngestResult(asset, status)
}
