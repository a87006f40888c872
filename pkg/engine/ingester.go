package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// AssetExecutor runs the ingestion of a single, fully hydrated asset.
type AssetExecutor interface {
	IngestAsset(ctx context.Context, asset *Asset, strategy *CustomerOriginStrategy) (IngestResult, error)
}

// OriginStrategyProvider resolves the origin strategy for an asset.
type OriginStrategyProvider interface {
	GetCustomerOriginStrategy(ctx context.Context, asset *Asset, preferOptimised bool) (*CustomerOriginStrategy, error)
}

// AssetIngester is the entrypoint shared by the HTTP and queue triggers. It
// never returns an error: every failure becomes a Failed result.
type AssetIngester struct {
	executor   AssetExecutor
	assets     AssetRepository
	policies   PolicyRepository
	strategies OriginStrategyProvider
	logger     *slog.Logger
}

// IngesterOption represents a functional option for configuring the ingester
type IngesterOption func(*AssetIngester)

// WithAssetExecutor sets the executor
func WithAssetExecutor(executor AssetExecutor) IngesterOption {
	return func(i *AssetIngester) {
		i.executor = executor
	}
}

// WithAssetLookup sets the repository current-shape requests load assets from
func WithAssetLookup(repo AssetRepository) IngesterOption {
	return func(i *AssetIngester) {
		i.assets = repo
	}
}

// WithPolicyRepository sets the repository policies are hydrated from
func WithPolicyRepository(repo PolicyRepository) IngesterOption {
	return func(i *AssetIngester) {
		i.policies = repo
	}
}

// WithOriginStrategies sets the origin strategy resolver
func WithOriginStrategies(provider OriginStrategyProvider) IngesterOption {
	return func(i *AssetIngester) {
		i.strategies = provider
	}
}

// WithIngesterLogger sets the logger
func WithIngesterLogger(logger *slog.Logger) IngesterOption {
	return func(i *AssetIngester) {
		i.logger = logger
	}
}

// NewAssetIngester creates an AssetIngester with the given options.
func NewAssetIngester(options ...IngesterOption) (*AssetIngester, error) {
	i := &AssetIngester{logger: slog.Default()}
	for _, option := range options {
		option(i)
	}

	if i.executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if i.assets == nil {
		return nil, fmt.Errorf("asset repository is required")
	}
	if i.policies == nil {
		return nil, fmt.Errorf("policy repository is required")
	}
	if i.strategies == nil {
		return nil, fmt.Errorf("origin strategy provider is required")
	}
	return i, nil
}

// IngestMessage decodes a raw request in either wire shape and ingests it.
func (i *AssetIngester) IngestMessage(ctx context.Context, body []byte) IngestResult {
	req, err := ParseIngestMessage(body)
	if err != nil {
		i.logger.Error("Failed to convert ingest request", "err", err)
		return NewIngestResult(nil, StatusFailed)
	}
	return i.Ingest(ctx, req)
}

// IngestLegacy ingests a request in the legacy event shape.
func (i *AssetIngester) IngestLegacy(ctx context.Context, event LegacyIngestEvent) IngestResult {
	req, err := event.ToIngestRequest()
	if err != nil {
		i.logger.Error("Failed to convert legacy ingest event", "err", err)
		return NewIngestResult(nil, StatusFailed)
	}
	return i.Ingest(ctx, req)
}

// IngestAsset ingests a request in the current shape.
func (i *AssetIngester) IngestAsset(ctx context.Context, request IngestAssetRequest) IngestResult {
	req, err := request.ToIngestRequest()
	if err != nil {
		i.logger.Error("Failed to convert ingest request", "id", request.ID, "err", err)
		return NewIngestResult(nil, StatusFailed)
	}
	return i.Ingest(ctx, req)
}

// Ingest hydrates and executes a converted request.
func (i *AssetIngester) Ingest(ctx context.Context, req IngestRequest) (result IngestResult) {
	asset := req.Asset

	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("Panic during ingestion", "asset", req.AssetID.String(), "panic", r, "stack", string(debug.Stack()))
			result = NewIngestResult(asset, StatusFailed)
		}
	}()

	if asset == nil {
		loaded, err := i.assets.GetAsset(ctx, req.AssetID)
		if err != nil {
			if errors.Is(err, ErrAssetNotFound) {
				i.logger.Warn("Asset to ingest not found", "asset", req.AssetID.String())
			} else {
				i.logger.Error("Failed to load asset to ingest", "asset", req.AssetID.String(), "err", err)
			}
			return NewIngestResult(nil, StatusFailed)
		}
		asset = loaded
	}
	if asset.Batch == 0 && req.BatchID != 0 {
		asset.Batch = req.BatchID
	}
	asset.MarkAsIngesting()

	i.hydratePolicies(ctx, asset)

	strategy, err := i.strategies.GetCustomerOriginStrategy(ctx, asset, true)
	if err != nil {
		i.logger.Error("Failed to resolve origin strategy", "asset", asset.ID.String(), "err", err)
		return NewIngestResult(asset, StatusFailed)
	}

	res, err := i.executor.IngestAsset(ctx, asset, strategy)
	if err != nil {
		i.logger.Error("Ingestion failed", "asset", asset.ID.String(), "err", err)
		return NewIngestResult(asset, StatusFailed)
	}
	return res
}

// hydratePolicies attaches the policy objects referenced by id. A failed
// lookup leaves the field unset; workers fall back to their defaults.
func (i *AssetIngester) hydratePolicies(ctx context.Context, asset *Asset) {
	if asset.ThumbnailPolicy != "" {
		policy, err := i.policies.GetThumbnailPolicy(ctx, asset.ThumbnailPolicy)
		if err != nil {
			i.logger.Warn("Thumbnail policy not found", "asset", asset.ID.String(), "policy", asset.ThumbnailPolicy, "err", err)
		} else {
			asset.FullThumbnailPolicy = policy
		}
	}

	if asset.ImageOptimisationPolicy != "" {
		policy, err := i.policies.GetImageOptimisationPolicy(ctx, asset.ImageOptimisationPolicy, asset.ID.Customer)
		if err != nil {
			i.logger.Warn("Image optimisation policy not found", "asset", asset.ID.String(), "policy", asset.ImageOptimisationPolicy, "err", err)
		} else {
			asset.FullImageOptimisationPolicy = policy
		}
	}
}
