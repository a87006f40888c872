package engine

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
)

// OriginStrategyResolver picks the origin strategy used to fetch an asset.
type OriginStrategyResolver struct {
	repo   OriginStrategyRepository
	logger *slog.Logger
}

// NewOriginStrategyResolver creates a resolver over the given repository.
func NewOriginStrategyResolver(repo OriginStrategyRepository, logger *slog.Logger) *OriginStrategyResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &OriginStrategyResolver{repo: repo, logger: logger}
}

// GetCustomerOriginStrategy returns the first of the customer's strategies, by
// Order, whose regex matches the asset origin. With preferOptimised an
// optimised match is returned ahead of earlier non-optimised ones. When nothing
// matches the default strategy is returned.
func (r *OriginStrategyResolver) GetCustomerOriginStrategy(ctx context.Context, asset *Asset, preferOptimised bool) (*CustomerOriginStrategy, error) {
	strategies, err := r.repo.GetCustomerOriginStrategies(ctx, asset.ID.Customer)
	if err != nil {
		return nil, fmt.Errorf("failed to get origin strategies for customer %d: %w", asset.ID.Customer, err)
	}

	sorted := make([]*CustomerOriginStrategy, len(strategies))
	copy(sorted, strategies)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	var first *CustomerOriginStrategy
	for _, s := range sorted {
		re, err := regexp.Compile(s.Regex)
		if err != nil {
			r.logger.Warn("Skipping origin strategy with invalid regex", "strategy", s.ID, "customer", s.Customer, "err", err)
			continue
		}
		if !re.MatchString(asset.Origin) {
			continue
		}
		if !preferOptimised {
			return s, nil
		}
		if s.Optimised {
			return s, nil
		}
		if first == nil {
			first = s
		}
	}

	if first != nil {
		return first, nil
	}
	return DefaultOriginStrategy(asset.ID.Customer), nil
}
