// Package policy caches the thumbnail and image optimisation policies hydrated
// onto every asset before ingestion.
package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/dlcs/protagonist-sub004/pkg/engine"
)

// DefaultTTL is how long a policy is served from cache.
const DefaultTTL = time.Minute

// CachedRepository wraps an engine.PolicyRepository with a TTL cache. Failed
// lookups are not cached.
type CachedRepository struct {
	next          engine.PolicyRepository
	thumbnails    *ttlcache.Cache[string, engine.ThumbnailPolicy]
	optimisations *ttlcache.Cache[string, engine.ImageOptimisationPolicy]
}

// NewCachedRepository creates a CachedRepository. A non-positive ttl uses DefaultTTL.
// Call Start to begin evicting expired entries and Stop to release it.
func NewCachedRepository(next engine.PolicyRepository, ttl time.Duration) *CachedRepository {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &CachedRepository{
		next: next,
		thumbnails: ttlcache.New[string, engine.ThumbnailPolicy](
			ttlcache.WithTTL[string, engine.ThumbnailPolicy](ttl),
			ttlcache.WithDisableTouchOnHit[string, engine.ThumbnailPolicy](),
		),
		optimisations: ttlcache.New[string, engine.ImageOptimisationPolicy](
			ttlcache.WithTTL[string, engine.ImageOptimisationPolicy](ttl),
			ttlcache.WithDisableTouchOnHit[string, engine.ImageOptimisationPolicy](),
		),
	}
}

var _ engine.PolicyRepository = (*CachedRepository)(nil)

// Start runs the expiry loops. It returns immediately.
func (c *CachedRepository) Start() {
	go c.thumbnails.Start()
	go c.optimisations.Start()
}

// Stop ends the expiry loops.
func (c *CachedRepository) Stop() {
	c.thumbnails.Stop()
	c.optimisations.Stop()
}

func (c *CachedRepository) GetThumbnailPolicy(ctx context.Context, id string) (*engine.ThumbnailPolicy, error) {
	if item := c.thumbnails.Get(id); item != nil {
		policy := item.Value()
		policy.Sizes = append([]int(nil), policy.Sizes...)
		return &policy, nil
	}

	policy, err := c.next.GetThumbnailPolicy(ctx, id)
	if err != nil {
		return nil, err
	}
	c.thumbnails.Set(id, *policy, ttlcache.DefaultTTL)
	return policy, nil
}

func (c *CachedRepository) GetImageOptimisationPolicy(ctx context.Context, id string, customer int) (*engine.ImageOptimisationPolicy, error) {
	key := fmt.Sprintf("%d:%s", customer, id)
	if item := c.optimisations.Get(key); item != nil {
		policy := item.Value()
		policy.TechnicalDetails = append([]string(nil), policy.TechnicalDetails...)
		return &policy, nil
	}

	policy, err := c.next.GetImageOptimisationPolicy(ctx, id, customer)
	if err != nil {
		return nil, err
	}
	c.optimisations.Set(key, *policy, ttlcache.DefaultTTL)
	return policy, nil
}
