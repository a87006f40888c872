package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dlcs/protagonist-sub004/pkg/engine"
)

// DefaultStoragePolicy is the policy customers without explicit storage are placed on.
var DefaultStoragePolicy = engine.StoragePolicy{
	ID:                             "default",
	MaximumNumberOfStoredImages:    1_000_000_000,
	MaximumTotalSizeOfStoredImages: 1_000_000_000_000_000,
}

type customerSpace struct {
	customer int
	space    int
}

type queueKey struct {
	customer int
	name     string
}

// Repository implements engine.Repository using in-memory storage.
//
// A Tx returned by BeginTx holds the repository lock until it is committed or
// rolled back; only UpdateIngestedAsset may be called with it.
type Repository struct {
	mu                   sync.Mutex
	assets               map[engine.AssetID]*engine.Asset
	locations            map[engine.AssetID]*engine.ImageLocation
	imageStorage         map[engine.AssetID]*engine.ImageStorage
	customerStorage      map[customerSpace]*engine.CustomerStorage
	storagePolicies      map[string]*engine.StoragePolicy
	batches              map[int]*engine.Batch
	thumbnailPolicies    map[string]*engine.ThumbnailPolicy
	optimisationPolicies map[string][]*engine.ImageOptimisationPolicy
	originStrategies     map[int][]*engine.CustomerOriginStrategy
	queues               map[queueKey]*engine.CustomerQueue
}

// New creates a new in-memory repository
func New() *Repository {
	return &Repository{
		assets:               make(map[engine.AssetID]*engine.Asset),
		locations:            make(map[engine.AssetID]*engine.ImageLocation),
		imageStorage:         make(map[engine.AssetID]*engine.ImageStorage),
		customerStorage:      make(map[customerSpace]*engine.CustomerStorage),
		storagePolicies:      map[string]*engine.StoragePolicy{DefaultStoragePolicy.ID: &DefaultStoragePolicy},
		batches:              make(map[int]*engine.Batch),
		thumbnailPolicies:    make(map[string]*engine.ThumbnailPolicy),
		optimisationPolicies: make(map[string][]*engine.ImageOptimisationPolicy),
		originStrategies:     make(map[int][]*engine.CustomerOriginStrategy),
		queues:               make(map[queueKey]*engine.CustomerQueue),
	}
}

var _ engine.Repository = (*Repository)(nil)

func (r *Repository) Ping(ctx context.Context) error {
	return nil
}

// Seeding operations

// PutAsset stores a copy of the asset, replacing any existing one.
func (r *Repository) PutAsset(asset *engine.Asset) {
	r.mu.Lock()
	defer r.mu.Unlock()

	assetCopy := *asset
	r.assets[asset.ID] = &assetCopy
}

// PutBatch stores a copy of the batch.
func (r *Repository) PutBatch(batch *engine.Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()

	batchCopy := *batch
	r.batches[batch.ID] = &batchCopy
}

// PutImageStorage stores a storage record without touching customer totals.
func (r *Repository) PutImageStorage(storage *engine.ImageStorage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	storageCopy := *storage
	r.imageStorage[storage.ID] = &storageCopy
}

// PutCustomerStorage stores customer totals.
func (r *Repository) PutCustomerStorage(storage *engine.CustomerStorage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	storageCopy := *storage
	r.customerStorage[customerSpace{storage.Customer, storage.Space}] = &storageCopy
}

// PutStoragePolicy stores a storage policy.
func (r *Repository) PutStoragePolicy(policy *engine.StoragePolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()

	policyCopy := *policy
	r.storagePolicies[policy.ID] = &policyCopy
}

// PutThumbnailPolicy stores a thumbnail policy.
func (r *Repository) PutThumbnailPolicy(policy *engine.ThumbnailPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()

	policyCopy := *policy
	r.thumbnailPolicies[policy.ID] = &policyCopy
}

// PutImageOptimisationPolicy stores an optimisation policy; customer-specific
// and global policies may share an id.
func (r *Repository) PutImageOptimisationPolicy(policy *engine.ImageOptimisationPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()

	policyCopy := *policy
	r.optimisationPolicies[policy.ID] = append(r.optimisationPolicies[policy.ID], &policyCopy)
}

// PutCustomerOriginStrategy stores an origin strategy.
func (r *Repository) PutCustomerOriginStrategy(strategy *engine.CustomerOriginStrategy) {
	r.mu.Lock()
	defer r.mu.Unlock()

	strategyCopy := *strategy
	r.originStrategies[strategy.Customer] = append(r.originStrategies[strategy.Customer], &strategyCopy)
}

// Asset operations

func (r *Repository) GetAsset(ctx context.Context, id engine.AssetID) (*engine.Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	asset, exists := r.assets[id]
	if !exists {
		return nil, engine.ErrAssetNotFound
	}
	assetCopy := *asset
	return &assetCopy, nil
}

// GetImageLocation returns the stored location for an asset.
func (r *Repository) GetImageLocation(ctx context.Context, id engine.AssetID) (*engine.ImageLocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	location, exists := r.locations[id]
	if !exists {
		return nil, engine.ErrAssetNotFound
	}
	locationCopy := *location
	return &locationCopy, nil
}

func (r *Repository) BeginTx(ctx context.Context) (engine.Tx, error) {
	r.mu.Lock()
	return &tx{repo: r}, nil
}

func (r *Repository) UpdateIngestedAsset(ctx context.Context, t engine.Tx, asset *engine.Asset, location *engine.ImageLocation, storage *engine.ImageStorage, ingestFinished bool) (bool, error) {
	if t == nil {
		r.mu.Lock()
		defer r.mu.Unlock()

		j := &journal{}
		ok, err := r.updateIngestedAsset(j, asset, location, storage, ingestFinished)
		if err != nil || !ok {
			j.rollback()
		}
		return ok, err
	}

	joined, ok := t.(*tx)
	if !ok || joined.repo != r {
		return false, fmt.Errorf("transaction does not belong to this repository")
	}
	if joined.done {
		return false, errTxDone
	}
	return r.updateIngestedAsset(&joined.journal, asset, location, storage, ingestFinished)
}

// updateIngestedAsset must be called with r.mu held.
func (r *Repository) updateIngestedAsset(j *journal, asset *engine.Asset, location *engine.ImageLocation, storage *engine.ImageStorage, ingestFinished bool) (bool, error) {
	stored, exists := r.assets[asset.ID]
	if !exists {
		return false, nil
	}

	if ingestFinished && asset.Batch != 0 {
		r.completeBatch(j, asset)
	}

	changed := r.applyAssetFields(j, stored, asset, ingestFinished)

	if location != nil {
		remember(j, r.locations, location.ID)
		locationCopy := *location
		if existing, ok := r.locations[location.ID]; ok {
			if locationCopy.S3 == "" {
				locationCopy.S3 = existing.S3
			}
			if locationCopy.Nas == "" {
				locationCopy.Nas = existing.Nas
			}
		}
		r.locations[location.ID] = &locationCopy
		changed = true
	}

	if storage != nil {
		r.upsertImageStorage(j, storage)
		changed = true
	}

	return changed, nil
}

// applyAssetFields copies set fields from incoming onto stored.
func (r *Repository) applyAssetFields(j *journal, stored, incoming *engine.Asset, ingestFinished bool) bool {
	next := *stored
	changed := false
	setInt := func(dst *int, v int) {
		if v != 0 {
			*dst = v
			changed = true
		}
	}
	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
			changed = true
		}
	}

	setInt(&next.Width, incoming.Width)
	setInt(&next.Height, incoming.Height)
	if incoming.Duration != 0 {
		next.Duration = incoming.Duration
		changed = true
	}
	if incoming.MediaType != "" {
		if next.MediaType == "" {
			next.MediaType = incoming.MediaType
		}
		changed = true
	}
	setString(&next.Reference1, incoming.Reference1)
	setString(&next.Reference2, incoming.Reference2)
	setString(&next.Reference3, incoming.Reference3)

	if ingestFinished {
		now := time.Now().UTC()
		next.Error = incoming.Error
		next.Ingesting = false
		next.Finished = &now
		changed = true
	} else {
		setString(&next.Error, incoming.Error)
		if incoming.Ingesting {
			next.Ingesting = true
			changed = true
		}
	}

	if !changed {
		return false
	}
	remember(j, r.assets, stored.ID)
	r.assets[stored.ID] = &next
	return true
}

func (r *Repository) completeBatch(j *journal, asset *engine.Asset) {
	batch, exists := r.batches[asset.Batch]
	if !exists {
		engine.BatchUpdateFailureCounter.Inc()
		asset.Error = engine.ErrorUnableToUpdateBatch
		return
	}

	remember(j, r.batches, asset.Batch)
	next := *batch
	if asset.Error != "" {
		next.Errors++
	} else {
		next.Completed++
	}
	if next.Finished == nil && next.IsComplete() {
		now := time.Now().UTC()
		next.Finished = &now
	}
	r.batches[asset.Batch] = &next
}

// upsertImageStorage stores the record and applies the change in size to the
// customer's totals.
func (r *Repository) upsertImageStorage(j *journal, storage *engine.ImageStorage) {
	var sizeDelta, thumbDelta, countDelta int64
	if existing, ok := r.imageStorage[storage.ID]; ok {
		sizeDelta = storage.Size - existing.Size
		thumbDelta = storage.ThumbnailSize - existing.ThumbnailSize
	} else {
		sizeDelta = storage.Size
		thumbDelta = storage.ThumbnailSize
		countDelta = 1
	}

	remember(j, r.imageStorage, storage.ID)
	storageCopy := *storage
	if storageCopy.LastChecked.IsZero() {
		storageCopy.LastChecked = time.Now().UTC()
	}
	r.imageStorage[storage.ID] = &storageCopy

	key := customerSpace{storage.ID.Customer, 0}
	remember(j, r.customerStorage, key)
	totals := engine.CustomerStorage{Customer: storage.ID.Customer, StoragePolicy: DefaultStoragePolicy.ID}
	if existing, ok := r.customerStorage[key]; ok {
		totals = *existing
	}
	totals.NumberOfStoredImages += countDelta
	totals.TotalSizeOfStoredImages += sizeDelta
	totals.TotalSizeOfThumbnails += thumbDelta
	r.customerStorage[key] = &totals
}

// Batch operations

func (r *Repository) GetBatch(ctx context.Context, id int) (*engine.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch, exists := r.batches[id]
	if !exists {
		return nil, engine.ErrBatchNotFound
	}
	batchCopy := *batch
	return &batchCopy, nil
}

// Storage operations

func (r *Repository) GetStorageMetrics(ctx context.Context, customer int) (*engine.StorageMetrics, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	totals := engine.CustomerStorage{Customer: customer, StoragePolicy: DefaultStoragePolicy.ID}
	if existing, ok := r.customerStorage[customerSpace{customer, 0}]; ok {
		totals = *existing
	}
	policy, ok := r.storagePolicies[totals.StoragePolicy]
	if !ok {
		return nil, fmt.Errorf("%w: storage policy %q", engine.ErrPolicyNotFound, totals.StoragePolicy)
	}
	return &engine.StorageMetrics{Policy: *policy, CustomerStorage: totals}, nil
}

func (r *Repository) GetImageStorage(ctx context.Context, id engine.AssetID) (*engine.ImageStorage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	storage, exists := r.imageStorage[id]
	if !exists {
		return nil, engine.ErrAssetNotFound
	}
	storageCopy := *storage
	return &storageCopy, nil
}

// GetCustomerStorage returns the customer-level totals (space 0).
func (r *Repository) GetCustomerStorage(ctx context.Context, customer int) (*engine.CustomerStorage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	totals, exists := r.customerStorage[customerSpace{customer, 0}]
	if !exists {
		return nil, fmt.Errorf("customer storage for %d not found", customer)
	}
	totalsCopy := *totals
	return &totalsCopy, nil
}

// Policy operations

func (r *Repository) GetThumbnailPolicy(ctx context.Context, id string) (*engine.ThumbnailPolicy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	policy, exists := r.thumbnailPolicies[id]
	if !exists {
		return nil, fmt.Errorf("%w: thumbnail policy %q", engine.ErrPolicyNotFound, id)
	}
	policyCopy := *policy
	policyCopy.Sizes = append([]int(nil), policy.Sizes...)
	return &policyCopy, nil
}

// GetImageOptimisationPolicy prefers the customer's own policy over a global one.
func (r *Repository) GetImageOptimisationPolicy(ctx context.Context, id string, customer int) (*engine.ImageOptimisationPolicy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var found *engine.ImageOptimisationPolicy
	for _, policy := range r.optimisationPolicies[id] {
		if policy.Customer == customer {
			found = policy
			break
		}
		if policy.Global && found == nil {
			found = policy
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: image optimisation policy %q", engine.ErrPolicyNotFound, id)
	}
	policyCopy := *found
	policyCopy.TechnicalDetails = append([]string(nil), found.TechnicalDetails...)
	return &policyCopy, nil
}

func (r *Repository) GetCustomerOriginStrategies(ctx context.Context, customer int) ([]*engine.CustomerOriginStrategy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	strategies := make([]*engine.CustomerOriginStrategy, 0, len(r.originStrategies[customer]))
	for _, s := range r.originStrategies[customer] {
		strategyCopy := *s
		strategies = append(strategies, &strategyCopy)
	}
	sort.SliceStable(strategies, func(i, j int) bool { return strategies[i].Order < strategies[j].Order })
	return strategies, nil
}

// Queue operations

func (r *Repository) IncrementQueueCount(ctx context.Context, customer int, name string, by int) error {
	return r.adjustQueue(customer, name, by)
}

func (r *Repository) DecrementQueueCount(ctx context.Context, customer int, name string, by int) error {
	return r.adjustQueue(customer, name, -by)
}

func (r *Repository) adjustQueue(customer int, name string, by int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := queueKey{customer, name}
	queue, exists := r.queues[key]
	if !exists {
		queue = &engine.CustomerQueue{Customer: customer, Name: name}
		r.queues[key] = queue
	}
	queue.Size += by
	if queue.Size < 0 {
		queue.Size = 0
	}
	return nil
}

// GetQueueCount returns the in-flight count for a customer's queue.
func (r *Repository) GetQueueCount(ctx context.Context, customer int, name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if queue, exists := r.queues[queueKey{customer, name}]; exists {
		return queue.Size
	}
	return 0
}
