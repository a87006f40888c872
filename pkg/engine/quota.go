package engine

// MinimumAssetSize is the probe size used for the pre-flight quota check,
// before the real origin size is known.
const MinimumAssetSize int64 = 100

// StorageMetrics is a snapshot of a customer's storage policy and usage.
type StorageMetrics struct {
	Policy          StoragePolicy
	CustomerStorage CustomerStorage
}

// CanStoreAssetSize reports whether replacing an asset currently consuming
// existingSize bytes with one of proposedSize bytes keeps the customer within
// its total-size cap.
func (m *StorageMetrics) CanStoreAssetSize(proposedSize, existingSize int64) bool {
	return m.CustomerStorage.TotalSizeOfStoredImages-existingSize+proposedSize <= m.Policy.MaximumTotalSizeOfStoredImages
}

// AssetSizeChecker decides whether storage quotas apply and whether a fetched
// origin breaches them.
type AssetSizeChecker interface {
	CustomerHasNoStorageCheck(customer int) bool

	// DoesAssetFromOriginExceedAllowance sets asset.Error and returns true when
	// the fetched origin was flagged as exceeding the customer's allowance.
	DoesAssetFromOriginExceedAllowance(origin *AssetFromOrigin, asset *Asset) bool
}

// SizeChecker is the configuration-driven AssetSizeChecker.
type SizeChecker struct {
	noStorageCheck map[int]struct{}
}

// NewSizeChecker creates a SizeChecker exempting the given customers from storage checks.
func NewSizeChecker(customersWithoutStorageCheck ...int) *SizeChecker {
	c := &SizeChecker{noStorageCheck: make(map[int]struct{}, len(customersWithoutStorageCheck))}
	for _, customer := range customersWithoutStorageCheck {
		c.noStorageCheck[customer] = struct{}{}
	}
	return c
}

// CustomerHasNoStorageCheck reports whether the customer is exempt from quota checks.
func (c *SizeChecker) CustomerHasNoStorageCheck(customer int) bool {
	_, ok := c.noStorageCheck[customer]
	return ok
}

// DoesAssetFromOriginExceedAllowance implements AssetSizeChecker.
func (c *SizeChecker) DoesAssetFromOriginExceedAllowance(origin *AssetFromOrigin, asset *Asset) bool {
	if origin == nil || !origin.FileExceedsAllowance {
		return false
	}
	asset.Error = ErrorStoragePolicyExceeded
	return true
}
