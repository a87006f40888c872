package policy_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dlcs/protagonist-sub004/pkg/engine"
	"github.com/dlcs/protagonist-sub004/pkg/engine/policy"
)

// MockPolicyRepository is a mock implementation of engine.PolicyRepository
type MockPolicyRepository struct {
	mock.Mock
}

func (m *MockPolicyRepository) GetThumbnailPolicy(ctx context.Context, id string) (*engine.ThumbnailPolicy, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*engine.ThumbnailPolicy), args.Error(1)
}

func (m *MockPolicyRepository) GetImageOptimisationPolicy(ctx context.Context, id string, customer int) (*engine.ImageOptimisationPolicy, error) {
	args := m.Called(ctx, id, customer)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*engine.ImageOptimisationPolicy), args.Error(1)
}

func TestCachedRepository_Thumbnails(t *testing.T) {
	ctx := context.Background()
	next := new(MockPolicyRepository)
	next.On("GetThumbnailPolicy", mock.Anything, "default").
		Return(&engine.ThumbnailPolicy{ID: "default", Sizes: []int{100, 200}}, nil).Once()
	next.On("GetThumbnailPolicy", mock.Anything, "missing").
		Return(nil, engine.ErrPolicyNotFound).Twice()

	cache := policy.NewCachedRepository(next, time.Minute)

	for i := 0; i < 3; i++ {
		got, err := cache.GetThumbnailPolicy(ctx, "default")
		require.NoError(t, err)
		assert.Equal(t, []int{100, 200}, got.Sizes)
		got.Sizes[0] = 999
	}

	for i := 0; i < 2; i++ {
		_, err := cache.GetThumbnailPolicy(ctx, "missing")
		assert.ErrorIs(t, err, engine.ErrPolicyNotFound, "misses are not cached")
	}

	next.AssertExpectations(t)
}

func TestCachedRepository_OptimisationPerCustomer(t *testing.T) {
	ctx := context.Background()
	next := new(MockPolicyRepository)
	next.On("GetImageOptimisationPolicy", mock.Anything, "fast", 1).
		Return(&engine.ImageOptimisationPolicy{ID: "fast", Customer: 1, TechnicalDetails: []string{"custom"}}, nil).Once()
	next.On("GetImageOptimisationPolicy", mock.Anything, "fast", 2).
		Return(&engine.ImageOptimisationPolicy{ID: "fast", Global: true, TechnicalDetails: []string{"global"}}, nil).Once()

	cache := policy.NewCachedRepository(next, 0)

	for i := 0; i < 2; i++ {
		one, err := cache.GetImageOptimisationPolicy(ctx, "fast", 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"custom"}, one.TechnicalDetails)

		two, err := cache.GetImageOptimisationPolicy(ctx, "fast", 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"global"}, two.TechnicalDetails)
	}

	next.AssertExpectations(t)
}

func TestCachedRepository_Expiry(t *testing.T) {
	ctx := context.Background()
	next := new(MockPolicyRepository)
	next.On("GetThumbnailPolicy", mock.Anything, "default").
		Return(&engine.ThumbnailPolicy{ID: "default"}, nil).Twice()

	cache := policy.NewCachedRepository(next, 20*time.Millisecond)
	cache.Start()
	defer cache.Stop()

	_, err := cache.GetThumbnailPolicy(ctx, "default")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = cache.GetThumbnailPolicy(ctx, "default")
	require.NoError(t, err)

	next.AssertExpectations(t)
}
