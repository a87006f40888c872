package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dlcs/protagonist-sub004/pkg/engine"
	"github.com/dlcs/protagonist-sub004/pkg/engine/repo/memory"
)

// stubWorker returns a fixed status and records how it was called.
type stubWorker struct {
	mu         sync.Mutex
	status     engine.IngestResultStatus
	err        error
	storage    int64
	calls      int
	preIngest  int64
	postIngest []bool
	onIngest   func(ictx *engine.IngestionContext)
}

func (w *stubWorker) Ingest(ctx context.Context, ictx *engine.IngestionContext, strategy *engine.CustomerOriginStrategy) (engine.IngestResultStatus, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	w.preIngest = ictx.PreIngestionAssetSize
	if w.storage > 0 {
		ictx.WithStorage(w.storage, 0)
	}
	if w.onIngest != nil {
		w.onIngest(ictx)
	}
	return w.status, w.err
}

func (w *stubWorker) PostIngest(ctx context.Context, ictx *engine.IngestionContext, succeeded bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.postIngest = append(w.postIngest, succeeded)
}

// plainWorker has no post-processing step.
type plainWorker struct {
	status engine.IngestResultStatus
	calls  int
}

func (w *plainWorker) Ingest(ctx context.Context, ictx *engine.IngestionContext, strategy *engine.CustomerOriginStrategy) (engine.IngestResultStatus, error) {
	w.calls++
	return w.status, nil
}

// MockStorageRepository is a mock implementation of engine.StorageRepository
type MockStorageRepository struct {
	mock.Mock
}

func (m *MockStorageRepository) GetStorageMetrics(ctx context.Context, customer int) (*engine.StorageMetrics, error) {
	args := m.Called(ctx, customer)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*engine.StorageMetrics), args.Error(1)
}

func (m *MockStorageRepository) GetImageStorage(ctx context.Context, id engine.AssetID) (*engine.ImageStorage, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*engine.ImageStorage), args.Error(1)
}

// MockAssetRepository is a mock implementation of engine.AssetRepository
type MockAssetRepository struct {
	mock.Mock
}

func (m *MockAssetRepository) GetAsset(ctx context.Context, id engine.AssetID) (*engine.Asset, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*engine.Asset), args.Error(1)
}

func (m *MockAssetRepository) BeginTx(ctx context.Context) (engine.Tx, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(engine.Tx), args.Error(1)
}

func (m *MockAssetRepository) UpdateIngestedAsset(ctx context.Context, tx engine.Tx, asset *engine.Asset, location *engine.ImageLocation, storage *engine.ImageStorage, ingestFinished bool) (bool, error) {
	args := m.Called(ctx, tx, asset, location, storage, ingestFinished)
	return args.Bool(0), args.Error(1)
}

func channels(names ...string) []engine.DeliveryChannel {
	dcs := make([]engine.DeliveryChannel, 0, len(names))
	for _, name := range names {
		dcs = append(dcs, engine.DeliveryChannel{Channel: name})
	}
	return dcs
}

func newAsset(repo *memory.Repository, name, mediaType string, dcs ...string) *engine.Asset {
	asset := &engine.Asset{
		ID:               engine.NewAssetID(99, 1, name),
		Family:           engine.FamilyImage,
		MediaType:        mediaType,
		Origin:           "https://example.org/" + name,
		DeliveryChannels: channels(dcs...),
	}
	repo.PutAsset(asset)
	asset.MarkAsIngesting()
	return asset
}

func newExecutor(t *testing.T, repo *memory.Repository, registry *engine.WorkerRegistry, options ...engine.ExecutorOption) *engine.Executor {
	t.Helper()
	opts := append([]engine.ExecutorOption{
		engine.WithWorkers(registry),
		engine.WithAssetRepository(repo),
		engine.WithStorageRepository(repo),
	}, options...)
	executor, err := engine.NewExecutor(opts...)
	require.NoError(t, err)
	return executor
}

func TestNewExecutor(t *testing.T) {
	repo := memory.New()

	tests := []struct {
		name        string
		options     []engine.ExecutorOption
		expectError bool
	}{
		{name: "no options should fail", expectError: true},
		{
			name:        "missing storage repository should fail",
			options:     []engine.ExecutorOption{engine.WithWorkers(engine.NewWorkerRegistry()), engine.WithAssetRepository(repo)},
			expectError: true,
		},
		{
			name: "all collaborators should succeed",
			options: []engine.ExecutorOption{
				engine.WithWorkers(engine.NewWorkerRegistry()),
				engine.WithAssetRepository(repo),
				engine.WithStorageRepository(repo),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			executor, err := engine.NewExecutor(tt.options...)
			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, executor)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, executor)
			}
		})
	}
}

func TestExecutor_NoneChannelShortCircuit(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	image := &stubWorker{status: engine.StatusSuccess}
	registry := engine.NewWorkerRegistry().Register(engine.WorkerImage, image)

	storage := new(MockStorageRepository)
	executor, err := engine.NewExecutor(
		engine.WithWorkers(registry),
		engine.WithAssetRepository(repo),
		engine.WithStorageRepository(storage),
	)
	require.NoError(t, err)

	asset := newAsset(repo, "none", "image/jpeg", engine.ChannelNone)
	result, err := executor.IngestAsset(ctx, asset, nil)
	require.NoError(t, err)

	assert.Equal(t, engine.StatusSuccess, result.Status)
	assert.Same(t, asset, result.Asset)
	assert.Zero(t, image.calls)
	storage.AssertNotCalled(t, "GetStorageMetrics", mock.Anything, mock.Anything)

	record, err := repo.GetImageStorage(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), record.Size)
	assert.Equal(t, int64(0), record.ThumbnailSize)

	stored, err := repo.GetAsset(ctx, asset.ID)
	require.NoError(t, err)
	assert.False(t, stored.Ingesting)
	assert.NotNil(t, stored.Finished)
}

func TestExecutor_FailedStopsPipeline(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	file := &stubWorker{status: engine.StatusFailed}
	image := &stubWorker{status: engine.StatusSuccess}
	registry := engine.NewWorkerRegistry().
		Register(engine.WorkerFile, file).
		Register(engine.WorkerImage, image)
	executor := newExecutor(t, repo, registry)

	asset := newAsset(repo, "failing", "image/jpeg", engine.ChannelFile, engine.ChannelImage)
	result, err := executor.IngestAsset(ctx, asset, nil)
	require.NoError(t, err)

	assert.Equal(t, engine.StatusFailed, result.Status)
	assert.Equal(t, 1, file.calls)
	assert.Zero(t, image.calls, "workers after a failure never run")
	assert.Equal(t, []bool{false}, file.postIngest)
	assert.Equal(t, []bool{false}, image.postIngest, "post-processing runs for every selected worker")

	stored, err := repo.GetAsset(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.ErrorIngestFailed, stored.Error)
	assert.NotNil(t, stored.Finished)
}

func TestExecutor_StatusMerge(t *testing.T) {
	tests := []struct {
		name       string
		file       engine.IngestResultStatus
		image      engine.IngestResultStatus
		want       engine.IngestResultStatus
		imageCalls int
		finished   bool
	}{
		{name: "queued then success stays queued", file: engine.StatusQueuedForProcessing, image: engine.StatusSuccess, want: engine.StatusQueuedForProcessing, imageCalls: 1},
		{name: "success then queued is queued", file: engine.StatusSuccess, image: engine.StatusQueuedForProcessing, want: engine.StatusQueuedForProcessing, imageCalls: 1},
		{name: "success then success", file: engine.StatusSuccess, image: engine.StatusSuccess, want: engine.StatusSuccess, imageCalls: 1, finished: true},
		{name: "queued then failed is failed", file: engine.StatusQueuedForProcessing, image: engine.StatusFailed, want: engine.StatusFailed, imageCalls: 1, finished: true},
		{name: "storage limit stops", file: engine.StatusStorageLimitExceeded, image: engine.StatusSuccess, want: engine.StatusStorageLimitExceeded, finished: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			repo := memory.New()
			file := &stubWorker{status: tt.file}
			image := &stubWorker{status: tt.image}
			registry := engine.NewWorkerRegistry().
				Register(engine.WorkerFile, file).
				Register(engine.WorkerImage, image)
			executor := newExecutor(t, repo, registry)

			asset := newAsset(repo, "merge", "image/jpeg", engine.ChannelFile, engine.ChannelImage)
			result, err := executor.IngestAsset(ctx, asset, nil)
			require.NoError(t, err)

			assert.Equal(t, tt.want, result.Status)
			assert.Equal(t, tt.imageCalls, image.calls)

			stored, err := repo.GetAsset(ctx, asset.ID)
			require.NoError(t, err)
			if tt.finished {
				assert.NotNil(t, stored.Finished)
				assert.False(t, stored.Ingesting)
			} else {
				assert.Nil(t, stored.Finished, "a queued asset is not finished")
				assert.True(t, stored.Ingesting)
			}

			wantSucceeded := tt.want.IsSuccessful()
			assert.Equal(t, []bool{wantSucceeded}, file.postIngest)
			assert.Equal(t, []bool{wantSucceeded}, image.postIngest)
		})
	}
}

func TestExecutor_QuotaPreCheck(t *testing.T) {
	ctx := context.Background()

	t.Run("CannotStoreMinimumSize", func(t *testing.T) {
		repo := memory.New()
		repo.PutStoragePolicy(&engine.StoragePolicy{ID: "tiny", MaximumNumberOfStoredImages: 10, MaximumTotalSizeOfStoredImages: 1000})
		repo.PutCustomerStorage(&engine.CustomerStorage{Customer: 99, StoragePolicy: "tiny", TotalSizeOfStoredImages: 950})
		image := &stubWorker{status: engine.StatusSuccess}
		executor := newExecutor(t, repo, engine.NewWorkerRegistry().Register(engine.WorkerImage, image))

		asset := newAsset(repo, "over", "image/jpeg", engine.ChannelImage)
		result, err := executor.IngestAsset(ctx, asset, nil)
		require.NoError(t, err)

		assert.Equal(t, engine.StatusStorageLimitExceeded, result.Status)
		assert.Zero(t, image.calls)

		stored, err := repo.GetAsset(ctx, asset.ID)
		require.NoError(t, err)
		assert.Equal(t, engine.ErrorStoragePolicyExceeded, stored.Error)
		assert.NotNil(t, stored.Finished, "quota failures are finished, not left ingesting")
	})

	t.Run("ReplacementCountsExistingSize", func(t *testing.T) {
		repo := memory.New()
		repo.PutStoragePolicy(&engine.StoragePolicy{ID: "tiny", MaximumNumberOfStoredImages: 10, MaximumTotalSizeOfStoredImages: 1000})
		repo.PutCustomerStorage(&engine.CustomerStorage{Customer: 99, StoragePolicy: "tiny", TotalSizeOfStoredImages: 950})
		image := &stubWorker{status: engine.StatusSuccess}
		executor := newExecutor(t, repo, engine.NewWorkerRegistry().Register(engine.WorkerImage, image))

		asset := newAsset(repo, "replace", "image/jpeg", engine.ChannelImage)
		repo.PutImageStorage(&engine.ImageStorage{ID: asset.ID, Size: 500})

		result, err := executor.IngestAsset(ctx, asset, nil)
		require.NoError(t, err)
		assert.Equal(t, engine.StatusSuccess, result.Status)
		assert.Equal(t, 1, image.calls)
		assert.Equal(t, int64(500), image.preIngest)
	})

	t.Run("ExemptCustomerSkipsMetrics", func(t *testing.T) {
		repo := memory.New()
		image := &stubWorker{status: engine.StatusSuccess, storage: 1 << 40}
		storage := new(MockStorageRepository)
		executor, err := engine.NewExecutor(
			engine.WithWorkers(engine.NewWorkerRegistry().Register(engine.WorkerImage, image)),
			engine.WithAssetRepository(repo),
			engine.WithStorageRepository(storage),
			engine.WithSizeChecker(engine.NewSizeChecker(99)),
		)
		require.NoError(t, err)

		asset := newAsset(repo, "exempt", "image/jpeg", engine.ChannelImage)
		result, err := executor.IngestAsset(ctx, asset, nil)
		require.NoError(t, err)

		assert.Equal(t, engine.StatusSuccess, result.Status)
		storage.AssertNotCalled(t, "GetStorageMetrics", mock.Anything, mock.Anything)
		storage.AssertNotCalled(t, "GetImageStorage", mock.Anything, mock.Anything)
	})

	t.Run("MetricsErrorFails", func(t *testing.T) {
		repo := memory.New()
		storage := new(MockStorageRepository)
		storage.On("GetStorageMetrics", mock.Anything, 99).Return(nil, errors.New("db down"))
		executor, err := engine.NewExecutor(
			engine.WithWorkers(engine.NewWorkerRegistry()),
			engine.WithAssetRepository(repo),
			engine.WithStorageRepository(storage),
		)
		require.NoError(t, err)

		asset := newAsset(repo, "metrics", "image/jpeg", engine.ChannelImage)
		result, err := executor.IngestAsset(ctx, asset, nil)
		assert.Error(t, err)
		assert.Equal(t, engine.StatusFailed, result.Status)
		storage.AssertExpectations(t)
	})
}

func TestExecutor_CommitFailureForcesFailed(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	image := &stubWorker{status: engine.StatusSuccess}

	tests := []struct {
		name string
		ok   bool
		err  error
	}{
		{name: "error", ok: false, err: errors.New("serialization failure")},
		{name: "no rows", ok: false, err: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			image.postIngest = nil
			assets := new(MockAssetRepository)
			assets.On("UpdateIngestedAsset", mock.Anything, nil, mock.Anything, mock.Anything, mock.Anything, true).Return(tt.ok, tt.err)

			executor, err := engine.NewExecutor(
				engine.WithWorkers(engine.NewWorkerRegistry().Register(engine.WorkerImage, image)),
				engine.WithAssetRepository(assets),
				engine.WithStorageRepository(repo),
			)
			require.NoError(t, err)

			asset := &engine.Asset{ID: engine.NewAssetID(99, 1, "commit"), MediaType: "image/png", DeliveryChannels: channels(engine.ChannelImage)}
			result, err := executor.IngestAsset(ctx, asset, nil)
			require.NoError(t, err)

			assert.Equal(t, engine.StatusFailed, result.Status)
			assert.Equal(t, []bool{false}, image.postIngest)
			assets.AssertExpectations(t)
		})
	}
}

func TestExecutor_WorkerError(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	image := &stubWorker{err: errors.New("boom")}
	executor := newExecutor(t, repo, engine.NewWorkerRegistry().Register(engine.WorkerImage, image))

	asset := newAsset(repo, "error", "image/jpeg", engine.ChannelImage)
	result, err := executor.IngestAsset(ctx, asset, nil)
	require.Error(t, err)

	var assetErr *engine.AssetError
	require.ErrorAs(t, err, &assetErr)
	assert.Equal(t, asset.ID, assetErr.AssetID)
	assert.Equal(t, engine.StatusFailed, result.Status)

	stored, err := repo.GetAsset(ctx, asset.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.Finished, "nothing is committed when a worker errors")
}

func TestExecutor_UnknownWorker(t *testing.T) {
	repo := memory.New()
	executor := newExecutor(t, repo, engine.NewWorkerRegistry())

	asset := newAsset(repo, "unknown", "video/mp4", engine.ChannelTimebased)
	result, err := executor.IngestAsset(context.Background(), asset, nil)
	assert.ErrorIs(t, err, engine.ErrUnknownWorker)
	assert.Equal(t, engine.StatusFailed, result.Status)
}

func TestExecutor_Cancelled(t *testing.T) {
	repo := memory.New()
	image := &stubWorker{status: engine.StatusSuccess}
	executor := newExecutor(t, repo, engine.NewWorkerRegistry().Register(engine.WorkerImage, image))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	asset := newAsset(repo, "cancelled", "image/jpeg", engine.ChannelImage)
	result, err := executor.IngestAsset(ctx, asset, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, engine.StatusFailed, result.Status)
	assert.Zero(t, image.calls)
}

func TestExecutor_CancelledDuringWorker(t *testing.T) {
	tests := []struct {
		name      string
		status    engine.IngestResultStatus
		laterRuns int
	}{
		{name: "worker reports failure", status: engine.StatusFailed},
		{name: "worker reports success", status: engine.StatusSuccess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := memory.New()
			repo.PutBatch(&engine.Batch{ID: 5, Customer: 99, Count: 1})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			file := &stubWorker{status: tt.status, onIngest: func(ictx *engine.IngestionContext) {
				cancel()
				if tt.status == engine.StatusFailed {
					ictx.Asset.Error = "Failed to fetch origin: context canceled"
				}
			}}
			image := &stubWorker{status: engine.StatusSuccess}
			registry := engine.NewWorkerRegistry().
				Register(engine.WorkerFile, file).
				Register(engine.WorkerImage, image)
			executor := newExecutor(t, repo, registry)

			asset := &engine.Asset{
				ID:               engine.NewAssetID(99, 1, "cancelled-mid-worker"),
				Family:           engine.FamilyImage,
				MediaType:        "image/jpeg",
				Origin:           "https://example.org/cancelled-mid-worker",
				Batch:            5,
				DeliveryChannels: channels(engine.ChannelFile, engine.ChannelImage),
			}
			repo.PutAsset(asset)
			asset.MarkAsIngesting()

			result, err := executor.IngestAsset(ctx, asset, nil)
			assert.ErrorIs(t, err, context.Canceled)
			assert.Equal(t, engine.StatusFailed, result.Status)
			assert.Equal(t, 1, file.calls)
			assert.Equal(t, tt.laterRuns, image.calls)
			assert.Equal(t, []bool{false}, file.postIngest)

			stored, err := repo.GetAsset(context.Background(), asset.ID)
			require.NoError(t, err)
			assert.Nil(t, stored.Finished)
			assert.Empty(t, stored.Error)

			batch, err := repo.GetBatch(context.Background(), 5)
			require.NoError(t, err)
			assert.Zero(t, batch.Errors)
			assert.Zero(t, batch.Completed)
			assert.Nil(t, batch.Finished)
		})
	}
}

func TestExecutor_PostProcessOnlyForImplementers(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	file := &plainWorker{status: engine.StatusSuccess}
	image := &stubWorker{status: engine.StatusSuccess, storage: 100}
	registry := engine.NewWorkerRegistry().
		Register(engine.WorkerFile, file).
		Register(engine.WorkerImage, image)
	executor := newExecutor(t, repo, registry)

	asset := newAsset(repo, "post", "image/jpeg", engine.ChannelFile, engine.ChannelImage)
	result, err := executor.IngestAsset(ctx, asset, nil)
	require.NoError(t, err)

	assert.Equal(t, engine.StatusSuccess, result.Status)
	assert.Equal(t, 1, file.calls)
	assert.Equal(t, []bool{true}, image.postIngest)

	record, err := repo.GetImageStorage(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), record.Size)
}
