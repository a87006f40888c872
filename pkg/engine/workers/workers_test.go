package workers_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlcs/protagonist-sub004/pkg/engine"
	"github.com/dlcs/protagonist-sub004/pkg/engine/objectkey"
	"github.com/dlcs/protagonist-sub004/pkg/engine/origin"
	memoryrepo "github.com/dlcs/protagonist-sub004/pkg/engine/repo/memory"
	memorystorage "github.com/dlcs/protagonist-sub004/pkg/engine/storage/memory"
	"github.com/dlcs/protagonist-sub004/pkg/engine/workers"
)

const originBody = "origin-bytes-0123456789"

type testEnv struct {
	repo      *memoryrepo.Repository
	transient *memorystorage.Backend
	store     *memorystorage.Backend
	deps      workers.Dependencies
	originURL string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	originServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/missing") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte(originBody))
	}))
	t.Cleanup(originServer.Close)

	env := &testEnv{
		repo:      memoryrepo.New(),
		transient: memorystorage.New(),
		store:     memorystorage.New(),
		originURL: originServer.URL + "/origin.jpg",
	}

	fetcher, err := origin.New(
		origin.WithTransientStore(env.transient),
		origin.WithStorageRepository(env.repo),
	)
	require.NoError(t, err)

	env.deps = workers.Dependencies{
		Fetcher: fetcher,
		Store:   env.store,
		Layout:  objectkey.NewLayout(""),
	}
	return env
}

func (e *testEnv) asset(name string) *engine.Asset {
	return &engine.Asset{
		ID:        engine.NewAssetID(99, 1, name),
		Origin:    e.originURL,
		MediaType: "image/jpeg",
	}
}

func TestDependencies_Required(t *testing.T) {
	_, err := workers.NewFileWorker(workers.Dependencies{})
	assert.Error(t, err)

	env := newTestEnv(t)
	_, err = workers.NewImageWorker(env.deps, nil)
	assert.Error(t, err)
	_, err = workers.NewTimebasedWorker(env.deps, nil)
	assert.Error(t, err)
}

func TestFileWorker(t *testing.T) {
	ctx := context.Background()

	t.Run("CopiesOriginal", func(t *testing.T) {
		env := newTestEnv(t)
		worker, err := workers.NewFileWorker(env.deps)
		require.NoError(t, err)

		ictx := engine.NewIngestionContext(env.asset("file"))
		status, err := worker.Ingest(ctx, ictx, nil)
		require.NoError(t, err)
		assert.Equal(t, engine.StatusSuccess, status)

		assert.Equal(t, "memory://99/1/file/original", ictx.ImageLocation.S3)
		assert.Equal(t, int64(len(originBody)), ictx.ImageStorage.Size)

		rc, err := env.store.Download(ctx, "99/1/file/original")
		require.NoError(t, err)
		data, _ := io.ReadAll(rc)
		_ = rc.Close()
		assert.Equal(t, originBody, string(data))

		worker.PostIngest(ctx, ictx, true)
		assert.Empty(t, env.transient.Keys())
	})

	t.Run("OptimisedOriginInPlace", func(t *testing.T) {
		env := newTestEnv(t)
		worker, err := workers.NewFileWorker(env.deps)
		require.NoError(t, err)

		asset := env.asset("optimised")
		asset.Origin = "s3://origins/optimised.jpg"
		ictx := engine.NewIngestionContext(asset)
		strategy := &engine.CustomerOriginStrategy{Strategy: engine.OriginStrategyS3Ambient, Optimised: true}

		status, err := worker.Ingest(ctx, ictx, strategy)
		require.NoError(t, err)
		assert.Equal(t, engine.StatusSuccess, status)
		assert.Equal(t, "s3://origins/optimised.jpg", ictx.ImageLocation.S3)
		assert.Equal(t, int64(0), ictx.ImageStorage.Size)
		assert.Empty(t, env.store.Keys())
		assert.Empty(t, env.transient.Keys())
	})

	t.Run("KeepsExistingLocation", func(t *testing.T) {
		env := newTestEnv(t)
		worker, err := workers.NewFileWorker(env.deps)
		require.NoError(t, err)

		ictx := engine.NewIngestionContext(env.asset("existing"))
		ictx.WithLocation("s3://derivatives/existing", "")

		_, err = worker.Ingest(ctx, ictx, nil)
		require.NoError(t, err)
		assert.Equal(t, "s3://derivatives/existing", ictx.ImageLocation.S3)
	})

	t.Run("OriginNotFound", func(t *testing.T) {
		env := newTestEnv(t)
		worker, err := workers.NewFileWorker(env.deps)
		require.NoError(t, err)

		asset := env.asset("missing")
		asset.Origin = strings.TrimSuffix(env.originURL, "/origin.jpg") + "/missing"
		ictx := engine.NewIngestionContext(asset)

		status, err := worker.Ingest(ctx, ictx, nil)
		require.NoError(t, err)
		assert.Equal(t, engine.StatusFailed, status)
		assert.Contains(t, asset.Error, "origin not found")
		assert.Nil(t, ictx.ImageLocation)
	})

	t.Run("RealSizeExceedsAllowance", func(t *testing.T) {
		env := newTestEnv(t)
		env.repo.PutStoragePolicy(&engine.StoragePolicy{ID: "tiny", MaximumNumberOfStoredImages: 10, MaximumTotalSizeOfStoredImages: 10})
		env.repo.PutCustomerStorage(&engine.CustomerStorage{Customer: 99, StoragePolicy: "tiny"})
		worker, err := workers.NewFileWorker(env.deps)
		require.NoError(t, err)

		asset := env.asset("big")
		ictx := engine.NewIngestionContext(asset)
		status, err := worker.Ingest(ctx, ictx, nil)
		require.NoError(t, err)
		assert.Equal(t, engine.StatusStorageLimitExceeded, status)
		assert.Equal(t, engine.ErrorStoragePolicyExceeded, asset.Error)
		assert.Empty(t, env.store.Keys())
	})
}

type processorStub struct {
	mu       sync.Mutex
	requests []workers.ConvertRequest
	fail     bool
}

func (p *processorStub) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/convert", r.URL.Path)

		var req workers.ConvertRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		p.mu.Lock()
		p.requests = append(p.requests, req)
		p.mu.Unlock()

		if p.fail {
			http.Error(w, "cannot decode image", http.StatusUnprocessableEntity)
			return
		}
		_ = json.NewEncoder(w).Encode(workers.ConvertResponse{Width: 1024, Height: 768, DerivativeSize: 4096, ThumbnailSize: 512})
	})
}

func TestImageWorker(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, stub *processorStub) (*testEnv, *workers.ImageWorker) {
		env := newTestEnv(t)
		server := httptest.NewServer(stub.handler(t))
		t.Cleanup(server.Close)
		client, err := workers.NewProcessorClient(server.URL+"/", nil)
		require.NoError(t, err)
		worker, err := workers.NewImageWorker(env.deps, client)
		require.NoError(t, err)
		return env, worker
	}

	t.Run("ConvertsWithPolicies", func(t *testing.T) {
		stub := &processorStub{}
		env, worker := setup(t, stub)

		asset := env.asset("image")
		asset.FullThumbnailPolicy = &engine.ThumbnailPolicy{ID: "small", Sizes: []int{150, 300}}
		asset.FullImageOptimisationPolicy = &engine.ImageOptimisationPolicy{ID: "fast-higher", TechnicalDetails: []string{"kdu_max"}}
		ictx := engine.NewIngestionContext(asset)

		status, err := worker.Ingest(ctx, ictx, nil)
		require.NoError(t, err)
		assert.Equal(t, engine.StatusSuccess, status)

		require.Len(t, stub.requests, 1)
		req := stub.requests[0]
		assert.Equal(t, []int{150, 300}, req.ThumbnailSizes)
		assert.Equal(t, []string{"kdu_max"}, req.TechnicalDetails)
		assert.Equal(t, "memory://99/1/image/derivative", req.Destination)
		assert.Equal(t, "memory://99/1/image/thumbs/", req.ThumbnailsPrefix)
		assert.Equal(t, ictx.AssetFromOrigin.Location, req.Origin)
		assert.False(t, req.UseOriginal)

		assert.Equal(t, 1024, asset.Width)
		assert.Equal(t, 768, asset.Height)
		assert.Equal(t, "memory://99/1/image/derivative", ictx.ImageLocation.S3)
		assert.Equal(t, int64(4096), ictx.ImageStorage.Size)
		assert.Equal(t, int64(512), ictx.ImageStorage.ThumbnailSize)

		require.Len(t, env.transient.Keys(), 1)
		worker.PostIngest(ctx, ictx, true)
		assert.Empty(t, env.transient.Keys())
	})

	t.Run("DefaultThumbnailSizes", func(t *testing.T) {
		stub := &processorStub{}
		env, worker := setup(t, stub)

		_, err := worker.Ingest(ctx, engine.NewIngestionContext(env.asset("defaults")), nil)
		require.NoError(t, err)
		require.Len(t, stub.requests, 1)
		assert.Equal(t, workers.DefaultThumbnailSizes, stub.requests[0].ThumbnailSizes)
	})

	t.Run("UseOriginal", func(t *testing.T) {
		stub := &processorStub{}
		env, worker := setup(t, stub)

		asset := env.asset("original")
		asset.FullImageOptimisationPolicy = &engine.ImageOptimisationPolicy{ID: engine.ImageOptimisationPolicyUseOriginal}
		ictx := engine.NewIngestionContext(asset)
		strategy := &engine.CustomerOriginStrategy{Strategy: engine.OriginStrategyDefault, Optimised: true}

		status, err := worker.Ingest(ctx, ictx, strategy)
		require.NoError(t, err)
		assert.Equal(t, engine.StatusSuccess, status)
		assert.True(t, stub.requests[0].UseOriginal)
		assert.Empty(t, stub.requests[0].Destination)
		assert.Equal(t, asset.Origin, ictx.ImageLocation.S3)
		assert.Equal(t, int64(len(originBody)), ictx.ImageStorage.Size)
	})

	t.Run("ProcessorFailure", func(t *testing.T) {
		stub := &processorStub{fail: true}
		env, worker := setup(t, stub)

		asset := env.asset("broken")
		ictx := engine.NewIngestionContext(asset)
		status, err := worker.Ingest(ctx, ictx, nil)
		require.NoError(t, err)
		assert.Equal(t, engine.StatusFailed, status)
		assert.Contains(t, asset.Error, "cannot decode image")
		assert.Nil(t, ictx.ImageLocation)
	})

	t.Run("ReusesFetchedOrigin", func(t *testing.T) {
		stub := &processorStub{}
		env, worker := setup(t, stub)
		fileWorker, err := workers.NewFileWorker(env.deps)
		require.NoError(t, err)

		ictx := engine.NewIngestionContext(env.asset("both"))
		_, err = fileWorker.Ingest(ctx, ictx, nil)
		require.NoError(t, err)
		_, err = worker.Ingest(ctx, ictx, nil)
		require.NoError(t, err)

		assert.Len(t, env.transient.Keys(), 1, "origin fetched once")
		assert.Equal(t, "memory://99/1/both/derivative", ictx.ImageLocation.S3, "derivative wins over original")
		assert.Equal(t, int64(len(originBody))+4096, ictx.ImageStorage.Size)
	})
}

type transcoderStub struct {
	mu        sync.Mutex
	submitted []workers.TranscodeJobRequest
	cancelled []string
}

func (s *transcoderStub) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/jobs":
			var req workers.TranscodeJobRequest
			if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			s.submitted = append(s.submitted, req)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(workers.TranscodeJob{ID: "job-1", Status: "submitted"})
		case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/jobs/"):
			s.cancelled = append(s.cancelled, strings.TrimPrefix(r.URL.Path, "/jobs/"))
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	})
}

func TestTimebasedWorker(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*testEnv, *transcoderStub, *workers.TimebasedWorker) {
		env := newTestEnv(t)
		stub := &transcoderStub{}
		server := httptest.NewServer(stub.handler(t))
		t.Cleanup(server.Close)
		client, err := workers.NewTranscoderClient(server.URL, nil)
		require.NoError(t, err)
		worker, err := workers.NewTimebasedWorker(env.deps, client)
		require.NoError(t, err)
		return env, stub, worker
	}

	video := func(env *testEnv) *engine.Asset {
		asset := env.asset("av")
		asset.MediaType = "video/mp4"
		return asset
	}

	t.Run("SubmitsJob", func(t *testing.T) {
		env, stub, worker := setup(t)

		ictx := engine.NewIngestionContext(video(env))
		status, err := worker.Ingest(ctx, ictx, nil)
		require.NoError(t, err)
		assert.Equal(t, engine.StatusQueuedForProcessing, status)
		assert.Equal(t, "job-1", ictx.Values[workers.ValueTranscodeJobID])

		require.Len(t, stub.submitted, 1)
		req := stub.submitted[0]
		assert.Equal(t, "99/1/av", req.AssetID)
		require.Len(t, req.Outputs, 1)
		assert.Equal(t, workers.DefaultVideoPresets[0], req.Outputs[0].Preset)
		assert.Equal(t, "memory://99/1/av/full/video-mp4-720p", req.Outputs[0].Destination)
		assert.True(t, strings.HasPrefix(req.Input, "memory://transcode/"+req.CorrelationID+"/"))
		assert.Len(t, env.store.Keys(), 1, "input staged")

		worker.PostIngest(ctx, ictx, true)
		assert.Empty(t, stub.cancelled)
		assert.Len(t, env.store.Keys(), 1, "input kept for the transcoder")
		assert.Empty(t, env.transient.Keys())
	})

	t.Run("PolicyPresets", func(t *testing.T) {
		env, stub, worker := setup(t)

		asset := video(env)
		asset.MediaType = "audio/wav"
		asset.FullImageOptimisationPolicy = &engine.ImageOptimisationPolicy{ID: "audio", TechnicalDetails: []string{"audio-aac", "audio-ogg"}}
		_, err := worker.Ingest(ctx, engine.NewIngestionContext(asset), nil)
		require.NoError(t, err)
		require.Len(t, stub.submitted, 1)
		assert.Len(t, stub.submitted[0].Outputs, 2)
	})

	t.Run("CancelsOnFailure", func(t *testing.T) {
		env, stub, worker := setup(t)

		ictx := engine.NewIngestionContext(video(env))
		_, err := worker.Ingest(ctx, ictx, nil)
		require.NoError(t, err)

		worker.PostIngest(ctx, ictx, false)
		assert.Equal(t, []string{"job-1"}, stub.cancelled)
		assert.Empty(t, env.store.Keys(), "staged input removed")
	})
}

func TestClients(t *testing.T) {
	_, err := workers.NewProcessorClient("", nil)
	assert.Error(t, err)
	_, err = workers.NewTranscoderClient("ftp://transcoder", nil)
	assert.Error(t, err)

	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	client, err := workers.NewTranscoderClient(server.URL, nil)
	require.NoError(t, err)
	assert.NoError(t, client.CancelJob(context.Background(), "gone"), "unknown job is already cancelled")

	_, err = client.CreateJob(context.Background(), workers.TranscodeJobRequest{})
	var statusErr *workers.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}
