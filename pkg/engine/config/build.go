package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dlcs/protagonist-sub004/pkg/engine"
	"github.com/dlcs/protagonist-sub004/pkg/engine/api"
	"github.com/dlcs/protagonist-sub004/pkg/engine/objectkey"
	"github.com/dlcs/protagonist-sub004/pkg/engine/origin"
	"github.com/dlcs/protagonist-sub004/pkg/engine/policy"
	"github.com/dlcs/protagonist-sub004/pkg/engine/queue"
	"github.com/dlcs/protagonist-sub004/pkg/engine/repo/memory"
	repopg "github.com/dlcs/protagonist-sub004/pkg/engine/repo/postgres"
	fsstorage "github.com/dlcs/protagonist-sub004/pkg/engine/storage/fs"
	memorystorage "github.com/dlcs/protagonist-sub004/pkg/engine/storage/memory"
	s3storage "github.com/dlcs/protagonist-sub004/pkg/engine/storage/s3"
	"github.com/dlcs/protagonist-sub004/pkg/engine/workers"
)

// Engine is the assembled ingestion object graph.
type Engine struct {
	Config     *Config
	Repository engine.Repository
	Storage    engine.BlobStore
	Transient  engine.BlobStore
	Workers    *engine.WorkerRegistry
	Executor   *engine.Executor
	Ingester   *engine.AssetIngester

	policies *policy.CachedRepository
	pool     *pgxpool.Pool
	logger   *slog.Logger
}

// Close releases the policy cache and the database pool.
func (e *Engine) Close() {
	if e.policies != nil {
		e.policies.Stop()
	}
	if e.pool != nil {
		e.pool.Close()
	}
}

// Build creates the repository, storage backends, workers, executor and
// ingester described by the configuration.
func (c *Config) Build(ctx context.Context, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{Config: c, logger: logger}

	if err := c.buildRepository(ctx, e); err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to build repository: %w", err)
	}

	var err error
	if e.Storage, err = c.buildStore(ctx, c.StorageURL); err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to build storage backend: %w", err)
	}
	if e.Transient, err = c.buildStore(ctx, c.TransientStorageURL); err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to build transient storage backend: %w", err)
	}

	layout := objectkey.NewLayout(c.KeyPrefix)
	sizeChecker := engine.NewSizeChecker(c.CustomersWithoutStorageCheck...)
	httpClient := &http.Client{Timeout: c.HTTPTimeout}

	fetcherOptions := []origin.Option{
		origin.WithHTTPClient(httpClient),
		origin.WithTransientStore(e.Transient),
		origin.WithKeyLayout(layout),
		origin.WithStorageRepository(e.Repository),
		origin.WithSizeChecker(sizeChecker),
		origin.WithLogger(logger),
	}
	if getter := s3Getter(e.Storage, e.Transient); getter != nil {
		fetcherOptions = append(fetcherOptions, origin.WithS3(getter))
	}
	fetcher, err := origin.New(fetcherOptions...)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to build origin fetcher: %w", err)
	}

	deps := workers.Dependencies{
		Fetcher:     fetcher,
		Store:       e.Storage,
		Layout:      layout,
		SizeChecker: sizeChecker,
		Logger:      logger,
	}
	if e.Workers, err = c.buildWorkers(deps, httpClient); err != nil {
		e.Close()
		return nil, err
	}

	e.Executor, err = engine.NewExecutor(
		engine.WithWorkers(e.Workers),
		engine.WithAssetRepository(e.Repository),
		engine.WithStorageRepository(e.Repository),
		engine.WithSizeChecker(sizeChecker),
		engine.WithLogger(logger),
	)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to build executor: %w", err)
	}

	e.policies = policy.NewCachedRepository(e.Repository, c.PolicyCacheTTL)
	e.policies.Start()

	e.Ingester, err = engine.NewAssetIngester(
		engine.WithAssetExecutor(e.Executor),
		engine.WithAssetLookup(e.Repository),
		engine.WithPolicyRepository(e.policies),
		engine.WithOriginStrategies(engine.NewOriginStrategyResolver(e.Repository, logger)),
		engine.WithIngesterLogger(logger),
	)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to build ingester: %w", err)
	}

	logger.Info("Engine built",
		"database", databaseKind(c),
		"storage", e.Storage.Location(""),
		"image_processor", c.ImageProcessorURL != "",
		"transcoder", c.TranscoderURL != "",
	)
	return e, nil
}

// Server creates the HTTP server for synchronous ingestion.
func (e *Engine) Server() (*api.Server, error) {
	return api.New(
		api.WithIngester(e.Ingester),
		api.WithReadinessCheck(e.Repository),
		api.WithJWTSecret(e.Config.JWTSecret),
		api.WithLogger(e.logger),
	)
}

// Sources creates one message source per configured queue name.
func (e *Engine) Sources(ctx context.Context) ([]queue.Source, error) {
	c := e.Config
	sources := make([]queue.Source, 0, len(c.QueueNames))

	switch c.QueueType {
	case QueueMemory:
		for _, name := range c.QueueNames {
			sources = append(sources, queue.NewMemorySource(name, 0))
		}
	case QueueSQS:
		client, err := queue.NewSQSClient(ctx, queue.SQSConfig{
			Region:          c.S3.Region,
			AccessKeyID:     c.S3.AccessKeyID,
			SecretAccessKey: c.S3.SecretAccessKey,
			Endpoint:        c.S3.SQSEndpoint,
		})
		if err != nil {
			return nil, err
		}
		for _, name := range c.QueueNames {
			source, err := queue.NewSQSSource(ctx, client, name, c.QueueWaitSeconds)
			if err != nil {
				return nil, err
			}
			sources = append(sources, source)
		}
	default:
		return nil, fmt.Errorf("unsupported queue type: %s", c.QueueType)
	}
	return sources, nil
}

// Consumer creates a queue consumer over sources.
func (e *Engine) Consumer(sources []queue.Source) (*queue.Consumer, error) {
	options := []queue.Option{
		queue.WithIngester(e.Ingester),
		queue.WithQueueRepository(e.Repository),
		queue.WithWorkers(e.Config.QueueWorkers),
		queue.WithLogger(e.logger),
	}
	for _, source := range sources {
		options = append(options, queue.WithSource(source))
	}
	return queue.NewConsumer(options...)
}

func (c *Config) buildRepository(ctx context.Context, e *Engine) error {
	if c.UsesMemoryDatabase() {
		e.Repository = memory.New()
		return nil
	}

	cfg, err := pgxpool.ParseConfig(c.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to parse database url: %w", err)
	}
	schema := c.DBSchema
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if schema == "" {
			return nil
		}
		_, err := conn.Exec(ctx, "SET search_path TO "+pgx.Identifier{schema}.Sanitize())
		return err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create pgx pool: %w", err)
	}
	e.pool = pool
	e.Repository = repopg.NewWithPool(pool)
	return nil
}

func (c *Config) buildStore(ctx context.Context, raw string) (engine.BlobStore, error) {
	if raw == "" || raw == "memory" {
		return memorystorage.New(), nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid storage url %q: %w", raw, err)
	}

	switch u.Scheme {
	case "memory":
		return memorystorage.New(), nil
	case "file":
		return fsstorage.New(fsstorage.Config{BaseDir: u.Path})
	case "s3":
		region := u.Query().Get("region")
		if region == "" {
			region = c.S3.Region
		}
		endpoint := u.Query().Get("endpoint")
		if endpoint == "" {
			endpoint = c.S3.Endpoint
		}
		return s3storage.New(s3storage.Config{
			Region:                 region,
			Bucket:                 u.Host,
			AccessKeyID:            c.S3.AccessKeyID,
			SecretAccessKey:        c.S3.SecretAccessKey,
			Endpoint:               endpoint,
			UsePathStyle:           c.S3.UsePathStyle,
			CreateBucketIfNotExist: c.S3.CreateBucket,
		})
	default:
		return nil, fmt.Errorf("unsupported storage url %q", raw)
	}
}

func (c *Config) buildWorkers(deps workers.Dependencies, httpClient *http.Client) (*engine.WorkerRegistry, error) {
	registry := engine.NewWorkerRegistry()

	fileWorker, err := workers.NewFileWorker(deps)
	if err != nil {
		return nil, fmt.Errorf("failed to build file worker: %w", err)
	}
	registry.Register(engine.WorkerFile, fileWorker)

	if c.ImageProcessorURL != "" {
		processor, err := workers.NewProcessorClient(c.ImageProcessorURL, httpClient)
		if err != nil {
			return nil, fmt.Errorf("failed to build image processor client: %w", err)
		}
		imageWorker, err := workers.NewImageWorker(deps, processor)
		if err != nil {
			return nil, fmt.Errorf("failed to build image worker: %w", err)
		}
		registry.Register(engine.WorkerImage, imageWorker)
	}

	if c.TranscoderURL != "" {
		transcoder, err := workers.NewTranscoderClient(c.TranscoderURL, httpClient)
		if err != nil {
			return nil, fmt.Errorf("failed to build transcoder client: %w", err)
		}
		timebasedWorker, err := workers.NewTimebasedWorker(deps, transcoder)
		if err != nil {
			return nil, fmt.Errorf("failed to build timebased worker: %w", err)
		}
		registry.Register(engine.WorkerTimebased, timebasedWorker)
	}

	return registry, nil
}

// s3Getter returns the first S3 backend, used to read s3-ambient origins.
func s3Getter(stores ...engine.BlobStore) origin.ObjectGetter {
	for _, store := range stores {
		if backend, ok := store.(*s3storage.Backend); ok {
			return backend
		}
	}
	return nil
}

func databaseKind(c *Config) string {
	if c.UsesMemoryDatabase() {
		return "memory"
	}
	return "postgres"
}
