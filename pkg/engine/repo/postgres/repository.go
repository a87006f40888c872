package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dlcs/protagonist-sub004/pkg/engine"
)

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
}

// Repository implements engine.Repository using PostgreSQL
type Repository struct {
	db DBTX
}

// New creates a new PostgreSQL repository
func New(db DBTX) *Repository {
	return &Repository{db: db}
}

// NewWithPool creates a new PostgreSQL repository with connection pool
func NewWithPool(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

var _ engine.Repository = (*Repository)(nil)

// Error handling helper
func (r *Repository) handlePostgresError(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			if strings.Contains(pgErr.ConstraintName, "batch") {
				return fmt.Errorf("batch already exists")
			}
			if strings.Contains(pgErr.ConstraintName, "asset") {
				return fmt.Errorf("asset already exists")
			}
			return fmt.Errorf("duplicate entry")
		case "23503": // foreign_key_violation
			return fmt.Errorf("referenced record not found")
		case "23502": // not_null_violation
			return fmt.Errorf("required field %s is missing", pgErr.ColumnName)
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("concurrent update in %s, retry: %w", operation, err)
		case "42P01": // undefined_table
			return fmt.Errorf("table does not exist - database migration required")
		default:
			return fmt.Errorf("database error in %s: %s (code: %s)", operation, pgErr.Message, pgErr.Code)
		}
	}

	return fmt.Errorf("database error in %s: %w", operation, err)
}

func (r *Repository) Ping(ctx context.Context) error {
	var one int
	if err := r.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return r.handlePostgresError("ping", err)
	}
	return nil
}

// Asset operations

const assetColumns = `
	customer, space, id, family, media_type, origin, created, width, height, duration,
	error, ingesting, finished, batch, reference1, reference2, reference3,
	delivery_channels, thumbnail_policy, image_optimisation_policy`

func (r *Repository) GetAsset(ctx context.Context, id engine.AssetID) (*engine.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE customer = $1 AND space = $2 AND id = $3`

	var asset engine.Asset
	var family string
	err := r.db.QueryRow(ctx, query, id.Customer, id.Space, id.Asset).Scan(
		&asset.ID.Customer, &asset.ID.Space, &asset.ID.Asset, &family, &asset.MediaType,
		&asset.Origin, &asset.Created, &asset.Width, &asset.Height, &asset.Duration,
		&asset.Error, &asset.Ingesting, &asset.Finished, &asset.Batch,
		&asset.Reference1, &asset.Reference2, &asset.Reference3,
		&asset.DeliveryChannels, &asset.ThumbnailPolicy, &asset.ImageOptimisationPolicy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, engine.ErrAssetNotFound
		}
		return nil, r.handlePostgresError("get asset", err)
	}
	asset.Family = engine.AssetFamily(family)

	return &asset, nil
}

// CreateAsset inserts a new asset row.
func (r *Repository) CreateAsset(ctx context.Context, asset *engine.Asset) error {
	query := `INSERT INTO assets (` + assetColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, now()), $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

	channels := asset.DeliveryChannels
	if channels == nil {
		channels = []engine.DeliveryChannel{}
	}
	_, err := r.db.Exec(ctx, query,
		asset.ID.Customer, asset.ID.Space, asset.ID.Asset, string(asset.Family), asset.MediaType,
		asset.Origin, asset.Created, asset.Width, asset.Height, asset.Duration,
		asset.Error, asset.Ingesting, asset.Finished, asset.Batch,
		asset.Reference1, asset.Reference2, asset.Reference3,
		channels, asset.ThumbnailPolicy, asset.ImageOptimisationPolicy)
	if err != nil {
		return r.handlePostgresError("create asset", err)
	}
	return nil
}

// GetImageLocation returns the stored location for an asset.
func (r *Repository) GetImageLocation(ctx context.Context, id engine.AssetID) (*engine.ImageLocation, error) {
	query := `SELECT s3, nas FROM image_location WHERE customer = $1 AND space = $2 AND id = $3`

	location := engine.ImageLocation{ID: id}
	err := r.db.QueryRow(ctx, query, id.Customer, id.Space, id.Asset).Scan(&location.S3, &location.Nas)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, engine.ErrAssetNotFound
		}
		return nil, r.handlePostgresError("get image location", err)
	}
	return &location, nil
}

// Batch operations

func (r *Repository) GetBatch(ctx context.Context, id int) (*engine.Batch, error) {
	query := `
		SELECT id, customer, submitted, count, completed, errors, finished, superseded
		FROM batches WHERE id = $1`

	var batch engine.Batch
	err := r.db.QueryRow(ctx, query, id).Scan(
		&batch.ID, &batch.Customer, &batch.Submitted, &batch.Count,
		&batch.Completed, &batch.Errors, &batch.Finished, &batch.Superseded)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, engine.ErrBatchNotFound
		}
		return nil, r.handlePostgresError("get batch", err)
	}
	return &batch, nil
}

// CreateBatch inserts a batch and sets its generated id.
func (r *Repository) CreateBatch(ctx context.Context, batch *engine.Batch) error {
	query := `
		INSERT INTO batches (customer, submitted, count, completed, errors, finished, superseded)
		VALUES ($1, now(), $2, $3, $4, $5, $6)
		RETURNING id, submitted`

	err := r.db.QueryRow(ctx, query,
		batch.Customer, batch.Count, batch.Completed, batch.Errors, batch.Finished, batch.Superseded,
	).Scan(&batch.ID, &batch.Submitted)
	if err != nil {
		return r.handlePostgresError("create batch", err)
	}
	return nil
}

// Storage operations

func (r *Repository) GetStorageMetrics(ctx context.Context, customer int) (*engine.StorageMetrics, error) {
	query := `
		SELECT cs.customer, cs.space, cs.storage_policy, cs.number_of_stored_images,
		       cs.total_size_of_stored_images, cs.total_size_of_thumbnails, cs.last_calculated,
		       sp.id, sp.maximum_number_of_stored_images, sp.maximum_total_size_of_stored_images
		FROM customer_storage cs
		JOIN storage_policies sp ON sp.id = cs.storage_policy
		WHERE cs.customer = $1 AND cs.space = 0`

	var m engine.StorageMetrics
	err := r.db.QueryRow(ctx, query, customer).Scan(
		&m.CustomerStorage.Customer, &m.CustomerStorage.Space, &m.CustomerStorage.StoragePolicy,
		&m.CustomerStorage.NumberOfStoredImages, &m.CustomerStorage.TotalSizeOfStoredImages,
		&m.CustomerStorage.TotalSizeOfThumbnails, &m.CustomerStorage.LastCalculated,
		&m.Policy.ID, &m.Policy.MaximumNumberOfStoredImages, &m.Policy.MaximumTotalSizeOfStoredImages)
	if err == nil {
		return &m, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, r.handlePostgresError("get storage metrics", err)
	}

	// No totals yet: the customer is on the default policy with nothing stored.
	m.CustomerStorage = engine.CustomerStorage{Customer: customer, StoragePolicy: defaultStoragePolicy}
	err = r.db.QueryRow(ctx, `
		SELECT id, maximum_number_of_stored_images, maximum_total_size_of_stored_images
		FROM storage_policies WHERE id = $1`, defaultStoragePolicy).Scan(
		&m.Policy.ID, &m.Policy.MaximumNumberOfStoredImages, &m.Policy.MaximumTotalSizeOfStoredImages)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: storage policy %q", engine.ErrPolicyNotFound, defaultStoragePolicy)
		}
		return nil, r.handlePostgresError("get default storage policy", err)
	}
	return &m, nil
}

func (r *Repository) GetImageStorage(ctx context.Context, id engine.AssetID) (*engine.ImageStorage, error) {
	query := `
		SELECT size, thumbnail_size, last_checked, checking_in_progress
		FROM image_storage WHERE customer = $1 AND space = $2 AND id = $3`

	storage := engine.ImageStorage{ID: id}
	err := r.db.QueryRow(ctx, query, id.Customer, id.Space, id.Asset).Scan(
		&storage.Size, &storage.ThumbnailSize, &storage.LastChecked, &storage.CheckingInProgress)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, engine.ErrAssetNotFound
		}
		return nil, r.handlePostgresError("get image storage", err)
	}
	return &storage, nil
}

// GetCustomerStorage returns the customer-level totals (space 0).
func (r *Repository) GetCustomerStorage(ctx context.Context, customer int) (*engine.CustomerStorage, error) {
	query := `
		SELECT customer, space, storage_policy, number_of_stored_images,
		       total_size_of_stored_images, total_size_of_thumbnails, last_calculated
		FROM customer_storage WHERE customer = $1 AND space = 0`

	var cs engine.CustomerStorage
	err := r.db.QueryRow(ctx, query, customer).Scan(
		&cs.Customer, &cs.Space, &cs.StoragePolicy, &cs.NumberOfStoredImages,
		&cs.TotalSizeOfStoredImages, &cs.TotalSizeOfThumbnails, &cs.LastCalculated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("customer storage for %d not found", customer)
		}
		return nil, r.handlePostgresError("get customer storage", err)
	}
	return &cs, nil
}

// Policy operations

func (r *Repository) GetThumbnailPolicy(ctx context.Context, id string) (*engine.ThumbnailPolicy, error) {
	query := `SELECT id, name, sizes FROM thumbnail_policies WHERE id = $1`

	var policy engine.ThumbnailPolicy
	err := r.db.QueryRow(ctx, query, id).Scan(&policy.ID, &policy.Name, &policy.Sizes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: thumbnail policy %q", engine.ErrPolicyNotFound, id)
		}
		return nil, r.handlePostgresError("get thumbnail policy", err)
	}
	return &policy, nil
}

// GetImageOptimisationPolicy prefers the customer's own policy over a global one.
func (r *Repository) GetImageOptimisationPolicy(ctx context.Context, id string, customer int) (*engine.ImageOptimisationPolicy, error) {
	query := `
		SELECT id, customer, name, technical_details, global
		FROM image_optimisation_policies
		WHERE id = $1 AND (customer = $2 OR global)
		ORDER BY (customer = $2) DESC
		LIMIT 1`

	var policy engine.ImageOptimisationPolicy
	err := r.db.QueryRow(ctx, query, id, customer).Scan(
		&policy.ID, &policy.Customer, &policy.Name, &policy.TechnicalDetails, &policy.Global)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: image optimisation policy %q", engine.ErrPolicyNotFound, id)
		}
		return nil, r.handlePostgresError("get image optimisation policy", err)
	}
	return &policy, nil
}

func (r *Repository) GetCustomerOriginStrategies(ctx context.Context, customer int) ([]*engine.CustomerOriginStrategy, error) {
	query := `
		SELECT id, customer, regex, strategy, credentials, optimised, order_by
		FROM customer_origin_strategies
		WHERE customer = $1
		ORDER BY order_by, id`

	rows, err := r.db.Query(ctx, query, customer)
	if err != nil {
		return nil, r.handlePostgresError("get origin strategies", err)
	}
	defer rows.Close()

	var strategies []*engine.CustomerOriginStrategy
	for rows.Next() {
		var s engine.CustomerOriginStrategy
		var strategy string
		if err := rows.Scan(&s.ID, &s.Customer, &s.Regex, &strategy, &s.Credentials, &s.Optimised, &s.Order); err != nil {
			return nil, r.handlePostgresError("scan origin strategy", err)
		}
		s.Strategy = engine.OriginStrategyType(strategy)
		strategies = append(strategies, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("get origin strategies", err)
	}
	return strategies, nil
}

// Queue operations

func (r *Repository) IncrementQueueCount(ctx context.Context, customer int, name string, by int) error {
	query := `
		INSERT INTO customer_queues (customer, name, size) VALUES ($1, $2, $3)
		ON CONFLICT (customer, name) DO UPDATE SET size = customer_queues.size + EXCLUDED.size`

	if _, err := r.db.Exec(ctx, query, customer, name, by); err != nil {
		return r.handlePostgresError("increment queue count", err)
	}
	return nil
}

func (r *Repository) DecrementQueueCount(ctx context.Context, customer int, name string, by int) error {
	query := `UPDATE customer_queues SET size = GREATEST(size - $3, 0) WHERE customer = $1 AND name = $2`

	if _, err := r.db.Exec(ctx, query, customer, name, by); err != nil {
		return r.handlePostgresError("decrement queue count", err)
	}
	return nil
}

// GetQueueCount returns the in-flight count for a customer's queue.
func (r *Repository) GetQueueCount(ctx context.Context, customer int, name string) (int, error) {
	var size int
	err := r.db.QueryRow(ctx, `SELECT size FROM customer_queues WHERE customer = $1 AND name = $2`, customer, name).Scan(&size)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, r.handlePostgresError("get queue count", err)
	}
	return size, nil
}
