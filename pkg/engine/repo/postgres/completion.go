package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/dlcs/protagonist-sub004/pkg/engine"
)

const defaultStoragePolicy = "default"

func (r *Repository) BeginTx(ctx context.Context) (engine.Tx, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, r.handlePostgresError("begin transaction", err)
	}
	return tx, nil
}

// UpdateIngestedAsset implements engine.AssetRepository. A non-nil tx must be
// one returned by BeginTx (any pgx.Tx works).
func (r *Repository) UpdateIngestedAsset(ctx context.Context, tx engine.Tx, asset *engine.Asset, location *engine.ImageLocation, storage *engine.ImageStorage, ingestFinished bool) (bool, error) {
	if tx != nil {
		q, ok := tx.(DBTX)
		if !ok {
			return false, fmt.Errorf("unsupported transaction type %T", tx)
		}
		return r.updateIngestedAsset(ctx, q, asset, location, storage, ingestFinished)
	}

	owned, err := r.db.Begin(ctx)
	if err != nil {
		return false, r.handlePostgresError("begin transaction", err)
	}
	defer owned.Rollback(ctx) //nolint:errcheck

	ok, err := r.updateIngestedAsset(ctx, owned, asset, location, storage, ingestFinished)
	if err != nil || !ok {
		return ok, err
	}
	if err := owned.Commit(ctx); err != nil {
		return false, r.handlePostgresError("commit ingested asset", err)
	}
	return true, nil
}

func (r *Repository) updateIngestedAsset(ctx context.Context, q DBTX, asset *engine.Asset, location *engine.ImageLocation, storage *engine.ImageStorage, ingestFinished bool) (bool, error) {
	id := asset.ID

	// Lock the asset row so concurrent completions of the same asset serialise.
	var exists int
	err := q.QueryRow(ctx, `SELECT 1 FROM assets WHERE customer = $1 AND space = $2 AND id = $3 FOR UPDATE`,
		id.Customer, id.Space, id.Asset).Scan(&exists)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, r.handlePostgresError("lock asset", err)
	}

	if ingestFinished && asset.Batch != 0 {
		if err := r.completeBatch(ctx, q, asset); err != nil {
			return false, err
		}
	}

	changed, err := r.updateAssetFields(ctx, q, asset, ingestFinished)
	if err != nil {
		return false, err
	}

	if location != nil {
		if err := r.upsertImageLocation(ctx, q, location); err != nil {
			return false, err
		}
		changed = true
	}

	if storage != nil {
		if err := r.upsertImageStorage(ctx, q, storage); err != nil {
			return false, err
		}
		changed = true
	}

	return changed, nil
}

// updateAssetFields writes only the fields set on asset.
func (r *Repository) updateAssetFields(ctx context.Context, q DBTX, asset *engine.Asset, ingestFinished bool) (bool, error) {
	args := []interface{}{asset.ID.Customer, asset.ID.Space, asset.ID.Asset}
	var sets []string
	set := func(expr string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}

	if asset.Width != 0 {
		set("width = $%d", asset.Width)
	}
	if asset.Height != 0 {
		set("height = $%d", asset.Height)
	}
	if asset.Duration != 0 {
		set("duration = $%d", asset.Duration)
	}
	if asset.MediaType != "" {
		set("media_type = COALESCE(NULLIF(media_type, ''), $%d)", asset.MediaType)
	}
	if asset.Reference1 != "" {
		set("reference1 = $%d", asset.Reference1)
	}
	if asset.Reference2 != "" {
		set("reference2 = $%d", asset.Reference2)
	}
	if asset.Reference3 != "" {
		set("reference3 = $%d", asset.Reference3)
	}
	if ingestFinished {
		set("error = $%d", asset.Error)
		sets = append(sets, "ingesting = false", "finished = now()")
	} else {
		if asset.Error != "" {
			set("error = $%d", asset.Error)
		}
		if asset.Ingesting {
			sets = append(sets, "ingesting = true")
		}
	}

	if len(sets) == 0 {
		return false, nil
	}

	query := `UPDATE assets SET ` + strings.Join(sets, ", ") + ` WHERE customer = $1 AND space = $2 AND id = $3`
	tag, err := q.Exec(ctx, query, args...)
	if err != nil {
		return false, r.handlePostgresError("update asset", err)
	}
	return tag.RowsAffected() > 0, nil
}

// completeBatch increments the batch counters in one statement so concurrent
// completions cannot lose updates. A missing batch is recorded on the asset.
func (r *Repository) completeBatch(ctx context.Context, q DBTX, asset *engine.Asset) error {
	completed, failed := 1, 0
	if asset.Error != "" {
		completed, failed = 0, 1
	}

	query := `
		UPDATE batches SET
			completed = completed + $2,
			errors = errors + $3,
			finished = CASE
				WHEN finished IS NULL AND completed + $2 + errors + $3 = count THEN now()
				ELSE finished
			END
		WHERE id = $1`

	tag, err := q.Exec(ctx, query, asset.Batch, completed, failed)
	if err != nil {
		return r.handlePostgresError("update batch", err)
	}
	if tag.RowsAffected() == 0 {
		engine.BatchUpdateFailureCounter.Inc()
		asset.Error = engine.ErrorUnableToUpdateBatch
	}
	return nil
}

func (r *Repository) upsertImageLocation(ctx context.Context, q DBTX, location *engine.ImageLocation) error {
	query := `
		INSERT INTO image_location (customer, space, id, s3, nas)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (customer, space, id) DO UPDATE SET
			s3 = COALESCE(NULLIF(EXCLUDED.s3, ''), image_location.s3),
			nas = COALESCE(NULLIF(EXCLUDED.nas, ''), image_location.nas)`

	id := location.ID
	if _, err := q.Exec(ctx, query, id.Customer, id.Space, id.Asset, location.S3, location.Nas); err != nil {
		return r.handlePostgresError("upsert image location", err)
	}
	return nil
}

// upsertImageStorage stores the record and applies the change in size to the
// customer's totals.
func (r *Repository) upsertImageStorage(ctx context.Context, q DBTX, storage *engine.ImageStorage) error {
	id := storage.ID

	var existingSize, existingThumbs int64
	var countDelta int64
	err := q.QueryRow(ctx, `
		SELECT size, thumbnail_size FROM image_storage
		WHERE customer = $1 AND space = $2 AND id = $3 FOR UPDATE`,
		id.Customer, id.Space, id.Asset).Scan(&existingSize, &existingThumbs)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		countDelta = 1
	case err != nil:
		return r.handlePostgresError("get image storage", err)
	}

	_, err = q.Exec(ctx, `
		INSERT INTO image_storage (customer, space, id, size, thumbnail_size, last_checked, checking_in_progress)
		VALUES ($1, $2, $3, $4, $5, now(), $6)
		ON CONFLICT (customer, space, id) DO UPDATE SET
			size = EXCLUDED.size,
			thumbnail_size = EXCLUDED.thumbnail_size,
			last_checked = EXCLUDED.last_checked,
			checking_in_progress = EXCLUDED.checking_in_progress`,
		id.Customer, id.Space, id.Asset, storage.Size, storage.ThumbnailSize, storage.CheckingInProgress)
	if err != nil {
		return r.handlePostgresError("upsert image storage", err)
	}

	_, err = q.Exec(ctx, `
		INSERT INTO customer_storage (customer, space, storage_policy, number_of_stored_images,
			total_size_of_stored_images, total_size_of_thumbnails, last_calculated)
		VALUES ($1, 0, $2, $3, $4, $5, now())
		ON CONFLICT (customer, space) DO UPDATE SET
			number_of_stored_images = customer_storage.number_of_stored_images + EXCLUDED.number_of_stored_images,
			total_size_of_stored_images = customer_storage.total_size_of_stored_images + EXCLUDED.total_size_of_stored_images,
			total_size_of_thumbnails = customer_storage.total_size_of_thumbnails + EXCLUDED.total_size_of_thumbnails,
			last_calculated = EXCLUDED.last_calculated`,
		id.Customer, defaultStoragePolicy, countDelta, storage.Size-existingSize, storage.ThumbnailSize-existingThumbs)
	if err != nil {
		return r.handlePostgresError("update customer storage", err)
	}
	return nil
}
