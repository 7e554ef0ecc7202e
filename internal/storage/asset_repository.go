package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloud-importer/internal/models"
	"github.com/jackc/pgx/v5"
)

// AssetRepository stores asset metadata and the content hash index
type AssetRepository struct {
	db *PostgresDB
}

// NewAssetRepository creates a new asset repository
func NewAssetRepository(db *PostgresDB) *AssetRepository {
	return &AssetRepository{db: db}
}

// FindIDByHash returns the id of any asset with the given content hash
func (r *AssetRepository) FindIDByHash(ctx context.Context, hash string) (string, bool, error) {
	var id string
	err := r.db.Pool().QueryRow(ctx,
		`SELECT id FROM assets WHERE content_hash = $1 ORDER BY created_at LIMIT 1`, hash,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to look up asset hash: %w", err)
	}
	return id, true, nil
}

// Insert writes a new asset row
func (r *AssetRepository) Insert(ctx context.Context, a *models.Asset) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO assets (
			id, owner_id, imported_by, job_id, source_id, file_name, mime_type,
			content_hash, object_key, size_bytes, original_size, title, alt_text,
			compressed, savings_percent, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		a.ID, a.OwnerID, a.ImportedBy, a.JobID, a.SourceID, a.FileName, a.MimeType,
		a.ContentHash, a.ObjectKey, a.SizeBytes, a.OriginalSize, a.Title, a.AltText,
		a.Compressed, a.SavingsPercent, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert asset: %w", err)
	}
	return nil
}

// SetOwner attaches an owner to an asset
func (r *AssetRepository) SetOwner(ctx context.Context, assetID, ownerID string) error {
	tag, err := r.db.Pool().Exec(ctx,
		`UPDATE assets SET owner_id = $2 WHERE id = $1`, assetID, ownerID)
	if err != nil {
		return fmt.Errorf("failed to attach owner: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAssetNotFound
	}
	return nil
}

// Delete removes an asset row and returns its object key
func (r *AssetRepository) Delete(ctx context.Context, assetID string) (string, error) {
	var key string
	err := r.db.Pool().QueryRow(ctx,
		`DELETE FROM assets WHERE id = $1 RETURNING object_key`, assetID,
	).Scan(&key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrAssetNotFound
		}
		return "", fmt.Errorf("failed to delete asset: %w", err)
	}
	return key, nil
}

// ListByJob returns the assets produced by a job, oldest first
func (r *AssetRepository) ListByJob(ctx context.Context, jobID string) ([]*models.Asset, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, owner_id, imported_by, job_id, source_id, file_name, mime_type,
			content_hash, object_key, size_bytes, original_size, title, alt_text,
			compressed, savings_percent::float8, created_at
		FROM assets WHERE job_id = $1 ORDER BY created_at`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	defer rows.Close()

	var assets []*models.Asset
	for rows.Next() {
		var a models.Asset
		if err := rows.Scan(
			&a.ID, &a.OwnerID, &a.ImportedBy, &a.JobID, &a.SourceID, &a.FileName, &a.MimeType,
			&a.ContentHash, &a.ObjectKey, &a.SizeBytes, &a.OriginalSize, &a.Title, &a.AltText,
			&a.Compressed, &a.SavingsPercent, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		assets = append(assets, &a)
	}
	return assets, rows.Err()
}
