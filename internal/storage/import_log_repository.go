package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/cloud-importer/internal/models"
	"github.com/cloud-importer/internal/types"
)

// ImportLogRepository keeps one audit row per import
type ImportLogRepository struct {
	db *PostgresDB
}

// NewImportLogRepository creates a new import log repository
func NewImportLogRepository(db *PostgresDB) *ImportLogRepository {
	return &ImportLogRepository{db: db}
}

// Upsert writes the latest totals for an import
func (r *ImportLogRepository) Upsert(ctx context.Context, entry *models.ImportLog) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO import_logs (
			import_id, owner_id, source_type, status, total_files,
			processed, successful, failed, skipped, created_at, completed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (import_id) DO UPDATE SET
			status = EXCLUDED.status,
			processed = EXCLUDED.processed,
			successful = EXCLUDED.successful,
			failed = EXCLUDED.failed,
			skipped = EXCLUDED.skipped,
			completed_at = EXCLUDED.completed_at`,
		entry.ImportID, entry.OwnerID, entry.SourceType, entry.Status, entry.TotalFiles,
		entry.Processed, entry.Successful, entry.Failed, entry.Skipped,
		entry.CreatedAt, entry.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to write import log: %w", err)
	}
	return nil
}

// ListByOwner returns an owner's most recent imports
func (r *ImportLogRepository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*models.ImportLog, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Pool().Query(ctx, `
		SELECT import_id, owner_id, source_type, status, total_files,
			processed, successful, failed, skipped, created_at, completed_at
		FROM import_logs
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list import logs: %w", err)
	}
	defer rows.Close()

	logs := make([]*models.ImportLog, 0)
	for rows.Next() {
		var l models.ImportLog
		if err := rows.Scan(
			&l.ImportID, &l.OwnerID, &l.SourceType, &l.Status, &l.TotalFiles,
			&l.Processed, &l.Successful, &l.Failed, &l.Skipped, &l.CreatedAt, &l.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan import log: %w", err)
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// OwnerTotals aggregates completed imports for the usage page
type OwnerTotals struct {
	TotalImports   int
	TotalImages    int
	LastImportedAt *time.Time
}

// Totals sums an owner's completed imports
func (r *ImportLogRepository) Totals(ctx context.Context, ownerID string) (*OwnerTotals, error) {
	var t OwnerTotals
	err := r.db.Pool().QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(successful), 0)::int, MAX(created_at)
		FROM import_logs
		WHERE owner_id = $1 AND status = $2`,
		ownerID, types.JobStatusCompleted,
	).Scan(&t.TotalImports, &t.TotalImages, &t.LastImportedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate import logs: %w", err)
	}
	return &t, nil
}
