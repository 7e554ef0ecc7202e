package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cloud-importer/internal/models"
	"github.com/cloud-importer/internal/types"
	"github.com/jackc/pgx/v5"
)

const jobColumns = `id, owner_id, tier, source_type, source_ref, items, settings,
	cursor_pos, processed, successful, failed, skipped, status,
	produced_asset_ids, partial, version, created_at, updated_at`

// StepCommit is the effect of one batch step. The job update applies only if
// the stored version still equals ExpectedVersion; the quota increment is
// applied in the same transaction and only if usage stays within QuotaLimit.
type StepCommit struct {
	Job             *models.ImportJob
	ExpectedVersion int64
	Period          string
	QuotaDelta      int
	QuotaLimit      int
}

// JobRepository persists import jobs and archives completed ones
type JobRepository struct {
	db *PostgresDB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *PostgresDB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new job. A job created already completed goes straight to the archive.
func (r *JobRepository) Create(ctx context.Context, job *models.ImportJob) error {
	table := "import_jobs"
	if job.Status == types.JobStatusCompleted {
		table = "import_jobs_archive"
	}
	if err := insertJob(ctx, r.db.Pool(), table, job); err != nil {
		return fmt.Errorf("failed to create import job: %w", err)
	}
	return nil
}

// Get returns the mutable record for a job
func (r *JobRepository) Get(ctx context.Context, jobID string) (*models.ImportJob, error) {
	return r.get(ctx, "import_jobs", jobID)
}

// GetArchived returns the read-only record of a completed job
func (r *JobRepository) GetArchived(ctx context.Context, jobID string) (*models.ImportJob, error) {
	return r.get(ctx, "import_jobs_archive", jobID)
}

func (r *JobRepository) get(ctx context.Context, table, jobID string) (*models.ImportJob, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, jobColumns, table)

	job, err := scanJob(r.db.Pool().QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get import job: %w", err)
	}
	return job, nil
}

// Commit applies a batch step atomically. It returns ErrVersionConflict when
// the stored record no longer matches ExpectedVersion and ErrQuotaExceeded
// when the increment would take usage past QuotaLimit; nothing is written then.
func (r *JobRepository) Commit(ctx context.Context, c *StepCommit) error {
	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		job := c.Job

		if job.Status == types.JobStatusCompleted {
			tag, err := tx.Exec(ctx,
				`DELETE FROM import_jobs WHERE id = $1 AND version = $2`,
				job.ID, c.ExpectedVersion)
			if err != nil {
				return fmt.Errorf("failed to remove completed job: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return ErrVersionConflict
			}
			if err := insertJob(ctx, tx, "import_jobs_archive", job); err != nil {
				return fmt.Errorf("failed to archive job: %w", err)
			}
		} else {
			assetIDs, err := json.Marshal(nonNil(job.ProducedAssetIDs))
			if err != nil {
				return fmt.Errorf("failed to encode asset ids: %w", err)
			}
			tag, err := tx.Exec(ctx, `
				UPDATE import_jobs
				SET cursor_pos = $3, processed = $4, successful = $5, failed = $6, skipped = $7,
					status = $8, produced_asset_ids = $9, version = $10, updated_at = $11
				WHERE id = $1 AND version = $2`,
				job.ID, c.ExpectedVersion,
				job.Cursor, job.Counters.Processed, job.Counters.Successful,
				job.Counters.Failed, job.Counters.Skipped,
				job.Status, assetIDs, job.Version, job.LastUpdatedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to update import job: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return ErrVersionConflict
			}
		}

		if c.QuotaDelta > 0 {
			if err := incrementUsageWithin(ctx, tx, job.OwnerID, c.Period, c.QuotaDelta, c.QuotaLimit); err != nil {
				return err
			}
		}
		return nil
	})
}

// Cancel marks a processing job cancelled and returns the updated record
func (r *JobRepository) Cancel(ctx context.Context, jobID string) (*models.ImportJob, error) {
	query := fmt.Sprintf(`
		UPDATE import_jobs
		SET status = $2, version = version + 1, updated_at = $3
		WHERE id = $1 AND status = $4
		RETURNING %s`, jobColumns)

	job, err := scanJob(r.db.Pool().QueryRow(ctx, query,
		jobID, types.JobStatusCancelled, time.Now().UTC(), types.JobStatusProcessing))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to cancel import job: %w", err)
	}

	// Distinguish "missing" from "already terminal"
	if _, getErr := r.Get(ctx, jobID); getErr != nil {
		if errors.Is(getErr, ErrJobNotFound) {
			if _, archErr := r.GetArchived(ctx, jobID); archErr == nil {
				return nil, ErrJobTerminal
			}
		}
		return nil, getErr
	}
	return nil, ErrJobTerminal
}

func insertJob(ctx context.Context, q querier, table string, job *models.ImportJob) error {
	items, err := json.Marshal(job.Items)
	if err != nil {
		return fmt.Errorf("failed to encode items: %w", err)
	}
	settings, err := json.Marshal(job.Settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	assetIDs, err := json.Marshal(nonNil(job.ProducedAssetIDs))
	if err != nil {
		return fmt.Errorf("failed to encode asset ids: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		table, jobColumns)

	_, err = q.Exec(ctx, query,
		job.ID,
		job.OwnerID,
		job.Tier,
		job.SourceType,
		job.SourceRef,
		items,
		settings,
		job.Cursor,
		job.Counters.Processed,
		job.Counters.Successful,
		job.Counters.Failed,
		job.Counters.Skipped,
		job.Status,
		assetIDs,
		job.Partial,
		job.Version,
		job.CreatedAt,
		job.LastUpdatedAt,
	)
	return err
}

func scanJob(row pgx.Row) (*models.ImportJob, error) {
	var (
		job                       models.ImportJob
		items, settings, assetIDs []byte
	)

	err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.Tier,
		&job.SourceType,
		&job.SourceRef,
		&items,
		&settings,
		&job.Cursor,
		&job.Counters.Processed,
		&job.Counters.Successful,
		&job.Counters.Failed,
		&job.Counters.Skipped,
		&job.Status,
		&assetIDs,
		&job.Partial,
		&job.Version,
		&job.CreatedAt,
		&job.LastUpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(items, &job.Items); err != nil {
		return nil, fmt.Errorf("failed to decode items: %w", err)
	}
	if err := json.Unmarshal(settings, &job.Settings); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	if err := json.Unmarshal(assetIDs, &job.ProducedAssetIDs); err != nil {
		return nil, fmt.Errorf("failed to decode asset ids: %w", err)
	}
	if job.Status == types.JobStatusCompleted {
		completed := job.LastUpdatedAt
		job.CompletedAt = &completed
	}
	return &job, nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
