package job

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	apperrors "github.com/cloud-importer/internal/errors"
	"github.com/cloud-importer/internal/lock"
	"github.com/cloud-importer/internal/logging"
	"github.com/cloud-importer/internal/metrics"
	"github.com/cloud-importer/internal/models"
	"github.com/cloud-importer/internal/pipeline"
	"github.com/cloud-importer/internal/quota"
	"github.com/cloud-importer/internal/source"
	"github.com/cloud-importer/internal/storage"
	"github.com/cloud-importer/internal/types"
	"github.com/google/uuid"
)

// Importer is the boundary of the batch import engine
type Importer interface {
	// StartImport lists the source and creates a job
	StartImport(ctx context.Context, input *StartImportInput) (*StartImportResult, error)

	// RunBatchStep processes the next slice of a job's items
	RunBatchStep(ctx context.Context, jobID, ownerID string, batchSize int) (*models.StepResult, error)

	// GetStatus reports a job's progress
	GetStatus(ctx context.Context, jobID, ownerID string) (*models.JobStatusView, error)

	// CancelImport stops a processing job
	CancelImport(ctx context.Context, jobID, ownerID string) (*models.JobStatusView, error)

	// UsageStats summarises an owner's monthly usage and import history
	UsageStats(ctx context.Context, ownerID string, tier types.UserTier) (*models.UsageStats, error)

	// ListImports returns an owner's recent imports
	ListImports(ctx context.Context, ownerID string, limit int) ([]*models.ImportLog, error)
}

// JobStore is the durable home of import jobs
type JobStore interface {
	Create(ctx context.Context, job *models.ImportJob) error
	Get(ctx context.Context, jobID string) (*models.ImportJob, error)
	GetArchived(ctx context.Context, jobID string) (*models.ImportJob, error)
	Commit(ctx context.Context, c *storage.StepCommit) error
	Cancel(ctx context.Context, jobID string) (*models.ImportJob, error)
}

// Locker grants per-job mutual exclusion
type Locker interface {
	Acquire(ctx context.Context, name string) (lock.Unlock, error)
}

// ItemProcessor runs one item through the pipeline
type ItemProcessor interface {
	Process(ctx context.Context, src pipeline.Fetcher, in pipeline.Input) models.ItemOutcome
}

// AssetRegistry finalises or rolls back produced assets
type AssetRegistry interface {
	AttachOwner(ctx context.Context, ownerID string, assetIDs []string) error
	Discard(ctx context.Context, assetIDs []string) error
}

// ImportLogStore keeps the per-import audit trail
type ImportLogStore interface {
	Upsert(ctx context.Context, entry *models.ImportLog) error
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*models.ImportLog, error)
	Totals(ctx context.Context, ownerID string) (*storage.OwnerTotals, error)
}

// Config holds batch sizing limits
type Config struct {
	DefaultBatchSize int
	MaxBatchSize     int
	ListLimit        int
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{DefaultBatchSize: 25, MaxBatchSize: 100, ListLimit: 1000}
}

// Dependencies are the collaborators of the import service. Logs and
// Metrics are optional.
type Dependencies struct {
	Jobs     JobStore
	Quota    *quota.Checker
	Locker   Locker
	Pipeline ItemProcessor
	Assets   AssetRegistry
	Sources  map[types.SourceType]source.Source
	Logs     ImportLogStore
	Metrics  *metrics.Metrics
}

// StartImportInput represents input for starting an import
type StartImportInput struct {
	OwnerID         string           `json:"-"`
	Tier            types.UserTier   `json:"-"`
	SourceType      types.SourceType `json:"sourceType"`
	SourceRef       string           `json:"sourceRef"`
	Settings        *models.Settings `json:"settings,omitempty"`
	TruncateToQuota bool             `json:"truncateToQuota"`
}

// StartImportResult represents the result of starting an import
type StartImportResult struct {
	JobID          string          `json:"jobId"`
	TotalCount     int             `json:"totalCount"`
	Status         types.JobStatus `json:"status"`
	Completed      bool            `json:"completed"`
	Partial        bool            `json:"partial"`
	QuotaRemaining int             `json:"quotaRemaining"`
	Message        string          `json:"message"`
}

// ImportService implements the Importer interface
type ImportService struct {
	jobs     JobStore
	quota    *quota.Checker
	locker   Locker
	pipeline ItemProcessor
	assets   AssetRegistry
	sources  map[types.SourceType]source.Source
	logs     ImportLogStore
	metrics  *metrics.Metrics
	cfg      Config
	now      func() time.Time
}

// NewImportService creates a new import service
func NewImportService(deps Dependencies, cfg Config) *ImportService {
	def := DefaultConfig()
	if cfg.DefaultBatchSize <= 0 {
		cfg.DefaultBatchSize = def.DefaultBatchSize
	}
	if cfg.MaxBatchSize < cfg.DefaultBatchSize {
		cfg.MaxBatchSize = cfg.DefaultBatchSize
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = def.ListLimit
	}
	return &ImportService{
		jobs:     deps.Jobs,
		quota:    deps.Quota,
		locker:   deps.Locker,
		pipeline: deps.Pipeline,
		assets:   deps.Assets,
		sources:  deps.Sources,
		logs:     deps.Logs,
		metrics:  deps.Metrics,
		cfg:      cfg,
		now:      time.Now,
	}
}

// StartImport lists the folder, checks quota and creates the job. An empty
// folder yields a job that is already completed.
func (s *ImportService) StartImport(ctx context.Context, input *StartImportInput) (*StartImportResult, error) {
	if input.OwnerID == "" {
		return nil, apperrors.NewUnauthorizedError("owner id is required")
	}
	if input.SourceRef == "" {
		return nil, apperrors.NewInvalidSourceError("", errors.New("source reference is required"))
	}
	if input.SourceType == "" {
		input.SourceType = types.SourceDrive
	}
	src, ok := s.sources[input.SourceType]
	if !ok {
		return nil, apperrors.NewInvalidParameterError("sourceType", fmt.Sprintf("unsupported source type %q", input.SourceType))
	}

	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"owner_id":    input.OwnerID,
		"source_type": input.SourceType,
	})

	snap, err := s.quota.Snapshot(ctx, input.OwnerID, input.Tier)
	if err != nil {
		return nil, apperrors.NewDatabaseError("read quota", err)
	}
	if snap.Remaining <= 0 {
		return nil, apperrors.NewQuotaReachedError(input.OwnerID, snap.Used, snap.Limit)
	}

	items, err := src.ListFiles(ctx, input.SourceRef, s.cfg.ListLimit)
	if err != nil {
		return nil, classifyListError(input.SourceType, input.SourceRef, err)
	}

	partial := false
	if input.TruncateToQuota && len(items) > snap.Remaining {
		items = items[:snap.Remaining]
		partial = true
	}

	settings := models.DefaultSettings()
	if input.Settings != nil {
		settings = input.Settings.Normalize()
	}

	now := s.now().UTC()
	job := &models.ImportJob{
		ID:               uuid.New().String(),
		OwnerID:          input.OwnerID,
		Tier:             input.Tier,
		SourceType:       input.SourceType,
		SourceRef:        input.SourceRef,
		Items:            items,
		Settings:         settings,
		Status:           types.JobStatusProcessing,
		ProducedAssetIDs: []string{},
		Partial:          partial,
		CreatedAt:        now,
		LastUpdatedAt:    now,
	}
	if len(items) == 0 {
		job.Status = types.JobStatusCompleted
		job.CompletedAt = &now
	}

	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, apperrors.NewDatabaseError("create import job", err)
	}
	s.writeLog(ctx, job)
	s.metrics.RecordImportStarted(string(job.SourceType), string(job.Tier))

	logger.WithFields(map[string]interface{}{
		"job_id":      job.ID,
		"total_count": len(items),
		"partial":     partial,
	}).Info("Import started")

	result := &StartImportResult{
		JobID:          job.ID,
		TotalCount:     len(items),
		Status:         job.Status,
		Completed:      job.Status == types.JobStatusCompleted,
		Partial:        partial,
		QuotaRemaining: snap.Remaining,
		Message:        fmt.Sprintf("Import started with %d files.", len(items)),
	}
	if result.Completed {
		result.Message = "No files found in folder."
	} else if partial {
		result.Message = fmt.Sprintf("Import started with %d files (limited by your remaining monthly quota).", len(items))
	}
	return result, nil
}

func classifyListError(sourceType types.SourceType, ref string, err error) error {
	var he *source.HTTPError
	switch {
	case errors.Is(err, source.ErrInvalidFolderRef), errors.Is(err, source.ErrFileNotFound):
		return apperrors.NewInvalidSourceError(ref, err)
	case errors.As(err, &he) && he.StatusCode < http.StatusInternalServerError && he.StatusCode != http.StatusTooManyRequests:
		return apperrors.NewInvalidSourceError(ref, err)
	default:
		return apperrors.NewProviderError(string(sourceType), err)
	}
}

// RunBatchStep processes up to batchSize items from the job's cursor. Running
// out of quota is reported in the result, not as an error. Jobs of other
// owners are reported as not found.
func (s *ImportService) RunBatchStep(ctx context.Context, jobID, ownerID string, batchSize int) (*models.StepResult, error) {
	if ownerID == "" {
		return nil, apperrors.NewUnauthorizedError("owner id is required")
	}
	started := s.now()
	size := s.batchSize(batchSize)
	logger := logging.FromContext(ctx).WithJob(jobID)

	job, done, err := s.loadForStep(ctx, jobID, ownerID)
	if err != nil || done != nil {
		return done, err
	}

	snap, err := s.quota.Snapshot(ctx, job.OwnerID, job.Tier)
	if err != nil {
		return nil, apperrors.NewDatabaseError("read quota", err)
	}
	if planBatch(size, job.Remaining(), snap.Remaining) <= 0 {
		s.metrics.RecordStep(metrics.StepQuotaExhausted, 0)
		return quotaExhausted(job, snap), nil
	}

	unlock, err := s.locker.Acquire(ctx, jobID)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			s.metrics.RecordStep(metrics.StepBusy, 0)
			return nil, apperrors.NewJobBusyError(jobID)
		}
		s.metrics.RecordStep(metrics.StepError, 0)
		return nil, apperrors.NewStorageError("acquire job lock", err)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			logger.WithError(err).Warn("Failed to release job lock")
		}
	}()

	// The record may have moved while we waited for the lock
	job, done, err = s.loadForStep(ctx, jobID, ownerID)
	if err != nil || done != nil {
		return done, err
	}
	snap, err = s.quota.Snapshot(ctx, job.OwnerID, job.Tier)
	if err != nil {
		return nil, apperrors.NewDatabaseError("read quota", err)
	}
	length := planBatch(size, job.Remaining(), snap.Remaining)
	if length <= 0 {
		s.metrics.RecordStep(metrics.StepQuotaExhausted, 0)
		return quotaExhausted(job, snap), nil
	}

	src, ok := s.sources[job.SourceType]
	if !ok {
		return nil, apperrors.NewInternalError(fmt.Sprintf("no source configured for %s", job.SourceType), nil)
	}

	logger = logger.WithFields(map[string]interface{}{
		"cursor":       job.Cursor,
		"batch_length": length,
		"total_count":  job.TotalCount(),
	})
	logger.Info("Processing batch")

	batch := &models.BatchResult{Outcomes: make([]models.ItemOutcome, 0, length), Errors: []string{}}
	for i := job.Cursor; i < job.Cursor+length; i++ {
		out := s.pipeline.Process(ctx, src, pipeline.Input{
			Index:    i,
			File:     job.Items[i],
			Settings: job.Settings,
			OwnerID:  job.OwnerID,
			JobID:    job.ID,
		})
		batch.Record(out)
		s.metrics.RecordItem(string(out.Status), out.Reason, bytesSaved(out))
	}

	updated := advance(job, batch, length, s.now().UTC())
	commit := &storage.StepCommit{
		Job:             updated,
		ExpectedVersion: job.Version,
		Period:          snap.Period,
		QuotaDelta:      batch.Successful,
		QuotaLimit:      snap.Limit,
	}
	if err := s.jobs.Commit(ctx, commit); err != nil {
		s.discard(ctx, logger, batch.AssetIDs())
		switch {
		case errors.Is(err, storage.ErrVersionConflict):
			s.metrics.RecordStep(metrics.StepConflict, 0)
			return nil, apperrors.NewVersionConflictError(jobID, err)
		case errors.Is(err, storage.ErrQuotaExceeded):
			// Another job of this owner spent the quota since the snapshot
			s.metrics.RecordStep(metrics.StepConflict, 0)
			return nil, apperrors.NewQuotaConflictError(jobID, job.OwnerID, err)
		}
		s.metrics.RecordStep(metrics.StepError, 0)
		return nil, apperrors.NewDatabaseError("commit batch step", err)
	}

	remaining := quota.Remaining(snap.Limit, snap.Used+batch.Successful)
	completed := updated.Status == types.JobStatusCompleted
	result := &models.StepResult{
		JobID:          jobID,
		Batch:          batch,
		Progress:       models.ProgressOf(updated),
		Completed:      completed,
		QuotaExhausted: !completed && remaining <= 0,
		QuotaRemaining: remaining,
	}

	if completed {
		if err := s.assets.AttachOwner(ctx, updated.OwnerID, updated.ProducedAssetIDs); err != nil {
			logger.WithError(err).Warn("Failed to attach owner to imported assets")
		}
		result.Message = completionMessage(updated.Counters)
		s.metrics.RecordStep(metrics.StepCompleted, s.now().Sub(started).Seconds())
	} else {
		if result.QuotaExhausted {
			result.Message = quotaExhaustedMessage
		}
		s.metrics.RecordStep(metrics.StepOK, s.now().Sub(started).Seconds())
	}
	s.writeLog(ctx, updated)

	logger.WithFields(map[string]interface{}{
		"cursor":     updated.Cursor,
		"successful": batch.Successful,
		"failed":     batch.Failed,
		"skipped":    batch.Skipped,
		"completed":  completed,
	}).Info("Batch committed")

	return result, nil
}

// loadForStep returns the mutable job, or a final result when the job has
// already been archived
func (s *ImportService) loadForStep(ctx context.Context, jobID, ownerID string) (*models.ImportJob, *models.StepResult, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err == nil {
		if job.OwnerID != ownerID {
			return nil, nil, apperrors.NewJobNotFoundError(jobID)
		}
		if job.Status != types.JobStatusProcessing {
			return nil, nil, apperrors.NewJobNotProcessingError(jobID, job.Status)
		}
		return job, nil, nil
	}
	if !errors.Is(err, storage.ErrJobNotFound) {
		return nil, nil, apperrors.NewDatabaseError("load import job", err)
	}

	archived, err := s.jobs.GetArchived(ctx, jobID)
	if err != nil {
		if errors.Is(err, storage.ErrJobNotFound) {
			return nil, nil, apperrors.NewJobNotFoundError(jobID)
		}
		return nil, nil, apperrors.NewDatabaseError("load archived job", err)
	}
	if archived.OwnerID != ownerID {
		return nil, nil, apperrors.NewJobNotFoundError(jobID)
	}
	return nil, &models.StepResult{
		JobID:     jobID,
		Progress:  models.ProgressOf(archived),
		Completed: true,
		Message:   completionMessage(archived.Counters),
	}, nil
}

func (s *ImportService) discard(ctx context.Context, logger *logging.Logger, assetIDs []string) {
	if len(assetIDs) == 0 {
		return
	}
	if err := s.assets.Discard(context.WithoutCancel(ctx), assetIDs); err != nil {
		logger.WithError(err).Error("Failed to discard assets of an uncommitted batch")
	}
}

// findOwned loads a live or archived job of ownerID
func (s *ImportService) findOwned(ctx context.Context, jobID, ownerID string) (*models.ImportJob, error) {
	if ownerID == "" {
		return nil, apperrors.NewUnauthorizedError("owner id is required")
	}
	job, err := s.jobs.Get(ctx, jobID)
	if errors.Is(err, storage.ErrJobNotFound) {
		job, err = s.jobs.GetArchived(ctx, jobID)
	}
	if err != nil {
		if errors.Is(err, storage.ErrJobNotFound) {
			return nil, apperrors.NewJobNotFoundError(jobID)
		}
		return nil, apperrors.NewDatabaseError("load import job", err)
	}
	if job.OwnerID != ownerID {
		return nil, apperrors.NewJobNotFoundError(jobID)
	}
	return job, nil
}

// GetStatus returns progress for a live or archived job
func (s *ImportService) GetStatus(ctx context.Context, jobID, ownerID string) (*models.JobStatusView, error) {
	job, err := s.findOwned(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}

	snap, err := s.quota.Snapshot(ctx, job.OwnerID, job.Tier)
	if err != nil {
		return nil, apperrors.NewDatabaseError("read quota", err)
	}
	return statusView(job, snap), nil
}

// CancelImport marks a processing job cancelled. Committed progress is kept.
func (s *ImportService) CancelImport(ctx context.Context, jobID, ownerID string) (*models.JobStatusView, error) {
	if _, err := s.findOwned(ctx, jobID, ownerID); err != nil {
		return nil, err
	}
	job, err := s.jobs.Cancel(ctx, jobID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrJobNotFound):
			return nil, apperrors.NewJobNotFoundError(jobID)
		case errors.Is(err, storage.ErrJobTerminal):
			status := types.JobStatusCompleted
			if current, getErr := s.jobs.Get(ctx, jobID); getErr == nil {
				status = current.Status
			}
			return nil, apperrors.NewJobNotProcessingError(jobID, status)
		default:
			return nil, apperrors.NewDatabaseError("cancel import job", err)
		}
	}

	s.writeLog(ctx, job)
	logging.FromContext(ctx).WithJob(jobID).WithField("cursor", job.Cursor).Info("Import cancelled")

	snap, err := s.quota.Snapshot(ctx, job.OwnerID, job.Tier)
	if err != nil {
		return nil, apperrors.NewDatabaseError("read quota", err)
	}
	return statusView(job, snap), nil
}

// UsageStats combines the current period's quota with the owner's import history
func (s *ImportService) UsageStats(ctx context.Context, ownerID string, tier types.UserTier) (*models.UsageStats, error) {
	if ownerID == "" {
		return nil, apperrors.NewUnauthorizedError("owner id is required")
	}
	snap, err := s.quota.Snapshot(ctx, ownerID, tier)
	if err != nil {
		return nil, apperrors.NewDatabaseError("read quota", err)
	}

	stats := &models.UsageStats{
		OwnerID:       ownerID,
		Period:        snap.Period,
		MonthlyUsed:   snap.Used,
		MonthlyLimit:  snap.Limit,
		MonthlyRemain: snap.Remaining,
		UsagePercent:  usagePercent(snap.Used, snap.Limit),
	}
	if s.logs != nil {
		totals, err := s.logs.Totals(ctx, ownerID)
		if err != nil {
			return nil, apperrors.NewDatabaseError("aggregate import logs", err)
		}
		stats.TotalImports = totals.TotalImports
		stats.TotalImages = totals.TotalImages
		stats.LastImportedAt = totals.LastImportedAt
	}
	return stats, nil
}

// ListImports returns an owner's most recent imports
func (s *ImportService) ListImports(ctx context.Context, ownerID string, limit int) ([]*models.ImportLog, error) {
	if ownerID == "" {
		return nil, apperrors.NewUnauthorizedError("owner id is required")
	}
	if s.logs == nil {
		return []*models.ImportLog{}, nil
	}
	logs, err := s.logs.ListByOwner(ctx, ownerID, limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list import logs", err)
	}
	return logs, nil
}

// writeLog mirrors the job into the import log. Failures are logged only.
func (s *ImportService) writeLog(ctx context.Context, job *models.ImportJob) {
	if s.logs == nil {
		return
	}
	entry := &models.ImportLog{
		ImportID:    job.ID,
		OwnerID:     job.OwnerID,
		SourceType:  job.SourceType,
		Status:      job.Status,
		TotalFiles:  job.TotalCount(),
		Counters:    job.Counters,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
	}
	if err := s.logs.Upsert(ctx, entry); err != nil {
		logging.FromContext(ctx).WithJob(job.ID).WithError(err).Warn("Failed to write import log")
	}
}

func (s *ImportService) batchSize(requested int) int {
	if requested <= 0 {
		return s.cfg.DefaultBatchSize
	}
	if requested > s.cfg.MaxBatchSize {
		return s.cfg.MaxBatchSize
	}
	return requested
}
