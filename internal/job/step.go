package job

import (
	"fmt"
	"math"
	"time"

	"github.com/cloud-importer/internal/models"
	"github.com/cloud-importer/internal/quota"
	"github.com/cloud-importer/internal/types"
)

// quotaExhaustedMessage accompanies results that stopped on the monthly limit
const quotaExhaustedMessage = "Monthly import limit reached. Upgrade to continue importing."

// planBatch returns how many items the next step may process
func planBatch(size, remainingItems, remainingQuota int) int {
	n := size
	if remainingItems < n {
		n = remainingItems
	}
	if remainingQuota < n {
		n = remainingQuota
	}
	if n < 0 {
		return 0
	}
	return n
}

// advance returns the record that results from committing a batch of
// length items on top of job. job itself is not modified.
func advance(job *models.ImportJob, batch *models.BatchResult, length int, now time.Time) *models.ImportJob {
	next := *job
	next.Cursor = job.Cursor + length
	next.Counters = job.Counters.Add(batch.Counters())
	next.ProducedAssetIDs = append(append([]string{}, job.ProducedAssetIDs...), batch.AssetIDs()...)
	next.Version = job.Version + 1
	next.LastUpdatedAt = now
	if next.Cursor >= next.TotalCount() {
		next.Status = types.JobStatusCompleted
		next.CompletedAt = &now
	}
	return &next
}

func quotaExhausted(job *models.ImportJob, snap quota.Snapshot) *models.StepResult {
	return &models.StepResult{
		JobID:          job.ID,
		Batch:          &models.BatchResult{Outcomes: []models.ItemOutcome{}, Errors: []string{}},
		Progress:       models.ProgressOf(job),
		QuotaExhausted: true,
		QuotaRemaining: snap.Remaining,
		Message:        quotaExhaustedMessage,
	}
}

func completionMessage(c models.Counters) string {
	return fmt.Sprintf("Import completed! %d successful, %d failed, %d skipped.", c.Successful, c.Failed, c.Skipped)
}

func statusView(job *models.ImportJob, snap quota.Snapshot) *models.JobStatusView {
	ids := job.ProducedAssetIDs
	if ids == nil {
		ids = []string{}
	}
	return &models.JobStatusView{
		JobID:          job.ID,
		Status:         job.Status,
		Cursor:         job.Cursor,
		TotalCount:     job.TotalCount(),
		Counters:       job.Counters,
		Percentage:     job.Percentage(),
		Completed:      job.Status == types.JobStatusCompleted,
		QuotaExhausted: job.Status == types.JobStatusProcessing && job.Remaining() > 0 && snap.Remaining <= 0,
		QuotaRemaining: snap.Remaining,
		AssetIDs:       ids,
	}
}

func usagePercent(used, limit int) float64 {
	if limit <= 0 {
		return 100
	}
	p := float64(used) / float64(limit) * 100
	if p > 100 {
		p = 100
	}
	return math.Round(p*100) / 100
}

func bytesSaved(o models.ItemOutcome) int64 {
	if o.Transform == nil || !o.Transform.Applied {
		return 0
	}
	return o.Transform.OriginalSize - o.Transform.FinalSize
}
