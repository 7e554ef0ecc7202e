package models

import "github.com/cloud-importer/internal/types"

// TransformInfo records what the transform step did to an item
type TransformInfo struct {
	Applied        bool    `json:"applied"`
	OriginalSize   int64   `json:"originalSize"`
	FinalSize      int64   `json:"finalSize"`
	SavingsPercent float64 `json:"savingsPercent"`
	Note           string  `json:"note,omitempty"`
}

// ItemOutcome is the single result of running one item through the pipeline
type ItemOutcome struct {
	Index     int                 `json:"index"`
	SourceID  string              `json:"sourceId"`
	Name      string              `json:"name"`
	Status    types.OutcomeStatus `json:"status"`
	AssetID   string              `json:"assetId,omitempty"`
	Reason    string              `json:"reason,omitempty"`
	Message   string              `json:"message,omitempty"`
	AltText   string              `json:"altText,omitempty"`
	Transform *TransformInfo      `json:"transform,omitempty"`
}

// BatchResult aggregates the outcomes of one batch step
type BatchResult struct {
	Processed  int           `json:"processed"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Outcomes   []ItemOutcome `json:"outcomes"`
	Errors     []string      `json:"errors"`
}

// Record adds one outcome to the batch totals
func (b *BatchResult) Record(o ItemOutcome) {
	b.Processed++
	switch o.Status {
	case types.OutcomeSuccess:
		b.Successful++
	case types.OutcomeSkipped:
		b.Skipped++
	default:
		b.Failed++
		if o.Message != "" {
			b.Errors = append(b.Errors, o.Name+": "+o.Message)
		}
	}
	b.Outcomes = append(b.Outcomes, o)
}

// Counters converts the batch totals for merging into a job
func (b *BatchResult) Counters() Counters {
	return Counters{
		Processed:  b.Processed,
		Successful: b.Successful,
		Failed:     b.Failed,
		Skipped:    b.Skipped,
	}
}

// AssetIDs lists the assets produced by successful outcomes, in order
func (b *BatchResult) AssetIDs() []string {
	ids := make([]string, 0, b.Successful)
	for _, o := range b.Outcomes {
		if o.Status == types.OutcomeSuccess && o.AssetID != "" {
			ids = append(ids, o.AssetID)
		}
	}
	return ids
}

// StepResult is returned by a batch step. QuotaExhausted is a normal result, not an error.
type StepResult struct {
	JobID          string       `json:"jobId"`
	Batch          *BatchResult `json:"batchResults,omitempty"`
	Progress       Progress     `json:"progress"`
	Completed      bool         `json:"completed"`
	QuotaExhausted bool         `json:"quotaExhausted"`
	QuotaRemaining int          `json:"quotaRemaining"`
	Message        string       `json:"message,omitempty"`
}

// JobStatusView is the answer to a status query
type JobStatusView struct {
	JobID          string          `json:"jobId"`
	Status         types.JobStatus `json:"status"`
	Cursor         int             `json:"cursor"`
	TotalCount     int             `json:"totalCount"`
	Counters       Counters        `json:"counters"`
	Percentage     int             `json:"percentage"`
	Completed      bool            `json:"completed"`
	QuotaExhausted bool            `json:"quotaExhausted"`
	QuotaRemaining int             `json:"quotaRemaining"`
	AssetIDs       []string        `json:"assetIds"`
}
