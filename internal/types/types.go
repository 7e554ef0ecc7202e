// Package types provides common type definitions for the cloud importer.
package types

// UserTier represents the service tier of an owner
type UserTier string

const (
	// TierFree represents the free tier with the default monthly quota
	TierFree UserTier = "free"
	// TierPaid represents the paid tier with a raised monthly quota
	TierPaid UserTier = "paid"
)

// ParseUserTier maps a header or config value to a tier, defaulting to free
func ParseUserTier(s string) UserTier {
	if UserTier(s) == TierPaid {
		return TierPaid
	}
	return TierFree
}

// JobStatus represents the lifecycle status of an import job
type JobStatus string

const (
	// JobStatusProcessing is the initial status; batch steps may run
	JobStatusProcessing JobStatus = "processing"
	// JobStatusCompleted means the cursor reached the end of the item list
	JobStatusCompleted JobStatus = "completed"
	// JobStatusCancelled means the job was stopped before completion
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further batch steps may run for the status
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusCancelled
}

// OutcomeStatus is the result of processing a single item
type OutcomeStatus string

const (
	// OutcomeSuccess means a new asset was stored
	OutcomeSuccess OutcomeStatus = "success"
	// OutcomeFailed means the item could not be imported
	OutcomeFailed OutcomeStatus = "failed"
	// OutcomeSkipped means the item was deliberately not imported
	OutcomeSkipped OutcomeStatus = "skipped"
)

// Reason codes attached to item outcomes.
const (
	ReasonFetchError             = "FETCH_ERROR"
	ReasonUnsupportedType        = "UNSUPPORTED_TYPE"
	ReasonDuplicate              = "DUPLICATE"
	ReasonPersistError           = "PERSIST_ERROR"
	ReasonTransformNotBeneficial = "TRANSFORM_NOT_BENEFICIAL"
)

// SourceType identifies the remote file source an import reads from
type SourceType string

const (
	// SourceDrive is a Google Drive folder
	SourceDrive SourceType = "google_drive"
	// SourceLocal is a directory on the server's filesystem
	SourceLocal SourceType = "local"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
