package models

import (
	"time"

	"github.com/cloud-importer/internal/types"
)

// ImportLog is the audit row kept for every import, including archived ones
type ImportLog struct {
	ImportID    string           `json:"importId" db:"import_id"`
	OwnerID     string           `json:"ownerId" db:"owner_id"`
	SourceType  types.SourceType `json:"sourceType" db:"source_type"`
	Status      types.JobStatus  `json:"status" db:"status"`
	TotalFiles  int              `json:"totalFiles" db:"total_files"`
	Counters                     // processed/successful/failed/skipped columns
	CreatedAt   time.Time        `json:"createdAt" db:"created_at"`
	CompletedAt *time.Time       `json:"completedAt,omitempty" db:"completed_at"`
}

// UsageStats summarizes an owner's quota and import history
type UsageStats struct {
	OwnerID        string     `json:"ownerId"`
	Period         string     `json:"period"`
	MonthlyUsed    int        `json:"monthlyUsed"`
	MonthlyLimit   int        `json:"monthlyLimit"`
	MonthlyRemain  int        `json:"monthlyRemaining"`
	UsagePercent   float64    `json:"usagePercent"`
	TotalImports   int        `json:"totalImports"`
	TotalImages    int        `json:"totalImages"`
	LastImportedAt *time.Time `json:"lastImport,omitempty"`
}
