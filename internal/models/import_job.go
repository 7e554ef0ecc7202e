package models

import (
	"math"
	"time"

	"github.com/cloud-importer/internal/types"
)

// Default transform parameters applied when a request leaves them unset.
const (
	DefaultQuality   = 80
	DefaultMaxWidth  = 1920
	DefaultMaxHeight = 1080
)

// FileDescriptor identifies one remote file. It is immutable once listed.
type FileDescriptor struct {
	SourceID    string `json:"sourceId"`
	DisplayName string `json:"displayName"`
	MimeHint    string `json:"mimeHint,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// Settings is the per-job configuration snapshot taken at start
type Settings struct {
	Dedupe         bool `json:"dedupe"`
	Transform      bool `json:"transform"`
	Quality        int  `json:"quality"`
	MaxWidth       int  `json:"maxWidth"`
	MaxHeight      int  `json:"maxHeight"`
	DeriveMetadata bool `json:"deriveMetadata"`
}

// DefaultSettings mirrors the importer's out-of-the-box behaviour
func DefaultSettings() Settings {
	return Settings{
		Dedupe:         true,
		Transform:      true,
		Quality:        DefaultQuality,
		MaxWidth:       DefaultMaxWidth,
		MaxHeight:      DefaultMaxHeight,
		DeriveMetadata: true,
	}
}

// Normalize fills zero or out-of-range transform parameters with defaults
func (s Settings) Normalize() Settings {
	if s.Quality <= 0 || s.Quality > 100 {
		s.Quality = DefaultQuality
	}
	if s.MaxWidth <= 0 {
		s.MaxWidth = DefaultMaxWidth
	}
	if s.MaxHeight <= 0 {
		s.MaxHeight = DefaultMaxHeight
	}
	return s
}

// Counters tracks per-outcome totals. Processed always equals the sum of the other three.
type Counters struct {
	Processed  int `json:"processed"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// Add returns the element-wise sum of two counters
func (c Counters) Add(o Counters) Counters {
	return Counters{
		Processed:  c.Processed + o.Processed,
		Successful: c.Successful + o.Successful,
		Failed:     c.Failed + o.Failed,
		Skipped:    c.Skipped + o.Skipped,
	}
}

// Consistent reports whether processed matches the outcome breakdown
func (c Counters) Consistent() bool {
	return c.Processed == c.Successful+c.Failed+c.Skipped
}

// ImportJob is the durable record driving one import run
type ImportJob struct {
	ID               string           `json:"id"`
	OwnerID          string           `json:"ownerId"`
	Tier             types.UserTier   `json:"tier"`
	SourceType       types.SourceType `json:"sourceType"`
	SourceRef        string           `json:"sourceRef"`
	Items            []FileDescriptor `json:"items"`
	Settings         Settings         `json:"settings"`
	Cursor           int              `json:"cursor"`
	Counters         Counters         `json:"counters"`
	Status           types.JobStatus  `json:"status"`
	ProducedAssetIDs []string         `json:"producedAssetIds"`
	Partial          bool             `json:"partial"`
	Version          int64            `json:"version"`
	CreatedAt        time.Time        `json:"createdAt"`
	LastUpdatedAt    time.Time        `json:"lastUpdatedAt"`
	CompletedAt      *time.Time       `json:"completedAt,omitempty"`
}

// TotalCount is the fixed number of items in the job
func (j *ImportJob) TotalCount() int {
	return len(j.Items)
}

// Remaining is the number of items past the cursor
func (j *ImportJob) Remaining() int {
	r := len(j.Items) - j.Cursor
	if r < 0 {
		return 0
	}
	return r
}

// Percentage returns round(cursor/total*100) clamped to [0,100]. An empty job is 100.
func (j *ImportJob) Percentage() int {
	return Percentage(j.Cursor, len(j.Items))
}

// Percentage computes progress for a cursor over total items
func Percentage(cursor, total int) int {
	if total <= 0 {
		return 100
	}
	p := int(math.Round(float64(cursor) / float64(total) * 100))
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Progress is the externally visible progress snapshot of a job
type Progress struct {
	Current    int `json:"current"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
	Counters
}

// ProgressOf builds a snapshot from a job record
func ProgressOf(j *ImportJob) Progress {
	return Progress{
		Current:    j.Cursor,
		Total:      j.TotalCount(),
		Percentage: j.Percentage(),
		Counters:   j.Counters,
	}
}
