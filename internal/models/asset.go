package models

import "time"

// AssetMetadata accompanies the bytes handed to the asset store
type AssetMetadata struct {
	ImportedBy     string
	JobID          string
	SourceID       string
	FileName       string
	MimeType       string
	ContentHash    string
	OriginalSize   int64
	Title          string
	AltText        string
	Compressed     bool
	SavingsPercent float64
}

// Asset is a stored file record
type Asset struct {
	ID             string    `json:"id"`
	OwnerID        *string   `json:"ownerId,omitempty"`
	ImportedBy     string    `json:"importedBy"`
	JobID          string    `json:"jobId"`
	SourceID       string    `json:"sourceId"`
	FileName       string    `json:"fileName"`
	MimeType       string    `json:"mimeType"`
	ContentHash    string    `json:"contentHash"`
	ObjectKey      string    `json:"objectKey"`
	SizeBytes      int64     `json:"sizeBytes"`
	OriginalSize   int64     `json:"originalSize"`
	Title          string    `json:"title"`
	AltText        string    `json:"altText,omitempty"`
	Compressed     bool      `json:"compressed"`
	SavingsPercent float64   `json:"savingsPercent"`
	CreatedAt      time.Time `json:"createdAt"`
}
