// Package assetstore combines the asset metadata table with blob storage.
package assetstore

import (
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/cloud-importer/internal/blob"
	"github.com/cloud-importer/internal/logging"
	"github.com/cloud-importer/internal/models"
	"github.com/google/uuid"
)

// Repository is the metadata side of the store
type Repository interface {
	FindIDByHash(ctx context.Context, hash string) (string, bool, error)
	Insert(ctx context.Context, asset *models.Asset) error
	SetOwner(ctx context.Context, assetID, ownerID string) error
	Delete(ctx context.Context, assetID string) (string, error)
}

// Store persists imported assets
type Store struct {
	repo  Repository
	blobs blob.Store
	now   func() time.Time
}

// New creates an asset store
func New(repo Repository, blobs blob.Store) *Store {
	return &Store{repo: repo, blobs: blobs, now: time.Now}
}

// FindByHash returns the id of an existing asset with the same content
func (s *Store) FindByHash(ctx context.Context, hash string) (string, bool, error) {
	return s.repo.FindIDByHash(ctx, hash)
}

// Persist uploads the bytes and records the asset. The object is removed
// again if the metadata row cannot be written.
func (s *Store) Persist(ctx context.Context, r io.Reader, size int64, meta models.AssetMetadata) (string, error) {
	id := uuid.New().String()
	key := ObjectKey(meta.ImportedBy, meta.JobID, id, meta.FileName)

	userMeta := map[string]string{
		"imported-by":  meta.ImportedBy,
		"job-id":       meta.JobID,
		"source-id":    meta.SourceID,
		"content-hash": meta.ContentHash,
	}
	if meta.Compressed {
		userMeta["savings-percent"] = strconv.FormatFloat(meta.SavingsPercent, 'f', 2, 64)
	}

	if err := s.blobs.Put(ctx, key, r, size, meta.MimeType, userMeta); err != nil {
		return "", fmt.Errorf("failed to store asset bytes: %w", err)
	}

	asset := &models.Asset{
		ID:             id,
		ImportedBy:     meta.ImportedBy,
		JobID:          meta.JobID,
		SourceID:       meta.SourceID,
		FileName:       meta.FileName,
		MimeType:       meta.MimeType,
		ContentHash:    meta.ContentHash,
		ObjectKey:      key,
		SizeBytes:      size,
		OriginalSize:   meta.OriginalSize,
		Title:          meta.Title,
		AltText:        meta.AltText,
		Compressed:     meta.Compressed,
		SavingsPercent: meta.SavingsPercent,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.repo.Insert(ctx, asset); err != nil {
		if delErr := s.blobs.Delete(ctx, key); delErr != nil {
			logging.WithError(delErr).WithField("object_key", key).Warn("Failed to remove orphaned asset object")
		}
		return "", fmt.Errorf("failed to record asset: %w", err)
	}
	return id, nil
}

// AttachOwner tags every asset with its owner. It stops at the first error.
func (s *Store) AttachOwner(ctx context.Context, ownerID string, assetIDs []string) error {
	for _, id := range assetIDs {
		if err := s.repo.SetOwner(ctx, id, ownerID); err != nil {
			return fmt.Errorf("failed to attach owner to %s: %w", id, err)
		}
	}
	return nil
}

// Discard removes assets whose batch step was never committed. Every id is
// attempted; the first error is returned.
func (s *Store) Discard(ctx context.Context, assetIDs []string) error {
	var firstErr error
	for _, id := range assetIDs {
		key, err := s.repo.Delete(ctx, id)
		if err == nil {
			err = s.blobs.Delete(ctx, key)
		}
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to discard asset %s: %w", id, err)
		}
	}
	return firstErr
}

// ObjectKey builds "<owner>/<job>/<asset><ext>"
func ObjectKey(ownerID, jobID, assetID, fileName string) string {
	ext := strings.ToLower(path.Ext(fileName))
	return path.Join(safeSegment(ownerID), safeSegment(jobID), assetID+ext)
}

func safeSegment(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
	if s == "" {
		return "_"
	}
	return s
}
