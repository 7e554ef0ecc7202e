// Package blob stores imported asset bytes.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cloud-importer/internal/config"
	"github.com/cloud-importer/internal/logging"
)

// ErrInvalidKey is returned for empty or escaping object keys
var ErrInvalidKey = errors.New("invalid object key")

// Store writes and removes objects by key
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, meta map[string]string) error
	Delete(ctx context.Context, key string) error
}

// New builds the store selected by cfg.Backend
func New(ctx context.Context, cfg *config.BlobConfig) (Store, error) {
	switch cfg.Backend {
	case "minio":
		return NewMinIOStore(ctx, &cfg.MinIO)
	case "filesystem", "":
		logging.WithField("dir", cfg.Dir).Info("Using filesystem asset store")
		return NewFSStore(cfg.Dir)
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Backend)
	}
}
