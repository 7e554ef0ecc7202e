package blob

import (
	"context"
	"fmt"
	"io"

	"github.com/cloud-importer/internal/config"
	"github.com/cloud-importer/internal/logging"
	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOStore writes assets to an S3-compatible bucket
type MinIOStore struct {
	client *miniogo.Client
	bucket string
}

// NewMinIOStore connects to MinIO and creates the bucket if it is missing
func NewMinIOStore(ctx context.Context, cfg *config.MinIOConfig) (*MinIOStore, error) {
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, miniogo.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
		logging.WithField("bucket", cfg.Bucket).Info("Created asset bucket")
	}

	logging.WithFields(logging.Fields{
		"endpoint": cfg.Endpoint,
		"bucket":   cfg.Bucket,
	}).Info("MinIO asset store initialized")

	return &MinIOStore{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads one object
func (s *MinIOStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, meta map[string]string) error {
	if key == "" {
		return ErrInvalidKey
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, miniogo.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: meta,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// Delete removes one object
func (s *MinIOStore) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, miniogo.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}
