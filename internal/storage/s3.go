package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/BerylCAtieno/upload-insights-api/internal/config"
	"github.com/BerylCAtieno/upload-insights-api/internal/utils"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrObjectNotFound is returned by Download for unknown keys.
var ErrObjectNotFound = errors.New("object not found")

// Storage is the object store for raw uploads, training data and models.
// Delete of a missing key succeeds.
type Storage interface {
	Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) (int64, error)
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Object, error)
}

type Object struct {
	Key  string
	Size int64
}

// Key joins path segments into an object key, dropping empty parts.
func Key(parts ...string) string {
	clean := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			clean = append(clean, p)
		}
	}
	return path.Join(clean...)
}

// New picks the backend named by cfg.StorageBackend.
func New(ctx context.Context, cfg *config.Config, logger *utils.Logger) (Storage, error) {
	if cfg.StorageBackend == "local" {
		return NewLocalStorage(cfg.LocalStorageDir, logger)
	}
	return NewS3Storage(ctx, cfg, logger)
}

type s3Storage struct {
	client     *minio.Client
	bucketName string
	logger     *utils.Logger
}

func NewS3Storage(ctx context.Context, cfg *config.Config, logger *utils.Logger) (Storage, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, ""),
		Secure: cfg.S3UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	// Ensure bucket exists
	exists, err := client.BucketExists(ctx, cfg.S3BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		err = client.MakeBucket(ctx, cfg.S3BucketName, minio.MakeBucketOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		logger.Info("Created bucket", "bucket", cfg.S3BucketName)
	}

	return &s3Storage{
		client:     client,
		bucketName: cfg.S3BucketName,
		logger:     logger,
	}, nil
}

// Upload streams r to key. A negative size lets minio use a multipart upload
// without knowing the length up front.
func (s *s3Storage) Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) (int64, error) {
	info, err := s.client.PutObject(
		ctx,
		s.bucketName,
		key,
		r,
		size,
		minio.PutObjectOptions{
			ContentType: contentType,
		},
	)
	if err != nil {
		s.logger.Error("S3 upload failed", "key", key, "error", err)
		return 0, fmt.Errorf("failed to upload to S3: %w", err)
	}

	s.logger.Info("Uploaded object", "key", key, "bytes", info.Size)
	return info.Size, nil
}

func (s *s3Storage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	object, err := s.client.GetObject(ctx, s.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}

	// GetObject is lazy; Stat surfaces a missing key before the caller reads.
	stat, err := object.Stat()
	if err != nil {
		object.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("failed to stat object %s: %w", key, err)
	}

	s.logger.Info("Downloading object", "key", key, "bytes", stat.Size)
	return object, nil
}

func (s *s3Storage) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucketName, key, minio.RemoveObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil
		}
		return fmt.Errorf("failed to delete from S3: %w", err)
	}

	s.logger.Info("Deleted object", "key", key)
	return nil
}

func (s *s3Storage) List(ctx context.Context, prefix string) ([]Object, error) {
	var out []Object
	opts := minio.ListObjectsOptions{Prefix: prefix, Recursive: true}
	for obj := range s.client.ListObjects(ctx, s.bucketName, opts) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list objects under %s: %w", prefix, obj.Err)
		}
		out = append(out, Object{Key: obj.Key, Size: obj.Size})
	}
	return out, nil
}
