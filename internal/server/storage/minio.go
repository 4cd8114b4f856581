package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// CacheDir holds local copies handed out by GetPath.
	CacheDir string
}

// MinioStore keeps files in an S3-compatible bucket. The external tool needs
// a local path, so GetPath downloads objects into a cache directory.
type MinioStore struct {
	client *minio.Client
	bucket string
	cache  *FileSystemStore
}

func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinioStore{
		client: client,
		bucket: cfg.Bucket,
		cache:  NewFileSystemStore(cfg.CacheDir),
	}, nil
}

// EnsureDir creates the bucket and the local cache directory.
func (s *MinioStore) EnsureDir(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
		}
		slog.Info("created storage bucket", "bucket", s.bucket)
	}
	return s.cache.EnsureDir(ctx)
}

func (s *MinioStore) Save(ctx context.Context, key string, data io.Reader) (int64, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return 0, err
	}
	info, err := s.client.PutObject(ctx, s.bucket, clean, data, -1, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upload %s: %w", clean, err)
	}
	return info.Size, nil
}

// GetPath downloads the object into the cache unless a copy is already there.
func (s *MinioStore) GetPath(ctx context.Context, key string) (string, error) {
	if p, err := s.cache.GetPath(ctx, key); err == nil {
		return p, nil
	}
	clean, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	local, err := s.cache.filePath(clean)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}
	if err := s.client.FGetObject(ctx, s.bucket, clean, local, minio.GetObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return "", fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return "", fmt.Errorf("failed to download %s: %w", clean, err)
	}
	return local, nil
}

func (s *MinioStore) Delete(ctx context.Context, key string) error {
	clean, err := cleanKey(key)
	if err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, clean, minio.RemoveObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code != "NoSuchKey" {
			return fmt.Errorf("failed to delete %s: %w", clean, err)
		}
	}
	return s.cache.Delete(ctx, clean)
}

// Sweep removes objects last modified before the cutoff and expires the
// local cache with the same cutoff.
func (s *MinioStore) Sweep(ctx context.Context, before time.Time) (int, error) {
	removed := 0
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return removed, fmt.Errorf("failed to list bucket %s: %w", s.bucket, obj.Err)
		}
		if !obj.LastModified.Before(before) {
			continue
		}
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			slog.Warn("failed to remove expired object", "key", obj.Key, "error", err)
			continue
		}
		removed++
	}
	if _, err := s.cache.Sweep(ctx, before); err != nil {
		slog.Warn("failed to sweep storage cache", "error", err)
	}
	return removed, nil
}
