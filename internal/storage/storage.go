// Package storage provides object storage abstractions for segment files and
// landing-zone inputs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arkilian/orderlake/internal/config"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
	ErrListFailed     = errors.New("list failed")
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// ObjectStorage abstracts object storage operations.
// Implementations are S3 (or any S3-compatible endpoint) and the local
// filesystem.
type ObjectStorage interface {
	// Upload uploads a local file to objectPath. Large files may be sent in
	// parts; the object becomes visible only once complete.
	Upload(ctx context.Context, localPath, objectPath string) error

	// Download copies objectPath to localPath, returning ErrObjectNotFound
	// when the object does not exist.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists checks if an object exists in storage.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns every object under prefix, sorted by path.
	ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// MultipartUploadConfig holds configuration for multipart uploads.
type MultipartUploadConfig struct {
	// PartSize is the size of each part in bytes (default: 5MB).
	PartSize int64

	// Concurrency bounds parts in flight for one object (default: 4).
	Concurrency int
}

// DefaultMultipartConfig returns the default multipart upload configuration.
func DefaultMultipartConfig() MultipartUploadConfig {
	return MultipartUploadConfig{
		PartSize:    5 * 1024 * 1024, // 5MB
		Concurrency: 4,
	}
}

// New builds the storage backend selected by cfg.
func New(ctx context.Context, cfg config.StorageConfig) (ObjectStorage, error) {
	switch cfg.Type {
	case "", "local":
		return NewLocalStorage(cfg.Path)
	case "s3":
		s3cfg := DefaultS3Config()
		if cfg.S3.Region != "" {
			s3cfg.Region = cfg.S3.Region
		}
		s3cfg.Endpoint = cfg.S3.Endpoint
		s3cfg.UsePathStyle = cfg.S3.UsePathStyle
		return NewS3Storage(ctx, cfg.S3.Bucket, s3cfg)
	default:
		return nil, fmt.Errorf("storage: unknown type %q", cfg.Type)
	}
}
