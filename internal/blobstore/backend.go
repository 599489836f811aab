// Package blobstore keeps large function sources outside the database,
// addressed by their content digest.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/watzon/funcbox/internal/config"
)

var (
	ErrNotFound      = errors.New("blob not found")
	ErrInvalidConfig = errors.New("invalid blob backend configuration")
	ErrCorrupt       = errors.New("blob content does not match its digest")
)

// Backend stores opaque blobs by key.
type Backend interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// NewBackend builds the backend selected by cfg, wrapped with compression
// when enabled.
func NewBackend(ctx context.Context, cfg config.BlobsConfig) (Backend, error) {
	var backend Backend
	switch cfg.Type {
	case "filesystem":
		if cfg.Path == "" {
			return nil, fmt.Errorf("%w: path is required", ErrInvalidConfig)
		}
		backend = NewFilesystemBackend(cfg.Path)
	case "s3":
		s3Backend, err := NewS3Backend(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		backend = s3Backend
	default:
		return nil, fmt.Errorf("%w: unknown backend type %q", ErrInvalidConfig, cfg.Type)
	}

	if cfg.Compression {
		backend = NewCompressedBackend(backend)
	}
	return backend, nil
}
