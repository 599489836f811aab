package blobstore

import (
	"bytes"
	"context"
	"io"

	"github.com/klauspost/compress/zstd"
)

// CompressedBackend stores zstd-compressed blobs in an underlying backend.
type CompressedBackend struct {
	backend Backend
}

func NewCompressedBackend(backend Backend) *CompressedBackend {
	return &CompressedBackend{backend: backend}
}

// Put compresses into memory first so the inner backend always sees a
// known size. Sources are small enough for this to be fine.
func (c *CompressedBackend) Put(ctx context.Context, key string, r io.Reader, _ int64) error {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return err
	}
	if _, err := io.Copy(zw, r); err != nil {
		zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}

	return c.backend.Put(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()))
}

func (c *CompressedBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := c.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	zr, err := zstd.NewReader(rc)
	if err != nil {
		rc.Close()
		return nil, err
	}

	return &zstdReadCloser{decoder: zr, inner: rc}, nil
}

func (c *CompressedBackend) Delete(ctx context.Context, key string) error {
	return c.backend.Delete(ctx, key)
}

func (c *CompressedBackend) Exists(ctx context.Context, key string) (bool, error) {
	return c.backend.Exists(ctx, key)
}

type zstdReadCloser struct {
	decoder *zstd.Decoder
	inner   io.ReadCloser
}

func (z *zstdReadCloser) Read(p []byte) (int, error) {
	return z.decoder.Read(p)
}

func (z *zstdReadCloser) Close() error {
	z.decoder.Close()
	return z.inner.Close()
}
