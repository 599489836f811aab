package blobstore

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
)

// Digest returns the BLAKE2b-256 hex digest of content.
func Digest(content []byte) string {
	sum := blake2b.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Store is a content-addressed view over a Backend.
type Store struct {
	backend Backend
}

func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// Put stores content under its digest and returns the digest. Writing the
// same content twice is a no-op.
func (s *Store) Put(ctx context.Context, content []byte) (string, error) {
	digest := Digest(content)

	exists, err := s.backend.Exists(ctx, digest)
	if err != nil {
		return "", err
	}
	if exists {
		return digest, nil
	}

	if err := s.backend.Put(ctx, digest, bytes.NewReader(content), int64(len(content))); err != nil {
		return "", fmt.Errorf("storing blob %s: %w", digest, err)
	}
	return digest, nil
}

// Get loads the content stored under digest and verifies it.
func (s *Store) Get(ctx context.Context, digest string) ([]byte, error) {
	rc, err := s.backend.Get(ctx, digest)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	content, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", digest, err)
	}

	if Digest(content) != digest {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, digest)
	}
	return content, nil
}

// Delete removes the blob stored under digest.
func (s *Store) Delete(ctx context.Context, digest string) error {
	return s.backend.Delete(ctx, digest)
}
