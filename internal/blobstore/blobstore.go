// Package blobstore abstracts the object storage that holds audio
// payloads, plus a filesystem implementation used for local-only playback
// and offline operation.
package blobstore

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Store accepts binary payloads and returns stable references usable for
// playback.
type Store interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// FileStore keeps blobs on the local filesystem under a single directory.
// References are file:// URLs. Filenames are prefixed with a content hash
// so identical names never collide.
type FileStore struct {
	dir string
}

// NewFileStore creates the blob directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Put writes the payload and returns its reference.
func (s *FileStore) Put(_ context.Context, name string, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	path := filepath.Join(s.dir, fmt.Sprintf("%x_%s", sum[:8], filepath.Base(name)))
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	return "file://" + path, nil
}

// Open returns a reader for a previously stored reference.
func (s *FileStore) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	path := strings.TrimPrefix(ref, "file://")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return f, nil
}
