// Package local stores files on the local filesystem under a base
// directory, mirroring the object layout of the MinIO backend so the
// two are interchangeable behind the same interface.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Storage is a local-disk file storage backend.
type Storage struct {
	baseDir string
}

// NewStorage creates the base directory if needed and returns a Storage.
func NewStorage(baseDir string) (*Storage, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base dir: %w", err)
	}

	return &Storage{baseDir: baseDir}, nil
}

// Save writes the reader's contents under subdir/filename and returns
// the base-relative path.
func (s *Storage) Save(ctx context.Context, subdir, filename string, src io.Reader) (string, error) {
	relPath := filepath.Join(subdir, filename)
	absPath := filepath.Join(s.baseDir, relPath)

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create dir: %w", err)
	}

	dst, err := os.Create(absPath)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}

	return relPath, nil
}

// Load opens the file at the given base-relative path.
func (s *Storage) Load(ctx context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.baseDir, path))
	if err != nil {
		return nil, fmt.Errorf("failed to load file: %w", err)
	}

	return f, nil
}

// Delete removes the file at the given base-relative path.
func (s *Storage) Delete(ctx context.Context, path string) error {
	if err := os.Remove(filepath.Join(s.baseDir, path)); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}

	return nil
}
