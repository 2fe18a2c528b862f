// Package blob is a filesystem-backed blob store: opaque get/put by
// relative path, used for original uploads and generated thumbnails.
package blob

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store reads and writes blobs under a root directory.
type Store struct {
	root string
}

// NewStore creates a blob store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &Store{root: dir}, nil
}

// Put writes a blob at the given relative path, creating parent directories.
func (s *Store) Put(relPath string, data []byte) error {
	path, err := s.resolve(relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write blob %s: %w", relPath, err)
	}
	return nil
}

// Get reads a blob by relative path.
func (s *Store) Get(relPath string) ([]byte, error) {
	path, err := s.resolve(relPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", relPath, err)
	}
	return data, nil
}

// resolve joins relPath under the root and rejects path traversal.
func (s *Store) resolve(relPath string) (string, error) {
	cleaned := filepath.Clean("/" + relPath)
	if strings.Contains(cleaned, "..") {
		return "", fmt.Errorf("invalid blob path %q", relPath)
	}
	return filepath.Join(s.root, cleaned), nil
}
