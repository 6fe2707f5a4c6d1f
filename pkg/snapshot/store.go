// Package snapshot provides the certified state snapshot: an immutable,
// chain-hashed pointer to the committed system state, plus the artifact
// backing stores it resolves paths against.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrArtifactNotFound marks an absent artifact, as opposed to a store fault.
var ErrArtifactNotFound = errors.New("artifact not found")

// ArtifactStore resolves artifact paths to raw bytes. Implementations are
// read-path collaborators of the snapshot; writes happen out-of-band by the
// commit authority.
type ArtifactStore interface {
	Lookup(ctx context.Context, path string) ([]byte, error)
	Put(ctx context.Context, path string, data []byte) error
}

// MemoryStore is an in-memory ArtifactStore for tests and bootstrap.
type MemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{artifacts: make(map[string][]byte)}
}

func (s *MemoryStore) Lookup(_ context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.artifacts[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, path)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *MemoryStore) Put(_ context.Context, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	s.artifacts[path] = stored
	return nil
}

// FileStore resolves artifact paths under a base directory.
type FileStore struct {
	baseDir string
}

// NewFileStore creates a filesystem-backed store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // 0755 is intentional for a shared artifact directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("snapshot: ensure artifact dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

// resolve joins and confines the artifact path to the base directory.
func (s *FileStore) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + path)
	full := filepath.Join(s.baseDir, clean)
	if !strings.HasPrefix(full, filepath.Clean(s.baseDir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("snapshot: path %q escapes store root", path)
	}
	return full, nil
}

func (s *FileStore) Lookup(_ context.Context, path string) ([]byte, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: read %s: %w", path, err)
	}
	return data, nil
}

func (s *FileStore) Put(_ context.Context, path string, data []byte) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	//nolint:gosec // 0755 intentional, see NewFileStore
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("snapshot: ensure parent dir: %w", err)
	}
	// Write to temp then rename so a crashed write never leaves a torn
	// artifact behind.
	tmp := full + ".tmp"
	//nolint:gosec // 0644 intentional for readable artifacts
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("snapshot: write %s: %w", path, err)
	}
	if err := os.Rename(tmp, full); err != nil {
		return fmt.Errorf("snapshot: commit %s: %w", path, err)
	}
	return nil
}
