// Package chunstore implements the on-disk encrypted chunk store: each
// chunk is written to <root>/<hash>, content-addressed by its base64 BLAKE3
// hash (hex-encoded for the filename), atomically via write-to-temp-then-
// rename so a crash never leaves a partially written chunk at its final
// path.
package chunstore

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrChunkNotFound is returned by Get when no chunk exists for the given hash.
var ErrChunkNotFound = errors.New("chunstore: chunk not found")

// Index is the dedup/presence index a Store consults before touching disk
// and updates after a successful write. daemon/manager.BoltCAS satisfies
// this shape without any adapter.
type Index interface {
	HasChunk(hash string) bool
	PutChunk(hash string, length int) error
}

// Store is a content-addressed file store rooted at a directory.
type Store struct {
	root  string
	index Index
}

// New creates a Store rooted at dir, creating the directory if needed. index
// may be nil, in which case the store falls back to stat-based presence
// checks only.
func New(dir string, index Index) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create chunk store directory: %w", err)
	}
	return &Store{root: dir, index: index}, nil
}

// pathFor returns the on-disk path for a base64-encoded chunk hash.
func (s *Store) pathFor(hashB64 string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(hashB64)
	if err != nil {
		return "", fmt.Errorf("invalid chunk hash: %w", err)
	}
	return filepath.Join(s.root, hex.EncodeToString(decoded)), nil
}

// Has reports whether a chunk for hashB64 is already stored. It consults the
// index when present, otherwise stats the file directly.
func (s *Store) Has(hashB64 string) bool {
	if s.index != nil {
		return s.index.HasChunk(hashB64)
	}
	path, err := s.pathFor(hashB64)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Put writes data under hashB64's content-addressed path. A write is a
// no-op if the chunk is already present, so callers need not de-duplicate
// themselves before calling Put.
func (s *Store) Put(hashB64 string, data []byte) error {
	if s.Has(hashB64) {
		return nil
	}

	path, err := s.pathFor(hashB64)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.root, "chunk-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp chunk file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write chunk: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to fsync chunk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close chunk temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to finalize chunk: %w", err)
	}

	if s.index != nil {
		if err := s.index.PutChunk(hashB64, len(data)); err != nil {
			return fmt.Errorf("failed to update chunk index: %w", err)
		}
	}
	return nil
}

// Get reads back the chunk stored under hashB64.
func (s *Store) Get(hashB64 string) ([]byte, error) {
	path, err := s.pathFor(hashB64)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrChunkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk: %w", err)
	}
	return data, nil
}

// Remove deletes the chunk stored under hashB64, if present.
func (s *Store) Remove(hashB64 string) error {
	path, err := s.pathFor(hashB64)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove chunk: %w", err)
	}
	return nil
}
