// Package storage provides file-backed JSON storage for durable session state.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned when a key has no durable copy.
var ErrNotFound = errors.New("not found")

// Store persists JSON documents keyed by path segments, one file per key.
type Store struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Store rooted at basePath.
func New(basePath string) *Store {
	return &Store{
		basePath: basePath,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (s *Store) pathToFile(path []string) string {
	parts := append([]string{s.basePath}, path...)
	return filepath.Join(parts...) + ".json"
}

func (s *Store) pathToDir(path []string) string {
	parts := append([]string{s.basePath}, path...)
	return filepath.Join(parts...)
}

// Get retrieves a value from storage.
func (s *Store) Get(path []string, v any) error {
	data, err := os.ReadFile(s.pathToFile(path))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("read: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}

// Put stores a value, writing to a temp file and renaming so readers never
// observe a partial document.
func (s *Store) Put(path []string, v any) error {
	filePath := s.pathToFile(path)

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	lock := s.fileLock(filePath)
	lock.Lock()
	defer lock.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// Delete removes a value. Deleting a missing key is not an error.
func (s *Store) Delete(path []string) error {
	filePath := s.pathToFile(path)

	lock := s.fileLock(filePath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// Scan iterates over all documents directly under a path. Files that cannot
// be read are skipped; the callback decides what to do with undecodable ones.
func (s *Store) Scan(path []string, fn func(key string, data json.RawMessage) error) error {
	entries, err := os.ReadDir(s.pathToDir(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read dir: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.pathToDir(path), name))
		if err != nil {
			continue
		}

		key := strings.TrimSuffix(name, ".json")
		if err := fn(key, json.RawMessage(data)); err != nil {
			return err
		}
	}
	return nil
}

// Exists reports whether a key has a durable copy.
func (s *Store) Exists(path []string) bool {
	_, err := os.Stat(s.pathToFile(path))
	return err == nil
}

// fileLock returns the per-file mutex, creating it on first use. Writes to
// the same key are serialized; distinct keys proceed in parallel.
func (s *Store) fileLock(filePath string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[filePath]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[filePath] = lock
	}
	return lock
}
