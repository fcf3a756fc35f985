// Package preview manages the displayable surrogates shown for uploaded images.
//
// Each surrogate lives behind a Handle that must be released explicitly once it
// is superseded. Released handles cannot be read again.
package preview

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrHandleNotFound is returned for unknown or already released handles.
var ErrHandleNotFound = errors.New("preview handle not found")

// Handle identifies an acquired preview resource.
type Handle struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	MediaType  string    `json:"mediaType"`
	Size       int64     `json:"size"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// Store defines the handle lifecycle used by upload sessions.
type Store interface {
	Acquire(source, mediaType string, data []byte) (*Handle, error)
	Read(id string) (*Handle, []byte, error)
	Release(id string) error
}

// LocalStore implements Store on the local filesystem.
type LocalStore struct {
	mu      sync.RWMutex
	dir     string
	handles map[string]*Handle
}

// NewLocalStore creates a LocalStore rooted at dir.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating preview directory: %w", err)
	}

	return &LocalStore{
		dir:     dir,
		handles: make(map[string]*Handle),
	}, nil
}

// Acquire writes data to disk and returns a new handle for it.
func (s *LocalStore) Acquire(source, mediaType string, data []byte) (*Handle, error) {
	id := uuid.New().String()
	path := filepath.Join(s.dir, id)

	if err := os.WriteFile(path, data, 0644); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("writing preview: %w", err)
	}

	h := &Handle{
		ID:         id,
		Source:     source,
		MediaType:  mediaType,
		Size:       int64(len(data)),
		AcquiredAt: time.Now(),
	}

	s.mu.Lock()
	s.handles[id] = h
	s.mu.Unlock()

	return h, nil
}

// Read returns the handle metadata and its bytes.
func (s *LocalStore) Read(id string) (*Handle, []byte, error) {
	s.mu.RLock()
	h, ok := s.handles[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrHandleNotFound, id)
	}

	data, err := os.ReadFile(filepath.Join(s.dir, id))
	if err != nil {
		return nil, nil, fmt.Errorf("reading preview: %w", err)
	}
	return h, data, nil
}

// Release removes the handle and its bytes.
func (s *LocalStore) Release(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.handles[id]; !ok {
		return fmt.Errorf("%w: %s", ErrHandleNotFound, id)
	}

	if err := os.Remove(filepath.Join(s.dir, id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting preview: %w", err)
	}
	delete(s.handles, id)
	return nil
}

// Live returns the number of handles not yet released.
func (s *LocalStore) Live() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handles)
}

// Purge releases every handle and removes stray files left from a previous run.
func (s *LocalStore) Purge() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("listing preview directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("deleting %s: %w", e.Name(), err)
		}
	}
	s.handles = make(map[string]*Handle)
	return nil
}
