// mock_preview_store.go - In-memory preview store that records the handle lifecycle
package testutil

import (
	"fmt"
	"sync"
	"time"

	"github.com/pome-analysis/backend/internal/preview"
)

// RecordingStore implements preview.Store in memory and keeps an ordered log
// of every acquire and release.
type RecordingStore struct {
	mu         sync.Mutex
	handles    map[string]*preview.Handle
	data       map[string][]byte
	ops        []string
	next       int
	AcquireErr error
}

// NewRecordingStore creates an empty RecordingStore.
func NewRecordingStore() *RecordingStore {
	return &RecordingStore{
		handles: make(map[string]*preview.Handle),
		data:    make(map[string][]byte),
	}
}

func (s *RecordingStore) Acquire(source, mediaType string, data []byte) (*preview.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.AcquireErr != nil {
		return nil, s.AcquireErr
	}

	s.next++
	id := fmt.Sprintf("handle-%d", s.next)
	h := &preview.Handle{
		ID:         id,
		Source:     source,
		MediaType:  mediaType,
		Size:       int64(len(data)),
		AcquiredAt: time.Now(),
	}
	s.handles[id] = h
	s.data[id] = append([]byte(nil), data...)
	s.ops = append(s.ops, "acquire:"+id)
	return h, nil
}

func (s *RecordingStore) Read(id string) (*preview.Handle, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[id]
	if !ok {
		return nil, nil, preview.ErrHandleNotFound
	}
	return h, s.data[id], nil
}

func (s *RecordingStore) Release(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.handles[id]; !ok {
		return preview.ErrHandleNotFound
	}
	delete(s.handles, id)
	delete(s.data, id)
	s.ops = append(s.ops, "release:"+id)
	return nil
}

// Ops returns the lifecycle log, e.g. ["acquire:handle-1", "release:handle-1"].
func (s *RecordingStore) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

// Live returns the number of handles not yet released.
func (s *RecordingStore) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Data returns the bytes behind a live handle.
func (s *RecordingStore) Data(id string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.data[id]
	return d, ok
}
