package session

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// MaxSessions limits concurrent sessions to bound preview storage.
const MaxSessions = 50

// SessionMaxAge is how long an idle session is kept before cleanup.
const SessionMaxAge = 30 * time.Minute

// SessionKeepAliveWindow protects sessions that were touched recently.
const SessionKeepAliveWindow = 5 * time.Minute

// ErrSessionNotFound is returned for unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// ErrTooManySessions is returned when the registry is full and every session
// is busy or recently used.
var ErrTooManySessions = errors.New("too many active sessions")

// Manager owns the upload sessions of all connected clients.
type Manager struct {
	sessions    map[string]*Session
	mu          sync.RWMutex
	opts        Options
	maxSessions int
}

// NewManager creates a registry whose sessions share opts.
func NewManager(opts Options) *Manager {
	return NewManagerWithLimit(opts, MaxSessions)
}

// NewManagerWithLimit creates a registry holding at most maxSessions.
func NewManagerWithLimit(opts Options, maxSessions int) *Manager {
	if maxSessions <= 0 {
		maxSessions = MaxSessions
	}
	return &Manager{
		sessions:    make(map[string]*Session),
		opts:        opts.withDefaults(),
		maxSessions: maxSessions,
	}
}

// Create starts a new empty session.
func (m *Manager) Create() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.maxSessions && !m.evictIdleLocked() {
		return nil, ErrTooManySessions
	}

	s := New(m.opts)
	m.sessions[s.ID()] = s
	logger.Infof("[Manager] Created session %s (%d active)", shortID(s.ID()), len(m.sessions))
	return s, nil
}

// evictIdleLocked closes the least recently used session that is neither
// busy nor inside the keep-alive window.
func (m *Manager) evictIdleLocked() bool {
	keepAliveCutoff := time.Now().Add(-SessionKeepAliveWindow)

	candidates := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.Busy() || s.LastAccessed().After(keepAliveCutoff) {
			continue
		}
		candidates = append(candidates, s)
	}
	if len(candidates) == 0 {
		return false
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastAccessed().Before(candidates[j].LastAccessed())
	})
	victim := candidates[0]
	victim.Close()
	delete(m.sessions, victim.ID())
	logger.Infof("[Manager] Evicted idle session %s to make room", shortID(victim.ID()))
	return true
}

// Get returns a session by ID.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	return s, ok
}

// Touch updates the last access time of a session so cleanup skips it.
func (m *Manager) Touch(id string) bool {
	s, ok := m.Get(id)
	if !ok {
		return false
	}
	s.Touch()
	return true
}

// Close ends a session and releases everything it holds.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	s.Close()
	logger.Infof("[Manager] Closed session %s", shortID(id))
	return nil
}

// CleanupOldSessions closes sessions idle for longer than maxAge. Busy
// sessions and sessions touched within SessionKeepAliveWindow are kept.
func (m *Manager) CleanupOldSessions(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	keepAliveCutoff := time.Now().Add(-SessionKeepAliveWindow)

	removed := 0
	for id, s := range m.sessions {
		if s.Busy() {
			continue
		}
		last := s.LastAccessed()
		if last.After(keepAliveCutoff) || !last.Before(cutoff) {
			continue
		}
		s.Close()
		delete(m.sessions, id)
		removed++
		logger.Infof("[Manager] Cleaned up aged session %s (last accessed: %s ago)",
			shortID(id), time.Since(last).Round(time.Second))
	}
	return removed
}

// CloseAll closes every session. Used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	if len(sessions) > 0 {
		logger.Infof("[Manager] Closed %d sessions", len(sessions))
	}
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
