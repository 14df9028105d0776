package dialogue

import (
	"log/slog"
	"sync"
	"time"
)

// Sessions holds the open dialogue sessions and working memory, one slot per
// identity. A slot is replaced outright when a flow is re-entered and
// destroyed on completion or cancellation.
type Sessions struct {
	mu       sync.RWMutex
	open     map[string]*Session
	memories map[string]*Memory
}

// NewSessions creates an empty session store.
func NewSessions() *Sessions {
	return &Sessions{
		open:     make(map[string]*Session),
		memories: make(map[string]*Memory),
	}
}

// Get returns the identity's open session, or nil.
func (s *Sessions) Get(identityKey string) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.open[identityKey]
}

// Put installs the session for the identity, replacing any open one.
func (s *Sessions) Put(identityKey string, sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.open[identityKey]; exists {
		slog.Info("dialogue session replaced", "identity_key", identityKey)
	}
	s.open[identityKey] = sess
}

// Touch refreshes the open session's activity timestamp. LastActivity is
// read by the idle sweep, so it is only ever accessed under the store lock.
func (s *Sessions) Touch(identityKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.open[identityKey]; ok {
		sess.LastActivity = time.Now()
	}
}

// Destroy removes the identity's open session, if any.
func (s *Sessions) Destroy(identityKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.open[identityKey]; exists {
		delete(s.open, identityKey)
		slog.Info("dialogue session destroyed", "identity_key", identityKey)
	}
}

// Memory returns the identity's working memory, creating it if absent.
func (s *Sessions) Memory(identityKey string) *Memory {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[identityKey]
	if !ok {
		m = &Memory{}
		s.memories[identityKey] = m
	}
	return m
}

// ResetMemory clears the identity's cached external id and stake.
func (s *Sessions) ResetMemory(identityKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.memories, identityKey)
}

// DestroyIdle removes sessions whose last activity is older than maxIdle.
// Returns the number destroyed. Optional hardening; not part of the engine's
// default behavior.
func (s *Sessions) DestroyIdle(maxIdle time.Duration) int {
	threshold := time.Now().Add(-maxIdle)

	s.mu.Lock()
	defer s.mu.Unlock()

	destroyed := 0
	for key, sess := range s.open {
		if sess.LastActivity.Before(threshold) {
			delete(s.open, key)
			destroyed++
			slog.Info("idle dialogue session destroyed", "identity_key", key)
		}
	}
	return destroyed
}
