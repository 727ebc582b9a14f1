package auth

import (
	"context"
	"sync"
	"time"
)

// MemorySessionStore provides an in-memory SessionStore for single-process
// deployments and tests.
type MemorySessionStore struct {
	sessions map[string]*Session
	mutex    sync.RWMutex
}

// NewMemorySessionStore creates an empty in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*Session),
	}
}

// Put stores or replaces a session.
func (s *MemorySessionStore) Put(ctx context.Context, session *Session) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	// Copies on both sides keep callers from mutating stored state.
	copied := *session
	s.sessions[session.ID] = &copied
	return nil
}

// Get returns a session, or nil when absent.
func (s *MemorySessionStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return nil, nil
	}
	copied := *session
	return &copied, nil
}

// Delete removes a session.
func (s *MemorySessionStore) Delete(ctx context.Context, sessionID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.sessions, sessionID)
	return nil
}

// ListByPrincipal returns all sessions held by a principal.
func (s *MemorySessionStore) ListByPrincipal(ctx context.Context, principalID string) ([]*Session, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var sessions []*Session
	for _, session := range s.sessions {
		if session.PrincipalID == principalID {
			copied := *session
			sessions = append(sessions, &copied)
		}
	}
	return sessions, nil
}

// MemoryRevocationList provides an in-memory RevocationList.
type MemoryRevocationList struct {
	revoked map[string]time.Time
	mutex   sync.Mutex
}

// NewMemoryRevocationList creates an empty in-memory revocation list.
func NewMemoryRevocationList() *MemoryRevocationList {
	return &MemoryRevocationList{
		revoked: make(map[string]time.Time),
	}
}

// Revoke marks an ID revoked until expiresAt.
func (l *MemoryRevocationList) Revoke(ctx context.Context, id string, expiresAt time.Time) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.revoked[id] = expiresAt
	return nil
}

// IsRevoked reports whether an ID has been revoked.
func (l *MemoryRevocationList) IsRevoked(ctx context.Context, id string) (bool, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	_, exists := l.revoked[id]
	return exists, nil
}

// ConsumeOnce marks an ID revoked iff it was not already. The single mutex
// makes check-and-set atomic.
func (l *MemoryRevocationList) ConsumeOnce(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if _, exists := l.revoked[id]; exists {
		return false, nil
	}
	l.revoked[id] = expiresAt
	return true, nil
}

// CleanupExpired removes entries whose expiry has passed.
func (l *MemoryRevocationList) CleanupExpired(ctx context.Context) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	now := time.Now()
	for id, expiresAt := range l.revoked {
		if now.After(expiresAt) {
			delete(l.revoked, id)
		}
	}
	return nil
}

// MemoryOAuthStateStore provides an in-memory OAuthStateStore.
type MemoryOAuthStateStore struct {
	states map[string]*memoryStateEntry
	mutex  sync.Mutex
}

type memoryStateEntry struct {
	state     *OAuthState
	expiresAt time.Time
}

// NewMemoryOAuthStateStore creates an empty in-memory state store.
func NewMemoryOAuthStateStore() *MemoryOAuthStateStore {
	return &MemoryOAuthStateStore{
		states: make(map[string]*memoryStateEntry),
	}
}

// Put stores a new state record with the given TTL.
func (s *MemoryOAuthStateStore) Put(ctx context.Context, state *OAuthState, ttl time.Duration) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	copied := *state
	s.states[state.State] = &memoryStateEntry{
		state:     &copied,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Consume atomically retrieves and consumes a state record. Expired entries
// count as unknown.
func (s *MemoryOAuthStateStore) Consume(ctx context.Context, state string) (*OAuthState, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entry, exists := s.states[state]
	if !exists {
		return nil, nil
	}
	delete(s.states, state)

	if time.Now().After(entry.expiresAt) {
		return nil, nil
	}

	copied := *entry.state
	copied.Consumed = true
	return &copied, nil
}
