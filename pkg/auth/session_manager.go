package auth

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/gateguard/gateguard/pkg/audit"
)

// SessionConfig holds session lifecycle configuration.
type SessionConfig struct {
	// MaxConcurrentSessions caps live sessions per principal; creating one
	// beyond the cap revokes the least recently seen.
	MaxConcurrentSessions int `json:"max_concurrent_sessions" yaml:"max_concurrent_sessions"`

	// IdleTimeout revokes sessions not touched for this long. Applied
	// lazily on lookup rather than swept eagerly.
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// DefaultSessionConfig returns sensible defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxConcurrentSessions: 5,
		IdleTimeout:           30 * time.Minute,
	}
}

// SessionManager exclusively owns session lifecycle: creation, touch,
// revocation, the concurrency cap, and the idle timeout.
type SessionManager struct {
	store   SessionStore
	config  SessionConfig
	auditor *audit.Logger
	logger  *slog.Logger

	// createLocks serializes the cap check and the insert per principal;
	// without it concurrent creates all pass the check and overshoot the
	// cap.
	createLocks [64]sync.Mutex

	// now is overridable for tests.
	now func() time.Time
}

// NewSessionManager creates a session manager over the given store.
func NewSessionManager(config SessionConfig, store SessionStore, auditor *audit.Logger, logger *slog.Logger) *SessionManager {
	defaults := DefaultSessionConfig()
	if config.MaxConcurrentSessions <= 0 {
		config.MaxConcurrentSessions = defaults.MaxConcurrentSessions
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}

	return &SessionManager{
		store:   store,
		config:  config,
		auditor: auditor,
		logger:  logger.With(slog.String("component", "session_manager")),
		now:     time.Now,
	}
}

// Create starts a new session for a principal. When the principal is at the
// concurrency cap, the least recently seen live session is revoked to make
// room.
func (sm *SessionManager) Create(ctx context.Context, principalID, deviceFingerprint string) (*Session, error) {
	if principalID == "" {
		return nil, fmt.Errorf("principal ID cannot be empty")
	}

	lock := sm.principalLock(principalID)
	lock.Lock()
	defer lock.Unlock()

	if err := sm.evictOverCap(ctx, principalID); err != nil {
		return nil, err
	}

	csrfToken, err := randomToken(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CSRF token: %w", err)
	}

	now := sm.now()
	session := &Session{
		ID:                uuid.New().String(),
		PrincipalID:       principalID,
		DeviceFingerprint: deviceFingerprint,
		CreatedAt:         now,
		LastSeenAt:        now,
		CSRFToken:         csrfToken,
	}

	if err := sm.store.Put(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	sm.auditor.Record(ctx, audit.NewEvent("session.create").
		WithActor(principalID).
		WithResource(session.ID).
		WithOutcome(audit.OutcomeAllow).
		Build())

	sm.logger.Debug("Created session",
		slog.String("session_id", session.ID),
		slog.String("principal_id", principalID))

	return session, nil
}

// Get returns a live session. Idle sessions are revoked on lookup and
// reported as absent; fully revoked sessions are returned with the flag set
// so callers can distinguish revoked from unknown.
func (sm *SessionManager) Get(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session ID cannot be empty")
	}

	session, err := sm.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	if session == nil {
		return nil, nil
	}

	if !session.Revoked && sm.now().Sub(session.LastSeenAt) > sm.config.IdleTimeout {
		if err := sm.Revoke(ctx, sessionID); err != nil {
			return nil, err
		}
		session.Revoked = true
	}

	return session, nil
}

// Touch updates the session's LastSeenAt, feeding both the idle timeout and
// LRU eviction order.
func (sm *SessionManager) Touch(ctx context.Context, sessionID string) error {
	session, err := sm.store.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to read session: %w", err)
	}
	if session == nil || session.Revoked {
		return ErrRevokedSession
	}

	session.LastSeenAt = sm.now()
	if err := sm.store.Put(ctx, session); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// Revoke marks a session revoked. The record is kept (not deleted) so
// IsRevoked can answer authoritatively until bound tokens expire.
func (sm *SessionManager) Revoke(ctx context.Context, sessionID string) error {
	session, err := sm.store.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to read session: %w", err)
	}
	if session == nil {
		return nil
	}
	if session.Revoked {
		return nil
	}

	session.Revoked = true
	if err := sm.store.Put(ctx, session); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}

	sm.auditor.Record(ctx, audit.NewEvent("session.revoke").
		WithActor(session.PrincipalID).
		WithResource(sessionID).
		WithOutcome(audit.OutcomeAllow).
		Build())

	return nil
}

// IsRevoked reports whether a session is revoked. Unknown sessions count as
// revoked: a token bound to a session this manager cannot see fails closed.
func (sm *SessionManager) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	session, err := sm.Get(ctx, sessionID)
	if err != nil {
		return true, err
	}
	if session == nil {
		return true, nil
	}
	return session.Revoked, nil
}

// RotateCSRFToken replaces the session's CSRF token. Called on privilege-
// relevant events such as login and role change.
func (sm *SessionManager) RotateCSRFToken(ctx context.Context, sessionID string) (string, error) {
	session, err := sm.store.Get(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("failed to read session: %w", err)
	}
	if session == nil || session.Revoked {
		return "", ErrRevokedSession
	}

	token, err := randomToken(32)
	if err != nil {
		return "", fmt.Errorf("failed to generate CSRF token: %w", err)
	}

	session.CSRFToken = token
	if err := sm.store.Put(ctx, session); err != nil {
		return "", fmt.Errorf("failed to rotate CSRF token: %w", err)
	}
	return token, nil
}

// StoreDelegatedToken attaches a third-party token obtained through an
// OAuth flow to the session, keyed by provider.
func (sm *SessionManager) StoreDelegatedToken(ctx context.Context, sessionID, provider string, token *oauth2.Token) error {
	session, err := sm.store.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to read session: %w", err)
	}
	if session == nil || session.Revoked {
		return ErrRevokedSession
	}

	if session.DelegatedTokens == nil {
		session.DelegatedTokens = make(map[string]*oauth2.Token)
	}
	session.DelegatedTokens[provider] = token

	if err := sm.store.Put(ctx, session); err != nil {
		return fmt.Errorf("failed to store delegated token: %w", err)
	}
	return nil
}

// ListSessions returns the principal's sessions ordered most recently seen
// first.
func (sm *SessionManager) ListSessions(ctx context.Context, principalID string) ([]*Session, error) {
	sessions, err := sm.store.ListByPrincipal(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastSeenAt.After(sessions[j].LastSeenAt)
	})
	return sessions, nil
}

func (sm *SessionManager) principalLock(principalID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(principalID)) //nolint:errcheck
	return &sm.createLocks[h.Sum32()%uint32(len(sm.createLocks))]
}

// evictOverCap revokes least-recently-seen live sessions until the
// principal is below the cap.
func (sm *SessionManager) evictOverCap(ctx context.Context, principalID string) error {
	sessions, err := sm.store.ListByPrincipal(ctx, principalID)
	if err != nil {
		return fmt.Errorf("failed to list sessions for cap check: %w", err)
	}

	var live []*Session
	for _, session := range sessions {
		if !session.Revoked {
			live = append(live, session)
		}
	}
	if len(live) < sm.config.MaxConcurrentSessions {
		return nil
	}

	// Oldest LastSeenAt first.
	sort.Slice(live, func(i, j int) bool {
		return live[i].LastSeenAt.Before(live[j].LastSeenAt)
	})

	excess := len(live) - sm.config.MaxConcurrentSessions + 1
	for _, session := range live[:excess] {
		if err := sm.Revoke(ctx, session.ID); err != nil {
			return err
		}
		sm.logger.Info("Evicted session over concurrency cap",
			slog.String("session_id", session.ID),
			slog.String("principal_id", principalID))
	}
	return nil
}
