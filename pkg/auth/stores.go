package auth

import (
	"context"
	"time"
)

// SessionStore persists session records. Deployments with more than one
// gateway process must use a shared implementation (Redis) so revocation is
// visible across workers within the propagation bound.
type SessionStore interface {
	// Put stores or replaces a session.
	Put(ctx context.Context, session *Session) error

	// Get returns a session, or nil when it does not exist.
	Get(ctx context.Context, sessionID string) (*Session, error)

	// Delete removes a session.
	Delete(ctx context.Context, sessionID string) error

	// ListByPrincipal returns all sessions held by a principal.
	ListByPrincipal(ctx context.Context, principalID string) ([]*Session, error)
}

// RevocationList tracks revoked token IDs until their natural expiry. Also
// the mechanism behind single-use refresh exchange.
type RevocationList interface {
	// Revoke marks an ID revoked until expiresAt.
	Revoke(ctx context.Context, id string, expiresAt time.Time) error

	// IsRevoked reports whether an ID has been revoked.
	IsRevoked(ctx context.Context, id string) (bool, error)

	// ConsumeOnce marks an ID revoked if and only if it was not already,
	// atomically. It reports whether this call won the consume; a losing
	// call indicates a replay.
	ConsumeOnce(ctx context.Context, id string, expiresAt time.Time) (bool, error)

	// CleanupExpired removes entries whose expiry has passed.
	CleanupExpired(ctx context.Context) error
}

// OAuthStateStore persists PKCE handshake state between the authorization
// redirect and the provider callback.
type OAuthStateStore interface {
	// Put stores a new state record with the given TTL.
	Put(ctx context.Context, state *OAuthState, ttl time.Duration) error

	// Consume atomically retrieves and consumes a state record. It returns
	// nil when the state is unknown or already consumed, so a duplicate
	// callback loses even when both arrive concurrently.
	Consume(ctx context.Context, state string) (*OAuthState, error)
}
