package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes for the shared cache. One Redis instance serves sessions,
// revocations, and OAuth state, so prefixes keep the spaces disjoint.
const (
	redisSessionPrefix    = "gateguard:session:"
	redisSessionSetPrefix = "gateguard:principal-sessions:"
	redisRevokedPrefix    = "gateguard:revoked:"
	redisOAuthStatePrefix = "gateguard:oauth-state:"
)

// RedisSessionStore persists sessions in a shared Redis instance so
// revocation is visible to every gateway process within a propagation bound
// of one round trip.
type RedisSessionStore struct {
	client *redis.Client

	// ttl bounds how long an untouched session record survives; it should
	// exceed the refresh-token lifetime.
	ttl time.Duration
}

// NewRedisSessionStore creates a session store over the given client.
func NewRedisSessionStore(client *redis.Client, ttl time.Duration) *RedisSessionStore {
	return &RedisSessionStore{client: client, ttl: ttl}
}

// Put stores or replaces a session and indexes it under its principal.
func (s *RedisSessionStore) Put(ctx context.Context, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, redisSessionPrefix+session.ID, data, s.ttl)
	pipe.SAdd(ctx, redisSessionSetPrefix+session.PrincipalID, session.ID)
	pipe.Expire(ctx, redisSessionSetPrefix+session.PrincipalID, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// Get returns a session, or nil when absent.
func (s *RedisSessionStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.client.Get(ctx, redisSessionPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

// Delete removes a session and its index entry.
func (s *RedisSessionStore) Delete(ctx context.Context, sessionID string) error {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, redisSessionPrefix+sessionID)
	if session != nil {
		pipe.SRem(ctx, redisSessionSetPrefix+session.PrincipalID, sessionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// ListByPrincipal returns all live session records for a principal. Index
// entries whose session has expired are pruned as they are discovered.
func (s *RedisSessionStore) ListByPrincipal(ctx context.Context, principalID string) ([]*Session, error) {
	ids, err := s.client.SMembers(ctx, redisSessionSetPrefix+principalID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list principal sessions: %w", err)
	}

	var sessions []*Session
	for _, id := range ids {
		session, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if session == nil {
			s.client.SRem(ctx, redisSessionSetPrefix+principalID, id)
			continue
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// RedisRevocationList tracks revoked token IDs in Redis. Expiry is handled
// by key TTLs, so CleanupExpired is a no-op.
type RedisRevocationList struct {
	client *redis.Client
}

// NewRedisRevocationList creates a revocation list over the given client.
func NewRedisRevocationList(client *redis.Client) *RedisRevocationList {
	return &RedisRevocationList{client: client}
}

// Revoke marks an ID revoked until expiresAt.
func (l *RedisRevocationList) Revoke(ctx context.Context, id string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := l.client.Set(ctx, redisRevokedPrefix+id, "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to revoke %s: %w", id, err)
	}
	return nil
}

// IsRevoked reports whether an ID has been revoked.
func (l *RedisRevocationList) IsRevoked(ctx context.Context, id string) (bool, error) {
	count, err := l.client.Exists(ctx, redisRevokedPrefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check revocation of %s: %w", id, err)
	}
	return count > 0, nil
}

// ConsumeOnce marks an ID revoked iff it was not already. SET NX makes the
// check-and-set a single atomic server-side operation.
func (l *RedisRevocationList) ConsumeOnce(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		// Already past expiry; nothing left to protect, treat as replay.
		return false, nil
	}
	won, err := l.client.SetNX(ctx, redisRevokedPrefix+id, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to consume %s: %w", id, err)
	}
	return won, nil
}

// CleanupExpired is a no-op; Redis key TTLs expire entries server-side.
func (l *RedisRevocationList) CleanupExpired(ctx context.Context) error {
	return nil
}

// RedisOAuthStateStore persists PKCE handshake state in Redis.
type RedisOAuthStateStore struct {
	client *redis.Client
}

// NewRedisOAuthStateStore creates a state store over the given client.
func NewRedisOAuthStateStore(client *redis.Client) *RedisOAuthStateStore {
	return &RedisOAuthStateStore{client: client}
}

// Put stores a new state record with the given TTL. NX guards against a
// state value collision overwriting an in-flight handshake.
func (s *RedisOAuthStateStore) Put(ctx context.Context, state *OAuthState, ttl time.Duration) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal oauth state: %w", err)
	}

	stored, err := s.client.SetNX(ctx, redisOAuthStatePrefix+state.State, data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store oauth state: %w", err)
	}
	if !stored {
		return fmt.Errorf("oauth state value already in use")
	}
	return nil
}

// Consume atomically retrieves and deletes a state record via GETDEL, so a
// concurrent duplicate callback observes nothing.
func (s *RedisOAuthStateStore) Consume(ctx context.Context, state string) (*OAuthState, error) {
	data, err := s.client.GetDel(ctx, redisOAuthStatePrefix+state).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume oauth state: %w", err)
	}

	var record OAuthState
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal oauth state: %w", err)
	}
	record.Consumed = true
	return &record, nil
}
