package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gateguard/gateguard/pkg/metrics"
)

// JWTConfig holds token issuance configuration.
type JWTConfig struct {
	Issuer string `json:"issuer" yaml:"issuer"`

	// AccessTTL is the access token lifetime. Short; revocation responds
	// faster through sessions.
	AccessTTL time.Duration `json:"access_ttl" yaml:"access_ttl"`

	// RefreshTTL is the refresh token lifetime.
	RefreshTTL time.Duration `json:"refresh_ttl" yaml:"refresh_ttl"`

	// KeyRotationPeriod is how often a new signing key is generated; zero
	// disables automatic rotation.
	KeyRotationPeriod time.Duration `json:"key_rotation_period" yaml:"key_rotation_period"`

	// RevocationCleanupInterval is how often expired entries are swept off
	// the revocation list. In-memory lists grow without the sweep; the
	// Redis list expires entries server-side and ignores it.
	RevocationCleanupInterval time.Duration `json:"revocation_cleanup_interval" yaml:"revocation_cleanup_interval"`
}

// DefaultJWTConfig returns sensible defaults.
func DefaultJWTConfig() JWTConfig {
	return JWTConfig{
		Issuer:                    "gateguard",
		AccessTTL:                 15 * time.Minute,
		RefreshTTL:                14 * 24 * time.Hour,
		RevocationCleanupInterval: 10 * time.Minute,
	}
}

// Claims are the token fields this layer signs. Everything needed to
// rebuild the Principal travels in the token itself.
type Claims struct {
	jwt.RegisteredClaims

	Roles      []string          `json:"roles,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
	TokenType  string            `json:"token_type"`
}

// JWTManager issues and validates access and refresh tokens. Validation is
// read-only against the keyring's atomic snapshot; only key rotation writes.
type JWTManager struct {
	keys        *KeyRing
	sessions    *SessionManager
	revocations RevocationList

	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics

	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped sync.Once
}

// NewJWTManager creates a JWT manager. When KeyRotationPeriod is set, a
// background loop rotates the signing key on that schedule.
func NewJWTManager(config JWTConfig, keys *KeyRing, sessions *SessionManager, revocations RevocationList, m *metrics.Metrics, logger *slog.Logger) *JWTManager {
	defaults := DefaultJWTConfig()
	if config.Issuer == "" {
		config.Issuer = defaults.Issuer
	}
	if config.AccessTTL <= 0 {
		config.AccessTTL = defaults.AccessTTL
	}
	if config.RefreshTTL <= 0 {
		config.RefreshTTL = defaults.RefreshTTL
	}
	if config.RevocationCleanupInterval <= 0 {
		config.RevocationCleanupInterval = defaults.RevocationCleanupInterval
	}

	jm := &JWTManager{
		keys:        keys,
		sessions:    sessions,
		revocations: revocations,
		issuer:      config.Issuer,
		accessTTL:   config.AccessTTL,
		refreshTTL:  config.RefreshTTL,
		logger:      logger.With(slog.String("component", "jwt_manager")),
		metrics:     m,
		stopCh:      make(chan struct{}),
	}

	if config.KeyRotationPeriod > 0 {
		jm.wg.Add(1)
		go jm.keyRotationLoop(config.KeyRotationPeriod)
	}

	jm.wg.Add(1)
	go jm.revocationCleanupLoop(config.RevocationCleanupInterval)

	return jm
}

// TokenOption adjusts issuance for a single token.
type TokenOption func(*tokenOptions)

type tokenOptions struct {
	ttl time.Duration
}

// WithTTL overrides the configured lifetime for one token.
func WithTTL(ttl time.Duration) TokenOption {
	return func(opts *tokenOptions) {
		opts.ttl = ttl
	}
}

// Issue signs a token of the given kind for a principal. The token embeds
// the current key's ID so rotation never invalidates in-flight tokens
// signed by the immediately-previous key.
func (jm *JWTManager) Issue(ctx context.Context, principal *Principal, kind TokenKind, options ...TokenOption) (string, error) {
	if principal == nil {
		return "", fmt.Errorf("principal cannot be nil")
	}

	opts := &tokenOptions{}
	for _, option := range options {
		option(opts)
	}

	ttl := jm.accessTTL
	if kind == TokenKindRefresh {
		ttl = jm.refreshTTL
	}
	if opts.ttl != 0 {
		ttl = opts.ttl
	}

	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        randomHex(16),
			Subject:   principal.ID,
			Issuer:    jm.issuer,
			Audience:  jwt.ClaimStrings{jm.issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles:      principal.Roles,
		Attributes: principal.Attributes,
		SessionID:  principal.SessionID,
		TokenType:  string(kind),
	}

	key := jm.keys.Current()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = key.ID

	signed, err := token.SignedString(key.Private)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", kind, err)
	}

	if jm.metrics != nil {
		jm.metrics.TokensIssued.WithLabelValues(string(kind)).Inc()
	}

	return signed, nil
}

// IssuePair issues an access and refresh token bound to the same session.
func (jm *JWTManager) IssuePair(ctx context.Context, principal *Principal, options ...TokenOption) (string, string, error) {
	access, err := jm.Issue(ctx, principal, TokenKindAccess, options...)
	if err != nil {
		return "", "", err
	}
	refresh, err := jm.Issue(ctx, principal, TokenKindRefresh)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

// Validate parses and verifies a token and resolves the Principal. Failures
// map onto the error taxonomy: ErrMalformedToken, ErrBadSignature,
// ErrExpired, ErrRevokedSession.
func (jm *JWTManager) Validate(ctx context.Context, tokenString string) (*Principal, error) {
	claims, err := jm.parseAndVerify(tokenString)
	if err != nil {
		jm.countValidation("failure")
		return nil, err
	}

	// The token's own ID may have been revoked (refresh consumed, explicit
	// token revocation) independently of its session.
	revoked, err := jm.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		// Fail closed: an unreadable revocation list cannot prove the
		// token is still live.
		jm.countValidation("failure")
		return nil, ErrRevokedSession.WithCause(err)
	}
	if revoked {
		jm.countValidation("revoked")
		return nil, ErrRevokedSession
	}

	if claims.SessionID != "" {
		sessionRevoked, err := jm.sessions.IsRevoked(ctx, claims.SessionID)
		if err != nil {
			jm.countValidation("failure")
			return nil, ErrRevokedSession.WithCause(err)
		}
		if sessionRevoked {
			jm.countValidation("revoked")
			return nil, ErrRevokedSession
		}
	}

	jm.countValidation("success")

	return &Principal{
		ID:         claims.Subject,
		Roles:      claims.Roles,
		Attributes: claims.Attributes,
		SessionID:  claims.SessionID,
	}, nil
}

// Refresh exchanges a refresh token for a new access+refresh pair. The
// presented token is consumed atomically, so it works exactly once: a
// second presentation indicates a leaked token and revokes the whole
// session to bound the replay damage.
func (jm *JWTManager) Refresh(ctx context.Context, refreshTokenString string) (string, string, error) {
	claims, err := jm.parseAndVerify(refreshTokenString)
	if err != nil {
		return "", "", err
	}
	if claims.TokenType != string(TokenKindRefresh) {
		return "", "", ErrMalformedToken.WithCause(fmt.Errorf("token is not a refresh token"))
	}

	won, err := jm.revocations.ConsumeOnce(ctx, claims.ID, claims.ExpiresAt.Time)
	if err != nil {
		return "", "", ErrRevokedSession.WithCause(err)
	}
	if !won {
		// Replay of an already-exchanged refresh token.
		if claims.SessionID != "" {
			if revokeErr := jm.sessions.Revoke(ctx, claims.SessionID); revokeErr != nil {
				jm.logger.Error("Failed to revoke session after refresh replay",
					slog.String("session_id", claims.SessionID), "error", revokeErr)
			}
		}
		jm.logger.Warn("Refresh token replay detected",
			slog.String("subject", claims.Subject),
			slog.String("session_id", claims.SessionID))
		return "", "", ErrRevokedSession
	}

	if claims.SessionID != "" {
		sessionRevoked, err := jm.sessions.IsRevoked(ctx, claims.SessionID)
		if err != nil {
			return "", "", ErrRevokedSession.WithCause(err)
		}
		if sessionRevoked {
			return "", "", ErrRevokedSession
		}
		if err := jm.sessions.Touch(ctx, claims.SessionID); err != nil {
			return "", "", err
		}
	}

	principal := &Principal{
		ID:         claims.Subject,
		Roles:      claims.Roles,
		Attributes: claims.Attributes,
		SessionID:  claims.SessionID,
	}

	return jm.IssuePair(ctx, principal)
}

// Revoke invalidates a single token ahead of its expiry by recording its ID
// on the revocation list.
func (jm *JWTManager) Revoke(ctx context.Context, tokenString string) error {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, _, err := parser.ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return ErrMalformedToken.WithCause(err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return ErrMalformedToken
	}

	if err := jm.revocations.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

// RotateKeys generates a new signing key immediately.
func (jm *JWTManager) RotateKeys() error {
	_, err := jm.keys.Rotate()
	return err
}

// JWKS returns the live public keys in JSON Web Key Set form.
func (jm *JWTManager) JWKS() map[string]interface{} {
	var keys []interface{}
	for kid, public := range jm.keys.PublicKeys() {
		keys = append(keys, map[string]interface{}{
			"kty": "RSA",
			"use": "sig",
			"alg": "RS256",
			"kid": kid,
			"n":   base64URLUint(public.N.Bytes()),
			"e":   base64URLUint(intBytes(public.E)),
		})
	}
	return map[string]interface{}{"keys": keys}
}

// Close stops the key rotation and revocation sweep loops.
func (jm *JWTManager) Close() {
	jm.stopped.Do(func() {
		close(jm.stopCh)
	})
	jm.wg.Wait()
}

func (jm *JWTManager) parseAndVerify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token missing kid header")
		}
		return jm.keys.VerificationKey(kid)
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired.WithCause(err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
			return nil, ErrBadSignature.WithCause(err)
		default:
			return nil, ErrMalformedToken.WithCause(err)
		}
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrMalformedToken
	}
	return claims, nil
}

func (jm *JWTManager) countValidation(result string) {
	if jm.metrics != nil {
		jm.metrics.TokenValidations.WithLabelValues(result).Inc()
	}
}

// base64URLUint encodes bytes as unpadded base64url, the JWK integer form.
func base64URLUint(data []byte) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString(data), "=")
}

func intBytes(n int) []byte {
	return big.NewInt(int64(n)).Bytes()
}

// revocationCleanupLoop sweeps expired entries off the revocation list so
// consumed refresh IDs do not accumulate past their token lifetime.
func (jm *JWTManager) revocationCleanupLoop(interval time.Duration) {
	defer jm.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := jm.revocations.CleanupExpired(ctx); err != nil {
				jm.logger.Error("Failed to sweep expired revocations", "error", err)
			}
			cancel()
		case <-jm.stopCh:
			return
		}
	}
}

func (jm *JWTManager) keyRotationLoop(period time.Duration) {
	defer jm.wg.Done()

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := jm.RotateKeys(); err != nil {
				jm.logger.Error("Failed to rotate signing key", "error", err)
			}
		case <-jm.stopCh:
			return
		}
	}
}
