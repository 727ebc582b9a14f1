package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPrincipal(sessionID string) *Principal {
	return &Principal{
		ID:        "user-1",
		Roles:     []string{"editor"},
		SessionID: sessionID,
	}
}

func TestJWTManager_IssueAndValidate(t *testing.T) {
	jm, _, _ := newTestJWTManager(t, JWTConfig{})
	ctx := context.Background()

	token, err := jm.Issue(ctx, testPrincipal(""), TokenKindAccess)
	require.NoError(t, err)

	principal, err := jm.Validate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", principal.ID)
	assert.Equal(t, []string{"editor"}, principal.Roles)
}

func TestJWTManager_ValidateExpired(t *testing.T) {
	jm, _, _ := newTestJWTManager(t, JWTConfig{})
	ctx := context.Background()

	token, err := jm.Issue(ctx, testPrincipal(""), TokenKindAccess, WithTTL(-time.Minute))
	require.NoError(t, err)

	_, err = jm.Validate(ctx, token)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestJWTManager_ValidateTampered(t *testing.T) {
	jm, _, _ := newTestJWTManager(t, JWTConfig{})
	ctx := context.Background()

	token, err := jm.Issue(ctx, testPrincipal(""), TokenKindAccess)
	require.NoError(t, err)

	// Flip part of the signature.
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	tampered := strings.Join([]string{parts[0], parts[1], string(sig)}, ".")

	_, err = jm.Validate(ctx, tampered)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestJWTManager_ValidateGarbage(t *testing.T) {
	jm, _, _ := newTestJWTManager(t, JWTConfig{})

	for _, input := range []string{"", "not-a-token", "a.b", "a.b.c"} {
		_, err := jm.Validate(context.Background(), input)
		assert.ErrorIs(t, err, ErrMalformedToken, "input %q", input)
	}
}

func TestJWTManager_RotationGrace(t *testing.T) {
	jm, _, _ := newTestJWTManager(t, JWTConfig{})
	ctx := context.Background()

	token, err := jm.Issue(ctx, testPrincipal(""), TokenKindAccess)
	require.NoError(t, err)

	// One rotation: the token's key is in grace and still verifies.
	require.NoError(t, jm.RotateKeys())
	_, err = jm.Validate(ctx, token)
	assert.NoError(t, err)

	// A second rotation destroys the signing key outright.
	require.NoError(t, jm.RotateKeys())
	_, err = jm.Validate(ctx, token)
	assert.ErrorIs(t, err, ErrBadSignature)

	// New issuance always uses the latest key.
	fresh, err := jm.Issue(ctx, testPrincipal(""), TokenKindAccess)
	require.NoError(t, err)
	_, err = jm.Validate(ctx, fresh)
	assert.NoError(t, err)
}

func TestJWTManager_SessionRevocationInvalidatesToken(t *testing.T) {
	jm, sessions, _ := newTestJWTManager(t, JWTConfig{})
	ctx := context.Background()

	session, err := sessions.Create(ctx, "user-1", "device-a")
	require.NoError(t, err)

	token, err := jm.Issue(ctx, testPrincipal(session.ID), TokenKindAccess)
	require.NoError(t, err)

	_, err = jm.Validate(ctx, token)
	require.NoError(t, err)

	require.NoError(t, sessions.Revoke(ctx, session.ID))

	// Unexpired token, revoked session: the validation outcome flips
	// immediately, well before expiry.
	_, err = jm.Validate(ctx, token)
	assert.ErrorIs(t, err, ErrRevokedSession)
}

func TestJWTManager_UnknownSessionFailsClosed(t *testing.T) {
	jm, _, _ := newTestJWTManager(t, JWTConfig{})
	ctx := context.Background()

	token, err := jm.Issue(ctx, testPrincipal("session-that-does-not-exist"), TokenKindAccess)
	require.NoError(t, err)

	_, err = jm.Validate(ctx, token)
	assert.ErrorIs(t, err, ErrRevokedSession)
}

func TestJWTManager_RefreshSingleUse(t *testing.T) {
	jm, sessions, _ := newTestJWTManager(t, JWTConfig{})
	ctx := context.Background()

	session, err := sessions.Create(ctx, "user-1", "device-a")
	require.NoError(t, err)

	_, refresh, err := jm.IssuePair(ctx, testPrincipal(session.ID))
	require.NoError(t, err)

	newAccess, newRefresh, err := jm.Refresh(ctx, refresh)
	require.NoError(t, err)
	assert.NotEmpty(t, newAccess)
	assert.NotEmpty(t, newRefresh)
	assert.NotEqual(t, refresh, newRefresh)

	principal, err := jm.Validate(ctx, newAccess)
	require.NoError(t, err)
	assert.Equal(t, "user-1", principal.ID)
}

func TestJWTManager_RefreshReplayRevokesSession(t *testing.T) {
	jm, sessions, _ := newTestJWTManager(t, JWTConfig{})
	ctx := context.Background()

	session, err := sessions.Create(ctx, "user-1", "device-a")
	require.NoError(t, err)

	access, refresh, err := jm.IssuePair(ctx, testPrincipal(session.ID))
	require.NoError(t, err)

	_, rotatedRefresh, err := jm.Refresh(ctx, refresh)
	require.NoError(t, err)

	// Presenting the consumed token again is treated as theft: the whole
	// session goes down, taking the rotated tokens with it.
	_, _, err = jm.Refresh(ctx, refresh)
	assert.ErrorIs(t, err, ErrRevokedSession)

	revoked, err := sessions.IsRevoked(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, revoked)

	_, err = jm.Validate(ctx, access)
	assert.ErrorIs(t, err, ErrRevokedSession)
	_, _, err = jm.Refresh(ctx, rotatedRefresh)
	assert.ErrorIs(t, err, ErrRevokedSession)
}

func TestJWTManager_RefreshRejectsAccessToken(t *testing.T) {
	jm, _, _ := newTestJWTManager(t, JWTConfig{})
	ctx := context.Background()

	access, err := jm.Issue(ctx, testPrincipal(""), TokenKindAccess)
	require.NoError(t, err)

	_, _, err = jm.Refresh(ctx, access)
	assert.ErrorIs(t, err, ErrMalformedToken)
}

func TestJWTManager_RevokeToken(t *testing.T) {
	jm, _, _ := newTestJWTManager(t, JWTConfig{})
	ctx := context.Background()

	token, err := jm.Issue(ctx, testPrincipal(""), TokenKindAccess)
	require.NoError(t, err)

	require.NoError(t, jm.Revoke(ctx, token))

	_, err = jm.Validate(ctx, token)
	assert.ErrorIs(t, err, ErrRevokedSession)
}

func TestJWTManager_SweepsExpiredRevocations(t *testing.T) {
	jm, _, _ := newTestJWTManager(t, JWTConfig{
		RevocationCleanupInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	// An entry whose expiry has passed should be dropped by the sweep; a
	// live one must survive it.
	require.NoError(t, jm.revocations.Revoke(ctx, "stale-jti", time.Now().Add(-time.Minute)))
	require.NoError(t, jm.revocations.Revoke(ctx, "live-jti", time.Now().Add(time.Hour)))

	require.Eventually(t, func() bool {
		revoked, err := jm.revocations.IsRevoked(ctx, "stale-jti")
		return err == nil && !revoked
	}, 2*time.Second, 20*time.Millisecond)

	revoked, err := jm.revocations.IsRevoked(ctx, "live-jti")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestJWTManager_JWKS(t *testing.T) {
	jm, _, _ := newTestJWTManager(t, JWTConfig{})

	jwks := jm.JWKS()
	keys, ok := jwks["keys"].([]interface{})
	require.True(t, ok)
	require.Len(t, keys, 1)

	require.NoError(t, jm.RotateKeys())
	keys, ok = jm.JWKS()["keys"].([]interface{})
	require.True(t, ok)
	assert.Len(t, keys, 2)

	entry, ok := keys[0].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "RSA", entry["kty"])
	assert.Equal(t, "RS256", entry["alg"])
	assert.NotEmpty(t, entry["kid"])
	assert.NotEmpty(t, entry["n"])
}
