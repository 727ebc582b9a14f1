package auth

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCSRFGuard(t *testing.T) (*CSRFGuard, *SessionManager) {
	t.Helper()
	auditor, _ := newTestAuditor(t)
	sessions := NewSessionManager(SessionConfig{}, NewMemorySessionStore(), auditor, testSlog())
	return NewCSRFGuard(sessions, auditor, nil, testSlog()), sessions
}

func TestCSRFGuard_RequiresValidation(t *testing.T) {
	guard, _ := newTestCSRFGuard(t)

	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace} {
		assert.False(t, guard.RequiresValidation(method), method)
	}
	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		assert.True(t, guard.RequiresValidation(method), method)
	}
}

func TestCSRFGuard_ValidateMatching(t *testing.T) {
	guard, sessions := newTestCSRFGuard(t)
	ctx := context.Background()

	session, err := sessions.Create(ctx, "user-1", "device")
	require.NoError(t, err)

	assert.NoError(t, guard.Validate(ctx, session.ID, session.CSRFToken))
}

func TestCSRFGuard_ValidateMismatch(t *testing.T) {
	guard, sessions := newTestCSRFGuard(t)
	ctx := context.Background()

	session, err := sessions.Create(ctx, "user-1", "device")
	require.NoError(t, err)

	assert.ErrorIs(t, guard.Validate(ctx, session.ID, "wrong-token"), ErrCSRFMismatch)
	assert.ErrorIs(t, guard.Validate(ctx, session.ID, ""), ErrCSRFMismatch)
}

func TestCSRFGuard_ValidateRevokedSession(t *testing.T) {
	guard, sessions := newTestCSRFGuard(t)
	ctx := context.Background()

	session, err := sessions.Create(ctx, "user-1", "device")
	require.NoError(t, err)
	require.NoError(t, sessions.Revoke(ctx, session.ID))

	assert.ErrorIs(t, guard.Validate(ctx, session.ID, session.CSRFToken), ErrRevokedSession)
	assert.ErrorIs(t, guard.Validate(ctx, "unknown-session", "token"), ErrRevokedSession)
}

func TestCSRFGuard_RotateInvalidatesOldToken(t *testing.T) {
	guard, sessions := newTestCSRFGuard(t)
	ctx := context.Background()

	session, err := sessions.Create(ctx, "user-1", "device")
	require.NoError(t, err)

	rotated, err := guard.Rotate(ctx, session.ID)
	require.NoError(t, err)
	assert.NotEqual(t, session.CSRFToken, rotated)

	assert.ErrorIs(t, guard.Validate(ctx, session.ID, session.CSRFToken), ErrCSRFMismatch)
	assert.NoError(t, guard.Validate(ctx, session.ID, rotated))
}
