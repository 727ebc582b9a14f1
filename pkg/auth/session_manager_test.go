package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionManager_CreateAndGet(t *testing.T) {
	sm := newTestSessionManager(t, SessionConfig{})
	ctx := context.Background()

	session, err := sm.Create(ctx, "user-1", "device-a")
	require.NoError(t, err)
	assert.NotEmpty(t, session.ID)
	assert.NotEmpty(t, session.CSRFToken)
	assert.Equal(t, "user-1", session.PrincipalID)
	assert.Equal(t, "device-a", session.DeviceFingerprint)

	got, err := sm.Get(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, session.ID, got.ID)
	assert.False(t, got.Revoked)
}

func TestSessionManager_CreateRejectsEmptyPrincipal(t *testing.T) {
	sm := newTestSessionManager(t, SessionConfig{})
	_, err := sm.Create(context.Background(), "", "device-a")
	assert.Error(t, err)
}

func TestSessionManager_ConcurrencyCapEvictsLRU(t *testing.T) {
	sm := newTestSessionManager(t, SessionConfig{MaxConcurrentSessions: 3})
	ctx := context.Background()

	current := time.Now()
	sm.now = func() time.Time { return current }

	var ids []string
	for i := 0; i < 3; i++ {
		session, err := sm.Create(ctx, "user-1", "device")
		require.NoError(t, err)
		ids = append(ids, session.ID)
		current = current.Add(time.Second)
	}

	// Touch the oldest so it is no longer the LRU victim.
	require.NoError(t, sm.Touch(ctx, ids[0]))
	current = current.Add(time.Second)

	_, err := sm.Create(ctx, "user-1", "device")
	require.NoError(t, err)

	// The second session was least recently seen; it alone was evicted.
	revoked, err := sm.IsRevoked(ctx, ids[1])
	require.NoError(t, err)
	assert.True(t, revoked)

	for _, id := range []string{ids[0], ids[2]} {
		revoked, err := sm.IsRevoked(ctx, id)
		require.NoError(t, err)
		assert.False(t, revoked, "session %s should survive", id)
	}
}

func TestSessionManager_ConcurrentCreateHonorsCap(t *testing.T) {
	sm := newTestSessionManager(t, SessionConfig{MaxConcurrentSessions: 3})
	ctx := context.Background()

	const creators = 32
	start := make(chan struct{})
	errs := make(chan error, creators)

	var wg sync.WaitGroup
	for i := 0; i < creators; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := sm.Create(ctx, "user-1", "device")
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	sessions, err := sm.ListSessions(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, sessions, creators)

	live := 0
	for _, session := range sessions {
		if !session.Revoked {
			live++
		}
	}
	assert.Equal(t, 3, live)
}

func TestSessionManager_CapIsPerPrincipal(t *testing.T) {
	sm := newTestSessionManager(t, SessionConfig{MaxConcurrentSessions: 1})
	ctx := context.Background()

	a, err := sm.Create(ctx, "user-a", "device")
	require.NoError(t, err)
	_, err = sm.Create(ctx, "user-b", "device")
	require.NoError(t, err)

	revoked, err := sm.IsRevoked(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, revoked, "another principal's session must not count against the cap")
}

func TestSessionManager_IdleTimeoutRevokesLazily(t *testing.T) {
	sm := newTestSessionManager(t, SessionConfig{IdleTimeout: 30 * time.Minute})
	ctx := context.Background()

	current := time.Now()
	sm.now = func() time.Time { return current }

	session, err := sm.Create(ctx, "user-1", "device")
	require.NoError(t, err)

	current = current.Add(31 * time.Minute)

	got, err := sm.Get(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Revoked)

	revoked, err := sm.IsRevoked(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestSessionManager_TouchExtendsIdleWindow(t *testing.T) {
	sm := newTestSessionManager(t, SessionConfig{IdleTimeout: 30 * time.Minute})
	ctx := context.Background()

	current := time.Now()
	sm.now = func() time.Time { return current }

	session, err := sm.Create(ctx, "user-1", "device")
	require.NoError(t, err)

	current = current.Add(20 * time.Minute)
	require.NoError(t, sm.Touch(ctx, session.ID))

	current = current.Add(20 * time.Minute)

	// 40 minutes since creation, but only 20 since the touch.
	revoked, err := sm.IsRevoked(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestSessionManager_TouchRevokedFails(t *testing.T) {
	sm := newTestSessionManager(t, SessionConfig{})
	ctx := context.Background()

	session, err := sm.Create(ctx, "user-1", "device")
	require.NoError(t, err)
	require.NoError(t, sm.Revoke(ctx, session.ID))

	assert.ErrorIs(t, sm.Touch(ctx, session.ID), ErrRevokedSession)
}

func TestSessionManager_IsRevokedUnknownSession(t *testing.T) {
	sm := newTestSessionManager(t, SessionConfig{})

	revoked, err := sm.IsRevoked(context.Background(), "nope")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestSessionManager_RevokeIsIdempotentAndKeepsRecord(t *testing.T) {
	sm := newTestSessionManager(t, SessionConfig{})
	ctx := context.Background()

	session, err := sm.Create(ctx, "user-1", "device")
	require.NoError(t, err)

	require.NoError(t, sm.Revoke(ctx, session.ID))
	require.NoError(t, sm.Revoke(ctx, session.ID))

	got, err := sm.Get(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, got, "revoked sessions stay queryable until expiry")
	assert.True(t, got.Revoked)
}

func TestSessionManager_RotateCSRFToken(t *testing.T) {
	sm := newTestSessionManager(t, SessionConfig{})
	ctx := context.Background()

	session, err := sm.Create(ctx, "user-1", "device")
	require.NoError(t, err)

	rotated, err := sm.RotateCSRFToken(ctx, session.ID)
	require.NoError(t, err)
	assert.NotEqual(t, session.CSRFToken, rotated)

	got, err := sm.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, rotated, got.CSRFToken)
}

func TestSessionManager_ListSessionsOrdered(t *testing.T) {
	sm := newTestSessionManager(t, SessionConfig{})
	ctx := context.Background()

	current := time.Now()
	sm.now = func() time.Time { return current }

	first, err := sm.Create(ctx, "user-1", "device")
	require.NoError(t, err)
	current = current.Add(time.Minute)
	second, err := sm.Create(ctx, "user-1", "device")
	require.NoError(t, err)

	sessions, err := sm.ListSessions(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, second.ID, sessions[0].ID)
	assert.Equal(t, first.ID, sessions[1].ID)
}
