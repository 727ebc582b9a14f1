package auth

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gateguard/gateguard/pkg/audit"
)

func testSlog() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestAuditor returns an audit logger flushing quickly into a memory
// backend, closed at test cleanup so assertions can read the full trail.
func newTestAuditor(t *testing.T) (*audit.Logger, *audit.MemoryBackend) {
	t.Helper()

	backend := audit.NewMemoryBackend()
	auditor := audit.NewLogger(audit.LoggerConfig{
		FlushInterval: 10 * time.Millisecond,
	}, backend, testSlog())
	t.Cleanup(func() {
		_ = auditor.Close()
	})
	return auditor, backend
}

func newTestSessionManager(t *testing.T, config SessionConfig) *SessionManager {
	t.Helper()

	auditor, _ := newTestAuditor(t)
	return NewSessionManager(config, NewMemorySessionStore(), auditor, testSlog())
}

// newTestJWTManager wires a JWT manager over in-memory stores with a fresh
// keyring. The grace period matches the access TTL.
func newTestJWTManager(t *testing.T, config JWTConfig) (*JWTManager, *SessionManager, *KeyRing) {
	t.Helper()

	if config.AccessTTL == 0 {
		config.AccessTTL = 15 * time.Minute
	}

	keys, err := NewKeyRing(config.AccessTTL, testSlog())
	require.NoError(t, err)

	sessions := newTestSessionManager(t, SessionConfig{})
	jm := NewJWTManager(config, keys, sessions, NewMemoryRevocationList(), nil, testSlog())
	t.Cleanup(jm.Close)
	return jm, sessions, keys
}
