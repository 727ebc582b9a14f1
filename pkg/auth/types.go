package auth

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// Principal is the resolved identity of a caller. It is created by
// successful token validation and immutable for the rest of the request.
type Principal struct {
	ID         string            `json:"id"`
	Roles      []string          `json:"roles"`
	Attributes map[string]string `json:"attributes,omitempty"`

	// SessionID binds the principal to the session its token was issued
	// under; empty for tokens issued outside a session.
	SessionID string `json:"session_id,omitempty"`
}

// TokenKind distinguishes short-lived access tokens from longer-lived,
// single-use-exchange refresh tokens.
type TokenKind string

const (
	// TokenKindAccess holds the access token kind.
	TokenKindAccess TokenKind = "access"

	// TokenKindRefresh holds the refresh token kind.
	TokenKindRefresh TokenKind = "refresh"
)

// Session tracks one authenticated device binding for a principal. Owned
// exclusively by the SessionManager.
type Session struct {
	ID                string    `json:"id"`
	PrincipalID       string    `json:"principal_id"`
	DeviceFingerprint string    `json:"device_fingerprint,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	LastSeenAt        time.Time `json:"last_seen_at"`
	Revoked           bool      `json:"revoked"`

	// CSRFToken is the single server-issued double-submit value bound 1:1
	// to this session. Rotated on privilege-relevant events.
	CSRFToken string `json:"csrf_token"`

	// DelegatedTokens holds third-party tokens obtained through completed
	// OAuth flows, keyed by provider name.
	DelegatedTokens map[string]*oauth2.Token `json:"delegated_tokens,omitempty"`
}

// FlowStatus is the state of a delegated-authorization handshake.
type FlowStatus string

const (
	// FlowInitiated holds the initial flow state.
	FlowInitiated FlowStatus = "initiated"

	// FlowAwaitingCallback means the redirect has been issued and the
	// third party has not called back yet.
	FlowAwaitingCallback FlowStatus = "awaiting_callback"

	// FlowExchanged means the authorization code has been exchanged.
	FlowExchanged FlowStatus = "exchanged"

	// FlowCompleted means the obtained tokens are stored on the session.
	FlowCompleted FlowStatus = "completed"

	// FlowRejected is the terminal failure state.
	FlowRejected FlowStatus = "rejected"
)

// OAuthState is the server-side record of one PKCE handshake. Consumed
// exactly once at callback time; any reuse is a hard failure.
type OAuthState struct {
	State         string     `json:"state"`
	CodeVerifier  string     `json:"code_verifier"`
	CodeChallenge string     `json:"code_challenge"`
	SessionID     string     `json:"session_id"`
	Provider      string     `json:"provider"`
	CreatedAt     time.Time  `json:"created_at"`
	Consumed      bool       `json:"consumed"`
	Status        FlowStatus `json:"status"`
}

// contextKey is unexported to keep context values collision-free.
type contextKey string

const principalContextKey contextKey = "gateguard.principal"

// ContextWithPrincipal returns a context carrying the resolved principal.
func ContextWithPrincipal(ctx context.Context, principal *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, principal)
}

// PrincipalFromContext returns the principal resolved for this request, or
// nil when the request is unauthenticated.
func PrincipalFromContext(ctx context.Context) *Principal {
	principal, _ := ctx.Value(principalContextKey).(*Principal)
	return principal
}
