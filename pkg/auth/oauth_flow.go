package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/gateguard/gateguard/pkg/audit"
	"github.com/gateguard/gateguard/pkg/metrics"
)

// OAuthProviderConfig describes one third-party authorization server.
type OAuthProviderConfig struct {
	Name         string   `json:"name" yaml:"name"`
	ClientID     string   `json:"client_id" yaml:"client_id"`
	ClientSecret string   `json:"client_secret" yaml:"client_secret"`
	AuthURL      string   `json:"auth_url" yaml:"auth_url"`
	TokenURL     string   `json:"token_url" yaml:"token_url"`
	RedirectURL  string   `json:"redirect_url" yaml:"redirect_url"`
	Scopes       []string `json:"scopes" yaml:"scopes"`
}

// OAuthFlowConfig holds flow manager configuration.
type OAuthFlowConfig struct {
	// StateTTL bounds how long a handshake may stay outstanding between
	// the redirect and the callback.
	StateTTL time.Duration `json:"state_ttl" yaml:"state_ttl"`

	Providers []OAuthProviderConfig `json:"providers" yaml:"providers"`
}

// DefaultOAuthFlowConfig returns sensible defaults.
func DefaultOAuthFlowConfig() OAuthFlowConfig {
	return OAuthFlowConfig{StateTTL: 10 * time.Minute}
}

// OAuthFlowManager brokers Authorization-Code-with-PKCE handshakes against
// third-party providers. Each handshake is an explicit state machine:
// Initiated -> AwaitingCallback -> Exchanged -> Completed, with Rejected as
// the terminal failure state. The consume-once transition at callback time
// is atomic, so a duplicated or replayed callback always loses.
type OAuthFlowManager struct {
	states    OAuthStateStore
	sessions  *SessionManager
	providers map[string]*oauth2.Config
	stateTTL  time.Duration

	auditor *audit.Logger
	metrics *metrics.Metrics
	logger  *slog.Logger

	// now is overridable for tests.
	now func() time.Time
}

// NewOAuthFlowManager creates a flow manager for the configured providers.
func NewOAuthFlowManager(config OAuthFlowConfig, states OAuthStateStore, sessions *SessionManager, auditor *audit.Logger, m *metrics.Metrics, logger *slog.Logger) *OAuthFlowManager {
	if config.StateTTL <= 0 {
		config.StateTTL = DefaultOAuthFlowConfig().StateTTL
	}

	providers := make(map[string]*oauth2.Config, len(config.Providers))
	for _, p := range config.Providers {
		providers[p.Name] = &oauth2.Config{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			RedirectURL:  p.RedirectURL,
			Scopes:       p.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  p.AuthURL,
				TokenURL: p.TokenURL,
			},
		}
	}

	return &OAuthFlowManager{
		states:    states,
		sessions:  sessions,
		providers: providers,
		stateTTL:  config.StateTTL,
		auditor:   auditor,
		metrics:   m,
		logger:    logger.With(slog.String("component", "oauth_flow")),
		now:       time.Now,
	}
}

// Begin starts a handshake bound to the caller's session: it generates the
// PKCE verifier and S256 challenge plus an unguessable state value,
// persists them, and returns the provider authorization URL to redirect to.
func (fm *OAuthFlowManager) Begin(ctx context.Context, sessionID, providerName string) (string, error) {
	cfg, exists := fm.providers[providerName]
	if !exists {
		return "", fmt.Errorf("unknown OAuth provider %q", providerName)
	}

	session, err := fm.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if session == nil || session.Revoked {
		return "", ErrRevokedSession
	}

	verifier := oauth2.GenerateVerifier()
	state, err := randomToken(32)
	if err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}

	record := &OAuthState{
		State:         state,
		CodeVerifier:  verifier,
		CodeChallenge: oauth2.S256ChallengeFromVerifier(verifier),
		SessionID:     sessionID,
		Provider:      providerName,
		CreatedAt:     fm.now(),
		Status:        FlowAwaitingCallback,
	}
	if err := fm.states.Put(ctx, record, fm.stateTTL); err != nil {
		return "", fmt.Errorf("failed to persist oauth state: %w", err)
	}

	fm.auditor.Record(ctx, audit.NewEvent("oauth.begin").
		WithActor(session.PrincipalID).
		WithResource(providerName).
		WithOutcome(audit.OutcomeAllow).
		Build())

	return cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), nil
}

// Callback completes a handshake: it consumes the state exactly once,
// verifies the session binding and TTL, and exchanges the code plus
// verifier for the provider's tokens, which are stored on the session.
// State reuse, expiry, or a session mismatch all fail with ErrStateMismatch
// and are audited as suspected replay.
func (fm *OAuthFlowManager) Callback(ctx context.Context, sessionID, state, code string) (*oauth2.Token, error) {
	record, err := fm.states.Consume(ctx, state)
	if err != nil {
		return nil, fm.reject(ctx, sessionID, "", ErrStateMismatch.WithCause(err))
	}
	if record == nil {
		// Unknown or already consumed: either a forged callback or the
		// second delivery of a replayed one.
		return nil, fm.reject(ctx, sessionID, "", ErrStateMismatch)
	}

	if record.SessionID != sessionID {
		return nil, fm.reject(ctx, sessionID, record.Provider,
			ErrStateMismatch.WithCause(fmt.Errorf("state bound to different session")))
	}
	if fm.now().Sub(record.CreatedAt) > fm.stateTTL {
		return nil, fm.reject(ctx, sessionID, record.Provider,
			ErrStateMismatch.WithCause(fmt.Errorf("state expired")))
	}

	cfg, exists := fm.providers[record.Provider]
	if !exists {
		return nil, fm.reject(ctx, sessionID, record.Provider,
			ErrStateMismatch.WithCause(fmt.Errorf("provider %q no longer configured", record.Provider)))
	}

	record.Status = FlowExchanged
	token, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(record.CodeVerifier))
	if err != nil {
		return nil, fm.reject(ctx, sessionID, record.Provider,
			fmt.Errorf("code exchange failed: %w", err))
	}

	if err := fm.sessions.StoreDelegatedToken(ctx, sessionID, record.Provider, token); err != nil {
		return nil, fm.reject(ctx, sessionID, record.Provider, err)
	}
	record.Status = FlowCompleted

	fm.auditor.Record(ctx, audit.NewEvent("oauth.complete").
		WithActor(sessionID).
		WithResource(record.Provider).
		WithOutcome(audit.OutcomeAllow).
		Build())
	if fm.metrics != nil {
		fm.metrics.OAuthFlowOutcomes.WithLabelValues(string(FlowCompleted)).Inc()
	}

	return token, nil
}

// reject records the terminal failure and returns the error unchanged.
func (fm *OAuthFlowManager) reject(ctx context.Context, sessionID, provider string, err error) error {
	fm.auditor.Record(ctx, audit.NewEvent("oauth.reject").
		WithActor(sessionID).
		WithResource(provider).
		WithOutcome(audit.OutcomeDeny).
		WithError(err).
		Build())
	if fm.metrics != nil {
		fm.metrics.OAuthFlowOutcomes.WithLabelValues(string(FlowRejected)).Inc()
	}
	fm.logger.Warn("Rejected OAuth callback",
		slog.String("session_id", sessionID),
		slog.String("provider", provider),
		"error", err)
	return err
}
