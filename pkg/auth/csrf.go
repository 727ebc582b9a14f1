package auth

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/gateguard/gateguard/pkg/audit"
	"github.com/gateguard/gateguard/pkg/metrics"
)

// CSRFHeaderName is the request header carrying the double-submit value.
const CSRFHeaderName = "X-CSRF-Token"

// csrfSafeMethods are methods that do not change state and therefore skip
// CSRF validation.
var csrfSafeMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodTrace:   true,
}

// CSRFGuard validates state-changing requests with the double-submit
// pattern: the client echoes the session-bound token in a header and the
// two are compared in constant time.
type CSRFGuard struct {
	sessions *SessionManager
	auditor  *audit.Logger
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewCSRFGuard creates a CSRF guard over the session manager.
func NewCSRFGuard(sessions *SessionManager, auditor *audit.Logger, m *metrics.Metrics, logger *slog.Logger) *CSRFGuard {
	return &CSRFGuard{
		sessions: sessions,
		auditor:  auditor,
		metrics:  m,
		logger:   logger.With(slog.String("component", "csrf_guard")),
	}
}

// RequiresValidation reports whether the method changes state.
func (g *CSRFGuard) RequiresValidation(method string) bool {
	return !csrfSafeMethods[method]
}

// Validate compares the submitted token against the session-bound value.
// Missing or mismatched tokens fail closed with ErrCSRFMismatch.
func (g *CSRFGuard) Validate(ctx context.Context, sessionID, submittedToken string) error {
	session, err := g.sessions.Get(ctx, sessionID)
	if err != nil {
		return ErrCSRFMismatch.WithCause(err)
	}
	if session == nil || session.Revoked {
		return ErrRevokedSession
	}

	if submittedToken == "" ||
		subtle.ConstantTimeCompare([]byte(session.CSRFToken), []byte(submittedToken)) != 1 {
		g.auditor.Record(ctx, audit.NewEvent("csrf.validate").
			WithActor(session.PrincipalID).
			WithResource(sessionID).
			WithOutcome(audit.OutcomeDeny).
			Build())
		if g.metrics != nil {
			g.metrics.CSRFFailures.Inc()
		}
		return ErrCSRFMismatch
	}

	return nil
}

// Rotate replaces the session's token and returns the new value. Called on
// privilege-relevant events: login, role change.
func (g *CSRFGuard) Rotate(ctx context.Context, sessionID string) (string, error) {
	return g.sessions.RotateCSRFToken(ctx, sessionID)
}
