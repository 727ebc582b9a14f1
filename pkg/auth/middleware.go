package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/gateguard/gateguard/pkg/audit"
	"github.com/gateguard/gateguard/pkg/metrics"
	"github.com/gateguard/gateguard/pkg/ratelimit"
)

// MiddlewareConfig wires the security chain for HTTP handlers.
type MiddlewareConfig struct {
	JWTManager  *JWTManager
	Sessions    *SessionManager
	RBAC        *RBACManager
	CSRF        *CSRFGuard
	Limiter     *ratelimit.Limiter
	IPLimiter   *ratelimit.IPLimiter
	Auditor     *audit.Logger
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	PublicPaths []string
}

// Middleware enforces the per-request security chain: screen -> validate
// token (with session revocation) -> rate limit -> authorize -> audit.
// The first failure short-circuits with its HTTP status class.
type Middleware struct {
	jwt         *JWTManager
	sessions    *SessionManager
	rbac        *RBACManager
	csrf        *CSRFGuard
	limiter     *ratelimit.Limiter
	ipLimiter   *ratelimit.IPLimiter
	auditor     *audit.Logger
	metrics     *metrics.Metrics
	logger      *slog.Logger
	publicPaths map[string]bool
}

// NewMiddleware creates the security middleware.
func NewMiddleware(config MiddlewareConfig) *Middleware {
	public := make(map[string]bool, len(config.PublicPaths))
	for _, path := range config.PublicPaths {
		public[path] = true
	}
	return &Middleware{
		jwt:         config.JWTManager,
		sessions:    config.Sessions,
		rbac:        config.RBAC,
		csrf:        config.CSRF,
		limiter:     config.Limiter,
		ipLimiter:   config.IPLimiter,
		auditor:     config.Auditor,
		metrics:     config.Metrics,
		logger:      config.Logger.With(slog.String("component", "security_middleware")),
		publicPaths: public,
	}
}

// SecurityHeaders sets the browser-side defense headers on every response.
func (m *Middleware) SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		headers.Set("X-Content-Type-Options", "nosniff")
		headers.Set("X-Frame-Options", "DENY")
		headers.Set("Content-Security-Policy", "default-src 'self'")
		headers.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// PreAuthRateLimit bounds unauthenticated traffic per origin IP before any
// credential work happens. Keyed by IP with its own stricter limit so
// brute-force attempts cannot hide behind per-account quotas.
func (m *Middleware) PreAuthRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !m.ipLimiter.Allow(ip) {
			if m.metrics != nil {
				m.metrics.RateLimitRejected.WithLabelValues("pre-auth").Inc()
			}
			w.Header().Set("Retry-After", "1")
			m.writeError(w, r, &TooManyRequestsError{RetryAfter: 0})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Authenticate validates the bearer token, consults session revocation, and
// attaches the resolved Principal to the request context.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		tokenString := extractBearerToken(r)
		if tokenString == "" {
			m.writeError(w, r, ErrMalformedToken.WithCause(fmt.Errorf("missing bearer token")))
			return
		}

		principal, err := m.jwt.Validate(r.Context(), tokenString)
		if err != nil {
			m.auditor.Record(r.Context(), audit.NewEvent("auth.validate").
				WithResource(r.URL.Path).
				WithOutcome(audit.OutcomeDeny).
				WithError(err).
				Build())
			m.writeError(w, r, err)
			return
		}

		if principal.SessionID != "" {
			if err := m.sessions.Touch(r.Context(), principal.SessionID); err != nil {
				m.writeError(w, r, err)
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
	})
}

// RateLimit consumes the caller's quota for the endpoint class. The key is
// the resolved principal, falling back to origin IP for public paths.
func (m *Middleware) RateLimit(class string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := clientIP(r)
			if principal := PrincipalFromContext(r.Context()); principal != nil {
				identity = principal.ID
			}

			if err := m.limiter.Check(r.Context(), identity, class); err != nil {
				var limited *ratelimit.LimitExceededError
				if errors.As(err, &limited) {
					if m.metrics != nil {
						m.metrics.RateLimitRejected.WithLabelValues(class).Inc()
					}
					m.writeError(w, r, &TooManyRequestsError{RetryAfter: limited.RetryAfter})
					return
				}
				// Store failure: fail closed.
				m.writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CSRFProtect validates the double-submit token on state-changing methods.
func (m *Middleware) CSRFProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.csrf.RequiresValidation(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		principal := PrincipalFromContext(r.Context())
		if principal == nil || principal.SessionID == "" {
			// No session binding means no cookie-based ambient authority
			// for an attacker to ride.
			next.ServeHTTP(w, r)
			return
		}

		submitted := r.Header.Get(CSRFHeaderName)
		if submitted == "" {
			submitted = r.PostFormValue("csrf_token")
		}
		if err := m.csrf.Validate(r.Context(), principal.SessionID, submitted); err != nil {
			m.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequirePermission authorizes the specific action for the resolved
// principal. Deny-by-default; every decision is audited.
func (m *Middleware) RequirePermission(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := PrincipalFromContext(r.Context())
			if err := m.rbac.Authorize(r.Context(), principal, permission); err != nil {
				m.writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeError renders the taxonomy error as a JSON response with its HTTP
// status class and Retry-After where applicable.
func (m *Middleware) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)

	var limited *TooManyRequestsError
	if errors.As(err, &limited) && limited.RetryAfter > 0 {
		seconds := int(limited.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
	}

	code := "internal_error"
	var authErr *AuthError
	if errors.As(err, &authErr) {
		code = authErr.Code
	} else if limited != nil {
		code = "too_many_requests"
	}

	m.logger.Debug("Request denied",
		slog.String("path", r.URL.Path),
		slog.String("method", r.Method),
		slog.Int("status", status),
		slog.String("code", code))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

// extractBearerToken pulls the token from the Authorization header.
func extractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// clientIP resolves the origin IP, honoring the first X-Forwarded-For hop
// when present.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
