package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// AuthError is a terminal security failure. Every authentication and
// authorization failure in this layer maps onto one of the sentinel values
// below; the HTTP status is the class surfaced to callers.
type AuthError struct {
	Code    string
	Status  int
	Message string
	cause   error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause, if any.
func (e *AuthError) Unwrap() error { return e.cause }

// Is matches any AuthError with the same code, so wrapped instances still
// satisfy errors.Is against the sentinels.
func (e *AuthError) Is(target error) bool {
	var other *AuthError
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// WithCause returns a copy of the sentinel carrying the underlying error.
func (e *AuthError) WithCause(cause error) *AuthError {
	return &AuthError{Code: e.Code, Status: e.Status, Message: e.Message, cause: cause}
}

var (
	// ErrExpired indicates the token's expiry has passed.
	ErrExpired = &AuthError{Code: "token_expired", Status: http.StatusUnauthorized, Message: "token has expired"}

	// ErrBadSignature indicates the signature did not verify against any
	// live signing key.
	ErrBadSignature = &AuthError{Code: "bad_signature", Status: http.StatusUnauthorized, Message: "token signature verification failed"}

	// ErrMalformedToken indicates the token could not be parsed or carries
	// claims of the wrong shape.
	ErrMalformedToken = &AuthError{Code: "malformed_token", Status: http.StatusUnauthorized, Message: "token is malformed"}

	// ErrRevokedSession indicates the session bound to the token has been
	// revoked or consumed.
	ErrRevokedSession = &AuthError{Code: "revoked_session", Status: http.StatusUnauthorized, Message: "session has been revoked"}

	// ErrForbidden indicates the principal holds no permission grant
	// matching the requested action.
	ErrForbidden = &AuthError{Code: "forbidden", Status: http.StatusForbidden, Message: "permission denied"}

	// ErrCSRFMismatch indicates the submitted CSRF token did not match the
	// session-bound value.
	ErrCSRFMismatch = &AuthError{Code: "csrf_mismatch", Status: http.StatusForbidden, Message: "CSRF token mismatch"}

	// ErrStateMismatch indicates an OAuth callback whose state is unknown,
	// already consumed, expired, or bound to a different session. Treated
	// as a suspected CSRF or replay attempt.
	ErrStateMismatch = &AuthError{Code: "state_mismatch", Status: http.StatusForbidden, Message: "OAuth state mismatch"}

	// ErrAuditSinkUnavailable indicates the durable audit backend could not
	// be reached. This never surfaces as a request failure; it is recovered
	// by the fallback sink.
	ErrAuditSinkUnavailable = &AuthError{Code: "audit_sink_unavailable", Status: http.StatusInternalServerError, Message: "audit sink unavailable"}
)

// TooManyRequestsError reports a rate-limited request. It carries the time
// until the caller's window resets so clients can honor Retry-After.
type TooManyRequestsError struct {
	RetryAfter time.Duration
	cause      error
}

// Error implements the error interface.
func (e *TooManyRequestsError) Error() string {
	return fmt.Sprintf("too many requests, retry after %s", e.RetryAfter)
}

// Unwrap returns the underlying limiter error, if any.
func (e *TooManyRequestsError) Unwrap() error { return e.cause }

// HTTPStatus maps an error from this layer to its HTTP status class.
// Unknown errors fail safe to 500, which deny the request.
func HTTPStatus(err error) int {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Status
	}
	var limited *TooManyRequestsError
	if errors.As(err, &limited) {
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}
