package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/gateguard/gateguard/pkg/audit"
)

// Handlers exposes the session and delegated-authorization endpoints of the
// security layer over HTTP.
type Handlers struct {
	jwt      *JWTManager
	sessions *SessionManager
	csrf     *CSRFGuard
	flows    *OAuthFlowManager
	auditor  *audit.Logger
	logger   *slog.Logger
}

// NewHandlers creates the HTTP handler set.
func NewHandlers(jwt *JWTManager, sessions *SessionManager, csrf *CSRFGuard, flows *OAuthFlowManager, auditor *audit.Logger, logger *slog.Logger) *Handlers {
	return &Handlers{
		jwt:      jwt,
		sessions: sessions,
		csrf:     csrf,
		flows:    flows,
		auditor:  auditor,
		logger:   logger.With(slog.String("component", "auth_handlers")),
	}
}

// RegisterRoutes mounts the endpoints on the router. The refresh and JWKS
// endpoints are public, but every auth endpoint burns "auth" class quota so
// credential guessing cannot ride the laxer global classes. The audit export
// endpoint sits behind the audit:read permission.
func (h *Handlers) RegisterRoutes(router *mux.Router, mw *Middleware) {
	authClass := mw.RateLimit("auth")

	router.Handle("/auth/refresh", authClass(http.HandlerFunc(h.RefreshHandler))).Methods(http.MethodPost)
	router.Handle("/auth/logout", authClass(http.HandlerFunc(h.LogoutHandler))).Methods(http.MethodPost)
	router.Handle("/auth/csrf", authClass(http.HandlerFunc(h.CSRFTokenHandler))).Methods(http.MethodGet)
	router.Handle("/auth/sessions", authClass(http.HandlerFunc(h.ListSessionsHandler))).Methods(http.MethodGet)
	router.Handle("/auth/sessions/{id}", authClass(http.HandlerFunc(h.RevokeSessionHandler))).Methods(http.MethodDelete)
	router.Handle("/auth/oauth/{provider}/login", authClass(http.HandlerFunc(h.OAuthLoginHandler))).Methods(http.MethodGet)
	router.Handle("/auth/oauth/{provider}/callback", authClass(http.HandlerFunc(h.OAuthCallbackHandler))).Methods(http.MethodGet)
	router.Handle("/admin/audit/events", mw.RequirePermission("audit:read")(http.HandlerFunc(h.AuditExportHandler))).Methods(http.MethodGet)
	router.HandleFunc("/.well-known/jwks.json", h.JWKSHandler).Methods(http.MethodGet)
}

// RefreshHandler exchanges a refresh token for a new access+refresh pair.
// The presented token is single-use; replays revoke the session.
func (h *Handlers) RefreshHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RefreshToken == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	access, refresh, err := h.jwt.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		writeJSONError(w, HTTPStatus(err), "refresh_failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "Bearer",
	})
}

// LogoutHandler revokes the caller's session, which invalidates every token
// bound to it faster than expiry.
func (h *Handlers) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())
	if principal == nil || principal.SessionID == "" {
		writeJSONError(w, http.StatusUnauthorized, "no_session")
		return
	}

	if err := h.sessions.Revoke(r.Context(), principal.SessionID); err != nil {
		h.logger.Error("Failed to revoke session on logout", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "revoke_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// CSRFTokenHandler rotates and returns the session's CSRF token.
func (h *Handlers) CSRFTokenHandler(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())
	if principal == nil || principal.SessionID == "" {
		writeJSONError(w, http.StatusUnauthorized, "no_session")
		return
	}

	token, err := h.csrf.Rotate(r.Context(), principal.SessionID)
	if err != nil {
		writeJSONError(w, HTTPStatus(err), "csrf_rotation_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"csrf_token": token})
}

// ListSessionsHandler returns the caller's sessions, most recent first.
func (h *Handlers) ListSessionsHandler(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())
	if principal == nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	sessions, err := h.sessions.ListSessions(r.Context(), principal.ID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "list_failed")
		return
	}

	type sessionView struct {
		ID                string `json:"id"`
		DeviceFingerprint string `json:"device_fingerprint,omitempty"`
		CreatedAt         string `json:"created_at"`
		LastSeenAt        string `json:"last_seen_at"`
		Revoked           bool   `json:"revoked"`
	}
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, sessionView{
			ID:                s.ID,
			DeviceFingerprint: s.DeviceFingerprint,
			CreatedAt:         s.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
			LastSeenAt:        s.LastSeenAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
			Revoked:           s.Revoked,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": views})
}

// RevokeSessionHandler revokes one of the caller's sessions by ID. Only the
// owning principal may revoke it.
func (h *Handlers) RevokeSessionHandler(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())
	if principal == nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	sessionID := mux.Vars(r)["id"]
	session, err := h.sessions.Get(r.Context(), sessionID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "lookup_failed")
		return
	}
	if session == nil || session.PrincipalID != principal.ID {
		writeJSONError(w, http.StatusNotFound, "session_not_found")
		return
	}

	if err := h.sessions.Revoke(r.Context(), sessionID); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "revoke_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// OAuthLoginHandler starts a PKCE handshake and redirects to the provider.
func (h *Handlers) OAuthLoginHandler(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())
	if principal == nil || principal.SessionID == "" {
		writeJSONError(w, http.StatusUnauthorized, "no_session")
		return
	}

	provider := mux.Vars(r)["provider"]
	authURL, err := h.flows.Begin(r.Context(), principal.SessionID, provider)
	if err != nil {
		writeJSONError(w, HTTPStatus(err), "flow_start_failed")
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// OAuthCallbackHandler completes a PKCE handshake. State reuse or mismatch
// is a hard 403.
func (h *Handlers) OAuthCallbackHandler(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())
	if principal == nil || principal.SessionID == "" {
		writeJSONError(w, http.StatusUnauthorized, "no_session")
		return
	}

	query := r.URL.Query()
	state := query.Get("state")
	code := query.Get("code")
	if state == "" || code == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_callback")
		return
	}

	if _, err := h.flows.Callback(r.Context(), principal.SessionID, state, code); err != nil {
		writeJSONError(w, HTTPStatus(err), "flow_callback_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// AuditExportHandler returns audit events matching the query filters.
func (h *Handlers) AuditExportHandler(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	query := &audit.Query{
		Actor:   params.Get("actor"),
		Outcome: audit.Outcome(params.Get("outcome")),
	}
	if raw := params.Get("start"); raw != "" {
		start, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_start")
			return
		}
		query.Start = start
	}
	if raw := params.Get("end"); raw != "" {
		end, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_end")
			return
		}
		query.End = end
	}
	if raw := params.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		query.Limit = limit
	}

	events, err := h.auditor.Export(r.Context(), query)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "export_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// JWKSHandler exposes the live verification keys.
func (h *Handlers) JWKSHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.jwt.JWKS())
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
