// Package metrics exposes Prometheus instrumentation for the security chain.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors shared by the security components.
type Metrics struct {
	TokensIssued       *prometheus.CounterVec
	TokenValidations   *prometheus.CounterVec
	AuthzDecisions     *prometheus.CounterVec
	RateLimitRejected  *prometheus.CounterVec
	CSRFFailures       prometheus.Counter
	OAuthFlowOutcomes  *prometheus.CounterVec
	AuditFallbackTotal prometheus.Counter
	CheckDuration      *prometheus.HistogramVec
}

// New creates and registers the collectors on the given registerer. A nil
// registerer yields unregistered collectors, which tests use to avoid
// cross-test registration conflicts.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateguard",
			Name:      "tokens_issued_total",
			Help:      "Tokens issued, by kind.",
		}, []string{"kind"}),
		TokenValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateguard",
			Name:      "token_validations_total",
			Help:      "Token validation attempts, by result.",
		}, []string{"result"}),
		AuthzDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateguard",
			Name:      "authz_decisions_total",
			Help:      "Authorization decisions, by outcome.",
		}, []string{"outcome"}),
		RateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateguard",
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the rate limiter, by class.",
		}, []string{"class"}),
		CSRFFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateguard",
			Name:      "csrf_failures_total",
			Help:      "Requests rejected by the CSRF guard.",
		}),
		OAuthFlowOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateguard",
			Name:      "oauth_flow_outcomes_total",
			Help:      "OAuth delegated-authorization flow outcomes.",
		}, []string{"outcome"}),
		AuditFallbackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateguard",
			Name:      "audit_fallback_events_total",
			Help:      "Audit events diverted to the local fallback sink.",
		}),
		CheckDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gateguard",
			Name:      "check_duration_seconds",
			Help:      "Latency of individual security checks.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"check"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.TokensIssued,
			m.TokenValidations,
			m.AuthzDecisions,
			m.RateLimitRejected,
			m.CSRFFailures,
			m.OAuthFlowOutcomes,
			m.AuditFallbackTotal,
			m.CheckDuration,
		)
	}

	return m
}
