package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/gateguard/gateguard/pkg/audit"
	"github.com/gateguard/gateguard/pkg/metrics"
)

// Role is a named set of permission tags. Permissions are opaque
// "resource:action" strings; "resource:*" grants every action on a
// resource and "*" grants everything.
type Role struct {
	ID          string   `json:"id" yaml:"id"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Permissions []string `json:"permissions" yaml:"permissions"`
}

// RBACManager evaluates permission checks against the role registry.
// Deny-by-default: a principal is authorized iff some role grants a
// matching permission. Role composition is flat; permission sets are
// computed once at load time, so each check is a pure data lookup.
type RBACManager struct {
	// roles maps role ID to its flattened permission set.
	roles map[string]map[string]struct{}
	mutex sync.RWMutex

	auditor *audit.Logger
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewRBACManager creates an enforcer with the given role definitions.
func NewRBACManager(roles []Role, auditor *audit.Logger, m *metrics.Metrics, logger *slog.Logger) *RBACManager {
	r := &RBACManager{
		roles:   make(map[string]map[string]struct{}),
		auditor: auditor,
		metrics: m,
		logger:  logger.With(slog.String("component", "rbac")),
	}
	r.LoadRoles(roles)
	return r
}

// LoadRoles replaces the role registry. Roles are process-wide
// configuration; this supports reload without per-request mutation.
func (r *RBACManager) LoadRoles(roles []Role) {
	flattened := make(map[string]map[string]struct{}, len(roles))
	for _, role := range roles {
		permissions := make(map[string]struct{}, len(role.Permissions))
		for _, permission := range role.Permissions {
			permissions[permission] = struct{}{}
		}
		flattened[role.ID] = permissions
	}

	r.mutex.Lock()
	r.roles = flattened
	r.mutex.Unlock()

	r.logger.Info("Loaded role definitions", slog.Int("roles", len(roles)))
}

// Authorize checks whether the principal may perform the permission and
// emits one audit event for the decision either way. Denials return
// ErrForbidden.
func (r *RBACManager) Authorize(ctx context.Context, principal *Principal, permission string) error {
	if principal == nil {
		return ErrForbidden.WithCause(fmt.Errorf("no principal resolved"))
	}

	allowed := r.HasPermission(principal, permission)

	outcome := audit.OutcomeDeny
	if allowed {
		outcome = audit.OutcomeAllow
	}
	r.auditor.Record(ctx, audit.NewEvent("rbac.authorize").
		WithActor(principal.ID).
		WithResource(permission).
		WithOutcome(outcome).
		WithDetail("roles", strings.Join(principal.Roles, ",")).
		Build())

	if r.metrics != nil {
		r.metrics.AuthzDecisions.WithLabelValues(string(outcome)).Inc()
	}

	if !allowed {
		return ErrForbidden
	}
	return nil
}

// HasPermission reports whether any of the principal's roles grants the
// permission, without auditing. Used for non-enforcing checks such as UI
// capability hints.
func (r *RBACManager) HasPermission(principal *Principal, permission string) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, roleID := range principal.Roles {
		grants, exists := r.roles[roleID]
		if !exists {
			continue
		}
		for granted := range grants {
			if matchesPermission(granted, permission) {
				return true
			}
		}
	}
	return false
}

// PermissionsFor returns the sorted union of permissions granted by the
// given roles.
func (r *RBACManager) PermissionsFor(roles []string) []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	seen := make(map[string]struct{})
	var permissions []string
	for _, roleID := range roles {
		for granted := range r.roles[roleID] {
			if _, dup := seen[granted]; !dup {
				seen[granted] = struct{}{}
				permissions = append(permissions, granted)
			}
		}
	}
	sort.Strings(permissions)
	return permissions
}

// matchesPermission reports whether a granted tag satisfies a required one,
// honoring the global wildcard and resource-level wildcards
// (e.g. "doc:*" matches "doc:read").
func matchesPermission(granted, required string) bool {
	if granted == "*" || granted == required {
		return true
	}
	if strings.HasSuffix(granted, ":*") {
		grantedResource := strings.TrimSuffix(granted, ":*")
		requiredParts := strings.SplitN(required, ":", 2)
		if len(requiredParts) == 2 && requiredParts[0] == grantedResource {
			return true
		}
	}
	return false
}
