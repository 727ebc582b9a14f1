package auth

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/gateguard/gateguard/pkg/ratelimit"
)

// Config is the top-level configuration for the security layer. Values come
// from a YAML file when one is provided, with environment variables filling
// in anything the file omits.
type Config struct {
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
	RedisAddr  string `json:"redis_addr" yaml:"redis_addr"`

	JWT       JWTConfig           `json:"jwt" yaml:"jwt"`
	Sessions  SessionConfig       `json:"sessions" yaml:"sessions"`
	OAuth     OAuthFlowConfig     `json:"oauth" yaml:"oauth"`
	RateLimit RateLimitConfig     `json:"rate_limit" yaml:"rate_limit"`
	Audit     AuditConfig         `json:"audit" yaml:"audit"`
	Roles     map[string]RoleSpec `json:"roles" yaml:"roles"`
}

// RoleSpec declares one role's permission grants in the config file.
type RoleSpec struct {
	Description string   `json:"description" yaml:"description"`
	Permissions []string `json:"permissions" yaml:"permissions"`
}

// RateLimitConfig declares the endpoint classes plus the pre-auth IP limiter.
type RateLimitConfig struct {
	Classes []ClassSpec `json:"classes" yaml:"classes"`
	IPQPS   int         `json:"ip_qps" yaml:"ip_qps"`
	IPBurst int         `json:"ip_burst" yaml:"ip_burst"`
}

// ClassSpec is one named sliding-window class.
type ClassSpec struct {
	Name   string        `json:"name" yaml:"name"`
	Limit  int64         `json:"limit" yaml:"limit"`
	Window time.Duration `json:"window" yaml:"window"`
}

// AuditConfig selects the audit backend and queue sizing.
type AuditConfig struct {
	Backend   string `json:"backend" yaml:"backend"`
	FilePath  string `json:"file_path" yaml:"file_path"`
	QueueSize int    `json:"queue_size" yaml:"queue_size"`
}

// LoadConfig builds a Config from environment variables and an optional YAML
// file. An empty path falls back to GATEGUARD_CONFIG_FILE.
func LoadConfig(configPath string) (*Config, error) {
	cfg := &Config{
		ListenAddr: getEnv("GATEGUARD_LISTEN_ADDR", ":8443"),
		RedisAddr:  getEnv("GATEGUARD_REDIS_ADDR", ""),
		JWT: JWTConfig{
			Issuer:            getEnv("GATEGUARD_JWT_ISSUER", "gateguard"),
			AccessTTL:         getDurationEnv("GATEGUARD_ACCESS_TTL", 15*time.Minute),
			RefreshTTL:        getDurationEnv("GATEGUARD_REFRESH_TTL", 14*24*time.Hour),
			KeyRotationPeriod: getDurationEnv("GATEGUARD_KEY_ROTATION_PERIOD", 0),
		},
		Sessions: SessionConfig{
			MaxConcurrentSessions: getIntEnv("GATEGUARD_MAX_SESSIONS", 5),
			IdleTimeout:           getDurationEnv("GATEGUARD_SESSION_IDLE_TIMEOUT", 30*time.Minute),
		},
		OAuth: OAuthFlowConfig{
			StateTTL: getDurationEnv("GATEGUARD_OAUTH_STATE_TTL", 10*time.Minute),
		},
		RateLimit: RateLimitConfig{
			IPQPS:   10,
			IPBurst: 20,
			Classes: []ClassSpec{
				{Name: "read", Limit: 600, Window: time.Minute},
				{Name: "write", Limit: 120, Window: time.Minute},
				{Name: "auth", Limit: 20, Window: time.Minute},
			},
		},
		Audit: AuditConfig{
			Backend:   getEnv("GATEGUARD_AUDIT_BACKEND", "memory"),
			FilePath:  getEnv("GATEGUARD_AUDIT_FILE", "audit.log"),
			QueueSize: getIntEnv("GATEGUARD_AUDIT_QUEUE_SIZE", 1024),
		},
		Roles: make(map[string]RoleSpec),
	}

	file := configPath
	if file == "" {
		file = getEnv("GATEGUARD_CONFIG_FILE", "")
	}
	if file != "" {
		if err := cfg.loadFromFile(file); err != nil {
			return nil, fmt.Errorf("failed to load config file %q: %w", file, err)
		}
	}

	cfg.loadProvidersFromEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// loadProvidersFromEnv reads provider credentials of the form
// GATEGUARD_OAUTH_<NAME>_CLIENT_ID / _CLIENT_SECRET / _AUTH_URL / _TOKEN_URL
// for a comma-separated GATEGUARD_OAUTH_PROVIDERS list. Env credentials win
// over file values so secrets can stay out of the config file.
func (c *Config) loadProvidersFromEnv() {
	for _, name := range getStringSliceEnv("GATEGUARD_OAUTH_PROVIDERS", nil) {
		key := strings.ToUpper(name)
		idx := -1
		for i := range c.OAuth.Providers {
			if c.OAuth.Providers[i].Name == name {
				idx = i
				break
			}
		}
		if idx == -1 {
			c.OAuth.Providers = append(c.OAuth.Providers, OAuthProviderConfig{Name: name})
			idx = len(c.OAuth.Providers) - 1
		}
		provider := &c.OAuth.Providers[idx]
		if v := getEnv("GATEGUARD_OAUTH_"+key+"_CLIENT_ID", ""); v != "" {
			provider.ClientID = v
		}
		if v := getEnv("GATEGUARD_OAUTH_"+key+"_CLIENT_SECRET", ""); v != "" {
			provider.ClientSecret = v
		}
		if v := getEnv("GATEGUARD_OAUTH_"+key+"_AUTH_URL", ""); v != "" {
			provider.AuthURL = v
		}
		if v := getEnv("GATEGUARD_OAUTH_"+key+"_TOKEN_URL", ""); v != "" {
			provider.TokenURL = v
		}
		if v := getEnv("GATEGUARD_OAUTH_"+key+"_REDIRECT_URL", ""); v != "" {
			provider.RedirectURL = v
		}
		if v := getStringSliceEnv("GATEGUARD_OAUTH_"+key+"_SCOPES", nil); v != nil {
			provider.Scopes = v
		}
	}
}

func (c *Config) validate() error {
	if c.JWT.AccessTTL <= 0 {
		return fmt.Errorf("jwt access TTL must be positive, got %v", c.JWT.AccessTTL)
	}
	if c.JWT.RefreshTTL <= c.JWT.AccessTTL {
		return fmt.Errorf("jwt refresh TTL must exceed access TTL")
	}
	if c.Sessions.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("max concurrent sessions must be positive, got %d", c.Sessions.MaxConcurrentSessions)
	}
	if c.OAuth.StateTTL <= 0 {
		return fmt.Errorf("oauth state TTL must be positive, got %v", c.OAuth.StateTTL)
	}
	seen := make(map[string]bool, len(c.RateLimit.Classes))
	for _, class := range c.RateLimit.Classes {
		if class.Name == "" {
			return fmt.Errorf("rate limit class with empty name")
		}
		if seen[class.Name] {
			return fmt.Errorf("duplicate rate limit class %q", class.Name)
		}
		seen[class.Name] = true
		if class.Limit <= 0 || class.Window <= 0 {
			return fmt.Errorf("rate limit class %q must have positive limit and window", class.Name)
		}
	}
	for _, provider := range c.OAuth.Providers {
		if provider.Name == "" {
			return fmt.Errorf("oauth provider with empty name")
		}
		if provider.ClientID == "" {
			return fmt.Errorf("oauth provider %q missing client ID", provider.Name)
		}
		if provider.AuthURL == "" || provider.TokenURL == "" {
			return fmt.Errorf("oauth provider %q missing endpoint URLs", provider.Name)
		}
	}
	switch c.Audit.Backend {
	case "memory", "file":
	default:
		return fmt.Errorf("unknown audit backend %q", c.Audit.Backend)
	}
	return nil
}

// RateLimitClasses converts the configured class specs to limiter classes.
func (c *Config) RateLimitClasses() []ratelimit.Class {
	classes := make([]ratelimit.Class, 0, len(c.RateLimit.Classes))
	for _, spec := range c.RateLimit.Classes {
		classes = append(classes, ratelimit.Class{
			Name:   spec.Name,
			Limit:  spec.Limit,
			Window: spec.Window,
		})
	}
	return classes
}

// RBACRoles converts the configured role specs to RBAC roles.
func (c *Config) RBACRoles() []Role {
	roles := make([]Role, 0, len(c.Roles))
	for id, spec := range c.Roles {
		roles = append(roles, Role{
			ID:          id,
			Description: spec.Description,
			Permissions: spec.Permissions,
		})
	}
	return roles
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var parsed int
		if _, err := fmt.Sscanf(value, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		result := []string{}
		for _, item := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
