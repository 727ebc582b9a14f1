// Package ratelimit provides per-identity and per-IP request throttling for
// the gateway's security chain. Identity limits use a window counter backed
// by a pluggable store so counts stay accurate across processes; pre-auth
// traffic is additionally bounded by a stricter per-IP token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Class describes the limit applied to one endpoint class. Login endpoints
// are typically far stricter than read endpoints.
type Class struct {
	Name   string        `json:"name" yaml:"name"`
	Limit  int64         `json:"limit" yaml:"limit"`
	Window time.Duration `json:"window" yaml:"window"`
}

// LimitExceededError reports a rejected request with the time remaining
// until the caller's window resets.
type LimitExceededError struct {
	Key        string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Key, e.RetryAfter)
}

// CounterStore is the shared mutable counter state behind the limiter.
// Increments must be atomic: lost updates under-count and weaken the
// defense. Implementations live in process memory or a shared cache.
type CounterStore interface {
	// Incr increments the counter for key within the current window,
	// resetting it when the window has rolled over. It returns the count
	// after increment and the remaining time until the window resets.
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// Limiter enforces window-counter limits per (identity, endpoint class) key.
type Limiter struct {
	store   CounterStore
	classes map[string]Class
	logger  *slog.Logger
}

// NewLimiter creates a limiter over the given store and endpoint classes.
func NewLimiter(store CounterStore, classes []Class, logger *slog.Logger) *Limiter {
	byName := make(map[string]Class, len(classes))
	for _, class := range classes {
		byName[class.Name] = class
	}
	return &Limiter{
		store:   store,
		classes: byName,
		logger:  logger.With(slog.String("component", "rate_limiter")),
	}
}

// Check consumes one unit of the caller's quota for the endpoint class.
// identity is the resolved principal ID, or the origin IP for
// unauthenticated traffic. Unknown classes are allowed through; the chain
// fails closed only on store errors.
func (l *Limiter) Check(ctx context.Context, identity, className string) error {
	class, ok := l.classes[className]
	if !ok {
		l.logger.Warn("Unknown rate limit class, allowing request",
			slog.String("class", className))
		return nil
	}

	key := fmt.Sprintf("%s:%s", className, identity)

	count, resetIn, err := l.store.Incr(ctx, key, class.Window)
	if err != nil {
		// Fail closed: a counter we cannot read is a counter we cannot
		// trust under attack.
		return fmt.Errorf("rate limit store unavailable: %w", err)
	}

	if count > class.Limit {
		l.logger.Warn("Rate limit exceeded",
			slog.String("key", key),
			slog.Int64("count", count),
			slog.Int64("limit", class.Limit),
			slog.Duration("retry_after", resetIn))
		return &LimitExceededError{Key: key, RetryAfter: resetIn}
	}

	return nil
}

// Classes returns the configured class names.
func (l *Limiter) Classes() []string {
	names := make([]string, 0, len(l.classes))
	for name := range l.classes {
		names = append(names, name)
	}
	return names
}
