package ratelimit

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// IPLimiterConfig holds configuration for the pre-auth per-IP limiter.
type IPLimiterConfig struct {
	// QPS is the sustained requests per second allowed per IP.
	QPS int `json:"qps" yaml:"qps"`

	// Burst is the token bucket burst capacity per IP.
	Burst int `json:"burst" yaml:"burst"`

	// CleanupInterval is how often idle IP entries are swept.
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`

	// IPTimeout is how long an inactive IP entry is retained.
	IPTimeout time.Duration `json:"ip_timeout" yaml:"ip_timeout"`
}

// DefaultIPLimiterConfig returns a configuration with sensible defaults.
// Pre-auth limits are deliberately stricter than authenticated classes to
// bound brute-force attempts against login endpoints.
func DefaultIPLimiterConfig() IPLimiterConfig {
	return IPLimiterConfig{
		QPS:             10,
		Burst:           20,
		CleanupInterval: 10 * time.Minute,
		IPTimeout:       1 * time.Hour,
	}
}

// ipEntry tracks the token bucket and last access time for one IP.
type ipEntry struct {
	limiter *rate.Limiter

	// lastAccess is unix nanos. Written by every Allow and read by the
	// cleanup goroutine, so it must be atomic.
	lastAccess atomic.Int64
}

// IPLimiter bounds unauthenticated traffic per origin IP using token
// buckets. It is independent of the per-identity window limiter: an
// attacker rotating accounts still runs into the IP bound.
type IPLimiter struct {
	config   IPLimiterConfig
	limiters sync.Map // map[string]*ipEntry

	logger *slog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewIPLimiter creates a per-IP limiter and starts its cleanup loop.
func NewIPLimiter(config IPLimiterConfig, logger *slog.Logger) *IPLimiter {
	defaults := DefaultIPLimiterConfig()
	if config.QPS <= 0 {
		config.QPS = defaults.QPS
	}
	if config.Burst <= 0 {
		config.Burst = defaults.Burst
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaults.CleanupInterval
	}
	if config.IPTimeout <= 0 {
		config.IPTimeout = defaults.IPTimeout
	}

	il := &IPLimiter{
		config: config,
		logger: logger.With(slog.String("component", "ip_limiter")),
		stopCh: make(chan struct{}),
	}

	il.wg.Add(1)
	go il.cleanupLoop()

	return il
}

// Allow reports whether a request from the given IP may proceed.
func (il *IPLimiter) Allow(ip string) bool {
	if ip == "" {
		// No usable key; the identity limiter still applies downstream.
		return true
	}
	return il.limiterFor(ip).Allow()
}

// Close stops the cleanup loop.
func (il *IPLimiter) Close() {
	close(il.stopCh)
	il.wg.Wait()
}

func (il *IPLimiter) limiterFor(ip string) *rate.Limiter {
	now := time.Now().UnixNano()

	if existing, ok := il.limiters.Load(ip); ok {
		entry := existing.(*ipEntry)
		entry.lastAccess.Store(now)
		return entry.limiter
	}

	entry := &ipEntry{
		limiter: rate.NewLimiter(rate.Limit(il.config.QPS), il.config.Burst),
	}
	entry.lastAccess.Store(now)

	// LoadOrStore keeps creation atomic when two workers race on a new IP.
	if actual, loaded := il.limiters.LoadOrStore(ip, entry); loaded {
		existing := actual.(*ipEntry)
		existing.lastAccess.Store(now)
		return existing.limiter
	}

	return entry.limiter
}

func (il *IPLimiter) cleanupLoop() {
	defer il.wg.Done()

	ticker := time.NewTicker(il.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			il.cleanup()
		case <-il.stopCh:
			return
		}
	}
}

func (il *IPLimiter) cleanup() {
	cutoff := time.Now().Add(-il.config.IPTimeout).UnixNano()
	removed := 0

	il.limiters.Range(func(key, value interface{}) bool {
		entry := value.(*ipEntry)
		if entry.lastAccess.Load() < cutoff {
			il.limiters.Delete(key)
			removed++
		}
		return true
	})

	if removed > 0 {
		il.logger.Debug("Cleaned up idle IP limiters", slog.Int("removed", removed))
	}
}
