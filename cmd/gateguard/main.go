// Package main runs the gateguard security gateway: token issuing and
// validation, session control, RBAC, rate limiting, CSRF protection,
// delegated OAuth flows and a tamper-evident audit trail in front of a
// multi-tenant API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/gateguard/gateguard/pkg/audit"
	"github.com/gateguard/gateguard/pkg/auth"
	"github.com/gateguard/gateguard/pkg/metrics"
	"github.com/gateguard/gateguard/pkg/ratelimit"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("Gateway exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := auth.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	// Audit trail first: every other component records into it.
	var backend audit.Backend
	switch cfg.Audit.Backend {
	case "file":
		backend, err = audit.NewFileBackend(cfg.Audit.FilePath)
		if err != nil {
			return fmt.Errorf("failed to open audit file backend: %w", err)
		}
	default:
		backend = audit.NewMemoryBackend()
	}
	auditor := audit.NewLogger(audit.LoggerConfig{
		QueueSize: cfg.Audit.QueueSize,
		OnFallback: func(*audit.Event) {
			m.AuditFallbackTotal.Inc()
		},
	}, backend, logger)
	defer auditor.Close()

	// Stores: Redis when an address is configured, in-memory otherwise.
	var (
		sessionStore auth.SessionStore
		revocations  auth.RevocationList
		stateStore   auth.OAuthStateStore
		counterStore ratelimit.CounterStore
	)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		defer client.Close() //nolint:errcheck

		sessionStore = auth.NewRedisSessionStore(client, cfg.JWT.RefreshTTL)
		revocations = auth.NewRedisRevocationList(client)
		stateStore = auth.NewRedisOAuthStateStore(client)
		counterStore = ratelimit.NewRedisCounterStore(client, "gateguard:ratelimit")
		logger.Info("Using redis-backed stores", "addr", cfg.RedisAddr)
	} else {
		sessionStore = auth.NewMemorySessionStore()
		revocations = auth.NewMemoryRevocationList()
		stateStore = auth.NewMemoryOAuthStateStore()
		counterStore = ratelimit.NewMemoryCounterStore()
		logger.Info("Using in-memory stores")
	}

	keys, err := auth.NewKeyRing(cfg.JWT.AccessTTL, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize signing keys: %w", err)
	}

	sessions := auth.NewSessionManager(cfg.Sessions, sessionStore, auditor, logger)
	jwtManager := auth.NewJWTManager(cfg.JWT, keys, sessions, revocations, m, logger)
	defer jwtManager.Close()

	rbac := auth.NewRBACManager(cfg.RBACRoles(), auditor, m, logger)
	csrf := auth.NewCSRFGuard(sessions, auditor, m, logger)
	flows := auth.NewOAuthFlowManager(cfg.OAuth, stateStore, sessions, auditor, m, logger)

	limiter := ratelimit.NewLimiter(counterStore, cfg.RateLimitClasses(), logger)
	ipLimiter := ratelimit.NewIPLimiter(ratelimit.IPLimiterConfig{
		QPS:   cfg.RateLimit.IPQPS,
		Burst: cfg.RateLimit.IPBurst,
	}, logger)
	defer ipLimiter.Close()

	mw := auth.NewMiddleware(auth.MiddlewareConfig{
		JWTManager: jwtManager,
		Sessions:   sessions,
		RBAC:       rbac,
		CSRF:       csrf,
		Limiter:    limiter,
		IPLimiter:  ipLimiter,
		Auditor:    auditor,
		Metrics:    m,
		Logger:     logger,
		PublicPaths: []string{
			"/auth/refresh",
			"/.well-known/jwks.json",
			"/healthz",
			"/metrics",
		},
	})

	router := mux.NewRouter()
	router.Use(mw.SecurityHeaders)
	router.Use(mw.PreAuthRateLimit)
	router.Use(mw.Authenticate)
	router.Use(mw.CSRFProtect)

	handlers := auth.NewHandlers(jwtManager, sessions, csrf, flows, auditor, logger)
	handlers.RegisterRoutes(router, mw)

	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Security gateway listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-sigCh:
		logger.Info("Shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}
