package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/prestabanco/backend/internal/api"
	"github.com/prestabanco/backend/internal/api/handlers"
	mw "github.com/prestabanco/backend/internal/api/middleware"
	"github.com/prestabanco/backend/internal/metrics"
	"github.com/prestabanco/backend/internal/proxy"
	"github.com/prestabanco/backend/internal/security"
	"github.com/prestabanco/backend/internal/telemetry"
	"github.com/prestabanco/backend/pkg/config"
	"github.com/prestabanco/backend/pkg/logger"
)

func main() {
	// Load configuration
	cfg := config.MustLoad()

	// Initialize logger
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	log.Info("Starting PrestaBanco edge",
		zap.String("env", cfg.AppEnv),
		zap.String("addr", cfg.HTTPAddr),
		zap.String("upstream", cfg.UpstreamURL),
	)

	// Spans are exported when a collector is configured; trace context is
	// propagated to the upstream either way.
	otelShutdown, err := telemetry.Setup(context.Background(), telemetry.Options{
		ServiceName:    cfg.AppName,
		ServiceVersion: cfg.AppVersion,
		Endpoint:       cfg.OTLPEndpoint,
		Logger:         log,
	})
	if err != nil {
		log.Fatal("failed to set up tracing", zap.Error(err))
	}

	m := metrics.New()

	chain, err := security.FromConfig(cfg, log, m)
	if err != nil {
		log.Fatal("invalid security configuration", zap.Error(err))
	}
	if cfg.JWTSecret == "" {
		log.Warn("JWT_SECRET not set, only public paths are reachable")
	}

	var app http.Handler
	checks := map[string]handlers.Check{}
	if cfg.UpstreamURL != "" {
		p, err := proxy.New(cfg.UpstreamURL, log)
		if err != nil {
			log.Fatal("invalid upstream", zap.Error(err))
		}
		app = p
		checks["upstream"] = p.Check
	} else {
		log.Warn("UPSTREAM_URL not set, application paths answer 404")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	limiter := mw.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	if err := limiter.TrustProxies(cfg.TrustedProxies); err != nil {
		log.Fatal("invalid trusted proxies", zap.Error(err))
	}
	go limiter.Run(ctx)

	// Create router with dependencies
	router := api.NewRouter(api.Dependencies{
		Chain:       chain,
		Metrics:     m,
		RateLimiter: limiter,
		Actuator: handlers.NewActuatorHandler(handlers.BuildInfo{
			Name:    cfg.AppName,
			Version: cfg.AppVersion,
			Env:     cfg.AppEnv,
		}, checks),
		Application: app,
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Graceful shutdown
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	} else {
		log.Info("server exited gracefully")
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		log.Error("tracer shutdown error", zap.Error(err))
	}
}
