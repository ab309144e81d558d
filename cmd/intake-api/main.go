// Package main provides the intake API service entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-medintake/internal/api/handlers"
	"github.com/drfirst/go-medintake/internal/api/middleware"
	"github.com/drfirst/go-medintake/internal/config"
	"github.com/drfirst/go-medintake/internal/domain/intake"
	"github.com/drfirst/go-medintake/internal/infrastructure/postgres"
	"github.com/drfirst/go-medintake/internal/infrastructure/redpanda"
	"github.com/drfirst/go-medintake/internal/observability/metrics"
	"github.com/drfirst/go-medintake/internal/observability/tracing"
)

const serviceName = "intake-api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loc, err := cfg.Location()
	if err != nil {
		logger.Fatal("invalid schedule timezone", zap.String("timezone", cfg.ScheduleTimezone), zap.Error(err))
	}

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Enabled = cfg.TracingEnabled
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(sctx)
	}()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	m := metrics.New(nil)

	svc := intake.NewService(
		postgres.NewIntakeRepository(pool),
		postgres.NewItemStore(pool),
		logger,
		intake.WithEventWriter(postgres.NewOutboxEventWriter(redpanda.TopicIntakeEvents)),
		intake.WithRecorder(m),
		intake.WithLocation(loc),
	)
	intakeHandler := handlers.NewIntakeHandler(svc, logger)

	if cfg.JWTSigningKey == "" {
		logger.Warn("JWT_SIGNING_KEY is empty; every authenticated request will be rejected")
	}

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))
	if cfg.MetricsEnabled {
		r.Use(middleware.Metrics(m))
		r.Handle("/metrics", metrics.Handler())
	}

	r.Get("/health", handlers.Health(serviceName))
	r.Get("/ready", handlers.Readiness(handlers.Check{Name: "database", Fn: pool.Ping}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.BearerAuth(middleware.JWTConfig{
			Issuer:     cfg.JWTIssuer,
			SigningKey: []byte(cfg.JWTSigningKey),
		}, postgres.NewPatientDirectory(pool), logger))
		r.Mount("/", intakeHandler.Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting intake API",
		zap.String("port", cfg.Port),
		zap.String("schedule_timezone", loc.String()))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("server stopped")
}
