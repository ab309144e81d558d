// Package main provides the dispense consumer entry point. It reads pharmacy
// dispense notifications and schedules or recalculates intakes for each.
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
	"go.uber.org/zap"

	"github.com/drfirst/go-medintake/internal/api/handlers"
	"github.com/drfirst/go-medintake/internal/config"
	"github.com/drfirst/go-medintake/internal/dispense"
	"github.com/drfirst/go-medintake/internal/domain/intake"
	"github.com/drfirst/go-medintake/internal/infrastructure/postgres"
	"github.com/drfirst/go-medintake/internal/infrastructure/redpanda"
	"github.com/drfirst/go-medintake/internal/observability/metrics"
	"github.com/drfirst/go-medintake/internal/observability/tracing"
	"github.com/drfirst/go-medintake/pkg/idempotency"
)

const serviceName = "dispense-consumer"

func main() {
	cfg, err := config.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
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
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	m := metrics.New(nil)
	svc := intake.NewService(
		postgres.NewIntakeRepository(pool),
		postgres.NewItemStore(pool),
		logger,
		intake.WithEventWriter(postgres.NewOutboxEventWriter(redpanda.TopicIntakeEvents)),
		intake.WithRecorder(m),
		intake.WithLocation(loc),
	)

	inboxCfg := idempotency.DefaultInboxConfig()
	inboxCfg.IsTerminal = intake.IsTerminal
	inbox := idempotency.NewInbox(idempotency.NewPGStore(pool), inboxCfg, logger)
	go inbox.Run(ctx)

	processor := dispense.NewProcessor(svc, inbox, logger)

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.GroupID = cfg.ConsumerGroup

	consumer, err := redpanda.NewConsumer(consumerCfg,
		func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
			return processor.Consume(ctx, msg.ID(), msg.Value)
		},
		func(outcome string) { m.KafkaMessagesConsumed.WithLabelValues(outcome).Inc() },
		logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	r := chi.NewRouter()
	r.Get("/health", handlers.Health(serviceName))
	r.Get("/ready", handlers.Readiness(
		handlers.Check{Name: "database", Fn: pool.Ping},
		handlers.Check{Name: "redpanda", Fn: func(ctx context.Context) error {
			return redpanda.HealthCheck(ctx, consumerCfg.Brokers)
		}},
	))
	if cfg.MetricsEnabled {
		r.Handle("/metrics", metrics.Handler())
	}
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("status server failed", zap.Error(err))
		}
	}()
	defer srv.Close()

	logger.Info("dispense consumer started",
		zap.Strings("brokers", consumerCfg.Brokers),
		zap.String("group", consumerCfg.GroupID),
		zap.Strings("topics", consumerCfg.Topics))
	consumer.Run(ctx)
	logger.Info("dispense consumer stopped")
}
