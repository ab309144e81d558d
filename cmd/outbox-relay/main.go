// Package main provides the outbox relay service entry point. It publishes
// intake events written to the outbox table and reports consumer lag.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-medintake/internal/config"
	"github.com/drfirst/go-medintake/internal/infrastructure/postgres"
	"github.com/drfirst/go-medintake/internal/infrastructure/redpanda"
	"github.com/drfirst/go-medintake/internal/observability/metrics"
	"github.com/drfirst/go-medintake/internal/observability/tracing"
	"github.com/drfirst/go-medintake/pkg/circuitbreaker"
)

const serviceName = "outbox-relay"

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
	logger.Info("connected to database")

	m := metrics.New(nil)

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	defer admin.Close()
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Fatal("topic setup failed", zap.Error(err))
	}

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, m.KafkaMessagesProduced.Inc, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	breaker, err := circuitbreaker.New(circuitbreaker.DefaultConfig("redpanda-producer"), m.BreakerStateChanged, logger)
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}

	outbox := postgres.NewOutbox(pool, circuitbreaker.Guard(breaker, producer),
		postgres.DefaultOutboxConfig(), m, logger)

	if cfg.MetricsEnabled {
		srv := &http.Server{Addr: ":" + cfg.Port, Handler: metrics.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	go reportLag(ctx, admin, cfg.ConsumerGroup, m, logger)

	outbox.Run(ctx)
}

// reportLag polls the dispense consumer group's lag until ctx is done.
func reportLag(ctx context.Context, admin *redpanda.Admin, group string, m *metrics.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lag, err := admin.TotalLag(ctx, group)
			if err != nil {
				logger.Warn("consumer lag lookup failed", zap.String("group", group), zap.Error(err))
				continue
			}
			m.SetConsumerLag(group, lag)
		}
	}
}
