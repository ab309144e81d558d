// Package main provides the intake-import CLI: bulk dispense import from CSV
// and schema migration.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-medintake/internal/config"
	"github.com/drfirst/go-medintake/internal/dispense"
	"github.com/drfirst/go-medintake/internal/domain/intake"
	"github.com/drfirst/go-medintake/internal/importer"
	"github.com/drfirst/go-medintake/internal/infrastructure/postgres"
	"github.com/drfirst/go-medintake/internal/infrastructure/redpanda"
	"github.com/drfirst/go-medintake/internal/observability/metrics"
	"github.com/drfirst/go-medintake/pkg/idempotency"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "intake-import",
		Short: "Medication intake maintenance tool",
	}
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// env loads configuration, a logger and a database pool.
func env(ctx context.Context) (*config.Config, *zap.Logger, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return nil, nil, nil, err
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	return cfg, logger, pool, nil
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file.csv>",
		Short: "Record dispenses from a CSV file and schedule their intakes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			cfg, logger, pool, err := env(ctx)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer pool.Close()

			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			m := metrics.New(nil)
			svc := intake.NewService(
				postgres.NewIntakeRepository(pool),
				postgres.NewItemStore(pool),
				logger,
				intake.WithEventWriter(postgres.NewOutboxEventWriter(redpanda.TopicIntakeEvents)),
				intake.WithRecorder(m),
				intake.WithLocation(loc),
			)

			var inbox dispense.Deduper
			if dedupe, _ := cmd.Flags().GetBool("dedupe"); dedupe {
				inboxCfg := idempotency.DefaultInboxConfig()
				inboxCfg.IsTerminal = intake.IsTerminal
				inbox = idempotency.NewInbox(idempotency.NewPGStore(pool), inboxCfg, logger)
			}

			batchSize, _ := cmd.Flags().GetInt("batch-size")
			if batchSize <= 0 {
				batchSize = cfg.ImportBatchSize
			}
			im := importer.New(dispense.NewProcessor(svc, inbox, logger), importer.Config{
				BatchSize:    batchSize,
				BatchTimeout: cfg.ImportBatchTimeout,
				Workers:      cfg.ImportWorkers,
			}, m, logger)

			report, importErr := im.Import(ctx, f)
			if report != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			}
			if importErr != nil {
				return importErr
			}
			if report.Failed > 0 {
				return fmt.Errorf("%d of %d rows failed", report.Failed, report.Rows)
			}
			return nil
		},
	}
	cmd.Flags().Int("batch-size", 0, "Rows per batch (defaults to IMPORT_BATCH_SIZE)")
	cmd.Flags().Bool("dedupe", true, "Skip rows already recorded through the inbox")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, pool, err := env(cmd.Context())
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer pool.Close()

			n, err := postgres.Migrate(cmd.Context(), pool, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
			return nil
		},
	}
}
