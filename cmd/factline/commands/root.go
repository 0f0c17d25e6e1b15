// Package commands wires the factline CLI: the long-running scheduler and
// the one-shot aggregation, consistency, and migration commands.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/factline/factline/internal/config"
	"github.com/factline/factline/internal/scheduler"
	"github.com/factline/factline/internal/service/aggregation"
	"github.com/factline/factline/internal/service/consistency"
	"github.com/factline/factline/internal/service/loader"
	"github.com/factline/factline/internal/storage"
	"github.com/factline/factline/migrations"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	cfg    config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "factline",
	Short: "Factline aggregates work item lifecycle events into per-stage fact tables",
	Long: `Factline is a resumable batch aggregation engine. It scans work items per
group, converts their lifecycle event timestamps into denormalized stage
event records, and keeps the fact table consistent with the source data.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Load .env file if present (non-fatal; production won't have one).
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		level := slog.LevelInfo
		if cfg.LogLevel == "debug" {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		}))
		slog.SetDefault(logger)
		return nil
	},
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// openDB connects to the database and applies pending migrations.
func openDB(ctx context.Context) (*storage.DB, error) {
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return db, nil
}

// newScheduler assembles the service graph on top of one storage handle.
func newScheduler(db *storage.DB) *scheduler.Scheduler {
	limits := loader.Limits{
		BatchLimit:     cfg.BatchLimit,
		EventsLimit:    cfg.EventsLimit,
		UpsertLimit:    cfg.UpsertLimit,
		MaxUpsertCount: cfg.MaxUpsertCount,
	}
	loaderSvc := loader.New(db, db, db, limits, logger)
	aggregatorSvc := aggregation.New(loaderSvc, db, logger)
	checkerSvc := consistency.New(db, db, cfg.CheckBatchLimit, logger)

	return scheduler.New(db, aggregatorSvc, checkerSvc, scheduler.Config{
		IncrementalInterval: cfg.IncrementalInterval,
		FullInterval:        cfg.FullInterval,
		ConsistencyInterval: cfg.ConsistencyInterval,
		RuntimeBudget:       cfg.RuntimeBudget,
		WorkerConcurrency:   cfg.WorkerConcurrency,
	}, logger)
}
