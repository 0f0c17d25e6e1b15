package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/factline/factline/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the aggregation scheduler until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		logger.Info("factline starting", "version", Version)

		otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, Version, cfg.OTELInsecure)
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		defer func() { _ = otelShutdown(context.Background()) }()

		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		// After telemetry.Init so the gauges land on the real meter provider.
		db.RegisterPoolMetrics()

		err = newScheduler(db).Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		logger.Info("factline stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
