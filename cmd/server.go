package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/gridfill/pkg/engine"
	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Cobra commands are typically global
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the worker and the sweep scheduler",
	Long: `Runs the queue worker that executes backfill fetches, monitor passes and
scheduled sweeps. Every instance joins scheduler leader election; only the
leader queues sweeps.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, _ []string) error {
	cmd.SilenceErrors = true

	config, err := loadConfig(cfgFile)
	if err != nil {
		return err
	}

	if err := applyLogLevel(cmd, config); err != nil {
		return err
	}

	logger.Info("Configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := engine.NewService(ctx, logger, config)
	if err != nil {
		return err
	}

	if err := app.Start(ctx); err != nil {
		_ = app.Stop()
		return err
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	cancel()

	// Graceful shutdown
	return app.Stop()
}
