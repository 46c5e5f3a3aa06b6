package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/akylbek/payment-system/payment-service/internal/telemetry"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Resume settlement runs and deliver outbox events without serving HTTP",
	RunE:  runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := initTelemetry(cfg); err != nil {
		return err
	}
	defer telemetry.Shutdown(context.Background())

	telemetry.Logger.Info("Starting Payment Service worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	telemetry.Logger.Info("Worker shutting down, active settlement runs will resume on next start")
	return nil
}
