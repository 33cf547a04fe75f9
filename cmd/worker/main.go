package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/felixgeelhaar/clinicflow/adapter/api"
	"github.com/felixgeelhaar/clinicflow/internal/app"
	"github.com/felixgeelhaar/clinicflow/pkg/config"
	"github.com/felixgeelhaar/clinicflow/pkg/observability"
)

func main() {
	logger := observability.NewLogger(observability.DefaultLogConfig())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = observability.NewLogger(observability.LogConfig{
		Level:          observability.LogLevel(cfg.LogLevel),
		Format:         observability.LogFormat(cfg.LogFormat),
		Output:         os.Stdout,
		ServiceName:    "clinicflow-worker",
		ServiceVersion: cfg.Version,
	})
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker failed", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	c, err := app.NewContainer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	worker, err := c.NewDeliveryWorker()
	if err != nil {
		return err
	}
	c.Health.Register("delivery_worker", app.WorkerHealthChecker(worker))
	if err := worker.Start(ctx); err != nil {
		return err
	}
	defer worker.Stop()

	go c.RunReminderLoop(ctx)

	serverCfg := api.DefaultServerConfig()
	serverCfg.Addr = cfg.WorkerHealthAddr
	server := api.NewServer(serverCfg, c.OperationsRouter(), logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), api.DefaultServerConfig().WriteTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
