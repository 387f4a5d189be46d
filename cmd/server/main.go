package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/garyjia/invoice-approval/internal/config"
	"github.com/garyjia/invoice-approval/internal/container"
	"github.com/garyjia/invoice-approval/pkg/logger"
)

func main() {
	cfg, err := config.Load(configPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logger.Level,
		OutputPath: cfg.Logger.OutputPath,
		Format:     cfg.Logger.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("Starting invoice approval service",
		zap.String("version", "1.0.0"),
		zap.String("driver", cfg.Database.Driver),
		zap.Int("port", cfg.Server.Port))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := container.NewContainer(cfg, log)
	if err != nil {
		log.Fatal("Failed to create container", zap.Error(err))
	}

	if err := app.Start(ctx); err != nil {
		_ = app.Close()
		log.Fatal("Failed to start container", zap.Error(err))
	}

	serveErr := app.Serve(ctx)
	if serveErr != nil {
		log.Error("HTTP server exited", zap.Error(serveErr))
	}

	log.Info("Shutting down")
	if err := app.Close(); err != nil {
		log.Error("Shutdown finished with errors", zap.Error(err))
		os.Exit(1)
	}
	if serveErr != nil {
		os.Exit(1)
	}
}

func configPath() string {
	if p := os.Getenv("APPROVAL_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("configs/config.yaml"); err == nil {
		return "configs/config.yaml"
	}
	return ""
}
