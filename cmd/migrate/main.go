// Command migrate applies the approval store schema.
//
// Usage:
//
//	go run ./cmd/migrate up          # Apply all pending migrations
//	go run ./cmd/migrate down        # Roll back the last migration (postgres)
//	go run ./cmd/migrate status      # Show migration status (postgres)
//	go run ./cmd/migrate version     # Show current schema version (postgres)
//
// The driver and connection settings come from the same configuration as the
// server (APPROVAL_CONFIG, default configs/config.yaml, plus environment).
package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/garyjia/invoice-approval/internal/config"
	"github.com/garyjia/invoice-approval/internal/infrastructure/persistence/postgres"
	"github.com/garyjia/invoice-approval/internal/infrastructure/persistence/sqlite"
	"github.com/garyjia/invoice-approval/pkg/database"
	"github.com/garyjia/invoice-approval/pkg/logger"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <command>")
		fmt.Println("Commands: up, down, status, version, redo, up-to <version>, down-to <version>")
		os.Exit(1)
	}
	command := os.Args[1]
	args := os.Args[2:]

	cfg, err := config.Load(configPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{Level: cfg.Logger.Level, OutputPath: "stdout", Format: "console"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx := context.Background()

	switch cfg.Database.Driver {
	case config.DriverPostgres:
		db, err := postgres.Open(ctx, cfg.Database.URL, 2, 1)
		if err != nil {
			log.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer func() { _ = db.Close() }()

		if err := postgres.RunMigrations(ctx, db, command, args...); err != nil {
			log.Fatal("Migration failed", zap.String("command", command), zap.Error(err))
		}

	case config.DriverSQLite:
		if command != "up" {
			log.Fatal("Only 'up' is supported for the sqlite driver", zap.String("command", command))
		}
		db, err := database.New(database.Config{Path: cfg.Database.Path, MaxOpenConns: 1, MaxIdleConns: 1}, log)
		if err != nil {
			log.Fatal("Failed to open database", zap.Error(err))
		}
		defer func() { _ = db.Close() }()

		if err := database.NewMigrator(db, log).Run(ctx, sqlite.Migrations()); err != nil {
			log.Fatal("Migration failed", zap.Error(err))
		}

	default:
		log.Fatal("Driver has no schema to migrate", zap.String("driver", cfg.Database.Driver))
	}

	log.Info("Migration finished", zap.String("command", command), zap.String("driver", cfg.Database.Driver))
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
