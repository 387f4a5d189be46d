package container

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/garyjia/invoice-approval/internal/application/port"
	"github.com/garyjia/invoice-approval/internal/application/service"
	"github.com/garyjia/invoice-approval/internal/config"
	"github.com/garyjia/invoice-approval/internal/domain/entity"
	"github.com/garyjia/invoice-approval/internal/infrastructure/external/lark"
	"github.com/garyjia/invoice-approval/internal/infrastructure/notify"
	"github.com/garyjia/invoice-approval/internal/infrastructure/persistence/memory"
	"github.com/garyjia/invoice-approval/internal/infrastructure/persistence/postgres"
	"github.com/garyjia/invoice-approval/internal/infrastructure/persistence/sqlite"
	"github.com/garyjia/invoice-approval/internal/infrastructure/realtime"
	"github.com/garyjia/invoice-approval/internal/infrastructure/worker"
	"github.com/garyjia/invoice-approval/pkg/database"
)

// StoreBundle holds the approval store and, for SQL drivers, its pool
type StoreBundle struct {
	Store port.ApprovalStore
	SQLDB *sql.DB // nil for the memory driver
}

// ProvideStore opens the configured approval store and applies migrations
// when database.auto_migrate is set.
func ProvideStore(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (*StoreBundle, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logger.Warn("Using in-memory approval store; records are lost on restart")
		return &StoreBundle{Store: memory.New()}, nil

	case config.DriverSQLite:
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}

		db, err := database.New(database.Config{
			Path:            cfg.Path,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		}, logger)
		if err != nil {
			return nil, err
		}

		if cfg.AutoMigrate {
			if err := database.NewMigrator(db, logger).Run(ctx, sqlite.Migrations()); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
		}

		return &StoreBundle{Store: sqlite.NewApprovalStore(db.DB, logger), SQLDB: db.DB}, nil

	case config.DriverPostgres:
		db, err := postgres.Open(ctx, cfg.URL, cfg.MaxOpenConns, cfg.MaxIdleConns)
		if err != nil {
			return nil, err
		}
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

		if cfg.AutoMigrate {
			if err := postgres.Migrate(ctx, db); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
		}

		logger.Info("PostgreSQL connection established")
		return &StoreBundle{Store: postgres.NewApprovalStore(db, logger), SQLDB: db}, nil

	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// ProvideNotifier returns the Lark notifier when enabled, otherwise one
// that only logs.
func ProvideNotifier(cfg *config.LarkConfig, logger *zap.Logger) port.Notifier {
	if !cfg.Enabled {
		return notify.NewLogNotifier(logger)
	}

	client := lark.NewClient(lark.Config{AppID: cfg.AppID, AppSecret: cfg.AppSecret}, logger)
	return lark.NewNotifier(lark.NewMessenger(client, logger), logger)
}

// ProvideDirectory maps configured approvers onto levels
func ProvideDirectory(cfg *config.ApproversConfig) service.StaticDirectory {
	return service.StaticDirectory{
		entity.LevelManager:    {Name: cfg.Manager.Name, Email: cfg.Manager.Email},
		entity.LevelFinance:    {Name: cfg.Finance.Name, Email: cfg.Finance.Email},
		entity.LevelCompliance: {Name: cfg.Compliance.Name, Email: cfg.Compliance.Email},
	}
}

// ServiceDeps holds dependencies for the approval service
type ServiceDeps struct {
	Store     port.ApprovalStore
	Notifier  port.Notifier
	Directory port.ApproverDirectory
	Events    port.EventPublisher
	Workflow  *config.WorkflowConfig
	Logger    *zap.Logger
}

// ProvideApprovalService wires the approval service
func ProvideApprovalService(deps *ServiceDeps) service.ApprovalService {
	return service.NewApprovalService(deps.Store, &zapLoggerAdapter{logger: deps.Logger},
		service.WithNotifier(deps.Notifier, deps.Directory),
		service.WithEvents(deps.Events),
		service.WithOverdueThreshold(deps.Workflow.OverdueThresholdDays),
		service.WithDashboardPendingLimit(deps.Workflow.DashboardPendingLimit),
	)
}

// WorkerDeps holds dependencies for background workers
type WorkerDeps struct {
	Approvals worker.OverdueLister
	Notifier  port.Notifier
	Directory port.ApproverDirectory
	Hub       *realtime.Hub
	Workflow  *config.WorkflowConfig
	Logger    *zap.Logger
}

// ProvideWorkers registers the realtime hub and the escalation sweeper.
// The hub is registered first so it is running before the sweeper publishes.
func ProvideWorkers(deps *WorkerDeps) *worker.WorkerManager {
	manager := worker.NewWorkerManager(deps.Logger)
	manager.Register(deps.Hub)

	cfg := worker.DefaultEscalationWorkerConfig()
	cfg.Interval = deps.Workflow.EscalationInterval
	manager.Register(worker.NewEscalationWorker(
		cfg,
		deps.Approvals,
		deps.Notifier,
		deps.Directory,
		deps.Hub,
		deps.Logger,
	))

	return manager
}
