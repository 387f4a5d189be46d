package container

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/invoice-approval/internal/application/port"
	"github.com/garyjia/invoice-approval/internal/application/service"
	"github.com/garyjia/invoice-approval/internal/config"
	"github.com/garyjia/invoice-approval/internal/infrastructure/realtime"
	"github.com/garyjia/invoice-approval/internal/infrastructure/worker"
	httpapi "github.com/garyjia/invoice-approval/internal/interfaces/http"
	"github.com/garyjia/invoice-approval/internal/metrics"
	"github.com/garyjia/invoice-approval/internal/traces"
)

// Container manages all application dependencies and lifecycle.
// Components are initialized in dependency order and torn down in reverse.
type Container struct {
	config *config.Config
	logger *zap.Logger

	// Infrastructure
	store         port.ApprovalStore
	sqlDB         *sql.DB
	notifier      port.Notifier
	hub           *realtime.Hub
	traceShutdown func(context.Context) error

	// Application
	approvals service.ApprovalService

	// Workers and transport
	workers *worker.WorkerManager
	server  *httpapi.Server

	// Lifecycle
	mu     sync.Mutex
	cancel context.CancelFunc
	ready  atomic.Bool
	closed atomic.Bool
}

// HealthStatus represents the health of all components
type HealthStatus struct {
	Overall    bool                       `json:"overall"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth represents health of a single component
type ComponentHealth struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// NewContainer creates a new container from configuration.
// It does not initialize components - call Start() to initialize.
func NewContainer(cfg *config.Config, logger *zap.Logger) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Container{
		config: cfg,
		logger: logger,
	}, nil
}

// Start initializes all components and starts background workers:
// 1. Tracing
// 2. Approval store
// 3. Notifier and realtime hub
// 4. Approval service
// 5. Workers
// 6. HTTP server (not listening until Serve)
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("container has been closed")
	}
	if c.ready.Load() {
		return fmt.Errorf("container already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.logger.Info("Starting container initialization")

	shutdown, err := traces.Init(runCtx, c.config.Tracing.OTLPEndpoint, c.config.Tracing.ServiceName, c.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	c.traceShutdown = shutdown

	bundle, err := ProvideStore(runCtx, &c.config.Database, c.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	c.store = bundle.Store
	c.sqlDB = bundle.SQLDB
	if c.sqlDB != nil {
		go metrics.StartDBStatsCollector(runCtx, c.sqlDB, 15*time.Second)
	}
	c.logger.Info("Approval store initialized", zap.String("driver", c.config.Database.Driver))

	c.notifier = ProvideNotifier(&c.config.Lark, c.logger)
	c.hub = realtime.NewHub(c.logger)
	directory := ProvideDirectory(&c.config.Approvers)

	c.approvals = ProvideApprovalService(&ServiceDeps{
		Store:     c.store,
		Notifier:  c.notifier,
		Directory: directory,
		Events:    c.hub,
		Workflow:  &c.config.Workflow,
		Logger:    c.logger,
	})

	c.workers = ProvideWorkers(&WorkerDeps{
		Approvals: c.approvals,
		Notifier:  c.notifier,
		Directory: directory,
		Hub:       c.hub,
		Workflow:  &c.config.Workflow,
		Logger:    c.logger,
	})
	if err := c.workers.StartAll(runCtx); err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}

	c.server = httpapi.NewServer(httpapi.ServerConfig{
		Host:         c.config.Server.Host,
		Port:         c.config.Server.Port,
		ReadTimeout:  c.config.Server.ReadTimeout,
		WriteTimeout: c.config.Server.WriteTimeout,
	}, c.approvals, c.hub, &zapLoggerAdapter{logger: c.logger})
	c.server.SetHealthCheck(func(ctx context.Context) (bool, interface{}) {
		h := c.Health(ctx)
		return h.Overall, h.Components
	})

	c.ready.Store(true)
	c.logger.Info("Container started successfully")
	return nil
}

// Serve runs the HTTP server until ctx is cancelled
func (c *Container) Serve(ctx context.Context) error {
	if !c.ready.Load() {
		return fmt.Errorf("container not started")
	}
	return c.server.Start(ctx)
}

// Close gracefully shuts down all components in reverse order
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("container already closed")
	}
	c.logger.Info("Closing container")

	var errs []error

	if c.server != nil {
		if err := c.server.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop http server: %w", err))
		}
	}

	if c.approvals != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := c.approvals.Shutdown(ctx); err != nil {
			c.logger.Error("Pending notifications not delivered", zap.Error(err))
			errs = append(errs, fmt.Errorf("drain notifications: %w", err))
		}
		cancel()
	}

	if c.workers != nil {
		if err := c.workers.StopAll(); err != nil {
			c.logger.Error("Failed to stop workers", zap.Error(err))
			errs = append(errs, fmt.Errorf("stop workers: %w", err))
		}
	}

	if c.cancel != nil {
		c.cancel()
	}

	if c.store != nil {
		if err := c.store.Close(); err != nil {
			c.logger.Error("Failed to close store", zap.Error(err))
			errs = append(errs, fmt.Errorf("close store: %w", err))
		} else {
			c.logger.Info("Approval store closed")
		}
	}

	if c.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.traceShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
		cancel()
	}

	c.closed.Store(true)
	c.ready.Store(false)

	if len(errs) > 0 {
		c.logger.Error("Container closed with errors", zap.Int("error_count", len(errs)))
		return fmt.Errorf("container closed with %d errors: %v", len(errs), errs)
	}

	c.logger.Info("Container closed successfully")
	return nil
}

// Ready returns true when all components are initialized
func (c *Container) Ready() bool {
	return c.ready.Load()
}

// Health returns health status of all components
func (c *Container) Health(ctx context.Context) *HealthStatus {
	status := &HealthStatus{
		Overall:    true,
		Components: make(map[string]ComponentHealth),
	}

	switch {
	case c.store == nil:
		status.Components["store"] = ComponentHealth{Healthy: false, Message: "not initialized"}
		status.Overall = false
	case c.sqlDB != nil:
		if err := c.sqlDB.PingContext(ctx); err != nil {
			status.Components["store"] = ComponentHealth{Healthy: false, Message: fmt.Sprintf("ping failed: %v", err)}
			status.Overall = false
		} else {
			status.Components["store"] = ComponentHealth{Healthy: true, Message: c.config.Database.Driver}
		}
	default:
		status.Components["store"] = ComponentHealth{Healthy: true, Message: c.config.Database.Driver}
	}

	if c.workers != nil && c.workers.IsRunning() {
		status.Components["workers"] = ComponentHealth{
			Healthy: true,
			Message: fmt.Sprintf("worker count: %d", c.workers.GetWorkerCount()),
		}
	} else {
		status.Components["workers"] = ComponentHealth{Healthy: false, Message: "not running"}
		status.Overall = false
	}

	return status
}

// ApprovalService returns the approval service
func (c *Container) ApprovalService() service.ApprovalService {
	return c.approvals
}

// Store returns the approval store
func (c *Container) Store() port.ApprovalStore {
	return c.store
}

// Hub returns the realtime event hub
func (c *Container) Hub() *realtime.Hub {
	return c.hub
}

// Workers returns the worker manager
func (c *Container) Workers() *worker.WorkerManager {
	return c.workers
}

// Server returns the HTTP server
func (c *Container) Server() *httpapi.Server {
	return c.server
}

// Logger returns the container's logger
func (c *Container) Logger() *zap.Logger {
	return c.logger
}

// Config returns the container's configuration
func (c *Container) Config() *config.Config {
	return c.config
}

// zapLoggerAdapter adapts zap.Logger to the key/value Logger interfaces
// used by the service and HTTP layers.
type zapLoggerAdapter struct {
	logger *zap.Logger
}

func (a *zapLoggerAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Info(msg, convertToZapFields(keysAndValues...)...)
}

func (a *zapLoggerAdapter) Error(msg string, keysAndValues ...interface{}) {
	a.logger.Error(msg, convertToZapFields(keysAndValues...)...)
}

func convertToZapFields(keysAndValues ...interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		if err, ok := keysAndValues[i+1].(error); ok {
			fields = append(fields, zap.NamedError(key, err))
			continue
		}
		fields = append(fields, zap.Any(key, keysAndValues[i+1]))
	}
	return fields
}
