// Package http exposes the approval workflow over a JSON HTTP API.
// Handlers only translate requests into application service calls.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/garyjia/invoice-approval/internal/application/service"
	"github.com/garyjia/invoice-approval/internal/metrics"
)

// Logger interface for logging operations
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// StreamHandler upgrades a request into a realtime event stream
type StreamHandler interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
}

// HealthFunc reports whether the process can serve traffic, plus a per
// component breakdown that is rendered as-is.
type HealthFunc func(ctx context.Context) (healthy bool, components interface{})

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server is the HTTP server adapter
type Server struct {
	config          ServerConfig
	httpServer      *http.Server
	router          *gin.Engine
	approvalService service.ApprovalService
	stream          StreamHandler
	handlers        *Handlers
	logger          Logger
}

// NewServer creates a new HTTP server. stream may be nil, in which case the
// realtime endpoint is not registered.
func NewServer(
	config ServerConfig,
	approvalService service.ApprovalService,
	stream StreamHandler,
	logger Logger,
) *Server {
	if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &Server{
		config:          config,
		router:          gin.New(),
		approvalService: approvalService,
		stream:          stream,
		logger:          logger,
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(metrics.Middleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		if path == "/health" || path == "/metrics" {
			return
		}

		s.logger.Info("HTTP request",
			"method", method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start).String(),
			"client_ip", c.ClientIP(),
		)
	}
}

func (s *Server) setupRoutes() {
	handlers := NewHandlers(s.approvalService, s.logger)
	s.handlers = handlers

	s.router.GET("/health", handlers.HealthCheck)
	s.router.GET("/metrics", metrics.Handler())

	api := s.router.Group("/api/v1")
	{
		approvals := api.Group("/approvals")
		approvals.POST("", handlers.CreateApproval)
		approvals.GET("/pending", handlers.ListPending)
		approvals.GET("/overdue", handlers.ListOverdue)
		approvals.GET("/summary", handlers.Summary)
		approvals.GET("/dashboard", handlers.Dashboard)
		approvals.GET("/export", handlers.Export)
		if s.stream != nil {
			approvals.GET("/stream", gin.WrapF(s.stream.HandleWebSocket))
		}
		approvals.GET("/:id", handlers.GetApproval)
		approvals.GET("/:id/history", handlers.History)
		approvals.POST("/:id/approve", handlers.Approve)
		approvals.POST("/:id/reject", handlers.Reject)

		api.GET("/invoices/:invoice_id/approval", handlers.GetApprovalByInvoice)
	}
}

// SetHealthCheck makes GET /health report fn instead of a static status.
// It must be called before the server starts handling requests.
func (s *Server) SetHealthCheck(fn HealthFunc) {
	s.handlers.health = fn
}

// Start serves until ctx is cancelled or the listener fails
func (s *Server) Start(ctx context.Context) error {
	addr := s.Address()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting HTTP server", "address", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("HTTP server shutdown requested")
		return s.Stop()
	case err := <-errCh:
		s.logger.Error("HTTP server error", "error", err)
		return err
	}
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
		return err
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// Router returns the underlying gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Address returns the server address
func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}
