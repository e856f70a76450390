// Package http exposes the workflow engine and the disbursement processor
// over a gin router. Handlers only translate requests; all rules live in the
// application layer.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kingsway/backoffice-workflow/internal/application/disbursement"
	"github.com/kingsway/backoffice-workflow/internal/application/workflow"
	"github.com/kingsway/backoffice-workflow/internal/domain/entity"
	"github.com/kingsway/backoffice-workflow/internal/infrastructure/report"
)

// Logger interface for logging operations
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// Disburser runs and inspects payroll disbursements
type Disburser interface {
	Disburse(ctx context.Context, instanceID string) (*disbursement.Summary, error)
	RetryFailedItem(ctx context.Context, instanceID, payeeID string) (*entity.ItemOutcome, error)
	Summary(ctx context.Context, instanceID string) (*disbursement.Summary, error)
}

// ReportWriter renders a disbursement workbook
type ReportWriter interface {
	Write(w io.Writer, in report.Input) error
}

// PermissionInvalidator drops cached actor capabilities
type PermissionInvalidator interface {
	Invalidate(actorID string)
	InvalidateAll()
}

// RequestRecorder receives one observation per served request
type RequestRecorder interface {
	RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration)
}

// HealthFunc reports component health; a nil error means healthy
type HealthFunc func(ctx context.Context) error

// Dependencies are the application services behind the routes. Engine is
// required; a nil optional dependency disables its routes.
type Dependencies struct {
	Engine         workflow.Engine
	Disbursement   Disburser
	Reports        ReportWriter
	Permissions    PermissionInvalidator
	Health         HealthFunc
	Metrics        RequestRecorder
	MetricsHandler http.Handler
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Version         string
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            "0.0.0.0",
		Port:            8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		Version:         "1.0.0",
	}
}

// Server is the HTTP server adapter
type Server struct {
	config     ServerConfig
	httpServer *http.Server
	router     *gin.Engine
	deps       Dependencies
	logger     Logger
}

// NewServer creates a new HTTP server with the given services
func NewServer(config ServerConfig, deps Dependencies, logger Logger) (*Server, error) {
	if deps.Engine == nil {
		return nil, errors.New("http server requires a workflow engine")
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultServerConfig().ShutdownTimeout
	}

	router := gin.New()

	server := &Server{
		config: config,
		router: router,
		deps:   deps,
		logger: logger,
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server, nil
}

// setupMiddleware configures middleware for the router
func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(loggingMiddleware(s.logger))
	s.router.Use(corsMiddleware())
	if s.deps.Metrics != nil {
		s.router.Use(metricsMiddleware(s.deps.Metrics))
	}
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	h := NewHandlers(s.deps, s.config.Version, s.logger)

	s.router.GET("/health", h.HealthCheck)
	if s.deps.MetricsHandler != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.MetricsHandler))
	}

	api := s.router.Group("/api/v1")
	{
		instances := api.Group("/instances")
		instances.POST("", h.StartInstance)
		instances.GET("", h.ListInstances)
		instances.GET("/:id", h.GetInstance)
		instances.POST("/:id/transitions", h.Transition)
		instances.GET("/:id/history", h.History)
		instances.GET("/:id/actions", h.AvailableActions)
		instances.GET("/:id/verify", h.VerifyHistory)

		if s.deps.Disbursement != nil {
			instances.POST("/:id/disburse", h.Disburse)
			instances.POST("/:id/items/:payee_id/retry", h.RetryItem)
			instances.GET("/:id/items", h.ListItems)
			instances.GET("/:id/disbursement", h.DisbursementSummary)
			if s.deps.Reports != nil {
				instances.GET("/:id/report.xlsx", h.DownloadReport)
			}
		}

		if s.deps.Permissions != nil {
			api.POST("/permissions/invalidate", h.InvalidatePermissions)
		}
	}
}

// Start starts the HTTP server and blocks until ctx is cancelled
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
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

	s.logger.Info("Stopping HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
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
