package container

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kingsway/backoffice-workflow/internal/application/disbursement"
	"github.com/kingsway/backoffice-workflow/internal/application/dispatcher"
	"github.com/kingsway/backoffice-workflow/internal/application/port"
	"github.com/kingsway/backoffice-workflow/internal/application/workflow"
	"github.com/kingsway/backoffice-workflow/internal/config"
	"github.com/kingsway/backoffice-workflow/internal/domain/entity"
	"github.com/kingsway/backoffice-workflow/internal/infrastructure/permission"
	"github.com/kingsway/backoffice-workflow/internal/infrastructure/report"
	"github.com/kingsway/backoffice-workflow/internal/infrastructure/worker"
)

// Container manages all application dependencies and lifecycle.
// Components are initialised in dependency order and torn down in reverse.
type Container struct {
	config *config.Config
	logger *zap.Logger

	// Infrastructure
	storage     *StorageBundle
	metrics     *MetricsBundle
	gateways    map[entity.Method]port.PaymentGateway
	messenger   port.Messenger
	permissions *permission.CachedOracle
	reports     *report.ExcelReporter

	// Application
	dispatcher dispatcher.Dispatcher
	engine     workflow.Engine
	processor  *disbursement.Processor

	// Workers
	workers *worker.Manager

	// Lifecycle
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	ready  atomic.Bool
	closed atomic.Bool
}

// HealthStatus represents the health of all components.
type HealthStatus struct {
	Overall    bool                       `json:"overall"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth represents health of a single component.
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

// Start initializes all components and begins background work:
// 1. Storage and repositories
// 2. Metrics
// 3. External adapters (gateways, messenger, permission oracle)
// 4. Dispatcher, processes and workflow engine
// 5. Disbursement processor and report writer
// 6. Workers
// A failed step releases what earlier steps opened.
func (c *Container) Start(ctx context.Context) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("container has been closed")
	}
	if c.ready.Load() {
		return fmt.Errorf("container already started")
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.logger.Info("Starting container initialization")

	defer func() {
		if err != nil {
			c.cancel()
			_ = c.teardown()
		}
	}()

	storage, err := ProvideStorage(c.config.Database, c.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	c.storage = storage
	c.logger.Info("Storage initialized", zap.String("driver", c.config.Database.Driver))

	c.metrics = ProvideMetrics()

	gateways, err := ProvideGateways(c.config.Gateways, c.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize gateways: %w", err)
	}
	c.gateways = gateways
	c.messenger = ProvideMessenger(c.config.Lark, c.logger)
	c.permissions = ProvidePermissions(c.config.Permissions, c.metrics.Metrics, c.logger)
	c.logger.Info("External adapters initialized", zap.Int("gateways", len(gateways)))

	c.dispatcher = ProvideDispatcher(c.logger)
	c.dispatcher.SubscribeAll("metrics", c.metrics.Metrics.ObserveEvent)

	engine, err := ProvideEngine(&EngineDeps{
		Storage:    c.storage,
		Oracle:     c.permissions,
		Messenger:  c.messenger,
		Dispatcher: c.dispatcher,
		Config:     c.config,
		Logger:     c.logger,
	})
	if err != nil {
		return err
	}
	c.engine = engine
	c.logger.Info("Workflow engine initialized")

	c.processor = ProvideProcessor(c.engine, c.storage.Disbursements, c.gateways, c.config.Disbursement, c.dispatcher, c.logger)
	c.reports = report.NewExcelReporter(c.logger)

	c.workers = ProvideWorkers(c.config.Disbursement, c.storage.Disbursements, c.metrics.Metrics, c.logger)
	if err := c.workers.StartAll(c.ctx); err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}

	c.ready.Store(true)
	c.logger.Info("Container started successfully")
	return nil
}

// Close gracefully shuts down all components in reverse order.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("container already closed")
	}
	c.logger.Info("Closing container")

	if c.cancel != nil {
		c.cancel()
	}
	err := c.teardown()

	c.closed.Store(true)
	c.ready.Store(false)

	if err != nil {
		c.logger.Error("Container closed with errors", zap.Error(err))
		return err
	}
	c.logger.Info("Container closed successfully")
	return nil
}

func (c *Container) teardown() error {
	var errs []error

	if c.workers != nil && c.workers.Running() {
		if err := c.workers.StopAll(); err != nil {
			errs = append(errs, fmt.Errorf("stop workers: %w", err))
		} else {
			c.logger.Info("Workers stopped")
		}
	}

	if c.dispatcher != nil {
		if err := c.dispatcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close dispatcher: %w", err))
		} else {
			c.logger.Info("Dispatcher closed")
		}
	}

	if c.storage != nil {
		if err := c.storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		} else {
			c.logger.Info("Storage closed")
		}
	}

	return errors.Join(errs...)
}

// Ready returns true when all components are initialized.
func (c *Container) Ready() bool {
	return c.ready.Load()
}

// Health returns health status of all components.
func (c *Container) Health(ctx context.Context) *HealthStatus {
	status := &HealthStatus{
		Overall:    true,
		Components: make(map[string]ComponentHealth),
	}
	set := func(name string, healthy bool, msg string) {
		status.Components[name] = ComponentHealth{Healthy: healthy, Message: msg}
		if !healthy {
			status.Overall = false
		}
	}

	switch {
	case c.storage == nil:
		set("storage", false, "not initialized")
	default:
		if err := c.storage.Ping(ctx); err != nil {
			set("storage", false, fmt.Sprintf("ping failed: %v", err))
		} else {
			set("storage", true, "")
		}
	}

	if c.workers == nil {
		set("workers", false, "not initialized")
	} else {
		set("workers", c.workers.Running(), fmt.Sprintf("workers: %v", c.workers.States()))
	}

	if c.engine == nil {
		set("engine", false, "not initialized")
	} else {
		set("engine", true, "")
	}

	set("gateways", true, fmt.Sprintf("configured: %d", len(c.gateways)))
	return status
}

// HealthCheck collapses Health into an error for the HTTP health route
func (c *Container) HealthCheck(ctx context.Context) error {
	status := c.Health(ctx)
	if status.Overall {
		return nil
	}
	var errs []error
	for name, comp := range status.Components {
		if !comp.Healthy {
			errs = append(errs, fmt.Errorf("%s: %s", name, comp.Message))
		}
	}
	return errors.Join(errs...)
}

// Engine returns the workflow engine.
func (c *Container) Engine() workflow.Engine {
	return c.engine
}

// Processor returns the disbursement processor.
func (c *Container) Processor() *disbursement.Processor {
	return c.processor
}

// Reports returns the report writer.
func (c *Container) Reports() *report.ExcelReporter {
	return c.reports
}

// Permissions returns the cached permission oracle.
func (c *Container) Permissions() *permission.CachedOracle {
	return c.permissions
}

// Metrics returns the metrics bundle.
func (c *Container) Metrics() *MetricsBundle {
	return c.metrics
}

// Storage returns the repositories.
func (c *Container) Storage() *StorageBundle {
	return c.storage
}

// Dispatcher returns the event dispatcher.
func (c *Container) Dispatcher() dispatcher.Dispatcher {
	return c.dispatcher
}

// Workers returns the worker manager.
func (c *Container) Workers() *worker.Manager {
	return c.workers
}

// Logger returns the container's logger.
func (c *Container) Logger() *zap.Logger {
	return c.logger
}

// Config returns the container's configuration.
func (c *Container) Config() *config.Config {
	return c.config
}
