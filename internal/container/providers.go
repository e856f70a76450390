// Package container provides dependency injection and lifecycle management
// for the back-office workflow service.
package container

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/kingsway/backoffice-workflow/internal/application/disbursement"
	"github.com/kingsway/backoffice-workflow/internal/application/dispatcher"
	"github.com/kingsway/backoffice-workflow/internal/application/port"
	"github.com/kingsway/backoffice-workflow/internal/application/process/attendance"
	"github.com/kingsway/backoffice-workflow/internal/application/process/payroll"
	"github.com/kingsway/backoffice-workflow/internal/application/workflow"
	"github.com/kingsway/backoffice-workflow/internal/config"
	"github.com/kingsway/backoffice-workflow/internal/domain/entity"
	"github.com/kingsway/backoffice-workflow/internal/infrastructure/external/gateway"
	infraLark "github.com/kingsway/backoffice-workflow/internal/infrastructure/external/lark"
	"github.com/kingsway/backoffice-workflow/internal/infrastructure/external/messaging"
	"github.com/kingsway/backoffice-workflow/internal/infrastructure/metrics"
	"github.com/kingsway/backoffice-workflow/internal/infrastructure/permission"
	"github.com/kingsway/backoffice-workflow/internal/infrastructure/persistence/memory"
	"github.com/kingsway/backoffice-workflow/internal/infrastructure/persistence/repository"
	"github.com/kingsway/backoffice-workflow/internal/infrastructure/persistence/sqlite"
	"github.com/kingsway/backoffice-workflow/internal/infrastructure/worker"
	"github.com/kingsway/backoffice-workflow/pkg/database"
)

// StorageBundle holds the repositories of one storage driver
type StorageBundle struct {
	Instances     port.InstanceRepository
	Transitions   port.TransitionRepository
	Disbursements port.DisbursementRepository
	TxManager     port.TransactionManager
	Students      port.StudentRecords
	Guardians     port.GuardianDirectory
	Compensation  port.CompensationSource

	ping  func(ctx context.Context) error
	close func() error
}

// Ping checks the backing store
func (b *StorageBundle) Ping(ctx context.Context) error {
	if b.ping == nil {
		return nil
	}
	return b.ping(ctx)
}

// Close releases the backing store
func (b *StorageBundle) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// MetricsBundle holds the registry and the instruments registered on it
type MetricsBundle struct {
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
}

// EngineDeps groups what the workflow engine and its processes need
type EngineDeps struct {
	Storage    *StorageBundle
	Oracle     port.PermissionOracle
	Messenger  port.Messenger
	Dispatcher dispatcher.Dispatcher
	Config     *config.Config
	Logger     *zap.Logger
}

// ProvideStorage opens the configured storage driver. The sqlite driver
// applies the embedded migrations.
func ProvideStorage(cfg config.DatabaseConfig, logger *zap.Logger) (*StorageBundle, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		store := memory.NewStore()
		records := store.Records()
		logger.Warn("Using in-memory storage, state is lost on restart")
		return &StorageBundle{
			Instances:     store.Instances(),
			Transitions:   store.Transitions(),
			Disbursements: store.Disbursements(),
			TxManager:     store,
			Students:      records,
			Guardians:     records,
			Compensation:  records,
		}, nil

	case config.DriverSQLite, "":
		db, err := sqlite.Open(database.Config{
			Path:            cfg.Path,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		records := repository.NewRecordsRepository(db, logger)
		return &StorageBundle{
			Instances:     repository.NewInstanceRepository(db, logger),
			Transitions:   repository.NewTransitionRepository(db, logger),
			Disbursements: repository.NewDisbursementRepository(db, logger),
			TxManager:     db,
			Students:      records,
			Guardians:     records,
			Compensation:  records,
			ping:          db.PingContext,
			close:         db.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// ProvideMetrics creates a registry with the runtime collectors and the
// service instruments
func ProvideMetrics() *MetricsBundle {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &MetricsBundle{Registry: reg, Metrics: metrics.InitMetrics(reg)}
}

// ProvideGateways builds the payment gateways keyed by the method they serve.
// A gateway without a mode is left out, which routes its items to failed.
func ProvideGateways(cfg config.GatewaysConfig, logger *zap.Logger) (map[entity.Method]port.PaymentGateway, error) {
	entries := []struct {
		method entity.Method
		cfg    config.GatewayConfig
	}{
		{entity.MethodGatewayA, cfg.GatewayA},
		{entity.MethodGatewayB, cfg.GatewayB},
	}

	gateways := make(map[entity.Method]port.PaymentGateway)
	for _, e := range entries {
		name := string(e.method)
		switch e.cfg.Mode {
		case "":
			logger.Warn("Payment gateway not configured", zap.String("gateway", name))
		case config.GatewayModeSandbox:
			balance, err := e.cfg.Balance()
			if err != nil {
				return nil, fmt.Errorf("invalid %s sandbox balance: %w", name, err)
			}
			gateways[e.method] = gateway.NewSandbox(name, balance, logger)
		case config.GatewayModeHTTP:
			gw, err := gateway.NewHTTPGateway(gateway.HTTPConfig{
				Name:    name,
				BaseURL: e.cfg.BaseURL,
				APIKey:  e.cfg.APIKey,
				Timeout: e.cfg.Timeout,
			}, logger)
			if err != nil {
				return nil, fmt.Errorf("failed to create %s: %w", name, err)
			}
			gateways[e.method] = gw
		default:
			return nil, fmt.Errorf("unknown mode %q for %s", e.cfg.Mode, name)
		}
	}
	return gateways, nil
}

// ProvideMessenger chains Lark IM, when enabled, ahead of the log messenger
func ProvideMessenger(cfg config.LarkConfig, logger *zap.Logger) port.Messenger {
	var chain messaging.Fanout
	if cfg.Enabled {
		client := infraLark.NewSDKClient(infraLark.Config{
			AppID:         cfg.AppID,
			AppSecret:     cfg.AppSecret,
			ReceiveIDType: cfg.ReceiveIDType,
		}, logger)
		chain = append(chain, infraLark.NewMessenger(client, cfg.ReceiveIDType, logger))
	}
	return append(chain, messaging.NewLogMessenger(logger))
}

// ProvidePermissions builds the role policy behind a TTL cache
func ProvidePermissions(cfg config.PermissionsConfig, observer permission.CacheObserver, logger *zap.Logger) *permission.CachedOracle {
	policy := permission.NewRolePolicy(cfg.Roles, cfg.Actors)
	return permission.NewCachedOracle(policy, cfg.CacheTTL,
		permission.WithObserver(observer),
		permission.WithLogger(logger))
}

// ProvideDispatcher creates the event dispatcher
func ProvideDispatcher(logger *zap.Logger) dispatcher.Dispatcher {
	return dispatcher.NewDispatcher(dispatcher.WithLogger(NewLoggerAdapter(logger)))
}

// ProvideEngine builds the attendance and payroll processes and the engine
// that runs them
func ProvideEngine(deps *EngineDeps) (workflow.Engine, error) {
	cfg := deps.Config
	s := deps.Storage

	contacts := make([]port.Contact, 0, len(cfg.Payroll.NotifyContacts))
	for _, c := range cfg.Payroll.NotifyContacts {
		contacts = append(contacts, port.Contact{Name: c.Name, Phone: c.Phone, ReceiveID: c.ReceiveID})
	}

	att := attendance.New(s.Students, s.Guardians, deps.Messenger, deps.Logger)
	pay := payroll.New(s.Compensation, s.Disbursements, deps.Messenger, payroll.Config{
		Window:         windowOf(cfg.Disbursement),
		NotifyContacts: contacts,
	}, deps.Logger)

	engine, err := workflow.NewEngine(
		s.Instances,
		s.Transitions,
		s.TxManager,
		deps.Oracle,
		[]workflow.Process{att.Process(), pay.Process()},
		workflow.WithDispatcher(deps.Dispatcher),
		workflow.WithLogger(deps.Logger),
		workflow.WithRetry(cfg.Engine.MaxAttempts, cfg.Engine.BackoffInitial, cfg.Engine.BackoffMax),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow engine: %w", err)
	}
	return engine, nil
}

// ProvideProcessor creates the disbursement processor and, when enabled,
// subscribes it to payroll instances entering processing
func ProvideProcessor(
	engine workflow.Engine,
	items port.DisbursementRepository,
	gateways map[entity.Method]port.PaymentGateway,
	cfg config.DisbursementConfig,
	d dispatcher.Dispatcher,
	logger *zap.Logger,
) *disbursement.Processor {
	p := disbursement.NewProcessor(engine, items, gateways, disbursement.Config{
		Workers:         cfg.Workers,
		RatePerSecond:   cfg.RatePerSecond,
		Burst:           cfg.Burst,
		DispatchTimeout: cfg.DispatchTimeout,
		Window:          windowOf(cfg),
		SystemActor:     cfg.SystemActor,
	}, disbursement.WithDispatcher(d), disbursement.WithLogger(logger))

	if cfg.AutoDispatch {
		disbursement.SubscribeAutoDispatch(d, p, logger)
	}
	return p
}

// ProvideWorkers registers the background workers
func ProvideWorkers(cfg config.DisbursementConfig, items port.DisbursementRepository, m *metrics.Metrics, logger *zap.Logger) *worker.Manager {
	manager := worker.NewManager(logger)
	manager.Register(worker.NewStaleSweeper(worker.StaleSweeperConfig{
		StaleAfter: cfg.StaleAfter,
		Interval:   cfg.SweepInterval,
	}, items, m.RecordStaleSweep, logger))
	return manager
}

func windowOf(cfg config.DisbursementConfig) payroll.Window {
	return payroll.Window{StartDay: cfg.WindowStartDay, EndDay: cfg.WindowEndDay}
}
