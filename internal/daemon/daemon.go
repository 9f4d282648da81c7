package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/drillops/internal/config"
	"github.com/harun/drillops/internal/logger"
	"github.com/harun/drillops/internal/observability"
	"github.com/harun/drillops/internal/tracing"
	"github.com/harun/drillops/pkg/archive"
	"github.com/harun/drillops/pkg/catalog"
	"github.com/harun/drillops/pkg/cron"
	"github.com/harun/drillops/pkg/events"
	"github.com/harun/drillops/pkg/gateway"
	"github.com/harun/drillops/pkg/remote"
	"github.com/harun/drillops/pkg/scheduler"
	"github.com/harun/drillops/pkg/store"
	"github.com/harun/drillops/pkg/testrun"
	"github.com/rs/zerolog"
)

// DefaultShutdownTimeout bounds Stop when Wait triggers it.
const DefaultShutdownTimeout = 30 * time.Second

// Daemon owns every registry of one drillops process: the scheduler's run
// contexts, the test-run registry, the broadcast hub and the gateway.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	store     store.Store
	hub       *events.Hub
	emitter   *events.Emitter
	catalog   *catalog.Live
	executor  *remote.Executor
	scheduler *scheduler.Scheduler
	testRuns  *testrun.Manager
	archiver  *archive.Archiver

	gatewayServer *gateway.Server
	cronService   *cron.Service
	lifecycle     *LifecycleManager

	command       remote.CommandBuilder
	archiveClient archive.ObjectPutter
	ensureBucket  func(ctx context.Context) error

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Option customizes a Daemon at construction.
type Option func(*Daemon)

// WithCommandBuilder replaces the ssh launcher for both drills and test runs.
func WithCommandBuilder(b remote.CommandBuilder) Option {
	return func(d *Daemon) { d.command = b }
}

// WithArchiveClient replaces the MinIO client used for report archiving.
func WithArchiveClient(c archive.ObjectPutter) Option {
	return func(d *Daemon) { d.archiveClient = c }
}

// New creates a new daemon instance
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
	}
	for _, opt := range opts {
		opt(d)
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Msg("Tracing initialized successfully")
		}
	}

	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			return nil, fmt.Errorf("failed to initialize audit log: %w", err)
		}
	}

	if err := d.initializeCoreModules(ctx); err != nil {
		return nil, err
	}
	if err := d.initializeServices(); err != nil {
		_ = d.scheduler.Shutdown(ctx)
		_ = d.store.Close()
		return nil, err
	}

	d.lifecycle = NewLifecycleManager(cfg.DataDir, log.GetZerolog())
	return d, nil
}

func (d *Daemon) initializeCoreModules(ctx context.Context) error {
	cfg := d.config
	zl := d.logger.GetZerolog()

	cat, err := catalog.NewLive(catalog.LiveConfig{
		Path:   cfg.Catalog.Path,
		Logger: zl,
	})
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	d.catalog = cat
	d.logger.Info().
		Str("path", cfg.Catalog.Path).
		Int("scenarios", len(cat.Current().Scenarios())).
		Msg("Scenario catalog loaded")

	st, err := store.New(ctx, store.Config{
		Driver:       cfg.Store.Driver,
		DSN:          cfg.Store.DSN,
		MaxOpenConns: cfg.Store.MaxOpenConns,
	})
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	d.store = st

	d.hub = events.NewHub(zl)
	d.emitter = events.NewEmitter(d.hub)

	if d.command == nil {
		d.command = remote.SSHCommand(cfg.Executor.SSHBinary, cfg.Executor.SSHOptions)
	}

	d.executor, err = remote.NewExecutor(remote.Config{
		Store:           st,
		Settings:        st,
		Emitter:         d.emitter,
		Command:         d.command,
		FallbackTimeout: cfg.Executor.FallbackTimeout(),
		PersistRetries:  cfg.Executor.PersistRetries,
		Logger:          zl,
	})
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("failed to create executor: %w", err)
	}

	if cfg.Archive.Enabled {
		if err := d.initializeArchive(); err != nil {
			_ = st.Close()
			return err
		}
	}

	var onComplete scheduler.CompletionFunc
	if d.archiver != nil {
		onComplete = d.archiver.OnComplete
	}
	d.scheduler, err = scheduler.New(scheduler.Config{
		Steps:      cat,
		Store:      st,
		Runner:     d.executor,
		Emitter:    d.emitter,
		OnComplete: onComplete,
		Logger:     zl,
	})
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	d.testRuns, err = testrun.NewManager(testrun.Config{
		Steps:       cat,
		Emitter:     d.emitter,
		Topics:      d.hub,
		Command:     d.command,
		StepTimeout: cfg.TestRun.StepTimeout(),
		RunTimeout:  cfg.TestRun.RunTimeout(),
		CloseGrace:  cfg.TestRun.CloseGrace(),
		Logger:      zl,
	})
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("failed to create test-run manager: %w", err)
	}

	return nil
}

func (d *Daemon) initializeArchive() error {
	acfg := archive.Config{
		Endpoint:  d.config.Archive.Endpoint,
		AccessKey: d.config.Archive.AccessKey,
		SecretKey: d.config.Archive.SecretKey,
		Bucket:    d.config.Archive.Bucket,
		Region:    d.config.Archive.Region,
		UseSSL:    d.config.Archive.UseSSL,
	}

	client := d.archiveClient
	if client == nil {
		if err := acfg.Validate(); err != nil {
			return err
		}
		mc, err := archive.NewMinIOClient(acfg)
		if err != nil {
			return fmt.Errorf("failed to create archive client: %w", err)
		}
		client = mc
		d.ensureBucket = func(ctx context.Context) error {
			return archive.EnsureBucket(ctx, mc, acfg)
		}
	}

	d.archiver = archive.NewArchiver(archive.ArchiverConfig{
		Client:  client,
		Bucket:  acfg.Bucket,
		Records: d.store,
		Logger:  d.logger.GetZerolog(),
	})
	return nil
}

func (d *Daemon) initializeServices() error {
	cfg := d.config
	zl := d.logger.GetZerolog()

	var err error
	d.gatewayServer, err = gateway.NewServer(gateway.Config{
		Host:           cfg.Gateway.Host,
		Port:           cfg.Gateway.Port,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		SharedSecret:   cfg.Gateway.SharedSecret,
		Topics:         d.hub,
		Drills:         d.scheduler,
		TestRuns:       d.testRuns,
		Records:        d.store,
		WriteTimeout:   cfg.Gateway.WriteTimeout(),
		RateLimit:      cfg.Gateway.RateLimitPerMinute,
		RateWindow:     time.Minute,
		Logger:         zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}

	for _, s := range cfg.Schedules {
		if _, ok := d.catalog.Current().Scenario(s.ScenarioID); !ok {
			return fmt.Errorf("schedule %s: %w: %s", s.Name, catalog.ErrUnknownScenario, s.ScenarioID)
		}
	}

	d.cronService, err = cron.NewService(cron.ServiceOptions{
		Schedules: cfg.Schedules,
		SweepExpr: cfg.Maintenance.SweepCron,
		Starter:   d.scheduler,
		Sweeper:   d.hub,
		OnEvent:   d.logCronEvent,
		Logger:    zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create cron service: %w", err)
	}
	return nil
}

func (d *Daemon) logCronEvent(ev cron.Event) {
	event := d.logger.Debug()
	if ev.Error != "" {
		event = d.logger.Warn().Str("error", ev.Error)
	}
	event.
		Str("job", ev.Job).
		Str("status", ev.Status).
		Str("action", string(ev.Action)).
		Str("drill_id", ev.DrillID).
		Msg("Cron job event")
}

// Start starts the daemon
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := tracing.PropagateToLogger(tracing.NewRequestContext(ctx), d.logger.GetZerolog())
	logger.Info().Msg("Starting drillops daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.ensureBucket != nil {
		if err := d.ensureBucket(ctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to prepare archive bucket, reports may not be archived")
		}
	}

	if d.config.Catalog.Watch {
		if err := d.catalog.Watch(); err != nil {
			logger.Warn().Err(err).Msg("Catalog watcher unavailable, edits require a restart")
		}
	}

	if err := d.gatewayServer.Start(); err != nil {
		_ = d.catalog.Stop()
		_ = d.lifecycle.Stop()
		d.setStopped()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")

	d.cronService.Start()
	logger.Info().Int("jobs", len(d.cronService.Jobs())).Msg("Cron service started")

	logger.Info().Msg("drillops daemon started")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop stops every service and waits for in-flight drills and test runs
// until ctx expires.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := tracing.PropagateToLogger(tracing.NewRequestContext(ctx), d.logger.GetZerolog())
	logger.Info().Msg("Stopping drillops daemon")

	if err := d.cronService.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop cron service")
	}

	if err := d.gatewayServer.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
	}

	if err := d.catalog.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop catalog watcher")
	}

	if err := d.testRuns.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop test runs")
	}

	if err := d.scheduler.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop scheduler")
	}

	if err := d.store.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close state store")
	}

	if d.tracingEnabled {
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to shut down tracing")
		}
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	logger.Info().Msg("drillops daemon stopped")
	return nil
}

// Status represents daemon status
type Status struct {
	Running      bool
	Uptime       time.Duration
	StartTime    time.Time
	ActiveDrills []string
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		status.ActiveDrills = d.scheduler.ActiveDrills()
	}

	return status
}

// Wait blocks until SIGINT, SIGTERM or ctx cancellation, then stops the daemon.
func (d *Daemon) Wait(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.logger.Info().Str("signal", sig.String()).Msg("Received signal")
	case <-ctx.Done():
		d.logger.Info().Msg("Context cancelled")
	}
	d.logger.Info().Object("status", d.Status()).Msg("Shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	return d.Stop(stopCtx)
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetScheduler returns the execution scheduler
func (d *Daemon) GetScheduler() *scheduler.Scheduler {
	return d.scheduler
}

// GetTestRuns returns the test-run registry
func (d *Daemon) GetTestRuns() *testrun.Manager {
	return d.testRuns
}

// GetStore returns the state store
func (d *Daemon) GetStore() store.Store {
	return d.store
}

// GetHub returns the broadcast hub
func (d *Daemon) GetHub() *events.Hub {
	return d.hub
}

// GetGatewayServer returns the gateway server
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

// GetCronService returns the cron service
func (d *Daemon) GetCronService() *cron.Service {
	return d.cronService
}

// GetCatalog returns the live scenario catalog
func (d *Daemon) GetCatalog() *catalog.Live {
	return d.catalog
}

// GetLifecycle returns the PID file manager
func (d *Daemon) GetLifecycle() *LifecycleManager {
	return d.lifecycle
}

// MarshalZerologObject logs a status summary.
func (s Status) MarshalZerologObject(e *zerolog.Event) {
	e.Bool("running", s.Running).
		Dur("uptime", s.Uptime).
		Int("active_drills", len(s.ActiveDrills))
}
