// Package internal contains core application functionality
package internal

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/karloscodes/cartridge"

	"tallystat/internal/aggregation"
	"tallystat/internal/config"
	"tallystat/internal/database"
	"tallystat/internal/events"
	apphttp "tallystat/internal/http"
	"tallystat/internal/importer"
	"tallystat/internal/jobs"
	"tallystat/internal/rollup"
	"tallystat/internal/statscache"
)

// Application holds every long-lived component of tallystat.
type Application struct {
	Config    *config.Config
	Logger    *slog.Logger
	DBManager *database.DBManager // tallystat-specific DB manager with migration methods

	Store     *rollup.Store
	Source    *events.Source
	Recorder  *events.Recorder
	Cache     *statscache.Cache
	Engine    *aggregation.Engine
	Queue     *jobs.Queue
	Scheduler *jobs.Scheduler
	Importer  *importer.Coordinator
	Ops       *apphttp.Server
}

// Option customizes application construction.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	logName string
}

// WithLogger replaces the logger built from config.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithLogName sets the log file name, without extension.
func WithLogName(name string) Option {
	return func(o *options) { o.logName = name }
}

// NewLogger builds the cartridge logger for cfg. In production the rotated
// log file is named after name rather than the application.
func NewLogger(cfg *config.Config, name string) *slog.Logger {
	logCfg := cartridge.LogConfigFromProvider(cfg)
	if name != "" {
		logCfg.AppName = name
	}
	return cartridge.NewLogger(cfg, logCfg)
}

// NewApp creates a new application instance with default settings
func NewApp(opts ...Option) (*Application, error) {
	cfg := config.GetConfig()
	return NewAppWithConfig(cfg, opts...)
}

// NewAppWithConfig creates a new application with the provided config
func NewAppWithConfig(cfg *config.Config, opts ...Option) (*Application, error) {
	o := options{logName: cfg.AppName}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = NewLogger(cfg, o.logName)
	}

	// The dialect is resolved once here and shared by every query builder.
	dialect, err := rollup.NewDialect(cfg.DatabaseType)
	if err != nil {
		return nil, err
	}

	dbManager := database.NewDBManager(cfg, logger)
	if err := dbManager.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	tiers := rollup.NewTiers(cfg)
	store := rollup.NewStore(dbManager, logger, tiers)
	source := events.NewSource(dbManager, logger, dialect)
	cache := statscache.New(store, tiers, logger, cfg.CacheEnabled, cfg.CachePrefix)
	engine := aggregation.NewEngine(cfg, dbManager, logger, store, source, cache)
	queue := jobs.NewQueue(logger, cfg.QueueWorkers)

	app := &Application{
		Config:    cfg,
		Logger:    logger,
		DBManager: dbManager,
		Store:     store,
		Source:    source,
		Recorder:  events.NewRecorder(dbManager, logger),
		Cache:     cache,
		Engine:    engine,
		Queue:     queue,
		Scheduler: jobs.NewScheduler(cfg, engine, logger),
		Importer:  importer.NewCoordinator(cfg, dbManager, logger, store, queue),
	}
	if cfg.MetricsAddr != "" {
		app.Ops = apphttp.NewServer(cfg.MetricsAddr, apphttp.Deps{
			DBManager: dbManager,
			Logger:    logger,
			Jobs:      app.Importer.Jobs(),
			Queue:     queue,
			Token:     cfg.OpsToken,
		})
	}
	return app, nil
}

// Start launches the task queue, resumes unfinished imports and starts the
// scheduler and the ops server. It does not block.
func (a *Application) Start() error {
	a.Queue.Start()
	if n, err := a.Importer.Resume(context.Background()); err != nil {
		a.Logger.Error("Failed to resume imports", slog.Any("error", err))
	} else if n > 0 {
		a.Logger.Info("Resumed unfinished imports", slog.Int("jobs", n))
	}
	if err := a.Scheduler.Start(); err != nil {
		a.Queue.Stop()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	if a.Ops != nil {
		a.Ops.Start()
	}
	return nil
}

// Shutdown stops background work, waiting at most until ctx is done.
func (a *Application) Shutdown(ctx context.Context) error {
	if a.Ops != nil {
		if err := a.Ops.Shutdown(ctx); err != nil {
			a.Logger.Warn("Failed to stop ops server", slog.Any("error", err))
		}
	}

	done := make(chan struct{})
	go func() {
		a.Scheduler.Stop()
		a.Queue.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}

	if err := a.DBManager.CheckpointWAL("TRUNCATE"); err != nil {
		a.Logger.Warn("Failed to checkpoint WAL on shutdown", slog.Any("error", err))
	}
	return nil
}
