package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tallystat/internal/aggregation"
	"tallystat/internal/config"
)

// Job names.
const (
	JobHourly    = "hourly_aggregation"
	JobDaily     = "daily_aggregation"
	JobMonthly   = "monthly_aggregation"
	JobRetention = "retention"
)

// Aggregator is the part of the rollup engine the scheduler drives.
type Aggregator interface {
	RunHourly(ctx context.Context) (*aggregation.SweepReport, error)
	RunDaily(ctx context.Context) (*aggregation.SweepReport, error)
	RunMonthly(ctx context.Context) (*aggregation.SweepReport, error)
	CleanupSourceData(ctx context.Context) (int64, error)
	CleanupRollups(ctx context.Context) (int64, error)
}

type scheduledJob struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) error
}

// Scheduler is responsible for running the periodic sweeps
type Scheduler struct {
	logger    *slog.Logger
	cfg       *config.Config
	ctx       context.Context
	cancel    context.CancelFunc
	enabled   bool
	isRunning bool

	// At most one run per job name; different jobs may overlap.
	processingMutex sync.Mutex
	processing      map[string]bool

	jobs    []scheduledJob
	tickers []*time.Ticker
	wg      sync.WaitGroup
}

// NewScheduler wires the hourly, daily and monthly sweeps and the retention
// job.
func NewScheduler(cfg *config.Config, engine Aggregator, logger *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		logger:     logger,
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
		enabled:    cfg.SchedulerEnabled,
		processing: make(map[string]bool),
	}

	retention := NewRetentionJob(engine, logger, cfg)
	s.jobs = []scheduledJob{
		{name: JobHourly, interval: time.Hour, run: sweep(engine.RunHourly)},
		{name: JobDaily, interval: 24 * time.Hour, run: sweep(engine.RunDaily)},
		{name: JobMonthly, interval: 24 * time.Hour, run: sweep(engine.RunMonthly)},
		{name: JobRetention, interval: 24 * time.Hour, run: retention.Run},
	}
	return s
}

func sweep(fn func(ctx context.Context) (*aggregation.SweepReport, error)) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := fn(ctx)
		return err
	}
}

// Trigger runs a job now unless a run of the same job is in progress. It
// reports whether the job ran.
func (s *Scheduler) Trigger(name string) bool {
	for _, job := range s.jobs {
		if job.name == name {
			return s.executeJobSafely(job.name, job.run)
		}
	}
	s.logger.Warn("Unknown job", slog.String("job", name))
	return false
}

// executeJobSafely runs a job only if the same job is not already executing
func (s *Scheduler) executeJobSafely(jobName string, jobFunc func(ctx context.Context) error) (ran bool) {
	s.processingMutex.Lock()
	if s.processing[jobName] {
		s.logger.Debug("Skipping job execution - previous run still in progress", slog.String("job", jobName))
		s.processingMutex.Unlock()
		return false
	}
	s.processing[jobName] = true
	s.processingMutex.Unlock()
	ran = true

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic recovered in background job",
				slog.String("job", jobName),
				slog.Any("panic", r))
		}

		s.processingMutex.Lock()
		delete(s.processing, jobName)
		s.processingMutex.Unlock()
	}()

	start := time.Now()
	if err := jobFunc(s.ctx); err != nil {
		s.logger.Error("Error executing job", slog.String("job", jobName), slog.Any("error", err))
		return true
	}
	s.logger.Debug("Job finished", slog.String("job", jobName), slog.Duration("duration", time.Since(start)))
	return true
}

// Start begins all background jobs
func (s *Scheduler) Start() error {
	if !s.enabled {
		s.logger.Info("Background jobs are disabled.")
		return nil
	}

	if s.isRunning {
		s.logger.Info("Background jobs already running.")
		return nil
	}

	s.logger.Info("Starting background jobs...")
	s.isRunning = true

	for _, job := range s.jobs {
		s.startJob(job)
	}

	s.logger.Info("Background jobs started", slog.Int("jobs", len(s.jobs)))
	return nil
}

func (s *Scheduler) startJob(job scheduledJob) {
	s.logger.Info("Starting job", slog.String("job", job.name), slog.Duration("interval", job.interval))
	ticker := time.NewTicker(job.interval)
	s.tickers = append(s.tickers, ticker)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.executeJobSafely(job.name, job.run)

		for {
			select {
			case <-ticker.C:
				s.executeJobSafely(job.name, job.run)
			case <-s.ctx.Done():
				s.logger.Info("Job stopped", slog.String("job", job.name))
				return
			}
		}
	}()
}

// Stop halts all background jobs and waits for running ones to return.
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping background jobs...")
	s.enabled = false

	for _, ticker := range s.tickers {
		ticker.Stop()
	}

	s.cancel()
	s.wg.Wait()
	s.isRunning = false
	s.logger.Info("Background jobs stopped")
}

// IsRunning returns whether jobs are currently running
func (s *Scheduler) IsRunning() bool {
	return s.isRunning
}
