package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/karloscodes/cartridge"
	"golang.org/x/sync/errgroup"

	"tallystat/internal/config"
	"tallystat/internal/dump"
	"tallystat/internal/jobs"
	"tallystat/internal/metrics"
	"tallystat/internal/rollup"
)

// Dry runs estimate import time at this many rows per second.
const (
	estimatedRowsPerSecond = 1000
	minEstimatedSeconds    = 30
)

// Enqueuer schedules background tasks.
type Enqueuer interface {
	Enqueue(task jobs.Task, delay time.Duration)
}

// SubmitInput describes an uploaded dump.
type SubmitInput struct {
	// Path is read once and copied into the import storage directory.
	Path     string
	FileName string
	DryRun   bool
}

// Coordinator drives an import job: it maps websites, indexes sessions,
// plans chunks and dispatches one queue task per chunk.
type Coordinator struct {
	cfg       *config.Config
	dbManager cartridge.DBManager
	logger    *slog.Logger
	store     *rollup.Store
	jobs      *JobStore
	worker    *ChunkWorker
	queue     Enqueuer
}

func NewCoordinator(cfg *config.Config, dbManager cartridge.DBManager, logger *slog.Logger, store *rollup.Store, queue Enqueuer) *Coordinator {
	jobStore := NewJobStore(dbManager, logger)
	return &Coordinator{
		cfg:       cfg,
		dbManager: dbManager,
		logger:    logger,
		store:     store,
		jobs:      jobStore,
		worker:    NewChunkWorker(cfg, dbManager, logger, store, jobStore),
		queue:     queue,
	}
}

// Jobs returns the job store.
func (c *Coordinator) Jobs() *JobStore {
	return c.jobs
}

// Submit stores a copy of the dump, creates the job and enqueues it.
func (c *Coordinator) Submit(ctx context.Context, input SubmitInput) (*ImportJob, error) {
	name := input.FileName
	if name == "" {
		name = filepath.Base(input.Path)
	}
	publicID := uuid.NewString()
	dest := filepath.Join(c.cfg.ImportStorageDir, publicID+"-"+filepath.Base(name))
	if err := copyFile(input.Path, dest); err != nil {
		return nil, err
	}

	job := &ImportJob{
		PublicID:   publicID,
		SourceType: SourceUmami,
		FileName:   name,
		FilePath:   dest,
		DryRun:     input.DryRun,
		Status:     StatusSubmitted,
		Summary:    "Queued",
	}
	if err := c.jobs.Create(ctx, job); err != nil {
		_ = removeFile(dest)
		return nil, err
	}

	c.logger.Info("Import submitted",
		slog.Uint64("job_id", uint64(job.ID)),
		slog.String("public_id", job.PublicID),
		slog.String("file", name),
		slog.Bool("dry_run", job.DryRun))

	c.enqueueRun(job.ID)
	return job, nil
}

func (c *Coordinator) enqueueRun(jobID uint) {
	c.queue.Enqueue(jobs.Task{
		Name:        fmt.Sprintf("import:%d", jobID),
		Timeout:     c.cfg.ImportTimeout(),
		MaxAttempts: c.cfg.ImportMaxAttempts,
		Backoff:     c.cfg.ImportBackoff(),
		Run: func(ctx context.Context) error {
			return c.Run(ctx, jobID)
		},
		OnFailure: func(err error) {
			if interrupted(err) {
				c.logger.Warn("Import job interrupted, left for resume",
					slog.Uint64("job_id", uint64(jobID)),
					slog.Any("error", err))
				return
			}
			c.fail(jobID, err)
		},
	}, 0)
}

// Run analyzes the job's dump and dispatches its chunks, or for a dry run
// records the analysis and completes the job.
func (c *Coordinator) Run(ctx context.Context, jobID uint) error {
	job, err := c.jobs.Get(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		return jobs.Permanent(err)
	}
	if err != nil {
		return err
	}
	if job.Terminal() || job.Status == StatusProcessingChunks {
		return nil
	}

	if _, err := os.Stat(job.FilePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return jobs.Permanent(fmt.Errorf("import file missing: %w", err))
		}
		return fmt.Errorf("import file unavailable: %w", err)
	}

	if err := c.jobs.UpdateStatus(ctx, jobID, StatusProcessing, map[string]any{"summary": "Analyzing dump"}); err != nil {
		return err
	}
	if job.DryRun {
		return c.dryRun(ctx, job)
	}

	var mapping *SiteMapping
	var sessions int
	var chunks []Chunk

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if mapping, err = c.MapWebsites(gctx, job.FilePath); err != nil {
			return err
		}
		sessions, err = c.IndexSessions(gctx, jobID, job.FilePath)
		return err
	})
	g.Go(func() error {
		var err error
		chunks, err = PlanChunks(job.FilePath, c.cfg.ImportChunkStatements)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	details := Details{
		"websites_mapped":  len(mapping.Sites),
		"sessions_indexed": sessions,
		"chunks":           len(chunks),
	}
	if err := c.jobs.UpdateStatus(ctx, jobID, StatusDispatching, map[string]any{
		"sites_created": mapping.Created,
		"sites_updated": mapping.Updated,
		"details":       details,
	}); err != nil {
		return err
	}

	if len(chunks) == 0 {
		return c.complete(ctx, jobID, "Import completed: no events found")
	}

	if err := c.jobs.UpdateStatus(ctx, jobID, StatusProcessingChunks, map[string]any{
		"total_chunks": len(chunks),
		"summary":      fmt.Sprintf("Processing %d chunks", len(chunks)),
	}); err != nil {
		return err
	}

	delay := c.cfg.DispatchDelay()
	for i, chunk := range chunks {
		c.queue.Enqueue(c.chunkTask(ChunkTask{
			JobID: jobID,
			Path:  job.FilePath,
			Chunk: chunk,
			Sites: mapping.Sites,
		}), time.Duration(i)*delay)
	}

	c.logger.Info("Dispatched import chunks",
		slog.Uint64("job_id", uint64(jobID)),
		slog.Int("chunks", len(chunks)),
		slog.Int("sessions", sessions),
		slog.Duration("stagger", delay))
	return nil
}

func (c *Coordinator) chunkTask(task ChunkTask) jobs.Task {
	return jobs.Task{
		Name:        fmt.Sprintf("import:%d:chunk:%d", task.JobID, task.Chunk.Index),
		Timeout:     c.cfg.ChunkTimeout(),
		MaxAttempts: c.cfg.ImportMaxAttempts,
		Backoff:     c.cfg.ImportBackoff(),
		Run: func(ctx context.Context) error {
			res, err := c.worker.Process(ctx, task)
			if err != nil {
				return err
			}
			recorded, err := c.jobs.RecordChunkResult(ctx, task.JobID, task.Chunk.Index, res)
			if err != nil {
				return err
			}
			if recorded {
				metrics.ImportChunks.WithLabelValues(StatusCompleted).Inc()
			}
			return c.finalize(ctx, task.JobID)
		},
		OnFailure: func(err error) {
			if interrupted(err) {
				c.logger.Warn("Import chunk interrupted, left for resume",
					slog.Uint64("job_id", uint64(task.JobID)),
					slog.Int("chunk", task.Chunk.Index),
					slog.Any("error", err))
				return
			}
			ctx := context.Background()
			c.logger.Error("Import chunk failed",
				slog.Uint64("job_id", uint64(task.JobID)),
				slog.Int("chunk", task.Chunk.Index),
				slog.Any("error", err))
			recorded, rerr := c.jobs.RecordChunkFailure(ctx, task.JobID, task.Chunk.Index, err)
			if rerr != nil {
				c.logger.Error("Failed to record chunk failure", slog.Any("error", rerr))
				return
			}
			if recorded {
				metrics.ImportChunks.WithLabelValues(StatusFailed).Inc()
			}
			if err := c.finalize(ctx, task.JobID); err != nil {
				c.logger.Error("Failed to finalize import job", slog.Any("error", err))
			}
		},
	}
}

// interrupted reports whether a task gave up because the process is
// shutting down rather than because its retries ran out.
func interrupted(err error) bool {
	return errors.Is(err, jobs.ErrQueueStopped) || errors.Is(err, context.Canceled)
}

// finalize closes the job once every chunk reported. Only the last chunk to
// report does the work.
func (c *Coordinator) finalize(ctx context.Context, jobID uint) error {
	job, claimed, err := c.jobs.Finalize(ctx, jobID, func(job *ImportJob) (string, string) {
		if job.ChunksFailed > 0 || job.Status == StatusFailed {
			return StatusFailed, fmt.Sprintf("Import failed: %d of %d chunks failed, %d page views and %d events were merged",
				job.ChunksFailed, job.TotalChunks, job.PageViewsImported, job.EventsImported)
		}
		return StatusCompleted, fmt.Sprintf("Import completed: %d page views, %d events from %d chunks",
			job.PageViewsImported, job.EventsImported, job.TotalChunks)
	})
	if err != nil || !claimed {
		return err
	}
	c.purgeJobArtifacts(ctx, job)

	c.logger.Info("Import finished",
		slog.Uint64("job_id", uint64(jobID)),
		slog.String("status", job.Status),
		slog.Int64("page_views", job.PageViewsImported),
		slog.Int64("events", job.EventsImported),
		slog.Int64("rows_skipped", job.RowsSkipped))
	return nil
}

func (c *Coordinator) complete(ctx context.Context, jobID uint, summary string) error {
	if err := c.jobs.UpdateStatus(ctx, jobID, StatusCompleted, map[string]any{
		"summary":      summary,
		"finalized_at": time.Now().UTC(),
	}); err != nil {
		return err
	}
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	c.purgeJobArtifacts(ctx, job)
	return nil
}

// fail records a coordinator failure after its retries ran out.
func (c *Coordinator) fail(jobID uint, cause error) {
	ctx := context.Background()
	c.logger.Error("Import job failed", slog.Uint64("job_id", uint64(jobID)), slog.Any("error", cause))
	if err := c.jobs.MarkFailed(ctx, jobID, cause); err != nil {
		c.logger.Error("Failed to mark import job failed", slog.Any("error", err))
		return
	}
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		c.logger.Error("Failed to load failed import job", slog.Any("error", err))
		return
	}
	c.purgeJobArtifacts(ctx, job)
}

func (c *Coordinator) dryRun(ctx context.Context, job *ImportJob) error {
	var pageViews, events int64
	var found []map[string]any
	stats, err := dump.Analyze(job.FilePath, func(ins *dump.Insert) {
		switch ins.Table {
		case tableWebsite:
			for _, w := range websiteRows(ins) {
				found = append(found, map[string]any{"id": w.ExternalID, "name": w.Name, "domain": w.Domain})
			}
		case tableEvent:
			cols := columns{ins: ins}
			for _, row := range ins.Rows {
				if cols.text(row, "event_type", 10) == pageViewType {
					pageViews++
				} else {
					events++
				}
			}
		}
	})
	if err != nil {
		return err
	}

	estimated := stats.Rows(tableEvent) / estimatedRowsPerSecond
	if estimated < minEstimatedSeconds {
		estimated = minEstimatedSeconds
	}
	details := Details{
		"page_views":           pageViews,
		"events":               events,
		"websites":             stats.Rows(tableWebsite),
		"sessions":             stats.Rows(tableSession),
		"websites_found":       found,
		"file_size":            stats.FileSize,
		"compressed":           stats.Compressed,
		"lines":                stats.Lines,
		"malformed_statements": stats.Malformed,
		"estimated_duration":   estimated,
	}
	if err := c.jobs.UpdateStatus(ctx, job.ID, StatusProcessing, map[string]any{"details": details}); err != nil {
		return err
	}
	return c.complete(ctx, job.ID, fmt.Sprintf("Dry run: %d page views, %d events found", pageViews, events))
}

// purgeJobArtifacts removes the stored dump, the session index and the
// applied delta ledger of a finished job.
func (c *Coordinator) purgeJobArtifacts(ctx context.Context, job *ImportJob) {
	if job.FilePath != "" {
		if err := removeFile(job.FilePath); err != nil {
			c.logger.Warn("Failed to remove import file",
				slog.String("path", job.FilePath),
				slog.Any("error", err))
		}
	}
	if _, err := c.jobs.ForgetSessions(ctx, job.ID); err != nil {
		c.logger.Warn("Failed to drop import session index",
			slog.Uint64("job_id", uint64(job.ID)),
			slog.Any("error", err))
	}
	if _, err := c.store.ForgetDeltas(ctx, deltaPrefix(job.ID)); err != nil {
		c.logger.Warn("Failed to drop applied delta ledger",
			slog.Uint64("job_id", uint64(job.ID)),
			slog.Any("error", err))
	}
}

// WaitForJob polls until the job reaches a terminal status or ctx is done.
// onPoll, when set, sees every polled state including the last.
func (c *Coordinator) WaitForJob(ctx context.Context, jobID uint, every time.Duration, onPoll func(*ImportJob)) (*ImportJob, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		job, err := c.jobs.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if onPoll != nil {
			onPoll(job)
		}
		if job.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func copyFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create import storage: %w", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open upload: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to store upload: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return fmt.Errorf("failed to store upload: %w", err)
	}
	return out.Close()
}

func removeFile(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
