package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Resume re-enqueues the jobs a previous process left unfinished. Jobs that
// had not dispatched their chunks start over; the others get only the chunks
// that never reported. It returns the number of jobs resumed.
func (c *Coordinator) Resume(ctx context.Context) (int, error) {
	pending, err := c.jobs.Unfinished(ctx)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for i := range pending {
		job := &pending[i]
		if job.TotalChunks == 0 || (job.Status != StatusProcessingChunks && job.Status != StatusFailed) {
			c.enqueueRun(job.ID)
			resumed++
			continue
		}
		n, err := c.redispatch(ctx, job)
		if err != nil {
			c.logger.Error("Failed to resume import job",
				slog.Uint64("job_id", uint64(job.ID)),
				slog.Any("error", err))
			continue
		}
		c.logger.Info("Resumed import job",
			slog.Uint64("job_id", uint64(job.ID)),
			slog.Int("chunks", n))
		resumed++
	}
	return resumed, nil
}

// redispatch enqueues the chunks of job that never reported. Planning is
// deterministic, so chunk indexes match the first dispatch.
func (c *Coordinator) redispatch(ctx context.Context, job *ImportJob) (int, error) {
	if _, err := os.Stat(job.FilePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.fail(job.ID, fmt.Errorf("import file missing: %w", err))
		}
		return 0, err
	}

	reported, err := c.jobs.ReportedChunks(ctx, job.ID)
	if err != nil {
		return 0, err
	}
	chunks, err := PlanChunks(job.FilePath, c.cfg.ImportChunkStatements)
	if err != nil {
		return 0, err
	}
	if len(chunks) != job.TotalChunks {
		err := fmt.Errorf("dump now plans %d chunks, job expects %d", len(chunks), job.TotalChunks)
		c.fail(job.ID, err)
		return 0, err
	}

	mapping, err := c.MapWebsites(ctx, job.FilePath)
	if err != nil {
		return 0, err
	}

	delay := c.cfg.DispatchDelay()
	dispatched := 0
	for _, chunk := range chunks {
		if reported[chunk.Index] {
			continue
		}
		c.queue.Enqueue(c.chunkTask(ChunkTask{
			JobID: job.ID,
			Path:  job.FilePath,
			Chunk: chunk,
			Sites: mapping.Sites,
		}), time.Duration(dispatched)*delay)
		dispatched++
	}
	if dispatched == 0 {
		return 0, c.finalize(ctx, job.ID)
	}
	return dispatched, nil
}
