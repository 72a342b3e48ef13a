package jobs

import (
	"context"
	"log/slog"

	"tallystat/internal/config"
)

// RetentionJob removes raw events and rollups past their retention.
type RetentionJob struct {
	engine Aggregator
	logger *slog.Logger
	cfg    *config.Config
}

func NewRetentionJob(engine Aggregator, logger *slog.Logger, cfg *config.Config) *RetentionJob {
	return &RetentionJob{
		engine: engine,
		logger: logger,
		cfg:    cfg,
	}
}

// Run deletes raw events whose hours are rolled up and are older than their
// retention, then prunes rollups covered by the tier above.
func (j *RetentionJob) Run(ctx context.Context) error {
	if !j.cfg.CleanupEnabled {
		j.logger.Debug("Cleanup disabled, skipping retention")
		return nil
	}

	j.logger.Info("Starting retention cleanup",
		slog.Int("page_view_retention_days", j.cfg.PageViewRetentionDays),
		slog.Int("event_retention_days", j.cfg.EventRetentionDays))

	rawDeleted, err := j.engine.CleanupSourceData(ctx)
	if err != nil {
		j.logger.Error("Failed to clean up raw events",
			slog.Any("error", err),
			slog.Int64("deleted_so_far", rawDeleted))
		return err
	}

	rollupsDeleted, err := j.engine.CleanupRollups(ctx)
	if err != nil {
		j.logger.Error("Failed to clean up rollups",
			slog.Any("error", err),
			slog.Int64("deleted_so_far", rollupsDeleted))
		return err
	}

	j.logger.Info("Retention cleanup finished",
		slog.Int64("raw_events_deleted", rawDeleted),
		slog.Int64("rollups_deleted", rollupsDeleted))
	return nil
}
