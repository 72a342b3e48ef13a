package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/karloscodes/cartridge"
	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrJobNotFound is returned when no import job matches.
var ErrJobNotFound = errors.New("import job not found")

// ChunkResult is what one chunk merged into the rollups.
type ChunkResult struct {
	PageViews    int64
	Events       int64
	RowsSkipped  int64
	SitesCreated int
	Rejected     int
	FirstEventAt *time.Time
	LastEventAt  *time.Time
}

// JobStore persists import jobs. Chunk results are applied as increments so
// chunks may report in any order, and a chunk reporting twice is counted
// once.
type JobStore struct {
	dbManager cartridge.DBManager
	logger    *slog.Logger
}

func NewJobStore(dbManager cartridge.DBManager, logger *slog.Logger) *JobStore {
	return &JobStore{dbManager: dbManager, logger: logger}
}

func (s *JobStore) conn(ctx context.Context) *gorm.DB {
	return s.dbManager.GetConnection().WithContext(ctx)
}

// Create stores a new job in the submitted state.
func (s *JobStore) Create(ctx context.Context, job *ImportJob) error {
	if job.PublicID == "" {
		job.PublicID = uuid.NewString()
	}
	if job.SourceType == "" {
		job.SourceType = SourceUmami
	}
	if job.Status == "" {
		job.Status = StatusSubmitted
	}
	if job.Details == nil {
		job.Details = Details{}
	}
	err := sqlite.PerformWrite(s.logger, s.conn(ctx), func(tx *gorm.DB) error {
		return tx.Create(job).Error
	})
	if err != nil {
		return fmt.Errorf("failed to create import job: %w", err)
	}
	return nil
}

// Get loads a job by id.
func (s *JobStore) Get(ctx context.Context, id uint) (*ImportJob, error) {
	var job ImportJob
	err := s.conn(ctx).First(&job, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load import job %d: %w", id, err)
	}
	return &job, nil
}

// Find loads a job by numeric id or public id.
func (s *JobStore) Find(ctx context.Context, ref string) (*ImportJob, error) {
	var job ImportJob
	err := s.conn(ctx).Where("public_id = ? OR CAST(id AS TEXT) = ?", ref, ref).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load import job %s: %w", ref, err)
	}
	return &job, nil
}

// List returns the most recent jobs first.
func (s *JobStore) List(ctx context.Context, limit int) ([]ImportJob, error) {
	var jobs []ImportJob
	if err := s.conn(ctx).Order("id DESC").Limit(limit).Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list import jobs: %w", err)
	}
	return jobs, nil
}

// UpdateStatus sets the status and any extra columns. A job that already
// failed keeps its failed status.
func (s *JobStore) UpdateStatus(ctx context.Context, id uint, status string, fields map[string]any) error {
	updates := map[string]any{"status": status}
	for k, v := range fields {
		updates[k] = v
	}
	err := sqlite.PerformWrite(s.logger, s.conn(ctx), func(tx *gorm.DB) error {
		q := tx.Model(&ImportJob{}).Where("id = ?", id)
		if status != StatusFailed {
			q = q.Where("status <> ?", StatusFailed)
		}
		return q.Updates(updates).Error
	})
	if err != nil {
		return fmt.Errorf("failed to update import job %d: %w", id, err)
	}
	return nil
}

// RecordChunkResult adds a finished chunk to the job totals. The boolean is
// false when the chunk had already been recorded.
func (s *JobStore) RecordChunkResult(ctx context.Context, jobID uint, index int, res ChunkResult) (bool, error) {
	recorded := false
	err := sqlite.PerformWrite(s.logger, s.conn(ctx), func(tx *gorm.DB) error {
		recorded = false
		marker := ChunkRecord{
			JobID:       jobID,
			ChunkIndex:  index,
			Status:      StatusCompleted,
			PageViews:   res.PageViews,
			Events:      res.Events,
			RowsSkipped: res.RowsSkipped,
			CreatedAt:   time.Now().UTC(),
		}
		created := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&marker)
		if created.Error != nil {
			return created.Error
		}
		if created.RowsAffected == 0 {
			return nil
		}
		recorded = true

		updates := map[string]any{
			"chunks_processed":    gorm.Expr("chunks_processed + 1"),
			"page_views_imported": gorm.Expr("page_views_imported + ?", res.PageViews),
			"events_imported":     gorm.Expr("events_imported + ?", res.Events),
			"rows_skipped":        gorm.Expr("rows_skipped + ?", res.RowsSkipped),
			"sites_created":       gorm.Expr("sites_created + ?", res.SitesCreated),
		}
		if res.FirstEventAt != nil {
			first := res.FirstEventAt.UTC()
			updates["first_event_at"] = gorm.Expr("CASE WHEN first_event_at IS NULL OR first_event_at > ? THEN ? ELSE first_event_at END", first, first)
		}
		if res.LastEventAt != nil {
			last := res.LastEventAt.UTC()
			updates["last_event_at"] = gorm.Expr("CASE WHEN last_event_at IS NULL OR last_event_at < ? THEN ? ELSE last_event_at END", last, last)
		}
		return tx.Model(&ImportJob{}).Where("id = ?", jobID).Updates(updates).Error
	})
	if err != nil {
		return false, fmt.Errorf("failed to record chunk %d of import job %d: %w", index, jobID, err)
	}
	return recorded, nil
}

// RecordChunkFailure counts a chunk that exhausted its retries and fails the
// job. The first failure's error is kept.
func (s *JobStore) RecordChunkFailure(ctx context.Context, jobID uint, index int, cause error) (bool, error) {
	recorded := false
	err := sqlite.PerformWrite(s.logger, s.conn(ctx), func(tx *gorm.DB) error {
		recorded = false
		marker := ChunkRecord{
			JobID:      jobID,
			ChunkIndex: index,
			Status:     StatusFailed,
			Error:      cause.Error(),
			CreatedAt:  time.Now().UTC(),
		}
		created := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&marker)
		if created.Error != nil {
			return created.Error
		}
		if created.RowsAffected == 0 {
			return nil
		}
		recorded = true

		message := fmt.Sprintf("chunk %d: %s", index, cause)
		return tx.Model(&ImportJob{}).Where("id = ?", jobID).Updates(map[string]any{
			"chunks_failed": gorm.Expr("chunks_failed + 1"),
			"status":        StatusFailed,
			"error":         gorm.Expr("CASE WHEN error IS NULL OR error = '' THEN ? ELSE error END", message),
		}).Error
	})
	if err != nil {
		return false, fmt.Errorf("failed to record chunk %d failure of import job %d: %w", index, jobID, err)
	}
	return recorded, nil
}

// MarkFailed fails and finalizes the whole job. Rollups already merged are
// kept.
func (s *JobStore) MarkFailed(ctx context.Context, jobID uint, cause error) error {
	return s.UpdateStatus(ctx, jobID, StatusFailed, map[string]any{
		"error":        cause.Error(),
		"summary":      "Import failed: " + cause.Error(),
		"finalized_at": time.Now().UTC(),
	})
}

// Finalize closes the job once every chunk reported. The status and summary
// come from outcome, called with the job's final counters inside the same
// transaction. Only one caller ever gets true, whichever chunk finishes
// last.
func (s *JobStore) Finalize(ctx context.Context, jobID uint, outcome func(*ImportJob) (string, string)) (*ImportJob, bool, error) {
	var job ImportJob
	claimed := false
	err := sqlite.PerformWrite(s.logger, s.conn(ctx), func(tx *gorm.DB) error {
		job = ImportJob{}
		claimed = false
		res := tx.Model(&ImportJob{}).
			Where("id = ? AND finalized_at IS NULL AND chunks_processed + chunks_failed >= total_chunks", jobID).
			Updates(map[string]any{"finalized_at": time.Now().UTC()})
		if res.Error != nil || res.RowsAffected == 0 {
			return res.Error
		}
		claimed = true

		if err := tx.First(&job, jobID).Error; err != nil {
			return err
		}
		status, summary := outcome(&job)
		job.Status = status
		job.Summary = summary
		return tx.Model(&ImportJob{}).Where("id = ?", jobID).Updates(map[string]any{
			"status":  status,
			"summary": summary,
		}).Error
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to finalize import job %d: %w", jobID, err)
	}
	if !claimed {
		return nil, false, nil
	}
	return &job, true, nil
}

// ForgetSessions drops the session index of a job.
func (s *JobStore) ForgetSessions(ctx context.Context, jobID uint) (int64, error) {
	var affected int64
	err := sqlite.PerformWrite(s.logger, s.conn(ctx), func(tx *gorm.DB) error {
		res := tx.Where("job_id = ?", jobID).Delete(&SessionRecord{})
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to drop sessions of import job %d: %w", jobID, err)
	}
	return affected, nil
}

// SaveSessions indexes session rows, ignoring ones already indexed.
func (s *JobStore) SaveSessions(ctx context.Context, records []SessionRecord) error {
	if len(records) == 0 {
		return nil
	}
	err := sqlite.PerformWrite(s.logger, s.conn(ctx), func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(records, 200).Error
	})
	if err != nil {
		return fmt.Errorf("failed to index sessions: %w", err)
	}
	return nil
}

// LookupSessions returns indexed sessions of a job by external id.
func (s *JobStore) LookupSessions(ctx context.Context, jobID uint, externalIDs []string) (map[string]SessionRecord, error) {
	out := make(map[string]SessionRecord, len(externalIDs))
	if len(externalIDs) == 0 {
		return out, nil
	}
	var records []SessionRecord
	err := s.conn(ctx).
		Where("job_id = ? AND external_id IN ?", jobID, externalIDs).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to look up sessions: %w", err)
	}
	for _, r := range records {
		out[r.ExternalID] = r
	}
	return out, nil
}

// Unfinished returns jobs a previous process left running: jobs not yet
// terminal, and failed jobs whose chunks have not all reported.
func (s *JobStore) Unfinished(ctx context.Context) ([]ImportJob, error) {
	var jobs []ImportJob
	err := s.conn(ctx).
		Where("finalized_at IS NULL").
		Where("status IN ? OR (status = ? AND total_chunks > chunks_processed + chunks_failed)",
			[]string{StatusSubmitted, StatusProcessing, StatusDispatching, StatusProcessingChunks}, StatusFailed).
		Order("id").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinished import jobs: %w", err)
	}
	return jobs, nil
}

// ReportedChunks returns the indexes of chunks that already reported.
func (s *JobStore) ReportedChunks(ctx context.Context, jobID uint) (map[int]bool, error) {
	var indexes []int
	err := s.conn(ctx).Model(&ChunkRecord{}).
		Where("job_id = ?", jobID).
		Pluck("chunk_index", &indexes).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks of import job %d: %w", jobID, err)
	}
	out := make(map[int]bool, len(indexes))
	for _, i := range indexes {
		out[i] = true
	}
	return out, nil
}
