package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/karloscodes/cartridge"
	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"

	"tallystat/internal/rollup"
)

const defaultReadBatch = 500

// Source reads and deletes raw events on behalf of the rollup engine.
type Source struct {
	dbManager cartridge.DBManager
	logger    *slog.Logger
	dialect   rollup.Dialect

	// BatchPause is slept between delete batches to let other writers in.
	BatchPause time.Duration
}

// NewSource creates a raw event source over the given database.
func NewSource(dbManager cartridge.DBManager, logger *slog.Logger, dialect rollup.Dialect) *Source {
	return &Source{
		dbManager:  dbManager,
		logger:     logger,
		dialect:    dialect,
		BatchPause: 100 * time.Millisecond,
	}
}

// Each streams the events of a site in [from, to) in insertion order
// without loading the whole range into memory.
func (s *Source) Each(ctx context.Context, siteID uint, from, to time.Time, fn func(*RawEvent) error) error {
	var batch []RawEvent
	var fnErr error
	result := s.dbManager.GetConnection().WithContext(ctx).
		Where("site_id = ? AND occurred_at >= ? AND occurred_at < ?", siteID, from.UTC(), to.UTC()).
		FindInBatches(&batch, defaultReadBatch, func(tx *gorm.DB, _ int) error {
			for i := range batch {
				if fnErr = fn(&batch[i]); fnErr != nil {
					return fnErr
				}
			}
			return nil
		})
	if fnErr != nil {
		return fnErr
	}
	if result.Error != nil {
		return fmt.Errorf("failed to query events: %w", result.Error)
	}
	return nil
}

// QueryEvents returns the events of a site in [from, to).
func (s *Source) QueryEvents(ctx context.Context, siteID uint, from, to time.Time) ([]RawEvent, error) {
	var out []RawEvent
	err := s.Each(ctx, siteID, from, to, func(e *RawEvent) error {
		out = append(out, *e)
		return nil
	})
	return out, err
}

// OldestBefore returns the timestamp of the oldest event of a site strictly
// before the given instant. The boolean is false when there is none.
func (s *Source) OldestBefore(ctx context.Context, siteID uint, before time.Time) (time.Time, bool, error) {
	var event RawEvent
	err := s.dbManager.GetConnection().WithContext(ctx).
		Select("id", "occurred_at").
		Where("site_id = ? AND occurred_at < ?", siteID, before.UTC()).
		Order("occurred_at").
		Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to find oldest event: %w", err)
	}
	return event.OccurredAt.UTC(), true, nil
}

// Buckets returns the distinct bucket starts of g holding events of a site
// in [from, to), oldest first.
func (s *Source) Buckets(ctx context.Context, siteID uint, g rollup.Granularity, from, to time.Time) ([]time.Time, error) {
	expr := s.dialect.BucketExpr(g, "occurred_at")
	var labels []string
	err := s.dbManager.GetConnection().WithContext(ctx).
		Raw("SELECT DISTINCT "+expr+" AS bucket FROM raw_events"+
			" WHERE site_id = ? AND occurred_at >= ? AND occurred_at < ? ORDER BY bucket",
			siteID, from.UTC(), to.UTC()).
		Scan(&labels).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list event buckets: %w", err)
	}

	out := make([]time.Time, 0, len(labels))
	for _, label := range labels {
		t, err := time.Parse(rollup.BucketLayout, label)
		if err != nil {
			return nil, fmt.Errorf("failed to parse bucket %q: %w", label, err)
		}
		out = append(out, t.UTC())
	}
	return out, nil
}

// SiteIDs lists the sites that have raw events.
func (s *Source) SiteIDs(ctx context.Context) ([]uint, error) {
	var ids []uint
	err := s.dbManager.GetConnection().WithContext(ctx).
		Model(&RawEvent{}).Distinct().Order("site_id").Pluck("site_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list event sites: %w", err)
	}
	return ids, nil
}

// DeleteEvents removes every event of a site in [from, to).
func (s *Source) DeleteEvents(ctx context.Context, siteID uint, from, to time.Time) (int64, error) {
	return s.deleteBatched(ctx, defaultReadBatch*2,
		"site_id = ? AND occurred_at >= ? AND occurred_at < ?", siteID, from.UTC(), to.UTC())
}

// DeleteOlderThan removes events of one kind older than cutoff, in batches.
func (s *Source) DeleteOlderThan(ctx context.Context, siteID uint, kind Kind, cutoff time.Time, batchSize int) (int64, error) {
	return s.deleteBatched(ctx, batchSize,
		"site_id = ? AND kind = ? AND occurred_at < ?", siteID, kind, cutoff.UTC())
}

func (s *Source) deleteBatched(ctx context.Context, batchSize int, where string, args ...any) (int64, error) {
	db := s.dbManager.GetConnection().WithContext(ctx)

	// Count events to be deleted first
	var countToDelete int64
	if err := db.Model(&RawEvent{}).Where(where, args...).Count(&countToDelete).Error; err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	if countToDelete == 0 {
		return 0, nil
	}

	query := "DELETE FROM raw_events WHERE id IN (SELECT id FROM raw_events WHERE " + where + " ORDER BY id LIMIT ?)"
	batchArgs := append(append([]any{}, args...), batchSize)

	totalDeleted := int64(0)
	for {
		var affected int64
		err := sqlite.PerformWrite(s.logger, db, func(tx *gorm.DB) error {
			result := tx.Exec(query, batchArgs...)
			affected = result.RowsAffected
			return result.Error
		})
		if err != nil {
			s.logger.Error("Failed to delete events",
				slog.Any("error", err),
				slog.Int64("deleted_so_far", totalDeleted))
			return totalDeleted, fmt.Errorf("failed to delete events: %w", err)
		}

		totalDeleted += affected
		if affected < int64(batchSize) {
			break
		}
		if err := ctx.Err(); err != nil {
			return totalDeleted, err
		}

		// Small delay between batches to prevent database lock contention
		if s.BatchPause > 0 {
			time.Sleep(s.BatchPause)
		}
	}

	return totalDeleted, nil
}
