package aggregation

import (
	"context"
	"log/slog"
	"time"

	"tallystat/internal/events"
	"tallystat/internal/metrics"
	"tallystat/internal/rollup"
	"tallystat/internal/sites"
)

func retention(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}

// CleanupSourceData removes raw page views and custom events past their
// retention for every site. Events are only removed up to the first hour
// that has not been rolled up.
func (e *Engine) CleanupSourceData(ctx context.Context) (int64, error) {
	siteIDs, err := sites.GetAllSiteIDs(e.dbManager.GetConnection().WithContext(ctx))
	if err != nil {
		return 0, err
	}

	var total int64
	for _, siteID := range siteIDs {
		deleted, err := e.cleanupSiteSource(ctx, siteID)
		total += deleted
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (e *Engine) cleanupSiteSource(ctx context.Context, siteID uint) (int64, error) {
	now := e.now()
	cutoffs := map[events.Kind]time.Time{
		events.KindPageView:    rollup.Hour.Truncate(now.Add(-retention(e.cfg.PageViewRetentionDays))),
		events.KindCustomEvent: rollup.Hour.Truncate(now.Add(-retention(e.cfg.EventRetentionDays))),
	}

	latest := time.Time{}
	for _, c := range cutoffs {
		if c.After(latest) {
			latest = c
		}
	}
	limit, err := e.coveredUntil(ctx, siteID, latest)
	if err != nil {
		return 0, err
	}

	var total int64
	for kind, cutoff := range cutoffs {
		if limit.Before(cutoff) {
			cutoff = limit
		}
		deleted, err := e.source.DeleteOlderThan(ctx, siteID, kind, cutoff, e.cfg.CleanupBatchSize)
		total += deleted
		if deleted > 0 {
			metrics.RawEventsDeleted.WithLabelValues(kind.String()).Add(float64(deleted))
			e.logger.Info("Deleted raw events past retention",
				slog.Uint64("site_id", uint64(siteID)),
				slog.String("kind", kind.String()),
				slog.Int64("deleted", deleted),
				slog.Time("cutoff", cutoff))
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// coveredUntil returns the instant before which every raw event hour of a
// site is represented by an hourly row or by the day row above it. It never
// exceeds limit.
func (e *Engine) coveredUntil(ctx context.Context, siteID uint, limit time.Time) (time.Time, error) {
	oldest, ok, err := e.source.OldestBefore(ctx, siteID, limit)
	if err != nil || !ok {
		return limit, err
	}
	hours, err := e.source.Buckets(ctx, siteID, rollup.Hour, rollup.Hour.Truncate(oldest), limit)
	if err != nil {
		return time.Time{}, err
	}

	days := make(map[time.Time]bool)
	for _, hour := range hours {
		key := rollup.NewKey(siteID, rollup.Hour, hour)
		covered, err := e.store.Exists(ctx, key)
		if err != nil {
			return time.Time{}, err
		}
		if !covered {
			day, _ := key.Parent()
			dayCovered, seen := days[day.BucketStart]
			if !seen {
				if dayCovered, err = e.store.Exists(ctx, day); err != nil {
					return time.Time{}, err
				}
				days[day.BucketStart] = dayCovered
			}
			covered = dayCovered
		}
		if !covered {
			return hour, nil
		}
	}
	return limit, nil
}

// prunedBefore is the instant before which rows of g may have been pruned.
// It falls on a bucket boundary of g's parent, so a parent bucket has either
// all of its children or none of them past retention.
func (e *Engine) prunedBefore(g rollup.Granularity) time.Time {
	cutoff := e.now().Add(-e.tiers.For(g).Retention)
	if parent, ok := g.Parent(); ok {
		return parent.Truncate(cutoff)
	}
	return cutoff
}

// CleanupRollups prunes rollups past their tier's retention. Hourly and daily
// rows are only removed once the row above them exists, and only whole days
// or months of them at a time.
func (e *Engine) CleanupRollups(ctx context.Context) (int64, error) {
	var total int64

	for _, g := range []rollup.Granularity{rollup.Hour, rollup.Day} {
		deleted, err := e.store.PruneCovered(ctx, g, e.prunedBefore(g), e.cfg.CleanupBatchSize)
		total += deleted
		e.recordRollupsDeleted(g, deleted)
		if err != nil {
			return total, err
		}
	}

	deleted, err := e.store.DeleteOlderThan(ctx, rollup.Month, e.prunedBefore(rollup.Month))
	total += deleted
	e.recordRollupsDeleted(rollup.Month, deleted)
	return total, err
}

func (e *Engine) recordRollupsDeleted(g rollup.Granularity, n int64) {
	if n == 0 {
		return
	}
	metrics.RollupsDeleted.WithLabelValues(g.String()).Add(float64(n))
	e.logger.Info("Deleted rollups past retention",
		slog.String("granularity", g.String()),
		slog.Int64("deleted", n))
}
