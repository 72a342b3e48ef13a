// Package aggregation rolls raw events up into hourly rows and hourly rows
// into daily and monthly rows, and enforces retention on both.
package aggregation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/karloscodes/cartridge"

	"tallystat/internal/config"
	"tallystat/internal/events"
	"tallystat/internal/metrics"
	"tallystat/internal/pkg/async"
	"tallystat/internal/rollup"
	"tallystat/internal/sites"
	"tallystat/internal/statscache"
)

// ErrNotSettled is returned when an hour is too recent to aggregate.
var ErrNotSettled = errors.New("hour has not settled yet")

// StatsCache serves cached rollup reads and drops them after a sweep.
type StatsCache interface {
	Evict(pattern string)
	SiteStats(ctx context.Context, q rollup.Query) (*rollup.Summary, error)
	ChartData(ctx context.Context, q rollup.Query) ([]rollup.Point, error)
}

// Engine computes rollups. Hourly rows are written once; daily and monthly
// rows are recomputed from the tier below on every run.
type Engine struct {
	cfg       *config.Config
	dbManager cartridge.DBManager
	logger    *slog.Logger
	store     *rollup.Store
	source    *events.Source
	cache     StatsCache
	tiers     rollup.Tiers
	pool      *async.Pool
	now       func() time.Time
}

// NewEngine creates an engine. cache may be nil.
func NewEngine(cfg *config.Config, dbManager cartridge.DBManager, logger *slog.Logger, store *rollup.Store, source *events.Source, cache StatsCache) *Engine {
	return &Engine{
		cfg:       cfg,
		dbManager: dbManager,
		logger:    logger,
		store:     store,
		source:    source,
		cache:     cache,
		tiers:     store.Tiers(),
		pool:      async.NewPool(cfg.AggregationWorkers),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the engine's notion of now.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Store returns the rollup store the engine writes to.
func (e *Engine) Store() *rollup.Store {
	return e.store
}

// settleCutoff is the end of the newest hour that may be aggregated.
func (e *Engine) settleCutoff() time.Time {
	return rollup.Hour.Truncate(e.now().Add(-e.cfg.SettleWindow()))
}

// AggregateHour builds the hourly row of a site from its raw events. It does
// nothing when the row already exists or the hour has no events. The
// boolean reports whether a row was written.
func (e *Engine) AggregateHour(ctx context.Context, siteID uint, hourStart time.Time) (bool, error) {
	key := rollup.NewKey(siteID, rollup.Hour, hourStart)
	if key.End().After(e.settleCutoff()) {
		return false, fmt.Errorf("%w: %s", ErrNotSettled, key)
	}

	exists, err := e.store.Exists(ctx, key)
	if err != nil {
		return false, err
	}
	if exists {
		e.logger.Debug("Hour already aggregated", slog.String("bucket", key.String()))
		return false, nil
	}

	b := rollup.NewBuilder(key, e.cfg.AccumulatorBound)
	err = e.source.Each(ctx, siteID, key.BucketStart, key.End(), func(ev *events.RawEvent) error {
		switch ev.Kind {
		case events.KindPageView:
			b.AddPageView(rollup.PageView{
				SessionID:  ev.SessionID,
				URL:        ev.URL,
				Referrer:   ev.Referrer,
				DeviceType: ev.DeviceType,
				Browser:    ev.Browser,
				OS:         ev.OS,
				Screen:     ev.ScreenResolution,
			})
		case events.KindCustomEvent:
			b.AddEvent()
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to read events for %s: %w", key, err)
	}
	if b.Empty() {
		return false, nil
	}

	written, err := e.store.InsertIfAbsent(ctx, key, b.Metrics(e.tiers.For(rollup.Hour).TopK))
	if err != nil {
		return false, err
	}
	if written {
		metrics.RollupWrites.WithLabelValues(rollup.Hour.String(), "insert").Inc()
		e.logger.Debug("Aggregated hour", slog.String("bucket", key.String()))
	}
	return written, nil
}

// AggregateSiteHours aggregates every settled hour of a site that has raw
// events and no row, oldest first. A bucket failing its integrity check is
// logged and skipped. It returns the number of rows written.
func (e *Engine) AggregateSiteHours(ctx context.Context, siteID uint) (int, error) {
	cutoff := e.settleCutoff()
	oldest, ok, err := e.source.OldestBefore(ctx, siteID, cutoff)
	if err != nil || !ok {
		return 0, err
	}
	return e.aggregateHours(ctx, siteID, oldest, cutoff)
}

func (e *Engine) aggregateHours(ctx context.Context, siteID uint, from, to time.Time) (int, error) {
	if cutoff := e.settleCutoff(); to.After(cutoff) {
		to = cutoff
	}
	hours, err := e.source.Buckets(ctx, siteID, rollup.Hour, rollup.Hour.Truncate(from), to)
	if err != nil {
		return 0, err
	}

	written := 0
	for _, hour := range hours {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		ok, err := e.AggregateHour(ctx, siteID, hour)
		var integrityErr *rollup.IntegrityError
		if errors.As(err, &integrityErr) {
			metrics.IntegrityViolations.Inc()
			e.logger.Error("Skipping hour failing integrity check",
				slog.Uint64("site_id", uint64(siteID)),
				slog.Time("hour", hour),
				slog.Any("error", err))
			continue
		}
		if err != nil {
			return written, err
		}
		if ok {
			written++
		}
	}
	return written, nil
}

// AggregateDay recomputes the daily row of a site from its hourly rows. A day
// without hourly rows is left untouched.
func (e *Engine) AggregateDay(ctx context.Context, siteID uint, date time.Time) (bool, error) {
	return e.derive(ctx, rollup.NewKey(siteID, rollup.Day, date))
}

// AggregateMonth recomputes the monthly row of a site from its daily rows.
func (e *Engine) AggregateMonth(ctx context.Context, yearMonth time.Time, siteID uint) (bool, error) {
	return e.derive(ctx, rollup.NewKey(siteID, rollup.Month, yearMonth))
}

func (e *Engine) derive(ctx context.Context, key rollup.Key) (bool, error) {
	child, ok := key.Granularity.Child()
	if !ok {
		return false, fmt.Errorf("%s rollups are not derived", key.Granularity)
	}
	if !key.End().After(e.prunedBefore(child)) {
		exists, err := e.store.Exists(ctx, key)
		if err != nil {
			return false, err
		}
		if exists {
			e.logger.Debug("Keeping bucket whose children are past retention", slog.String("bucket", key.String()))
			return false, nil
		}
	}
	rows, err := e.store.ReadRange(ctx, key.SiteID, child, key.BucketStart, key.End())
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}

	parts := make([]rollup.Metrics, len(rows))
	for i, r := range rows {
		parts[i] = r.Metrics
	}
	m, err := rollup.Combine(e.tiers.For(key.Granularity).TopK, parts...)
	if err != nil {
		return false, &rollup.IntegrityError{Key: key, Err: err}
	}
	if err := e.store.Replace(ctx, key, m); err != nil {
		return false, err
	}
	metrics.RollupWrites.WithLabelValues(key.Granularity.String(), "replace").Inc()
	e.logger.Debug("Aggregated bucket",
		slog.String("bucket", key.String()),
		slog.Int("children", len(rows)))
	return true, nil
}

// deriveRange recomputes every bucket of g in [from, to) for a site.
func (e *Engine) deriveRange(ctx context.Context, siteID uint, g rollup.Granularity, from, to time.Time) (int, error) {
	written := 0
	for start := g.Truncate(from); start.Before(to); start = g.Next(start) {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		ok, err := e.derive(ctx, rollup.NewKey(siteID, g, start))
		var integrityErr *rollup.IntegrityError
		if errors.As(err, &integrityErr) {
			metrics.IntegrityViolations.Inc()
			e.logger.Error("Skipping bucket failing integrity check",
				slog.String("bucket", integrityErr.Key.String()),
				slog.Any("error", err))
			continue
		}
		if err != nil {
			return written, err
		}
		if ok {
			written++
		}
	}
	return written, nil
}

// Derive recomputes daily then monthly rows covering [from, to) for every
// site with hourly rows in that range.
func (e *Engine) Derive(ctx context.Context, from, to time.Time) (int, error) {
	from = rollup.Day.Truncate(from)
	to = rollup.Day.Next(to.Add(-time.Nanosecond))
	siteIDs, err := e.store.SitesWithRows(ctx, rollup.Hour, from, to)
	if err != nil {
		return 0, err
	}

	written := 0
	for _, siteID := range siteIDs {
		n, err := e.deriveRange(ctx, siteID, rollup.Day, from, to)
		written += n
		if err != nil {
			return written, err
		}
		n, err = e.deriveRange(ctx, siteID, rollup.Month, from, rollup.Month.Next(to.Add(-time.Nanosecond)))
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// Backfill catches a site up over [from, to): settled hours from raw events,
// then days, then months.
func (e *Engine) Backfill(ctx context.Context, siteID uint, from, to time.Time) (int, error) {
	hours, err := e.aggregateHours(ctx, siteID, from, to)
	if err != nil {
		return hours, err
	}
	days, err := e.deriveRange(ctx, siteID, rollup.Day, from, to)
	if err != nil {
		return hours + days, err
	}
	months, err := e.deriveRange(ctx, siteID, rollup.Month, from, to)
	return hours + days + months, err
}

// SiteFailure is one site that failed during a sweep.
type SiteFailure struct {
	SiteID uint
	Err    error
}

// SweepReport summarizes a sweep over every site.
type SweepReport struct {
	Granularity rollup.Granularity
	Sites       int
	Buckets     int
	Failures    []SiteFailure
	Deleted     int64
	Duration    time.Duration
}

type siteResult struct {
	buckets int
	deleted int64
}

// sweep runs fn for every site on the worker pool. One site failing does not
// stop the others.
func (e *Engine) sweep(ctx context.Context, g rollup.Granularity, fn func(ctx context.Context, siteID uint) (siteResult, error)) (*SweepReport, error) {
	start := time.Now()
	siteIDs, err := sites.GetAllSiteIDs(e.dbManager.GetConnection().WithContext(ctx))
	if err != nil {
		metrics.AggregationRuns.WithLabelValues(g.String(), "failed").Inc()
		return nil, err
	}

	tasks := make([]async.Task, 0, len(siteIDs))
	for _, id := range siteIDs {
		siteID := id
		tasks = append(tasks, async.Task{
			Name: strconv.FormatUint(uint64(siteID), 10),
			Execute: func(ctx context.Context) (any, error) {
				return fn(ctx, siteID)
			},
		})
	}

	report := &SweepReport{Granularity: g, Sites: len(siteIDs)}
	results := e.pool.Execute(ctx, tasks)
	for _, siteID := range siteIDs {
		result := results[strconv.FormatUint(uint64(siteID), 10)]
		if r, ok := result.Data.(siteResult); ok {
			report.Buckets += r.buckets
			report.Deleted += r.deleted
		}
		if result.Err != nil {
			metrics.SiteFailures.WithLabelValues(g.String()).Inc()
			e.logger.Error("Site aggregation failed",
				slog.String("granularity", g.String()),
				slog.Uint64("site_id", uint64(siteID)),
				slog.Any("error", result.Err))
			report.Failures = append(report.Failures, SiteFailure{SiteID: siteID, Err: result.Err})
		}
	}

	report.Duration = time.Since(start)
	status := "success"
	if len(report.Failures) > 0 {
		status = "partial"
	}
	metrics.AggregationRuns.WithLabelValues(g.String(), status).Inc()
	metrics.AggregationDuration.WithLabelValues(g.String()).Observe(report.Duration.Seconds())
	e.logger.Info("Aggregation sweep finished",
		slog.String("granularity", g.String()),
		slog.Int("sites", report.Sites),
		slog.Int("buckets", report.Buckets),
		slog.Int("failures", len(report.Failures)),
		slog.Int64("deleted", report.Deleted),
		slog.Duration("duration", report.Duration))
	return report, nil
}

// RunHourly aggregates every settled hour of every site, then removes raw
// events past retention for each site whose hours were aggregated.
func (e *Engine) RunHourly(ctx context.Context) (*SweepReport, error) {
	report, err := e.sweep(ctx, rollup.Hour, func(ctx context.Context, siteID uint) (siteResult, error) {
		n, err := e.AggregateSiteHours(ctx, siteID)
		if err != nil {
			return siteResult{buckets: n}, err
		}
		result := siteResult{buckets: n}
		if e.cfg.CleanupEnabled {
			deleted, err := e.cleanupSiteSource(ctx, siteID)
			result.deleted = deleted
			if err != nil {
				return result, err
			}
		}
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	e.afterSweep()
	return report, nil
}

// RunDaily recomputes the days whose hours may have settled since the last
// run, then prunes rollups past retention.
func (e *Engine) RunDaily(ctx context.Context) (*SweepReport, error) {
	today := rollup.Day.Truncate(e.now())
	lookback := int(e.cfg.SettleWindow()/(24*time.Hour)) + 1
	from := today.AddDate(0, 0, -lookback)

	report, err := e.sweep(ctx, rollup.Day, func(ctx context.Context, siteID uint) (siteResult, error) {
		n, err := e.deriveRange(ctx, siteID, rollup.Day, from, today)
		return siteResult{buckets: n}, err
	})
	if err != nil {
		return nil, err
	}
	if e.cfg.CleanupEnabled {
		deleted, err := e.CleanupRollups(ctx)
		report.Deleted += deleted
		if err != nil {
			return report, err
		}
	}
	e.afterSweep()
	return report, nil
}

// RunMonthly recomputes the previous and the current month.
func (e *Engine) RunMonthly(ctx context.Context) (*SweepReport, error) {
	current := rollup.Month.Truncate(e.now())
	previous := current.AddDate(0, -1, 0)
	report, err := e.sweep(ctx, rollup.Month, func(ctx context.Context, siteID uint) (siteResult, error) {
		n, err := e.deriveRange(ctx, siteID, rollup.Month, previous, rollup.Month.Next(current))
		return siteResult{buckets: n}, err
	})
	if err != nil {
		return nil, err
	}
	e.afterSweep()
	return report, nil
}

func (e *Engine) afterSweep() {
	if e.cfg.CacheEnabled {
		e.InvalidateCache()
	}
}

// InvalidateCache evicts the cached site stats and chart data.
func (e *Engine) InvalidateCache() {
	if e.cache == nil {
		return
	}
	e.cache.Evict(statscache.FamilySiteStats)
	e.cache.Evict(statscache.FamilyChartData)
}
