// Package statscache memoizes rollup reads per tier. Entries are keyed by
// site, family, period and range, and whole families are evicted after each
// aggregation sweep.
package statscache

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/karloscodes/cartridge/cache"
	"gorm.io/gorm"

	"tallystat/internal/metrics"
	"tallystat/internal/rollup"
)

// Cache families.
const (
	FamilySiteStats = "site_stats"
	FamilyChartData = "chart_data"
)

const keyTimeLayout = "20060102T150405Z"

// A cached load is shared by every caller waiting on the same key, so it
// runs on its own deadline instead of any one caller's context.
const loadTimeout = 30 * time.Second

// Reader is the rollup read side the cache sits in front of.
type Reader interface {
	Summarize(ctx context.Context, q rollup.Query) (*rollup.Summary, error)
	Chart(ctx context.Context, q rollup.Query) ([]rollup.Point, error)
}

// Cache serves site stats and chart data through per-tier caches whose TTL
// comes from the tier.
type Cache struct {
	reader  Reader
	logger  *slog.Logger
	enabled bool
	prefix  string

	stats  map[rollup.Granularity]*cache.Cache[string, *rollup.Summary]
	charts map[rollup.Granularity]*cache.Cache[string, []rollup.Point]
}

// New builds the caches of every tier. When enabled is false every read goes
// straight to reader.
func New(reader Reader, tiers rollup.Tiers, logger *slog.Logger, enabled bool, prefix string) *Cache {
	c := &Cache{
		reader:  reader,
		logger:  logger,
		enabled: enabled,
		prefix:  prefix,
		stats:   make(map[rollup.Granularity]*cache.Cache[string, *rollup.Summary]),
		charts:  make(map[rollup.Granularity]*cache.Cache[string, []rollup.Point]),
	}
	for _, g := range rollup.Granularities {
		ttl := tiers.For(g).CacheTTL
		c.stats[g] = cache.NewCache[string, *rollup.Summary](logger, ttl, func(key string) (*rollup.Summary, error) {
			q, err := c.parseKey(key, FamilySiteStats)
			if err != nil {
				return nil, err
			}
			ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
			defer cancel()
			return reader.Summarize(ctx, q)
		})
		c.charts[g] = cache.NewCache[string, []rollup.Point](logger, ttl, func(key string) ([]rollup.Point, error) {
			q, err := c.parseKey(key, FamilyChartData)
			if err != nil {
				return nil, err
			}
			ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
			defer cancel()
			return reader.Chart(ctx, q)
		})
	}
	return c
}

// Key renders the cache key of a query:
// {prefix}:site_{id}_{family}_{period}_{from}_{to}.
func (c *Cache) Key(family string, q rollup.Query) string {
	q = q.Normalize()
	return fmt.Sprintf("%s:site_%d_%s_%s_%s_%s", c.prefix, q.SiteID, family, q.Granularity,
		q.From.UTC().Format(keyTimeLayout), q.To.UTC().Format(keyTimeLayout))
}

func (c *Cache) parseKey(key, family string) (rollup.Query, error) {
	rest, ok := strings.CutPrefix(key, c.prefix+":site_")
	if !ok {
		return rollup.Query{}, fmt.Errorf("invalid stats cache key %q", key)
	}
	idText, rest, ok := strings.Cut(rest, "_"+family+"_")
	if !ok {
		return rollup.Query{}, fmt.Errorf("invalid stats cache key %q", key)
	}
	parts := strings.Split(rest, "_")
	if len(parts) != 3 {
		return rollup.Query{}, fmt.Errorf("invalid stats cache key %q", key)
	}

	id, err := strconv.ParseUint(idText, 10, 64)
	if err != nil {
		return rollup.Query{}, fmt.Errorf("invalid site in stats cache key %q: %w", key, err)
	}
	g, err := rollup.ParseGranularity(parts[0])
	if err != nil {
		return rollup.Query{}, err
	}
	from, err := time.Parse(keyTimeLayout, parts[1])
	if err != nil {
		return rollup.Query{}, fmt.Errorf("invalid range in stats cache key %q: %w", key, err)
	}
	to, err := time.Parse(keyTimeLayout, parts[2])
	if err != nil {
		return rollup.Query{}, fmt.Errorf("invalid range in stats cache key %q: %w", key, err)
	}
	return rollup.Query{SiteID: uint(id), Granularity: g, From: from, To: to}, nil
}

// SiteStats returns the summary of a range. A caller whose ctx is already
// done gets its error without touching the cache.
func (c *Cache) SiteStats(ctx context.Context, q rollup.Query) (*rollup.Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.enabled {
		return c.reader.Summarize(ctx, q)
	}
	entries := c.stats[q.Granularity]
	if entries == nil {
		return nil, fmt.Errorf("no stats cache for %s", q.Granularity)
	}
	return entries.Get(c.Key(FamilySiteStats, q))
}

// ChartData returns one point per bucket of a range.
func (c *Cache) ChartData(ctx context.Context, q rollup.Query) ([]rollup.Point, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.enabled {
		return c.reader.Chart(ctx, q)
	}
	entries := c.charts[q.Granularity]
	if entries == nil {
		return nil, fmt.Errorf("no chart cache for %s", q.Granularity)
	}
	return entries.Get(c.Key(FamilyChartData, q))
}

// Evict drops cached entries matching pattern: a family name evicts that
// family, anything else (a site prefix such as "site_3_*", or "*") evicts
// every family.
func (c *Cache) Evict(pattern string) {
	switch pattern {
	case FamilySiteStats:
		for _, entries := range c.stats {
			entries.Clear()
		}
	case FamilyChartData:
		for _, entries := range c.charts {
			entries.Clear()
		}
	default:
		for _, entries := range c.stats {
			entries.Clear()
		}
		for _, entries := range c.charts {
			entries.Clear()
		}
	}
	metrics.CacheEvictions.Inc()
	c.logger.Debug("Evicted stats cache", slog.String("pattern", pattern))
}

// PurgePersistent removes every persisted cache record.
func PurgePersistent(db *gorm.DB) (int64, error) {
	n, err := cache.PurgeAllCaches(db)
	if err != nil {
		return 0, fmt.Errorf("failed to purge caches: %w", err)
	}
	return n, nil
}
