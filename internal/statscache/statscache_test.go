package statscache_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tallystat/internal/rollup"
	"tallystat/internal/statscache"
	"tallystat/internal/testsupport"
)

type countingReader struct {
	mu        sync.Mutex
	summaries int
	charts    int
	lastQuery rollup.Query
	deadline  bool
}

func (r *countingReader) Summarize(ctx context.Context, q rollup.Query) (*rollup.Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, r.deadline = ctx.Deadline()
	r.summaries++
	r.lastQuery = q
	return &rollup.Summary{SiteID: q.SiteID, Granularity: q.Granularity.String(), PageViews: int64(r.summaries)}, nil
}

func (r *countingReader) Chart(_ context.Context, q rollup.Query) ([]rollup.Point, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.charts++
	r.lastQuery = q
	return []rollup.Point{{Label: "p", PageViews: int64(r.charts)}}, nil
}

func newCache(t *testing.T, enabled bool) (*statscache.Cache, *countingReader) {
	cfg := testsupport.NewTestConfig(t)
	reader := &countingReader{}
	return statscache.New(reader, rollup.NewTiers(cfg), testsupport.GetLogger(), enabled, "tallystat"), reader
}

var query = rollup.Query{
	SiteID:      3,
	Granularity: rollup.Day,
	From:        time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	To:          time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC),
}

func TestKey(t *testing.T) {
	c, _ := newCache(t, true)

	assert.Equal(t, "tallystat:site_3_site_stats_daily_20260301T000000Z_20260308T000000Z",
		c.Key(statscache.FamilySiteStats, query))

	unaligned := query
	unaligned.From = query.From.Add(5 * time.Hour)
	unaligned.To = query.To.Add(-time.Minute)
	assert.Equal(t, c.Key(statscache.FamilyChartData, query), c.Key(statscache.FamilyChartData, unaligned),
		"ranges are aligned to bucket boundaries")
}

func TestSiteStatsIsCached(t *testing.T) {
	c, reader := newCache(t, true)
	ctx := context.Background()

	first, err := c.SiteStats(ctx, query)
	require.NoError(t, err)
	second, err := c.SiteStats(ctx, query)
	require.NoError(t, err)

	assert.Equal(t, 1, reader.summaries)
	assert.Equal(t, first.PageViews, second.PageViews)
	assert.Equal(t, query.SiteID, reader.lastQuery.SiteID)
	assert.Equal(t, rollup.Day, reader.lastQuery.Granularity)
	assert.True(t, reader.lastQuery.From.Equal(query.From))
	assert.True(t, reader.lastQuery.To.Equal(query.To))

	c.Evict(statscache.FamilyChartData)
	_, err = c.SiteStats(ctx, query)
	require.NoError(t, err)
	assert.Equal(t, 1, reader.summaries, "evicting charts keeps stats")

	c.Evict(statscache.FamilySiteStats)
	third, err := c.SiteStats(ctx, query)
	require.NoError(t, err)
	assert.Equal(t, 2, reader.summaries)
	assert.Equal(t, int64(2), third.PageViews)
}

func TestChartDataEvictAll(t *testing.T) {
	c, reader := newCache(t, true)
	ctx := context.Background()

	for range 3 {
		_, err := c.ChartData(ctx, query)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, reader.charts)

	c.Evict("*")
	_, err := c.ChartData(ctx, query)
	require.NoError(t, err)
	assert.Equal(t, 2, reader.charts)
}

func TestDisabledCacheReadsThrough(t *testing.T) {
	c, reader := newCache(t, false)
	ctx := context.Background()

	for range 2 {
		_, err := c.SiteStats(ctx, query)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, reader.summaries)
}

func TestCancelledCallerSkipsTheCache(t *testing.T) {
	for _, enabled := range []bool{true, false} {
		c, reader := newCache(t, enabled)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := c.SiteStats(ctx, query)
		assert.ErrorIs(t, err, context.Canceled)
		_, err = c.ChartData(ctx, query)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, reader.summaries)
		assert.Zero(t, reader.charts)
	}

	c, reader := newCache(t, true)
	_, err := c.SiteStats(context.Background(), query)
	require.NoError(t, err)
	assert.True(t, reader.deadline, "cached loads run under their own deadline")
}
