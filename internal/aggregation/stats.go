package aggregation

import (
	"context"
	"time"

	"tallystat/internal/rollup"
)

// SiteStats returns the totals and top lists of a site over [from, to) read
// from the g tier.
func (e *Engine) SiteStats(ctx context.Context, siteID uint, from, to time.Time, g rollup.Granularity) (*rollup.Summary, error) {
	q := rollup.Query{SiteID: siteID, Granularity: g, From: from, To: to}
	if e.cache == nil {
		return e.store.Summarize(ctx, q)
	}
	return e.cache.SiteStats(ctx, q)
}

// ChartData returns one zero-filled point per g bucket of [from, to).
func (e *Engine) ChartData(ctx context.Context, siteID uint, from, to time.Time, g rollup.Granularity) ([]rollup.Point, error) {
	q := rollup.Query{SiteID: siteID, Granularity: g, From: from, To: to}
	if e.cache == nil {
		return e.store.Chart(ctx, q)
	}
	return e.cache.ChartData(ctx, q)
}
