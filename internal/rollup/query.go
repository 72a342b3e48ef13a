package rollup

import (
	"context"
	"fmt"
	"time"
)

// Query selects the rows of one site and tier in [From, To).
type Query struct {
	SiteID      uint
	Granularity Granularity
	From        time.Time
	To          time.Time
}

// Normalize aligns From and To to bucket boundaries. To is rounded up so the
// bucket containing it is included.
func (q Query) Normalize() Query {
	q.From = q.Granularity.Truncate(q.From)
	end := q.Granularity.Truncate(q.To)
	if !end.Equal(q.To.UTC()) {
		end = q.Granularity.Next(end)
	}
	q.To = end
	return q
}

func (q Query) validate() error {
	if q.SiteID == 0 {
		return fmt.Errorf("site id is required")
	}
	if !q.To.After(q.From) {
		return fmt.Errorf("invalid range %s to %s", q.From.Format(time.RFC3339), q.To.Format(time.RFC3339))
	}
	return nil
}

// Summary is the combined view of a range of buckets.
type Summary struct {
	SiteID         uint    `json:"site_id"`
	Granularity    string  `json:"granularity"`
	From           string  `json:"from"`
	To             string  `json:"to"`
	Buckets        int     `json:"buckets"`
	PageViews      int64   `json:"page_views"`
	UniqueVisitors int64   `json:"unique_visitors"`
	Events         int64   `json:"events"`
	TopPages       TopList `json:"top_pages"`
	TopReferrers   TopList `json:"top_referrers"`
	Devices        TopList `json:"devices"`
	Browsers       TopList `json:"browsers"`
	OSes           TopList `json:"os"`
	ScreenSizes    TopList `json:"screen_sizes"`
}

// Point is one bucket of a chart series.
type Point struct {
	Label          string `json:"label"`
	BucketStart    string `json:"bucket_start"`
	PageViews      int64  `json:"page_views"`
	UniqueVisitors int64  `json:"unique_visitors"`
	Events         int64  `json:"events"`
}

// Summarize combines the rows of a range. Unique visitors are summed per
// bucket, so a visitor active in several buckets is counted in each.
func (s *Store) Summarize(ctx context.Context, q Query) (*Summary, error) {
	q = q.Normalize()
	if err := q.validate(); err != nil {
		return nil, err
	}
	rows, err := s.ReadRange(ctx, q.SiteID, q.Granularity, q.From, q.To)
	if err != nil {
		return nil, err
	}

	k := s.tiers.For(q.Granularity).TopK
	var total Metrics
	for _, r := range rows {
		if total, err = total.Merge(r.Metrics, -1); err != nil {
			return nil, &IntegrityError{Key: NewKey(r.SiteID, q.Granularity, r.BucketStart), Err: err}
		}
	}

	return &Summary{
		SiteID:         q.SiteID,
		Granularity:    q.Granularity.String(),
		From:           q.From.Format(time.RFC3339),
		To:             q.To.Format(time.RFC3339),
		Buckets:        len(rows),
		PageViews:      total.PageViews,
		UniqueVisitors: total.UniqueVisitors,
		Events:         total.Events,
		TopPages:       cut(total.TopPages, k),
		TopReferrers:   cut(total.TopReferrers, k),
		Devices:        cut(total.Devices, k),
		Browsers:       cut(total.Browsers, k),
		OSes:           cut(total.OSes, k),
		ScreenSizes:    cut(total.ScreenSizes, k),
	}, nil
}

// Chart returns one point per bucket in the range, zero-filled where no row
// exists.
func (s *Store) Chart(ctx context.Context, q Query) ([]Point, error) {
	q = q.Normalize()
	if err := q.validate(); err != nil {
		return nil, err
	}
	rows, err := s.ReadRange(ctx, q.SiteID, q.Granularity, q.From, q.To)
	if err != nil {
		return nil, err
	}

	byStart := make(map[int64]Row, len(rows))
	for _, r := range rows {
		byStart[r.BucketStart.Unix()] = r
	}

	var points []Point
	for start := q.From; start.Before(q.To); start = q.Granularity.Next(start) {
		p := Point{
			Label:       q.Granularity.Label(start),
			BucketStart: start.Format(time.RFC3339),
		}
		if r, ok := byStart[start.Unix()]; ok {
			p.PageViews = r.PageViews
			p.UniqueVisitors = r.UniqueVisitors
			p.Events = r.Events
		}
		points = append(points, p)
	}
	return points, nil
}

func cut(l TopList, k int) TopList {
	if l == nil {
		return TopList{}
	}
	if k >= 0 && len(l) > k {
		return l[:k]
	}
	return l
}
