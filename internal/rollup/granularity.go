// Package rollup holds the time-bucketed aggregate model: bucket keys,
// bounded top-K accumulators and the store that merges deltas into rows.
package rollup

import (
	"fmt"
	"strings"
	"time"
)

// Granularity is the width of a rollup bucket.
type Granularity int

const (
	Hour Granularity = iota + 1
	Day
	Month
)

// Granularities lists every tier from finest to coarsest.
var Granularities = []Granularity{Hour, Day, Month}

func (g Granularity) String() string {
	switch g {
	case Hour:
		return "hourly"
	case Day:
		return "daily"
	case Month:
		return "monthly"
	default:
		return fmt.Sprintf("granularity(%d)", int(g))
	}
}

// ParseGranularity accepts "hour", "hourly", "day", "daily", "month" or "monthly".
func ParseGranularity(s string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hour", "hourly":
		return Hour, nil
	case "day", "daily":
		return Day, nil
	case "month", "monthly":
		return Month, nil
	}
	return 0, fmt.Errorf("unknown granularity: %q", s)
}

// Truncate returns the start of the bucket containing t, in UTC.
func (g Granularity) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch g {
	case Hour:
		return t.Truncate(time.Hour)
	case Day:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}

// Next returns the start of the bucket after the one starting at start.
func (g Granularity) Next(start time.Time) time.Time {
	start = g.Truncate(start)
	switch g {
	case Hour:
		return start.Add(time.Hour)
	case Day:
		return start.AddDate(0, 0, 1)
	case Month:
		return start.AddDate(0, 1, 0)
	}
	return start
}

// Parent is the next coarser tier. Month has no parent.
func (g Granularity) Parent() (Granularity, bool) {
	switch g {
	case Hour:
		return Day, true
	case Day:
		return Month, true
	}
	return 0, false
}

// Child is the next finer tier. Hour has no child.
func (g Granularity) Child() (Granularity, bool) {
	switch g {
	case Day:
		return Hour, true
	case Month:
		return Day, true
	}
	return 0, false
}

// Label formats a bucket start for display: "2006-01-02 15:00", "2006-01-02" or "2006-01".
func (g Granularity) Label(start time.Time) string {
	start = start.UTC()
	switch g {
	case Hour:
		return start.Format("2006-01-02 15:00")
	case Day:
		return start.Format("2006-01-02")
	case Month:
		return start.Format("2006-01")
	}
	return start.Format(time.RFC3339)
}

// Key identifies one rollup row.
type Key struct {
	SiteID      uint
	Granularity Granularity
	BucketStart time.Time
}

// NewKey builds a key for the bucket containing t.
func NewKey(siteID uint, g Granularity, t time.Time) Key {
	return Key{SiteID: siteID, Granularity: g, BucketStart: g.Truncate(t)}
}

// Parent returns the key of the next coarser bucket containing this one.
func (k Key) Parent() (Key, bool) {
	p, ok := k.Granularity.Parent()
	if !ok {
		return Key{}, false
	}
	return NewKey(k.SiteID, p, k.BucketStart), true
}

// End is the exclusive end of the bucket.
func (k Key) End() time.Time {
	return k.Granularity.Next(k.BucketStart)
}

func (k Key) String() string {
	return fmt.Sprintf("site_%d/%s/%s", k.SiteID, k.Granularity, k.Granularity.Label(k.BucketStart))
}
