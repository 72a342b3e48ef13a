package rollup

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrCountOverflow means a merge would exceed the counter range.
	ErrCountOverflow = errors.New("rollup count overflow")
	// ErrNegativeCount means a stored or incoming count is negative.
	ErrNegativeCount = errors.New("rollup count negative")
)

// IntegrityError rejects the write of a single bucket whose arithmetic
// invariant would break. Other buckets are unaffected.
type IntegrityError struct {
	Key Key
	Err error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation for %s: %v", e.Key, e.Err)
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

// Metrics are the aggregate values of one bucket.
type Metrics struct {
	PageViews      int64   `gorm:"not null;default:0" json:"page_views"`
	UniqueVisitors int64   `gorm:"not null;default:0" json:"unique_visitors"`
	Events         int64   `gorm:"not null;default:0" json:"events"`
	TopPages       TopList `gorm:"type:text" json:"top_pages"`
	TopReferrers   TopList `gorm:"type:text" json:"top_referrers"`
	Devices        TopList `gorm:"type:text" json:"devices"`
	Browsers       TopList `gorm:"type:text" json:"browsers"`
	OSes           TopList `gorm:"column:oses;type:text" json:"os"`
	ScreenSizes    TopList `gorm:"type:text" json:"screen_sizes"`
}

// Validate checks that no count is negative.
func (m Metrics) Validate() error {
	if m.PageViews < 0 || m.UniqueVisitors < 0 || m.Events < 0 {
		return ErrNegativeCount
	}
	for _, l := range m.lists() {
		for _, e := range l {
			if e.Count < 0 {
				return ErrNegativeCount
			}
		}
	}
	return nil
}

func (m Metrics) lists() []TopList {
	return []TopList{m.TopPages, m.TopReferrers, m.Devices, m.Browsers, m.OSes, m.ScreenSizes}
}

// Merge adds other into m, merging every top list and keeping the top k.
func (m Metrics) Merge(other Metrics, k int) (Metrics, error) {
	if err := m.Validate(); err != nil {
		return Metrics{}, err
	}
	if err := other.Validate(); err != nil {
		return Metrics{}, err
	}

	var out Metrics
	var err error
	if out.PageViews, err = addCounts(m.PageViews, other.PageViews); err != nil {
		return Metrics{}, err
	}
	if out.UniqueVisitors, err = addCounts(m.UniqueVisitors, other.UniqueVisitors); err != nil {
		return Metrics{}, err
	}
	if out.Events, err = addCounts(m.Events, other.Events); err != nil {
		return Metrics{}, err
	}
	// A merged key never exceeds the two list sums combined.
	for _, pair := range [][2]TopList{
		{m.TopPages, other.TopPages}, {m.TopReferrers, other.TopReferrers},
		{m.Devices, other.Devices}, {m.Browsers, other.Browsers},
		{m.OSes, other.OSes}, {m.ScreenSizes, other.ScreenSizes},
	} {
		if _, err := addCounts(pair[0].Sum(), pair[1].Sum()); err != nil {
			return Metrics{}, err
		}
	}
	out.TopPages = MergeCanonical(k, m.TopPages, other.TopPages)
	out.TopReferrers = MergeCanonical(k, m.TopReferrers, other.TopReferrers)
	out.Devices = MergeCanonical(k, m.Devices, other.Devices)
	out.Browsers = MergeCanonical(k, m.Browsers, other.Browsers)
	out.OSes = MergeCanonical(k, m.OSes, other.OSes)
	out.ScreenSizes = MergeCanonical(k, m.ScreenSizes, other.ScreenSizes)
	return out, nil
}

// Top returns m with every top list cut to its first k entries.
func (m Metrics) Top(k int) Metrics {
	top := func(l TopList) TopList {
		if k >= 0 && len(l) > k {
			return l[:k]
		}
		return l
	}
	m.TopPages = top(m.TopPages)
	m.TopReferrers = top(m.TopReferrers)
	m.Devices = top(m.Devices)
	m.Browsers = top(m.Browsers)
	m.OSes = top(m.OSes)
	m.ScreenSizes = top(m.ScreenSizes)
	return m
}

func addCounts(a, b int64) (int64, error) {
	if a < 0 || b < 0 {
		return 0, ErrNegativeCount
	}
	if a > math.MaxInt64-b {
		return 0, ErrCountOverflow
	}
	return a + b, nil
}

// Combine sums finer buckets into one coarser bucket. Top lists are merged
// in input order, so ties keep first-seen order, and cut to k.
func Combine(k int, parts ...Metrics) (Metrics, error) {
	var out Metrics
	var err error
	lists := make([][]TopList, 6)
	sums := make([]int64, 6)
	for _, p := range parts {
		if err := p.Validate(); err != nil {
			return Metrics{}, err
		}
		if out.PageViews, err = addCounts(out.PageViews, p.PageViews); err != nil {
			return Metrics{}, err
		}
		if out.UniqueVisitors, err = addCounts(out.UniqueVisitors, p.UniqueVisitors); err != nil {
			return Metrics{}, err
		}
		if out.Events, err = addCounts(out.Events, p.Events); err != nil {
			return Metrics{}, err
		}
		for i, l := range p.lists() {
			if sums[i], err = addCounts(sums[i], l.Sum()); err != nil {
				return Metrics{}, err
			}
			lists[i] = append(lists[i], l)
		}
	}
	out.TopPages = MergeLists(k, lists[0]...)
	out.TopReferrers = MergeLists(k, lists[1]...)
	out.Devices = MergeLists(k, lists[2]...)
	out.Browsers = MergeLists(k, lists[3]...)
	out.OSes = MergeLists(k, lists[4]...)
	out.ScreenSizes = MergeLists(k, lists[5]...)
	return out, nil
}
