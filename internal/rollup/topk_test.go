package rollup_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tallystat/internal/rollup"
)

func observe(t *rollup.TopK, values ...string) {
	for _, v := range values {
		t.ObserveString(v)
	}
}

func labels(l rollup.TopList) []string {
	out := make([]string, len(l))
	for i, e := range l {
		out[i] = e.Label()
	}
	return out
}

func counts(l rollup.TopList) []int64 {
	out := make([]int64, len(l))
	for i, e := range l {
		out[i] = e.Count
	}
	return out
}

func TestTopKFinalize(t *testing.T) {
	t.Run("keeps the top k with first-seen tie break", func(t *testing.T) {
		acc := rollup.NewTopK(0)
		observe(acc, "A", "B", "A", "C", "A", "B", "C", "A", "B", "C", "A")

		top := acc.Finalize(2)
		require.Len(t, top, 2)
		assert.Equal(t, []string{"A", "B"}, labels(top))
		assert.Equal(t, []int64{5, 3}, counts(top))
	})

	t.Run("direct is its own key", func(t *testing.T) {
		acc := rollup.NewTopK(0)
		acc.Observe(nil)
		acc.Observe(nil)
		acc.ObserveString("")
		acc.ObserveString("google.com")

		top := acc.Finalize(10)
		require.Len(t, top, 3)
		assert.Nil(t, top[0].Value)
		assert.Equal(t, rollup.DirectLabel, top[0].Label())
		assert.Equal(t, int64(2), top[0].Count)
		require.NotNil(t, top[1].Value)
		assert.Equal(t, "", *top[1].Value)
	})

	t.Run("bound caps tracked keys", func(t *testing.T) {
		acc := rollup.NewTopK(2)
		observe(acc, "a", "b", "c", "c", "c")
		acc.Observe(nil)

		assert.Equal(t, 3, acc.Len())
		assert.Equal(t, uint64(6), acc.Total())

		top := acc.Finalize(-1)
		assert.Equal(t, []string{"a", "b", rollup.DirectLabel}, labels(top))
		assert.LessOrEqual(t, uint64(top.Sum()), acc.Total())
	})

	t.Run("empty accumulator", func(t *testing.T) {
		assert.Empty(t, rollup.NewTopK(5).Finalize(3))
	})
}

func TestTopKMerge(t *testing.T) {
	a := rollup.NewTopK(0)
	observe(a, "x", "y", "y")
	b := rollup.NewTopK(0)
	observe(b, "z", "x", "z", "z")

	ab := a.Merge(b).Finalize(-1)
	ba := b.Merge(a).Finalize(-1)

	assert.Equal(t, []string{"z", "x", "y"}, labels(ab))
	assert.Equal(t, []int64{3, 2, 2}, counts(ab))
	assert.Equal(t, []string{"z", "x", "y"}, labels(ba))
	assert.Equal(t, a.Total()+b.Total(), a.Merge(b).Total())

	// Inputs are left untouched.
	assert.Equal(t, uint64(3), a.Total())
}

func TestMergeCanonical(t *testing.T) {
	l1 := rollup.TopList{{Value: strPtr("/b"), Count: 2}, {Value: nil, Count: 1}}
	l2 := rollup.TopList{{Value: strPtr("/a"), Count: 2}, {Value: strPtr("/c"), Count: 1}}
	l3 := rollup.TopList{{Value: strPtr("/c"), Count: 1}}

	first := rollup.MergeCanonical(3, l1, l2, l3)
	assert.Equal(t, first, rollup.MergeCanonical(3, l3, l2, l1))
	assert.Equal(t, first, rollup.MergeCanonical(3, l2, l1, l3))
	assert.Equal(t, []string{"/a", "/b", "/c"}, labels(first))

	withDirect := rollup.MergeCanonical(-1, l1, rollup.TopList{{Value: nil, Count: 1}})
	assert.Equal(t, []string{rollup.DirectLabel, "/b"}, labels(withDirect))
}

func TestMergeLists(t *testing.T) {
	hour1 := rollup.TopList{{Value: strPtr("/b"), Count: 1}, {Value: strPtr("/a"), Count: 1}}
	hour2 := rollup.TopList{{Value: strPtr("/a"), Count: 1}, {Value: strPtr("/c"), Count: 2}}

	merged := rollup.MergeLists(2, hour1, hour2)
	assert.Equal(t, []string{"/a", "/c"}, labels(merged))
	assert.Equal(t, []int64{2, 2}, counts(merged))
}

func TestMetricsMerge(t *testing.T) {
	t.Run("sums counts", func(t *testing.T) {
		m := rollup.Metrics{PageViews: 2, UniqueVisitors: 1, Events: 1,
			TopPages: rollup.TopList{{Value: strPtr("/"), Count: 2}}}
		other := rollup.Metrics{PageViews: 3, UniqueVisitors: 2,
			TopPages: rollup.TopList{{Value: strPtr("/"), Count: 1}, {Value: strPtr("/x"), Count: 2}}}

		out, err := m.Merge(other, 10)
		require.NoError(t, err)
		assert.Equal(t, int64(5), out.PageViews)
		assert.Equal(t, int64(3), out.UniqueVisitors)
		assert.Equal(t, int64(1), out.Events)
		assert.Equal(t, []int64{3, 2}, counts(out.TopPages))
	})

	t.Run("rejects overflow", func(t *testing.T) {
		_, err := rollup.Metrics{PageViews: math.MaxInt64}.Merge(rollup.Metrics{PageViews: 1}, 10)
		assert.ErrorIs(t, err, rollup.ErrCountOverflow)
	})

	t.Run("rejects negative counts", func(t *testing.T) {
		_, err := rollup.Metrics{}.Merge(rollup.Metrics{Events: -1}, 10)
		assert.ErrorIs(t, err, rollup.ErrNegativeCount)

		_, err = rollup.Metrics{}.Merge(rollup.Metrics{TopPages: rollup.TopList{{Value: strPtr("/"), Count: -2}}}, 10)
		assert.ErrorIs(t, err, rollup.ErrNegativeCount)
	})
}

func TestCombine(t *testing.T) {
	parts := []rollup.Metrics{
		{PageViews: 2, UniqueVisitors: 2, Events: 1, TopPages: rollup.TopList{{Value: strPtr("/a"), Count: 2}}},
		{PageViews: 1, UniqueVisitors: 1, TopPages: rollup.TopList{{Value: strPtr("/b"), Count: 1}}},
	}
	out, err := rollup.Combine(20, parts...)
	require.NoError(t, err)
	assert.Equal(t, int64(3), out.PageViews)
	assert.Equal(t, int64(3), out.UniqueVisitors)
	assert.Equal(t, int64(1), out.Events)
	assert.Equal(t, []string{"/a", "/b"}, labels(out.TopPages))

	_, err = rollup.Combine(20, rollup.Metrics{Events: math.MaxInt64}, rollup.Metrics{Events: 1})
	assert.ErrorIs(t, err, rollup.ErrCountOverflow)
}

func TestBuilder(t *testing.T) {
	key := rollup.NewKey(1, rollup.Hour, time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC))
	b := rollup.NewBuilder(key, 100)
	assert.True(t, b.Empty())

	b.AddPageView(rollup.PageView{SessionID: "s1", URL: "/", Browser: "Chrome", DeviceType: "desktop"})
	b.AddPageView(rollup.PageView{SessionID: "s1", URL: "/a", Referrer: strPtr("google.com"), Screen: strPtr("1920x1080")})
	b.AddPageView(rollup.PageView{SessionID: "s2", URL: "/"})
	b.AddEvent()

	m := b.Metrics(10)
	assert.Equal(t, int64(3), m.PageViews)
	assert.Equal(t, int64(2), m.UniqueVisitors)
	assert.Equal(t, int64(1), m.Events)
	assert.Equal(t, []string{"/", "/a"}, labels(m.TopPages))
	assert.Equal(t, []string{rollup.DirectLabel, "google.com"}, labels(m.TopReferrers))
	assert.Equal(t, []string{"Chrome"}, labels(m.Browsers))
	assert.Equal(t, []string{"1920x1080"}, labels(m.ScreenSizes))
	assert.LessOrEqual(t, m.TopPages.Sum(), m.PageViews)

	d := b.Delta(1)
	assert.Equal(t, key, d.Key)
	assert.Len(t, d.Metrics.TopPages, 1)
}

func strPtr(s string) *string {
	return &s
}
