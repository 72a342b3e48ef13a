package rollup

// PageView is the subset of a hit that feeds a rollup.
type PageView struct {
	SessionID  string
	URL        string
	Referrer   *string
	DeviceType string
	Browser    string
	OS         string
	Screen     *string
}

// Builder accumulates raw hits for one bucket. A Builder is owned by a
// single goroutine.
type Builder struct {
	key       Key
	pageViews int64
	events    int64
	visitors  map[string]struct{}

	pages     *TopK
	referrers *TopK
	devices   *TopK
	browsers  *TopK
	oses      *TopK
	screens   *TopK
}

// NewBuilder starts an empty bucket. bound caps distinct keys tracked per
// dimension.
func NewBuilder(key Key, bound int) *Builder {
	return &Builder{
		key:       key,
		visitors:  make(map[string]struct{}),
		pages:     NewTopK(bound),
		referrers: NewTopK(bound),
		devices:   NewTopK(bound),
		browsers:  NewTopK(bound),
		oses:      NewTopK(bound),
		screens:   NewTopK(bound),
	}
}

// Key returns the bucket being built.
func (b *Builder) Key() Key {
	return b.key
}

// AddPageView counts one page view and its session.
func (b *Builder) AddPageView(pv PageView) {
	b.pageViews++
	if pv.SessionID != "" {
		b.visitors[pv.SessionID] = struct{}{}
	}
	b.pages.ObserveString(pv.URL)
	b.referrers.Observe(pv.Referrer)
	if pv.DeviceType != "" {
		b.devices.ObserveString(pv.DeviceType)
	}
	if pv.Browser != "" {
		b.browsers.ObserveString(pv.Browser)
	}
	if pv.OS != "" {
		b.oses.ObserveString(pv.OS)
	}
	if pv.Screen != nil && *pv.Screen != "" {
		b.screens.ObserveString(*pv.Screen)
	}
}

// AddEvent counts one custom event.
func (b *Builder) AddEvent() {
	b.events++
}

// Empty reports whether nothing was observed.
func (b *Builder) Empty() bool {
	return b.pageViews == 0 && b.events == 0
}

// Metrics finalizes the bucket, keeping the top k of each dimension.
func (b *Builder) Metrics(k int) Metrics {
	return Metrics{
		PageViews:      b.pageViews,
		UniqueVisitors: int64(len(b.visitors)),
		Events:         b.events,
		TopPages:       b.pages.Finalize(k),
		TopReferrers:   b.referrers.Finalize(k),
		Devices:        b.devices.Finalize(k),
		Browsers:       b.browsers.Finalize(k),
		OSes:           b.oses.Finalize(k),
		ScreenSizes:    b.screens.Finalize(k),
	}
}

// Delta finalizes the bucket as a mergeable delta.
func (b *Builder) Delta(k int) Delta {
	return Delta{Key: b.key, Metrics: b.Metrics(k)}
}

// Delta is a change to merge into one bucket.
type Delta struct {
	Key     Key
	Metrics Metrics
}
