package rollup

import "sort"

// dimKey is a dimension value. null marks the direct/absent pseudo-value,
// which never collides with any real string, the empty string included.
type dimKey struct {
	value string
	null  bool
}

type slot struct {
	key   dimKey
	count uint64
}

// TopK is a bounded frequency counter. Keys are ranked by count with ties
// broken by first-seen order. Once bound distinct keys are tracked, further
// new keys only add to an untracked remainder, so memory stays bounded and
// finalized output never overstates any key.
type TopK struct {
	bound     int
	index     map[dimKey]int
	slots     []slot
	remainder uint64
}

// NewTopK creates an accumulator tracking at most bound distinct keys.
// A bound of zero or less means unbounded.
func NewTopK(bound int) *TopK {
	return &TopK{bound: bound, index: make(map[dimKey]int)}
}

// Observe counts one occurrence. A nil value is the direct pseudo-key.
func (t *TopK) Observe(value *string) {
	t.Add(value, 1)
}

// ObserveString counts one occurrence of a real string value.
func (t *TopK) ObserveString(value string) {
	t.add(dimKey{value: value}, 1)
}

// Add counts n occurrences of value.
func (t *TopK) Add(value *string, n uint64) {
	if value == nil {
		t.add(dimKey{null: true}, n)
		return
	}
	t.add(dimKey{value: *value}, n)
}

func (t *TopK) add(k dimKey, n uint64) {
	if n == 0 {
		return
	}
	if i, ok := t.index[k]; ok {
		t.slots[i].count += n
		return
	}
	// The direct pseudo-key is always tracked.
	if t.bound > 0 && len(t.slots) >= t.bound && !k.null {
		t.remainder += n
		return
	}
	t.index[k] = len(t.slots)
	t.slots = append(t.slots, slot{key: k, count: n})
}

// Merge returns a new accumulator holding the summed counts of t and other.
// Keys from t keep their first-seen position ahead of keys only in other.
// Merging never drops tracked keys, so count sums are exact.
func (t *TopK) Merge(other *TopK) *TopK {
	bound := t.bound
	if other != nil && other.bound > bound {
		bound = other.bound
	}
	out := &TopK{bound: 0, index: make(map[dimKey]int, len(t.slots))}
	for _, s := range t.slots {
		out.add(s.key, s.count)
	}
	out.remainder = t.remainder
	if other != nil {
		for _, s := range other.slots {
			out.add(s.key, s.count)
		}
		out.remainder += other.remainder
	}
	out.bound = bound
	return out
}

// Len is the number of tracked keys.
func (t *TopK) Len() int {
	return len(t.slots)
}

// Total is the sum of all observed counts, tracked or not.
func (t *TopK) Total() uint64 {
	total := t.remainder
	for _, s := range t.slots {
		total += s.count
	}
	return total
}

// Finalize ranks tracked keys by count descending, first-seen first on ties,
// and keeps at most k of them.
func (t *TopK) Finalize(k int) TopList {
	ranked := make([]slot, len(t.slots))
	copy(ranked, t.slots)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].count > ranked[j].count
	})
	if k >= 0 && len(ranked) > k {
		ranked = ranked[:k]
	}

	out := make(TopList, 0, len(ranked))
	for _, s := range ranked {
		e := Entry{Count: int64(s.count)}
		if !s.key.null {
			v := s.key.value
			e.Value = &v
		}
		out = append(out, e)
	}
	return out
}

// FromList seeds an accumulator from a finalized list, preserving its order.
func FromList(list TopList, bound int) *TopK {
	t := NewTopK(bound)
	for _, e := range list {
		if e.Count > 0 {
			t.Add(e.Value, uint64(e.Count))
		}
	}
	return t
}

// MergeLists merges finalized lists in order and keeps the top k.
func MergeLists(k int, lists ...TopList) TopList {
	acc := NewTopK(0)
	for _, l := range lists {
		acc = acc.Merge(FromList(l, 0))
	}
	return acc.Finalize(k)
}
