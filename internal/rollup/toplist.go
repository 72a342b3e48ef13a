package rollup

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"sort"

	"github.com/goccy/go-json"
)

// DirectLabel is how the direct pseudo-key is displayed.
const DirectLabel = "(direct)"

// Entry is one ranked dimension value. A nil Value is the direct pseudo-key
// and is stored as JSON null.
type Entry struct {
	Value *string `json:"value"`
	Count int64   `json:"count"`
}

// Label returns the value, or DirectLabel for the direct pseudo-key.
func (e Entry) Label() string {
	if e.Value == nil {
		return DirectLabel
	}
	return *e.Value
}

// TopList is a finalized, ordered top-K list persisted as a JSON column.
type TopList []Entry

// Sum adds up the counts in the list.
func (l TopList) Sum() int64 {
	var total int64
	for _, e := range l {
		total += e.Count
	}
	return total
}

// Scan implements sql.Scanner.
func (l *TopList) Scan(value any) error {
	if value == nil {
		*l = TopList{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New(fmt.Sprint("failed to unmarshal top list value:", value))
	}
	if len(raw) == 0 {
		*l = TopList{}
		return nil
	}
	var out TopList
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("failed to unmarshal top list: %w", err)
	}
	*l = out
	return nil
}

// Value implements driver.Valuer. Empty lists are stored as "[]".
func (l TopList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal([]Entry(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// MergeCanonical sums the lists and ranks by count descending, then direct
// first, then value ascending, before keeping the top k. The result does not
// depend on the order of the inputs.
func MergeCanonical(k int, lists ...TopList) TopList {
	acc := NewTopK(0)
	for _, l := range lists {
		acc = acc.Merge(FromList(l, 0))
	}
	all := acc.Finalize(-1)
	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		if (a.Value == nil) != (b.Value == nil) {
			return a.Value == nil
		}
		if a.Value == nil {
			return false
		}
		return *a.Value < *b.Value
	})
	if k >= 0 && len(all) > k {
		all = all[:k]
	}
	return all
}
