package region

import (
	"fmt"
	"sort"
	"strings"
)

// Entry is a single contiguous piece of a Map
type Entry[V comparable] struct {
	Range KeyRange `json:"range"`
	Value V        `json:"value"`
}

// Map associates values with disjoint key ranges. Entries are kept sorted by
// key, and adjacent entries holding equal values are merged, so two maps
// describing the same association always have the same entries.
//
// Maps are immutable: every modifying method returns a new map.
type Map[V comparable] struct {
	entries []Entry[V]
}

// NewMap creates a map assigning v to every key of r
func NewMap[V comparable](r Region, v V) Map[V] {
	entries := make([]Entry[V], len(r.ranges))
	for i, kr := range r.ranges {
		entries[i] = Entry[V]{Range: kr, Value: v}
	}
	return Map[V]{entries: entries}
}

// MapFromEntries builds a map from arbitrary disjoint entries. It panics if
// two entries overlap or a range is malformed.
func MapFromEntries[V comparable](entries ...Entry[V]) Map[V] {
	es := make([]Entry[V], 0, len(entries))
	for _, e := range entries {
		e.Range.mustBeValid()
		if !e.Range.IsEmpty() {
			es = append(es, e)
		}
	}
	sort.Slice(es, func(i, j int) bool { return es[i].Range.Start < es[j].Range.Start })
	for i := 1; i < len(es); i++ {
		if es[i-1].Range.End > es[i].Range.Start {
			panic(fmt.Errorf("overlapping map entries %s and %s", es[i-1].Range, es[i].Range))
		}
	}
	return Map[V]{entries: coalesce(es)}
}

// coalesce merges adjacent entries with equal values in place
func coalesce[V comparable](es []Entry[V]) []Entry[V] {
	if len(es) == 0 {
		return nil
	}
	out := es[:1]
	for _, e := range es[1:] {
		last := &out[len(out)-1]
		if last.Range.End == e.Range.Start && last.Value == e.Value {
			last.Range.End = e.Range.End
			continue
		}
		out = append(out, e)
	}
	return out
}

// Entries returns a copy of the entries in key order
func (m Map[V]) Entries() []Entry[V] {
	out := make([]Entry[V], len(m.entries))
	copy(out, m.entries)
	return out
}

// Len returns the number of entries
func (m Map[V]) Len() int {
	return len(m.entries)
}

// Domain returns the region covered by the map
func (m Map[V]) Domain() Region {
	rs := make([]KeyRange, len(m.entries))
	for i, e := range m.entries {
		rs[i] = e.Range
	}
	return Region{ranges: normalize(rs)}
}

// Covers reports whether every key of r has a value in the map
func (m Map[V]) Covers(r Region) bool {
	return IsSubset(r, m.Domain())
}

// Lookup returns the value assigned to key
func (m Map[V]) Lookup(key string) (V, bool) {
	i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].Range.End > key })
	if i < len(m.entries) && m.entries[i].Range.Contains(key) {
		return m.entries[i].Value, true
	}
	var zero V
	return zero, false
}

// Mask restricts the map to the keys of r
func (m Map[V]) Mask(r Region) Map[V] {
	var out []Entry[V]
	i, j := 0, 0
	for i < len(m.entries) && j < len(r.ranges) {
		e := m.entries[i]
		if x := e.Range.Intersect(r.ranges[j]); !x.IsEmpty() {
			out = append(out, Entry[V]{Range: x, Value: e.Value})
		}
		if e.Range.End < r.ranges[j].End {
			i++
		} else {
			j++
		}
	}
	return Map[V]{entries: out}
}

// Update returns a copy of m where every key covered by o takes its value
// from o
func (m Map[V]) Update(o Map[V]) Map[V] {
	if len(o.entries) == 0 {
		return m
	}
	rest := m.Mask(Subtract(m.Domain(), o.Domain()))
	es := make([]Entry[V], 0, len(rest.entries)+len(o.entries))
	es = append(es, rest.entries...)
	es = append(es, o.entries...)
	sort.Slice(es, func(i, j int) bool { return es[i].Range.Start < es[j].Range.Start })
	return Map[V]{entries: coalesce(es)}
}

// Set returns a copy of m with every key of r assigned to v
func (m Map[V]) Set(r Region, v V) Map[V] {
	return m.Update(NewMap(r, v))
}

// Equal reports whether both maps have identical entries
func (m Map[V]) Equal(o Map[V]) bool {
	if len(m.entries) != len(o.entries) {
		return false
	}
	for i := range m.entries {
		if m.entries[i] != o.entries[i] {
			return false
		}
	}
	return true
}

func (m Map[V]) String() string {
	parts := make([]string, len(m.entries))
	for i, e := range m.entries {
		parts[i] = fmt.Sprintf("%s: %v", e.Range, e.Value)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
