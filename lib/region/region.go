package region

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

// KeyMax is the exclusive upper bound of the key space. No key may be equal
// to or greater than KeyMax.
const KeyMax = "\xff\xff"

// --------------------------------------------------------------------------
// Key ranges
// --------------------------------------------------------------------------

// KeyRange is a half-open interval [Start, End) of keys
type KeyRange struct {
	Start string
	End   string
}

// Valid reports whether the range is well formed. Empty ranges (Start == End)
// are valid.
func (k KeyRange) Valid() bool {
	return k.Start <= k.End && k.End <= KeyMax
}

// IsEmpty reports whether the range contains no keys
func (k KeyRange) IsEmpty() bool {
	return k.Start >= k.End
}

// Contains reports whether key lies within the range
func (k KeyRange) Contains(key string) bool {
	return k.Start <= key && key < k.End
}

// ContainsRange reports whether o lies completely within k
func (k KeyRange) ContainsRange(o KeyRange) bool {
	return o.IsEmpty() || (k.Start <= o.Start && o.End <= k.End)
}

// Overlaps reports whether the two ranges share at least one key
func (k KeyRange) Overlaps(o KeyRange) bool {
	return !k.IsEmpty() && !o.IsEmpty() && k.Start < o.End && o.Start < k.End
}

// Intersect returns the common part of both ranges (possibly empty)
func (k KeyRange) Intersect(o KeyRange) KeyRange {
	r := KeyRange{Start: max(k.Start, o.Start), End: min(k.End, o.End)}
	if r.IsEmpty() {
		return KeyRange{}
	}
	return r
}

func (k KeyRange) String() string {
	end := fmt.Sprintf("%q", k.End)
	if k.End == KeyMax {
		end = "max"
	}
	return fmt.Sprintf("[%q, %s)", k.Start, end)
}

// mustBeValid panics with an assertion failure if the range is malformed
func (k KeyRange) mustBeValid() {
	if !k.Valid() {
		panic(errors.AssertionFailedf("malformed key range %s", k))
	}
}

// --------------------------------------------------------------------------
// Regions
// --------------------------------------------------------------------------

// Region is an immutable set of keys represented as sorted, disjoint and
// non-adjacent key ranges. The zero value is the empty region.
type Region struct {
	ranges []KeyRange
}

// New creates a normalized region from arbitrary (possibly overlapping or
// unsorted) ranges. Empty ranges are dropped. A malformed range panics.
func New(ranges ...KeyRange) Region {
	rs := make([]KeyRange, 0, len(ranges))
	for _, r := range ranges {
		r.mustBeValid()
		if !r.IsEmpty() {
			rs = append(rs, r)
		}
	}
	return Region{ranges: normalize(rs)}
}

// Span creates a region of a single range [start, end)
func Span(start, end string) Region {
	return New(KeyRange{Start: start, End: end})
}

// Universe returns the region containing every key
func Universe() Region {
	return Region{ranges: []KeyRange{{Start: "", End: KeyMax}}}
}

// Empty returns the empty region
func Empty() Region {
	return Region{}
}

// normalize sorts and merges overlapping or adjacent ranges in place
func normalize(rs []KeyRange) []KeyRange {
	if len(rs) == 0 {
		return nil
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].Start < rs[j].Start })
	out := rs[:1]
	for _, r := range rs[1:] {
		last := &out[len(out)-1]
		if r.Start <= last.End {
			last.End = max(last.End, r.End)
			continue
		}
		out = append(out, r)
	}
	return out
}

// Ranges returns a copy of the ranges of the region in key order
func (r Region) Ranges() []KeyRange {
	out := make([]KeyRange, len(r.ranges))
	copy(out, r.ranges)
	return out
}

// NumRanges returns the number of disjoint ranges of the region
func (r Region) NumRanges() int {
	return len(r.ranges)
}

// IsEmpty reports whether the region contains no keys
func (r Region) IsEmpty() bool {
	return len(r.ranges) == 0
}

// Contains reports whether key lies within the region
func (r Region) Contains(key string) bool {
	i := sort.Search(len(r.ranges), func(i int) bool { return r.ranges[i].End > key })
	return i < len(r.ranges) && r.ranges[i].Contains(key)
}

// Bounds returns the smallest key range covering the region
func (r Region) Bounds() KeyRange {
	if r.IsEmpty() {
		return KeyRange{}
	}
	return KeyRange{Start: r.ranges[0].Start, End: r.ranges[len(r.ranges)-1].End}
}

// Equal reports whether both regions contain exactly the same keys
func (r Region) Equal(o Region) bool {
	if len(r.ranges) != len(o.ranges) {
		return false
	}
	for i := range r.ranges {
		if r.ranges[i] != o.ranges[i] {
			return false
		}
	}
	return true
}

func (r Region) String() string {
	if r.IsEmpty() {
		return "{}"
	}
	parts := make([]string, len(r.ranges))
	for i, kr := range r.ranges {
		parts[i] = kr.String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// --------------------------------------------------------------------------
// Set algebra
// --------------------------------------------------------------------------

// Intersect returns the keys contained in both a and b
func Intersect(a, b Region) Region {
	var out []KeyRange
	i, j := 0, 0
	for i < len(a.ranges) && j < len(b.ranges) {
		if x := a.ranges[i].Intersect(b.ranges[j]); !x.IsEmpty() {
			out = append(out, x)
		}
		if a.ranges[i].End < b.ranges[j].End {
			i++
		} else {
			j++
		}
	}
	return Region{ranges: out}
}

// Union returns the keys contained in a or b
func Union(a, b Region) Region {
	rs := make([]KeyRange, 0, len(a.ranges)+len(b.ranges))
	rs = append(rs, a.ranges...)
	rs = append(rs, b.ranges...)
	return Region{ranges: normalize(rs)}
}

// Subtract returns the keys contained in a but not in b
func Subtract(a, b Region) Region {
	var out []KeyRange
	j := 0
	for _, cur := range a.ranges {
		// skip ranges of b that end before cur starts
		for j < len(b.ranges) && b.ranges[j].End <= cur.Start {
			j++
		}
		k := j
		for k < len(b.ranges) && b.ranges[k].Start < cur.End {
			cut := b.ranges[k]
			if cut.Start > cur.Start {
				out = append(out, KeyRange{Start: cur.Start, End: cut.Start})
			}
			if cut.End >= cur.End {
				cur.Start = cur.End
				break
			}
			cur.Start = cut.End
			k++
		}
		if !cur.IsEmpty() {
			out = append(out, cur)
		}
	}
	return Region{ranges: out}
}

// IsSubset reports whether every key of a is also contained in b
func IsSubset(a, b Region) bool {
	return Subtract(a, b).IsEmpty()
}

// Overlaps reports whether a and b share at least one key
func Overlaps(a, b Region) bool {
	return !Intersect(a, b).IsEmpty()
}
