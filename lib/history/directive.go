package history

import (
	"fmt"
	"sort"

	"github.com/ValentinKolb/rangekv/lib/codec"
	"github.com/ValentinKolb/rangekv/lib/region"
)

// Mode is the transfer mode of a directive
type Mode uint8

const (
	// ModeIncremental transfers every item with a recency after Since
	ModeIncremental Mode = iota
	// ModeSnapshot replaces the whole range with a full copy
	ModeSnapshot
)

func (m Mode) String() string {
	switch m {
	case ModeIncremental:
		return "incremental"
	case ModeSnapshot:
		return "snapshot"
	default:
		return fmt.Sprintf("Mode(%d)", m)
	}
}

// Directive describes how one contiguous part of a region is brought from
// the local version From to the remote version Target
type Directive struct {
	Range  region.KeyRange `json:"range"`
	Mode   Mode            `json:"mode"`
	Since  Timestamp       `json:"since"`
	From   Version         `json:"from"`
	Target Version         `json:"target"`
}

// IsNoop reports whether the directive transfers nothing: the local side is
// already at or ahead of the remote side
func (d Directive) IsNoop() bool {
	return d.Mode == ModeIncremental && d.From == d.Target
}

func (d Directive) String() string {
	if d.Mode == ModeIncremental {
		return fmt.Sprintf("%s %s since %d (%s -> %s)", d.Range, d.Mode, d.Since, d.From, d.Target)
	}
	return fmt.Sprintf("%s %s (%s -> %s)", d.Range, d.Mode, d.From, d.Target)
}

// sameTransfer reports whether two directives differ only in their range
func (d Directive) sameTransfer(o Directive) bool {
	return d.Mode == o.Mode && d.Since == o.Since && d.From == o.From && d.Target == o.Target
}

// Coalesce sorts directives by key and merges contiguous directives that
// describe the same transfer
func Coalesce(ds []Directive) []Directive {
	if len(ds) == 0 {
		return nil
	}
	sorted := make([]Directive, len(ds))
	copy(sorted, ds)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Range.Start < sorted[j].Range.Start })

	out := sorted[:1]
	for _, d := range sorted[1:] {
		last := &out[len(out)-1]
		if last.Range.End == d.Range.Start && last.sameTransfer(d) {
			last.Range.End = d.Range.End
			continue
		}
		out = append(out, d)
	}
	return out
}

// WithoutNoops returns the directives that transfer data
func WithoutNoops(ds []Directive) []Directive {
	var out []Directive
	for _, d := range ds {
		if !d.IsNoop() {
			out = append(out, d)
		}
	}
	return out
}

// Covered returns the union of the ranges of ds
func Covered(ds []Directive) region.Region {
	rs := make([]region.KeyRange, len(ds))
	for i, d := range ds {
		rs[i] = d.Range
	}
	return region.New(rs...)
}

// EncodeDirective appends d to w
func EncodeDirective(w *codec.Writer, d Directive) {
	d.Range.EncodeTo(w)
	w.Uint8(uint8(d.Mode))
	w.Uint64(uint64(d.Since))
	EncodeVersion(w, d.From)
	EncodeVersion(w, d.Target)
}

// DecodeDirective reads a directive written by EncodeDirective
func DecodeDirective(r *codec.Reader) Directive {
	d := Directive{Range: region.DecodeKeyRange(r)}
	d.Mode = Mode(r.Uint8())
	d.Since = Timestamp(r.Uint64())
	d.From = DecodeVersion(r)
	d.Target = DecodeVersion(r)
	if r.Err() == nil && d.Mode != ModeIncremental && d.Mode != ModeSnapshot {
		r.Fail(fmt.Errorf("unknown directive mode %d", d.Mode))
	}
	return d
}
