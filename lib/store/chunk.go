package store

import (
	"fmt"

	"github.com/ValentinKolb/rangekv/lib/codec"
	"github.com/ValentinKolb/rangekv/lib/history"
	"github.com/ValentinKolb/rangekv/lib/region"
)

// Item is the state of a single key. Deletions are kept as tombstones
// (Deleted set, Value nil) so incremental transfers can carry them.
type Item struct {
	Key     string            `json:"key"`
	Value   []byte            `json:"value,omitempty"`
	Recency history.Timestamp `json:"recency"`
	Deleted bool              `json:"deleted,omitempty"`
}

// SizeBytes approximates the memory and wire footprint of the item
func (i Item) SizeBytes() int {
	return len(i.Key) + len(i.Value) + 8 + 1
}

// Chunk is the unit of atomic application during a backfill. Applying it
// writes Items and sets the metainfo of Range to Version. In snapshot mode
// Range is cleared first.
type Chunk struct {
	Range   region.KeyRange `json:"range"`
	Mode    history.Mode    `json:"mode"`
	Items   []Item          `json:"items"`
	Version history.Version `json:"version"`
}

// SizeBytes approximates the footprint of the chunk's data
func (c Chunk) SizeBytes() int {
	size := len(c.Range.Start) + len(c.Range.End) + 1 + 24
	for _, it := range c.Items {
		size += it.SizeBytes()
	}
	return size
}

// Validate checks that the range is well-formed and non-empty and that the
// items are sorted, unique and inside the range
func (c Chunk) Validate() error {
	if !c.Range.Valid() || c.Range.IsEmpty() {
		return Errorf(RetCInvalidOperation, "invalid chunk range %s", c.Range)
	}
	if c.Mode != history.ModeIncremental && c.Mode != history.ModeSnapshot {
		return Errorf(RetCInvalidOperation, "invalid chunk mode %s", c.Mode)
	}
	for i, it := range c.Items {
		if !c.Range.Contains(it.Key) {
			return Errorf(RetCInvalidOperation, "item %q outside of chunk range %s", it.Key, c.Range)
		}
		if i > 0 && c.Items[i-1].Key >= it.Key {
			return Errorf(RetCInvalidOperation, "chunk items not sorted at %q", it.Key)
		}
	}
	return nil
}

func (c Chunk) String() string {
	return fmt.Sprintf("chunk(%s %s, %d items, %s)", c.Range, c.Mode, len(c.Items), c.Version)
}

// --------------------------------------------------------------------------
// Binary encoding
// --------------------------------------------------------------------------

// EncodeItem appends the binary form of it to w
func EncodeItem(w *codec.Writer, it Item) {
	w.Str(it.Key)
	w.Uint64(uint64(it.Recency))
	w.Bool(it.Deleted)
	w.Blob(it.Value)
}

// DecodeItem reads an item written by EncodeItem
func DecodeItem(r *codec.Reader) Item {
	it := Item{
		Key:     r.Str(),
		Recency: history.Timestamp(r.Uint64()),
		Deleted: r.Bool(),
	}
	if v := r.Blob(); len(v) > 0 {
		it.Value = v
	}
	return it
}

// EncodeChunk appends the binary form of c to w
func EncodeChunk(w *codec.Writer, c Chunk) {
	c.Range.EncodeTo(w)
	w.Uint8(uint8(c.Mode))
	history.EncodeVersion(w, c.Version)
	w.Uint32(uint32(len(c.Items)))
	for _, it := range c.Items {
		EncodeItem(w, it)
	}
}

// DecodeChunk reads a chunk written by EncodeChunk
func DecodeChunk(r *codec.Reader) Chunk {
	c := Chunk{
		Range:   region.DecodeKeyRange(r),
		Mode:    history.Mode(r.Uint8()),
		Version: history.DecodeVersion(r),
	}
	// key length prefix + recency + deleted flag + value length prefix
	n := r.Count(4 + 8 + 1 + 4)
	if n > 0 {
		c.Items = make([]Item, 0, n)
	}
	for i := 0; i < n && r.Err() == nil; i++ {
		c.Items = append(c.Items, DecodeItem(r))
	}
	return c
}
