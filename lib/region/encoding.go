package region

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/rangekv/lib/codec"
)

// --------------------------------------------------------------------------
// Binary encoding (lib/codec)
// --------------------------------------------------------------------------

// EncodeTo appends the key range to w
func (k KeyRange) EncodeTo(w *codec.Writer) {
	w.Str(k.Start)
	w.Str(k.End)
}

// DecodeKeyRange reads a key range written by KeyRange.EncodeTo
func DecodeKeyRange(r *codec.Reader) KeyRange {
	k := KeyRange{Start: r.Str(), End: r.Str()}
	if r.Err() == nil && !k.Valid() {
		r.Fail(fmt.Errorf("malformed key range %s", k))
	}
	return k
}

// EncodeTo appends the region to w
func (r Region) EncodeTo(w *codec.Writer) {
	w.Uint32(uint32(len(r.ranges)))
	for _, kr := range r.ranges {
		kr.EncodeTo(w)
	}
}

// DecodeRegion reads a region written by Region.EncodeTo
func DecodeRegion(r *codec.Reader) Region {
	n := r.Count(8)
	rs := make([]KeyRange, 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		rs = append(rs, DecodeKeyRange(r))
	}
	if r.Err() != nil {
		return Region{}
	}
	for i := range rs {
		if rs[i].IsEmpty() {
			r.Fail(fmt.Errorf("empty range in encoded region"))
			return Region{}
		}
	}
	return Region{ranges: normalize(rs)}
}

// EncodeMap appends m to w, using enc for the values
func EncodeMap[V comparable](w *codec.Writer, m Map[V], enc func(*codec.Writer, V)) {
	w.Uint32(uint32(len(m.entries)))
	for _, e := range m.entries {
		e.Range.EncodeTo(w)
		enc(w, e.Value)
	}
}

// DecodeMap reads a map written by EncodeMap, using dec for the values
func DecodeMap[V comparable](r *codec.Reader, dec func(*codec.Reader) V) Map[V] {
	n := r.Count(8)
	es := make([]Entry[V], 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		kr := DecodeKeyRange(r)
		v := dec(r)
		es = append(es, Entry[V]{Range: kr, Value: v})
	}
	if r.Err() != nil {
		return Map[V]{}
	}
	for i := range es {
		if es[i].Range.IsEmpty() || (i > 0 && es[i-1].Range.End > es[i].Range.Start) {
			r.Fail(fmt.Errorf("encoded map entries are not sorted and disjoint"))
			return Map[V]{}
		}
	}
	return Map[V]{entries: coalesce(es)}
}

// --------------------------------------------------------------------------
// JSON (keys are arbitrary bytes, so they are encoded as base64)
// --------------------------------------------------------------------------

type jsonKeyRange struct {
	Start []byte `json:"start"`
	End   []byte `json:"end"`
}

func (k KeyRange) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonKeyRange{Start: []byte(k.Start), End: []byte(k.End)})
}

func (k *KeyRange) UnmarshalJSON(data []byte) error {
	var j jsonKeyRange
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	kr := KeyRange{Start: string(j.Start), End: string(j.End)}
	if !kr.Valid() {
		return fmt.Errorf("malformed key range %s", kr)
	}
	*k = kr
	return nil
}

func (r Region) MarshalJSON() ([]byte, error) {
	if r.ranges == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r.ranges)
}

func (r *Region) UnmarshalJSON(data []byte) error {
	var rs []KeyRange
	if err := json.Unmarshal(data, &rs); err != nil {
		return err
	}
	*r = New(rs...)
	return nil
}

func (m Map[V]) MarshalJSON() ([]byte, error) {
	if m.entries == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(m.entries)
}

func (m *Map[V]) UnmarshalJSON(data []byte) (err error) {
	var es []Entry[V]
	if err := json.Unmarshal(data, &es); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invalid map entries: %v", r)
		}
	}()
	*m = MapFromEntries(es...)
	return nil
}

// --------------------------------------------------------------------------
// Gob (Region and Map keep their fields unexported)
// --------------------------------------------------------------------------

func (r Region) GobEncode() ([]byte, error) {
	w := codec.NewWriter(4 + 16*len(r.ranges))
	r.EncodeTo(w)
	return w.Bytes(), nil
}

func (r *Region) GobDecode(data []byte) error {
	rd := codec.NewReader(data)
	dec := DecodeRegion(rd)
	if rd.Err() != nil {
		return rd.Err()
	}
	*r = dec
	return nil
}

// gobMap wraps the entries so that an empty map encodes as an empty struct
type gobMap[V comparable] struct {
	Entries []Entry[V]
}

func (m Map[V]) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(gobMap[V]{Entries: m.entries}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *Map[V]) GobDecode(data []byte) (err error) {
	var g gobMap[V]
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&g); err != nil {
		return err
	}
	es := g.Entries
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invalid map entries: %v", r)
		}
	}()
	*m = MapFromEntries(es...)
	return nil
}
