// Package codec provides the small binary encoding helpers shared by the
// wire serializer, the raft command codec and the durable stores.
//
// All fixed width integers are written big endian, variable length fields
// (strings, byte slices) carry a 4 byte length prefix. The Reader keeps the
// first error it encounters, so a decoder can read a whole structure and
// check Err() once at the end.
package codec

import (
	"encoding/binary"
	"fmt"
)

// Writer appends encoded values to an internal buffer
type Writer struct {
	buf []byte
}

// NewWriter creates a writer with the given initial capacity
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

// Bytes returns the encoded buffer
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes written so far
func (w *Writer) Len() int {
	return len(w.buf)
}

func (w *Writer) Uint8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *Writer) Bool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *Writer) Uint32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *Writer) Uint64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

// Raw appends b without a length prefix
func (w *Writer) Raw(b []byte) {
	w.buf = append(w.buf, b...)
}

// Blob appends b with a 4 byte length prefix. A nil slice and an empty slice
// are encoded the same way.
func (w *Writer) Blob(b []byte) {
	w.Uint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *Writer) Str(s string) {
	w.Uint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// Reader decodes values written by a Writer
type Reader struct {
	data []byte
	pos  int
	err  error
}

// NewReader creates a reader over data. The reader never modifies data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Err returns the first decoding error
func (r *Reader) Err() error {
	return r.err
}

// Remaining returns the number of unread bytes
func (r *Reader) Remaining() int {
	return len(r.data) - r.pos
}

// Fail records err unless an earlier error is already recorded
func (r *Reader) Fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Reader) take(n int, what string) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.data) {
		r.err = fmt.Errorf("data too short for %s (need %d bytes, have %d)", what, n, len(r.data)-r.pos)
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *Reader) Uint8() uint8 {
	b := r.take(1, "uint8")
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Bool() bool {
	return r.Uint8() != 0
}

func (r *Reader) Uint32() uint32 {
	b := r.take(4, "uint32")
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *Reader) Uint64() uint64 {
	b := r.take(8, "uint64")
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// Raw reads n bytes without a length prefix. The result is a copy.
func (r *Reader) Raw(n int) []byte {
	b := r.take(n, "raw bytes")
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// Blob reads a length prefixed byte slice. The result is a copy.
func (r *Reader) Blob() []byte {
	n := r.Uint32()
	b := r.take(int(n), "blob")
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (r *Reader) Str() string {
	n := r.Uint32()
	b := r.take(int(n), "string")
	if b == nil {
		return ""
	}
	return string(b)
}

// Count reads a length prefix for a repeated field and checks it against the
// remaining input, assuming every element needs at least minElemSize bytes.
func (r *Reader) Count(minElemSize int) int {
	n := int(r.Uint32())
	if r.err != nil {
		return 0
	}
	if minElemSize > 0 && n > r.Remaining()/minElemSize {
		r.err = fmt.Errorf("element count %d exceeds remaining input", n)
		return 0
	}
	return n
}
