package region

import "encoding/binary"

// IntKey encodes i as an 8 byte big endian key, so that the key order equals
// the numeric order. It is used for numeric key spaces such as sequence
// numbers.
func IntKey(i uint64) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], i)
	return string(b[:])
}

// IntSpan returns the region of all IntKey keys in [start, end)
func IntSpan(start, end uint64) Region {
	return Span(IntKey(start), IntKey(end))
}

// KeyAfter returns the smallest key that sorts after key
func KeyAfter(key string) string {
	return key + "\x00"
}
