// Package serializer encodes the mailbox messages exchanged between nodes.
// It defines a common interface and three implementations with different
// performance characteristics.
//
// Key Components:
//
//   - IRPCSerializer: Core interface that all serializer implementations must satisfy.
//
//   - binarySerializerImpl: Compact binary format built on lib/codec. A flag
//     word records which optional fields are present, so small messages such
//     as acks only cost a few bytes. Chunks, directives and branches reuse the
//     encoders of their own packages. This is the default.
//
//   - jsonSerializerImpl: JSON encoding, useful for debugging. Keys are arbitrary
//     bytes and are therefore encoded as base64.
//
//   - gobSerializerImpl: Go's gob encoding. Larger and slower than the binary
//     format, kept for compatibility checks.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent use
//	across multiple goroutines without additional synchronization.
//
// Usage:
//
//	s, err := serializer.ByName(config.Serializer)
//	data, err := s.Serialize(*msg)
//	// ... send data ...
//	var received common.Message
//	err = s.Deserialize(data, &received)
package serializer
