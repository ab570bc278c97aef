// Package internal provides the command and query structures exchanged
// between the dstore client and the replicated state machine.
//
// This package is intended for internal use by the dstore implementation and should
// not be imported directly by external code.
//
//   - Commands (Write, ApplyChunk) modify the store view. They are serialized
//     with lib/codec, proposed to the raft shard and applied on every replica.
//
//   - Queries (Get, Metainfo, Snapshot, Info) are executed locally on the state
//     machine and therefore do not require serialization.
//
// Command Format:
//
//   - 1 byte: Command type
//   - Write: region, item (key, recency, deleted flag, value), version
//   - ApplyChunk: range, mode, version, item count, items
package internal
