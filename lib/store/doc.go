// Package store defines the versioned store view of a replica: the items of
// the key space plus the metainfo that maps every key to the history version
// the data corresponds to.
//
// Key Components:
//
//   - IStoreView: reading metainfo, applying backfill chunks atomically and
//     idempotently, ordinary writes, point reads and consistent snapshots.
//
//   - Item and Chunk: the unit of data and the unit of atomic application
//     during a backfill, with their lib/codec encoding.
//
//   - Writer: the serving-path writer that keeps the branch history in step
//     with the writes (root creation, forks after backfills, branch extension).
//
//   - Error System: errors of store views are *Error values carrying a
//     RetCode and a message.
//
// Implementations:
//
//   - lstore: in memory, google/btree with copy-on-write snapshots
//   - pstore: durable, cockroachdb/pebble, one synced batch per mutation
//   - dstore: replicated through a Dragonboat raft shard wrapping an lstore
//
// The storetest package holds the conformance suite all of them pass.
package store
