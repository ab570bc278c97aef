// Package lstore implements the in-memory store view (store.IStoreView).
//
// Items are kept in a google/btree ordered by key, the metainfo is an
// immutable region map replaced on every write. Snapshots clone the tree
// lazily (copy-on-write), so a backfiller can stream a consistent view while
// the store keeps accepting writes and chunks.
//
// Implementation Details:
//
//   - Atomicity: ApplyChunk and Write update items and metainfo under one
//     write lock, readers never observe one without the other.
//
//   - Persistence: the store itself is not durable. Save and Load stream the
//     content of a snapshot as gob records; the dstore state machine uses them
//     for raft snapshots.
//
// Usage Example:
//
//	view := lstore.NewLocalStore()
//	err := view.Write(region.Span("a", "z"), store.Item{Key: "k", Value: v, Recency: 1}, version)
//	value, ok, err := view.Get("k")
package lstore
