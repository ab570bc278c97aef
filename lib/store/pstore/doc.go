// Package pstore implements the durable store view (store.IStoreView) on top
// of cockroachdb/pebble.
//
// Every ApplyChunk and Write is one pebble batch committed with Sync: the
// items, the range deletion of a snapshot chunk and the updated metainfo
// record become visible together or not at all. A crash therefore never
// leaves metainfo that claims data the store does not hold, which is what
// makes interrupted backfills resumable.
//
// Snapshots are pebble snapshots paired with the metainfo cached at the same
// instant.
package pstore
