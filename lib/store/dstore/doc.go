// Package dstore implements a raft-replicated store view (store.IStoreView)
// using the Dragonboat consensus library.
//
// Architecture:
//
//   - Store Client: implements store.IStoreView. Writes and backfill chunks are
//     serialized into commands and proposed with SyncPropose; reads go through
//     SyncRead so they observe every committed command.
//
//   - State Machine: a Dragonboat IConcurrentStateMachine holding an
//     in-memory lstore per replica. Commands are applied in log order, so all
//     replicas end up with the same items and metainfo.
//
//   - Communication Protocol: defined in the internal package (Command, Query).
//
// Backfills and raft:
//
//	A chunk applied through dstore is one raft entry. Its items and the
//	metainfo update are therefore applied atomically on every replica of the
//	shard, and a chunk that is re-proposed after a timeout is harmless because
//	ApplyChunk is idempotent.
//
// Snapshotting and Recovery:
//
//   - PrepareSnapshot takes a copy-on-write snapshot of the lstore,
//     SaveSnapshot streams it with lstore.Save while updates continue.
//
//   - RecoverFromSnapshot restores the lstore with lstore.Load, then raft
//     replays the entries committed after the snapshot.
//
// Usage:
//
//	nh, err := dragonboat.NewNodeHost(nodeHostConfig)
//	err = nh.StartConcurrentReplica(members, false, dstore.CreateStateMachineFactory(), shardConfig)
//	view := dstore.NewDistributedStore(nh, shardID, 5*time.Second)
//
// Error Handling and Retries:
//
//	When Dragonboat returns ErrSystemBusy the operation is retried after a
//	short delay, up to 5 attempts. All other failures are returned as
//	*store.Error values.
package dstore
