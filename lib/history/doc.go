// Package history implements the branch history store of a replica and the
// delta computation used by backfills.
//
// Every write to a region happens on a branch: a linear sequence of versions
// identified by a random id. A branch either starts from nothing (a root) or
// is forked from the versions a replica held when it started writing
// independently (its origin, possibly a different version per sub-region).
// The set of all branches forms a directed acyclic graph; the store keeps it
// as an arena of branches indexed by id, where children refer to their
// parents only by id.
//
// Operations:
//
//   - RecordBranch: idempotent insert of a branch definition (ErrHistoryConflict
//     if the id is known with a different definition)
//   - ExtendBranch: advance the latest timestamp of a branch
//     (ErrUnknownBranch, ErrNonMonotonicTimestamp)
//   - ComputeDelta / ComputeDeltaMap: find, per sub-region, the relation of
//     the local and the remote version (equal, ancestor, descendant,
//     diverged) and derive the transfer directives
//   - Export / Import: ship the ancestry of a set of versions to a peer
//
// Inconsistent ancestry (cycles, missing parents, versions outside their
// branch) is reported as ErrHistoryCorrupt. A store opened with OpenStore
// persists every mutation to pebble before returning.
package history
