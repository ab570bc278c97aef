package dstore

import (
	"fmt"
	"io"
	"time"

	"github.com/ValentinKolb/rangekv/lib/region"
	"github.com/ValentinKolb/rangekv/lib/store"
	"github.com/ValentinKolb/rangekv/lib/store/dstore/internal"
	"github.com/ValentinKolb/rangekv/lib/store/lstore"
	sm "github.com/lni/dragonboat/v4/statemachine"
)

// --------------------------------------------------------------------------
// State Machine Implementation
// --------------------------------------------------------------------------

// ViewStateMachine is a Dragonboat state machine replicating a store view.
// Every replica holds its own in-memory lstore; raft orders the commands so
// all replicas apply the same writes and chunks.
type ViewStateMachine struct {
	replicaID uint64
	shardID   uint64
	view      *lstore.Store
}

// CreateStateMachineFactory returns a function that can be used by dragonboat to create a new state machine for a node host
func CreateStateMachineFactory() func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
	return func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
		return &ViewStateMachine{
			replicaID: replicaID,
			shardID:   shardID,
			view:      lstore.NewLocalStore(),
		}
	}
}

// Lookup handles read-only queries by mapping each Query to the corresponding view method.
func (fsm *ViewStateMachine) Lookup(itf interface{}) (interface{}, error) {

	// try to parse Query into Query struct
	q, ok := itf.(internal.Query)
	if !ok {
		return nil, store.NewError(store.RetCInternalError, fmt.Sprintf("invalid Query type: %T", itf))
	}

	switch q.Type {
	case internal.QueryTGet:
		val, ok, err := fsm.view.Get(q.Key)
		if err != nil {
			return nil, err
		}
		return internal.QueryResult{Value: val, Ok: ok}, nil
	case internal.QueryTMetainfo:
		return fsm.view.ReadMetainfo(q.Region)
	case internal.QueryTSnapshot:
		return fsm.view.Snapshot(q.Region)
	case internal.QueryTInfo:
		info, err := fsm.view.Info()
		info.Backend = "raft"
		return info, err
	default:
		return nil, store.NewError(store.RetCInvalidOperation, fmt.Sprintf("unknown Query operation: %d", q.Type))
	}
}

// Update applies write commands to the view.
// All write operations are serialized into []byte and are accessible via the entries struct
func (fsm *ViewStateMachine) Update(entries []sm.Entry) ([]sm.Entry, error) {

	// Nothing to do
	if len(entries) == 0 {
		return entries, nil
	}

	start := time.Now()

	for idx, e := range entries {
		if len(e.Cmd) == 0 {
			entries[idx].Result = sm.Result{Value: uint64(store.RetCInvalidOperation), Data: []byte("empty command ignored")}
			continue
		}

		cmd := internal.Command{}
		if err := cmd.Deserialize(e.Cmd); err != nil {
			entries[idx].Result = sm.Result{Value: uint64(store.RetCInternalError), Data: []byte(fmt.Sprintf("failed to deserialize command: %v", err))}
			continue
		}

		var err error
		switch cmd.Type {
		case internal.CommandTWrite:
			err = fsm.view.Write(cmd.Region, cmd.Item, cmd.Version)
		case internal.CommandTApplyChunk:
			err = fsm.view.ApplyChunk(cmd.Chunk)
		}
		entries[idx].Result = toResult(cmd, err)
	}

	// Log if the update took long
	if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
		Logger.Infof("state machine took long to update. Batch updated %d entries, took %.2fms", len(entries), float64(elapsed)/float64(time.Millisecond))
	}
	return entries, nil
}

// toResult converts the outcome of a command into a raft result
func toResult(cmd internal.Command, err error) sm.Result {
	if err == nil {
		return sm.Result{Value: uint64(store.RetCSuccess)}
	}
	if se, ok := err.(*store.Error); ok {
		return sm.Result{Value: uint64(se.Code), Data: []byte(se.Msg)}
	}
	return sm.Result{Value: uint64(store.RetCInternalError), Data: []byte(fmt.Sprintf("%s failed: %v", cmd.Type, err))}
}

// PrepareSnapshot captures a copy-on-write snapshot of the view. It runs
// while no update is in progress, SaveSnapshot then streams it concurrently
// with new updates.
func (fsm *ViewStateMachine) PrepareSnapshot() (interface{}, error) {
	return fsm.view.Snapshot(region.Universe())
}

// SaveSnapshot writes the snapshot captured by PrepareSnapshot to the writer
func (fsm *ViewStateMachine) SaveSnapshot(ctx interface{}, writer io.Writer, _ sm.ISnapshotFileCollection, _ <-chan struct{}) error {
	snap, ok := ctx.(store.ISnapshot)
	if !ok {
		return fmt.Errorf("invalid snapshot context type: %T", ctx)
	}
	defer snap.Close()
	return lstore.Save(snap, writer)
}

// RecoverFromSnapshot replaces the view with the content of a saved snapshot
func (fsm *ViewStateMachine) RecoverFromSnapshot(r io.Reader, _ []sm.SnapshotFile, _ <-chan struct{}) error {
	return fsm.view.Load(r)
}

// Close performs any necessary cleanup.
func (fsm *ViewStateMachine) Close() error {
	return fsm.view.Close()
}
