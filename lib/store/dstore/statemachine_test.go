package dstore

import (
	"bytes"
	"testing"

	"github.com/ValentinKolb/rangekv/lib/history"
	"github.com/ValentinKolb/rangekv/lib/region"
	"github.com/ValentinKolb/rangekv/lib/store"
	"github.com/ValentinKolb/rangekv/lib/store/dstore/internal"
	"github.com/ValentinKolb/rangekv/lib/store/storetest"
	sm "github.com/lni/dragonboat/v4/statemachine"
	"github.com/stretchr/testify/require"
)

func newMachine() *ViewStateMachine {
	return CreateStateMachineFactory()(1, 1).(*ViewStateMachine)
}

func entry(index uint64, cmd internal.Command) sm.Entry {
	return sm.Entry{Index: index, Cmd: cmd.Serialize()}
}

func TestUpdateAndLookup(t *testing.T) {
	fsm := newMachine()
	defer fsm.Close()

	r := region.Span("a", "z")
	v := storetest.Version(1)
	entries := []sm.Entry{
		entry(1, internal.Command{Type: internal.CommandTWrite, Region: r, Item: store.Item{Key: "b", Value: []byte("1"), Recency: 1}, Version: v}),
		entry(2, internal.Command{Type: internal.CommandTApplyChunk, Chunk: store.Chunk{
			Range:   region.KeyRange{Start: "m", End: "z"},
			Mode:    history.ModeSnapshot,
			Items:   []store.Item{{Key: "n", Value: []byte("2"), Recency: 2}},
			Version: v,
		}}),
		// key outside the region
		entry(3, internal.Command{Type: internal.CommandTWrite, Region: r, Item: store.Item{Key: "zz"}, Version: v}),
		{Index: 4},
		{Index: 5, Cmd: []byte{42}},
	}

	res, err := fsm.Update(entries)
	require.NoError(t, err)
	require.Equal(t, uint64(store.RetCSuccess), res[0].Result.Value)
	require.Equal(t, uint64(store.RetCSuccess), res[1].Result.Value)
	require.Equal(t, uint64(store.RetCInvalidOperation), res[2].Result.Value)
	require.Equal(t, uint64(store.RetCInvalidOperation), res[3].Result.Value)
	require.Equal(t, uint64(store.RetCInternalError), res[4].Result.Value)

	got, err := fsm.Lookup(internal.Query{Type: internal.QueryTGet, Key: "n"})
	require.NoError(t, err)
	require.Equal(t, internal.QueryResult{Ok: true, Value: []byte("2")}, got)

	got, err = fsm.Lookup(internal.Query{Type: internal.QueryTMetainfo, Region: r})
	require.NoError(t, err)
	require.True(t, got.(history.Metainfo).Equal(history.NewMetainfo(r, v)))

	got, err = fsm.Lookup(internal.Query{Type: internal.QueryTInfo})
	require.NoError(t, err)
	require.Equal(t, 2, got.(store.Info).Items)

	got, err = fsm.Lookup(internal.Query{Type: internal.QueryTSnapshot, Region: r})
	require.NoError(t, err)
	snap := got.(store.ISnapshot)
	require.NoError(t, snap.Close())

	_, err = fsm.Lookup("not a query")
	require.Error(t, err)
}

func TestSnapshotRecovery(t *testing.T) {
	src := newMachine()
	r := region.Span("a", "z")
	v := storetest.Version(7)
	_, err := src.Update([]sm.Entry{
		entry(1, internal.Command{Type: internal.CommandTWrite, Region: r, Item: store.Item{Key: "k", Value: []byte("v"), Recency: 7}, Version: v}),
	})
	require.NoError(t, err)

	ctx, err := src.PrepareSnapshot()
	require.NoError(t, err)

	// updates after PrepareSnapshot are not part of the snapshot
	_, err = src.Update([]sm.Entry{
		entry(2, internal.Command{Type: internal.CommandTWrite, Region: r, Item: store.Item{Key: "later", Value: []byte("x"), Recency: 8}, Version: v}),
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, src.SaveSnapshot(ctx, &buf, nil, nil))

	dst := newMachine()
	require.NoError(t, dst.RecoverFromSnapshot(&buf, nil, nil))

	storetest.RequireValue(t, dst.view, "k", []byte("v"))
	storetest.RequireValue(t, dst.view, "later", nil)
	meta, err := dst.view.ReadMetainfo(r)
	require.NoError(t, err)
	require.True(t, meta.Equal(history.NewMetainfo(r, v)))
}
