package store_test

import (
	"testing"

	"github.com/ValentinKolb/rangekv/lib/history"
	"github.com/ValentinKolb/rangekv/lib/region"
	"github.com/ValentinKolb/rangekv/lib/store"
	"github.com/ValentinKolb/rangekv/lib/store/lstore"
	"github.com/ValentinKolb/rangekv/lib/store/storetest"
	"github.com/stretchr/testify/require"
)

func TestWriterCreatesRootAndExtends(t *testing.T) {
	view := lstore.NewLocalStore()
	hist := history.NewMemoryStore()
	r := region.IntSpan(0, 100)
	w := store.NewWriter(view, hist, r)

	v1, err := w.Put(region.IntKey(1), []byte("a"))
	require.NoError(t, err)
	v2, err := w.Put(region.IntKey(2), []byte("b"))
	require.NoError(t, err)
	v3, err := w.Delete(region.IntKey(1))
	require.NoError(t, err)

	require.Equal(t, v1.Branch, v2.Branch)
	require.Equal(t, v2.Branch, v3.Branch)
	require.Equal(t, []history.Timestamp{1, 2, 3}, []history.Timestamp{v1.Timestamp, v2.Timestamp, v3.Timestamp})

	b, err := hist.Branch(v1.Branch)
	require.NoError(t, err)
	require.True(t, b.IsRoot())
	require.Equal(t, history.Timestamp(3), b.Latest)

	meta, err := view.ReadMetainfo(r)
	require.NoError(t, err)
	require.True(t, meta.Equal(history.NewMetainfo(r, v3)))

	storetest.RequireValue(t, view, region.IntKey(1), nil)
	storetest.RequireValue(t, view, region.IntKey(2), []byte("b"))
	require.Equal(t, r, w.Region())
}

func TestWriterForksAfterForeignChunk(t *testing.T) {
	view := lstore.NewLocalStore()
	hist := history.NewMemoryStore()
	r := region.Span("a", "z")
	w := store.NewWriter(view, hist, r)

	own, err := w.Put("b", []byte("1"))
	require.NoError(t, err)

	// a backfill moves the region to a branch of another replica
	foreign, err := hist.CreateRoot(r)
	require.NoError(t, err)
	require.NoError(t, hist.ExtendBranch(foreign.ID, 10))
	require.NoError(t, view.ApplyChunk(store.Chunk{
		Range:   r.Bounds(),
		Mode:    history.ModeSnapshot,
		Version: history.Version{Branch: foreign.ID, Timestamp: 10},
	}))

	next, err := w.Put("c", []byte("2"))
	require.NoError(t, err)
	require.NotEqual(t, own.Branch, next.Branch)
	require.NotEqual(t, foreign.ID, next.Branch)
	require.Equal(t, history.Timestamp(11), next.Timestamp)

	fork, err := hist.Branch(next.Branch)
	require.NoError(t, err)
	require.False(t, fork.IsRoot())
	require.Equal(t, history.Timestamp(10), fork.Initial)

	// the new branch descends from the foreign one
	ds, err := hist.ComputeDelta(history.NewMetainfo(r, history.Version{Branch: foreign.ID, Timestamp: 10}), next.Branch, next.Timestamp, r)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.Equal(t, history.ModeIncremental, ds[0].Mode)
}

func TestWriterRejectsKeysOutsideRegion(t *testing.T) {
	w := store.NewWriter(lstore.NewLocalStore(), history.NewMemoryStore(), region.Span("a", "m"))
	_, err := w.Put("x", []byte("1"))
	require.Error(t, err)
}
