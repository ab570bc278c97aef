package storetest

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ValentinKolb/rangekv/lib/history"
	"github.com/ValentinKolb/rangekv/lib/region"
	"github.com/ValentinKolb/rangekv/lib/store"
	"github.com/stretchr/testify/require"
)

// Factory creates a new, empty store view for a single test
type Factory func(t testing.TB) store.IStoreView

// RunStoreViewTests runs the conformance suite for an IStoreView implementation.
func RunStoreViewTests(t *testing.T, name string, factory Factory) {
	t.Run(name, func(t *testing.T) {
		t.Run("FreshMetainfo", func(t *testing.T) {
			testFreshMetainfo(t, factory(t))
		})

		t.Run("Write&Get", func(t *testing.T) {
			testWriteGet(t, factory(t))
		})

		t.Run("WriteOutsideRegion", func(t *testing.T) {
			testWriteOutsideRegion(t, factory(t))
		})

		t.Run("IncrementalChunk", func(t *testing.T) {
			testIncrementalChunk(t, factory(t))
		})

		t.Run("SnapshotChunk", func(t *testing.T) {
			testSnapshotChunk(t, factory(t))
		})

		t.Run("ChunkIdempotence", func(t *testing.T) {
			testChunkIdempotence(t, factory(t))
		})

		t.Run("InvalidChunk", func(t *testing.T) {
			testInvalidChunk(t, factory(t))
		})

		t.Run("SnapshotIsolation", func(t *testing.T) {
			testSnapshotIsolation(t, factory(t))
		})

		t.Run("ScanSince", func(t *testing.T) {
			testScanSince(t, factory(t))
		})

		t.Run("Info", func(t *testing.T) {
			testInfo(t, factory(t))
		})

		t.Run("ConcurrentWrites", func(t *testing.T) {
			testConcurrentWrites(t, factory(t))
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// Version returns a version on a fresh branch id, handy for tests that do not
// need a history store
func Version(ts history.Timestamp) history.Version {
	return history.Version{Branch: history.NewBranchID(), Timestamp: ts}
}

// Items collects all items of the view (including tombstones) in key order
func Items(t testing.TB, view store.IStoreView) []store.Item {
	t.Helper()
	snap, err := view.Snapshot(region.Universe())
	require.NoError(t, err)
	defer snap.Close()

	var out []store.Item
	require.NoError(t, snap.Scan(region.Universe().Bounds(), 0, func(it store.Item) error {
		out = append(out, it)
		return nil
	}))
	return out
}

// RequireValue checks that key holds value (nil means absent)
func RequireValue(t testing.TB, view store.IStoreView, key string, value []byte) {
	t.Helper()
	got, ok, err := view.Get(key)
	require.NoError(t, err)
	if value == nil {
		require.False(t, ok, "key %q should be absent, has %q", key, got)
		return
	}
	require.True(t, ok, "key %q missing", key)
	require.Equal(t, value, got, "value of %q", key)
}

func requireCode(t testing.TB, err error, code store.RetCode) {
	t.Helper()
	require.Error(t, err)
	var se *store.Error
	require.True(t, errors.As(err, &se), "expected *store.Error, got %T: %v", err, err)
	require.Equal(t, code, se.Code)
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testFreshMetainfo(t *testing.T, view store.IStoreView) {
	defer view.Close()

	r := region.Span("a", "m")
	meta, err := view.ReadMetainfo(r)
	require.NoError(t, err)
	require.True(t, meta.Equal(history.NewMetainfo(r, history.ZeroVersion())), "got %s", meta)

	RequireValue(t, view, "b", nil)
}

func testWriteGet(t *testing.T, view store.IStoreView) {
	defer view.Close()

	r := region.Span("a", "m")
	v1, v2 := Version(1), Version(2)

	require.NoError(t, view.Write(r, store.Item{Key: "b", Value: []byte("one"), Recency: 1}, v1))
	RequireValue(t, view, "b", []byte("one"))

	meta, err := view.ReadMetainfo(region.Span("a", "z"))
	require.NoError(t, err)
	want := history.NewMetainfo(r, v1).Set(region.Span("m", "z"), history.ZeroVersion())
	require.True(t, meta.Equal(want), "got %s, want %s", meta, want)

	// overwrite, then delete
	require.NoError(t, view.Write(r, store.Item{Key: "b", Value: []byte("two"), Recency: 2}, v2))
	RequireValue(t, view, "b", []byte("two"))
	require.NoError(t, view.Write(r, store.Item{Key: "b", Recency: 3, Deleted: true}, history.Version{Branch: v2.Branch, Timestamp: 3}))
	RequireValue(t, view, "b", nil)

	// the tombstone is still visible to scans
	items := Items(t, view)
	require.Len(t, items, 1)
	require.True(t, items[0].Deleted)
	require.Equal(t, history.Timestamp(3), items[0].Recency)

	// empty values are values
	require.NoError(t, view.Write(r, store.Item{Key: "c", Value: []byte{}, Recency: 4}, v2))
	_, ok, err := view.Get("c")
	require.NoError(t, err)
	require.True(t, ok)
}

func testWriteOutsideRegion(t *testing.T, view store.IStoreView) {
	defer view.Close()

	err := view.Write(region.Span("a", "m"), store.Item{Key: "x", Value: []byte("v")}, Version(1))
	requireCode(t, err, store.RetCInvalidOperation)
	RequireValue(t, view, "x", nil)

	meta, err := view.ReadMetainfo(region.Span("a", "m"))
	require.NoError(t, err)
	require.True(t, meta.Equal(history.NewMetainfo(region.Span("a", "m"), history.ZeroVersion())))
}

func testIncrementalChunk(t *testing.T, view store.IStoreView) {
	defer view.Close()

	r := region.Span("a", "z")
	require.NoError(t, view.Write(r, store.Item{Key: "b", Value: []byte("old-b"), Recency: 1}, Version(1)))
	require.NoError(t, view.Write(r, store.Item{Key: "c", Value: []byte("old-c"), Recency: 1}, Version(1)))

	target := Version(9)
	chunk := store.Chunk{
		Range: region.KeyRange{Start: "a", End: "m"},
		Mode:  history.ModeIncremental,
		Items: []store.Item{
			{Key: "b", Value: []byte("new-b"), Recency: 5},
			{Key: "d", Value: []byte("new-d"), Recency: 6},
			{Key: "e", Recency: 7, Deleted: true},
		},
		Version: target,
	}
	require.NoError(t, view.ApplyChunk(chunk))

	RequireValue(t, view, "b", []byte("new-b"))
	RequireValue(t, view, "c", []byte("old-c"))
	RequireValue(t, view, "d", []byte("new-d"))
	RequireValue(t, view, "e", nil)

	v, ok := mustMeta(t, view, r).Lookup("f")
	require.True(t, ok)
	require.Equal(t, target, v)
	v, _ = mustMeta(t, view, r).Lookup("m")
	require.NotEqual(t, target, v)
}

func testSnapshotChunk(t *testing.T, view store.IStoreView) {
	defer view.Close()

	r := region.Span("a", "z")
	for _, k := range []string{"b", "c", "n"} {
		require.NoError(t, view.Write(r, store.Item{Key: k, Value: []byte("old"), Recency: 1}, Version(1)))
	}

	target := Version(4)
	require.NoError(t, view.ApplyChunk(store.Chunk{
		Range:   region.KeyRange{Start: "a", End: "m"},
		Mode:    history.ModeSnapshot,
		Items:   []store.Item{{Key: "c", Value: []byte("new"), Recency: 4}},
		Version: target,
	}))

	RequireValue(t, view, "b", nil)
	RequireValue(t, view, "c", []byte("new"))
	RequireValue(t, view, "n", []byte("old"))

	// an empty snapshot chunk wipes its range
	require.NoError(t, view.ApplyChunk(store.Chunk{
		Range:   region.KeyRange{Start: "m", End: "z"},
		Mode:    history.ModeSnapshot,
		Version: target,
	}))
	RequireValue(t, view, "n", nil)
	require.True(t, mustMeta(t, view, r).Equal(history.NewMetainfo(r, target)))
}

func testChunkIdempotence(t *testing.T, view store.IStoreView) {
	defer view.Close()

	r := region.Span("a", "z")
	require.NoError(t, view.Write(r, store.Item{Key: "k", Value: []byte("x"), Recency: 1}, Version(1)))

	chunks := []store.Chunk{
		{
			Range:   region.KeyRange{Start: "a", End: "h"},
			Mode:    history.ModeSnapshot,
			Items:   []store.Item{{Key: "b", Value: []byte("1"), Recency: 2}},
			Version: Version(2),
		},
		{
			Range:   region.KeyRange{Start: "h", End: "z"},
			Mode:    history.ModeIncremental,
			Items:   []store.Item{{Key: "k", Recency: 3, Deleted: true}, {Key: "q", Value: []byte("2"), Recency: 3}},
			Version: Version(3),
		},
	}

	for _, c := range chunks {
		require.NoError(t, view.ApplyChunk(c))
	}
	items, meta := Items(t, view), mustMeta(t, view, region.Universe())

	for _, c := range chunks {
		require.NoError(t, view.ApplyChunk(c))
	}
	require.Equal(t, items, Items(t, view))
	require.True(t, meta.Equal(mustMeta(t, view, region.Universe())))
}

func testInvalidChunk(t *testing.T, view store.IStoreView) {
	defer view.Close()

	bad := []store.Chunk{
		{Range: region.KeyRange{Start: "m", End: "a"}, Version: Version(1)},
		{Range: region.KeyRange{Start: "a", End: "a"}, Version: Version(1)},
		{Range: region.KeyRange{Start: "a", End: "m"}, Items: []store.Item{{Key: "x"}}, Version: Version(1)},
		{Range: region.KeyRange{Start: "a", End: "m"}, Items: []store.Item{{Key: "c"}, {Key: "b"}}, Version: Version(1)},
		{Range: region.KeyRange{Start: "a", End: "m"}, Mode: history.Mode(7), Version: Version(1)},
	}
	for i, c := range bad {
		err := view.ApplyChunk(c)
		requireCode(t, err, store.RetCInvalidOperation)
		require.Empty(t, Items(t, view), "chunk %d must not leave data", i)
	}
}

func testSnapshotIsolation(t *testing.T, view store.IStoreView) {
	defer view.Close()

	r := region.Span("a", "z")
	v1 := Version(1)
	require.NoError(t, view.Write(r, store.Item{Key: "b", Value: []byte("1"), Recency: 1}, v1))

	snap, err := view.Snapshot(region.Span("a", "m"))
	require.NoError(t, err)
	defer snap.Close()

	require.NoError(t, view.Write(r, store.Item{Key: "c", Value: []byte("2"), Recency: 2}, Version(2)))
	require.NoError(t, view.ApplyChunk(store.Chunk{Range: region.KeyRange{Start: "a", End: "z"}, Mode: history.ModeSnapshot, Version: Version(3)}))

	require.True(t, snap.Metainfo().Equal(history.NewMetainfo(region.Span("a", "m"), v1)))

	var keys []string
	require.NoError(t, snap.Scan(region.KeyRange{Start: "", End: region.KeyMax}, 0, func(it store.Item) error {
		keys = append(keys, it.Key)
		return nil
	}))
	require.Equal(t, []string{"b"}, keys)
}

func testScanSince(t *testing.T, view store.IStoreView) {
	defer view.Close()

	r := region.Span("a", "z")
	v := Version(0)
	for i := 1; i <= 10; i++ {
		key := fmt.Sprintf("k%02d", i)
		v.Timestamp = history.Timestamp(i)
		require.NoError(t, view.Write(r, store.Item{Key: key, Value: []byte(key), Recency: history.Timestamp(i)}, v))
	}
	require.NoError(t, view.Write(r, store.Item{Key: "k03", Recency: 11, Deleted: true}, v))

	snap, err := view.Snapshot(r)
	require.NoError(t, err)
	defer snap.Close()

	var keys []string
	require.NoError(t, snap.Scan(region.KeyRange{Start: "k02", End: "k09"}, 5, func(it store.Item) error {
		keys = append(keys, it.Key)
		return nil
	}))
	require.Equal(t, []string{"k03", "k06", "k07", "k08"}, keys)

	// errors from the callback stop the scan
	stop := errors.New("stop")
	n := 0
	err = snap.Scan(r.Bounds(), 0, func(store.Item) error {
		n++
		if n == 3 {
			return stop
		}
		return nil
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 3, n)
}

func testInfo(t *testing.T, view store.IStoreView) {
	defer view.Close()

	r := region.Span("a", "z")
	require.NoError(t, view.Write(r, store.Item{Key: "a", Value: []byte("1"), Recency: 1}, Version(1)))
	require.NoError(t, view.Write(r, store.Item{Key: "b", Value: []byte("2"), Recency: 2}, Version(2)))
	require.NoError(t, view.Write(r, store.Item{Key: "c", Recency: 3, Deleted: true}, Version(3)))

	info, err := view.Info()
	require.NoError(t, err)
	require.Equal(t, 2, info.Items)
	require.Equal(t, 1, info.Tombstones)
	require.NotEmpty(t, info.Backend)
	require.Positive(t, info.Bytes)
}

func testConcurrentWrites(t *testing.T, view store.IStoreView) {
	defer view.Close()

	r := region.Universe()
	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				key := fmt.Sprintf("w%d-%03d", w, i)
				if err := view.Write(r, store.Item{Key: key, Value: []byte(key), Recency: history.Timestamp(i + 1)}, Version(history.Timestamp(i+1))); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}

	// readers run alongside the writers
	for i := 0; i < 20; i++ {
		_, err := view.ReadMetainfo(r)
		require.NoError(t, err)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Len(t, Items(t, view), writers*perWriter)
}

func mustMeta(t testing.TB, view store.IStoreView, r region.Region) history.Metainfo {
	t.Helper()
	meta, err := view.ReadMetainfo(r)
	require.NoError(t, err)
	return meta
}
