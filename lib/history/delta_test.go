package history

import (
	"math/rand"
	"testing"

	"github.com/ValentinKolb/rangekv/lib/region"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func v(b Branch, ts Timestamp) Version {
	return Version{Branch: b.ID, Timestamp: ts}
}

func mustRoot(t *testing.T, s *Store, r region.Region, latest Timestamp) Branch {
	t.Helper()
	b, err := s.CreateRoot(r)
	require.NoError(t, err)
	require.NoError(t, s.ExtendBranch(b.ID, latest))
	b.Latest = latest
	return b
}

func mustFork(t *testing.T, s *Store, r region.Region, from Version, latest Timestamp) Branch {
	t.Helper()
	b, err := s.Fork(r, NewMetainfo(r, from))
	require.NoError(t, err)
	require.NoError(t, s.ExtendBranch(b.ID, latest))
	b.Latest = latest
	return b
}

// requirePartition checks that ds are sorted, disjoint and cover exactly r
func requirePartition(t *testing.T, ds []Directive, r region.Region) {
	t.Helper()
	for i := 1; i < len(ds); i++ {
		require.LessOrEqual(t, ds[i-1].Range.End, ds[i].Range.Start, "directives overlap or are unsorted: %v", ds)
	}
	require.True(t, Covered(ds).Equal(r), "directives cover %s, want %s", Covered(ds), r)
}

func TestComputeDeltaSameBranch(t *testing.T) {
	s := NewMemoryStore()
	r := region.IntSpan(0, 100)
	b1 := mustRoot(t, s, r, 12)

	ds, err := s.ComputeDelta(NewMetainfo(r, v(b1, 5)), b1.ID, 12, r)
	require.NoError(t, err)
	require.Equal(t, []Directive{{
		Range:  r.Bounds(),
		Mode:   ModeIncremental,
		Since:  5,
		From:   v(b1, 5),
		Target: v(b1, 12),
	}}, ds)
	require.False(t, ds[0].IsNoop())
}

func TestComputeDeltaLocalAhead(t *testing.T) {
	s := NewMemoryStore()
	r := region.Span("a", "z")
	b1 := mustRoot(t, s, r, 12)

	ds, err := s.ComputeDelta(NewMetainfo(r, v(b1, 12)), b1.ID, 7, r)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.True(t, ds[0].IsNoop())

	ds, err = s.ComputeDelta(NewMetainfo(r, v(b1, 7)), b1.ID, 7, r)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.True(t, ds[0].IsNoop())
	require.Empty(t, WithoutNoops(ds))
}

func TestComputeDeltaAcrossFork(t *testing.T) {
	s := NewMemoryStore()
	r := region.Span("a", "z")
	b1 := mustRoot(t, s, r, 10)
	b2 := mustFork(t, s, r, v(b1, 6), 15)

	// local on the parent before the fork point: incremental
	ds, err := s.ComputeDelta(NewMetainfo(r, v(b1, 4)), b2.ID, 15, r)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.Equal(t, ModeIncremental, ds[0].Mode)
	require.Equal(t, Timestamp(4), ds[0].Since)
	require.Equal(t, v(b2, 15), ds[0].Target)

	// local on the parent after the fork point: diverged
	ds, err = s.ComputeDelta(NewMetainfo(r, v(b1, 9)), b2.ID, 15, r)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.Equal(t, ModeSnapshot, ds[0].Mode)

	// local on the child, remote on the parent before the fork: nothing to do
	ds, err = s.ComputeDelta(NewMetainfo(r, v(b2, 8)), b1.ID, 5, r)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.True(t, ds[0].IsNoop())
}

func TestComputeDeltaDivergedSiblings(t *testing.T) {
	s := NewMemoryStore()
	r := region.Span("a", "z")
	root := mustRoot(t, s, r, 3)
	left := mustFork(t, s, r, v(root, 3), 7)
	right := mustFork(t, s, r, v(root, 3), 9)

	ds, err := s.ComputeDelta(NewMetainfo(r, v(left, 7)), right.ID, 9, r)
	require.NoError(t, err)
	require.Equal(t, []Directive{{
		Range:  r.Bounds(),
		Mode:   ModeSnapshot,
		From:   v(left, 7),
		Target: v(right, 9),
	}}, ds)
}

func TestComputeDeltaZeroLocal(t *testing.T) {
	s := NewMemoryStore()
	r := region.Span("a", "z")
	b := mustRoot(t, s, r, 3)

	ds, err := s.ComputeDelta(NewMetainfo(r, ZeroVersion()), b.ID, 3, r)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.Equal(t, ModeSnapshot, ds[0].Mode)
	requirePartition(t, ds, r)
}

func TestComputeDeltaMixedLocalMetainfo(t *testing.T) {
	s := NewMemoryStore()
	r := region.Span("a", "z")
	b1 := mustRoot(t, s, r, 20)
	other := mustRoot(t, s, r, 4)

	local := NewMetainfo(region.Span("a", "f"), v(b1, 20)).
		Set(region.Span("f", "k"), v(b1, 5)).
		Set(region.Span("k", "p"), v(other, 4)).
		Set(region.Span("p", "z"), ZeroVersion())

	ds, err := s.ComputeDelta(local, b1.ID, 20, r)
	require.NoError(t, err)
	requirePartition(t, ds, r)
	require.Len(t, ds, 4)

	require.True(t, ds[0].IsNoop())
	require.Equal(t, ModeIncremental, ds[1].Mode)
	require.Equal(t, Timestamp(5), ds[1].Since)
	require.Equal(t, ModeSnapshot, ds[2].Mode)
	require.Equal(t, ModeSnapshot, ds[3].Mode)
}

func TestComputeDeltaMultiParentFork(t *testing.T) {
	s := NewMemoryStore()
	r := region.Span("a", "z")
	left := mustRoot(t, s, r, 8)
	right := mustRoot(t, s, r, 6)

	// a replica that backfilled [a, m) from left and [m, z) from right and
	// then started writing
	origin := NewMetainfo(region.Span("a", "m"), v(left, 8)).Set(region.Span("m", "z"), v(right, 6))
	merged, err := s.Fork(r, origin)
	require.NoError(t, err)
	require.NoError(t, s.ExtendBranch(merged.ID, 12))

	// a replica still on left@3 can catch up incrementally only on [a, m)
	ds, err := s.ComputeDelta(NewMetainfo(r, v(left, 3)), merged.ID, 12, r)
	require.NoError(t, err)
	requirePartition(t, ds, r)
	require.Len(t, ds, 2)
	require.Equal(t, region.KeyRange{Start: "a", End: "m"}, ds[0].Range)
	require.Equal(t, ModeIncremental, ds[0].Mode)
	require.Equal(t, region.KeyRange{Start: "m", End: "z"}, ds[1].Range)
	require.Equal(t, ModeSnapshot, ds[1].Mode)
}

func TestComputeDeltaMap(t *testing.T) {
	s := NewMemoryStore()
	r := region.Span("a", "z")
	b1 := mustRoot(t, s, r, 10)
	b2 := mustRoot(t, s, r, 10)

	local := NewMetainfo(r, v(b1, 2))
	remote := NewMetainfo(region.Span("a", "m"), v(b1, 10)).Set(region.Span("m", "z"), v(b2, 10))

	ds, err := s.ComputeDeltaMap(local, remote, r)
	require.NoError(t, err)
	requirePartition(t, ds, r)
	require.Len(t, ds, 2)
	require.Equal(t, ModeIncremental, ds[0].Mode)
	require.Equal(t, ModeSnapshot, ds[1].Mode)

	_, err = s.ComputeDeltaMap(local, remote.Mask(region.Span("a", "m")), r)
	require.True(t, errors.Is(err, ErrIncompleteMetainfo), "got %v", err)
}

func TestComputeDeltaCorruptHistory(t *testing.T) {
	r := region.Span("a", "z")

	t.Run("missing parent", func(t *testing.T) {
		s := NewMemoryStore()
		local := mustRoot(t, s, r, 1)
		orphan := Branch{
			ID:      NewBranchID(),
			Region:  r,
			Origin:  NewMetainfo(r, Version{Branch: NewBranchID(), Timestamp: 2}),
			Initial: 2,
			Latest:  5,
		}
		require.NoError(t, s.RecordBranch(orphan))

		_, err := s.ComputeDelta(NewMetainfo(r, v(local, 1)), orphan.ID, 5, r)
		require.True(t, errors.Is(err, ErrHistoryCorrupt), "got %v", err)
	})

	t.Run("cycle", func(t *testing.T) {
		s := NewMemoryStore()
		local := mustRoot(t, s, r, 1)
		a, b := NewBranchID(), NewBranchID()
		require.NoError(t, s.RecordBranch(Branch{ID: a, Region: r, Origin: NewMetainfo(r, Version{Branch: b, Timestamp: 1}), Initial: 1, Latest: 3}))
		require.NoError(t, s.RecordBranch(Branch{ID: b, Region: r, Origin: NewMetainfo(r, Version{Branch: a, Timestamp: 1}), Initial: 1, Latest: 3}))

		_, err := s.ComputeDelta(NewMetainfo(r, v(local, 1)), a, 3, r)
		require.True(t, errors.Is(err, ErrHistoryCorrupt), "got %v", err)
	})

	t.Run("version outside branch region", func(t *testing.T) {
		s := NewMemoryStore()
		local := mustRoot(t, s, r, 1)
		narrow := mustRoot(t, s, region.Span("a", "c"), 4)

		_, err := s.ComputeDelta(NewMetainfo(r, v(local, 1)), narrow.ID, 4, r)
		require.True(t, errors.Is(err, ErrHistoryCorrupt), "got %v", err)
	})
}

func TestComputeDeltaCoversRegion(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	s := NewMemoryStore()
	full := region.Span("a", "z")

	// a small random history: roots plus forks of earlier branches
	var versions []Version
	root := mustRoot(t, s, full, 5)
	versions = append(versions, v(root, 2), v(root, 5))
	for i := 0; i < 8; i++ {
		parent := versions[rng.Intn(len(versions))]
		b := mustFork(t, s, full, parent, parent.Timestamp+Timestamp(rng.Intn(5)+1))
		versions = append(versions, v(b, b.Latest), v(b, b.Initial))
	}
	versions = append(versions, ZeroVersion())

	letters := "abcdefghijklmnopqrstuvwxyz"
	for i := 0; i < 200; i++ {
		// random local metainfo with up to 4 pieces
		cuts := []string{"a"}
		for j := 1; j < 4; j++ {
			c := string(letters[rng.Intn(24)+1])
			if c > cuts[len(cuts)-1] {
				cuts = append(cuts, c)
			}
		}
		cuts = append(cuts, "z")
		local := Metainfo{}
		for j := 0; j+1 < len(cuts); j++ {
			local = local.Set(region.Span(cuts[j], cuts[j+1]), versions[rng.Intn(len(versions))])
		}

		target := versions[rng.Intn(len(versions)-1)]
		sub := region.Span(string(letters[rng.Intn(10)]), string(letters[10+rng.Intn(15)]))

		ds, err := s.ComputeDelta(local, target.Branch, target.Timestamp, sub)
		require.NoError(t, err)
		requirePartition(t, ds, sub)
		for _, d := range ds {
			if d.Mode == ModeIncremental && !d.IsNoop() {
				require.Equal(t, target, d.Target)
			}
		}
	}
}
