package history

import (
	"testing"

	"github.com/ValentinKolb/rangekv/lib/region"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"
)

func TestRecordBranchIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	b := Branch{ID: NewBranchID(), Region: region.Span("a", "z"), Latest: 3}

	require.NoError(t, s.RecordBranch(b))
	require.NoError(t, s.RecordBranch(b))
	require.Equal(t, 1, s.Len())

	// a newer copy of the same definition only advances latest
	b.Latest = 9
	require.NoError(t, s.RecordBranch(b))
	stored, err := s.Branch(b.ID)
	require.NoError(t, err)
	require.Equal(t, Timestamp(9), stored.Latest)

	// an older copy does not move latest back
	b.Latest = 4
	require.NoError(t, s.RecordBranch(b))
	stored, _ = s.Branch(b.ID)
	require.Equal(t, Timestamp(9), stored.Latest)
}

func TestRecordBranchConflict(t *testing.T) {
	s := NewMemoryStore()
	b := Branch{ID: NewBranchID(), Region: region.Span("a", "z")}
	require.NoError(t, s.RecordBranch(b))

	other := b
	other.Region = region.Span("a", "m")
	err := s.RecordBranch(other)
	require.True(t, errors.Is(err, ErrHistoryConflict), "got %v", err)
}

func TestRecordBranchRejectsMalformed(t *testing.T) {
	s := NewMemoryStore()
	parent := Version{Branch: NewBranchID(), Timestamp: 5}

	tests := []struct {
		name   string
		branch Branch
	}{
		{"nil id", Branch{Region: region.Span("a", "b")}},
		{"empty region", Branch{ID: NewBranchID()}},
		{"origin not covering region", Branch{
			ID:      NewBranchID(),
			Region:  region.Span("a", "z"),
			Origin:  NewMetainfo(region.Span("a", "m"), parent),
			Initial: 5,
		}},
		{"origin after initial", Branch{
			ID:      NewBranchID(),
			Region:  region.Span("a", "z"),
			Origin:  NewMetainfo(region.Span("a", "z"), parent),
			Initial: 4,
			Latest:  4,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.RecordBranch(tt.branch)
			require.True(t, errors.Is(err, ErrHistoryCorrupt), "got %v", err)
		})
	}
}

func TestExtendBranch(t *testing.T) {
	s := NewMemoryStore()
	b, err := s.CreateRoot(region.Universe())
	require.NoError(t, err)

	require.NoError(t, s.ExtendBranch(b.ID, 4))
	require.NoError(t, s.ExtendBranch(b.ID, 4))

	err = s.ExtendBranch(b.ID, 3)
	require.True(t, errors.Is(err, ErrNonMonotonicTimestamp), "got %v", err)
	require.NoError(t, s.ExtendBranchTo(b.ID, 3))

	err = s.ExtendBranch(NewBranchID(), 1)
	require.True(t, errors.Is(err, ErrUnknownBranch), "got %v", err)

	stored, err := s.Branch(b.ID)
	require.NoError(t, err)
	require.Equal(t, Timestamp(4), stored.Latest)
}

func TestForkStartsAtHighestOriginTimestamp(t *testing.T) {
	s := NewMemoryStore()
	root, err := s.CreateRoot(region.Span("a", "z"))
	require.NoError(t, err)

	origin := NewMetainfo(region.Span("a", "m"), Version{Branch: root.ID, Timestamp: 3}).
		Set(region.Span("m", "z"), Version{Branch: root.ID, Timestamp: 7})
	fork, err := s.Fork(region.Span("a", "z"), origin)
	require.NoError(t, err)
	require.Equal(t, Timestamp(7), fork.Initial)
	require.Equal(t, Timestamp(7), fork.Latest)
	require.False(t, fork.IsRoot())

	// forking from nothing creates a root
	fresh, err := s.Fork(region.Span("a", "z"), NewMetainfo(region.Span("a", "z"), ZeroVersion()))
	require.NoError(t, err)
	require.True(t, fresh.IsRoot())

	_, err = s.Fork(region.Universe(), origin)
	require.True(t, errors.Is(err, ErrIncompleteMetainfo), "got %v", err)
}

func TestExportReturnsAncestryClosure(t *testing.T) {
	s := NewMemoryStore()
	r := region.Span("a", "z")
	root, _ := s.CreateRoot(r)
	unrelated, _ := s.CreateRoot(r)
	_ = unrelated
	child, err := s.Fork(r, NewMetainfo(r, Version{Branch: root.ID, Timestamp: 2}))
	require.NoError(t, err)

	bs, err := s.Export(NewMetainfo(r, Version{Branch: child.ID, Timestamp: 4}))
	require.NoError(t, err)
	require.Len(t, bs, 2)

	ids := map[BranchID]bool{bs[0].ID: true, bs[1].ID: true}
	require.True(t, ids[root.ID])
	require.True(t, ids[child.ID])

	// import into a fresh store and compute on top of it
	other := NewMemoryStore()
	require.NoError(t, other.Import(bs))
	require.Equal(t, 2, other.Len())
}

func TestPersistentStore(t *testing.T) {
	fs := vfs.NewMem()
	open := func() *pebble.DB {
		db, err := pebble.Open("history", &pebble.Options{FS: fs})
		require.NoError(t, err)
		return db
	}

	db := open()
	s, err := OpenStore(db)
	require.NoError(t, err)
	root, err := s.CreateRoot(region.Span("a", "z"))
	require.NoError(t, err)
	require.NoError(t, s.ExtendBranch(root.ID, 11))
	child, err := s.Fork(region.Span("a", "k"), NewMetainfo(region.Span("a", "k"), Version{Branch: root.ID, Timestamp: 11}))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db = open()
	defer db.Close()
	reopened, err := OpenStore(db)
	require.NoError(t, err)
	require.Equal(t, 2, reopened.Len())

	stored, err := reopened.Branch(root.ID)
	require.NoError(t, err)
	require.Equal(t, Timestamp(11), stored.Latest)

	storedChild, err := reopened.Branch(child.ID)
	require.NoError(t, err)
	require.True(t, storedChild.SameDefinition(child))
}
