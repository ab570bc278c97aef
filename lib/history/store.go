package history

import (
	"bytes"
	"sort"
	"sync"

	"github.com/ValentinKolb/rangekv/lib/codec"
	"github.com/ValentinKolb/rangekv/lib/region"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("history")

var (
	branchKeyPrefix = []byte("history/branch/")
	branchKeyEnd    = []byte("history/branch0") // '0' == '/'+1
)

// Store is the branch history store of a replica. It is an arena of branches
// indexed by id; branches refer to their parents only by id (through their
// origin), so the ancestry graph holds no pointers and can be walked
// iteratively.
//
// The store is safe for concurrent use. It is either purely in memory
// (NewMemoryStore) or backed by a pebble database (OpenStore), in which case
// every mutation is synced to disk before it returns.
type Store struct {
	mu       sync.RWMutex
	branches map[BranchID]*Branch
	db       *pebble.DB
}

// NewMemoryStore creates an empty, non-durable history store
func NewMemoryStore() *Store {
	return &Store{branches: make(map[BranchID]*Branch)}
}

// OpenStore creates a history store persisted in db and loads all branches
// recorded there. The caller keeps ownership of db.
func OpenStore(db *pebble.DB) (*Store, error) {
	s := &Store{branches: make(map[BranchID]*Branch), db: db}

	iter := db.NewIter(&pebble.IterOptions{LowerBound: branchKeyPrefix, UpperBound: branchKeyEnd})
	for iter.First(); iter.Valid(); iter.Next() {
		r := codec.NewReader(iter.Value())
		b := DecodeBranch(r)
		if r.Err() != nil {
			_ = iter.Close()
			return nil, corruptf("failed to decode branch record %x: %v", iter.Key(), r.Err())
		}
		s.branches[b.ID] = &b
	}
	if err := iter.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to load branch history")
	}

	Logger.Infof("loaded %d branches from disk", len(s.branches))
	return s, nil
}

// branchKey returns the pebble key of a branch record
func branchKey(id BranchID) []byte {
	key := make([]byte, 0, len(branchKeyPrefix)+16)
	key = append(key, branchKeyPrefix...)
	return append(key, id[:]...)
}

// persist writes b to disk (no-op for memory stores). Caller holds s.mu.
func (s *Store) persist(b *Branch) error {
	if s.db == nil {
		return nil
	}
	w := codec.NewWriter(128)
	b.EncodeTo(w)
	if err := s.db.Set(branchKey(b.ID), w.Bytes(), pebble.Sync); err != nil {
		return errors.Wrapf(err, "failed to persist branch %s", b.ID)
	}
	return nil
}

// --------------------------------------------------------------------------
// Recording and extending branches
// --------------------------------------------------------------------------

// RecordBranch adds a branch definition. Recording a definition that is
// already known succeeds (its Latest timestamp is merged); recording a
// different definition under a known id fails with ErrHistoryConflict.
// Parents do not need to be known yet.
func (s *Store) RecordBranch(b Branch) error {
	if err := b.validate(); err != nil {
		return errors.Mark(errors.Wrap(err, "invalid branch"), ErrHistoryCorrupt)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.branches[b.ID]; ok {
		if !existing.SameDefinition(b) {
			return errors.Wrapf(ErrHistoryConflict, "branch %s: stored %s, received %s", b.ID, existing, b)
		}
		if b.Latest > existing.Latest {
			updated := *existing
			updated.Latest = b.Latest
			if err := s.persist(&updated); err != nil {
				return err
			}
			*existing = updated
		}
		return nil
	}

	stored := b
	if err := s.persist(&stored); err != nil {
		return err
	}
	s.branches[b.ID] = &stored
	Logger.Debugf("recorded %s", stored)
	return nil
}

// ExtendBranch advances the latest timestamp of a branch
func (s *Store) ExtendBranch(id BranchID, ts Timestamp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.branches[id]
	if !ok {
		return errors.Wrapf(ErrUnknownBranch, "extend %s", id)
	}
	if ts < b.Latest {
		return errors.Wrapf(ErrNonMonotonicTimestamp, "extend %s to %d, latest is %d", id.Short(), ts, b.Latest)
	}
	if ts == b.Latest {
		return nil
	}
	updated := *b
	updated.Latest = ts
	if err := s.persist(&updated); err != nil {
		return err
	}
	*b = updated
	return nil
}

// ExtendBranchTo advances a branch to ts if it is not already there
func (s *Store) ExtendBranchTo(id BranchID, ts Timestamp) error {
	err := s.ExtendBranch(id, ts)
	if errors.Is(err, ErrNonMonotonicTimestamp) {
		return nil
	}
	return err
}

// CreateRoot records a new root branch over r starting at timestamp 0
func (s *Store) CreateRoot(r region.Region) (Branch, error) {
	b := Branch{ID: NewBranchID(), Region: r}
	if err := s.RecordBranch(b); err != nil {
		return Branch{}, err
	}
	Logger.Infof("created root branch %s over %s", b.ID.Short(), r)
	return b, nil
}

// Fork records a new branch over r that continues from the versions in
// origin. The branch starts at the highest timestamp found in origin. If
// origin holds only zero versions a root branch is created instead.
func (s *Store) Fork(r region.Region, origin Metainfo) (Branch, error) {
	masked := origin.Mask(r)
	if !masked.Covers(r) {
		return Branch{}, errors.Wrapf(ErrIncompleteMetainfo, "fork %s from %s", r, origin)
	}

	var initial Timestamp
	allZero := true
	for _, e := range masked.Entries() {
		if !e.Value.IsZero() {
			allZero = false
		}
		initial = max(initial, e.Value.Timestamp)
	}
	if allZero {
		return s.CreateRoot(r)
	}

	b := Branch{ID: NewBranchID(), Region: r, Origin: masked, Initial: initial, Latest: initial}
	if err := s.RecordBranch(b); err != nil {
		return Branch{}, err
	}
	Logger.Infof("forked branch %s over %s from %s", b.ID.Short(), r, masked)
	return b, nil
}

// Import records every branch of bs
func (s *Store) Import(bs []Branch) error {
	for _, b := range bs {
		if err := s.RecordBranch(b); err != nil {
			return err
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Queries
// --------------------------------------------------------------------------

// Branch returns a copy of the branch with the given id
func (s *Store) Branch(id BranchID) (Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.branches[id]
	if !ok {
		return Branch{}, errors.Wrapf(ErrUnknownBranch, "branch %s", id)
	}
	return *b, nil
}

// Len returns the number of known branches
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.branches)
}

// Export returns every branch needed to interpret the versions of meta: the
// branches referenced by meta and all of their ancestors, sorted by id.
func (s *Store) Export(meta Metainfo) ([]Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var queue []BranchID
	for _, e := range meta.Entries() {
		if !e.Value.IsZero() {
			queue = append(queue, e.Value.Branch)
		}
	}

	seen := make(map[BranchID]bool)
	var out []Branch
	for len(queue) > 0 {
		id := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if seen[id] {
			continue
		}
		b, ok := s.branches[id]
		if !ok {
			return nil, errors.Mark(errors.Wrapf(ErrUnknownBranch, "export %s", id), ErrHistoryCorrupt)
		}
		seen[id] = true
		out = append(out, *b)
		for _, e := range b.Origin.Entries() {
			if !e.Value.IsZero() && !seen[e.Value.Branch] {
				queue = append(queue, e.Value.Branch)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0 })
	return out, nil
}
