package lstore

import (
	"encoding/gob"
	"io"
	"sync"

	"github.com/ValentinKolb/rangekv/lib/history"
	"github.com/ValentinKolb/rangekv/lib/region"
	"github.com/ValentinKolb/rangekv/lib/store"
	"github.com/google/btree"
)

// btreeDegree is the node degree of the item tree
const btreeDegree = 32

// treeItem adapts store.Item to the btree
type treeItem struct {
	store.Item
}

func (a *treeItem) Less(b btree.Item) bool {
	return a.Key < b.(*treeItem).Key
}

// pivot returns a tree item usable as iteration bound
func pivot(key string) *treeItem {
	return &treeItem{Item: store.Item{Key: key}}
}

// Store is the in-memory store view. Items live in a btree ordered by key,
// snapshots are copy-on-write clones of the tree.
type Store struct {
	mu     sync.RWMutex
	tree   *btree.BTree
	meta   history.Metainfo
	closed bool
}

// NewLocalStore creates an empty in-memory store view.
// This store implementation is not replicated and only lives in the process memory.
func NewLocalStore() *Store {
	return &Store{
		tree: btree.New(btreeDegree),
		meta: history.NewMetainfo(region.Universe(), history.ZeroVersion()),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (s *Store) ReadMetainfo(r region.Region) (history.Metainfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return history.Metainfo{}, store.NewError(store.RetCClosed, "store is closed")
	}
	return s.meta.Mask(r), nil
}

func (s *Store) ApplyChunk(c store.Chunk) error {
	if err := c.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.NewError(store.RetCClosed, "store is closed")
	}

	if c.Mode == history.ModeSnapshot {
		s.clearRange(c.Range)
	}
	for _, it := range c.Items {
		s.tree.ReplaceOrInsert(&treeItem{Item: it})
	}
	s.meta = s.meta.Set(region.New(c.Range), c.Version)
	return nil
}

func (s *Store) Write(r region.Region, item store.Item, v history.Version) error {
	if !r.Contains(item.Key) {
		return store.Errorf(store.RetCInvalidOperation, "key %q outside of region %s", item.Key, r)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.NewError(store.RetCClosed, "store is closed")
	}

	s.tree.ReplaceOrInsert(&treeItem{Item: item})
	s.meta = s.meta.Set(r, v)
	return nil
}

func (s *Store) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, store.NewError(store.RetCClosed, "store is closed")
	}

	found := s.tree.Get(pivot(key))
	if found == nil {
		return nil, false, nil
	}
	it := found.(*treeItem)
	if it.Deleted {
		return nil, false, nil
	}
	return it.Value, true, nil
}

func (s *Store) Snapshot(r region.Region) (store.ISnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.NewError(store.RetCClosed, "store is closed")
	}

	// Clone needs exclusive access to the source tree
	return &snapshot{tree: s.tree.Clone(), region: r, meta: s.meta.Mask(r)}, nil
}

func (s *Store) Info() (store.Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := store.Info{Backend: "memory", MetainfoEntries: s.meta.Len()}
	s.tree.Ascend(func(i btree.Item) bool {
		it := i.(*treeItem)
		if it.Deleted {
			info.Tombstones++
		} else {
			info.Items++
		}
		info.Bytes += it.SizeBytes()
		return true
	})
	return info, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.tree = btree.New(btreeDegree)
	return nil
}

// clearRange removes every item in rng. Caller holds s.mu.
func (s *Store) clearRange(rng region.KeyRange) {
	var doomed []btree.Item
	s.tree.AscendRange(pivot(rng.Start), pivot(rng.End), func(i btree.Item) bool {
		doomed = append(doomed, i)
		return true
	})
	for _, i := range doomed {
		s.tree.Delete(i)
	}
}

// --------------------------------------------------------------------------
// Snapshots
// --------------------------------------------------------------------------

type snapshot struct {
	tree   *btree.BTree
	region region.Region
	meta   history.Metainfo
}

func (s *snapshot) Metainfo() history.Metainfo {
	return s.meta
}

func (s *snapshot) Scan(rng region.KeyRange, since history.Timestamp, fn func(store.Item) error) error {
	if s.tree == nil {
		return store.NewError(store.RetCClosed, "snapshot is closed")
	}

	var err error
	for _, part := range region.Intersect(s.region, region.New(rng)).Ranges() {
		s.tree.AscendRange(pivot(part.Start), pivot(part.End), func(i btree.Item) bool {
			it := i.(*treeItem)
			if it.Recency <= since {
				return true
			}
			err = fn(it.Item)
			return err == nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *snapshot) Close() error {
	s.tree = nil
	return nil
}

// --------------------------------------------------------------------------
// Persistence (used by raft snapshots)
// --------------------------------------------------------------------------

// record is one element of the gob stream written by Save. The first record
// carries the metainfo, the last one has End set.
type record struct {
	Meta *history.Metainfo
	Item *store.Item
	End  bool
}

// Save writes the metainfo and all items of snap to w
func Save(snap store.ISnapshot, w io.Writer) error {
	enc := gob.NewEncoder(w)

	meta := snap.Metainfo()
	if err := enc.Encode(record{Meta: &meta}); err != nil {
		return err
	}
	err := snap.Scan(region.KeyRange{Start: "", End: region.KeyMax}, 0, func(it store.Item) error {
		return enc.Encode(record{Item: &it})
	})
	if err != nil {
		return err
	}
	return enc.Encode(record{End: true})
}

// Load replaces the content of the store with data written by Save
func (s *Store) Load(r io.Reader) error {
	dec := gob.NewDecoder(r)

	tree := btree.New(btreeDegree)
	var meta history.Metainfo
	for {
		var rec record
		if err := dec.Decode(&rec); err != nil {
			return store.Errorf(store.RetCInternalError, "failed to load store: %v", err)
		}
		if rec.End {
			break
		}
		if rec.Meta != nil {
			meta = *rec.Meta
		}
		if rec.Item != nil {
			tree.ReplaceOrInsert(&treeItem{Item: *rec.Item})
		}
	}

	// keys outside the saved metainfo have never been written
	full := history.NewMetainfo(region.Universe(), history.ZeroVersion()).Update(meta)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree = tree
	s.meta = full
	return nil
}
