package pstore

import (
	"encoding/binary"
	"sync"

	"github.com/ValentinKolb/rangekv/lib/codec"
	"github.com/ValentinKolb/rangekv/lib/history"
	"github.com/ValentinKolb/rangekv/lib/region"
	"github.com/ValentinKolb/rangekv/lib/store"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("store")

var (
	// metaKey holds the encoded metainfo of the whole key space
	metaKey = []byte("m")
	// dataPrefix is prepended to every item key
	dataPrefix = byte('d')
)

// itemHeaderLen is the length of the value header: recency + deleted flag
const itemHeaderLen = 9

// Store is the durable store view. Items and metainfo live in one pebble
// database, every mutation is a single synced batch.
//
// Layout:
//   - "m": the metainfo (lib/codec encoded region map)
//   - "d" + key: 8 bytes recency (big endian), 1 byte deleted flag, value
//
// The metainfo is cached in memory and replaced under the write lock after
// each committed batch.
type Store struct {
	mu     sync.RWMutex
	db     *pebble.DB
	meta   history.Metainfo
	closed bool
}

// NewPersistentStore creates a store view on top of db and loads its
// metainfo. The caller keeps ownership of db, other data may share it as long
// as it stays clear of the "d" and "m" key prefixes.
func NewPersistentStore(db *pebble.DB) (*Store, error) {
	s := &Store{db: db, meta: history.NewMetainfo(region.Universe(), history.ZeroVersion())}

	raw, closer, err := db.Get(metaKey)
	switch {
	case errors.Is(err, pebble.ErrNotFound):
		Logger.Infof("initialized empty store")
		return s, nil
	case err != nil:
		return nil, errors.Wrap(err, "failed to read metainfo")
	}
	defer closer.Close()

	r := codec.NewReader(raw)
	meta := history.DecodeMetainfo(r)
	if r.Err() != nil {
		return nil, errors.Wrap(r.Err(), "failed to decode metainfo")
	}
	s.meta = s.meta.Update(meta)
	Logger.Infof("loaded store metainfo with %d entries", s.meta.Len())
	return s, nil
}

// dataKey returns the pebble key of an item key
func dataKey(key string) []byte {
	k := make([]byte, 0, len(key)+1)
	k = append(k, dataPrefix)
	return append(k, key...)
}

// encodeValue returns the pebble value of an item
func encodeValue(it store.Item) []byte {
	v := make([]byte, itemHeaderLen, itemHeaderLen+len(it.Value))
	binary.BigEndian.PutUint64(v[:8], uint64(it.Recency))
	if it.Deleted {
		v[8] = 1
	}
	return append(v, it.Value...)
}

// decodeItem rebuilds an item from a pebble key and value. Both slices are
// copied.
func decodeItem(key, value []byte) (store.Item, error) {
	if len(key) == 0 || key[0] != dataPrefix || len(value) < itemHeaderLen {
		return store.Item{}, store.Errorf(store.RetCInternalError, "malformed item record %q", key)
	}
	it := store.Item{
		Key:     string(key[1:]),
		Recency: history.Timestamp(binary.BigEndian.Uint64(value[:8])),
		Deleted: value[8] == 1,
	}
	if len(value) > itemHeaderLen {
		it.Value = append([]byte(nil), value[itemHeaderLen:]...)
	}
	return it, nil
}

// commit writes the batch together with the new metainfo and publishes the
// metainfo. Caller holds s.mu.
func (s *Store) commit(b *pebble.Batch, meta history.Metainfo) error {
	w := codec.NewWriter(64 + 40*meta.Len())
	history.EncodeMetainfo(w, meta)
	if err := b.Set(metaKey, w.Bytes(), nil); err != nil {
		return store.Errorf(store.RetCInternalError, "failed to stage metainfo: %v", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return store.Errorf(store.RetCInternalError, "failed to commit batch: %v", err)
	}
	s.meta = meta
	return nil
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

	b := s.db.NewBatch()
	defer b.Close()

	if c.Mode == history.ModeSnapshot {
		if err := b.DeleteRange(dataKey(c.Range.Start), dataKey(c.Range.End), nil); err != nil {
			return store.Errorf(store.RetCInternalError, "failed to stage range deletion: %v", err)
		}
	}
	for _, it := range c.Items {
		if err := b.Set(dataKey(it.Key), encodeValue(it), nil); err != nil {
			return store.Errorf(store.RetCInternalError, "failed to stage item %q: %v", it.Key, err)
		}
	}
	return s.commit(b, s.meta.Set(region.New(c.Range), c.Version))
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

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(dataKey(item.Key), encodeValue(item), nil); err != nil {
		return store.Errorf(store.RetCInternalError, "failed to stage item %q: %v", item.Key, err)
	}
	return s.commit(b, s.meta.Set(r, v))
}

func (s *Store) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, store.NewError(store.RetCClosed, "store is closed")
	}

	raw, closer, err := s.db.Get(dataKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, store.Errorf(store.RetCInternalError, "failed to read %q: %v", key, err)
	}
	defer closer.Close()

	it, err := decodeItem(dataKey(key), raw)
	if err != nil {
		return nil, false, err
	}
	if it.Deleted {
		return nil, false, nil
	}
	return it.Value, true, nil
}

func (s *Store) Snapshot(r region.Region) (store.ISnapshot, error) {
	// the write lock orders the pebble snapshot with the cached metainfo
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.NewError(store.RetCClosed, "store is closed")
	}
	return &snapshot{snap: s.db.NewSnapshot(), region: r, meta: s.meta.Mask(r)}, nil
}

func (s *Store) Info() (store.Info, error) {
	snap, err := s.Snapshot(region.Universe())
	if err != nil {
		return store.Info{}, err
	}
	defer snap.Close()

	info := store.Info{Backend: "pebble", MetainfoEntries: snap.Metainfo().Len()}
	err = snap.Scan(region.Universe().Bounds(), 0, func(it store.Item) error {
		if it.Deleted {
			info.Tombstones++
		} else {
			info.Items++
		}
		info.Bytes += it.SizeBytes()
		return nil
	})
	return info, err
}

// Close marks the store closed. The pebble database stays open, it belongs
// to the caller.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// --------------------------------------------------------------------------
// Snapshots
// --------------------------------------------------------------------------

type snapshot struct {
	snap   *pebble.Snapshot
	region region.Region
	meta   history.Metainfo
}

func (s *snapshot) Metainfo() history.Metainfo {
	return s.meta
}

func (s *snapshot) Scan(rng region.KeyRange, since history.Timestamp, fn func(store.Item) error) error {
	if s.snap == nil {
		return store.NewError(store.RetCClosed, "snapshot is closed")
	}

	for _, part := range region.Intersect(s.region, region.New(rng)).Ranges() {
		iter := s.snap.NewIter(&pebble.IterOptions{
			LowerBound: dataKey(part.Start),
			UpperBound: dataKey(part.End),
		})
		for iter.First(); iter.Valid(); iter.Next() {
			it, err := decodeItem(iter.Key(), iter.Value())
			if err == nil && it.Recency > since {
				err = fn(it)
			}
			if err != nil {
				_ = iter.Close()
				return err
			}
		}
		if err := iter.Close(); err != nil {
			return store.Errorf(store.RetCInternalError, "failed to scan %s: %v", part, err)
		}
	}
	return nil
}

func (s *snapshot) Close() error {
	if s.snap == nil {
		return nil
	}
	err := s.snap.Close()
	s.snap = nil
	return err
}
