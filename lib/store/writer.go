package store

import (
	"sync"

	"github.com/ValentinKolb/rangekv/lib/history"
	"github.com/ValentinKolb/rangekv/lib/region"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("store")

// Writer is the serving-path writer of a replica. It writes to a store view
// and keeps the branch history in step with the writes:
//   - the first write to a region without history creates a root branch
//   - a write to a region whose metainfo is not a single branch created by
//     this writer (for example after a backfill) forks a new branch from the
//     current metainfo
//   - every other write extends the writer's current branch by one tick
//
// Writes of one Writer are serialized. A region must have exactly one Writer.
type Writer struct {
	mu     sync.Mutex
	view   IStoreView
	hist   *history.Store
	region region.Region
	owned  map[history.BranchID]struct{}
}

// NewWriter creates a writer for the keys of r
func NewWriter(view IStoreView, hist *history.Store, r region.Region) *Writer {
	return &Writer{
		view:   view,
		hist:   hist,
		region: r,
		owned:  make(map[history.BranchID]struct{}),
	}
}

// Region returns the region the writer serves
func (w *Writer) Region() region.Region {
	return w.region
}

// Put stores value under key
func (w *Writer) Put(key string, value []byte) (history.Version, error) {
	return w.write(Item{Key: key, Value: value})
}

// Delete writes a tombstone for key
func (w *Writer) Delete(key string) (history.Version, error) {
	return w.write(Item{Key: key, Deleted: true})
}

func (w *Writer) write(item Item) (history.Version, error) {
	if !w.region.Contains(item.Key) {
		return history.Version{}, Errorf(RetCInvalidOperation, "key %q is not in the served region %s", item.Key, w.region)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	branch, err := w.currentBranch()
	if err != nil {
		return history.Version{}, err
	}

	next := branch.Latest + 1
	if err := w.hist.ExtendBranch(branch.ID, next); err != nil {
		return history.Version{}, errors.Wrapf(err, "failed to extend branch %s", branch.ID.Short())
	}

	item.Recency = next
	v := history.Version{Branch: branch.ID, Timestamp: next}
	if err := w.view.Write(w.region, item, v); err != nil {
		return history.Version{}, err
	}
	return v, nil
}

// currentBranch returns the branch the next write goes to, creating a root
// or a fork when the metainfo is not a branch of this writer. Caller holds
// w.mu.
func (w *Writer) currentBranch() (history.Branch, error) {
	meta, err := w.view.ReadMetainfo(w.region)
	if err != nil {
		return history.Branch{}, err
	}

	if v, ok := singleVersion(meta); ok && w.isOwned(v.Branch) {
		return w.hist.Branch(v.Branch)
	}

	// Fork falls back to a root branch if the metainfo is all zero
	b, err := w.hist.Fork(w.region, meta)
	if err != nil {
		return history.Branch{}, errors.Wrap(err, "failed to create branch")
	}
	w.owned[b.ID] = struct{}{}
	if b.IsRoot() {
		Logger.Infof("created root branch %s for %s", b.ID.Short(), w.region)
	} else {
		Logger.Infof("forked branch %s for %s from %s", b.ID.Short(), w.region, meta)
	}
	return b, nil
}

func (w *Writer) isOwned(id history.BranchID) bool {
	_, ok := w.owned[id]
	return ok
}

// singleVersion returns the version of meta if all of its entries agree
func singleVersion(meta history.Metainfo) (history.Version, bool) {
	entries := meta.Entries()
	if len(entries) == 0 {
		return history.Version{}, false
	}
	for _, e := range entries[1:] {
		if e.Value != entries[0].Value {
			return history.Version{}, false
		}
	}
	return entries[0].Value, true
}
