package history

import (
	"github.com/ValentinKolb/rangekv/lib/region"
	"github.com/cockroachdb/errors"
)

// walkItem is a pending step of an ancestry walk: the lineage of version v
// restricted to rng. path holds the branches already visited on the way
// from the start version (used for cycle detection).
type walkItem struct {
	rng  region.KeyRange
	v    Version
	path []BranchID
}

// lineageOn walks the ancestry of start over rng and returns, for every part
// of rng whose lineage passes through the branch target, the timestamp on
// target it descends from. Parts whose lineage never reaches target are
// absent from the result. Caller holds s.mu.
func (s *Store) lineageOn(rng region.KeyRange, start Version, target BranchID) (region.Map[Timestamp], error) {
	var found []region.Entry[Timestamp]
	stack := []walkItem{{rng: rng, v: start}}

	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if it.v.IsZero() {
			continue
		}
		if it.v.Branch == target {
			found = append(found, region.Entry[Timestamp]{Range: it.rng, Value: it.v.Timestamp})
			continue
		}

		b, ok := s.branches[it.v.Branch]
		if !ok {
			return region.Map[Timestamp]{}, errors.Mark(
				errors.Wrapf(ErrUnknownBranch, "ancestry of %s references missing branch %s", start, it.v.Branch),
				ErrHistoryCorrupt)
		}
		if !region.IsSubset(region.New(it.rng), b.Region) {
			return region.Map[Timestamp]{}, corruptf("version %s used for %s outside of branch region %s", it.v, it.rng, b.Region)
		}
		if it.v.Timestamp < b.Initial {
			return region.Map[Timestamp]{}, corruptf("version %s precedes the start of its branch (%d)", it.v, b.Initial)
		}
		if b.IsRoot() {
			continue
		}

		path := make([]BranchID, len(it.path)+1)
		copy(path, it.path)
		path[len(it.path)] = b.ID

		for _, e := range b.Origin.Mask(region.New(it.rng)).Entries() {
			for _, p := range path {
				if p == e.Value.Branch {
					return region.Map[Timestamp]{}, corruptf("cycle in ancestry of branch %s", p)
				}
			}
			stack = append(stack, walkItem{rng: e.Range, v: e.Value, path: path})
		}
	}

	return region.MapFromEntries(found...), nil
}

// ComputeDelta computes what has to be transferred to bring a replica with
// the metainfo local up to the remote version (remoteBranch, remoteTS) over
// region r. The returned directives are sorted by key, pairwise disjoint and
// cover exactly r. For every part of r:
//
//   - local equal to the remote version, or the remote version an ancestor
//     of the local one: a no-op directive (Target == From)
//   - local version an ancestor of the remote one: incremental since the
//     local timestamp
//   - otherwise (diverged histories, local zero version): full snapshot
//
// local must cover r. A broken ancestry graph yields ErrHistoryCorrupt.
func (s *Store) ComputeDelta(local Metainfo, remoteBranch BranchID, remoteTS Timestamp, r region.Region) ([]Directive, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.computeDelta(local, Version{Branch: remoteBranch, Timestamp: remoteTS}, r)
}

// ComputeDeltaMap computes the delta against a remote side holding different
// versions for different parts of r (as described by its metainfo)
func (s *Store) ComputeDeltaMap(local, remote Metainfo, r region.Region) ([]Directive, error) {
	masked := remote.Mask(r)
	if !masked.Covers(r) {
		return nil, errors.Wrapf(ErrIncompleteMetainfo, "remote metainfo %s for %s", remote, r)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Directive
	for _, e := range masked.Entries() {
		ds, err := s.computeDelta(local, e.Value, region.New(e.Range))
		if err != nil {
			return nil, err
		}
		out = append(out, ds...)
	}
	return Coalesce(out), nil
}

// computeDelta implements ComputeDelta. Caller holds s.mu.
func (s *Store) computeDelta(local Metainfo, remote Version, r region.Region) ([]Directive, error) {
	masked := local.Mask(r)
	if !masked.Covers(r) {
		return nil, errors.Wrapf(ErrIncompleteMetainfo, "local metainfo %s for %s", local, r)
	}

	var out []Directive
	for _, e := range masked.Entries() {
		ds, err := s.reconcile(e.Range, e.Value, remote)
		if err != nil {
			return nil, err
		}
		out = append(out, ds...)
	}
	return Coalesce(out), nil
}

// reconcile computes the directives for one contiguous range held at a single
// local version. Caller holds s.mu.
func (s *Store) reconcile(rng region.KeyRange, from, target Version) ([]Directive, error) {
	noop := func(kr region.KeyRange) Directive {
		return Directive{Range: kr, Mode: ModeIncremental, Since: from.Timestamp, From: from, Target: from}
	}
	incremental := func(kr region.KeyRange) Directive {
		return Directive{Range: kr, Mode: ModeIncremental, Since: from.Timestamp, From: from, Target: target}
	}
	snapshot := func(kr region.KeyRange) Directive {
		return Directive{Range: kr, Mode: ModeSnapshot, From: from, Target: target}
	}

	switch {
	case from == target:
		return []Directive{noop(rng)}, nil
	case from.IsZero(), target.IsZero():
		return []Directive{snapshot(rng)}, nil
	}

	// parts where the remote version descends from the local one
	onLocal, err := s.lineageOn(rng, target, from.Branch)
	if err != nil {
		return nil, err
	}

	var out []Directive
	rest := region.New(rng)
	for _, e := range onLocal.Entries() {
		if from.Timestamp <= e.Value {
			out = append(out, incremental(e.Range))
			rest = region.Subtract(rest, region.New(e.Range))
		}
	}

	// remaining parts: either the local version descends from the remote one
	// (nothing to do) or the histories diverged
	for _, part := range rest.Ranges() {
		onRemote, err := s.lineageOn(part, from, target.Branch)
		if err != nil {
			return nil, err
		}
		settled := region.Empty()
		for _, e := range onRemote.Entries() {
			if target.Timestamp <= e.Value {
				out = append(out, noop(e.Range))
				settled = region.Union(settled, region.New(e.Range))
			}
		}
		for _, gap := range region.Subtract(region.New(part), settled).Ranges() {
			out = append(out, snapshot(gap))
		}
	}

	return out, nil
}
