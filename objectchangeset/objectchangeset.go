// Package objectchangeset implements the per-object change-set: accumulated
// insertions, deletions, and per-column modifications keyed by stable
// object key, used by object- and result-set-based notifiers (as opposed to
// the position-based changeset.Builder used by ordered-collection
// notifiers).
//
// Object and deletion sets are backed by Roaring bitmaps
// (github.com/RoaringBitmap/roaring/v2/roaring64): ObjKey is an opaque
// uint64 assigned by the storage engine, and the only operations this
// component needs over those keys are membership, union, and difference —
// exactly Roaring's strength, and a much smaller footprint than a Go map
// once a collection holds more than a few hundred objects.
package objectchangeset

import (
	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"gitlab.com/peerdb/objectcore"
)

// ColumnSet is the set of columns modified on a single object. Object
// schemas rarely exceed a few dozen persistent properties, so a plain Go
// set outperforms a bitmap here; see DESIGN.md for why Roaring is not used
// for this container.
type ColumnSet map[objectcore.ColKey]struct{}

// Contains reports whether c is a member.
func (s ColumnSet) Contains(c objectcore.ColKey) bool {
	_, ok := s[c]
	return ok
}

// Set accumulates insertions, deletions, and per-column modifications for a
// single object type over one notifier advancement window. The zero value
// is not usable; use New.
type Set struct {
	insertions    *roaring64.Bitmap
	deletions     *roaring64.Bitmap
	modifications map[objectcore.ObjKey]ColumnSet
	clearOccurred bool
}

// New returns an empty Set.
func New() *Set {
	return &Set{
		insertions:    roaring64.New(),
		deletions:     roaring64.New(),
		modifications: map[objectcore.ObjKey]ColumnSet{},
	}
}

// Empty reports whether the set carries no information.
func (s *Set) Empty() bool {
	return !s.clearOccurred && s.insertions.IsEmpty() && s.deletions.IsEmpty() && len(s.modifications) == 0
}

// ClearOccurred reports whether Clear was called on this set.
func (s *Set) ClearOccurred() bool {
	return s.clearOccurred
}

// InsertionsAdd records that k was inserted.
func (s *Set) InsertionsAdd(k objectcore.ObjKey) {
	s.insertions.Add(uint64(k))
}

// InsertionsContains reports whether k is a recorded insertion.
func (s *Set) InsertionsContains(k objectcore.ObjKey) bool {
	return s.insertions.Contains(uint64(k))
}

// ModificationsAdd records that column c of object k was modified. It is a
// no-op if k was itself inserted in this window: newly inserted objects are
// never also reported as modified.
func (s *Set) ModificationsAdd(k objectcore.ObjKey, c objectcore.ColKey) {
	if s.insertions.Contains(uint64(k)) {
		return
	}
	cols, ok := s.modifications[k]
	if !ok {
		cols = ColumnSet{}
		s.modifications[k] = cols
	}
	cols[c] = struct{}{}
}

// ColumnsModified returns the set of columns modified on k, and whether k
// has any recorded modification at all.
func (s *Set) ColumnsModified(k objectcore.ObjKey) (ColumnSet, bool) {
	cols, ok := s.modifications[k]
	return cols, ok
}

// DeletionsAdd records that k was deleted. Any modification record for k is
// dropped first; if k was itself a pending insertion, the insertion is
// removed and no deletion is recorded (an object inserted and deleted
// within the same window never appears in the delivered change set).
func (s *Set) DeletionsAdd(k objectcore.ObjKey) {
	delete(s.modifications, k)
	if s.insertions.Contains(uint64(k)) {
		s.insertions.Remove(uint64(k))
		return
	}
	s.deletions.Add(uint64(k))
}

// DeletionsContains reports whether k should be treated as deleted. After a
// Clear, every key not re-inserted in the same window counts as deleted;
// see the discussion in DESIGN.md about the ambiguity this resolves.
func (s *Set) DeletionsContains(k objectcore.ObjKey) bool {
	if s.clearOccurred {
		return !s.insertions.Contains(uint64(k))
	}
	return s.deletions.Contains(uint64(k))
}

// Clear discards all accumulated state for a whole-collection deletion and
// marks the set as cleared. It takes no size: membership in a Roaring
// bitmap is sparse, so there is nothing to preallocate.
func (s *Set) Clear() {
	s.insertions.Clear()
	s.deletions.Clear()
	s.modifications = map[objectcore.ObjKey]ColumnSet{}
	s.clearOccurred = true
}

// Merge folds other (a later, adjacent window) into s.
func (s *Set) Merge(other *Set) {
	if other.clearOccurred {
		s.Clear()
	}

	it := other.deletions.Iterator()
	for it.HasNext() {
		k := objectcore.ObjKey(it.Next())
		delete(s.modifications, k)
		if s.insertions.Contains(uint64(k)) {
			s.insertions.Remove(uint64(k))
			continue
		}
		s.deletions.Add(uint64(k))
	}

	s.insertions.Or(other.insertions)

	for k, cols := range other.modifications {
		if s.insertions.Contains(uint64(k)) {
			continue
		}
		dst, ok := s.modifications[k]
		if !ok {
			dst = ColumnSet{}
			s.modifications[k] = dst
		}
		for c := range cols {
			dst[c] = struct{}{}
		}
	}
}
