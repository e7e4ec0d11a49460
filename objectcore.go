// Package objectcore implements the change-tracking and notification core
// of an embedded object database's object store layer: an ordered change-set
// algebra, a minimal-diff engine, and a per-file coordinator that advances
// background notifiers through a storage engine's transaction log.
//
// The package itself only carries the handful of value types shared across
// the subpackages (indexset, changeset, objectchangeset, diff, notifier,
// engine, coordinator); the interesting logic lives in those subpackages.
package objectcore

import "fmt"

// ObjKey is a stable object key assigned by the storage engine. It is unique
// within an object type and, unlike a row index, does not change as rows
// around it are inserted or deleted.
type ObjKey uint64

// InvalidObjKey is the sentinel returned where no object key applies, for
// example for a row that existed before the change and was deleted.
const InvalidObjKey ObjKey = ^ObjKey(0)

// Valid reports whether k is not the invalid sentinel.
func (k ObjKey) Valid() bool {
	return k != InvalidObjKey
}

// ColKey is a stable identifier for a persistent property (column).
type ColKey uint64

// VersionID is a totally ordered version produced by the storage engine.
// The zero value compares less than every other version and is used as the
// "no version yet" sentinel.
type VersionID struct {
	Version uint64
	Index   uint64
}

// IsZero reports whether v is the sentinel "no version" value.
func (v VersionID) IsZero() bool {
	return v == VersionID{}
}

// Less reports whether v sorts before o.
func (v VersionID) Less(o VersionID) bool {
	if v.Version != o.Version {
		return v.Version < o.Version
	}
	return v.Index < o.Index
}

// String implements fmt.Stringer.
func (v VersionID) String() string {
	return fmt.Sprintf("%d.%d", v.Version, v.Index)
}

// Move records that the row at From (in the pre-change sequence) is now
// found at To (in the post-change sequence). Every From is also present in
// a change set's deletions, and every To is also present in its insertions.
type Move struct {
	From uint64
	To   uint64
}
