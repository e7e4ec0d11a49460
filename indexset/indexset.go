// Package indexset implements an ordered set of row indices stored as a
// merged sequence of half-open ranges, together with the position-translating
// operations the change-set algebra needs (shift, unshift, insert-at,
// erase-at) to keep deletions and insertions expressed in a consistent
// coordinate system as a sequence mutates.
package indexset

import "sort"

// rng is a half-open range [Lo, Hi).
type rng struct {
	Lo, Hi uint64
}

func (r rng) len() uint64 { return r.Hi - r.Lo }

// NPos is returned by operations that have no meaningful index result.
const NPos = ^uint64(0)

// Set is an ordered, disjoint set of indices, represented as merged
// half-open ranges sorted by Lo. The zero value is an empty set.
type Set struct {
	ranges []rng
}

// New returns an empty Set.
func New() *Set {
	return &Set{}
}

// Empty reports whether the set has no members.
func (s *Set) Empty() bool {
	return len(s.ranges) == 0
}

// Count returns the number of indices in the set.
func (s *Set) Count() uint64 {
	var n uint64
	for _, r := range s.ranges {
		n += r.len()
	}
	return n
}

// Clear removes every member.
func (s *Set) Clear() {
	s.ranges = s.ranges[:0]
}

// Contains reports whether i is a member.
func (s *Set) Contains(i uint64) bool {
	_, ok := s.find(i)
	return ok
}

// find returns the range index covering i, if any.
func (s *Set) find(i uint64) (int, bool) {
	idx := sort.Search(len(s.ranges), func(k int) bool { return s.ranges[k].Hi > i })
	if idx < len(s.ranges) && s.ranges[idx].Lo <= i {
		return idx, true
	}
	return idx, false
}

// Ranges returns the set's members as merged, disjoint, sorted [lo,hi)
// ranges. The returned slice must not be mutated.
func (s *Set) Ranges() []Range {
	out := make([]Range, len(s.ranges))
	for i, r := range s.ranges {
		out[i] = Range{Lo: r.Lo, Hi: r.Hi}
	}
	return out
}

// Range is a half-open interval [Lo, Hi) of member indices.
type Range struct {
	Lo, Hi uint64
}

// Add inserts i into the set without shifting any other member; it is a
// plain set-insertion, distinct from the shifting operations below.
func (s *Set) Add(i uint64) {
	s.AddRange(i, i+1)
}

// AddRange inserts every index in [lo,hi) into the set without shifting.
func (s *Set) AddRange(lo, hi uint64) {
	if lo >= hi {
		return
	}
	start := sort.Search(len(s.ranges), func(k int) bool { return s.ranges[k].Hi >= lo })
	end := start
	for end < len(s.ranges) && s.ranges[end].Lo <= hi {
		end++
	}
	if start < end {
		if s.ranges[start].Lo < lo {
			lo = s.ranges[start].Lo
		}
		if s.ranges[end-1].Hi > hi {
			hi = s.ranges[end-1].Hi
		}
	}
	merged := append([]rng{}, s.ranges[:start]...)
	merged = append(merged, rng{Lo: lo, Hi: hi})
	merged = append(merged, s.ranges[end:]...)
	s.ranges = merged
}

// Remove removes i from the set, if present, without shifting other members.
func (s *Set) Remove(i uint64) {
	idx, ok := s.find(i)
	if !ok {
		return
	}
	r := s.ranges[idx]
	switch {
	case r.Lo == i && r.Hi == i+1:
		s.ranges = append(s.ranges[:idx], s.ranges[idx+1:]...)
	case r.Lo == i:
		s.ranges[idx].Lo = i + 1
	case r.Hi == i+1:
		s.ranges[idx].Hi = i
	default:
		tail := rng{Lo: i + 1, Hi: r.Hi}
		s.ranges[idx].Hi = i
		s.ranges = append(s.ranges[:idx+1], append([]rng{tail}, s.ranges[idx+1:]...)...)
	}
}

// Shift returns the i-th (0-based) index that is not a member of the set,
// i.e. the position i would occupy after inserting the set's members at
// their current positions. It is the inverse of Unshift.
func (s *Set) Shift(i uint64) uint64 {
	for _, r := range s.ranges {
		if r.Lo > i {
			break
		}
		i += r.len()
	}
	return i
}

// Unshift returns the unique j such that Shift(j) == i. i must not be a
// member of the set; Unshift panics if it is.
func (s *Set) Unshift(i uint64) uint64 {
	if s.Contains(i) {
		panic("indexset: Unshift called on a member index")
	}
	shift := uint64(0)
	for _, r := range s.ranges {
		if r.Lo >= i {
			break
		}
		shift += r.len()
	}
	return i - shift
}

// AddShifted adds Shift(i) to the set. Used to record a deletion whose
// position is given in pre-existing-deletion coordinates.
func (s *Set) AddShifted(i uint64) {
	s.Add(s.Shift(i))
}

// AddShiftedBy adds, for each x in other, shifts.Shift(x) translated into
// self's coordinate system (i.e. further unshifted by self). Used when
// merging two successive deletion sets during change-set composition.
func (s *Set) AddShiftedBy(shifts *Set, other *Set) {
	for _, r := range other.ranges {
		for x := r.Lo; x < r.Hi; x++ {
			shiftedX := shifts.Shift(x)
			before := uint64(0)
			for _, sr := range s.ranges {
				if sr.Lo >= shiftedX {
					break
				}
				if sr.Hi <= shiftedX {
					before += sr.len()
				} else {
					before += shiftedX - sr.Lo
				}
			}
			s.Add(shiftedX - before)
		}
	}
}

// InsertAt shifts every stored index >= i upward by n, then marks [i, i+n)
// as members.
func (s *Set) InsertAt(i, n uint64) {
	s.ShiftForInsertAt(i, n)
	s.AddRange(i, i+n)
}

// InsertAtSet performs InsertAt for each range of other, in order, as a
// single caller-visible insertion event.
func (s *Set) InsertAtSet(other *Set) {
	for _, r := range other.ranges {
		s.InsertAt(r.Lo, r.len())
	}
}

// ShiftForInsertAt shifts every stored index >= i upward by n without adding
// [i, i+n) as members.
func (s *Set) ShiftForInsertAt(i, n uint64) {
	if n == 0 {
		return
	}
	idx := sort.Search(len(s.ranges), func(k int) bool { return s.ranges[k].Hi > i })
	if idx < len(s.ranges) && s.ranges[idx].Lo < i {
		// Split a range that straddles i so only its members >= i move.
		tail := rng{Lo: i, Hi: s.ranges[idx].Hi}
		s.ranges[idx].Hi = i
		s.ranges = append(s.ranges[:idx+1], append([]rng{tail}, s.ranges[idx+1:]...)...)
		idx++
	}
	for k := idx; k < len(s.ranges); k++ {
		s.ranges[k].Lo += n
		s.ranges[k].Hi += n
	}
}

// EraseAt removes i, if present, and shifts every index > i downward by 1.
func (s *Set) EraseAt(i uint64) {
	s.Remove(i)
	idx := sort.Search(len(s.ranges), func(k int) bool { return s.ranges[k].Lo > i })
	for k := idx; k < len(s.ranges); k++ {
		s.ranges[k].Lo--
		s.ranges[k].Hi--
	}
	s.normalize()
}

// EraseAtSet performs EraseAt for each member of other, from highest to
// lowest so that earlier erasures do not perturb the positions of later
// ones.
func (s *Set) EraseAtSet(other *Set) {
	for k := len(other.ranges) - 1; k >= 0; k-- {
		r := other.ranges[k]
		for i := r.Hi; i > r.Lo; i-- {
			s.EraseAt(i - 1)
		}
	}
}

// EraseOrUnshift removes i if it is a member and returns NPos; otherwise it
// removes i from the shift coordinate system (as EraseAt would, but without
// requiring i to be a member) and returns Unshift(i) as it was before
// removal.
func (s *Set) EraseOrUnshift(i uint64) uint64 {
	if s.Contains(i) {
		s.EraseAt(i)
		return NPos
	}
	j := s.Unshift(i)
	s.EraseAt(i)
	return j
}

// normalize merges adjacent/overlapping ranges that ShiftForInsertAt/EraseAt
// bookkeeping can produce.
func (s *Set) normalize() {
	if len(s.ranges) < 2 {
		return
	}
	out := s.ranges[:1]
	for _, r := range s.ranges[1:] {
		last := &out[len(out)-1]
		if r.Lo <= last.Hi {
			if r.Hi > last.Hi {
				last.Hi = r.Hi
			}
			continue
		}
		out = append(out, r)
	}
	s.ranges = out
}

// ShiftForInsertAtSet performs ShiftForInsertAt for each range in other, in
// order.
func (s *Set) ShiftForInsertAtSet(other *Set) {
	for _, r := range other.ranges {
		s.ShiftForInsertAt(r.Lo, r.len())
	}
}

// AddSet adds every member of other to s, without shifting.
func (s *Set) AddSet(other *Set) {
	for _, r := range other.ranges {
		s.AddRange(r.Lo, r.Hi)
	}
}

// Clone returns an independent copy of s.
func (s *Set) Clone() *Set {
	c := &Set{ranges: make([]rng, len(s.ranges))}
	copy(c.ranges, s.ranges)
	return c
}
