// Package diff implements the minimal-change computation between two
// successive snapshots of a query result, expressed as sequences of stable
// object keys: DiffEngine in the specification this package implements.
//
// Two strategies are offered. The unsorted fast path assumes the results
// follow table (insertion) order and classifies out-of-order matches as
// moves using a caller-supplied set of move candidates. The sorted path
// assumes both sequences are ordered by some query sort key and finds a
// longest common subsequence of matched rows to minimize the reported
// deletions/insertions, treating out-of-LCS matches as a delete paired with
// an insert rather than as an explicit move (queries sorted by something
// other than insertion order have no stable notion of "the same row moved",
// only "this key now sorts elsewhere").
package diff

import (
	"sort"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/peerdb/objectcore"
	"gitlab.com/peerdb/objectcore/changeset"
	"gitlab.com/peerdb/objectcore/indexset"
)

// ErrUseFullTable is returned by Calculate when it determines that producing
// an incremental diff would cost more than simply treating the whole
// result as replaced (the Object Store's "only_return_whole_table"
// short-circuit). Callers should interpret this as "ignore the returned
// change set and treat every row of next as both deleted and re-inserted".
var ErrUseFullTable = errors.Base("diff: full table replacement is cheaper than an incremental diff")

// fullTableThreshold bounds the unsorted fast path: when a result set this
// large or larger has more than half its rows reclassified as moves, the
// per-row bookkeeping below is assumed to cost more than a full rebuild.
const fullTableThreshold = 1000

// Options configures a single Calculate call.
type Options struct {
	// MoveCandidates, when non-nil and non-empty, selects the unsorted fast
	// path and restricts move classification to the given positions in
	// next. A nil or empty set selects the sorted LCS path instead.
	MoveCandidates *roaring64.Bitmap

	// RowDidChange reports whether the object at key was modified between
	// prev and next. A nil predicate means no row is ever reported
	// modified.
	RowDidChange func(key objectcore.ObjKey) bool
}

type rowInfo struct {
	key     objectcore.ObjKey
	prevPos uint64
	hasPrev bool
	nextPos uint64
	hasNext bool
}

// Calculate computes the minimal changeset.ChangeSet describing how prev
// became next. A key equal to objectcore.InvalidObjKey in prev marks a
// position already known to be a deleted placeholder; it is recorded as a
// deletion directly rather than treated as a real row.
func Calculate(prev, next []objectcore.ObjKey, opts Options) (*changeset.ChangeSet, error) {
	rows := map[objectcore.ObjKey]*rowInfo{}
	deletions := indexset.New()

	for i, k := range prev {
		if !k.Valid() {
			deletions.Add(uint64(i))
			continue
		}
		rows[k] = &rowInfo{key: k, prevPos: uint64(i), hasPrev: true}
	}

	var matched []*rowInfo
	insertions := indexset.New()

	for i, k := range next {
		if !k.Valid() {
			continue
		}
		if r, ok := rows[k]; ok {
			r.nextPos = uint64(i)
			r.hasNext = true
			matched = append(matched, r)
		} else {
			insertions.Add(uint64(i))
		}
	}
	for _, r := range rows {
		if !r.hasNext {
			deletions.Add(r.prevPos)
		}
	}

	modifications := indexset.New()
	modificationsNew := indexset.New()
	if opts.RowDidChange != nil {
		for _, r := range matched {
			if opts.RowDidChange(r.key) {
				modifications.Add(r.prevPos)
				modificationsNew.Add(r.nextPos)
			}
		}
	}

	var moves []objectcore.Move
	if opts.MoveCandidates != nil && !opts.MoveCandidates.IsEmpty() {
		moves = classifyMovesUnsorted(matched, opts.MoveCandidates, deletions, insertions)
		if len(next) >= fullTableThreshold && len(moves)*2 > len(next) {
			return nil, errors.WithStack(ErrUseFullTable)
		}
	} else {
		moves = classifyMovesSorted(matched, deletions, insertions, modificationsNew)
	}

	// A row reclassified as a move or as a delete+insert pair during move
	// classification above is no longer "modified in place": it must not
	// appear in both modifications/modificationsNew and deletions/insertions
	// in the delivered ChangeSet, the same normalization
	// changeset.Builder.Finalize performs on its own modifications sets.
	for _, r := range insertions.Ranges() {
		for i := r.Lo; i < r.Hi; i++ {
			modificationsNew.Remove(i)
		}
	}
	for _, r := range deletions.Ranges() {
		for i := r.Lo; i < r.Hi; i++ {
			modifications.Remove(i)
		}
	}

	return changeset.NewChangeSet(deletions, insertions, modifications, modificationsNew, moves, nil), nil
}

// classifyMovesUnsorted implements the unsorted fast path: results are
// assumed to follow table order, so a matched row whose relative position
// (after accounting for already-known deletions/insertions) diverges from
// expectation, and which the caller flagged as a move candidate, is
// reported as an explicit Move rather than a delete+insert pair.
func classifyMovesUnsorted(matched []*rowInfo, candidates *roaring64.Bitmap, deletions, insertions *indexset.Set) []objectcore.Move {
	sort.Slice(matched, func(i, j int) bool { return matched[i].nextPos < matched[j].nextPos })

	var moves []objectcore.Move
	lastPrev := int64(-1)
	for _, r := range matched {
		if int64(r.prevPos) > lastPrev {
			lastPrev = int64(r.prevPos)
			continue
		}
		if !candidates.Contains(r.nextPos) {
			lastPrev = int64(r.prevPos)
			continue
		}
		moves = append(moves, objectcore.Move{From: r.prevPos, To: r.nextPos})
		deletions.Add(r.prevPos)
		insertions.Add(r.nextPos)
	}
	return moves
}

// classifyMovesSorted implements the sorted path: both sequences are
// assumed ordered by some query sort key, so the relative order of matched
// rows has no independent "identity" worth preserving as a Move. Rows that
// fall outside the longest run of matches whose relative order is
// preserved are instead reported as a deletion at the old position paired
// with an insertion at the new one.
//
// This mirrors collection_change_builder.cpp's
// LongestCommonSubsequenceCalculator: find the longest contiguous run of
// matched rows whose new-order rank increases by exactly one per step,
// recurse into the sub-ranges on either side of it, and on a tie between
// two equal-length runs prefer the one covering fewer modified rows. A
// plain longest-increasing-subsequence search is not equivalent to this:
// it can settle on a different, equally long run when there is a tie,
// which changes which rows are reported as moved/inserted/deleted.
func classifyMovesSorted(matched []*rowInfo, deletions, insertions, modificationsNew *indexset.Set) []objectcore.Move {
	sort.Slice(matched, func(i, j int) bool { return matched[i].prevPos < matched[j].prevPos })

	n := len(matched)
	if n == 0 {
		return nil
	}

	// rank[i] is the position matched[i] occupies among the matched rows
	// when ordered by nextPos instead of prevPos.
	sortedByNext := append([]*rowInfo(nil), matched...)
	sort.Slice(sortedByNext, func(i, j int) bool { return sortedByNext[i].nextPos < sortedByNext[j].nextPos })
	rankOf := make(map[*rowInfo]int, n)
	for r, row := range sortedByNext {
		rankOf[row] = r
	}
	rank := make([]int, n)
	for i, row := range matched {
		rank[i] = rankOf[row]
	}

	var runs []lcsRun
	findLongestMatches(rank, sortedByNext, modificationsNew, 0, n, 0, n, &runs)

	kept := make([]bool, n)
	for _, run := range runs {
		for i := run.i; i < run.i+run.size; i++ {
			kept[i] = true
		}
	}
	for i, r := range matched {
		if !kept[i] {
			deletions.Add(r.prevPos)
			insertions.Add(r.nextPos)
		}
	}
	return nil
}

// lcsRun is a maximal contiguous run of matched rows (by index into the
// prevPos-sorted array) whose new-order rank also runs contiguously,
// found by findLongestMatches.
type lcsRun struct {
	i, j, size int
}

// findLongestMatch mirrors
// LongestCommonSubsequenceCalculator::find_longest_match: within old-order
// index range [begin1,end1) and new-order rank range [begin2,end2), find
// the longest run of consecutive old-order indices whose rank increases by
// exactly one per step. On a tie, prefer the run covering fewer modified
// rows, using each row's literal new position (modificationsNew is keyed by
// position, not rank).
func findLongestMatch(rank []int, sortedByNext []*rowInfo, modificationsNew *indexset.Set, begin1, end1, begin2, end2 int) lcsRun {
	best := lcsRun{i: begin1, j: begin2, size: 0}
	bestModified := -1

	prevJ, prevLen := -1, 0
	for i := begin1; i < end1; i++ {
		j := rank[i]
		if j < begin2 || j >= end2 {
			prevJ, prevLen = -1, 0
			continue
		}

		length := 1
		if prevJ+1 == j {
			length = prevLen + 1
		}

		switch {
		case length > best.size:
			best = lcsRun{i: i - length + 1, j: j - length + 1, size: length}
			bestModified = -1
		case length == best.size && length > 0:
			if bestModified < 0 {
				bestModified = countModifiedInRun(sortedByNext, modificationsNew, best.j, best.size)
			}
			count := countModifiedInRun(sortedByNext, modificationsNew, j-length+1, length)
			if count < bestModified {
				best = lcsRun{i: i - length + 1, j: j - length + 1, size: length}
				bestModified = count
			}
		}

		prevJ, prevLen = j, length
	}
	return best
}

// countModifiedInRun counts how many of the rows occupying new-order ranks
// [rankLo, rankLo+size) were modified.
func countModifiedInRun(sortedByNext []*rowInfo, modificationsNew *indexset.Set, rankLo, size int) int {
	if modificationsNew == nil || size == 0 {
		return 0
	}
	n := 0
	for k := rankLo; k < rankLo+size; k++ {
		if modificationsNew.Contains(sortedByNext[k].nextPos) {
			n++
		}
	}
	return n
}

// findLongestMatches mirrors find_longest_matches: it recursively locates
// every maximal matching run, left to right, appending each to out.
//
// Recursion depth is bounded by the number of matched rows, the same
// caveat collection_change_builder.cpp itself documents at this recursive
// call (see SPEC_FULL.md §9); it is not converted to an iterative form here
// for the same reason the original has not been rewritten either — doing
// so is a real but separate piece of follow-up work, not a correctness
// concern for the result this function produces.
func findLongestMatches(rank []int, sortedByNext []*rowInfo, modificationsNew *indexset.Set, begin1, end1, begin2, end2 int, out *[]lcsRun) {
	m := findLongestMatch(rank, sortedByNext, modificationsNew, begin1, end1, begin2, end2)
	if m.size == 0 {
		return
	}
	if m.i > begin1 && m.j > begin2 {
		findLongestMatches(rank, sortedByNext, modificationsNew, begin1, m.i, begin2, m.j, out)
	}
	*out = append(*out, m)
	if m.i+m.size < end1 && m.j+m.size < end2 {
		findLongestMatches(rank, sortedByNext, modificationsNew, m.i+m.size, end1, m.j+m.size, end2, out)
	}
}
