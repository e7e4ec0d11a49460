// Package changeset implements the change-set algebra: an accumulating
// Builder that records insertions, deletions, modifications, and moves
// applied to an ordered row sequence, knows how to merge two successive
// builders into one equivalent change, and finalizes into a delivered
// ChangeSet whose index coordinate systems match the contract observers
// expect (pre-change positions for deletions/modifications, post-change
// positions for insertions/modifications-new).
package changeset

import (
	"gitlab.com/tozd/go/errors"

	"gitlab.com/peerdb/objectcore"
	"gitlab.com/peerdb/objectcore/indexset"
)

// Builder accumulates mutations applied to an ordered row sequence during a
// single notifier advancement window. The zero value is not usable; use
// NewBuilder.
type Builder struct {
	insertions    *indexset.Set
	deletions     *indexset.Set
	modifications *indexset.Set
	moves         []objectcore.Move
	perColumn     map[uint64]*indexset.Set // column ordinal -> modified rows, in "modifications" coordinates

	finalized bool
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		insertions:    indexset.New(),
		deletions:     indexset.New(),
		modifications: indexset.New(),
		perColumn:     map[uint64]*indexset.Set{},
	}
}

// ChangeSet is the delivered, finalized form of a Builder. Deletions,
// ModificationsOld, and the From side of each Move are expressed in the
// pre-change coordinate system; Insertions, ModificationsNew, and the To
// side of each Move are expressed in the post-change coordinate system.
type ChangeSet struct {
	Deletions        *indexset.Set
	Insertions       *indexset.Set
	ModificationsOld *indexset.Set
	ModificationsNew *indexset.Set
	Moves            []objectcore.Move
	// PerColumnModifications maps a column ordinal to the set of rows (in
	// ModificationsOld coordinates) modified in that column, for callers that
	// asked for column-level granularity.
	PerColumnModifications map[uint64]*indexset.Set
}

// Empty reports whether the change set carries no information at all.
func (c *ChangeSet) Empty() bool {
	return c.Deletions.Empty() && c.Insertions.Empty() && c.ModificationsOld.Empty() && len(c.Moves) == 0
}

func (b *Builder) requireOpen() {
	if b.finalized {
		panic(errors.WithStack(ErrAlreadyFinalized))
	}
}

// Insert records that count new rows were inserted starting at index, in
// the sequence's current (post-insertion) coordinates. When trackMoves is
// false, only bookkeeping needed to keep existing indices correct is
// performed; the insertion itself is not reported as new rows (used when
// replaying a mutation whose insertion was already recorded elsewhere).
func (b *Builder) Insert(index, count uint64, trackMoves bool) {
	b.requireOpen()
	if count == 0 {
		return
	}

	b.modifications.ShiftForInsertAt(index, count)
	for _, s := range b.perColumn {
		s.ShiftForInsertAt(index, count)
	}
	for i := range b.moves {
		if b.moves[i].To >= index {
			b.moves[i].To += count
		}
	}

	if trackMoves {
		b.insertions.InsertAt(index, count)
	} else {
		b.insertions.ShiftForInsertAt(index, count)
	}
}

// Erase records that the row currently at index was removed. If index was
// itself a pending insertion, the insert and the erase cancel out and no
// deletion is recorded (an object inserted and removed within the same
// window never appears in the delivered change set).
func (b *Builder) Erase(index uint64) {
	b.requireOpen()

	if !b.insertions.Contains(index) {
		b.deletions.AddShifted(b.insertions.Unshift(index))
	}
	b.modifications.EraseAt(index)
	for _, s := range b.perColumn {
		s.EraseAt(index)
	}
	b.insertions.EraseAt(index)
	b.removeMovesTo(index)
	for i := range b.moves {
		if b.moves[i].To > index {
			b.moves[i].To--
		}
	}
}

func (b *Builder) removeMovesTo(index uint64) {
	out := b.moves[:0]
	for _, m := range b.moves {
		if m.To == index {
			continue
		}
		out = append(out, m)
	}
	b.moves = out
}

// Clear discards all accumulated state and replaces it with "every one of
// oldSize pre-existing rows was deleted".
func (b *Builder) Clear(oldSize uint64) {
	b.requireOpen()

	b.insertions.Clear()
	b.modifications.Clear()
	b.perColumn = map[uint64]*indexset.Set{}
	b.moves = nil

	b.deletions.Clear()
	b.deletions.AddRange(0, oldSize)
}

// Move records that the row currently at from will appear at to once the
// change is applied. A chain of moves sharing an endpoint (A to B, then B
// to C) collapses into a single move (A to C).
func (b *Builder) Move(from, to uint64) {
	b.requireOpen()
	if from == to {
		return
	}

	// Collapse a chain: if some existing move already targets `from`,
	// extend it to target `to` instead and transport column data. Other
	// moves' destinations shift as the row passes over them.
	collapsed := false
	for i := range b.moves {
		switch m := &b.moves[i]; {
		case m.To == from:
			m.To = to
			collapsed = true
		case m.To >= to && m.To < from:
			m.To++
		case m.To <= to && m.To > from:
			m.To--
		}
	}
	if collapsed {
		b.insertions.EraseAt(from)
		b.insertions.InsertAt(to, 1)
		b.transportColumns(from, to)
		return
	}

	if b.insertions.Contains(from) {
		// Moving a row that was itself just inserted: no deletion is
		// generated, the insertion slot simply migrates.
		b.insertions.EraseAt(from)
		b.insertions.InsertAt(to, 1)
		b.transportColumnsShifted(from, to)
		return
	}

	unshiftedFrom := b.deletions.Shift(b.insertions.Unshift(from))
	b.deletions.Add(unshiftedFrom)
	b.insertions.EraseAt(from)
	b.insertions.InsertAt(to, 1)
	b.transportColumns(from, to)
	b.moves = append(b.moves, objectcore.Move{From: unshiftedFrom, To: to})
}

// transportColumns moves per-column modification flags (and the plain
// modification flag) from the row currently at from to the row that will be
// at to, using EraseAt/InsertAt so later shifts keep behaving correctly.
func (b *Builder) transportColumns(from, to uint64) {
	modified := b.modifications.Contains(from)
	b.modifications.EraseAt(from)
	if modified {
		b.modifications.InsertAt(to, 1)
	} else {
		b.modifications.ShiftForInsertAt(to, 1)
	}
	for col, s := range b.perColumn {
		was := s.Contains(from)
		s.EraseAt(from)
		if was {
			s.InsertAt(to, 1)
		} else {
			s.ShiftForInsertAt(to, 1)
		}
		b.perColumn[col] = s
	}
}

func (b *Builder) transportColumnsShifted(from, to uint64) {
	b.transportColumns(from, to)
}

// MoveOver implements the storage engine's "swap-and-pop" row removal: the
// row currently at last is moved to row, and the slot at last is then
// removed. This is the primitive used when deleting a row by swapping the
// last row into its place, which is cheaper than shifting every subsequent
// row down by one.
func (b *Builder) MoveOver(row, last uint64) {
	b.requireOpen()
	if row == last {
		b.Erase(row)
		return
	}

	rowIsInsertion := b.insertions.Contains(row)
	lastIsInsertion := b.insertions.Contains(last)

	switch {
	case !rowIsInsertion && !lastIsInsertion:
		fromLast := b.deletions.Shift(b.insertions.Unshift(last))
		b.deletions.Add(fromLast)
		b.deletions.AddShifted(b.insertions.Unshift(row))
		b.insertions.Add(row)
		b.moves = append(b.moves, objectcore.Move{From: fromLast, To: row})
	case rowIsInsertion && !lastIsInsertion:
		b.removeMovesTo(row)
		b.insertions.EraseAt(row)
		b.insertions.InsertAt(row, 1)
		fromLast := b.deletions.Shift(b.insertions.Unshift(last))
		b.deletions.Add(fromLast)
		b.moves = append(b.moves, objectcore.Move{From: fromLast, To: row})
	case !rowIsInsertion && lastIsInsertion:
		b.deletions.AddShifted(b.insertions.Unshift(row))
		b.insertions.EraseAt(last)
		b.insertions.Add(row)
	default: // both are insertions
		b.insertions.EraseAt(last)
		b.insertions.EraseAt(row)
		b.insertions.InsertAt(row, 1)
		b.removeMovesTo(row)
	}
	if lastIsInsertion {
		// A move that ended at last now ends at row.
		for i := range b.moves {
			if b.moves[i].To == last {
				b.moves[i].To = row
			}
		}
	}

	// The modification flags of last travel to row; if last has none, row's
	// flags go with the removed row.
	carry := func(s *indexset.Set) {
		if s.Contains(last) {
			s.Remove(last)
			s.Add(row)
		} else {
			s.Remove(row)
		}
	}
	carry(b.modifications)
	for _, s := range b.perColumn {
		carry(s)
	}
}

// Swap exchanges the plain and per-column modification flags of the rows
// currently at a and b. It records no move, insertion, or deletion.
func (b *Builder) Swap(a, bIdx uint64) {
	b.requireOpen()
	if a == bIdx {
		return
	}
	aMod, aCols := b.snapshotRow(a)
	bMod, bCols := b.snapshotRow(bIdx)
	b.applyRow(a, bMod, bCols)
	b.applyRow(bIdx, aMod, aCols)
}

func (b *Builder) snapshotRow(i uint64) (bool, map[uint64]bool) {
	cols := map[uint64]bool{}
	for col, s := range b.perColumn {
		cols[col] = s.Contains(i)
	}
	return b.modifications.Contains(i), cols
}

func (b *Builder) applyRow(i uint64, modified bool, cols map[uint64]bool) {
	if modified {
		b.modifications.Add(i)
	} else {
		b.modifications.Remove(i)
	}
	for col, v := range cols {
		s := b.columnSet(col)
		if v {
			s.Add(i)
		} else {
			s.Remove(i)
		}
	}
}

// Subsume records that new inherits the modification history previously
// tracked for old (used when the storage engine re-materializes a row at a
// different position without it being a tracked Move).
func (b *Builder) Subsume(old, new uint64) { //nolint:revive
	b.requireOpen()
	modified, cols := b.snapshotRow(old)
	b.applyRow(new, modified, cols)
}

func (b *Builder) columnSet(col uint64) *indexset.Set {
	s, ok := b.perColumn[col]
	if !ok {
		s = indexset.New()
		b.perColumn[col] = s
	}
	return s
}

// Modify marks row as modified. If hasCol is true, the modification is also
// recorded against the given column ordinal for callers that want
// column-level granularity.
func (b *Builder) Modify(row uint64, col uint64, hasCol bool) {
	b.requireOpen()
	b.modifications.Add(row)
	if hasCol {
		b.columnSet(col).Add(row)
	}
}

// Verify checks the move/insertion/deletion invariant: every move's From
// must be present in deletions (in pre-change coordinates) and every move's
// To must be present in insertions.
func (b *Builder) Verify() error {
	for _, m := range b.moves {
		if !b.deletions.Contains(m.From) {
			errE := errors.WithStack(ErrInvalidMove)
			errors.Details(errE)["from"] = m.From
			return errE
		}
		if !b.insertions.Contains(m.To) {
			errE := errors.WithStack(ErrInvalidMove)
			errors.Details(errE)["to"] = m.To
			return errE
		}
	}
	return nil
}

// Finalize consumes the builder and produces the delivered ChangeSet. The
// builder must not be used afterwards.
func (b *Builder) Finalize() *ChangeSet {
	b.requireOpen()
	b.finalized = true

	modificationsOld := b.modifications.Clone()
	modificationsOld.EraseAtSet(b.insertions)
	modificationsOld.ShiftForInsertAtSet(b.deletions)

	modificationsNew := b.modifications.Clone()
	for _, r := range b.insertions.Ranges() {
		for i := r.Lo; i < r.Hi; i++ {
			modificationsNew.Remove(i)
		}
	}

	perColumnOld := make(map[uint64]*indexset.Set, len(b.perColumn))
	for col, s := range b.perColumn {
		c := s.Clone()
		c.EraseAtSet(b.insertions)
		c.ShiftForInsertAtSet(b.deletions)
		perColumnOld[col] = c
	}

	return &ChangeSet{
		Deletions:              b.deletions,
		Insertions:             b.insertions,
		ModificationsOld:       modificationsOld,
		ModificationsNew:       modificationsNew,
		Moves:                  append([]objectcore.Move(nil), b.moves...),
		PerColumnModifications: perColumnOld,
	}
}

// NewChangeSet constructs an already-finalized ChangeSet directly from its
// components. Unlike Builder.Finalize, no coordinate translation is
// performed: callers that already know both the pre-change and post-change
// positions of every deletion/insertion/modification (as diff.Calculate
// does, since it is handed two complete snapshots rather than a sequential
// mutation stream) construct the result this way instead of replaying
// mutations through a Builder.
func NewChangeSet(deletions, insertions, modificationsOld, modificationsNew *indexset.Set, moves []objectcore.Move, perColumn map[uint64]*indexset.Set) *ChangeSet {
	return &ChangeSet{
		Deletions:              deletions,
		Insertions:             insertions,
		ModificationsOld:       modificationsOld,
		ModificationsNew:       modificationsNew,
		Moves:                  moves,
		PerColumnModifications: perColumn,
	}
}

// Merge folds other (the change accumulated over a later, adjacent window)
// into b (the change accumulated over an earlier window), producing on b
// the composition of the two. other is left unspecified afterwards and
// should not be reused.
func (b *Builder) Merge(other *Builder) error {
	b.requireOpen()
	if other.finalized {
		return errors.WithStack(ErrAlreadyFinalized)
	}

	// Step 1+2: reconcile old moves against new moves, and drop new moves
	// whose source was itself a pending insertion in b (it is absorbed into
	// the existing insert).
	newMoves := other.moves

	mergedMoves := make([]objectcore.Move, 0, len(b.moves)+len(newMoves))
	consumed := make([]bool, len(newMoves))
	for _, om := range b.moves {
		extended := false
		for i, nm := range newMoves {
			if consumed[i] || nm.From != om.To {
				continue
			}
			if b.modifications.Contains(nm.From) {
				other.modifications.Add(nm.To)
			}
			mergedMoves = append(mergedMoves, objectcore.Move{From: om.From, To: nm.To})
			consumed[i] = true
			extended = true
			break
		}
		if extended {
			continue
		}
		if other.deletions.Contains(om.To) {
			// destination was deleted in the new window; the move is void.
			continue
		}
		om.To = other.insertions.Shift(other.deletions.Unshift(om.To))
		mergedMoves = append(mergedMoves, om)
	}
	for i, nm := range newMoves {
		if consumed[i] || b.insertions.Contains(nm.From) {
			continue
		}
		// Step 3: transport modifications across surviving new moves.
		if b.modifications.Contains(nm.From) {
			other.modifications.Add(nm.To)
		}
		from := b.deletions.Shift(b.insertions.Unshift(nm.From))
		mergedMoves = append(mergedMoves, objectcore.Move{From: from, To: nm.To})
	}

	// Step 6: combine deletions.
	b.deletions.AddShiftedBy(b.insertions, other.deletions)

	// Step 7: combine insertions (drop insert-then-delete, then shift-insert
	// the new insertions).
	b.insertions.EraseAtSet(other.deletions)
	b.insertions.InsertAtSet(other.insertions)

	// Step 9: combine modifications and per-column data.
	b.modifications.EraseAtSet(other.deletions)
	b.modifications.ShiftForInsertAtSet(other.insertions)
	b.modifications.AddSet(other.modifications)

	for col, s := range other.perColumn {
		dst := b.columnSet(col)
		dst.EraseAtSet(other.deletions)
		dst.ShiftForInsertAtSet(other.insertions)
		dst.AddSet(s)
	}

	// Step 8: drop moves whose net displacement collapsed to zero.
	final := mergedMoves[:0]
	for _, m := range mergedMoves {
		deletedBefore := countBelow(b.deletions, m.From)
		insertedBefore := countBelow(b.insertions, m.To)
		if m.From-deletedBefore == m.To-insertedBefore {
			b.deletions.Remove(m.From)
			b.insertions.Remove(m.To)
			continue
		}
		final = append(final, m)
	}
	b.moves = final

	return nil
}

func countBelow(s *indexset.Set, i uint64) uint64 {
	var n uint64
	for _, r := range s.Ranges() {
		if r.Lo >= i {
			break
		}
		if r.Hi <= i {
			n += r.Hi - r.Lo
		} else {
			n += i - r.Lo
		}
	}
	return n
}
