package changeset_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/peerdb/objectcore/changeset"
)

func TestInsertThenEraseCollapses(t *testing.T) {
	t.Parallel()

	b := changeset.NewBuilder()
	b.Insert(1, 1, true)
	b.Erase(1)

	cs := b.Finalize()
	assert.True(t, cs.Empty())
}

func TestMoveChainCollapses(t *testing.T) {
	t.Parallel()

	b := changeset.NewBuilder()
	b.Move(0, 2)
	b.Move(2, 3)

	cs := b.Finalize()
	require.Len(t, cs.Moves, 1)
	assert.Equal(t, uint64(0), cs.Moves[0].From)
	assert.Equal(t, uint64(3), cs.Moves[0].To)
	assert.True(t, cs.Deletions.Contains(0))
	assert.True(t, cs.Insertions.Contains(3))
}

func TestModifiedRowThatMovesCarriesModification(t *testing.T) {
	t.Parallel()

	b := changeset.NewBuilder()
	b.Modify(0, 0, false)
	b.Move(0, 2)

	cs := b.Finalize()
	assert.True(t, cs.ModificationsOld.Contains(0))
	assert.True(t, cs.ModificationsNew.Contains(2))
	require.Len(t, cs.Moves, 1)
	assert.Equal(t, uint64(0), cs.Moves[0].From)
	assert.Equal(t, uint64(2), cs.Moves[0].To)
}

func TestClearDropsEverythingElse(t *testing.T) {
	t.Parallel()

	b := changeset.NewBuilder()
	b.Insert(0, 2, true)
	b.Modify(0, 0, false)
	b.Clear(5)

	cs := b.Finalize()
	assert.Equal(t, uint64(5), cs.Deletions.Count())
	assert.True(t, cs.Insertions.Empty())
	assert.True(t, cs.ModificationsOld.Empty())
}

func TestVerifyAcceptsConsistentMove(t *testing.T) {
	t.Parallel()

	b := changeset.NewBuilder()
	b.Move(0, 2)
	require.NoError(t, b.Verify())
}

func TestSwapExchangesModificationFlags(t *testing.T) {
	t.Parallel()

	b := changeset.NewBuilder()
	b.Modify(0, 0, false)
	b.Swap(0, 1)

	cs := b.Finalize()
	assert.False(t, cs.ModificationsOld.Contains(0))
	assert.True(t, cs.ModificationsOld.Contains(1))
	assert.False(t, cs.ModificationsNew.Contains(0))
	assert.True(t, cs.ModificationsNew.Contains(1))
	assert.Empty(t, cs.Moves)
}

func TestSwapIsANoOpOnItself(t *testing.T) {
	t.Parallel()

	b := changeset.NewBuilder()
	b.Modify(0, 0, false)
	b.Swap(0, 0)

	cs := b.Finalize()
	assert.True(t, cs.ModificationsOld.Contains(0))
}

func TestSubsumeCopiesModificationHistoryForward(t *testing.T) {
	t.Parallel()

	b := changeset.NewBuilder()
	b.Modify(3, 7, true)
	b.Subsume(3, 5)

	cs := b.Finalize()
	assert.True(t, cs.ModificationsOld.Contains(3))
	assert.True(t, cs.ModificationsOld.Contains(5))
	require.Contains(t, cs.PerColumnModifications, uint64(7))
	assert.True(t, cs.PerColumnModifications[7].Contains(3))
	assert.True(t, cs.PerColumnModifications[7].Contains(5))
}

func TestMoveOverSameRowDelegatesToErase(t *testing.T) {
	t.Parallel()

	b := changeset.NewBuilder()
	b.MoveOver(1, 1)

	cs := b.Finalize()
	assert.True(t, cs.Deletions.Contains(1))
	assert.Empty(t, cs.Moves)
}

func TestMoveOverRecordsSwapAndPopMove(t *testing.T) {
	t.Parallel()

	b := changeset.NewBuilder()
	b.MoveOver(0, 2)

	cs := b.Finalize()
	require.Len(t, cs.Moves, 1)
	assert.Equal(t, uint64(2), cs.Moves[0].From)
	assert.Equal(t, uint64(0), cs.Moves[0].To)
	assert.True(t, cs.Deletions.Contains(0))
	assert.True(t, cs.Insertions.Contains(0))
}

func TestMergeCombinesModificationsFromBothWindows(t *testing.T) {
	t.Parallel()

	first := changeset.NewBuilder()
	first.Modify(0, 0, false)

	second := changeset.NewBuilder()
	second.Modify(1, 0, false)

	require.NoError(t, first.Merge(second))

	cs := first.Finalize()
	assert.True(t, cs.ModificationsOld.Contains(0))
	assert.True(t, cs.ModificationsOld.Contains(1))
}

func TestMergeRejectsAlreadyFinalizedOther(t *testing.T) {
	t.Parallel()

	first := changeset.NewBuilder()
	second := changeset.NewBuilder()
	second.Finalize()

	err := first.Merge(second)
	require.Error(t, err)
}
