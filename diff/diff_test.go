package diff_test

import (
	"testing"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/stretchr/testify/require"

	"gitlab.com/peerdb/objectcore"
	"gitlab.com/peerdb/objectcore/diff"
)

func keys(vs ...uint64) []objectcore.ObjKey {
	out := make([]objectcore.ObjKey, len(vs))
	for i, v := range vs {
		out[i] = objectcore.ObjKey(v)
	}
	return out
}

func TestSortedPathSwapIsMinimal(t *testing.T) {
	t.Parallel()

	prev := keys(1, 2, 3, 4, 5)
	next := keys(1, 3, 2, 4, 5)

	cs, err := diff.Calculate(prev, next, diff.Options{})
	require.NoError(t, err)

	require.Equal(t, uint64(1), cs.Deletions.Count())
	require.Equal(t, uint64(1), cs.Insertions.Count())
}

func TestUnsortedPathClassifiesMoveOver(t *testing.T) {
	t.Parallel()

	prev := keys(10, 20, 30, 40)
	next := keys(10, 40, 30)

	candidates := roaring64.New()
	candidates.Add(1) // position of 40 in next

	cs, err := diff.Calculate(prev, next, diff.Options{MoveCandidates: candidates})
	require.NoError(t, err)

	require.Equal(t, uint64(1), cs.Deletions.Count())
	require.Equal(t, uint64(1), cs.Insertions.Count())
}

func TestNoChangeProducesEmptyDiff(t *testing.T) {
	t.Parallel()

	prev := keys(1, 2, 3)
	next := keys(1, 2, 3)

	cs, err := diff.Calculate(prev, next, diff.Options{})
	require.NoError(t, err)
	require.True(t, cs.Empty())
}

func TestModificationPredicateIsHonored(t *testing.T) {
	t.Parallel()

	prev := keys(1, 2, 3)
	next := keys(1, 2, 3)

	cs, err := diff.Calculate(prev, next, diff.Options{
		RowDidChange: func(k objectcore.ObjKey) bool { return k == 2 },
	})
	require.NoError(t, err)
	require.True(t, cs.ModificationsOld.Contains(1))
	require.True(t, cs.ModificationsNew.Contains(1))
}

func TestSortedPathPrefersFewerExclusionsOverPlainIncreasingMatch(t *testing.T) {
	t.Parallel()

	prev := keys(1, 2, 3, 4, 5) // a b c d e
	next := keys(1, 3, 2, 4, 5) // a c b d e

	cs, err := diff.Calculate(prev, next, diff.Options{})
	require.NoError(t, err)

	require.True(t, cs.Deletions.Contains(2), "expected old position 2 (c) to be the excluded row")
	require.True(t, cs.Insertions.Contains(1), "expected new position 1 (c's new slot) to be the excluded row")
	require.False(t, cs.Deletions.Contains(1))
	require.False(t, cs.Insertions.Contains(2))
}

func TestDeliveredChangeSetNeverOverlapsModificationsAndMoves(t *testing.T) {
	t.Parallel()

	prev := keys(1, 2)
	next := keys(2, 1)

	cs, err := diff.Calculate(prev, next, diff.Options{
		RowDidChange: func(k objectcore.ObjKey) bool { return k == 1 },
	})
	require.NoError(t, err)

	for _, r := range cs.Insertions.Ranges() {
		for i := r.Lo; i < r.Hi; i++ {
			require.False(t, cs.ModificationsNew.Contains(i), "position %d is both an insertion and a modification", i)
		}
	}
	for _, r := range cs.Deletions.Ranges() {
		for i := r.Lo; i < r.Hi; i++ {
			require.False(t, cs.ModificationsOld.Contains(i), "position %d is both a deletion and a modification", i)
		}
	}
}
