package objectchangeset_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"gitlab.com/peerdb/objectcore"
	"gitlab.com/peerdb/objectcore/objectchangeset"
)

func TestInsertThenDeleteIsEmpty(t *testing.T) {
	t.Parallel()

	s := objectchangeset.New()
	s.InsertionsAdd(1)
	s.DeletionsAdd(1)

	assert.True(t, s.Empty())
	assert.False(t, s.DeletionsContains(1))
}

func TestModifyThenDeleteOnlyRecordsDeletion(t *testing.T) {
	t.Parallel()

	s := objectchangeset.New()
	s.ModificationsAdd(1, 0)
	s.DeletionsAdd(1)

	_, ok := s.ColumnsModified(1)
	assert.False(t, ok)
	assert.True(t, s.DeletionsContains(1))
}

func TestClearOccurredSemantics(t *testing.T) {
	t.Parallel()

	s := objectchangeset.New()
	s.Clear()
	assert.True(t, s.DeletionsContains(42))

	s.InsertionsAdd(42)
	assert.False(t, s.DeletionsContains(42))
}

func TestMergeCollapsesInsertThenDeleteAcrossWindows(t *testing.T) {
	t.Parallel()

	a := objectchangeset.New()
	a.InsertionsAdd(7)

	b := objectchangeset.New()
	b.DeletionsAdd(7)

	a.Merge(b)
	assert.True(t, a.Empty())
}
