package ival

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergingInsertAdjacentAndOverlapping(t *testing.T) {
	tr := New(Merging)
	tr.Insert(0x10000, 0x1000, nil)
	tr.Insert(0x11000, 0x1000, nil) // touches the first: merge.
	require.Equal(t, 1, tr.Len())
	n, ok := tr.Contains(0x10800)
	require.True(t, ok)
	assert.Equal(t, uintptr(0x10000), n.Base)
	assert.Equal(t, uintptr(0x2000), n.Size)
}

func TestMergingInsertDisjointStaysSeparate(t *testing.T) {
	tr := New(Merging)
	tr.Insert(0x1000, 0x100, nil)
	tr.Insert(0x2000, 0x100, nil)
	assert.Equal(t, 2, tr.Len())
}

func TestRemoveRangeSplitsMergedInterval(t *testing.T) {
	tr := New(Merging)
	tr.Insert(0x10000, 0x1000, nil)
	tr.Insert(0x11000, 0x1000, nil)
	removed := tr.RemoveRange(0x10800, 0x11000)
	require.True(t, removed)
	require.Equal(t, 2, tr.Len())

	var got []Node
	tr.OrderedIterate(func(n Node) bool {
		got = append(got, n)
		return true
	})
	require.Len(t, got, 2)
	assert.Equal(t, uintptr(0x10000), got[0].Base)
	assert.Equal(t, uintptr(0x800), got[0].Size)
	assert.Equal(t, uintptr(0x11000), got[1].Base)
	assert.Equal(t, uintptr(0x1000), got[1].Size)
}

func TestNonMergingInsertDisjointAssertsNoOverlap(t *testing.T) {
	tr := New(NonMerging)
	tr.InsertDisjoint(0x4000, 0x30, true)
	assert.Panics(t, func() {
		tr.InsertDisjoint(0x4010, 0x10, true)
	})
}

func TestOverlapsNone(t *testing.T) {
	tr := New(NonMerging)
	tr.InsertDisjoint(0x1000, 0x20, nil)
	_, ok := tr.Overlaps(0x1008, 0x1010)
	assert.True(t, ok)
	_, ok = tr.Overlaps(0x2000, 0x2010)
	assert.False(t, ok)
}

func TestDeleteByBase(t *testing.T) {
	tr := New(NonMerging)
	tr.InsertDisjoint(0x9000, 0x10, "x")
	n, ok := tr.Delete(0x9000)
	require.True(t, ok)
	assert.Equal(t, "x", n.Payload)
	assert.Equal(t, 0, tr.Len())
	_, ok = tr.Delete(0x9000)
	assert.False(t, ok)
}
