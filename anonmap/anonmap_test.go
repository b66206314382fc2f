package anonmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddMergesAdjacentMappings(t *testing.T) {
	tr := New()
	tr.Add(0x10000, 0x1000)
	tr.Add(0x11000, 0x1000)
	require.Equal(t, 1, tr.Len())
	base, size, ok := tr.Lookup(0x10800)
	require.True(t, ok)
	assert.Equal(t, uintptr(0x10000), base)
	assert.Equal(t, uintptr(0x2000), size)
}

func TestRemoveSplitsMergedMapping(t *testing.T) {
	tr := New()
	tr.Add(0x10000, 0x1000)
	tr.Add(0x11000, 0x1000)
	ok := tr.Remove(0x10800, 0x800)
	require.True(t, ok)
	assert.Equal(t, 2, tr.Len())

	_, _, ok = tr.Lookup(0x10800)
	assert.False(t, ok)
	base, size, ok := tr.Lookup(0x10000)
	require.True(t, ok)
	assert.Equal(t, uintptr(0x10000), base)
	assert.Equal(t, uintptr(0x800), size)
}

func TestRemoveUntrackedRangeReturnsFalse(t *testing.T) {
	tr := New()
	tr.Add(0x10000, 0x1000)
	ok := tr.Remove(0x20000, 0x1000)
	assert.False(t, ok)
}

func TestLookupOutsideAnyMapping(t *testing.T) {
	tr := New()
	tr.Add(0x10000, 0x1000)
	_, _, ok := tr.Lookup(0x20000)
	assert.False(t, ok)
}
