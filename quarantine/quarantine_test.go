package quarantine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScenario1 matches spec.md §8 concrete scenario 1, except that the
// expected return of Overlaps(0x2008,0x2010) is computed from §4.5's own
// algorithm (the quarantined block's [base,end), redzone-shrunk) rather
// than the scenario text's (0x2008..0x2030): with redzone_size=0 the block
// B(0x2000,0x30) is untouched by shrinking, so its bounds are
// (0x2000,0x2030). See DESIGN.md for this reconciliation.
func TestScenario1(t *testing.T) {
	q := New(2, 0)

	base, heapID, shouldFree := q.Enqueue(Entry{RealBase: 0x1000, RealSize: 0x20})
	assert.False(t, shouldFree)
	_, _ = base, heapID

	_, _, shouldFree = q.Enqueue(Entry{RealBase: 0x2000, RealSize: 0x30})
	assert.False(t, shouldFree)

	evictedBase, _, shouldFree := q.Enqueue(Entry{RealBase: 0x3000, RealSize: 0x40})
	require.True(t, shouldFree)
	assert.Equal(t, uintptr(0x1000), evictedBase)

	_, _, ok := q.Overlaps(0x1008, 0x1010)
	assert.False(t, ok)

	lo, hi, ok := q.Overlaps(0x2008, 0x2010)
	require.True(t, ok)
	assert.Equal(t, uintptr(0x2000), lo)
	assert.Equal(t, uintptr(0x2030), hi)
}

// TestScenario2 matches spec.md §8 concrete scenario 2 exactly.
func TestScenario2(t *testing.T) {
	q := New(4, 8)
	_, _, _ = q.Enqueue(Entry{RealBase: 0x4000, RealSize: 0x30, AppSize: 0x20, HasRedzone: true})

	_, _, ok := q.Overlaps(0x4000, 0x4008)
	assert.False(t, ok)

	lo, hi, ok := q.Overlaps(0x4010, 0x4018)
	require.True(t, ok)
	assert.Equal(t, uintptr(0x4008), lo)
	assert.Equal(t, uintptr(0x4028), hi)
}

func TestFullRotationReturnsOriginalBlock(t *testing.T) {
	q := New(2, 0)
	q.Enqueue(Entry{RealBase: 0x100, RealSize: 0x10})
	q.Enqueue(Entry{RealBase: 0x200, RealSize: 0x10})

	evictedBase, _, shouldFree := q.Enqueue(Entry{RealBase: 0x300, RealSize: 0x10})
	require.True(t, shouldFree)
	assert.Equal(t, uintptr(0x100), evictedBase)

	evictedBase, _, shouldFree = q.Enqueue(Entry{RealBase: 0x400, RealSize: 0x10})
	require.True(t, shouldFree)
	assert.Equal(t, uintptr(0x200), evictedBase)
}

func TestHeapDestroySweepInvalidatesAndSkipsOnEvict(t *testing.T) {
	q := New(2, 0)
	q.Enqueue(Entry{RealBase: 0x100, RealSize: 0x10, HeapID: 1})
	q.Enqueue(Entry{RealBase: 0x200, RealSize: 0x10, HeapID: 2})

	n := q.HeapDestroy(1)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, q.Len())

	_, _, ok := q.Overlaps(0x100, 0x110)
	assert.False(t, ok)

	// Enqueue over the swept (now invalid) slot: no real free should be
	// requested for it.
	_, _, shouldFree := q.Enqueue(Entry{RealBase: 0x300, RealSize: 0x10, HeapID: 3})
	assert.False(t, shouldFree)
}

func TestHeapDestroyCheckedReportsNoInconsistencyOnNormalSweep(t *testing.T) {
	q := New(4, 0)
	q.Enqueue(Entry{RealBase: 0x100, RealSize: 0x10, HeapID: 1})
	q.Enqueue(Entry{RealBase: 0x200, RealSize: 0x10, HeapID: 1})

	invalidated, inconsistent := q.HeapDestroyChecked(1)
	assert.Equal(t, 2, invalidated)
	assert.Empty(t, inconsistent)
}

func TestQuarantineLen(t *testing.T) {
	q := New(3, 0)
	assert.Equal(t, 0, q.Len())
	q.Enqueue(Entry{RealBase: 0x10, RealSize: 1})
	q.Enqueue(Entry{RealBase: 0x20, RealSize: 1})
	assert.Equal(t, 2, q.Len())
}
