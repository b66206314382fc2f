package mmap

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/grailbio/shadowmem/anonmap"
	"github.com/grailbio/shadowmem/shadow"
)

func newTestHandler() (*Handler, *shadow.Shadow, *anonmap.Tracker) {
	sh := shadow.New()
	anon := anonmap.New()
	return NewHandler(sh, anon, nil), sh, anon
}

func TestMmapAnonOrdinaryIsDefined(t *testing.T) {
	h, sh, anon := newTestHandler()
	h.Mmap(MmapEvent{Base: 0x10000, Size: 0x1000})

	ok, _ := sh.CheckRange(0x10000, 0x1000, shadow.Defined)
	assert.True(t, ok)
	base, size, found := anon.Lookup(0x10000)
	assert.True(t, found)
	assert.Equal(t, uintptr(0x10000), base)
	assert.Equal(t, uintptr(0x1000), size)
}

func TestMmapAnonInsideAllocatorIsUnaddressable(t *testing.T) {
	h, sh, _ := newTestHandler()
	h.Mmap(MmapEvent{Base: 0x20000, Size: 0x1000, InAllocator: true})

	ok, _ := sh.CheckRange(0x20000, 0x1000, shadow.Unaddressable)
	assert.True(t, ok)
}

func TestMmapAnonHeapTimeUndefinedOverride(t *testing.T) {
	h, sh, _ := newTestHandler()
	h.Mmap(MmapEvent{Base: 0x30000, Size: 0x1000, InAllocator: true, HeapTimeUndefined: true})

	ok, _ := sh.CheckRange(0x30000, 0x1000, shadow.Undefined)
	assert.True(t, ok)
}

func TestMunmapSuccessUntracksAndMarksUnaddressable(t *testing.T) {
	h, sh, anon := newTestHandler()
	h.Mmap(MmapEvent{Base: 0x10000, Size: 0x1000})
	h.Munmap(MunmapEvent{Base: 0x10000, Size: 0x1000})

	ok, _ := sh.CheckRange(0x10000, 0x1000, shadow.Unaddressable)
	assert.True(t, ok)
	_, _, found := anon.Lookup(0x10000)
	assert.False(t, found)
}

func TestMunmapFailureRestoresToDefined(t *testing.T) {
	h, sh, anon := newTestHandler()
	h.Mmap(MmapEvent{Base: 0x10000, Size: 0x1000})
	h.Munmap(MunmapEvent{Base: 0x10000, Size: 0x1000, Failed: true})

	ok, _ := sh.CheckRange(0x10000, 0x1000, shadow.Defined)
	assert.True(t, ok)
	_, _, found := anon.Lookup(0x10000)
	assert.True(t, found)
}

func TestMremapGrowCopiesOverlapAndMarksTailUndefined(t *testing.T) {
	h, sh, anon := newTestHandler()
	h.Mmap(MmapEvent{Base: 0x10000, Size: 0x1000})
	sh.SetRange(0x10000, 0x11000, shadow.Defined)

	h.Mremap(MremapEvent{OldBase: 0x10000, OldSize: 0x1000, NewBase: 0x20000, NewSize: 0x2000})

	ok, _ := sh.CheckRange(0x20000, 0x1000, shadow.Defined)
	assert.True(t, ok)
	ok, _ = sh.CheckRange(0x21000, 0x1000, shadow.Undefined)
	assert.True(t, ok)
	_, _, found := anon.Lookup(0x10000)
	assert.False(t, found)
	base, size, found := anon.Lookup(0x20000)
	assert.True(t, found)
	assert.Equal(t, uintptr(0x20000), base)
	assert.Equal(t, uintptr(0x2000), size)
}

func TestMremapShrinkMarksTailUnaddressable(t *testing.T) {
	h, sh, _ := newTestHandler()
	h.Mmap(MmapEvent{Base: 0x10000, Size: 0x2000})
	sh.SetRange(0x10000, 0x12000, shadow.Defined)

	h.Mremap(MremapEvent{OldBase: 0x10000, OldSize: 0x2000, NewBase: 0x10000, NewSize: 0x1000})

	ok, _ := sh.CheckRange(0x10000, 0x1000, shadow.Defined)
	assert.True(t, ok)
	ok, _ = sh.CheckRange(0x11000, 0x1000, shadow.Unaddressable)
	assert.True(t, ok)
}

func TestMmapFileDelegatesToWalkerNotAnonTracker(t *testing.T) {
	sh := shadow.New()
	anon := anonmap.New()
	walked := false
	h := NewHandler(sh, anon, walkerFunc(func(base, size uintptr, s *shadow.Shadow) {
		walked = true
		s.SetRange(base, base+size, shadow.Defined)
	}))

	h.Mmap(MmapEvent{Base: 0x40000, Size: 0x1000, IsFile: true})

	assert.True(t, walked)
	_, _, found := anon.Lookup(0x40000)
	assert.False(t, found)
}

type walkerFunc func(base, size uintptr, sh *shadow.Shadow)

func (f walkerFunc) WalkMapping(base, size uintptr, sh *shadow.Shadow) { f(base, size, sh) }
