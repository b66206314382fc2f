// Package shadow implements the allocator-aware shadow-memory façade (C1):
// a per-byte tag for every application address, plus the range and
// dword-scan primitives the rest of the core is built on.
//
// Storage is paged: each page covers pageSize application bytes and is
// allocated lazily on first write, so a process that only ever touches a
// small fraction of the address space pays for a small fraction of the
// shadow. Within a page, byte tags are updated without a lock: the
// application itself races on those bytes, so shadow writes are
// last-writer-wins by design. Only the page table itself (deciding whether
// a page exists yet) is serialized.
package shadow

import (
	"sync"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/simd"
)

const (
	pageShift = 12
	// pageSize is deliberately aligned with simd.BytesPerVec() so that
	// whole-page scans stay vector-friendly, the same sizing consideration
	// circular/bitmap.go made for its row capacity.
	pageSize = 1 << pageShift
)

func pageSizeFloor() int {
	if v := simd.BytesPerVec(); v > pageSize {
		return v
	}
	return pageSize
}

// Shadow is a per-byte tag store over the application address space.
type Shadow struct {
	mu    sync.Mutex
	pages map[uintptr][]Tag
}

// New creates an empty Shadow; every address reads Unaddressable until set.
func New() *Shadow {
	if pageSizeFloor() != pageSize {
		log.Panicf("shadow: pageSize %d smaller than vector width %d", pageSize, pageSizeFloor())
	}
	return &Shadow{pages: make(map[uintptr][]Tag)}
}

func pageIndex(addr uintptr) uintptr { return addr >> pageShift }
func pageOffset(addr uintptr) uintptr { return addr & (pageSize - 1) }

// page returns the backing slice for addr's page, allocating it if create
// is true and it doesn't exist yet. Returns nil if create is false and the
// page is unallocated (equivalent to all-Unaddressable).
func (s *Shadow) page(addr uintptr, create bool) []Tag {
	idx := pageIndex(addr)
	s.mu.Lock()
	p, ok := s.pages[idx]
	if !ok && create {
		p = make([]Tag, pageSize)
		s.pages[idx] = p
	}
	s.mu.Unlock()
	return p
}

// Get returns the tag at addr.
func (s *Shadow) Get(addr uintptr) Tag {
	p := s.page(addr, false)
	if p == nil {
		return Unaddressable
	}
	return p[pageOffset(addr)]
}

// Set stores tag at addr.
func (s *Shadow) Set(addr uintptr, tag Tag) {
	p := s.page(addr, true)
	p[pageOffset(addr)] = tag
}

// SetRange sets every byte in [lo, hi) to tag. Idempotent and
// order-preserving: a later SetRange overwrites an earlier one for any
// overlapping sub-range.
func (s *Shadow) SetRange(lo, hi uintptr, tag Tag) {
	if hi <= lo {
		return
	}
	for addr := lo; addr < hi; {
		idx := pageIndex(addr)
		off := pageOffset(addr)
		end := off + (hi - addr)
		if end > pageSize {
			end = pageSize
		}
		p := s.page(addr, true)
		for i := off; i < end; i++ {
			p[i] = tag
		}
		addr += end - off
		_ = idx
	}
}

// CopyRange copies tags from [src, src+n) to [dst, dst+n), preserving
// relative position even when the ranges overlap, the semantics of moving
// tagged bytes rather than duplicating them.
func (s *Shadow) CopyRange(src, dst uintptr, n uintptr) {
	if n == 0 || src == dst {
		return
	}
	tmp := make([]Tag, n)
	for i := uintptr(0); i < n; i++ {
		tmp[i] = s.Get(src + i)
	}
	for i := uintptr(0); i < n; i++ {
		s.Set(dst+i, tmp[i])
	}
}

// NextDwordWithTag returns the smallest 4-byte-aligned address in
// [start, end) whose 4 bytes all carry tag, or end if none does.
func (s *Shadow) NextDwordWithTag(start, end uintptr, tag Tag) uintptr {
	aligned := (start + 3) &^ 3
	for addr := aligned; addr+4 <= end; addr += 4 {
		if s.Get(addr) == tag && s.Get(addr+1) == tag &&
			s.Get(addr+2) == tag && s.Get(addr+3) == tag {
			return addr
		}
	}
	return end
}

// CheckRange returns true iff every byte in [start, start+n) carries
// exactly tag; otherwise it returns false and the offset (relative to
// start) of the first differing byte.
func (s *Shadow) CheckRange(start uintptr, n uintptr, tag Tag) (ok bool, firstDiff uintptr) {
	for i := uintptr(0); i < n; i++ {
		if s.Get(start+i) != tag {
			return false, i
		}
	}
	return true, 0
}
