// Package mmap implements the memory-map event handler (C7): it converts
// mmap/munmap/mremap notifications into shadow-memory and anonymous-map
// tracker updates, following alloc_drmem.c's handle_mmap/handle_munmap
// disambiguation between anonymous and file-backed mappings.
package mmap

import (
	"fmt"

	"github.com/grailbio/base/log"

	"github.com/grailbio/shadowmem/anonmap"
	"github.com/grailbio/shadowmem/shadow"
)

// Walker sets shadow state for a file- or image-backed mapping, one
// sub-region at a time based on section permissions (e.g. read-only data
// vs. executable text). Walker is the seam a host plugs a real PE/ELF
// reader into.
type Walker interface {
	WalkMapping(base, size uintptr, sh *shadow.Shadow)
}

// MmapEvent describes a completed anonymous or file-backed mapping.
type MmapEvent struct {
	Base, Size   uintptr
	IsFile       bool
	InAllocator  bool // true if the call originated from inside an allocator routine.
	HeapTimeUndefined bool // platform-specific subcase: tag UNDEFINED instead of UNADDRESSABLE.
}

// MunmapEvent describes an unmap request and its outcome.
type MunmapEvent struct {
	Base, Size uintptr
	Failed     bool
}

// MremapEvent describes a move-and/or-resize of an existing mapping.
type MremapEvent struct {
	OldBase, OldSize uintptr
	NewBase, NewSize uintptr
	IsImage          bool // grown tail becomes DEFINED instead of UNDEFINED (image remap).
}

// Handler wires mmap/munmap/mremap events to shadow memory and the
// anonymous-mapping tracker.
type Handler struct {
	shadow *shadow.Shadow
	anon   *anonmap.Tracker
	walker Walker
}

// NewHandler creates a Handler. walker may be nil if the host never
// reports file/image mappings.
func NewHandler(sh *shadow.Shadow, anon *anonmap.Tracker, walker Walker) *Handler {
	return &Handler{shadow: sh, anon: anon, walker: walker}
}

// Mmap records a successful mapping. An anonymous mapping made from inside
// an allocator routine is left UNADDRESSABLE, since each chunk gets its own
// tag from alloc.Handler.Malloc once handed to the application. A mapping
// made by ordinary application code is immediately DEFINED, since the
// kernel zero-fills fresh anonymous pages. ev.HeapTimeUndefined overrides
// both to UNDEFINED for allocators that reserve address space ahead of use.
func (h *Handler) Mmap(ev MmapEvent) {
	if ev.Size == 0 {
		return
	}
	if ev.IsFile {
		if h.walker != nil {
			h.walker.WalkMapping(ev.Base, ev.Size, h.shadow)
		}
		return
	}

	h.anon.Add(ev.Base, ev.Size)
	switch {
	case ev.HeapTimeUndefined:
		h.shadow.SetRange(ev.Base, ev.Base+ev.Size, shadow.Undefined)
	case ev.InAllocator:
		h.shadow.SetRange(ev.Base, ev.Base+ev.Size, shadow.Unaddressable)
	default:
		h.shadow.SetRange(ev.Base, ev.Base+ev.Size, shadow.Defined)
	}
}

// Munmap records a successful or failed unmap. On success, an anonymous
// mapping is un-tracked and its shadow goes UNADDRESSABLE; if the tracker
// reports it never held the range, ev is assumed to be a file mapping and
// marked UNADDRESSABLE the same way. On failure, the handler reverts: it
// re-adds the range to the tracker and restores shadow to DEFINED, the
// best recoverable state since the pre-call shadow was never snapshotted.
func (h *Handler) Munmap(ev MunmapEvent) {
	if ev.Failed {
		h.anon.Add(ev.Base, ev.Size)
		h.shadow.SetRange(ev.Base, ev.Base+ev.Size, shadow.Defined)
		return
	}

	wasAnon := h.anon.Remove(ev.Base, ev.Size)
	h.shadow.SetRange(ev.Base, ev.Base+ev.Size, shadow.Unaddressable)
	if !wasAnon {
		log.Printf("mmap: munmap of untracked range base=%#x size=%#x treated as file mapping", ev.Base, ev.Size)
	}
}

// Mremap moves and/or resizes a mapping: shadow over the surviving overlap
// is copied from the old range to the new one; a shrinking tail of the old
// range goes UNADDRESSABLE; a growing tail of the new range goes
// UNDEFINED, or DEFINED when the mapping is an image (zero-filled growth).
// The tracker retires the old interval and records the new one.
func (h *Handler) Mremap(ev MremapEvent) {
	n := ev.OldSize
	if ev.NewSize < n {
		n = ev.NewSize
	}
	h.shadow.CopyRange(ev.OldBase, ev.NewBase, n)

	if ev.OldSize > n {
		h.shadow.SetRange(ev.OldBase+n, ev.OldBase+ev.OldSize, shadow.Unaddressable)
	}
	if ev.NewSize > n {
		tag := shadow.Undefined
		if ev.IsImage {
			tag = shadow.Defined
		}
		h.shadow.SetRange(ev.NewBase+n, ev.NewBase+ev.NewSize, tag)
	}

	h.anon.Remove(ev.OldBase, ev.OldSize)
	h.anon.Add(ev.NewBase, ev.NewSize)
}

func (ev MmapEvent) String() string {
	return fmt.Sprintf("mmap base=%#x size=%#x file=%v inAlloc=%v", ev.Base, ev.Size, ev.IsFile, ev.InAllocator)
}
