// Package alloc implements the allocator event handler (C6): it turns
// malloc/realloc/free/heap-destroy notifications from whatever allocator
// wrapper the host installs into shadow-memory updates, quarantine
// enqueues, and callstack interning, following alloc_drmem.c's
// alloc_handle_create/handle_free/realloc shape.
package alloc

import (
	"fmt"
	"sync"

	"github.com/grailbio/base/log"

	"github.com/grailbio/shadowmem/callstack"
	"github.com/grailbio/shadowmem/config"
	"github.com/grailbio/shadowmem/quarantine"
	"github.com/grailbio/shadowmem/shadow"
)

// MachineContext is the minimal per-event register snapshot a FrameCapturer
// needs to walk a call stack.
type MachineContext struct {
	PC, SP uintptr
	Regs   [8]uintptr
}

// FrameCapturer walks ctx's stack and returns return addresses, outermost
// first. Stack walking is platform-specific, so the host supplies this.
type FrameCapturer func(ctx MachineContext) []uintptr

// EventKind identifies what Reporter.Report is describing.
type EventKind int

const (
	EventMalloc EventKind = iota
	EventFree
	EventRealloc
	EventReallocNull
	EventHeapDestroy
	EventAllocFailure
	EventDoubleFree
)

// Reporter receives a human-readable line per allocator event. The host
// decides how, or whether, to surface it.
type Reporter interface {
	Report(kind EventKind, detail string)
}

// LeakTracker receives allocation lifetime notifications for leak
// scanning. It only feeds whatever does the reachability scan; graph
// traversal itself lives elsewhere.
type LeakTracker interface {
	Track(base, size, heapID uintptr, cs callstack.Handle)
	Untrack(base uintptr)
	DropHeap(heapID uintptr)
}

// MallocEvent describes a completed allocation.
type MallocEvent struct {
	Base, Size         uintptr
	RealBase, RealSize uintptr
	Zeroed             bool
	HeapID             uintptr
	Ctx                MachineContext
}

// ReallocEvent describes a completed reallocation: the old and new
// app-visible ranges, already resolved by the allocator wrapper (which may
// have moved the block).
type ReallocEvent struct {
	OldBase, OldSize uintptr
	NewBase, NewSize uintptr
	HeapID           uintptr
	Ctx              MachineContext
}

// FreeEvent describes a free request. RealBase/RealSize are the allocator's
// own (redzone-inclusive) block bounds; Base/Size are the app-visible ones.
type FreeEvent struct {
	Base, Size         uintptr
	RealBase, RealSize uintptr
	AppSize            uintptr
	HasRedzone         bool
	HeapID             uintptr
}

// Handler wires allocator events to shadow memory, the delayed-free
// quarantine, and the callstack pool.
type Handler struct {
	cfg        config.Config
	shadow     *shadow.Shadow
	quarantine *quarantine.Quarantine // nil when cfg.DelayFrees <= 0.
	stacks     *callstack.Pool
	reporter   Reporter
	leaks      LeakTracker // nil disables leak tracking.
	capture    FrameCapturer

	mu           sync.Mutex
	failureTally map[uint64]int
}

// NewHandler creates a Handler. leaks may be nil if leak tracking is
// disabled (cfg.CheckLeaksOnDestroy and cfg.CountLeaks are then ignored).
func NewHandler(cfg config.Config, sh *shadow.Shadow, stacks *callstack.Pool, reporter Reporter, leaks LeakTracker, capture FrameCapturer) *Handler {
	h := &Handler{
		cfg:          cfg,
		shadow:       sh,
		stacks:       stacks,
		reporter:     reporter,
		leaks:        leaks,
		capture:      capture,
		failureTally: make(map[uint64]int),
	}
	if cfg.DelayFrees > 0 {
		h.quarantine = quarantine.New(cfg.DelayFrees, cfg.RedzoneSize)
	}
	return h
}

// Malloc records a new allocation: interns its call stack, marks the
// app-visible range Defined (zeroed allocators) or Undefined, reports the
// event, and starts leak tracking for it.
func (h *Handler) Malloc(ev MallocEvent) callstack.Handle {
	frames := h.capture(ev.Ctx)
	cs := h.stacks.Intern(callstack.NewPackedCallstack(frames))

	if h.cfg.Shadowing {
		tag := shadow.Undefined
		if ev.Zeroed {
			tag = shadow.Defined
		}
		h.shadow.SetRange(ev.Base, ev.Base+ev.Size, tag)
	}
	h.reporter.Report(EventMalloc, fmt.Sprintf("malloc base=%#x size=%#x", ev.Base, ev.Size))
	if h.leaks != nil {
		h.leaks.Track(ev.Base, ev.Size, ev.HeapID, cs)
	}
	return cs
}

// Realloc updates shadow state across a reallocation. It copies the
// surviving old/new overlap's tags to their new position, marks any part of
// the new range past the old size Undefined (freshly provided by the
// allocator, not yet written), and marks any part of the old range the new
// one no longer covers Unaddressable.
//
// The abandoned region is marked Unaddressable directly rather than routed
// through the quarantine, so a use-after-free into a shrunk-away tail is
// reported as an ordinary unaddressable access rather than a quarantine hit.
func (h *Handler) Realloc(ev ReallocEvent) {
	h.reporter.Report(EventRealloc, fmt.Sprintf("realloc old=%#x,%#x new=%#x,%#x", ev.OldBase, ev.OldSize, ev.NewBase, ev.NewSize))
	if !h.cfg.Shadowing {
		return
	}

	oldLo, oldHi := ev.OldBase, ev.OldBase+ev.OldSize
	newLo, newHi := ev.NewBase, ev.NewBase+ev.NewSize

	h.shadow.CopyRange(ev.OldBase, ev.NewBase, minUintptr(ev.OldSize, ev.NewSize))

	if ev.NewSize > ev.OldSize {
		h.shadow.SetRange(ev.NewBase+ev.OldSize, newHi, shadow.Undefined)
	}
	if newLo > oldLo {
		abandonedHi := minUintptr(newLo, oldHi)
		if oldLo < abandonedHi {
			h.shadow.SetRange(oldLo, abandonedHi, shadow.Unaddressable)
		}
	}
	if oldHi > newHi {
		abandonedLo := maxUintptr(newHi, oldLo)
		if abandonedLo < oldHi {
			h.shadow.SetRange(abandonedLo, oldHi, shadow.Unaddressable)
		}
	}
}

// ReallocNull reports a realloc(NULL, size) call, which behaves as a plain
// malloc at the allocator level but is worth flagging separately since it
// usually indicates the caller didn't need to use realloc at all.
func (h *Handler) ReallocNull(ctx MachineContext) {
	if h.cfg.WarnNullPtr {
		h.reporter.Report(EventReallocNull, "realloc(NULL, size) observed")
	}
}

// Free marks ev's app-visible range Unaddressable, stops leak tracking it,
// and (if delayed frees are enabled) enqueues it in the quarantine instead
// of returning it for immediate reuse.
//
// Before doing any of that, it checks whether [RealBase, RealBase+RealSize)
// is already quarantined: freeing a block that's already queued for delayed
// release is otherwise indistinguishable from a genuine double-free once
// the underlying block is gone, so the quarantine check runs first and is
// reported as EventDoubleFree rather than falling through to ordinary free
// handling.
func (h *Handler) Free(ev FreeEvent) (realBaseToFree uintptr) {
	h.assertf(ev.RealSize >= ev.Size, "alloc: free block real size %#x smaller than app size %#x at %#x", ev.RealSize, ev.Size, ev.Base)

	if h.quarantine != nil {
		if _, _, already := h.quarantine.Overlaps(ev.RealBase, ev.RealBase+ev.RealSize); already {
			h.reporter.Report(EventDoubleFree, fmt.Sprintf("double free of %#x", ev.Base))
			return 0
		}
	}

	h.reporter.Report(EventFree, fmt.Sprintf("free base=%#x size=%#x", ev.Base, ev.Size))
	if h.cfg.Shadowing {
		h.shadow.SetRange(ev.Base, ev.Base+ev.Size, shadow.Unaddressable)
	}
	if h.leaks != nil {
		h.leaks.Untrack(ev.Base)
	}

	if h.quarantine == nil {
		return ev.RealBase
	}
	evictedBase, _, shouldFree := h.quarantine.Enqueue(quarantine.Entry{
		RealBase:   ev.RealBase,
		RealSize:   ev.RealSize,
		HeapID:     ev.HeapID,
		AppSize:    ev.AppSize,
		HasRedzone: ev.HasRedzone,
	})
	if !shouldFree {
		return 0
	}
	return evictedBase
}

// HeapDestroy sweeps the quarantine and leak tracker for heapID. inconsistent
// lists the real base of every quarantined slot the sweep found the tree
// already missing. Each is also routed through assertf individually (fatal
// in debug builds, logged in release); the returned slice is for callers
// that want to aggregate the whole sweep into one error rather than relying
// only on the logging side effect.
func (h *Handler) HeapDestroy(heapID uintptr) (inconsistent []uintptr) {
	h.reporter.Report(EventHeapDestroy, fmt.Sprintf("heap destroy id=%#x", heapID))
	if h.quarantine != nil {
		_, inconsistent = h.quarantine.HeapDestroyChecked(heapID)
		for _, base := range inconsistent {
			h.assertf(false, "alloc: quarantine tree missing node for array slot at %#x (heap %#x)", base, heapID)
		}
	}
	if h.leaks != nil && h.cfg.CheckLeaksOnDestroy {
		h.leaks.DropHeap(heapID)
	}
	return inconsistent
}

// AllocFailure records an allocation failure's call site and reports it the
// first time that site fails, then tallies silently on repeats. Without
// this, a tight loop retrying a failing allocation would otherwise produce
// one report per iteration.
func (h *Handler) AllocFailure(ctx MachineContext) {
	pcs := callstack.NewPackedCallstack(h.capture(ctx))
	key := pcs.Hash()

	h.mu.Lock()
	h.failureTally[key]++
	first := h.failureTally[key] == 1
	h.mu.Unlock()

	if first {
		h.reporter.Report(EventAllocFailure, "allocation failed")
	}
}

// FailureCount returns how many times the call site matching frames has
// failed to allocate, for tests and diagnostics.
func (h *Handler) FailureCount(frames []uintptr) int {
	key := callstack.NewPackedCallstack(frames).Hash()
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failureTally[key]
}

func (h *Handler) assertf(cond bool, format string, args ...interface{}) {
	if cond {
		return
	}
	if h.cfg.StrictAssertions {
		log.Panicf(format, args...)
	} else {
		log.Error.Printf(format, args...)
	}
}

func maxUintptr(a, b uintptr) uintptr {
	if a > b {
		return a
	}
	return b
}

func minUintptr(a, b uintptr) uintptr {
	if a < b {
		return a
	}
	return b
}
