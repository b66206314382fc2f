// Package except implements the exception recognizer (C9): the cold-path
// check consulted only after a shadow lookup has already reported an
// unaddressable access, to tell a real bug apart from one of a handful of
// known-benign compiler and libc code patterns. Each pattern lives in its
// own file behind an independent predicate, the same way fusion/kmer.go
// isolates one small, self-contained byte-pattern check per function.
package except

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/grailbio/base/bitset"
)

// Window is a short run of decoded instructions around a fault, with
// Insns[FaultIndex] the instruction that performed the unaddressable
// access. Decoding instruction boundaries around a fault (forward only,
// since x86 has no generic backward decode) is the host's job, not this
// package's; Window is the seam.
type Window struct {
	Insns      []x86asm.Inst
	FaultIndex int
	FaultPC    uintptr
}

func (w Window) at(offset int) (x86asm.Inst, bool) {
	i := w.FaultIndex + offset
	if i < 0 || i >= len(w.Insns) {
		return x86asm.Inst{}, false
	}
	return w.Insns[i], true
}

func (w Window) fault() x86asm.Inst {
	return w.Insns[w.FaultIndex]
}

// ModuleLookup resolves an address to the module (if any) containing it.
// Recognizer uses one instance scoped to tool-owned libraries and another
// scoped to the platform's dynamic linker, for the tool-library
// suppression rule.
type ModuleLookup interface {
	Lookup(addr uintptr) (base uintptr, name string, ok bool)
}

// ThreadState answers the per-thread and per-process questions the
// recognizer's earlier rules need: whether a thread is currently inside
// the allocator, the live TLS-slot bitmap, and heap-region membership.
// TLSBitmap returns the process TLS-slot-allocated bitmap in the packed
// word form github.com/grailbio/base/bitset operates on.
type ThreadState interface {
	InAllocatorRoutine(tid uint64) bool
	InHeapRegion(addr uintptr) bool
	TLSSlotForAddr(addr uintptr) (slot int, ok bool)
	TLSBitmap() []uintptr
}

// Recognizer implements the ordered rule list deciding whether an
// unaddressable access is a known-benign pattern. toolLibraries and linker
// may be nil on a platform with no dynamic-linker-visible tool library (the
// tool-library rule is then simply never reached).
type Recognizer struct {
	state         ThreadState
	toolLibraries ModuleLookup
	linker        ModuleLookup
}

// NewRecognizer creates a Recognizer.
func NewRecognizer(state ThreadState, toolLibraries, linker ModuleLookup) *Recognizer {
	return &Recognizer{state: state, toolLibraries: toolLibraries, linker: linker}
}

// Recognize decides whether an unaddressable access at addr (size bytes,
// write if write is true, faulting at the instruction window w) should be
// suppressed as a known-benign pattern, and if so whether the byte should
// be upgraded to Undefined rather than left Unaddressable. Recognize never
// touches app memory directly; probing addr for readability first is the
// caller's job.
//
// Rules run cheapest first: heap-header access, then TLS bitmap, then the
// independent byte-pattern rules, then tool-library last since it needs a
// module lookup.
func (r *Recognizer) Recognize(tid uint64, write bool, w Window, addr uintptr, size int) (suppress, upgradeToUndefined bool) {
	if r.state.InHeapRegion(addr) && r.state.InAllocatorRoutine(tid) {
		return true, false
	}

	if slot, ok := r.state.TLSSlotForAddr(addr); ok {
		bm := r.state.TLSBitmap()
		return bm != nil && bitset.Test(bm, slot), false
	}

	if isStackProbePattern(w) {
		return true, false
	}
	if isStrlenWordLoadPattern(w, addr) {
		return true, false
	}
	if isStrlenXorVariantPattern(w, addr) {
		return true, false
	}
	if isStrcpyCygwinPattern(w, addr) {
		return true, false
	}
	if isRawmemchrPattern(w, addr) {
		return true, true
	}

	if r.isToolLibraryAccess(addr, w.FaultPC) {
		return true, false
	}

	return false, false
}

// isToolLibraryAccess suppresses any unaddressable access whose target
// lies inside a tool-owned library, reached from either inside that
// library or inside the platform's dynamic linker.
func (r *Recognizer) isToolLibraryAccess(addr, faultPC uintptr) bool {
	if r.toolLibraries == nil {
		return false
	}
	if _, _, ok := r.toolLibraries.Lookup(addr); !ok {
		return false
	}
	if _, _, ok := r.toolLibraries.Lookup(faultPC); ok {
		return true
	}
	if r.linker == nil {
		return false
	}
	_, _, ok := r.linker.Lookup(faultPC)
	return ok
}
