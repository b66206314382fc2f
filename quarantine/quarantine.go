// Package quarantine implements the delayed-free FIFO (C5): freed blocks
// are kept unaddressable for a while after the application calls free, so a
// later use is caught as use-after-free instead of silently succeeding
// against memory the allocator has already recycled.
package quarantine

import (
	"sync"

	"github.com/grailbio/shadowmem/circular"
	"github.com/grailbio/shadowmem/ival"
)

// Entry describes one delayed free.
type Entry struct {
	RealBase   uintptr
	RealSize   uintptr
	HeapID     uintptr // 0 if the platform has no per-heap free.
	AppSize    uintptr
	HasRedzone bool
}

// SuggestCapacity rounds a requested delay_frees count up to the next
// power of two, for callers that want cache-friendly circular indexing.
// Quarantine itself accepts any positive capacity; this is offered for
// config wiring only (circular.NextExp2's usual role, sizing a ring
// buffer).
func SuggestCapacity(requested int) int {
	if requested <= 1 {
		return 2
	}
	return circular.NextExp2(requested - 1)
}

// Quarantine is a fixed-capacity circular array of delayed frees plus a
// companion interval tree mirroring the live entries for overlap queries.
type Quarantine struct {
	mu          sync.Mutex
	capacity    int
	redzoneSize uintptr
	entries     []Entry
	valid       []bool
	head, fill  int
	tree        *ival.Tree // NonMerging; payload is HasRedzone (bool).
}

// New creates an empty Quarantine of the given capacity, shrinking
// accessed-redzone bytes at query time by redzoneSize.
func New(capacity int, redzoneSize uintptr) *Quarantine {
	if capacity <= 0 {
		capacity = 1
	}
	return &Quarantine{
		capacity:    capacity,
		redzoneSize: redzoneSize,
		entries:     make([]Entry, capacity),
		valid:       make([]bool, capacity),
		tree:        ival.New(ival.NonMerging),
	}
}

// Enqueue records e as freed. If the quarantine isn't yet full, it returns
// shouldFree=false: the caller must NOT free e's real memory yet (pass a
// NULL pointer to the real free). If the quarantine is full, the oldest
// entry is evicted to make room and its real base (and heap id) is
// returned with shouldFree=true so the caller can actually free it. An
// evicted slot that a heap-destroy sweep already invalidated yields
// shouldFree=false.
func (q *Quarantine) Enqueue(e Entry) (evictedBase, evictedHeapID uintptr, shouldFree bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.tree.InsertDisjoint(e.RealBase, e.RealSize, e.HasRedzone)

	if q.fill < q.capacity {
		q.entries[q.fill] = e
		q.valid[q.fill] = true
		q.fill++
		return 0, 0, false
	}

	idx := q.head
	wasValid := q.valid[idx]
	old := q.entries[idx]
	if wasValid {
		q.tree.RemoveRange(old.RealBase, old.RealBase+old.RealSize)
	}
	q.entries[idx] = e
	q.valid[idx] = true
	q.head = (q.head + 1) % q.capacity

	if !wasValid {
		return 0, 0, false
	}
	return old.RealBase, old.HeapID, true
}

// HeapDestroy invalidates every quarantined slot belonging to heapID,
// removing its interval from the tree, without compacting the array. It
// returns the number of slots invalidated.
func (q *Quarantine) HeapDestroy(heapID uintptr) int {
	n, _ := q.HeapDestroyChecked(heapID)
	return n
}

// HeapDestroyChecked is HeapDestroy plus a consistency check: for every
// array slot the sweep invalidates, the tree is expected to already hold a
// matching interval. A slot whose tree removal reports nothing is an
// internal-invariant violation (the tree is missing a node whose array slot
// exists); its real base is returned in inconsistent so the caller can
// decide how to surface it (fatal in debug builds, best-effort logging in
// release).
func (q *Quarantine) HeapDestroyChecked(heapID uintptr) (invalidated int, inconsistent []uintptr) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		if q.valid[i] && q.entries[i].HeapID == heapID {
			e := q.entries[i]
			if !q.tree.RemoveRange(e.RealBase, e.RealBase+e.RealSize) {
				inconsistent = append(inconsistent, e.RealBase)
			}
			q.valid[i] = false
			invalidated++
		}
	}
	return invalidated, inconsistent
}

// Overlaps reports whether [lo, hi) overlaps any quarantined block. If the
// block has redzones, both endpoints are shrunk by redzoneSize first, so
// only accesses to the app-visible body count as a use-after-free hit.
func (q *Quarantine) Overlaps(lo, hi uintptr) (freeLo, freeHi uintptr, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n, found := q.tree.Overlaps(lo, hi)
	if !found {
		return 0, 0, false
	}
	base, end := n.Base, n.End()
	if hasRedzone, _ := n.Payload.(bool); hasRedzone {
		base += q.redzoneSize
		end -= q.redzoneSize
	}
	if hi <= base || lo >= end {
		return 0, 0, false
	}
	return base, end, true
}

// Len returns the number of currently-valid quarantined entries.
func (q *Quarantine) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, v := range q.valid {
		if v {
			n++
		}
	}
	return n
}
