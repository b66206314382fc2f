// Package anonmap tracks every live anonymous memory mapping as a single
// merging interval tree. It exists to let the core infer stack bounds and
// heap-arena extents from an address alone, without asking the
// instrumentation host to re-walk /proc/self/maps (or its platform
// equivalent) on every query.
package anonmap

import "github.com/grailbio/shadowmem/ival"

// Tracker records anonymous mappings.
type Tracker struct {
	tree *ival.Tree
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{tree: ival.New(ival.Merging)}
}

// Add records [base, base+size) as mapped, merging with any overlapping or
// adjacent mapping already tracked.
func (t *Tracker) Add(base, size uintptr) {
	t.tree.Insert(base, size, nil)
}

// Remove un-records [base, base+size). It splits and removes across every
// overlapping node and reports whether anything was removed at all. The
// caller uses a false result to infer that the range was never an
// anonymous mapping (e.g. it was a file mapping instead).
//
// This does not distinguish adjacent-but-independent mappings from ones
// that were genuinely merged from a single kernel mapping: a later partial
// unmap may split an interval whose two halves were never one kernel
// mapping.
func (t *Tracker) Remove(base, size uintptr) bool {
	return t.tree.RemoveRange(base, base+size)
}

// Lookup returns the (base, size) of the mapping containing addr, if any.
func (t *Tracker) Lookup(addr uintptr) (base, size uintptr, ok bool) {
	n, ok := t.tree.Contains(addr)
	if !ok {
		return 0, 0, false
	}
	return n.Base, n.Size, true
}

// Len returns the number of distinct tracked mappings.
func (t *Tracker) Len() int { return t.tree.Len() }
