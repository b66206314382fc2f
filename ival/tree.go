package ival

import (
	"sync"

	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/log"
)

// Node is a single interval, [Base, Base+Size), carrying an opaque payload.
type Node struct {
	Base, Size uintptr
	Payload    interface{}
}

// End returns the exclusive upper bound of the interval.
func (n Node) End() uintptr { return n.Base + n.Size }

// nodeKey adapts Node to llrb.Comparable, ordering by Base only.
type nodeKey struct{ node Node }

func (k nodeKey) Compare(c llrb.Comparable) int {
	o := c.(nodeKey)
	if k.node.Base < o.node.Base {
		return -1
	}
	if k.node.Base > o.node.Base {
		return 1
	}
	return 0
}

// Mode selects how Tree.Insert behaves on overlap.
type Mode int

const (
	// Merging coalesces any inserted range with overlapping or adjacent
	// existing nodes into one node spanning their union (used by the
	// anonymous-map tracker).
	Merging Mode = iota
	// NonMerging asserts that an inserted range does not overlap any
	// existing node (used by the quarantine tree).
	NonMerging
)

// Tree is a single-lock-serialized interval tree.
type Tree struct {
	mu   sync.Mutex
	mode Mode
	t    llrb.Tree
	n    int
}

// New creates an empty Tree in the given mode.
func New(mode Mode) *Tree {
	return &Tree{mode: mode}
}

// Mode returns the tree's merge mode.
func (t *Tree) Mode() Mode { return t.mode }

// Len returns the number of stored intervals.
func (t *Tree) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

// Insert adds [base, base+size) with payload, merging with any overlapping
// or touching node. Valid only on a Merging tree. Returns the resulting
// (possibly larger) merged node.
func (t *Tree) Insert(base, size uintptr, payload interface{}) Node {
	if t.mode != Merging {
		log.Panicf("ival: Insert called on a %v tree; use InsertDisjoint", t.mode)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	newBase, newEnd := base, base+size
	var toRemove []Node
	t.t.Do(func(c llrb.Comparable) bool {
		n := c.(nodeKey).node
		if n.Base > newEnd {
			return true
		}
		if n.End() >= newBase && n.Base <= newEnd {
			toRemove = append(toRemove, n)
		}
		return false
	})
	for _, n := range toRemove {
		t.t.Delete(nodeKey{n})
		t.n--
		if n.Base < newBase {
			newBase = n.Base
		}
		if n.End() > newEnd {
			newEnd = n.End()
		}
	}
	merged := Node{Base: newBase, Size: newEnd - newBase, Payload: payload}
	t.t.Insert(nodeKey{merged})
	t.n++
	return merged
}

// InsertDisjoint adds [base, base+size) with payload. Valid only on a
// NonMerging tree; panics if the new range overlaps an existing node.
func (t *Tree) InsertDisjoint(base, size uintptr, payload interface{}) {
	if t.mode != NonMerging {
		log.Panicf("ival: InsertDisjoint called on a %v tree; use Insert", t.mode)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.overlapsLocked(base, base+size); ok {
		log.Panicf("ival: overlapping insert [%#x,%#x) vs existing [%#x,%#x)",
			base, base+size, n.Base, n.End())
	}
	t.t.Insert(nodeKey{Node{Base: base, Size: size, Payload: payload}})
	t.n++
}

// Overlaps returns the first node overlapping [lo, hi), if any.
func (t *Tree) Overlaps(lo, hi uintptr) (Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.overlapsLocked(lo, hi)
}

func (t *Tree) overlapsLocked(lo, hi uintptr) (Node, bool) {
	if lo >= hi {
		return Node{}, false
	}
	if c := t.t.Floor(nodeKey{Node{Base: lo}}); c != nil {
		n := c.(nodeKey).node
		if n.End() > lo {
			return n, true
		}
	}
	var found Node
	var ok bool
	// No overlapping node starts at or before lo, so scan forward for the
	// first node starting in (lo, hi). llrb.Tree has no bounded cursor, so
	// this walks from the smallest key; intervals are non-overlapping, so
	// the scan still terminates at the first candidate.
	t.t.Do(func(c llrb.Comparable) bool {
		n := c.(nodeKey).node
		if n.Base >= hi {
			return true
		}
		if n.Base > lo {
			found, ok = n, true
			return true
		}
		return false
	})
	return found, ok
}

// Contains returns the node containing addr, if any.
func (t *Tree) Contains(addr uintptr) (Node, bool) {
	return t.Overlaps(addr, addr+1)
}

// RemoveRange removes the portion of every stored interval that overlaps
// [lo, hi). An interval that only partly overlaps is split into up to two
// residual intervals. Returns whether anything overlapped, and was
// therefore removed or split.
func (t *Tree) RemoveRange(lo, hi uintptr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	var overlapping []Node
	t.t.Do(func(c llrb.Comparable) bool {
		n := c.(nodeKey).node
		if n.Base >= hi {
			return true
		}
		if n.End() > lo && n.Base < hi {
			overlapping = append(overlapping, n)
		}
		return false
	})
	for _, n := range overlapping {
		t.t.Delete(nodeKey{n})
		t.n--
		if n.Base < lo {
			t.t.Insert(nodeKey{Node{Base: n.Base, Size: lo - n.Base, Payload: n.Payload}})
			t.n++
		}
		if n.End() > hi {
			t.t.Insert(nodeKey{Node{Base: hi, Size: n.End() - hi, Payload: n.Payload}})
			t.n++
		}
	}
	return len(overlapping) > 0
}

// Delete removes the node whose Base exactly equals base, if any.
func (t *Tree) Delete(base uintptr) (Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.t.Delete(nodeKey{Node{Base: base}})
	if c == nil {
		return Node{}, false
	}
	t.n--
	return c.(nodeKey).node, true
}

// OrderedIterate calls fn for every node in increasing Base order, stopping
// early if fn returns false.
func (t *Tree) OrderedIterate(fn func(Node) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.t.Do(func(c llrb.Comparable) bool {
		return !fn(c.(nodeKey).node)
	})
}

func (m Mode) String() string {
	if m == Merging {
		return "merging"
	}
	return "non-merging"
}
