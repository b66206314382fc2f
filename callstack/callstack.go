// Package callstack implements the shared, refcounted callstack pool (C4):
// a content-addressed intern table so that many allocations sharing one
// call site share one packed representation of it.
//
// Pool is sharded the way encoding/bamprovider/concurrentmap.go shards its
// mate-lookup map, and its refcounting discipline follows
// encoding/bam/pool.go's FreePool: a caller never mutates returned state
// directly, only through AddRef/Release.
package callstack

import (
	"encoding/binary"
	"sync"

	farm "github.com/dgryski/go-farm"
)

const numShards = 64

// PackedCallstack is an immutable sequence of return addresses. Two
// PackedCallstacks with equal frames are content-equal regardless of
// capture order or goroutine of origin.
type PackedCallstack struct {
	frames []uintptr
}

// NewPackedCallstack packs frames (outermost first) into a PackedCallstack.
// The caller's slice is copied; PackedCallstack never aliases it.
func NewPackedCallstack(frames []uintptr) PackedCallstack {
	c := PackedCallstack{frames: make([]uintptr, len(frames))}
	copy(c.frames, frames)
	return c
}

// Frames returns the packed return addresses, outermost first.
func (c PackedCallstack) Frames() []uintptr { return c.frames }

// Equal reports content equality.
func (c PackedCallstack) Equal(o PackedCallstack) bool {
	if len(c.frames) != len(o.frames) {
		return false
	}
	for i := range c.frames {
		if c.frames[i] != o.frames[i] {
			return false
		}
	}
	return true
}

func (c PackedCallstack) hash() uint64 {
	buf := make([]byte, len(c.frames)*8)
	for i, f := range c.frames {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(f))
	}
	return farm.Hash64(buf)
}

// Hash returns the content hash used to bucket c within a Pool. Exposed so
// callers that need to tally by call site (e.g. alloc.Handler's
// allocation-failure counts) can group without interning or holding a
// reference.
func (c PackedCallstack) Hash() uint64 { return c.hash() }

// Handle is an opaque reference to a pool-owned, refcounted callstack. The
// allocator event handler stores a Handle as an allocation's client data.
type Handle interface {
	callstackHandle()
}

type entry struct {
	pcs      PackedCallstack
	hash     uint64
	refcount int // 1 = pool's own table reference only.
}

func (*entry) callstackHandle() {}

type shard struct {
	mu      sync.Mutex
	entries map[uint64][]*entry
}

// Pool is the process-wide (or test-scoped) callstack intern table.
//
// In the full system, every Pool mutation happens with the external
// allocator-tracking table's lock already held, so the pool itself needs no
// lock of its own. This package is usable standalone (e.g.
// in isolation tests), so it keeps its own per-shard mutex; a production
// wiring that already serializes callers via the allocator table's lock
// pays only the (uncontended) cost of acquiring an already-uncontended
// mutex.
type Pool struct {
	shards [numShards]shard
}

// NewPool creates an empty Pool.
func NewPool() *Pool {
	p := &Pool{}
	for i := range p.shards {
		p.shards[i].entries = make(map[uint64][]*entry)
	}
	return p
}

func (p *Pool) shardFor(hash uint64) *shard {
	return &p.shards[hash%numShards]
}

// Intern returns the canonical Handle for pcs's content: an existing equal
// entry if one is already pooled, otherwise a newly inserted one. Either
// way the returned handle carries the caller's own reference, on top of
// the pool's self-reference.
func (p *Pool) Intern(pcs PackedCallstack) Handle {
	h := pcs.hash()
	s := p.shardFor(h)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries[h] {
		if e.pcs.Equal(pcs) {
			e.refcount++
			return e
		}
	}
	e := &entry{pcs: pcs, hash: h, refcount: 2} // table self-ref + caller's.
	s.entries[h] = append(s.entries[h], e)
	return e
}

// AddRef adds one reference to h's entry.
func (p *Pool) AddRef(h Handle) {
	e := h.(*entry)
	s := p.shardFor(e.hash)
	s.mu.Lock()
	e.refcount++
	s.mu.Unlock()
}

// Release drops one reference from h's entry. When the count would drop to
// 1 (only the pool's self-reference left), the entry is removed from the
// table and its refcount zeroed: nothing else can reach it afterward, so
// there is no separate caller-visible "final release" step for the runtime
// to reclaim.
func (p *Pool) Release(h Handle) {
	e := h.(*entry)
	s := p.shardFor(e.hash)
	s.mu.Lock()
	defer s.mu.Unlock()
	e.refcount--
	if e.refcount != 1 {
		return
	}
	chain := s.entries[e.hash]
	for i, c := range chain {
		if c == e {
			s.entries[e.hash] = append(chain[:i:i], chain[i+1:]...)
			break
		}
	}
	e.refcount = 0
}

// Refcount returns h's current reference count (test/diagnostic use).
func (p *Pool) Refcount(h Handle) int {
	e := h.(*entry)
	s := p.shardFor(e.hash)
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.refcount
}

// Frames returns the packed return addresses behind h.
func (p *Pool) Frames(h Handle) []uintptr {
	return h.(*entry).pcs.frames
}

// Len returns the number of distinct contents currently pooled.
func (p *Pool) Len() int {
	n := 0
	for i := range p.shards {
		p.shards[i].mu.Lock()
		for _, chain := range p.shards[i].entries {
			n += len(chain)
		}
		p.shards[i].mu.Unlock()
	}
	return n
}
