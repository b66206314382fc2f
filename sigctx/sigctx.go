// Package sigctx implements the signal / callback handler (C8): per-thread
// bookkeeping across signal delivery, sigreturn, sigaltstack, and (on
// Windows) kernel-delivered callbacks and NtContinue, following
// alloc_drmem.c's handle_clone and signal-frame/altstack logic. State is
// sharded by thread id the way concurrentmap.go shards by read name.
package sigctx

import (
	"sync"

	"github.com/grailbio/base/log"
	"golang.org/x/sys/unix"

	"github.com/grailbio/shadowmem/config"
	"github.com/grailbio/shadowmem/shadow"
)

// ThreadID is the host's opaque per-thread identifier.
type ThreadID uint64

const unsetXSP = ^uintptr(0)

const numShards = 64

type callbackFrame struct {
	preCallbackESP uintptr
	regs           shadow.RegisterShadow
}

// perThreadState is the bookkeeping this component keeps per live thread.
type perThreadState struct {
	mu sync.Mutex

	signalXSP   uintptr // unsetXSP when no signal delivery is pending handler entry.
	sigframeTop uintptr

	altstackConfigured bool
	altstackBase       uintptr
	altstackSize       uintptr

	callbackStack []callbackFrame
}

func newPerThreadState() *perThreadState {
	return &perThreadState{signalXSP: unsetXSP}
}

type shard struct {
	mu      sync.Mutex
	threads map[ThreadID]*perThreadState
}

// Store is the sharded per-thread state table both ThreadEventHandler
// variants share.
type Store struct {
	shards [numShards]shard
}

// NewStore creates an empty Store.
func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i].threads = make(map[ThreadID]*perThreadState)
	}
	return s
}

func (s *Store) shardFor(tid ThreadID) *shard {
	return &s.shards[uint64(tid)%numShards]
}

func (s *Store) getOrCreate(tid ThreadID) *perThreadState {
	sh := s.shardFor(tid)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.threads[tid]
	if !ok {
		st = newPerThreadState()
		sh.threads[tid] = st
	}
	return st
}

// Forget drops a thread's state, e.g. on thread exit.
func (s *Store) Forget(tid ThreadID) {
	sh := s.shardFor(tid)
	sh.mu.Lock()
	delete(sh.threads, tid)
	sh.mu.Unlock()
}

// ThreadEventHandler is the common shape of the two event sources that
// mutate per-thread shadow state across a context switch the application
// itself didn't request: Unix-style signal delivery and Windows
// kernel-delivered callbacks.
type ThreadEventHandler interface {
	// Entry is called when control is handed to the handler/callback; it
	// returns the top of the newly DEFINED region.
	Entry(tid ThreadID, currentXSP uintptr) uintptr
	// Exit is called when the handler/callback returns control to the
	// interrupted context; it marks the handler's own frame UNADDRESSABLE
	// again.
	Exit(tid ThreadID, currentXSP uintptr)
}

// HandlerSet is the set of addresses sigaction/signal has registered as a
// real (non-ignore, non-default) handler entry point, so the instrumenter
// can recognize handler entry. Entries are never removed: a stale address
// lingering in the set after the handler is unregistered is a safe
// over-approximation (a spurious "this might be handler entry" check),
// not a miss.
type HandlerSet struct {
	mu    sync.Mutex
	addrs map[uintptr]bool
}

// NewHandlerSet creates an empty HandlerSet.
func NewHandlerSet() *HandlerSet {
	return &HandlerSet{addrs: make(map[uintptr]bool)}
}

// Register adds addr, unless addr is the ignore/default sentinel (0).
func (s *HandlerSet) Register(addr uintptr) {
	if addr == 0 {
		return
	}
	s.mu.Lock()
	s.addrs[addr] = true
	s.mu.Unlock()
}

// IsHandlerEntry reports whether addr was ever registered as a handler.
func (s *HandlerSet) IsHandlerEntry(addr uintptr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addrs[addr]
}

// SignalVariant implements ThreadEventHandler for Unix-style signal
// delivery, sigreturn, and sigaltstack.
type SignalVariant struct {
	shadow *shadow.Shadow
	store  *Store
}

// NewSignalVariant creates a SignalVariant sharing sh and store with the
// rest of the core.
func NewSignalVariant(sh *shadow.Shadow, store *Store) *SignalVariant {
	return &SignalVariant{shadow: sh, store: store}
}

// Deliver records interruptXSP, the app's stack pointer at the moment of
// interrupt, for the matching handler-entry callback to consume.
func (v *SignalVariant) Deliver(tid ThreadID, interruptXSP uintptr) {
	st := v.store.getOrCreate(tid)
	st.mu.Lock()
	st.signalXSP = interruptXSP
	st.mu.Unlock()
}

// Entry marks the signal frame DEFINED and returns its top (sigframeTop),
// to be passed back unchanged at the matching SigReturn.
//
// If an altstack is configured and currentXSP lies inside it, frameTop is
// the altstack's top, unless this is a nested signal taken while already
// on the altstack (the previously recorded interruptXSP lies strictly
// between currentXSP and the altstack top), in which case frameTop is
// interruptXSP itself, since the altstack's true top was already consumed
// by the outer signal frame.
func (v *SignalVariant) Entry(tid ThreadID, currentXSP uintptr) uintptr {
	st := v.store.getOrCreate(tid)
	st.mu.Lock()
	defer st.mu.Unlock()

	interruptXSP := st.signalXSP
	var frameTop uintptr
	if st.altstackConfigured && currentXSP >= st.altstackBase && currentXSP < st.altstackBase+st.altstackSize {
		altTop := st.altstackBase + st.altstackSize
		if interruptXSP > currentXSP && interruptXSP < altTop {
			frameTop = interruptXSP
		} else {
			frameTop = altTop
		}
	} else {
		frameTop = interruptXSP
	}

	v.shadow.SetRange(currentXSP, frameTop, shadow.Defined)
	st.sigframeTop = frameTop
	st.signalXSP = unsetXSP
	return frameTop
}

// Exit is SigReturn under the ThreadEventHandler name: it marks
// [currentXSP, sigframeTop) UNADDRESSABLE again.
func (v *SignalVariant) Exit(tid ThreadID, currentXSP uintptr) {
	st := v.store.getOrCreate(tid)
	st.mu.Lock()
	top := st.sigframeTop
	st.mu.Unlock()
	v.shadow.SetRange(currentXSP, top, shadow.Unaddressable)
}

// AltstackRequest describes a sigaltstack call. Flags carries the raw
// stack_t flags word (unix.SS_DISABLE, unix.SS_ONSTACK, ...), the same
// shape the kernel hands back in struct stack_t.
type AltstackRequest struct {
	Flags      int32
	Base, Size uintptr
}

// Sigaltstack applies req to tid's altstack state if succeeded is true;
// otherwise it leaves the prior state untouched (the syscall's own
// snapshot-and-restore, since this method never mutates state ahead of
// knowing the outcome).
func (v *SignalVariant) Sigaltstack(tid ThreadID, req AltstackRequest, succeeded bool) {
	if !succeeded {
		return
	}
	st := v.store.getOrCreate(tid)
	st.mu.Lock()
	defer st.mu.Unlock()

	if req.Flags&unix.SS_DISABLE != 0 {
		st.altstackConfigured = false
		st.altstackBase, st.altstackSize = 0, 0
		return
	}
	st.altstackConfigured = true
	st.altstackBase = req.Base
	st.altstackSize = req.Size
	v.shadow.SetRange(req.Base, req.Base+req.Size, shadow.Unaddressable)
}

// CallbackVariant implements ThreadEventHandler for Windows
// kernel-delivered callbacks (Ki...) and NtContinue.
type CallbackVariant struct {
	shadow *shadow.Shadow
	store  *Store
	cfg    config.Config
}

// NewCallbackVariant creates a CallbackVariant. cfg.StackSwapThreshold
// bounds both the first-entry stack walk and the NtContinue gap check.
func NewCallbackVariant(sh *shadow.Shadow, store *Store, cfg config.Config) *CallbackVariant {
	return &CallbackVariant{shadow: sh, store: store, cfg: cfg}
}

// Entry handles first (or nested) entry into a kernel-delivered callback.
// It walks up from currentXSP marking consecutive Unaddressable bytes
// Defined until it hits an already-addressable byte, stackBase, or the
// stack-swap threshold, whichever comes first, and pushes a new frame
// recording the walk's endpoint as this depth's pre-callback stack
// pointer. A nested entry's register shadow starts as a copy of its
// parent's.
func (v *CallbackVariant) Entry(tid ThreadID, currentXSP uintptr) uintptr {
	return v.EntryWithStackBase(tid, currentXSP, 0)
}

// EntryWithStackBase is Entry with an explicit stack base (0 means "no
// known base", i.e. only the stack-swap threshold bounds the walk).
func (v *CallbackVariant) EntryWithStackBase(tid ThreadID, currentXSP, stackBase uintptr) uintptr {
	st := v.store.getOrCreate(tid)
	st.mu.Lock()
	defer st.mu.Unlock()

	var frame callbackFrame
	if depth := len(st.callbackStack); depth > 0 {
		frame.regs = st.callbackStack[depth-1].regs
	}

	cap := currentXSP + v.cfg.StackSwapThreshold
	top := currentXSP
	for top < cap && (stackBase == 0 || top < stackBase) && v.shadow.Get(top) == shadow.Unaddressable {
		top++
	}
	v.shadow.SetRange(currentXSP, top, shadow.Defined)
	frame.preCallbackESP = top
	st.callbackStack = append(st.callbackStack, frame)
	return top
}

// Exit is cbret: it pops the innermost callback frame and marks
// [currentXSP, its pre-callback ESP) Unaddressable again.
func (v *CallbackVariant) Exit(tid ThreadID, currentXSP uintptr) {
	st := v.store.getOrCreate(tid)
	st.mu.Lock()
	defer st.mu.Unlock()

	depth := len(st.callbackStack)
	if depth == 0 {
		log.Error.Printf("sigctx: callback return with no matching entry for thread %v", tid)
		return
	}
	frame := st.callbackStack[depth-1]
	st.callbackStack = st.callbackStack[:depth-1]
	v.shadow.SetRange(currentXSP, frame.preCallbackESP, shadow.Unaddressable)
}

// NtContinue restores the innermost callback frame's register shadow from
// a supplied context image (fieldAddrs are the addresses of the context
// struct's eight general-register fields) and adjusts the stack-pointer
// gap: if newESP is below currentESP within the stack-swap threshold, the
// gap becomes Undefined (a grown stack, not yet written); if above within
// threshold, Unaddressable (an abandoned tail).
func (v *CallbackVariant) NtContinue(tid ThreadID, fieldAddrs [shadow.NumGPRegs]uintptr, width int, currentESP, newESP uintptr) {
	st := v.store.getOrCreate(tid)
	st.mu.Lock()
	if depth := len(st.callbackStack); depth > 0 {
		st.callbackStack[depth-1].regs.CopyFromContext(v.shadow, fieldAddrs, width)
	}
	st.mu.Unlock()

	switch {
	case newESP < currentESP:
		if currentESP-newESP <= v.cfg.StackSwapThreshold {
			v.shadow.SetRange(newESP, currentESP, shadow.Undefined)
		}
	case newESP > currentESP:
		if newESP-currentESP <= v.cfg.StackSwapThreshold {
			v.shadow.SetRange(currentESP, newESP, shadow.Unaddressable)
		}
	}
}
