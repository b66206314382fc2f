// Package registry bundles every subsystem behind one process-singleton
// context handle: a Registry is constructed once via New and then handed,
// unchanged, to every allocator/mmap/signal/callback/exception callback the
// host fires for the lifetime of the process.
package registry

import (
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/multierror"
	"github.com/pkg/errors"

	"github.com/grailbio/shadowmem/alloc"
	"github.com/grailbio/shadowmem/anonmap"
	"github.com/grailbio/shadowmem/callstack"
	"github.com/grailbio/shadowmem/config"
	"github.com/grailbio/shadowmem/except"
	"github.com/grailbio/shadowmem/mmap"
	"github.com/grailbio/shadowmem/quarantine"
	"github.com/grailbio/shadowmem/shadow"
	"github.com/grailbio/shadowmem/sigctx"
)

// MachineContextSource is the host's view of a thread's current register
// state, used to build an alloc.MachineContext for stack-walking call sites.
type MachineContextSource interface {
	MachineContext(tid uint64) alloc.MachineContext
}

// Prober is a non-faulting check that [addr, addr+len) can be read, run
// before the exception path looks at the bytes there.
type Prober interface {
	ProbeReadable(addr uintptr, size int) bool
}

// SafeReader is a fault-tolerant copy out of application memory, for
// syscall-argument pointers the core itself never dereferences directly.
type SafeReader interface {
	SafeRead(src uintptr, n int, dst []byte) bool
}

// Decoder supplies the except.Window a Recognize call needs, without except
// ever touching program text itself.
type Decoder interface {
	Window(pc uintptr) (except.Window, bool)
}

// Registry is the single process-singleton context handle every callback
// closes over. Nothing in it is safe to copy by value; it's always handed
// around as *Registry.
type Registry struct {
	cfg config.Config

	Shadow     *shadow.Shadow
	Stacks     *callstack.Pool
	Quarantine *quarantine.Quarantine // nil when cfg.DelayFrees <= 0.
	Anon       *anonmap.Tracker

	Alloc *alloc.Handler
	Mmap  *mmap.Handler

	SigStore *sigctx.Store
	Handlers *sigctx.HandlerSet
	Signal   *sigctx.SignalVariant
	Callback *sigctx.CallbackVariant

	recognizer *except.Recognizer
	prober     Prober
	decoder    Decoder
	mcSource   MachineContextSource
	safeReader SafeReader
}

// New constructs a Registry from cfg and the host-supplied collaborators.
// Any of leaks/walker/toolLibraries/linker/prober/mcSource/safeReader may be
// nil to degrade the corresponding feature (mirroring each component's own
// nil-tolerance): a nil leaks disables leak tracking, a nil walker leaves
// file-backed mappings untouched by a directory walk, and so on. reporter,
// capture and state are called without a nil check and must be non-nil.
// decoder is required for exception suppression: without it
// CheckUnaddressableExceptions can never suppress anything.
func New(
	cfg config.Config,
	reporter alloc.Reporter,
	leaks alloc.LeakTracker,
	capture alloc.FrameCapturer,
	walker mmap.Walker,
	state except.ThreadState,
	toolLibraries, linker except.ModuleLookup,
	prober Prober,
	decoder Decoder,
	mcSource MachineContextSource,
	safeReader SafeReader,
) *Registry {
	sh := shadow.New()
	stacks := callstack.NewPool()
	anon := anonmap.New()

	var q *quarantine.Quarantine
	if cfg.DelayFrees > 0 {
		q = quarantine.New(cfg.DelayFrees, cfg.RedzoneSize)
	}

	allocHandler := alloc.NewHandler(cfg, sh, stacks, reporter, leaks, capture)
	mmapHandler := mmap.NewHandler(sh, anon, walker)

	store := sigctx.NewStore()
	handlers := sigctx.NewHandlerSet()
	signal := sigctx.NewSignalVariant(sh, store)
	callback := sigctx.NewCallbackVariant(sh, store, cfg)

	recognizer := except.NewRecognizer(state, toolLibraries, linker)

	r := &Registry{
		cfg:        cfg,
		Shadow:     sh,
		Stacks:     stacks,
		Quarantine: q,
		Anon:       anon,
		Alloc:      allocHandler,
		Mmap:       mmapHandler,
		SigStore:   store,
		Handlers:   handlers,
		Signal:     signal,
		Callback:   callback,
		recognizer: recognizer,
		prober:     prober,
		decoder:    decoder,
		mcSource:   mcSource,
		safeReader: safeReader,
	}
	return r
}

// DestroyHeap sweeps the quarantine and leak tracker for heapID and
// aggregates every array/tree divergence the sweep finds into a single
// error. Each slot is still routed through alloc.Handler's own assertf
// individually (fatal in debug builds, logged in release); the returned
// error lets a caller observe the whole sweep's outcome at once instead of
// only via logging side effects.
func (r *Registry) DestroyHeap(heapID uintptr) error {
	inconsistent := r.Alloc.HeapDestroy(heapID)
	if len(inconsistent) == 0 {
		return nil
	}
	log.Error.Printf("registry: heap %#x destroy found %d inconsistent quarantine slots", heapID, len(inconsistent))
	errs := multierror.NewMultiError(len(inconsistent))
	for _, base := range inconsistent {
		errs.Add(errors.Errorf("quarantine tree missing node for array slot at %#x (heap %#x)", base, heapID))
	}
	return errs.ErrorOrNil()
}

// OverlapsDelayedFree reports whether [lo, hi) falls inside a still-
// quarantined block, for error reports that want to say "this was freed,
// not never allocated". Returns ok=false if the quarantine is disabled.
func (r *Registry) OverlapsDelayedFree(lo, hi uintptr) (freeLo, freeHi uintptr, ok bool) {
	if r.Quarantine == nil {
		return 0, 0, false
	}
	return r.Quarantine.Overlaps(lo, hi)
}

// MmapAnonLookup returns the anonymous mapping containing addr, for
// stack-bound inference.
func (r *Registry) MmapAnonLookup(addr uintptr) (base, size uintptr, ok bool) {
	return r.Anon.Lookup(addr)
}

// CheckUnaddressableExceptions probes [addr, addr+size) for readability
// before ever asking the decoder to look at the bytes there, then decodes
// the instruction window at pc and hands it to the exception recognizer.
func (r *Registry) CheckUnaddressableExceptions(tid uint64, write bool, pc, addr uintptr, size int) (suppress, upgradeToUndefined bool) {
	if r.prober != nil && !r.prober.ProbeReadable(addr, size) {
		return false, false
	}
	if r.decoder == nil {
		return false, false
	}
	w, ok := r.decoder.Window(pc)
	if !ok {
		return false, false
	}
	return r.recognizer.Recognize(tid, write, w, addr, size)
}

// MachineContext returns the register state for tid, for a caller that has
// a thread id but no machine context in hand already. Returns the zero
// MachineContext if no MachineContextSource was supplied to New.
func (r *Registry) MachineContext(tid uint64) alloc.MachineContext {
	if r.mcSource == nil {
		return alloc.MachineContext{}
	}
	return r.mcSource.MachineContext(tid)
}

// SafeRead copies n bytes from src into dst for syscall-argument pointers
// the core itself never dereferences directly. Returns false if no
// SafeReader was supplied to New.
func (r *Registry) SafeRead(src uintptr, n int, dst []byte) bool {
	if r.safeReader == nil {
		return false
	}
	return r.safeReader.SafeRead(src, n, dst)
}

// Config returns the configuration the Registry was built from.
func (r *Registry) Config() config.Config { return r.cfg }
