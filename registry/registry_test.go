package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sync/errgroup"

	"github.com/grailbio/shadowmem/alloc"
	"github.com/grailbio/shadowmem/config"
	"github.com/grailbio/shadowmem/except"
	"github.com/grailbio/shadowmem/mmap"
	"github.com/grailbio/shadowmem/shadow"
)

type recordingReporter struct{ events []alloc.EventKind }

func (r *recordingReporter) Report(kind alloc.EventKind, detail string) {
	r.events = append(r.events, kind)
}

func noFrames(ctx alloc.MachineContext) []uintptr { return []uintptr{ctx.PC} }

type fakeProber struct{ readable bool }

func (f fakeProber) ProbeReadable(addr uintptr, size int) bool { return f.readable }

type fixedDecoder struct {
	w  except.Window
	ok bool
}

func (d fixedDecoder) Window(pc uintptr) (except.Window, bool) { return d.w, d.ok }

type fakeThreadState struct{}

func (fakeThreadState) InAllocatorRoutine(tid uint64) bool      { return false }
func (fakeThreadState) InHeapRegion(addr uintptr) bool          { return false }
func (fakeThreadState) TLSSlotForAddr(addr uintptr) (int, bool) { return 0, false }
func (fakeThreadState) TLSBitmap() []uintptr                    { return nil }

type fakeMCSource struct{ ctx alloc.MachineContext }

func (f fakeMCSource) MachineContext(tid uint64) alloc.MachineContext { return f.ctx }

type fakeSafeReader struct{ ok bool }

func (f fakeSafeReader) SafeRead(src uintptr, n int, dst []byte) bool { return f.ok }

func newTestRegistry(cfg config.Config, prober Prober, decoder Decoder) *Registry {
	return New(cfg, &recordingReporter{}, nil, noFrames, nil, fakeThreadState{}, nil, nil,
		prober, decoder, nil, nil)
}

func TestNewWiresEveryComponent(t *testing.T) {
	cfg := config.Default()
	r := newTestRegistry(cfg, nil, nil)

	require.NotNil(t, r.Shadow)
	require.NotNil(t, r.Stacks)
	require.NotNil(t, r.Quarantine) // Default() sets DelayFrees > 0.
	require.NotNil(t, r.Anon)
	require.NotNil(t, r.Alloc)
	require.NotNil(t, r.Mmap)
	require.NotNil(t, r.SigStore)
	require.NotNil(t, r.Handlers)
	require.NotNil(t, r.Signal)
	require.NotNil(t, r.Callback)
	assert.Equal(t, cfg, r.Config())
}

func TestNewDisablesQuarantineWhenDelayFreesZero(t *testing.T) {
	cfg := config.Default()
	cfg.DelayFrees = 0
	r := newTestRegistry(cfg, nil, nil)

	assert.Nil(t, r.Quarantine)
	_, _, ok := r.OverlapsDelayedFree(0, 0x10)
	assert.False(t, ok)
}

func TestOverlapsDelayedFreeReflectsAllocFree(t *testing.T) {
	cfg := config.Default()
	cfg.RedzoneSize = 0
	r := newTestRegistry(cfg, nil, nil)

	r.Alloc.Free(alloc.FreeEvent{Base: 0x2000, Size: 0x10, RealBase: 0x2000, RealSize: 0x10, AppSize: 0x10})
	lo, hi, ok := r.OverlapsDelayedFree(0x2004, 0x2008)
	assert.True(t, ok)
	assert.Equal(t, uintptr(0x2000), lo)
	assert.Equal(t, uintptr(0x2010), hi)
}

func TestMmapAnonLookupReflectsMmapHandler(t *testing.T) {
	r := newTestRegistry(config.Default(), nil, nil)

	r.Mmap.Mmap(mmap.MmapEvent{Base: 0x3000, Size: 0x1000})
	base, size, ok := r.MmapAnonLookup(0x3500)
	assert.True(t, ok)
	assert.Equal(t, uintptr(0x3000), base)
	assert.Equal(t, uintptr(0x1000), size)
}

func TestDestroyHeapWithNoInconsistencyReturnsNil(t *testing.T) {
	r := newTestRegistry(config.Default(), nil, nil)
	assert.NoError(t, r.DestroyHeap(7))
}

func TestCheckUnaddressableExceptionsSuppressesOnRecognizedPattern(t *testing.T) {
	w := except.Window{
		Insns: []x86asm.Inst{
			{Op: x86asm.MOV, Args: x86asm.Args{x86asm.EAX, x86asm.Mem{Base: x86asm.ECX}}},
			{Op: x86asm.TEST, Args: x86asm.Args{x86asm.AL, x86asm.AL}},
			{Op: x86asm.JE},
		},
		FaultIndex: 0,
	}
	r := newTestRegistry(config.Default(), fakeProber{readable: true}, fixedDecoder{w: w, ok: true})

	suppress, upgrade := r.CheckUnaddressableExceptions(1, false, 0x400000, 0x4001, 4)
	assert.True(t, suppress)
	assert.False(t, upgrade)
}

func TestCheckUnaddressableExceptionsFailsProbeFirst(t *testing.T) {
	r := newTestRegistry(config.Default(), fakeProber{readable: false}, fixedDecoder{ok: true})

	suppress, _ := r.CheckUnaddressableExceptions(1, false, 0x400000, 0x4001, 4)
	assert.False(t, suppress)
}

func TestCheckUnaddressableExceptionsNoWindowDoesNotSuppress(t *testing.T) {
	r := newTestRegistry(config.Default(), fakeProber{readable: true}, fixedDecoder{ok: false})

	suppress, _ := r.CheckUnaddressableExceptions(1, false, 0x400000, 0x4001, 4)
	assert.False(t, suppress)
}

func TestMachineContextAndSafeReadDegradeGracefullyWithoutCollaborators(t *testing.T) {
	r := newTestRegistry(config.Default(), nil, nil)

	assert.Equal(t, alloc.MachineContext{}, r.MachineContext(1))
	assert.False(t, r.SafeRead(0x1000, 4, make([]byte, 4)))
}

func TestMachineContextAndSafeReadDelegateWhenSupplied(t *testing.T) {
	cfg := config.Default()
	r := New(cfg, &recordingReporter{}, nil, noFrames, nil, fakeThreadState{}, nil, nil,
		nil, fixedDecoder{ok: false}, fakeMCSource{ctx: alloc.MachineContext{PC: 0x77}}, fakeSafeReader{ok: true})

	assert.Equal(t, uintptr(0x77), r.MachineContext(1).PC)
	assert.True(t, r.SafeRead(0x1000, 4, make([]byte, 4)))
}

// TestConcurrentAllocatorThreadsDoNotCorruptDisjointRanges exercises the
// "different threads may execute handlers concurrently" property (spec.md
// §5) by fanning one goroutine per simulated application thread against a
// shared Registry, each owning its own disjoint slab.
func TestConcurrentAllocatorThreadsDoNotCorruptDisjointRanges(t *testing.T) {
	cfg := config.Default()
	cfg.DelayFrees = 0 // isolate the property under test to shadow + tracker state.
	r := newTestRegistry(cfg, nil, nil)

	const threads = 8
	const slabSize = 0x100
	var g errgroup.Group
	for i := 0; i < threads; i++ {
		i := i
		g.Go(func() error {
			base := uintptr(0x10000 + i*slabSize)
			r.Alloc.Malloc(alloc.MallocEvent{
				Base: base, Size: slabSize, RealBase: base, RealSize: slabSize,
				Ctx: alloc.MachineContext{PC: uintptr(i)},
			})
			ok, _ := r.Shadow.CheckRange(base, slabSize, shadow.Undefined)
			if !ok {
				return assert.AnError
			}
			r.Alloc.Free(alloc.FreeEvent{Base: base, Size: slabSize, RealBase: base, RealSize: slabSize, AppSize: slabSize})
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for i := 0; i < threads; i++ {
		base := uintptr(0x10000 + i*slabSize)
		ok, _ := r.Shadow.CheckRange(base, slabSize, shadow.Unaddressable)
		assert.True(t, ok, "slab %d", i)
	}
}
