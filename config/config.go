// Package config defines the passive configuration record for the shadow
// memory core. It has no parsing logic and no behavior: it exists to be
// filled in by whatever option-parsing layer the host provides and passed
// by value into registry.New.
package config

// Config enumerates every runtime option the core recognizes. Zero value is
// usable: it turns off heap tracking, leak-only mode, the quarantine, and
// shadowing.
type Config struct {
	// TrackHeap records whether allocator-event tracking is enabled. No
	// component of this module reads it: alloc.Handler handles malloc et al.
	// whatever its value.
	TrackHeap bool
	// RedzoneSize is the padding in bytes the allocator places on each side
	// of an app-visible block.
	RedzoneSize uintptr
	// SizeInRedzone records that the allocator stores the app size inside
	// the trailing redzone instead of a side table. alloc.Handler does not
	// read it; it takes AppSize from the FreeEvent as given.
	SizeInRedzone bool
	// LeaksOnly disables invalid-access checking and runs only leak
	// scanning.
	LeaksOnly bool
	// Shadowing turns shadow-memory maintenance on at all; false degrades to
	// allocator/leak tracking with no addressability checking.
	Shadowing bool
	// DelayFrees is the quarantine capacity (0 disables the quarantine).
	DelayFrees int
	// StackSwapThreshold bounds how large a single esp delta NtContinue (or
	// an analogous context-switch primitive) may apply before the gap is
	// deemed too large to be a legitimate stack adjustment.
	StackSwapThreshold uintptr
	// WarnNullPtr enables warning reports for realloc(NULL).
	WarnNullPtr bool
	// CheckLeaksOnDestroy runs a leak check at heap-destroy time.
	CheckLeaksOnDestroy bool
	// CountLeaks tallies leak bytes/counts instead of only reporting them.
	CountLeaks bool
	// MidChunkNewOK suppresses "new allocation starts mid-chunk" warnings.
	MidChunkNewOK bool
	// MidChunkInheritanceOK suppresses them for inherited (e.g. via realloc)
	// mid-chunk pointers.
	MidChunkInheritanceOK bool
	// MidChunkStringOK suppresses them for pointers that look like
	// string-interior pointers.
	MidChunkStringOK bool
	// MidChunkSizeOK suppresses them for pointers whose displacement matches
	// a plausible element size.
	MidChunkSizeOK bool
	// StrictAssertions turns internal-invariant violations into fatal panics
	// instead of best-effort logging. Intended for debug builds/tests, off
	// by default to match production best-effort logging in release.
	StrictAssertions bool
}

// Default returns the configuration a typical interactive run would use:
// heap tracking and shadowing on, a modest quarantine, mid-chunk
// heuristics permissive.
func Default() Config {
	return Config{
		TrackHeap:             true,
		RedzoneSize:           16,
		Shadowing:             true,
		DelayFrees:            256,
		StackSwapThreshold:    64 * 1024,
		WarnNullPtr:           true,
		CheckLeaksOnDestroy:   true,
		CountLeaks:            true,
		MidChunkNewOK:         true,
		MidChunkInheritanceOK: true,
		MidChunkStringOK:      true,
		MidChunkSizeOK:        true,
	}
}
