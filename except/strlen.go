package except

import "golang.org/x/arch/x86/x86asm"

// isStrlenWordLoadPattern recognizes a glibc-style strlen inner loop: an
// unaligned word load from [ecx] or [ecx-4], immediately followed by
// either a byte compare-and-branch or the load of the classic
// find-zero-byte magic constant 0x7efefeff. Both are artifacts of reading
// one word past a string's true end to avoid a per-byte branch; they never
// make the probed byte addressable, so a match leaves the byte
// Unaddressable.
func isStrlenWordLoadPattern(w Window, addr uintptr) bool {
	if !isUnalignedWordAccess(addr) {
		return false
	}
	fault := w.fault()
	if fault.Op != x86asm.MOV || !isRegArg(fault.Args[0], x86asm.EAX) {
		return false
	}
	if !isMemBaseArg(fault.Args[1], x86asm.ECX, 0, -4) {
		return false
	}

	next, ok := w.at(1)
	if !ok {
		return false
	}
	if next.Op == x86asm.MOV && isRegArg(next.Args[0], x86asm.EDX) && isImmValue(next.Args[1], 0x7efefeff) {
		return true
	}
	if next.Op != x86asm.TEST || !isRegArg(next.Args[0], x86asm.AL) || !isRegArg(next.Args[1], x86asm.AL) {
		return false
	}
	after, ok := w.at(2)
	return ok && after.Op == x86asm.JE
}

// isStrlenXorVariantPattern recognizes the sibling strlen shape that loads
// through esi instead of ecx, preceded by either the magic constant
// 0x7efefeff or a xor/neg idiom computing it.
func isStrlenXorVariantPattern(w Window, addr uintptr) bool {
	if !isUnalignedWordAccess(addr) {
		return false
	}
	fault := w.fault()
	if fault.Op != x86asm.MOV || !isMemBaseArg(fault.Args[1], x86asm.ESI, 0) {
		return false
	}
	if !isRegArg(fault.Args[0], x86asm.EAX) && !isRegArg(fault.Args[0], x86asm.EDX) {
		return false
	}

	prev, ok := w.at(-1)
	if !ok {
		return false
	}
	if prev.Op == x86asm.MOV && isImmValue(prev.Args[1], 0x7efefeff) {
		return true
	}
	// The xor/neg idiom: a NEG immediately preceded by the XOR eax,edx
	// that seeds it (bytes f0 ff / 33 c2 in program order).
	if prev.Op != x86asm.NEG {
		return false
	}
	prev2, ok := w.at(-2)
	return ok && prev2.Op == x86asm.XOR
}
