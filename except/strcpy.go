package except

import "golang.org/x/arch/x86/x86asm"

// isStrcpyCygwinPattern recognizes cygwin's strcpy inner loop: an
// unaligned word load from [ebx], followed two instructions later by a
// `lea eax, [ecx + 0xfefefeff]` computing the same find-zero-byte magic
// constant from the loaded value. Suppress only; the probed byte stays
// Unaddressable.
func isStrcpyCygwinPattern(w Window, addr uintptr) bool {
	if !isUnalignedWordAccess(addr) {
		return false
	}
	fault := w.fault()
	if fault.Op != x86asm.MOV || !isRegArg(fault.Args[0], x86asm.ECX) || !isMemBaseArg(fault.Args[1], x86asm.EBX, 0) {
		return false
	}

	after, ok := w.at(2)
	if !ok || after.Op != x86asm.LEA || !isRegArg(after.Args[0], x86asm.EAX) {
		return false
	}
	return isMemBaseArg(after.Args[1], x86asm.ECX, int64(int32(0xfefefeff)))
}
