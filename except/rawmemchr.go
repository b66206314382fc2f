package except

import "golang.org/x/arch/x86/x86asm"

// isRawmemchrPattern recognizes rawmemchr/strchr's unaligned pointer-sized
// load into a register, with an optional intervening `xor r, r` (clearing
// an accumulator before the magic-constant compare), followed by a load
// of the 0xfefefeff or 0x7efefeff find-byte magic constant. Unlike the
// other word-load patterns, this one may additionally upgrade the probed
// byte to Undefined: the loop reads one word past the search target, and
// that word is then masked down to the single byte that matters, so the
// remaining bytes of the word are addressable but not yet meaningfully
// used rather than truly unaddressable.
//
// This pattern is alignment-sensitive: on an aligned address it must NOT
// suppress, since an aligned load is an ordinary in-bounds read that a
// real bug could still be hiding behind.
func isRawmemchrPattern(w Window, addr uintptr) bool {
	if !isUnalignedWordAccess(addr) {
		return false
	}
	fault := w.fault()
	if fault.Op != x86asm.MOV || !isRegMemLoad(fault) {
		return false
	}

	idx := 1
	if next, ok := w.at(idx); ok && next.Op == x86asm.XOR && next.Args[0] == next.Args[1] {
		idx++
	}
	magic, ok := w.at(idx)
	if !ok || magic.Op != x86asm.MOV {
		return false
	}
	return isImmValue(magic.Args[1], int64(int32(0xfefefeff))) || isImmValue(magic.Args[1], int64(int32(0x7efefeff)))
}

// isRegMemLoad reports whether inst loads a register from a bare memory
// operand (any base, zero displacement), the shape of a pointer-sized
// word fetch through a register holding the current scan position.
func isRegMemLoad(inst x86asm.Inst) bool {
	if !isAnyReg(inst.Args[0]) {
		return false
	}
	m, ok := inst.Args[1].(x86asm.Mem)
	return ok && m.Base != 0 && m.Disp == 0
}

func isAnyReg(a x86asm.Arg) bool {
	_, ok := a.(x86asm.Reg)
	return ok
}
