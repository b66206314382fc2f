package except

import "golang.org/x/arch/x86/x86asm"

// Small structural-match helpers shared by the pattern predicates. None of
// these read application memory; they only inspect already-decoded
// instruction arguments.

func isRegArg(a x86asm.Arg, reg x86asm.Reg) bool {
	r, ok := a.(x86asm.Reg)
	return ok && r == reg
}

func isImmArg(a x86asm.Arg) bool {
	_, ok := a.(x86asm.Imm)
	return ok
}

func isImmValue(a x86asm.Arg, v int64) bool {
	imm, ok := a.(x86asm.Imm)
	return ok && int64(imm) == v
}

// isMemBaseArg reports whether a is a memory operand whose base register
// is base and whose displacement is one of the given deltas (no deltas
// means any displacement is accepted).
func isMemBaseArg(a x86asm.Arg, base x86asm.Reg, deltas ...int64) bool {
	m, ok := a.(x86asm.Mem)
	if !ok || m.Base != base {
		return false
	}
	if len(deltas) == 0 {
		return true
	}
	for _, d := range deltas {
		if m.Disp == d {
			return true
		}
	}
	return false
}

// isTestMemReg reports whether inst is `test [base], reg`.
func isTestMemReg(inst x86asm.Inst, base, reg x86asm.Reg) bool {
	return inst.Op == x86asm.TEST && isMemBaseArg(inst.Args[0], base) && isRegArg(inst.Args[1], reg)
}

// isUnalignedWordAccess reports whether addr is not aligned to a
// pointer-sized (4-byte) boundary, the precondition every strlen/strcpy/
// rawmemchr word-load pattern below requires before it will suppress.
func isUnalignedWordAccess(addr uintptr) bool {
	return addr%4 != 0
}
