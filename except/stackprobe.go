package except

import "golang.org/x/arch/x86/x86asm"

// isStackProbePattern recognizes the handful of `alloca`/`_chkstk`/cygwin
// stack-probe shapes that deliberately touch one unaddressable guard page
// at a time while growing the stack. A match never upgrades the byte: the
// probe doesn't make the page addressable, it only tests whether it's
// already mapped.
func isStackProbePattern(w Window) bool {
	fault := w.fault()

	if isTestMemReg(fault, x86asm.ECX, x86asm.EAX) || isTestMemReg(fault, x86asm.EAX, x86asm.EAX) {
		next, ok := w.at(1)
		if !ok {
			return false
		}
		switch {
		case next.Op == x86asm.CMP && isRegArg(next.Args[0], x86asm.EAX) && isImmArg(next.Args[1]):
			return true
		case next.Op == x86asm.MOV && isRegArg(next.Args[0], x86asm.ESP) && isRegArg(next.Args[1], x86asm.ECX):
			return true
		case next.Op == x86asm.XCHG && (isRegArg(next.Args[0], x86asm.ESP) || isRegArg(next.Args[1], x86asm.ESP)):
			return true
		case next.Op == x86asm.JMP:
			return true
		}
		return false
	}

	if fault.Op == x86asm.MOV && isRegArg(fault.Args[0], x86asm.EAX) && isMemBaseArg(fault.Args[1], x86asm.EAX) {
		prev, ok := w.at(-1)
		if ok && prev.Op == x86asm.XCHG &&
			(isRegArg(prev.Args[0], x86asm.ESP) && isRegArg(prev.Args[1], x86asm.EAX) ||
				isRegArg(prev.Args[1], x86asm.ESP) && isRegArg(prev.Args[0], x86asm.EAX)) {
			return true
		}
	}

	if fault.Op == x86asm.OR && isMemBaseArg(fault.Args[0], x86asm.ECX) && isImmValue(fault.Args[1], 0) {
		return true
	}

	return false
}
