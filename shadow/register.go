package shadow

// NumGPRegs is the number of architectural general-purpose registers
// tracked per thread. 8 covers the classic x86 set (eax/ebx/ecx/edx/esi/
// edi/ebp/esp); wider architectures simply use a prefix of the array.
const NumGPRegs = 8

// RegBytes is the shadow tag of each byte of one register.
type RegBytes [8]Tag // 8 bytes covers up to a 64-bit register.

// Defined reports whether every constituent byte is Defined.
func (r RegBytes) Defined(width int) bool {
	for i := 0; i < width; i++ {
		if r[i] != Defined {
			return false
		}
	}
	return true
}

// RegisterShadow is the per-thread parallel tag state for the thread's
// general-purpose registers.
type RegisterShadow struct {
	Regs [NumGPRegs]RegBytes
}

// NewRegisterShadow returns a RegisterShadow with every register fully
// Undefined, matching a freshly-scheduled thread whose register contents
// are unknown to the tool until first write.
func NewRegisterShadow() *RegisterShadow {
	rs := &RegisterShadow{}
	for i := range rs.Regs {
		for j := range rs.Regs[i] {
			rs.Regs[i][j] = Undefined
		}
	}
	return rs
}

// SetReg sets all width bytes of register reg to tag.
func (rs *RegisterShadow) SetReg(reg int, width int, tag Tag) {
	for i := 0; i < width; i++ {
		rs.Regs[reg][i] = tag
	}
}

// CopyFromContext copies the byte-shadow at each of the given context field
// addresses into the corresponding register, as NtContinue does when
// restoring all eight general registers from a supplied context image.
func (rs *RegisterShadow) CopyFromContext(sh *Shadow, fieldAddrs [NumGPRegs]uintptr, width int) {
	for reg, addr := range fieldAddrs {
		for i := 0; i < width; i++ {
			rs.Regs[reg][i] = sh.Get(addr + uintptr(i))
		}
	}
}
