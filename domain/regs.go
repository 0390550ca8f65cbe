package domain

// Regs is the AArch64 general-purpose register file as exposed by
// PTRACE_GETREGSET/NT_PRSTATUS (user_pt_regs in <sys/user.h>): 31
// general-purpose registers, SP, PC and the processor state register.
// LR is simply Regs[30] by ABI convention; named accessors are provided
// for readability at call sites.
type Regs struct {
	Regs   [31]uint64
	Sp     uint64
	Pc     uint64
	Pstate uint64
}

// Arg returns integer argument register xN (N in [0,7]), per the AArch64
// procedure call standard used for the up-to-eight-argument remote calls
// of spec.md §4.4.
func (r *Regs) Arg(n int) uint64 {
	return r.Regs[n]
}

// SetArg sets integer argument register xN.
func (r *Regs) SetArg(n int, v uint64) {
	r.Regs[n] = v
}

// LR returns the link register (x30).
func (r *Regs) LR() uint64 {
	return r.Regs[30]
}

// SetLR sets the link register (x30).
func (r *Regs) SetLR(v uint64) {
	r.Regs[30] = v
}

// Result returns the function-result register (x0), per AAPCS64.
func (r *Regs) Result() uint64 {
	return r.Regs[0]
}
