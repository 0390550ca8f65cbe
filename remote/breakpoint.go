package remote

import (
	"encoding/binary"
	"fmt"
)

// brk0 is the AArch64 encoding of `brk #0`, used as a software breakpoint:
// it traps into SIGTRAP at the instruction it replaces, giving the
// observer a precise stop point inside SpecializeCommon per spec.md §4.6.
const brk0 uint32 = 0xd4200000

// Breakpoint remembers the original instruction at one address so it can
// be lifted back out once the worker is done with that stop.
type Breakpoint struct {
	Addr     uint64
	Original [4]byte
}

// InstallBreakpoint overwrites the instruction at addr with `brk #0`,
// returning a Breakpoint that can restore it later. The write goes
// through /proc/<pid>/mem since the target text page is read-only.
func (p *Process) InstallBreakpoint(addr uint64) (*Breakpoint, error) {
	orig, err := p.ReadMem(addr, 4)
	if err != nil {
		return nil, fmt.Errorf("read original instruction at %#x: %w", addr, err)
	}

	var patched [4]byte
	binary.LittleEndian.PutUint32(patched[:], brk0)

	if err := p.WriteMemForce(addr, patched[:]); err != nil {
		return nil, fmt.Errorf("install breakpoint at %#x: %w", addr, err)
	}

	bp := &Breakpoint{Addr: addr}
	copy(bp.Original[:], orig)
	return bp, nil
}

// Restore writes the original instruction back, undoing InstallBreakpoint.
// The inject worker does not use it: it lifts the breakpoint by
// remote-calling madvise(MADV_DONTNEED) on the patched page instead.
func (p *Process) Restore(bp *Breakpoint) error {
	if err := p.WriteMemForce(bp.Addr, bp.Original[:]); err != nil {
		return fmt.Errorf("restore instruction at %#x: %w", bp.Addr, err)
	}
	return nil
}

// HitBreakpoint reports whether the tracee's current PC sits exactly at
// bp.Addr, i.e. whether the trap fired at the breakpoint we installed
// rather than some unrelated SIGTRAP. Unlike x86's INT3, AArch64's `brk`
// debug exception does not advance PC past the faulting instruction, so
// no +4 adjustment is needed before resuming once the original bytes are
// back in place.
func (p *Process) HitBreakpoint(bp *Breakpoint, pc uint64) bool {
	return pc == bp.Addr
}
