// Package remote implements the Remote Process Facade of spec.md §4.3: a
// thin, unsafe-at-bottom wrapper around ptrace, process_vm_readv/writev and
// /proc/<pid>/mem that the rest of zynx-core treats as a safe-looking API.
// One *Process is owned by exactly one worker goroutine at a time — no
// internal locking, per spec.md §5's concurrency model.
package remote

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Mufanc/zynx/domain"
)

// StopReason classifies why a wait() call returned, mirroring the
// "tagged status" spec.md §4.3 asks for (exited, signaled, stopped(sig)).
type StopReason uint8

const (
	StopUnknown StopReason = iota
	StopExited
	StopSignaled
	StopTrapped
	StopStopped // stopped by a signal other than SIGTRAP
)

// WaitResult is the outcome of a single wait() call.
type WaitResult struct {
	Reason     StopReason
	ExitCode   int
	Signal     unix.Signal
	TrapCause  int // PTRACE_GETEVENTMSG-style cause, when available; 0 otherwise
}

func (w WaitResult) String() string {
	switch w.Reason {
	case StopExited:
		return fmt.Sprintf("exited(%d)", w.ExitCode)
	case StopSignaled:
		return fmt.Sprintf("signaled(%s)", w.Signal)
	case StopTrapped:
		return "trapped(SIGTRAP)"
	case StopStopped:
		return fmt.Sprintf("stopped(%s)", w.Signal)
	default:
		return "unknown"
	}
}

// Process is a handle to a single tracee. It is not safe for concurrent
// use; callers must serialize all access (normally by giving each Process
// to exactly one injection worker).
type Process struct {
	Pid int
}

// Attach to a pid that the kernel observer has already frozen into a
// tracing-stop (spec.md §4.6's "Attach & release" step uses Seize, not
// Attach, since the tracee is already stopped by the observer rather than
// by us sending a signal).
func Seize(pid int) (*Process, error) {
	if err := unix.PtraceSeize(pid); err != nil {
		return nil, fmt.Errorf("ptrace seize pid %d: %w", pid, err)
	}
	return &Process{Pid: pid}, nil
}

// Wait blocks until the tracee produces its next wait-status, per spec.md
// §4.3's `wait`.
func (p *Process) Wait() (WaitResult, error) {
	var status unix.WaitStatus
	_, err := unix.Wait4(p.Pid, &status, unix.WALL, nil)
	if err != nil {
		return WaitResult{}, fmt.Errorf("wait4 pid %d: %w", p.Pid, err)
	}

	switch {
	case status.Exited():
		return WaitResult{Reason: StopExited, ExitCode: status.ExitStatus()}, nil
	case status.Signaled():
		return WaitResult{Reason: StopSignaled, Signal: status.Signal()}, nil
	case status.Stopped():
		sig := status.StopSignal()
		if sig == unix.SIGTRAP {
			return WaitResult{Reason: StopTrapped, Signal: sig, TrapCause: status.TrapCause()}, nil
		}
		return WaitResult{Reason: StopStopped, Signal: sig}, nil
	default:
		return WaitResult{Reason: StopUnknown}, nil
	}
}

// Cont resumes the tracee, optionally re-delivering a signal, per spec.md
// §4.3's `cont`.
func (p *Process) Cont(sig unix.Signal) error {
	if err := unix.PtraceCont(p.Pid, int(sig)); err != nil {
		return fmt.Errorf("ptrace cont pid %d: %w", p.Pid, err)
	}
	return nil
}

// Kill sends sig to the tracee.
func (p *Process) Kill(sig unix.Signal) error {
	if err := unix.Kill(p.Pid, sig); err != nil {
		return fmt.Errorf("kill pid %d: %w", p.Pid, err)
	}
	return nil
}

// Detach releases the tracee, per spec.md §4.3's `detach`. It is always
// the last call a worker makes on a Process, successful injection or not.
func (p *Process) Detach() error {
	if err := unix.PtraceDetach(p.Pid); err != nil {
		logrus.Warnf("ptrace detach pid %d failed (tracee likely already gone): %v", p.Pid, err)
		return err
	}
	return nil
}

// GetRegs reads the full AArch64 register set via
// PTRACE_GETREGSET/NT_PRSTATUS, per spec.md §4.3. unix.PtraceRegs on arm64
// is laid out exactly like domain.Regs (Regs[31], Sp, Pc, Pstate), so the
// conversion is a straight field copy.
func (p *Process) GetRegs() (domain.Regs, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(p.Pid, &regs); err != nil {
		return domain.Regs{}, fmt.Errorf("ptrace getregs pid %d: %w", p.Pid, err)
	}
	return domain.Regs{Regs: regs.Regs, Sp: regs.Sp, Pc: regs.Pc, Pstate: regs.Pstate}, nil
}

// SetRegs writes the full AArch64 register set back via
// PTRACE_SETREGSET/NT_PRSTATUS.
func (p *Process) SetRegs(r domain.Regs) error {
	regs := unix.PtraceRegs{Regs: r.Regs, Sp: r.Sp, Pc: r.Pc, Pstate: r.Pstate}
	if err := unix.PtraceSetRegs(p.Pid, &regs); err != nil {
		return fmt.Errorf("ptrace setregs pid %d: %w", p.Pid, err)
	}
	return nil
}
