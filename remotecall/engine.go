// Package remotecall implements spec.md §4.4's remote call mechanism:
// forcing an already-stopped tracee to execute an arbitrary function from
// one of its own loaded libraries, by hand-crafting a register state that
// makes the function's own return instruction fault at a known address.
package remotecall

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/Mufanc/zynx/remote"
)

const maxArgs = 8

// stackAlign is AAPCS64's mandatory stack alignment; SP must be a
// multiple of this before a call, or the callee's own prologue can fault
// for reasons that have nothing to do with our sentinel trick.
const stackAlign = 16

// Call forces proc to execute the function at target with args loaded
// into x0..x7 (per AAPCS64; at most 8 are supported), and returns the
// value the function left in x0.
//
// The trick: LR is set to the current (16-byte aligned) SP before the
// call. Every well-formed AArch64 function ends by branching to LR, and
// the stack is never executable, so the "return" faults with SIGSEGV at
// PC == that SP value. Call treats exactly that fault, at exactly that
// PC, as successful completion; anything else is an error.
func Call(proc *remote.Process, target uint64, args ...uint64) (uint64, error) {
	if len(args) > maxArgs {
		return 0, fmt.Errorf("%w: got %d", ErrTooManyArgs, len(args))
	}

	snapshot, err := proc.GetRegs()
	if err != nil {
		return 0, fmt.Errorf("snapshot registers: %w", err)
	}

	call := snapshot
	sp := snapshot.Sp &^ (stackAlign - 1)
	sentinel := sp

	call.Sp = sp
	call.Pc = target
	call.SetLR(sentinel)
	for i, a := range args {
		call.SetArg(i, a)
	}

	if err := proc.SetRegs(call); err != nil {
		return 0, fmt.Errorf("load call registers: %w", err)
	}

	if err := proc.Cont(0); err != nil {
		return 0, fmt.Errorf("continue into call: %w", err)
	}

	result, waitErr := waitForCompletion(proc, sentinel)

	// Always try to restore the caller's original register state, even
	// if the call itself failed, so a denied/erroring embryo is left as
	// close as possible to how the kernel observer froze it.
	if restoreErr := proc.SetRegs(snapshot); restoreErr != nil && waitErr == nil {
		return result, fmt.Errorf("restore registers after call: %w", restoreErr)
	}

	return result, waitErr
}

// waitForCompletion waits for the sentinel SIGSEGV that marks a Call's
// completion, transparently forwarding unrelated stops per spec.md
// §4.4 step 5: a SIGCHLD or SIGCONT arriving mid-call (the worker's own
// child reaping, or a stray continue racing the sentinel fault) is
// re-delivered to the tracee and the wait resumed. Only SIGSEGV at the
// sentinel PC is accepted as completion.
func waitForCompletion(proc *remote.Process, sentinel uint64) (uint64, error) {
	for {
		res, err := proc.Wait()
		if err != nil {
			return 0, fmt.Errorf("wait for call completion: %w", err)
		}

		if res.Reason != remote.StopStopped && res.Reason != remote.StopTrapped {
			return 0, fmt.Errorf("%w: %s", ErrUnexpectedStop, res)
		}

		if res.Reason == remote.StopStopped && (res.Signal == unix.SIGCHLD || res.Signal == unix.SIGCONT) {
			if err := proc.Cont(res.Signal); err != nil {
				return 0, fmt.Errorf("forward %s during call: %w", res.Signal, err)
			}
			continue
		}

		if res.Signal != unix.SIGSEGV {
			return 0, fmt.Errorf("%w: stopped on %s, not SIGSEGV", ErrUnexpectedStop, res.Signal)
		}

		regs, err := proc.GetRegs()
		if err != nil {
			return 0, fmt.Errorf("read registers after call fault: %w", err)
		}
		if regs.Pc != sentinel {
			return 0, fmt.Errorf("%w: pc=%#x want %#x", ErrWrongReturnPC, regs.Pc, sentinel)
		}

		return regs.Result(), nil
	}
}

// CallVoid is Call for functions whose return value the caller doesn't
// need.
func CallVoid(proc *remote.Process, target uint64, args ...uint64) error {
	_, err := Call(proc, target, args...)
	return err
}
