package remotecall

import "errors"

// ErrTooManyArgs is returned by Call when more than eight integer
// arguments are requested: AArch64's AAPCS64 only passes the first eight
// in registers, and this engine never spills extra arguments to the
// tracee's stack.
var ErrTooManyArgs = errors.New("remotecall: at most 8 arguments supported")

// ErrUnexpectedStop is returned when the tracee reports a wait-status
// Call didn't ask for (e.g. it exited, or stopped on a signal other than
// the expected completion SIGSEGV).
var ErrUnexpectedStop = errors.New("remotecall: tracee stopped unexpectedly")

// ErrWrongReturnPC is returned when the tracee does fault, but not at the
// sentinel link-register address — meaning the called function branched
// somewhere unexpected rather than returning normally.
var ErrWrongReturnPC = errors.New("remotecall: fault PC did not match call sentinel")

// ErrSymbolNotFound mirrors symbol.ErrSymbolNotFound for callers that
// only import remotecall.
var ErrSymbolNotFound = errors.New("remotecall: symbol not found")
