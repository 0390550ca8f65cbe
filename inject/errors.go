package inject

import "errors"

// ErrLibraryNotMapped is returned when register_zygote can't find the
// target shared library in the candidate pid's memory map.
var ErrLibraryNotMapped = errors.New("inject: library not mapped in target process")

// ErrNotExecutable is returned when the resolved SpecializeCommon address
// doesn't fall inside an executable mapping.
var ErrNotExecutable = errors.New("inject: resolved address is not executable")

// ErrNotFileBacked is returned when the resolved SpecializeCommon address
// falls inside an anonymous (non-file-backed) mapping, or no mapping at
// all — either way, not something register_zygote should trust.
var ErrNotFileBacked = errors.New("inject: resolved address is not file-backed")

// ErrWorkerTimeout is returned when an injection worker exceeds its
// wall-clock budget. The tracee is left detached with its breakpoint
// already restored, so timing out is safe, not fatal.
var ErrWorkerTimeout = errors.New("inject: worker exceeded its time budget")

// ErrNoActiveZygote is returned when on_fork fires with no matching
// registered zygote — it happens if the observer reports a fork from a
// pid whose register_zygote call never completed or already unregistered.
var ErrNoActiveZygote = errors.New("inject: fork reported for a pid with no active zygote registration")
