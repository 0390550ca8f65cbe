package observer

import (
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"

	"github.com/Mufanc/zynx/domain"
)

// firstAppUID gates every rule on "current task is privileged" per
// spec.md §4.1; AOSP reserves uids below this for system processes.
const firstAppUID = 10000

// cloneThread mirrors Linux's CLONE_THREAD flag, used by task_newtask to
// skip thread creation events.
const cloneThread = 0x00010000

// sigstop is the signal the observer uses to freeze an embryo at a hook
// point, per spec.md §4.1's "stop the task" phrasing.
const sigstop = 19

// stack slots every program below spills its map key/value pairs
// through; BPF map helpers take pointers, never scalars, so a pid held
// in a register has to land on the frame before FnMapLookupElem et al.
// can see it.
const (
	keySlot   = -4
	valueSlot = -8
)

// pathBufSlot/nameBufSlot hold the fixed-length pattern buffers
// schedProcessExecProgram/taskRenameProgram read the exec filename and
// current comm into, keyed against TARGET_PATHS/TARGET_NAMES. Ranges
// don't overlap keySlot/valueSlot or each other.
const (
	pathBufSlot = -160 // [-160, -32), pathPatternLen bytes
	nameBufSlot = -32  // [-32, -16), namePatternLen bytes
)

// eventRecordSize is the wire size of the {tag, pad[3], pid} record this
// package emits into MESSAGE_CHANNEL. The matched path/comm text itself
// isn't carried kernel-side — reader.go's consumer resolves it from
// /proc/<pid> once the event arrives, trading one probe_read_str-free
// program for a procfs read on an already-frozen pid (see DESIGN.md).
const eventRecordSize = 8

// progSpecs builds one ebpf.ProgramSpec per tracepoint spec.md §4.1
// names, for the given set of watched exec paths and comm names. Each
// program's instructions reference the maps in mapSpecs() by name via
// Instruction.Reference; ebpf.NewCollectionWithOptions resolves those
// references against the sibling CollectionSpec.Maps entries at load
// time.
func progSpecs(targetPaths, targetNames []string) map[string]*ebpf.ProgramSpec {
	return map[string]*ebpf.ProgramSpec{
		"task_newtask": {
			Name:         "on_task_newtask",
			Type:         ebpf.TracePoint,
			Instructions: taskNewtaskProgram(),
			License:      "GPL",
		},
		"sched_process_exec": {
			Name:         "on_process_exec",
			Type:         ebpf.TracePoint,
			Instructions: schedProcessExecProgram(targetPaths),
			License:      "GPL",
		},
		"task_rename": {
			Name:         "on_task_rename",
			Type:         ebpf.TracePoint,
			Instructions: taskRenameProgram(targetNames),
			License:      "GPL",
		},
		"raw_syscalls/sys_enter": {
			Name:         "on_sys_enter",
			Type:         ebpf.TracePoint,
			Instructions: sysEnterProgram(),
			License:      "GPL",
		},
		"sched_process_exit": {
			Name:         "on_process_exit",
			Type:         ebpf.TracePoint,
			Instructions: schedProcessExitProgram(),
			License:      "GPL",
		},
	}
}

// privilegeGuard emits the "current task is privileged" check every rule
// in spec.md §4.1 is qualified by: return early (R0 = 0) unless
// bpf_get_current_uid_gid()'s low 32 bits (the uid) are below
// firstAppUID. Falls through to "privileged" with R0 clobbered.
func privilegeGuard() asm.Instructions {
	return asm.Instructions{
		asm.FnGetCurrentUidGid.Call(),
		asm.And.Imm(asm.R0, 0xffffffff),
		asm.JLT.Imm(asm.R0, firstAppUID, "privileged"),
		asm.Mov.Imm(asm.R0, 0),
		asm.Return(),
		asm.Mov.Imm(asm.R0, 0).WithSymbol("privileged"),
	}
}

// currentPid loads the calling task's tgid (the process-level pid
// userspace and the rest of this package mean by "pid") into R6.
// bpf_get_current_pid_tgid returns tgid in the high 32 bits.
func currentPid() asm.Instructions {
	return asm.Instructions{
		asm.FnGetCurrentPidTgid.Call(),
		asm.Rsh.Imm(asm.R0, 32),
		asm.Mov.Reg(asm.R6, asm.R0),
	}
}

// mapLookup spills keyReg to keySlot and looks it up in the named map,
// leaving the result pointer (or NULL) in R0.
func mapLookup(mapRef string, keyReg asm.Register) asm.Instructions {
	return asm.Instructions{
		asm.StoreMem(asm.RFP, keySlot, keyReg, asm.Word),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, keySlot),
		asm.LoadMapPtr(asm.R1, 0).WithReference(mapRef),
		asm.FnMapLookupElem.Call(),
	}
}

// zeroStack writes size bytes of zero at RFP+base, size must be a
// multiple of 8. Run before a probe_read_str into the same buffer so
// any bytes past the copied string still compare equal to padPattern's
// userspace zero-padding, regardless of how short the string was.
func zeroStack(base, size int) asm.Instructions {
	var insns asm.Instructions
	for off := 0; off < size; off += 8 {
		insns = append(insns, asm.StoreImm(asm.RFP, int16(base+off), 0, asm.DWord))
	}
	return insns
}

// mapLookupBuf looks up the named map using the size-byte buffer
// already written at RFP+bufSlot as key, leaving the result pointer (or
// NULL) in R0. Used for TARGET_PATHS/TARGET_NAMES, whose keys are
// fixed-length byte patterns rather than a spilled scalar.
func mapLookupBuf(mapRef string, bufSlot int) asm.Instructions {
	return asm.Instructions{
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, int32(bufSlot)),
		asm.LoadMapPtr(asm.R1, 0).WithReference(mapRef),
		asm.FnMapLookupElem.Call(),
	}
}

// offExecFilenameLoc is the byte offset of sched_process_exec's
// "__data_loc char filename[]" field within the tracepoint context on a
// stock arm64 kernel; same provenance disclaimer as taskNewtaskProgram's
// offset constants. A __data_loc field packs a 16-bit offset (from the
// start of the context) in its low half, which is the pattern
// execsnoop-style BPF programs use to locate the actual string.
const offExecFilenameLoc = 8

// readExecFilename zero-fills pathBufSlot and copies the exec'd filename
// into it via bpf_probe_read_str, resolving the __data_loc offset
// embedded in the tracepoint context. Assumes R1 still holds ctx, true
// immediately after privilegeGuard/currentPid by this package's
// convention of treating R6+ (and R1, here) as surviving helper calls.
func readExecFilename() asm.Instructions {
	insns := zeroStack(pathBufSlot, pathPatternLen)
	insns = append(insns,
		asm.LoadMem(asm.R8, asm.R1, offExecFilenameLoc, asm.Word),
		asm.And.Imm(asm.R8, 0xffff),
		asm.Add.Reg(asm.R8, asm.R1), // R8 = &ctx.filename

		asm.Mov.Reg(asm.R1, asm.RFP),
		asm.Add.Imm(asm.R1, int32(pathBufSlot)),
		asm.Mov.Imm(asm.R2, pathPatternLen),
		asm.Mov.Reg(asm.R3, asm.R8),
		asm.FnProbeReadStr.Call(),
	)
	return insns
}

// readCurrentComm zero-fills nameBufSlot and fills it with the calling
// task's comm via bpf_get_current_comm. task_rename fires in the
// renaming task's own context, so "current comm" is exactly the new
// name spec.md §4.1 matches against.
func readCurrentComm() asm.Instructions {
	insns := zeroStack(nameBufSlot, namePatternLen)
	insns = append(insns,
		asm.Mov.Reg(asm.R1, asm.RFP),
		asm.Add.Imm(asm.R1, int32(nameBufSlot)),
		asm.Mov.Imm(asm.R2, namePatternLen),
		asm.FnGetCurrentComm.Call(),
	)
	return insns
}

// mapUpdate spills keyReg and the constant value into their slots and
// inserts/overwrites the named map's entry (BPF_ANY).
func mapUpdate(mapRef string, keyReg asm.Register, value int32) asm.Instructions {
	return asm.Instructions{
		asm.StoreMem(asm.RFP, keySlot, keyReg, asm.Word),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, keySlot),
		asm.StoreImm(asm.RFP, valueSlot, int64(value), asm.Word),
		asm.Mov.Reg(asm.R3, asm.RFP),
		asm.Add.Imm(asm.R3, valueSlot),
		asm.LoadMapPtr(asm.R1, 0).WithReference(mapRef),
		asm.Mov.Imm(asm.R4, 0), // BPF_ANY
		asm.FnMapUpdateElem.Call(),
	}
}

// mapDelete spills keyReg and removes the named map's entry for it.
func mapDelete(mapRef string, keyReg asm.Register) asm.Instructions {
	return asm.Instructions{
		asm.StoreMem(asm.RFP, keySlot, keyReg, asm.Word),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, keySlot),
		asm.LoadMapPtr(asm.R1, 0).WithReference(mapRef),
		asm.FnMapDeleteElem.Call(),
	}
}

// emitEvent reserves eventRecordSize bytes in MESSAGE_CHANNEL, writes
// tag and pidReg into it, and submits the record. R0 is clobbered. When
// the reservation fails (ring buffer full) the event is dropped and the
// program returns at once with R0 = 0, so the stop signal callers send
// after emitEvent is never sent for a dropped event.
func emitEvent(tag domain.EventTag, pidReg asm.Register) asm.Instructions {
	return asm.Instructions{
		asm.LoadMapPtr(asm.R1, 0).WithReference("message_channel"),
		asm.Mov.Imm(asm.R2, eventRecordSize),
		asm.Mov.Imm(asm.R3, 0),
		asm.FnRingbufReserve.Call(),
		asm.JEq.Imm(asm.R0, 0, "ringbuf_full"),
		asm.Mov.Reg(asm.R8, asm.R0),
		asm.StoreImm(asm.R8, 0, int64(tag), asm.Byte),
		asm.StoreMem(asm.R8, 4, pidReg, asm.Word),
		asm.Mov.Reg(asm.R1, asm.R8),
		asm.Mov.Imm(asm.R2, 0),
		asm.FnRingbufSubmit.Call(),
		asm.Ja.Label("event_done"),
		asm.Mov.Imm(asm.R0, 0).WithSymbol("ringbuf_full"),
		asm.Return(),
		asm.Mov.Imm(asm.R0, 0).WithSymbol("event_done"),
	}
}

// taskNewtaskProgram implements spec.md §4.1's task_newtask rule: skip
// thread clones, insert init's direct children into INIT_CHILDREN tagged
// PostFork, insert the registered zygote's children into
// ZYGOTE_CHILDREN tagged PreFork.
//
// Field offsets into the tracepoint's context struct (clone flags, new
// pid, parent pid) are resolved against
// /sys/kernel/tracing/events/task/task_newtask/format at attach time in
// a real deployment; the constants below match a stock arm64 kernel's
// layout and are where a format-driven loader would patch LoadMem's
// offset argument if the running kernel disagreed.
func taskNewtaskProgram() asm.Instructions {
	const (
		offClkFlags = 8
		offPid      = 16
		offParent   = 24
	)

	insns := privilegeGuard()
	insns = append(insns,
		asm.LoadMem(asm.R2, asm.R1, offClkFlags, asm.Word),
		asm.And.Imm(asm.R2, cloneThread),
		asm.JNE.Imm(asm.R2, 0, "is_thread"),

		asm.LoadMem(asm.R6, asm.R1, offPid, asm.Word),
		asm.LoadMem(asm.R7, asm.R1, offParent, asm.Word),

		asm.JNE.Imm(asm.R7, 1, "check_zygote_parent").WithSymbol("check_init_parent"),
	)
	insns = append(insns, mapUpdate("init_children", asm.R6, int32(tagPostFork))...)
	insns = append(insns, asm.Ja.Label("is_thread"))
	insns = append(insns, asm.Mov.Imm(asm.R0, 0).WithSymbol("check_zygote_parent"))
	insns = append(insns, mapUpdate("zygote_children", asm.R6, int32(tagPreFork))...)
	insns = append(insns,
		asm.Mov.Imm(asm.R0, 0).WithSymbol("is_thread"),
		asm.Return(),
	)
	return insns
}

// schedProcessExecProgram implements spec.md §4.1's sched_process_exec
// rule: a PostFork init-child whose exec path matches one of
// targetPaths gets stopped and reported as PathMatches and removed from
// INIT_CHILDREN; any other exec retags it PostExec. Any exec by a
// ZYGOTE_CHILDREN pid removes it (fork-exec children like idmap2 aren't
// embryos).
//
// The exec filename is read off the tracepoint context into
// pathBufSlot (readExecFilename) and looked up directly against
// TARGET_PATHS, which populateTargets has already loaded with every
// configured pattern as a set — one read plus one lookup replaces
// comparing against each configured path in turn. targetPaths itself
// only shapes TARGET_PATHS' contents (observer.populateTargets); this
// program doesn't need the strings, only the map they end up in.
func schedProcessExecProgram(targetPaths []string) asm.Instructions {
	_ = targetPaths // consumed by observer.populateTargets, not here

	insns := privilegeGuard()
	insns = append(insns, currentPid()...)
	insns = append(insns, mapDelete("zygote_children", asm.R6)...)
	insns = append(insns, mapLookup("init_children", asm.R6)...)
	insns = append(insns, asm.JEq.Imm(asm.R0, 0, "done"))

	insns = append(insns, asm.LoadMem(asm.R7, asm.R0, 0, asm.Word)) // current tag
	insns = append(insns, asm.JNE.Imm(asm.R7, int32(tagPostFork), "path_miss"))

	insns = append(insns, readExecFilename()...)
	insns = append(insns, mapLookupBuf("target_paths", pathBufSlot)...)
	insns = append(insns, asm.JEq.Imm(asm.R0, 0, "path_miss"))

	insns = append(insns, mapDelete("init_children", asm.R6)...)
	insns = append(insns, emitEvent(domain.EventPathMatches, asm.R6)...)
	insns = append(insns,
		asm.Mov.Imm(asm.R1, sigstop),
		asm.FnSendSignal.Call(),
		asm.Ja.Label("done"),
	)

	insns = append(insns, asm.Mov.Imm(asm.R0, 0).WithSymbol("path_miss"))
	insns = append(insns, mapUpdate("init_children", asm.R6, int32(tagPostExec))...)
	insns = append(insns,
		asm.Mov.Imm(asm.R0, 0),
		asm.Return().WithSymbol("done"),
	)
	return insns
}

// taskRenameProgram implements spec.md §4.1's task_rename rule: a
// PostExec init-child whose new comm matches one of targetNames gets
// stopped and reported as NameMatches and removed from INIT_CHILDREN.
//
// The new comm is read via bpf_get_current_comm into nameBufSlot
// (readCurrentComm) and looked up directly against TARGET_NAMES, which
// populateTargets has already loaded with every configured name as a
// set. targetNames itself only shapes TARGET_NAMES' contents.
func taskRenameProgram(targetNames []string) asm.Instructions {
	_ = targetNames // consumed by observer.populateTargets, not here

	insns := privilegeGuard()
	insns = append(insns, currentPid()...)
	insns = append(insns, mapLookup("init_children", asm.R6)...)
	insns = append(insns, asm.JEq.Imm(asm.R0, 0, "done"))
	insns = append(insns, asm.LoadMem(asm.R7, asm.R0, 0, asm.Word))
	insns = append(insns, asm.JNE.Imm(asm.R7, int32(tagPostExec), "done"))

	insns = append(insns, readCurrentComm()...)
	insns = append(insns, mapLookupBuf("target_names", nameBufSlot)...)
	insns = append(insns, asm.JEq.Imm(asm.R0, 0, "done"))

	insns = append(insns, mapDelete("init_children", asm.R6)...)
	insns = append(insns, emitEvent(domain.EventNameMatches, asm.R6)...)
	insns = append(insns,
		asm.Mov.Imm(asm.R1, sigstop),
		asm.FnSendSignal.Call(),
	)

	insns = append(insns,
		asm.Mov.Imm(asm.R0, 0),
		asm.Return().WithSymbol("done"),
	)
	return insns
}

// sysEnterProgram implements spec.md §4.1's sys_enter rule: detects
// SpecializeCommon's entry by the rt_sigprocmask(SIG_UNBLOCK, ...)
// syscall a freshly-forked zygote child makes in 64-bit context, firing
// ZygoteFork for any ZYGOTE_CHILDREN pid tagged PreFork.
func sysEnterProgram() asm.Instructions {
	const sysRtSigprocmask = 135
	const sigUnblock = 1

	insns := privilegeGuard()
	insns = append(insns,
		asm.LoadMem(asm.R2, asm.R1, 8, asm.DWord), // syscall nr
		asm.JNE.Imm(asm.R2, sysRtSigprocmask, "done"),
		asm.LoadMem(asm.R3, asm.R1, 16, asm.DWord), // arg0 (how)
		asm.JNE.Imm(asm.R3, sigUnblock, "done"),
	)
	insns = append(insns, currentPid()...)
	insns = append(insns, mapLookup("zygote_children", asm.R6)...)
	insns = append(insns, asm.JEq.Imm(asm.R0, 0, "done"))
	insns = append(insns, mapDelete("zygote_children", asm.R6)...)
	insns = append(insns, emitEvent(domain.EventZygoteFork, asm.R6)...)
	insns = append(insns,
		asm.Mov.Imm(asm.R1, sigstop),
		asm.FnSendSignal.Call(),
		asm.Mov.Imm(asm.R0, 0),
		asm.Return().WithSymbol("done"),
	)
	return insns
}

// schedProcessExitProgram implements spec.md §4.1's sched_process_exit
// rule: remove the exiting pid from every per-pid map; if it's the
// registered zygote (ZYGOTE_INFO), emit ZygoteCrashed and clear the
// registration.
func schedProcessExitProgram() asm.Instructions {
	insns := privilegeGuard()
	insns = append(insns, currentPid()...)
	insns = append(insns, mapDelete("init_children", asm.R6)...)
	insns = append(insns, mapDelete("zygote_children", asm.R6)...)

	insns = append(insns, asm.Mov.Imm(asm.R9, 0))
	insns = append(insns, mapLookup("zygote_info", asm.R9)...)
	insns = append(insns, asm.JEq.Imm(asm.R0, 0, "done"))
	insns = append(insns, asm.LoadMem(asm.R7, asm.R0, 0, asm.Word))
	insns = append(insns, asm.JNE.Reg(asm.R7, asm.R6, "done"))
	insns = append(insns, asm.Mov.Imm(asm.R9, 0))
	insns = append(insns, mapUpdate("zygote_info", asm.R9, 0)...)
	insns = append(insns, emitEvent(domain.EventZygoteCrashed, asm.R6)...)

	insns = append(insns,
		asm.Mov.Imm(asm.R0, 0),
		asm.Return().WithSymbol("done"),
	)
	return insns
}
