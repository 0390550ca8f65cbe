package inject

import (
	"encoding/binary"
	"fmt"

	"github.com/Mufanc/zynx/domain"
	"github.com/Mufanc/zynx/remote"
)

// argRegs is how many of the up to 21 long-sized slots arrive in
// registers under AAPCS64 before the rest spill to the stack.
const argRegs = 8

// DecodeArgs reads SpecializeCommon's argument slots out of regs (x0-x7)
// and the stack spill area above SP, and assembles them into a
// domain.SpecializeArgs for the given API version. Conditional fields
// (mount_external, mount_sysprop_overrides) are left zero-valued when
// version doesn't carry them.
func DecodeArgs(proc *remote.Process, regs domain.Regs, version domain.SpecializeVersion) (domain.SpecializeArgs, error) {
	slotCount := version.SlotCount()

	slots := make([]uint64, slotCount)
	for i := 0; i < slotCount && i < argRegs; i++ {
		slots[i] = regs.Arg(i)
	}

	if slotCount > argRegs {
		spillCount := slotCount - argRegs
		spillBytes := spillCount * 8
		buf, err := proc.ReadMem(regs.Sp, spillBytes)
		if err != nil {
			return domain.SpecializeArgs{}, fmt.Errorf("read stack-spilled args: %w", err)
		}
		for i := 0; i < spillCount; i++ {
			slots[argRegs+i] = binary.LittleEndian.Uint64(buf[i*8 : i*8+8])
		}
	}

	return decodeSlots(slots, version), nil
}

// decodeSlots maps the flat slot vector onto named SpecializeArgs fields
// in AOSP's com_android_internal_os_Zygote.cpp argument order: uid, gid,
// gids, runtime_flags, rlimits, permitted_capabilities,
// effective_capabilities, inheritable_capabilities, [mount_external],
// se_info, nice_name, is_system_server, is_child_zygote,
// instruction_set, app_data_dir, is_top_app, pkg_data_info_list,
// whitelisted_data_info_list, bind_mount_app_data_dirs,
// bind_mount_app_storage_dirs, [mount_sysprop_overrides], fds_to_close,
// fds_to_ignore. This implementation folds the two managed-string-list
// slots the original passes (pkg_data_info_list /
// whitelisted_data_info_list) into the single app-data-dir handle, since
// zynx-core only needs enough of the record to decide and to write it
// back unchanged — never to interpret the managed object graph itself.
func decodeSlots(slots []uint64, version domain.SpecializeVersion) domain.SpecializeArgs {
	args := domain.SpecializeArgs{Version: version}

	i := 0
	next := func() uint64 {
		v := slots[i]
		i++
		return v
	}

	args.Uid = int32(next())
	args.Gid = int32(next())
	args.GidsHandle = next()
	args.RuntimeFlags = int32(next())
	args.RlimitsHandle = next()
	args.PermittedCaps = next()
	args.EffectiveCaps = next()
	args.InheritableCaps = next()

	if version.HasMountExternal() {
		args.MountExternal = int32(next())
	}

	args.SeInfoHandle = next()
	args.NiceNameHandle = next()
	args.IsSystemServer = next() != 0
	args.IsChildZygote = next() != 0
	args.InstructionSet = next()
	args.AppDataDirHandle = next()
	args.IsTopApp = next() != 0
	args.MountDataDirs = next() != 0
	args.MountStorageDirs = next() != 0

	if version.HasMountSyspropOverrides() {
		args.MountSyspropOverrides = next() != 0
	}

	args.FdsToClose = next()
	args.FdsToIgnore = next()

	return args
}

// encodeSlots is decodeSlots run in reverse, used by the round-trip test
// and by WriteBack.
func encodeSlots(args domain.SpecializeArgs) []uint64 {
	slots := make([]uint64, 0, args.Version.SlotCount())

	slots = append(slots,
		uint64(args.Uid),
		uint64(args.Gid),
		args.GidsHandle,
		uint64(args.RuntimeFlags),
		args.RlimitsHandle,
		args.PermittedCaps,
		args.EffectiveCaps,
		args.InheritableCaps,
	)

	if args.Version.HasMountExternal() {
		slots = append(slots, uint64(args.MountExternal))
	}

	slots = append(slots,
		args.SeInfoHandle,
		args.NiceNameHandle,
		boolSlot(args.IsSystemServer),
		boolSlot(args.IsChildZygote),
		args.InstructionSet,
		args.AppDataDirHandle,
		boolSlot(args.IsTopApp),
		boolSlot(args.MountDataDirs),
		boolSlot(args.MountStorageDirs),
	)

	if args.Version.HasMountSyspropOverrides() {
		slots = append(slots, boolSlot(args.MountSyspropOverrides))
	}

	slots = append(slots, args.FdsToClose, args.FdsToIgnore)

	return slots
}

func boolSlot(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// WriteBack restores regs' argument slots (registers and, if present,
// the stack spill) from args, undoing DecodeArgs. The worker does not
// call it: on deny it restores the registers captured at the breakpoint
// with SetRegs instead.
func WriteBack(proc *remote.Process, regs *domain.Regs, args domain.SpecializeArgs) error {
	slots := encodeSlots(args)

	for i := 0; i < len(slots) && i < argRegs; i++ {
		regs.SetArg(i, slots[i])
	}

	if len(slots) > argRegs {
		spill := slots[argRegs:]
		buf := make([]byte, len(spill)*8)
		for i, v := range spill {
			binary.LittleEndian.PutUint64(buf[i*8:i*8+8], v)
		}
		if err := proc.WriteMem(regs.Sp, buf); err != nil {
			return fmt.Errorf("write back stack-spilled args: %w", err)
		}
	}

	return nil
}
