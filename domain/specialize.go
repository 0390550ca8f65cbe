package domain

// SpecializeVersion identifies the Android API level that shaped the
// SpecializeCommon argument layout, per spec.md's data model: "Field
// ordering and presence is keyed by API version".
type SpecializeVersion int

// Thresholds below which certain SpecializeArgs fields do not exist at all
// in the traced function's argument list. Mirrors AOSP's
// com_android_internal_os_Zygote.cpp history: mountExternal gained its
// current shape in API 30 (Android 11), and mountSyspropOverrides was added
// in API 34 (Android 14).
const (
	APILevelMountExternal          SpecializeVersion = 30
	APILevelMountSyspropOverrides  SpecializeVersion = 34
)

// SpecializeArgs is the decoded form of the (up to 21) long-sized slots
// SpecializeCommon receives (spec.md §3, "Specialize arguments"). Fields
// gated by version are present but zero-valued when the resolved symbol's
// version doesn't carry them; WriteBack skips them in that case so the
// round-trip law in spec.md §8 holds byte-for-byte.
type SpecializeArgs struct {
	Version SpecializeVersion

	Uid             int32
	Gid             int32
	GidsHandle      uint64 // handle to a managed int[] (supplementary gids)
	RuntimeFlags    int32
	RlimitsHandle   uint64 // handle to a managed long[][] rlimits array
	PermittedCaps   uint64
	EffectiveCaps   uint64
	InheritableCaps uint64

	MountExternal int32 // conditional: Version >= APILevelMountExternal

	SeInfoHandle    uint64 // handle to a managed String
	NiceNameHandle  uint64 // handle to a managed String
	InstructionSet  uint64 // handle to a managed String
	AppDataDirHandle uint64 // handle to a managed String

	IsSystemServer       bool
	IsChildZygote        bool
	IsTopApp             bool
	MountDataDirs        bool
	MountStorageDirs     bool
	MountSyspropOverrides bool // conditional: Version >= APILevelMountSyspropOverrides

	FdsToClose  uint64 // handle to a managed int[]
	FdsToIgnore uint64 // handle to a managed int[]
}

// SlotCount returns how many long-sized argument slots SpecializeCommon
// consumes at this version: the base 19 slots (decodeSlots/encodeSlots
// fold AOSP's pkg_data_info_list/whitelisted_data_info_list pair into
// the single AppDataDirHandle field, since this module never interprets
// that managed object graph), plus one for mount_external once API 30 is
// reached, plus one more for mount_sysprop_overrides once API 34 is
// reached. Used to validate the arg-count invariant in spec.md §8
// scenario 6.
func (v SpecializeVersion) SlotCount() int {
	n := 19
	if v >= APILevelMountExternal {
		n++
	}
	if v >= APILevelMountSyspropOverrides {
		n++
	}
	return n
}

// HasMountExternal reports whether this version's layout carries the
// mount_external field.
func (v SpecializeVersion) HasMountExternal() bool {
	return v >= APILevelMountExternal
}

// HasMountSyspropOverrides reports whether this version's layout carries
// the mount_sysprop_overrides field.
func (v SpecializeVersion) HasMountSyspropOverrides() bool {
	return v >= APILevelMountSyspropOverrides
}
