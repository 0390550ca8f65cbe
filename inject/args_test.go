package inject

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Mufanc/zynx/domain"
)

func sampleArgs(version domain.SpecializeVersion) domain.SpecializeArgs {
	a := domain.SpecializeArgs{
		Version:          version,
		Uid:              10096,
		Gid:              10096,
		GidsHandle:       0x1000,
		RuntimeFlags:     4,
		RlimitsHandle:    0x2000,
		PermittedCaps:    0,
		EffectiveCaps:    0,
		InheritableCaps:  0,
		SeInfoHandle:     0x3000,
		NiceNameHandle:   0x4000,
		IsSystemServer:   false,
		IsChildZygote:    false,
		InstructionSet:   0x5000,
		AppDataDirHandle: 0x6000,
		IsTopApp:         true,
		MountDataDirs:    true,
		MountStorageDirs: false,
		FdsToClose:       0x7000,
		FdsToIgnore:      0x8000,
	}
	if version.HasMountExternal() {
		a.MountExternal = 3
	}
	if version.HasMountSyspropOverrides() {
		a.MountSyspropOverrides = true
	}
	return a
}

func TestDecodeSlotsRoundTripPreAPI30(t *testing.T) {
	version := domain.SpecializeVersion(28)
	args := sampleArgs(version)

	slots := encodeSlots(args)
	assert.Equal(t, version.SlotCount(), len(slots))

	got := decodeSlots(slots, version)
	assert.Equal(t, args, got)
}

func TestDecodeSlotsRoundTripAPI30To33(t *testing.T) {
	version := domain.SpecializeVersion(31)
	args := sampleArgs(version)

	slots := encodeSlots(args)
	assert.Equal(t, version.SlotCount(), len(slots))

	got := decodeSlots(slots, version)
	assert.Equal(t, args, got)
}

func TestDecodeSlotsRoundTripAPI34Plus(t *testing.T) {
	version := domain.SpecializeVersion(34)
	args := sampleArgs(version)

	slots := encodeSlots(args)
	assert.Equal(t, version.SlotCount(), len(slots))

	got := decodeSlots(slots, version)
	assert.Equal(t, args, got)
}

func TestSlotCountMatchesVersionThresholds(t *testing.T) {
	assert.Equal(t, 19, domain.SpecializeVersion(29).SlotCount())
	assert.Equal(t, 20, domain.SpecializeVersion(30).SlotCount())
	assert.Equal(t, 21, domain.SpecializeVersion(34).SlotCount())
}
