// Package observer wraps the kernel observer of spec.md §4.1: a set of
// tracepoint programs, the kernel-side maps they share state through, and
// the ring-buffer reader that turns MESSAGE_CHANNEL records into
// domain.Event values for the rest of zynx-core.
package observer

import (
	"github.com/cilium/ebpf"
)

// pathPatternLen/namePatternLen mirror domain's fixed-length byte arrays
// so kernel and userspace agree on TARGET_PATHS/TARGET_NAMES key sizes.
const (
	pathPatternLen = 128
	namePatternLen = 16
)

// tag values stored in INIT_CHILDREN/ZYGOTE_CHILDREN, matching spec.md
// §4.1's two small per-pid state machines.
const (
	tagPostFork uint32 = iota + 1
	tagPostExec
	tagPreFork
)

// mapSpecs builds the kernel-side map layout spec.md §4.1 names. Values
// are sized for BPF_MAP_TYPE_HASH keyed by pid (uint32) except
// TARGET_PATHS/TARGET_NAMES (keyed by the pattern itself, a set) and
// ZYGOTE_INFO (single BPF_MAP_TYPE_ARRAY slot).
func mapSpecs() map[string]*ebpf.MapSpec {
	return map[string]*ebpf.MapSpec{
		"target_paths": {
			Name:       "target_paths",
			Type:       ebpf.Hash,
			KeySize:    pathPatternLen,
			ValueSize:  1,
			MaxEntries: 64,
		},
		"target_names": {
			Name:       "target_names",
			Type:       ebpf.Hash,
			KeySize:    namePatternLen,
			ValueSize:  1,
			MaxEntries: 64,
		},
		"init_children": {
			Name:       "init_children",
			Type:       ebpf.Hash,
			KeySize:    4,
			ValueSize:  4,
			MaxEntries: 4096,
		},
		"zygote_info": {
			Name:       "zygote_info",
			Type:       ebpf.Array,
			KeySize:    4,
			ValueSize:  4,
			MaxEntries: 1,
		},
		"zygote_children": {
			Name:       "zygote_children",
			Type:       ebpf.Hash,
			KeySize:    4,
			ValueSize:  4,
			MaxEntries: 4096,
		},
		"message_channel": {
			Name:       "message_channel",
			Type:       ebpf.RingBuf,
			MaxEntries: 1 << 18, // 256 KiB, per-CPU not required for ring buffers
		},
	}
}

// padPattern right-pads pattern with zero bytes to n, truncating if it's
// already longer — TARGET_PATHS/TARGET_NAMES entries are always exactly
// pathPatternLen/namePatternLen bytes so kernel-side memcmp is fixed-width.
func padPattern(pattern string, n int) []byte {
	buf := make([]byte, n)
	copy(buf, pattern)
	return buf
}
