package observer

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mufanc/zynx/domain"
)

// Real ptrace/eBPF cannot run in a unit-test sandbox (no kernel to load
// into), so these tests stay at the level of pure logic: wire decoding,
// pattern padding, and the shape of the map/program specs.

func TestPadPatternPadsAndTruncates(t *testing.T) {
	short := padPattern("zygote64", namePatternLen)
	assert.Len(t, short, namePatternLen)
	assert.Equal(t, "zygote64", string(short[:8]))
	for _, b := range short[8:] {
		assert.Zero(t, b)
	}

	long := padPattern("this-path-is-way-too-long-for-the-name-slot", namePatternLen)
	assert.Len(t, long, namePatternLen)
	assert.Equal(t, "this-path-is-wa", string(long[:15]))
}

func TestDecodeEventRoundTrip(t *testing.T) {
	raw := make([]byte, eventRecordSize)
	raw[0] = byte(domain.EventZygoteFork)
	binary.LittleEndian.PutUint32(raw[4:8], 4242)

	ev, err := decodeEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, domain.EventZygoteFork, ev.Tag)
	assert.Equal(t, int32(4242), ev.Pid)
}

func TestDecodeEventRejectsShortRecord(t *testing.T) {
	_, err := decodeEvent([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestMapSpecsCoverEveryReferencedMap(t *testing.T) {
	maps := mapSpecs()

	names := map[string]bool{}
	for _, m := range maps {
		names[m.Name] = true
	}

	progs := progSpecs([]string{"/system/bin/app_process64"}, []string{"zygote64"})
	for progName, spec := range progs {
		for _, ins := range spec.Instructions {
			ref := ins.Reference()
			if ref == "" {
				continue
			}
			assert.Truef(t, names[ref], "program %q references unknown map %q", progName, ref)
		}
	}
}

func TestExecAndRenameProgramsReferenceTargetMaps(t *testing.T) {
	progs := progSpecs([]string{"/system/bin/app_process64"}, []string{"zygote64"})

	refs := func(spec *ebpf.ProgramSpec) map[string]bool {
		out := map[string]bool{}
		for _, ins := range spec.Instructions {
			if ref := ins.Reference(); ref != "" {
				out[ref] = true
			}
		}
		return out
	}

	execRefs := refs(progs["sched_process_exec"])
	assert.True(t, execRefs["target_paths"], "sched_process_exec program must key its match off target_paths, not a pid")

	renameRefs := refs(progs["task_rename"])
	assert.True(t, renameRefs["target_names"], "task_rename program must key its match off target_names, not a pid")
}

func TestProgSpecsNamesEveryTracepoint(t *testing.T) {
	progs := progSpecs(nil, nil)
	for _, tp := range tracepoints {
		_, ok := progs[tp.progKey]
		assert.Truef(t, ok, "no program spec for tracepoint key %q", tp.progKey)
	}
}

func TestMapSpecsNameFieldsAreLowercase(t *testing.T) {
	// ebpf map names are capped at 15 bytes and the kernel-visible names
	// this package picks are all lowercase snake_case, matching the
	// coll.Maps[...] lookups in observer.go and the map references in
	// program.go.
	for key, spec := range mapSpecs() {
		assert.NotEmpty(t, spec.Name)
		assert.Equal(t, strings.ToLower(spec.Name), spec.Name, "map %q name is not lowercase", key)
		assert.LessOrEqual(t, len(spec.Name), 15, "map %q name too long for BPF_OBJ_NAME_LEN", key)
	}
}
