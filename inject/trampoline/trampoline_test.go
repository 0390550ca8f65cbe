package trampoline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const blockBInstructionCount = 24
const blockTotalBytes = (blockAInstructionCount + blockBInstructionCount) * 4

func sampleParams() Params {
	return Params{
		LoadAddr:         0x7f0000_1000,
		AndroidDlopenExt: 0x7f0001_0000,
		Dlsym:            0x7f0001_1000,
		Close:            0x7f0001_2000,
		Munmap:           0x7f0001_3000,
		SpecializeFn:     0x7f0002_0000,
		BridgeLibraryTag: "zynx::bridge",
		PreHookSymbol:    "specialize_pre",
		PostHookSymbol:   "specialize_post",
		BridgeFd:         42,
		RealLR:           0x7f0002_1234,
		TrampolineSize:   4096,
		BridgeArgs:       []byte{1, 2, 3, 4},
	}
}

func TestEmitBlocksSizeMatchesAssumedInstructionCount(t *testing.T) {
	b := emitBlocks(NewBuilder(0), sampleParams(), islandLayout{})
	assert.Equal(t, blockTotalBytes, b.Len())
}

func TestAssembleLayout(t *testing.T) {
	p := sampleParams()
	code, layout, err := Assemble(p)
	require.NoError(t, err)

	assert.Equal(t, p.LoadAddr, layout.EntryPoint)
	assert.Equal(t, len(code), layout.Size)
	assert.True(t, len(code) > blockTotalBytes, "data island should add bytes beyond the two blocks")
	assert.Equal(t, 0, len(code)%4, "code must stay word-aligned")
}

func TestAssembleIsDeterministic(t *testing.T) {
	p := sampleParams()
	code1, _, err := Assemble(p)
	require.NoError(t, err)
	code2, _, err := Assemble(p)
	require.NoError(t, err)

	assert.Equal(t, code1, code2)
}

func TestAssembleEmbedsDataIslandStrings(t *testing.T) {
	p := sampleParams()
	code, _, err := Assemble(p)
	require.NoError(t, err)

	assert.Contains(t, string(code), p.PreHookSymbol)
	assert.Contains(t, string(code), p.PostHookSymbol)
	assert.Contains(t, string(code), p.BridgeLibraryTag)
}

func TestMovImm64AlwaysFourInstructions(t *testing.T) {
	b := NewBuilder(0)
	b.MovImm64(X0, 0) // even an all-zero immediate costs 4 fixed instructions
	assert.Equal(t, 16, b.Len())
}
