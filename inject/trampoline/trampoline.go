package trampoline

// rtldNow mirrors bionic's RTLD_NOW dlopen flag.
const rtldNow = 2

// androidDlextUseLibraryFd mirrors bionic's
// ANDROID_DLEXT_USE_LIBRARY_FD android_dlextinfo flag: load the library
// image from an already-open fd instead of searching the filesystem.
const androidDlextUseLibraryFd = 0x10

// android_dlextinfo field offsets (bionic's <android/dlext.h>): flags at
// 0, reserved_addr/reserved_size at 8/16, relro_fd at 24, library_fd at
// 28, library_fd_offset at 32. Only flags and library_fd are populated;
// the rest stay zeroed by the Builder.
const (
	dlextInfoSize        = 40
	dlextFlagsOffset     = 0
	dlextLibraryFdOffset = 28
)

// Params is everything Assemble needs to generate one embryo's
// trampoline. All addresses are absolute, already resolved against the
// tracee's own loaded library bases by the Remote Call Engine.
type Params struct {
	LoadAddr uint64 // where this code will be poked into the tracee

	AndroidDlopenExt uint64
	Dlsym            uint64
	Close            uint64
	Munmap           uint64
	SpecializeFn     uint64

	BridgeLibraryTag string // the synthetic "library name" passed to android_dlopen_ext
	PreHookSymbol    string
	PostHookSymbol   string
	BridgeFd         int

	RealLR         uint64 // SpecializeCommon's real return address, captured before PC was redirected
	TrampolineSize uint64

	// BridgeArgs is opaque to trampoline: the bytes are copied verbatim
	// into the data island for the bridge's pre-hook to interpret
	// (socket fd, detected API version, etc. — owned by the inject
	// package, not this one).
	BridgeArgs []byte
}

// Layout records where Assemble placed the trampoline's entry point, for
// the worker to set PC to once the code is poked into the tracee.
type Layout struct {
	EntryPoint uint64
	Size       int
}

// Assemble builds the full trampoline image: Block A, Block B, and the
// data island, per spec.md §4.6.1. The returned bytes are meant to be
// poked verbatim into an RWX anonymous mapping at params.LoadAddr.
//
// Every address baked into the code is a full 64-bit immediate
// (MovImm64, always 4 fixed instructions), so Block A/B's total size
// never depends on the values being embedded — which is what lets this
// run as a clean two-pass assembly: pass one measures Block A+B's length
// with a zero-valued data-island layout, pass two re-emits them with the
// real, now-known data-island addresses.
func Assemble(p Params) ([]byte, Layout, error) {
	blockLen := emitBlocks(NewBuilder(p.LoadAddr), p, islandLayout{}).Len()

	dataAddr := p.LoadAddr + uint64(blockLen)
	islandBuilder := NewBuilder(dataAddr)
	layout := buildDataIsland(islandBuilder, p)

	code := NewBuilder(p.LoadAddr)
	emitBlocks(code, p, layout)

	full := append(code.Bytes(), islandBuilder.Bytes()...)

	return full, Layout{EntryPoint: p.LoadAddr, Size: len(full)}, nil
}

// emitBlocks writes Block A followed immediately by Block B into b and
// returns b, so Assemble can reuse it for both the size-measuring pass
// and the real pass.
// blockAInstructionCount is how many fixed-size instructions Block A
// always emits (every MovImm64 always costs exactly 4, regardless of the
// address embedded), which is what lets Block B's address be computed
// before Block A itself is written out.
const blockAInstructionCount = 80

func emitBlocks(b *Builder, p Params, l islandLayout) *Builder {
	blockBAddr := b.Addr() + uint64(blockAInstructionCount*4)

	// Block A: prologue, executed before SpecializeCommon.
	b.StpPreIndex(X0, X1, SP, -16)
	b.StpPreIndex(X2, X3, SP, -16)
	b.StpPreIndex(X4, X5, SP, -16)
	b.StpPreIndex(X6, X7, SP, -16)

	b.MovImm64(X0, l.libraryTagAddr)
	b.MovImm64(X1, rtldNow)
	b.MovImm64(X2, l.dlextInfoAddr)
	b.MovImm64(X16, p.AndroidDlopenExt)
	b.Blr(X16)
	b.MovReg(X19, X0)

	b.MovImm64(X0, uint64(p.BridgeFd))
	b.MovImm64(X16, p.Close)
	b.Blr(X16)

	b.MovReg(X0, X19)
	b.MovImm64(X1, l.postHookNameAddr)
	b.MovImm64(X16, p.Dlsym)
	b.Blr(X16)
	b.MovImm64(X17, l.postHookSlotAddr)
	b.StrImm(X0, X17, 0)

	b.MovReg(X0, X19)
	b.MovImm64(X1, l.preHookNameAddr)
	b.MovImm64(X16, p.Dlsym)
	b.Blr(X16)
	b.MovReg(X17, X0)
	b.emit(0x910003E0) // mov x0, sp (add x0, sp, #0); MovReg's ORR form would read XZR
	b.MovImm64(X1, 8)
	b.MovImm64(X2, l.bridgeArgsAddr)
	b.Blr(X17)

	// The real LR slot is pre-seeded with p.RealLR by buildDataIsland; LR
	// itself was overwritten by the blr calls above.
	b.MovImm64(LR, blockBAddr)

	b.LdpPostIndex(X6, X7, SP, 16)
	b.LdpPostIndex(X4, X5, SP, 16)
	b.LdpPostIndex(X2, X3, SP, 16)
	b.LdpPostIndex(X0, X1, SP, 16)

	b.MovImm64(X17, p.SpecializeFn)
	b.Br(X17)

	// Block B: epilogue, reached when SpecializeCommon returns via the
	// hijacked LR above.
	b.MovImm64(X17, l.postHookSlotAddr)
	b.LdrImm(X17, X17, 0)
	b.Blr(X17)

	b.MovImm64(X17, l.realLRSlotAddr)
	b.LdrImm(LR, X17, 0)

	b.MovImm64(X0, p.LoadAddr)
	b.MovImm64(X1, p.TrampolineSize)
	b.MovImm64(X17, p.Munmap)
	b.Br(X17)

	return b
}

// islandLayout records the absolute addresses of every slot and string
// the data island holds, computed ahead of Block A/B assembly so both
// blocks can bake them in as immediates.
type islandLayout struct {
	libraryTagAddr   uint64
	preHookNameAddr  uint64
	postHookNameAddr uint64
	dlextInfoAddr    uint64
	bridgeArgsAddr   uint64
	postHookSlotAddr uint64
	realLRSlotAddr   uint64
}

func buildDataIsland(b *Builder, p Params) islandLayout {
	var l islandLayout

	l.postHookSlotAddr = b.Addr()
	b.EmitU64(0)
	l.realLRSlotAddr = b.Addr()
	b.EmitU64(p.RealLR)

	l.libraryTagAddr = b.Addr()
	b.EmitRaw(cString(p.BridgeLibraryTag))
	b.Align(8)

	l.preHookNameAddr = b.Addr()
	b.EmitRaw(cString(p.PreHookSymbol))
	b.Align(8)

	l.postHookNameAddr = b.Addr()
	b.EmitRaw(cString(p.PostHookSymbol))
	b.Align(8)

	l.dlextInfoAddr = b.Addr()
	dlextInfo := make([]byte, dlextInfoSize)
	putU64(dlextInfo, dlextFlagsOffset, androidDlextUseLibraryFd)
	putU32(dlextInfo, dlextLibraryFdOffset, uint32(p.BridgeFd))
	b.EmitRaw(dlextInfo)

	l.bridgeArgsAddr = b.Addr()
	b.EmitRaw(p.BridgeArgs)
	b.Align(8)

	return l
}

func cString(s string) []byte {
	return append([]byte(s), 0)
}

func putU64(buf []byte, offset int, v uint64) {
	for i := 0; i < 8; i++ {
		buf[offset+i] = byte(v >> (8 * i))
	}
}

func putU32(buf []byte, offset int, v uint32) {
	for i := 0; i < 4; i++ {
		buf[offset+i] = byte(v >> (8 * i))
	}
}
