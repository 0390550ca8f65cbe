// Package trampoline assembles the AArch64 code spec.md §4.6.1
// describes: a prologue that redirects into a bridge library before
// SpecializeCommon runs, and an epilogue that runs after it returns and
// then self-destructs the mapping that held both.
package trampoline

import (
	"encoding/binary"
)

// Builder accumulates a sequence of 32-bit AArch64 instructions (and raw
// data words) into a flat byte buffer, tracking the address each emitted
// word will load at so callers can compute PC-relative offsets and patch
// forward references.
type Builder struct {
	base uint64
	buf  []byte
}

// NewBuilder starts a Builder whose first emitted byte will land at
// loadAddr once poked into the tracee.
func NewBuilder(loadAddr uint64) *Builder {
	return &Builder{base: loadAddr}
}

// Addr returns the address the next emitted word will occupy.
func (b *Builder) Addr() uint64 {
	return b.base + uint64(len(b.buf))
}

// Len returns the number of bytes emitted so far.
func (b *Builder) Len() int {
	return len(b.buf)
}

// Bytes returns the accumulated instruction/data stream.
func (b *Builder) Bytes() []byte {
	return b.buf
}

func (b *Builder) emit(word uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], word)
	b.buf = append(b.buf, tmp[:]...)
}

// EmitRaw appends arbitrary bytes (used for the data island's strings
// and structs) without interpreting them as instructions.
func (b *Builder) EmitRaw(data []byte) {
	b.buf = append(b.buf, data...)
}

// EmitU64 appends a little-endian 64-bit word, e.g. one of the data
// island's scratch/address slots.
func (b *Builder) EmitU64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

// Align pads with zero bytes until Addr() is a multiple of n.
func (b *Builder) Align(n int) {
	for b.Addr()%uint64(n) != 0 {
		b.buf = append(b.buf, 0)
	}
}

// register numbers, named the way the spec's prose refers to them.
type Reg uint32

const (
	X0 Reg = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
	X16
	X17
	X18
	X19
	X20
	FP  Reg = 29
	LR  Reg = 30
	SP  Reg = 31 // also XZR in most non-load/store contexts
	XZR Reg = 31
)

// MovImm64 emits MOVZ followed by three MOVK instructions to load an
// arbitrary 64-bit immediate into rd — the standard AArch64 idiom for
// materializing absolute addresses that can't fit ADRP+ADD's range.
// Always emits all four instructions (rather than skipping zero
// halfwords) so callers can treat every MovImm64 call as a fixed-size,
// 16-byte block when precomputing data-island addresses.
func (b *Builder) MovImm64(rd Reg, imm uint64) {
	b.emit(movz(rd, uint16(imm), 0))
	b.emit(movk(rd, uint16(imm>>16), 1))
	b.emit(movk(rd, uint16(imm>>32), 2))
	b.emit(movk(rd, uint16(imm>>48), 3))
}

func movz(rd Reg, imm16 uint16, hw uint32) uint32 {
	return 0xD2800000 | (hw << 21) | (uint32(imm16) << 5) | uint32(rd)
}

func movk(rd Reg, imm16 uint16, hw uint32) uint32 {
	return 0xF2800000 | (hw << 21) | (uint32(imm16) << 5) | uint32(rd)
}

// MovReg emits `mov xd, xm` (the ORR Xd, XZR, Xm alias).
func (b *Builder) MovReg(rd, rm Reg) {
	b.emit(0xAA0003E0 | (uint32(rm) << 16) | uint32(rd))
}

// StpPreIndex emits `stp rt1, rt2, [rn, #imm]!`, imm a signed multiple of 8.
func (b *Builder) StpPreIndex(rt1, rt2, rn Reg, imm int) {
	b.emit(0xA9800000 | (imm7(imm) << 15) | (uint32(rt2) << 10) | (uint32(rn) << 5) | uint32(rt1))
}

// LdpPostIndex emits `ldp rt1, rt2, [rn], #imm`.
func (b *Builder) LdpPostIndex(rt1, rt2, rn Reg, imm int) {
	b.emit(0xA8C00000 | (imm7(imm) << 15) | (uint32(rt2) << 10) | (uint32(rn) << 5) | uint32(rt1))
}

func imm7(imm int) uint32 {
	return uint32((imm/8)&0x7F)
}

// Blr emits `blr rn` — branch with link to an address held in a register,
// used for every call whose target was resolved at runtime.
func (b *Builder) Blr(rn Reg) {
	b.emit(0xD63F0000 | (uint32(rn) << 5))
}

// Br emits `br rn` — branch (no link) to an address in a register, used
// for the epilogue's tail call into munmap.
func (b *Builder) Br(rn Reg) {
	b.emit(0xD61F0000 | (uint32(rn) << 5))
}

// Ret emits `ret`, branching to LR.
func (b *Builder) Ret() {
	b.emit(0xD65F03C0)
}

// LdrImm emits `ldr rt, [rn, #imm]` (64-bit, unsigned scaled offset).
func (b *Builder) LdrImm(rt, rn Reg, imm int) {
	b.emit(0xF9400000 | (uint32((imm/8)&0xFFF) << 10) | (uint32(rn) << 5) | uint32(rt))
}

// StrImm emits `str rt, [rn, #imm]` (64-bit, unsigned scaled offset).
func (b *Builder) StrImm(rt, rn Reg, imm int) {
	b.emit(0xF9000000 | (uint32((imm/8)&0xFFF) << 10) | (uint32(rn) << 5) | uint32(rt))
}
