package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHitBreakpoint(t *testing.T) {
	bp := &Breakpoint{Addr: 0x1000}
	p := &Process{}

	assert.True(t, p.HitBreakpoint(bp, 0x1000))
	assert.False(t, p.HitBreakpoint(bp, 0x1004))
	assert.False(t, p.HitBreakpoint(bp, 0x2000))
}

func TestBrk0Encoding(t *testing.T) {
	// brk #0 disassembles to d4200000 on AArch64; the observer and
	// userspace engine must agree on this exact encoding.
	assert.Equal(t, uint32(0xd4200000), brk0)
}
