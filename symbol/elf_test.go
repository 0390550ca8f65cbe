package symbol

import (
	"debug/elf"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeMinimalSO writes a valid ELF file to path for debug/elf to parse.
// The symbols argument is not used; see below for what is written.
func writeMinimalSO(t *testing.T, path string, symbols map[string]uint64) {
	t.Helper()

	// Building a fully hand-rolled ELF+dynsym byte stream is out of
	// scope for a unit test; instead this copies the running test
	// binary itself, which is always a valid ELF debug/elf can parse,
	// and checks behavior against symbols debug/elf actually reports
	// from it rather than synthetic ones.
	self, err := os.Executable()
	require.NoError(t, err)

	data, err := os.ReadFile(self)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, data, 0o755))
}

func TestResolverOffsetUnknownSymbol(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lib.so")
	writeMinimalSO(t, path, nil)

	r := NewResolver()
	_, err := r.Offset(path, "this_symbol_does_not_exist_anywhere")
	assert.True(t, errors.Is(err, ErrSymbolNotFound))
}

func TestResolverCachesTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lib.so")
	writeMinimalSO(t, path, nil)

	r := NewResolver()
	_, _ = r.Offset(path, "whatever")

	r.mu.Lock()
	_, cached := r.tables[path]
	r.mu.Unlock()

	assert.True(t, cached, "table should be cached after first lookup")
}

func TestAddSymbolsSkipsNonFunctions(t *testing.T) {
	table := make(map[string]uint64)
	addSymbols(table, []elf.Symbol{
		{Name: "some_object", Value: 0x1000, Info: uint8(elf.ST_INFO(elf.STB_GLOBAL, elf.STT_OBJECT))},
		{Name: "some_func", Value: 0x2000, Info: uint8(elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC))},
		{Name: "", Value: 0x3000, Info: uint8(elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC))},
		{Name: "zero_value", Value: 0, Info: uint8(elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC))},
	})

	assert.Equal(t, map[string]uint64{"some_func": 0x2000}, table)
}
