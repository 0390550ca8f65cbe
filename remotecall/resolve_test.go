package remotecall

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mufanc/zynx/symbol"
)

func TestResolveAbsolute(t *testing.T) {
	addr, err := Resolve(Target{Absolute: 0xdeadbeef}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xdeadbeef), addr)
}

func TestResolveOffset(t *testing.T) {
	base := func(lib string) (uint64, error) {
		assert.Equal(t, "libandroid_runtime.so", lib)
		return 0x7000_0000, nil
	}

	addr, err := Resolve(Target{Library: "libandroid_runtime.so", Offset: 0x120}, base, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x7000_0120), addr)
}

func TestResolveMissingLibrary(t *testing.T) {
	_, err := Resolve(Target{}, nil, nil)
	assert.Error(t, err)
}

func TestResolveBaseLookupFailure(t *testing.T) {
	boom := errors.New("boom")
	base := func(lib string) (uint64, error) { return 0, boom }

	_, err := Resolve(Target{Library: "libfoo.so", Offset: 4}, base, nil)
	assert.True(t, errors.Is(err, boom))
}

func TestResolveSymbolNotFound(t *testing.T) {
	self, err := os.Executable()
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "lib.so")
	data, err := os.ReadFile(self)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o755))

	base := func(lib string) (uint64, error) { return 0x1000, nil }
	r := symbol.NewResolver()

	_, err = Resolve(Target{Library: path, Symbol: "SpecializeCommon"}, base, r)
	assert.True(t, errors.Is(err, ErrSymbolNotFound))
}

func TestResolveBaseLookupNotConflatedWithSymbolNotFound(t *testing.T) {
	boom := errors.New("boom")
	base := func(lib string) (uint64, error) { return 0, boom }
	r := symbol.NewResolver()

	_, err := Resolve(Target{Library: "/nonexistent/lib.so", Symbol: "whatever"}, base, r)
	assert.True(t, errors.Is(err, boom))
	assert.False(t, errors.Is(err, ErrSymbolNotFound))
}
