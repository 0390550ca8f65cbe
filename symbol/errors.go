package symbol

import "errors"

// ErrSymbolNotFound is returned when a requested symbol is absent from
// every symbol table a Resolver could find in the target library.
var ErrSymbolNotFound = errors.New("symbol: not found")

// ErrCompressedTableUnsupported is returned when the only symbol data
// available is the .gnu_debugdata minisymtab (an xz-compressed ELF
// blob). Many stripped system libraries on Android ship one instead of a
// plain .symtab; decompressing it would require pulling in a standalone
// xz/lzma decoder with no other use in this codebase, so zynx-core
// deliberately resolves SpecializeCommon from .dynsym offsets instead and
// surfaces this case rather than silently failing a lookup.
var ErrCompressedTableUnsupported = errors.New("symbol: .gnu_debugdata present but unsupported")
