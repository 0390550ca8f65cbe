// Package symbol resolves function offsets inside the shared libraries
// mapped into a traced zygote, so the injection engine can turn a
// (library, symbol) pair into an absolute remote address (spec.md §4.4's
// "symbol" addressing mode).
//
// No example repo in the retrieved pack links an ELF-parsing library, so
// this is one of the few places zynx-core reaches for the standard
// library: debug/elf already does exactly what's needed (symtab and
// dynsym lookup) and pulling in a third-party ELF reader would just
// duplicate it.
package symbol

import (
	"debug/elf"
	"fmt"
	"sync"
)

// Resolver caches per-library symbol tables so repeated lookups against
// the same shared library (libandroid_runtime.so is consulted on every
// embryo) don't re-parse the ELF file each time.
type Resolver struct {
	mu      sync.Mutex
	tables  map[string]map[string]uint64 // library path -> symbol name -> file offset
}

// NewResolver returns an empty, ready-to-use Resolver.
func NewResolver() *Resolver {
	return &Resolver{tables: make(map[string]map[string]uint64)}
}

// Offset returns the file offset of name within the ELF image at path,
// i.e. the value to add to the library's load base to get an absolute
// remote address.
func (r *Resolver) Offset(path, name string) (uint64, error) {
	table, err := r.table(path)
	if err != nil {
		return 0, err
	}
	off, ok := table[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q in %s", ErrSymbolNotFound, name, path)
	}
	return off, nil
}

func (r *Resolver) table(path string) (map[string]uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.tables[path]; ok {
		return t, nil
	}

	t, err := loadTable(path)
	if err != nil {
		return nil, err
	}
	r.tables[path] = t
	return t, nil
}

// loadTable reads every exported symbol's value out of an ELF shared
// object. It reads .dynsym (what's actually exported at runtime) and then
// .symtab when present (debug builds); a name found in both keeps the
// .symtab value.
func loadTable(path string) (map[string]uint64, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open elf %s: %w", path, err)
	}
	defer f.Close()

	table := make(map[string]uint64)

	if syms, err := f.DynamicSymbols(); err == nil {
		addSymbols(table, syms)
	}
	if syms, err := f.Symbols(); err == nil {
		addSymbols(table, syms)
	}

	if len(table) == 0 {
		if sec := f.Section(".gnu_debugdata"); sec != nil {
			return nil, ErrCompressedTableUnsupported
		}
		return nil, fmt.Errorf("%w: no usable symbol table in %s", ErrSymbolNotFound, path)
	}

	return table, nil
}

func addSymbols(table map[string]uint64, syms []elf.Symbol) {
	for _, s := range syms {
		if s.Value == 0 || s.Name == "" {
			continue
		}
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC {
			continue
		}
		table[s.Name] = s.Value
	}
}
