package remotecall

import (
	"errors"
	"fmt"

	"github.com/Mufanc/zynx/symbol"
)

// Target describes where a remote call should branch to, in one of three
// addressing modes: an absolute address, a library plus an offset, or a
// library plus a symbol. A bare offset with no library is not a mode;
// Resolve rejects such a Target.
type Target struct {
	// Absolute, when non-zero, is used verbatim as the call address.
	Absolute uint64

	// Library names the shared object the call lands in; Offset or
	// Symbol (exactly one) then locates the function within it.
	Library string
	Offset  uint64
	Symbol  string
}

// LibraryBase resolves a library's load base address within a process,
// e.g. by scanning /proc/<pid>/maps. It's supplied by the inject package
// so remotecall doesn't need to know about maps parsing.
type LibraryBase func(library string) (uint64, error)

// Resolve turns a Target into an absolute remote address.
func Resolve(t Target, base LibraryBase, resolver *symbol.Resolver) (uint64, error) {
	if t.Absolute != 0 {
		return t.Absolute, nil
	}

	if t.Library == "" {
		return 0, fmt.Errorf("remotecall: target has neither an absolute address nor a library")
	}

	libBase, err := base(t.Library)
	if err != nil {
		return 0, fmt.Errorf("resolve base of %s: %w", t.Library, err)
	}

	if t.Symbol != "" {
		off, err := resolver.Offset(t.Library, t.Symbol)
		if errors.Is(err, symbol.ErrSymbolNotFound) {
			return 0, fmt.Errorf("%w: %s!%s", ErrSymbolNotFound, t.Library, t.Symbol)
		}
		if err != nil {
			return 0, fmt.Errorf("resolve symbol %s!%s: %w", t.Library, t.Symbol, err)
		}
		return libBase + off, nil
	}

	return libBase + t.Offset, nil
}
