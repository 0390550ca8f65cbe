// Package inject implements spec.md §4.6's Injection Orchestrator: the
// per-registered-zygote event handlers (register_zygote, on_fork) and the
// per-embryo injection worker.
package inject

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

const specializeSymbol = "SpecializeCommon"

// Zygote records where SpecializeCommon lives inside one registered
// zygote's address space. It is single-writer (the event-reading loop,
// during register_zygote), multi-reader (every injection worker spawned
// for that zygote's forks) — a plain RWMutex, per sysbox-fs's
// pidInodeContainerMap idiom.
type Zygote struct {
	Pid           int
	LibraryPath   string
	LibraryBase   uint64
	SpecializeFn  uint64
}

// registry holds the single active zygote registration spec.md §4.6
// describes ("record {pid, maps, specialize_fn} as the single active
// registration"). zynx-core targets one zygote process (zygote64) at a
// time; a second register_zygote before the first is torn down is
// rejected rather than silently replacing it.
type registry struct {
	sync.RWMutex
	active *Zygote
}

func newRegistry() *registry {
	return &registry{}
}

func (r *registry) set(z *Zygote) error {
	r.Lock()
	defer r.Unlock()

	if r.active != nil {
		return fmt.Errorf("inject: zygote pid %d already registered, refusing to replace with pid %d",
			r.active.Pid, z.Pid)
	}
	r.active = z
	return nil
}

func (r *registry) get() (*Zygote, bool) {
	r.RLock()
	defer r.RUnlock()
	if r.active == nil {
		return nil, false
	}
	return r.active, true
}

func (r *registry) clear(pid int) {
	r.Lock()
	defer r.Unlock()
	if r.active != nil && r.active.Pid == pid {
		r.active = nil
	}
}

// RegisterZygote implements spec.md §4.6's `register_zygote(pid)`: find
// libandroid_runtime.so's load base from /proc/<pid>/maps, resolve
// SpecializeCommon's offset inside it, and verify the resulting vma is
// both executable and file-backed (a sanity check against a stripped or
// unexpected image ever being targeted).
func (o *Orchestrator) RegisterZygote(pid int, libraryPath string) (*Zygote, error) {
	base, err := findLibraryBase(pid, libraryPath)
	if err != nil {
		return nil, fmt.Errorf("register zygote pid %d: %w", pid, err)
	}

	offset, err := o.symbols.Offset(libraryPath, specializeSymbol)
	if err != nil {
		return nil, fmt.Errorf("register zygote pid %d: %w", pid, err)
	}

	specializeFn := base + offset
	if err := verifyExecutableFileBacked(pid, specializeFn); err != nil {
		return nil, fmt.Errorf("register zygote pid %d: %w", pid, err)
	}

	z := &Zygote{Pid: pid, LibraryPath: libraryPath, LibraryBase: base, SpecializeFn: specializeFn}
	if err := o.zygotes.set(z); err != nil {
		return nil, err
	}

	logrus.Infof("inject: registered zygote pid=%d %s@%#x (base %#x)", pid, specializeSymbol, specializeFn, base)
	return z, nil
}

// findLibraryBase scans /proc/<pid>/maps for the first mapping whose
// pathname matches libraryPath and returns its start address.
func findLibraryBase(pid int, libraryPath string) (uint64, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return 0, fmt.Errorf("open /proc/%d/maps: %w", pid, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		if fields[5] != libraryPath {
			continue
		}

		addrRange := strings.SplitN(fields[0], "-", 2)
		if len(addrRange) != 2 {
			continue
		}
		start, err := strconv.ParseUint(addrRange[0], 16, 64)
		if err != nil {
			continue
		}
		return start, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan /proc/%d/maps: %w", pid, err)
	}
	return 0, fmt.Errorf("%w: %s not mapped in pid %d", ErrLibraryNotMapped, libraryPath, pid)
}

// verifyExecutableFileBacked confirms that addr falls inside a mapping
// that is both executable and backed by a file (never an anonymous
// region), as spec.md §4.6 requires before trusting specializeFn.
func verifyExecutableFileBacked(pid int, addr uint64) error {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return fmt.Errorf("open /proc/%d/maps: %w", pid, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}

		addrRange := strings.SplitN(fields[0], "-", 2)
		if len(addrRange) != 2 {
			continue
		}
		start, err := strconv.ParseUint(addrRange[0], 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(addrRange[1], 16, 64)
		if err != nil {
			continue
		}
		if addr < start || addr >= end {
			continue
		}

		perms := fields[1]
		if !strings.Contains(perms, "x") {
			return fmt.Errorf("%w: %#x is not executable", ErrNotExecutable, addr)
		}
		if len(fields) < 6 {
			return fmt.Errorf("%w: %#x is anonymous", ErrNotFileBacked, addr)
		}
		return nil
	}
	return fmt.Errorf("%w: %#x not found in any mapping", ErrNotFileBacked, addr)
}
