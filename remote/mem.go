package remote

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ReadMem copies size bytes starting at addr out of the tracee's address
// space, per spec.md §4.3's memory-read operation. Grounded on
// sysbox-fs's seccomp.memParserIOvec.readProcessMem: a single
// process_vm_readv call, local iovec and remote iovec each describing one
// contiguous span.
func (p *Process) ReadMem(addr uint64, size int) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}

	buf := make([]byte, size)
	local := []unix.Iovec{{Base: &buf[0], Len: uint64(size)}}
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: size}}

	n, err := unix.ProcessVMReadv(p.Pid, local, remote, 0)
	if err != nil {
		return nil, fmt.Errorf("process_vm_readv pid %d addr %#x: %w", p.Pid, addr, err)
	}
	if n != size {
		return nil, fmt.Errorf("process_vm_readv pid %d addr %#x: short read %d/%d bytes", p.Pid, addr, n, size)
	}
	return buf, nil
}

// WriteMem writes data into the tracee's address space at addr via
// process_vm_writev. This only succeeds against writable mappings (the
// trampoline page is mapped read-write-execute and poked through here);
// a read-only+executable text page must go through WriteMemForce instead.
func (p *Process) WriteMem(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	local := []unix.Iovec{{Base: &data[0], Len: uint64(len(data))}}
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(data)}}

	n, err := unix.ProcessVMWritev(p.Pid, local, remote, 0)
	if err != nil {
		return fmt.Errorf("process_vm_writev pid %d addr %#x: %w", p.Pid, addr, err)
	}
	if n != len(data) {
		return fmt.Errorf("process_vm_writev pid %d addr %#x: short write %d/%d bytes", p.Pid, addr, n, len(data))
	}
	return nil
}

// WriteMemForce writes data at addr by going through /proc/<pid>/mem
// instead of process_vm_writev. The kernel lets an attached tracer
// pwrite() through this file regardless of the target page's own
// permission bits, which is what installing a software breakpoint into a
// read-only+executable text page requires.
func (p *Process) WriteMemForce(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", p.Pid), os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open /proc/%d/mem: %w", p.Pid, err)
	}
	defer f.Close()

	n, err := f.WriteAt(data, int64(addr))
	if err != nil {
		return fmt.Errorf("write /proc/%d/mem at %#x: %w", p.Pid, addr, err)
	}
	if n != len(data) {
		return fmt.Errorf("write /proc/%d/mem at %#x: short write %d/%d bytes", p.Pid, addr, n, len(data))
	}
	return nil
}
