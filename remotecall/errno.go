package remotecall

import (
	"encoding/binary"
	"fmt"

	"github.com/Mufanc/zynx/remote"
)

// Errno reads the tracee's own errno value after a failing libc call, by
// calling its __errno (bionic) or __errno_location (glibc-compatible)
// accessor and dereferencing the returned pointer. target is that
// accessor's resolved remote address.
func Errno(proc *remote.Process, target uint64) (int32, error) {
	ptr, err := Call(proc, target)
	if err != nil {
		return 0, fmt.Errorf("call errno accessor: %w", err)
	}
	if ptr == 0 {
		return 0, fmt.Errorf("remotecall: errno accessor returned a null pointer")
	}

	buf, err := proc.ReadMem(ptr, 4)
	if err != nil {
		return 0, fmt.Errorf("read remote errno at %#x: %w", ptr, err)
	}

	return int32(binary.LittleEndian.Uint32(buf)), nil
}
