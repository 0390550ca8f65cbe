package ipcfd

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// msghdrControlOffset is the byte offset of msg_control's contents
// relative to the start of the remote msghdr buffer this package lays
// out: the struct itself, then the control buffer immediately after it.
// Kept as a package constant rather than computed via unsafe.Sizeof
// against a local mirror struct, since the remote buffer's layout is
// defined by this package, not by the host's own struct alignment.
const msghdrHeaderSize = 56 // sizeof(struct msghdr) on LP64 AArch64
const msghdrControlOffset = msghdrHeaderSize

// controlBufferSize is large enough for one SCM_RIGHTS cmsg carrying a
// single fd: CMSG_SPACE(sizeof(int)).
const controlBufferSize = 32

// BufferSize is the total remote scratch region InstallFd needs at
// bufAddr: the msghdr header plus its control buffer.
const BufferSize = msghdrHeaderSize + controlBufferSize

// layoutMsghdr returns the address of the msghdr structure itself and of
// its msg_controllen field, given the base of the scratch region.
// InstallFd writes the header itself before the remote recvmsg call:
// msg_control and msg_controllen point at the control buffer, and every
// other field (msg_name, msg_iov included) is zero.
func layoutMsghdr(bufAddr uint64) (msghdrAddr, controlLenAddr uint64) {
	// struct msghdr { void *name; socklen_t namelen; struct iovec *iov;
	// size_t iovlen; void *control; size_t controllen; int flags; }
	// msg_controllen sits at offset 40 on LP64 AArch64.
	return bufAddr, bufAddr + 40
}

func decodeUint32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

func decodeUint64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

// decodeAncillaryFd parses a raw SCM_RIGHTS control buffer (as read back
// out of tracee memory) and extracts the single fd number it carries.
func decodeAncillaryFd(control []byte) (int, error) {
	msgs, err := unix.ParseSocketControlMessage(control)
	if err != nil {
		return 0, fmt.Errorf("parse control message: %w", err)
	}
	if len(msgs) == 0 {
		return 0, ErrSELinuxDenied
	}

	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		return 0, fmt.Errorf("parse unix rights: %w", err)
	}
	if len(fds) != 1 {
		return 0, fmt.Errorf("%w: expected exactly 1 fd, got %d", ErrFdInstallDenied, len(fds))
	}
	return fds[0], nil
}
