// Package ipcfd implements spec.md §4.5's two file-descriptor transfer
// operations: handing the tracee a private socketpair (connect) and
// smuggling a host-owned fd into it over that socket (install_fd).
package ipcfd

import (
	"encoding/binary"
	"fmt"

	libpidfd "github.com/nestybox/sysbox-libs/pidfd"
	"golang.org/x/sys/unix"

	"github.com/Mufanc/zynx/remote"
	"github.com/Mufanc/zynx/remotecall"
)

// Endpoints is the result of Connect: the tracee keeps one half of a
// SOCK_SEQPACKET socketpair, the host keeps the other.
type Endpoints struct {
	TraceeFd int // fd number inside the tracee's fd table
	HostFd   int // usable directly by this process
}

// Targets names the remote socketpair, close and recvmsg entry points
// Connect and InstallFd call. Each must already carry Absolute, since
// both resolve them with a nil library-base resolver; the inject worker
// resolves them per embryo.
type Targets struct {
	Socketpair remotecall.Target
	Close      remotecall.Target
	Recvmsg    remotecall.Target
}

// Connect implements spec.md §4.5's `connect`: the tracee creates a
// socketpair, we steal one end of it via pidfd_getfd, and the tracee
// closes its now-redundant copy of that end.
func Connect(proc *remote.Process, bufAddr uint64, targets Targets) (Endpoints, error) {
	spAddr, err := remotecall.Resolve(targets.Socketpair, nil, nil)
	if err != nil {
		return Endpoints{}, fmt.Errorf("resolve socketpair: %w", err)
	}

	if _, err := remotecall.Call(proc, spAddr,
		uint64(unix.AF_UNIX), uint64(unix.SOCK_SEQPACKET), 0, bufAddr); err != nil {
		return Endpoints{}, fmt.Errorf("remote socketpair: %w", err)
	}

	buf, err := proc.ReadMem(bufAddr, 8)
	if err != nil {
		return Endpoints{}, fmt.Errorf("read socketpair result: %w", err)
	}
	fds := decodeFdPair(buf)

	pidfd, err := libpidfd.Open(proc.Pid, 0)
	if err != nil {
		return Endpoints{}, fmt.Errorf("pidfd_open pid %d: %w", proc.Pid, err)
	}
	defer pidfd.Close()

	hostFd, err := pidfd.GetFd(fds[1], 0)
	if err != nil {
		return Endpoints{}, fmt.Errorf("pidfd_getfd remote fd %d: %w", fds[1], err)
	}

	closeAddr, err := remotecall.Resolve(targets.Close, nil, nil)
	if err != nil {
		unix.Close(hostFd)
		return Endpoints{}, fmt.Errorf("resolve close: %w", err)
	}
	if _, err := remotecall.Call(proc, closeAddr, uint64(fds[1])); err != nil {
		unix.Close(hostFd)
		return Endpoints{}, fmt.Errorf("remote close duplicate fd: %w", err)
	}

	return Endpoints{TraceeFd: fds[0], HostFd: hostFd}, nil
}

// InstallFd transports hostFd into the tracee's fd table over conn, per
// spec.md §4.5's `install_fd`. bufAddr must point at a remote region at
// least BufferSize bytes long; InstallFd writes the msghdr there, with
// its ancillary control buffer right after it.
func InstallFd(proc *remote.Process, bufAddr uint64, conn Endpoints, hostFd int, targets Targets) (int, error) {
	rights := unix.UnixRights(hostFd)
	if err := unix.Sendmsg(conn.HostFd, []byte{0}, rights, nil, 0); err != nil {
		return 0, fmt.Errorf("host sendmsg fd %d: %w", hostFd, err)
	}

	recvAddr, err := remotecall.Resolve(targets.Recvmsg, nil, nil)
	if err != nil {
		return 0, fmt.Errorf("resolve recvmsg: %w", err)
	}

	msghdrAddr, controlLenAddr := layoutMsghdr(bufAddr)

	hdr := make([]byte, msghdrHeaderSize)
	binary.LittleEndian.PutUint64(hdr[32:40], msghdrAddr+msghdrControlOffset) // msg_control
	binary.LittleEndian.PutUint64(hdr[40:48], controlBufferSize)              // msg_controllen
	if err := proc.WriteMem(msghdrAddr, hdr); err != nil {
		return 0, fmt.Errorf("write remote msghdr: %w", err)
	}

	if _, err := remotecall.Call(proc, recvAddr, uint64(conn.TraceeFd), msghdrAddr, 0); err != nil {
		return 0, fmt.Errorf("remote recvmsg: %w", err)
	}

	controlLenBuf, err := proc.ReadMem(controlLenAddr, 8)
	if err != nil {
		return 0, fmt.Errorf("read msg_controllen: %w", err)
	}
	controlLen := decodeUint64(controlLenBuf)
	if controlLen == 0 {
		return 0, ErrSELinuxDenied
	}

	controlAddr := msghdrAddr + msghdrControlOffset
	control, err := proc.ReadMem(controlAddr, int(controlLen))
	if err != nil {
		return 0, fmt.Errorf("read control buffer: %w", err)
	}

	fd, err := decodeAncillaryFd(control)
	if err != nil {
		return 0, err
	}
	return fd, nil
}

func decodeFdPair(buf []byte) [2]int32 {
	var fds [2]int32
	fds[0] = int32(decodeUint32(buf[0:4]))
	fds[1] = int32(decodeUint32(buf[4:8]))
	return fds
}
