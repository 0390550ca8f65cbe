package inject

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Mufanc/zynx/domain"
	"github.com/Mufanc/zynx/inject/trampoline"
	"github.com/Mufanc/zynx/ipcfd"
	"github.com/Mufanc/zynx/remote"
	"github.com/Mufanc/zynx/remotecall"
)

// pageSize is the AArch64 page granule zynx-core targets; Android's
// kernel configs vary (4K/16K), but 4K covers the devices this is built
// for and only affects how precisely madvise's floor_to_page rounds.
const pageSize = 4096

// trampolineSize is generous enough for Block A, Block B and the data
// island together; actual usage is far smaller, but mmap'ing a whole
// page costs nothing extra and keeps the math simple.
const trampolineSize = pageSize

// worker carries one embryo through spec.md §4.6's injection state
// machine from breakpoint arm to detach.
type worker struct {
	o        *Orchestrator
	zygote   *Zygote
	pid      int
	deadline time.Time
}

func newWorker(o *Orchestrator, z *Zygote, pid int) *worker {
	return &worker{o: o, zygote: z, pid: pid, deadline: time.Now().Add(o.config.Timeout)}
}

func (w *worker) run() error {
	proc := &remote.Process{Pid: w.pid}

	// 1. Arm: install the software breakpoint before attaching, so the
	// embryo never observes a window where SpecializeCommon's entry is
	// unprotected.
	bp, err := proc.InstallBreakpoint(w.zygote.SpecializeFn)
	if err != nil {
		return fmt.Errorf("arm breakpoint: %w", err)
	}

	// 2. Attach & release.
	proc, err = remote.Seize(w.pid)
	if err != nil {
		return fmt.Errorf("seize pid %d: %w", w.pid, err)
	}
	if err := proc.Cont(unix.SIGCONT); err != nil {
		return fmt.Errorf("release with SIGCONT: %w", err)
	}

	regs, err := w.eventLoop(proc, bp)
	if err != nil {
		return err
	}
	if regs == nil {
		// Embryo exited or was signaled before hitting the breakpoint;
		// already logged by eventLoop.
		return nil
	}

	return w.onBreakpoint(proc, bp, *regs)
}

// eventLoop implements spec.md §4.6 step 3: wait for wait-statuses,
// forwarding any stop that isn't our own SIGTRAP, until either the
// breakpoint fires or the embryo dies.
func (w *worker) eventLoop(proc *remote.Process, bp *remote.Breakpoint) (*domain.Regs, error) {
	for {
		if time.Now().After(w.deadline) {
			return nil, ErrWorkerTimeout
		}

		res, err := proc.Wait()
		if err != nil {
			return nil, fmt.Errorf("wait: %w", err)
		}

		switch res.Reason {
		case remote.StopExited, remote.StopSignaled:
			logrus.Debugf("inject: embryo pid %d ended before injection (%s)", w.pid, res)
			return nil, nil

		case remote.StopTrapped:
			regs, err := proc.GetRegs()
			if err != nil {
				return nil, fmt.Errorf("read registers at trap: %w", err)
			}
			if proc.HitBreakpoint(bp, regs.Pc) {
				return &regs, nil
			}
			// An unrelated SIGTRAP (e.g. a debugger already attached
			// upstream); forward it and keep waiting.
			if err := proc.Cont(unix.SIGTRAP); err != nil {
				return nil, fmt.Errorf("forward unrelated trap: %w", err)
			}

		case remote.StopStopped:
			if err := proc.Cont(res.Signal); err != nil {
				return nil, fmt.Errorf("forward signal %s: %w", res.Signal, err)
			}

		default:
			if err := proc.Cont(0); err != nil {
				return nil, fmt.Errorf("continue past unknown stop: %w", err)
			}
		}
	}
}

// onBreakpoint implements spec.md §4.6 steps 4-6: decode args, lift the
// breakpoint via madvise, consult policy, and either detach cleanly or
// inject.
func (w *worker) onBreakpoint(proc *remote.Process, bp *remote.Breakpoint, regs domain.Regs) error {
	version := w.apiVersion()

	args, err := DecodeArgs(proc, regs, version)
	if err != nil {
		return w.abort(proc, regs, fmt.Errorf("decode specialize args: %w", err))
	}

	if err := w.restoreViaMadvise(proc, bp.Addr); err != nil {
		return w.abort(proc, regs, fmt.Errorf("restore breakpoint via madvise: %w", err))
	}

	payload, allow := w.o.policies.Decide(&args)
	if !allow {
		logrus.Infof("inject: embryo pid %d denied by policy", w.pid)
		return w.detachUnmodified(proc, regs)
	}

	if err := w.inject(proc, regs, args, payload); err != nil {
		return w.abort(proc, regs, fmt.Errorf("inject: %w", err))
	}

	return nil
}

// apiVersion returns the Android API level governing this zygote's
// SpecializeArgs layout. It always returns 34 and reads nothing from the
// device, so the conditional mount_external / mount_sysprop_overrides
// slots are decoded with API 34's layout on every device.
func (w *worker) apiVersion() domain.SpecializeVersion {
	return domain.SpecializeVersion(34)
}

// restoreViaMadvise drops the private, breakpoint-patched copy of the
// page at addr by remote-calling madvise(..., MADV_DONTNEED), so the
// next access re-faults in the original file-backed instruction —
// spec.md §4.6 step 4 explicitly prefers this over writing the saved
// bytes back, since no backup needs tracking.
func (w *worker) restoreViaMadvise(proc *remote.Process, addr uint64) error {
	madviseAddr, err := remotecall.Resolve(w.o.config.Libc.Madvise, w.libraryBase(proc), w.o.symbols)
	if err != nil {
		return fmt.Errorf("resolve madvise: %w", err)
	}

	floor := addr &^ (pageSize - 1)
	_, err = remotecall.Call(proc, madviseAddr, floor, pageSize, uint64(unix.MADV_DONTNEED))
	return err
}

func (w *worker) libraryBase(proc *remote.Process) remotecall.LibraryBase {
	return func(library string) (uint64, error) {
		if library == w.zygote.LibraryPath {
			return w.zygote.LibraryBase, nil
		}
		return findLibraryBase(proc.Pid, library)
	}
}

// abort logs a failure, restores the embryo's original registers so it
// resumes as if nothing had happened, and detaches.
func (w *worker) abort(proc *remote.Process, regs domain.Regs, cause error) error {
	logrus.Errorf("inject: embryo pid %d: %v", w.pid, cause)
	if err := w.detachUnmodified(proc, regs); err != nil {
		logrus.Errorf("inject: embryo pid %d: cleanup after failure also failed: %v", w.pid, err)
	}
	return cause
}

// detachUnmodified restores regs (the state captured right at the
// breakpoint) and detaches — used both for policy denial and for any
// failure encountered before the trampoline is live.
func (w *worker) detachUnmodified(proc *remote.Process, regs domain.Regs) error {
	if err := proc.SetRegs(regs); err != nil {
		return fmt.Errorf("restore original registers: %w", err)
	}
	if err := proc.Detach(); err != nil {
		return fmt.Errorf("detach: %w", err)
	}
	return nil
}

// inject implements spec.md §4.6 step 6: map the trampoline, wire up the
// bridge fd and (if non-empty) a payload socket, assemble and poke the
// code, then redirect PC and detach.
func (w *worker) inject(proc *remote.Process, regs domain.Regs, args domain.SpecializeArgs, payload domain.InjectPayload) error {
	libc := w.o.config.Libc
	base := w.libraryBase(proc)

	mmapAddr, err := remotecall.Resolve(libc.Mmap, base, w.o.symbols)
	if err != nil {
		return fmt.Errorf("resolve mmap: %w", err)
	}
	trampolineAddr, err := remotecall.Call(proc, mmapAddr,
		0, trampolineSize,
		uint64(unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC),
		uint64(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS),
		^uint64(0), 0)
	if err != nil {
		return fmt.Errorf("remote mmap trampoline: %w", err)
	}

	// The trampoline page itself doubles as scratch space for the fd
	// transfer buffers: its last BufferSize bytes sit well past where
	// Block A/B and the data island will ever reach.
	scratchAddr := trampolineAddr + trampolineSize - uint64(ipcfd.BufferSize)

	ipcTargets, err := w.resolveIpcTargets(base)
	if err != nil {
		return fmt.Errorf("resolve ipc targets: %w", err)
	}

	bridgeFd, conn, err := w.installBridge(proc, scratchAddr, payload, ipcTargets)
	if err != nil {
		return fmt.Errorf("install bridge: %w", err)
	}
	// bridgeFd holds a tracee-side fd number, not a host fd; the
	// trampoline closes it inside the tracee.
	defer bridgeFd.Forget()

	specializeAddr, err := remotecall.Resolve(
		remotecall.Target{Library: w.zygote.LibraryPath, Symbol: specializeSymbol}, base, w.o.symbols)
	if err != nil {
		return fmt.Errorf("resolve SpecializeCommon: %w", err)
	}

	dlopenExtAddr, err := remotecall.Resolve(libc.AndroidDlopenExt, base, w.o.symbols)
	if err != nil {
		return fmt.Errorf("resolve android_dlopen_ext: %w", err)
	}
	dlsymAddr, err := remotecall.Resolve(libc.Dlsym, base, w.o.symbols)
	if err != nil {
		return fmt.Errorf("resolve dlsym: %w", err)
	}
	closeAddr, err := remotecall.Resolve(libc.Close, base, w.o.symbols)
	if err != nil {
		return fmt.Errorf("resolve close: %w", err)
	}
	munmapAddr, err := remotecall.Resolve(libc.Munmap, base, w.o.symbols)
	if err != nil {
		return fmt.Errorf("resolve munmap: %w", err)
	}

	bridgeArgs := encodeBridgeArgs(conn, args.Version)

	code, layout, err := trampoline.Assemble(trampoline.Params{
		LoadAddr:         trampolineAddr,
		AndroidDlopenExt: dlopenExtAddr,
		Dlsym:            dlsymAddr,
		Close:            closeAddr,
		Munmap:           munmapAddr,
		SpecializeFn:     specializeAddr,
		BridgeLibraryTag: "zynx::bridge",
		PreHookSymbol:    "specialize_pre",
		PostHookSymbol:   "specialize_post",
		BridgeFd:         bridgeFd.Fd(),
		RealLR:           regs.LR(),
		TrampolineSize:   trampolineSize,
		BridgeArgs:       bridgeArgs,
	})
	if err != nil {
		return fmt.Errorf("assemble trampoline: %w", err)
	}

	if err := proc.WriteMem(trampolineAddr, code); err != nil {
		return fmt.Errorf("poke trampoline: %w", err)
	}

	regs.Pc = layout.EntryPoint
	if err := proc.SetRegs(regs); err != nil {
		return fmt.Errorf("set pc to trampoline entry: %w", err)
	}
	if err := proc.Detach(); err != nil {
		return fmt.Errorf("detach: %w", err)
	}

	if !payload.Empty() && conn.HostFd > 0 {
		return sendPayload(conn, payload, payloadFds(payload))
	}
	return nil
}

// payloadFds collects every segment library's sealed fd, in the same
// order the payload lists them, for sendPayload to attach as SCM_RIGHTS
// ancillary data on the post-detach metadata send.
func payloadFds(payload domain.InjectPayload) []int {
	var fds []int
	for _, seg := range payload.Segments {
		for _, lib := range seg.Libraries {
			fds = append(fds, lib.Fd)
		}
	}
	return fds
}

// resolveIpcTargets resolves the three libc entry points ipcfd calls
// remotely to absolute addresses up front: ipcfd.Connect/InstallFd call
// remotecall.Resolve with a nil library-base resolver, so by the time a
// Target reaches them it must already carry Target.Absolute rather than
// a (library, symbol) pair.
func (w *worker) resolveIpcTargets(base remotecall.LibraryBase) (ipcfd.Targets, error) {
	libc := w.o.config.Libc

	socketpairAddr, err := remotecall.Resolve(libc.Socketpair, base, w.o.symbols)
	if err != nil {
		return ipcfd.Targets{}, fmt.Errorf("resolve socketpair: %w", err)
	}
	closeAddr, err := remotecall.Resolve(libc.Close, base, w.o.symbols)
	if err != nil {
		return ipcfd.Targets{}, fmt.Errorf("resolve close: %w", err)
	}
	recvmsgAddr, err := remotecall.Resolve(libc.Recvmsg, base, w.o.symbols)
	if err != nil {
		return ipcfd.Targets{}, fmt.Errorf("resolve recvmsg: %w", err)
	}

	return ipcfd.Targets{
		Socketpair: remotecall.Target{Absolute: socketpairAddr},
		Close:      remotecall.Target{Absolute: closeAddr},
		Recvmsg:    remotecall.Target{Absolute: recvmsgAddr},
	}, nil
}

// installBridge seals an anonymous copy of the bridge library into a
// memfd, connects a socket pair to the tracee (whether or not the
// payload is empty), and installs the sealed fd into the tracee over it.
// The socket pair is returned open; installBridge closes neither end.
func (w *worker) installBridge(proc *remote.Process, bufAddr uint64, payload domain.InjectPayload, targets ipcfd.Targets) (*ipcfd.RemoteFd, ipcfd.Endpoints, error) {
	conn, err := ipcfd.Connect(proc, bufAddr, targets)
	if err != nil {
		return nil, ipcfd.Endpoints{}, fmt.Errorf("connect socketpair: %w", err)
	}

	sealedFd, err := sealedMemfd(w.o.config.BridgeLibraryPath)
	if err != nil {
		return nil, conn, fmt.Errorf("seal bridge library: %w", err)
	}
	defer unix.Close(sealedFd)

	remoteFdNum, err := ipcfd.InstallFd(proc, bufAddr, conn, sealedFd, targets)
	if err != nil {
		return nil, conn, fmt.Errorf("install bridge fd: %w", err)
	}

	return ipcfd.NewRemoteFd(remoteFdNum), conn, nil
}

// sealedMemfd creates a sealed, read-only memfd holding path's contents,
// suitable for android_dlopen_ext's ANDROID_DLEXT_USE_LIBRARY_FD.
func sealedMemfd(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return -1, fmt.Errorf("read bridge library %s: %w", path, err)
	}

	fd, err := unix.MemfdCreate("zynx-bridge", unix.MFD_ALLOW_SEALING)
	if err != nil {
		return -1, fmt.Errorf("memfd_create: %w", err)
	}

	if _, err := unix.Write(fd, data); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("write bridge library into memfd: %w", err)
	}

	if _, _, errno := unix.Syscall(unix.SYS_FCNTL, uintptr(fd), unix.F_ADD_SEALS,
		uintptr(unix.F_SEAL_SEAL|unix.F_SEAL_SHRINK|unix.F_SEAL_GROW|unix.F_SEAL_WRITE)); errno != 0 {
		unix.Close(fd)
		return -1, fmt.Errorf("seal bridge memfd: %w", errno)
	}

	return fd, nil
}

// encodeBridgeArgs packs the BridgeArgs struct the trampoline's pre-hook
// receives: the tracee-side socket fd (or -1) and the detected API
// version, as two little-endian int32s.
func encodeBridgeArgs(conn ipcfd.Endpoints, version domain.SpecializeVersion) []byte {
	buf := make([]byte, 8)
	fd := int32(-1)
	if conn.TraceeFd != 0 {
		fd = int32(conn.TraceeFd)
	}
	binary.LittleEndian.PutUint32(buf[0:4], uint32(fd))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(version))
	return buf
}

// sendPayload delivers payload over conn's host endpoint in a single
// seqpacket datagram, per spec.md §4.6.2 and §6's wire format: a
// usize[2] header (data_len, fds_len) followed by the serialized
// metadata, with every library's sealed fd attached as SCM_RIGHTS
// ancillary data on that same send — the bridge recovers each library's
// fd by position, in the order encodePayloadMeta lists the records.
func sendPayload(conn ipcfd.Endpoints, payload domain.InjectPayload, fds []int) error {
	data := encodePayloadMeta(payload)

	header := make([]byte, 16)
	binary.LittleEndian.PutUint64(header[0:8], uint64(len(data)))
	binary.LittleEndian.PutUint64(header[8:16], uint64(len(fds)))

	var rights []byte
	if len(fds) > 0 {
		rights = unix.UnixRights(fds...)
	}

	if err := unix.Sendmsg(conn.HostFd, append(header, data...), rights, nil, 0); err != nil {
		return fmt.Errorf("send payload metadata: %w", err)
	}
	return nil
}

// encodePayloadMeta serializes payload as a flat sequence of
// (provider byte, library-type byte, name-len uint16, name bytes)
// records, one per library plus a trailing per-segment Data blob. Each
// library's fd itself travels out-of-band as SCM_RIGHTS ancillary data
// on the same send, in this same record order — there is no remote-fd
// field here to carry it.
func encodePayloadMeta(payload domain.InjectPayload) []byte {
	var buf []byte
	for _, seg := range payload.Segments {
		for _, lib := range seg.Libraries {
			rec := make([]byte, 2+2+len(lib.Name))
			rec[0] = byte(seg.Provider)
			rec[1] = byte(lib.Type)
			binary.LittleEndian.PutUint16(rec[2:4], uint16(len(lib.Name)))
			copy(rec[4:], lib.Name)
			buf = append(buf, rec...)
		}
		if len(seg.Data) > 0 {
			lenBuf := make([]byte, 4)
			binary.LittleEndian.PutUint32(lenBuf, uint32(len(seg.Data)))
			buf = append(buf, 0xFF, byte(seg.Provider))
			buf = append(buf, lenBuf...)
			buf = append(buf, seg.Data...)
		}
	}
	return buf
}
