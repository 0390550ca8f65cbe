package ipcfd

import (
	"runtime"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// RemoteFd wraps a host-side file descriptor obtained from a tracee (via
// Connect or InstallFd's host copy) and enforces spec.md §4.5's
// "leak-on-drop" lifecycle invariant: unless Close or Forget is called
// explicitly, a finalizer logs a warning — leaks are diagnostic, never
// fatal.
type RemoteFd struct {
	fd        int32
	handled   int32 // 0 = pending, 1 = closed/forgotten
}

// NewRemoteFd wraps fd and arms its leak warning.
func NewRemoteFd(fd int) *RemoteFd {
	r := &RemoteFd{fd: int32(fd)}
	runtime.SetFinalizer(r, finalizeRemoteFd)
	return r
}

// Fd returns the underlying descriptor number.
func (r *RemoteFd) Fd() int {
	return int(atomic.LoadInt32(&r.fd))
}

// Close closes the descriptor and disarms the leak warning.
func (r *RemoteFd) Close() error {
	if !atomic.CompareAndSwapInt32(&r.handled, 0, 1) {
		return nil
	}
	runtime.SetFinalizer(r, nil)
	return unix.Close(int(r.fd))
}

// Forget disarms the leak warning without closing the descriptor,
// for the rare case ownership is handed off outside this package's view
// (e.g. the fd was already transferred into the tracee and this process's
// copy is a throwaway duplicate someone else will close).
func (r *RemoteFd) Forget() {
	atomic.StoreInt32(&r.handled, 1)
	runtime.SetFinalizer(r, nil)
}

func finalizeRemoteFd(r *RemoteFd) {
	if atomic.LoadInt32(&r.handled) == 0 {
		logrus.Warnf("ipcfd: fd %d leaked (never closed or forgotten)", r.fd)
		unix.Close(int(r.fd))
	}
}
