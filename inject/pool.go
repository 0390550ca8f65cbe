package inject

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Mufanc/zynx/domain"
	"github.com/Mufanc/zynx/policy"
	"github.com/Mufanc/zynx/remotecall"
	"github.com/Mufanc/zynx/symbol"
)

// Config bundles what every injection worker needs to resolve remote
// addresses and assemble a trampoline, shared read-only across workers.
type Config struct {
	// Targets for the libc functions the worker and ipcfd call
	// remotely: socketpair, close, recvmsg, mmap, munmap, madvise.
	Libc LibcTargets

	// BridgeLibraryPath is the path to the bridge .so whose sealed fd
	// gets installed into every embryo (spec.md §4.6.1 block A, step 2).
	BridgeLibraryPath string

	// Timeout bounds a single worker's run, per spec.md §5's
	// "Cancellation / timeouts" (five seconds is the spec's suggested
	// default).
	Timeout time.Duration
}

// LibcTargets names every libc entry point a worker resolves once (via
// the Remote Call Engine, against the tracee's already-loaded library
// bases) before deciding an embryo.
type LibcTargets struct {
	Socketpair           remotecall.Target
	Close                remotecall.Target
	Recvmsg              remotecall.Target
	Mmap                 remotecall.Target
	Munmap               remotecall.Target
	Madvise              remotecall.Target
	AndroidDlopenExt     remotecall.Target
	Dlsym                remotecall.Target
}

// DefaultTimeout is spec.md §5's suggested per-worker wall-clock budget.
const DefaultTimeout = 5 * time.Second

// Orchestrator owns the single active Zygote registration and dispatches
// one injection worker per ZygoteFork event, bounded by a fixed
// concurrency limit — sysbox-fs's zombieReaper pattern adapted from a
// single background goroutine to a small worker pool, since each embryo
// needs its own ptrace-attached goroutine rather than sharing one.
type Orchestrator struct {
	zygotes  *registry
	symbols  *symbol.Resolver
	policies policy.RegistryIface
	config   Config

	sem chan struct{}
	wg  sync.WaitGroup
}

// NewOrchestrator wires together a fresh Orchestrator. maxConcurrent
// bounds how many embryos can be under active injection at once;
// spec.md's concurrency model doesn't mandate a number, so this is left
// to the caller (cmd/zynx-core picks a small fixed value).
func NewOrchestrator(symbols *symbol.Resolver, policies policy.RegistryIface, config Config, maxConcurrent int) *Orchestrator {
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	return &Orchestrator{
		zygotes:  newRegistry(),
		symbols:  symbols,
		policies: policies,
		config:   config,
		sem:      make(chan struct{}, maxConcurrent),
	}
}

// HandleEvent dispatches one domain.Event to the right handler, matching
// spec.md §4.6's three event handlers. It never blocks waiting for an
// injection worker to finish — on_fork "spawns ... and returns
// immediately".
func (o *Orchestrator) HandleEvent(e domain.Event) {
	switch e.Tag {
	case domain.EventNameMatches:
		o.handleNameMatches(e)
	case domain.EventZygoteFork:
		o.handleFork(e)
	case domain.EventZygoteCrashed:
		o.handleCrash(e)
	default:
		logrus.Debugf("inject: ignoring event %s for pid %d", e.Tag, e.Pid)
	}
}

func (o *Orchestrator) handleNameMatches(e domain.Event) {
	// register_zygote runs synchronously on the event-reading loop
	// (spec.md §5's ordering guarantee: "registration ... runs
	// synchronously ... while the zygote is still stopped"), so this is
	// deliberately not spawned into a goroutine.
	if _, err := o.RegisterZygote(int(e.Pid), o.libraryPathFor(e)); err != nil {
		logrus.Errorf("inject: register_zygote(%d) failed: %v", e.Pid, err)
	}
}

// libraryPathFor derives the absolute library path the observer's
// NameMatches event corresponds to. The observer is configured to watch
// for zygote64 by comm name, but the actual mapped path it reports comes
// through the PathMatches event stream; HandleEvent assumes callers wire
// that correlation upstream and pass it through e.PathString() when set.
func (o *Orchestrator) libraryPathFor(e domain.Event) string {
	if p := e.PathString(); p != "" {
		return p
	}
	return "/system/lib64/libandroid_runtime.so"
}

func (o *Orchestrator) handleFork(e domain.Event) {
	// e.Pid is the forked embryo's own pid, not the zygote's — the
	// kernel observer already filtered ZYGOTE_CHILDREN down to
	// descendants of the registered zygote before emitting this event,
	// so the only thing left to check here is that a registration
	// still exists at all.
	z, ok := o.zygotes.get()
	if !ok {
		logrus.Warnf("inject: %v", ErrNoActiveZygote)
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		o.sem <- struct{}{}
		defer func() { <-o.sem }()

		w := newWorker(o, z, int(e.Pid))
		if err := w.run(); err != nil {
			logrus.Errorf("inject: worker for embryo pid %d failed: %v", e.Pid, err)
		}
	}()
}

func (o *Orchestrator) handleCrash(e domain.Event) {
	logrus.Warnf("inject: zygote pid %d crashed, clearing registration", e.Pid)
	o.zygotes.clear(int(e.Pid))
}

// Wait blocks until every in-flight injection worker has finished. Used
// by cmd/zynx-core during graceful shutdown.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}
