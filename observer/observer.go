package observer

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/sirupsen/logrus"

	"github.com/Mufanc/zynx/domain"
)

// Config is what a caller configures the kernel observer with: the exec
// paths and comm names spec.md §4.1's TARGET_PATHS/TARGET_NAMES maps
// hold.
type Config struct {
	TargetPaths []string
	TargetNames []string
}

// tracepoints names every attach point progSpecs builds a program for,
// as (group, name) pairs for link.Tracepoint.
var tracepoints = []struct {
	group, name, progKey string
}{
	{"task", "task_newtask", "task_newtask"},
	{"sched", "sched_process_exec", "sched_process_exec"},
	{"task", "task_rename", "task_rename"},
	{"raw_syscalls", "sys_enter", "raw_syscalls/sys_enter"},
	{"sched", "sched_process_exit", "sched_process_exit"},
}

// Observer owns the loaded eBPF collection, its attached tracepoint
// links, and the ring-buffer reader draining MESSAGE_CHANNEL — spec.md
// §4.1/§4.2's kernel observer and event channel, as a single Go value
// the rest of zynx-core holds for the process lifetime.
type Observer struct {
	coll  *ebpf.Collection
	links []link.Link
	rd    *ringbuf.Reader

	events chan domain.Event

	closeOnce sync.Once
}

// Load builds the eBPF collection for cfg, loads it into the kernel, and
// populates TARGET_PATHS/TARGET_NAMES. ZYGOTE_INFO starts at 0 and is
// written only by RegisterZygote/ClearZygote. It does not attach any
// tracepoint yet — call Attach for that.
func Load(cfg Config) (*Observer, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		logrus.Warnf("observer: removing memlock rlimit failed: %v", err)
	}

	spec := &ebpf.CollectionSpec{
		Maps:     mapSpecs(),
		Programs: progSpecs(cfg.TargetPaths, cfg.TargetNames),
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("observer: load collection: %w", err)
	}

	o := &Observer{coll: coll}

	if err := o.populateTargets(cfg); err != nil {
		coll.Close()
		return nil, fmt.Errorf("observer: populate target maps: %w", err)
	}

	rd, err := ringbuf.NewReader(coll.Maps["message_channel"])
	if err != nil {
		coll.Close()
		return nil, fmt.Errorf("observer: open ring buffer: %w", err)
	}
	o.rd = rd

	return o, nil
}

func (o *Observer) populateTargets(cfg Config) error {
	paths := o.coll.Maps["target_paths"]
	for _, p := range cfg.TargetPaths {
		key := padPattern(p, pathPatternLen)
		if err := paths.Put(key, uint8(1)); err != nil {
			return fmt.Errorf("insert target path %q: %w", p, err)
		}
	}

	names := o.coll.Maps["target_names"]
	for _, n := range cfg.TargetNames {
		key := padPattern(n, namePatternLen)
		if err := names.Put(key, uint8(1)); err != nil {
			return fmt.Errorf("insert target name %q: %w", n, err)
		}
	}

	return nil
}

// Attach links every program in progSpecs to its tracepoint. Call once,
// after Load.
func (o *Observer) Attach() error {
	for _, tp := range tracepoints {
		p := o.coll.Programs[tp.progKey]
		if p == nil {
			return fmt.Errorf("observer: program %q missing from collection", tp.progKey)
		}
		l, err := link.Tracepoint(tp.group, tp.name, p, nil)
		if err != nil {
			return fmt.Errorf("observer: attach %s/%s: %w", tp.group, tp.name, err)
		}
		o.links = append(o.links, l)
	}
	return nil
}

// Events starts (once) the background reader goroutine and returns the
// channel it publishes decoded domain.Event values on. The channel
// closes when Close is called.
func (o *Observer) Events() <-chan domain.Event {
	if o.events == nil {
		o.events = make(chan domain.Event, 64)
		go readEvents(o.rd, o.events)
	}
	return o.events
}

// RegisterZygote writes pid into ZYGOTE_INFO, per spec.md §4.1's
// "currently registered zygote" single-slot state. Nothing in this module
// calls it: the injection orchestrator's register_zygote step
// (inject.Orchestrator.RegisterZygote) records the zygote only in its own
// userspace registry, so ZYGOTE_INFO keeps its initial 0.
func (o *Observer) RegisterZygote(pid int32) error {
	m := o.coll.Maps["zygote_info"]
	var key uint32
	return m.Put(key, uint32(pid))
}

// ClearZygote resets ZYGOTE_INFO to 0. Nothing in this module calls it;
// the sched_process_exit program clears the slot itself when the
// registered zygote exits.
func (o *Observer) ClearZygote() error {
	m := o.coll.Maps["zygote_info"]
	var key uint32
	return m.Put(key, uint32(0))
}

// ResolvePath reads the matched process's exec path back out of procfs,
// since emitEvent's wire record only carries tag+pid (see reader.go).
func ResolvePath(pid int32) (string, error) {
	target, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return "", fmt.Errorf("resolve exec path for pid %d: %w", pid, err)
	}
	return target, nil
}

// ResolveComm reads the matched process's current comm back out of
// procfs, for the same reason as ResolvePath.
func ResolveComm(pid int32) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return "", fmt.Errorf("resolve comm for pid %d: %w", pid, err)
	}
	return strings.TrimSuffix(string(data), "\n"), nil
}

// Close detaches every tracepoint, closes the ring-buffer reader (which
// stops the readEvents goroutine) and unloads the collection. Safe to
// call more than once.
func (o *Observer) Close() {
	o.closeOnce.Do(func() {
		for _, l := range o.links {
			l.Close()
		}
		if o.rd != nil {
			o.rd.Close()
		}
		if o.coll != nil {
			o.coll.Close()
		}
	})
}
