package observer

import (
	"encoding/binary"
	"fmt"

	"github.com/cilium/ebpf/ringbuf"

	"github.com/Mufanc/zynx/domain"
)

// decodeEvent parses one MESSAGE_CHANNEL record — tag byte, 3 bytes of
// padding, little-endian pid — per emitEvent's wire layout. Path/Comm
// are left zero; callers resolve them from /proc/<pid> once a
// PathMatches/NameMatches event identifies which pid to look at.
func decodeEvent(raw []byte) (domain.Event, error) {
	if len(raw) < eventRecordSize {
		return domain.Event{}, fmt.Errorf("observer: short ring-buffer record (%d bytes)", len(raw))
	}

	return domain.Event{
		Tag: domain.EventTag(raw[0]),
		Pid: int32(binary.LittleEndian.Uint32(raw[4:8])),
	}, nil
}

// readEvents drains rd until it's closed, decoding each record, filling
// in Path/Comm from procfs for the two event kinds that name a process
// by one of those, and sending the result on out. Runs on its own
// goroutine; returns when rd.Read fails (normally because Close() was
// called).
func readEvents(rd *ringbuf.Reader, out chan<- domain.Event) {
	defer close(out)
	for {
		record, err := rd.Read()
		if err != nil {
			return
		}
		ev, err := decodeEvent(record.RawSample)
		if err != nil {
			continue
		}
		enrich(&ev)
		out <- ev
	}
}

// enrich fills ev.Path or ev.Comm from /proc/<pid> for the event kinds
// whose byte is otherwise zero on the wire. A failed procfs read (the
// process has already exited) just leaves the field empty; the
// orchestrator treats an empty path the same as "no event data".
func enrich(ev *domain.Event) {
	switch ev.Tag {
	case domain.EventPathMatches:
		if path, err := ResolvePath(ev.Pid); err == nil {
			copy(ev.Path[:], path)
		}
	case domain.EventNameMatches:
		if comm, err := ResolveComm(ev.Pid); err == nil {
			copy(ev.Comm[:], comm)
		}
	}
}
