// Package snapshot implements the pause/copy/resume protocol and the
// time-ordered trim search described in spec.md §4.E and §9: freezing the
// registry's rings, optionally trimming each to events newer than a given
// cycle threshold, and serializing the result to the tagged-chunk
// container format.
package snapshot

import (
	"fmt"
	"io"
	"os"
	"sort"

	uuid "github.com/satori/go.uuid"

	"github.com/yosefk/funtrace/internal/clocksrc"
	"github.com/yosefk/funtrace/internal/container"
	"github.com/yosefk/funtrace/internal/countstore"
	"github.com/yosefk/funtrace/internal/registry"
	"github.com/yosefk/funtrace/internal/ring"
	"github.com/yosefk/funtrace/internal/schedtrace"
)

// ThreadSnapshot is one ring's contribution to a Handle: a dense, detached
// copy of its (possibly trimmed) events.
type ThreadSnapshot struct {
	PID, TID int
	Name     string
	Events   []ring.Event
}

// Handle is an opaque, detached copy of every ring's state as of one
// pause, returned by PauseAndGetSnapshot/PauseAndGetSnapshotFrom.
type Handle struct {
	ID              uuid.UUID
	PauseTime       uint64
	CyclesPerSecond uint64
	Cmdline         string
	ProcMaps        string
	Threads         []ThreadSnapshot
	SchedEvents     []byte // optional FTRACETX payload, newline-separated
}

// ProcMapsText renders enumerated executable segments in the textual
// layout spec.md §4.E's PROCMAPS chunk requires:
// "start-end r-xp vaddr 0:0 0 name".
func ProcMapsText() string {
	var out []byte
	clocksrc.EnumerateExecutableSegments(func(start, size uint64, name string) {
		line := fmt.Sprintf("%x-%x r-xp %x 0:0 0 %s\n", start, start+size, start, name)
		out = append(out, line...)
	})
	return string(out)
}

// pauseAll locks reg, disables every ring, and reads the pause time. The
// caller must eventually call resumeAll(reg) to release the lock.
func pauseAll(reg *registry.Registry) uint64 {
	reg.Lock()
	for _, r := range reg.Rings() {
		r.Disable()
	}
	return clocksrc.Now()
}

func resumeAll(reg *registry.Registry) {
	for _, r := range reg.Rings() {
		r.Enable()
	}
	reg.Unlock()
}

// PauseAndWriteCurrentSnapshot pauses every ring, writes one record to w
// covering all rings in full, and resumes. It allocates no copy of event
// data: ring buffers are written straight through. sched may be nil (the
// FUNTRACE_NO_FTRACE opt-out, or an environment with no scheduler-event
// capture wired up at all); otherwise every currently-buffered scheduler
// event is included as an FTRACETX chunk, completing spec.md §4.E step 5
// ("take a consistent snapshot of that ring as well").
func PauseAndWriteCurrentSnapshot(reg *registry.Registry, hz uint64, sched *schedtrace.Buffer, w io.Writer) error {
	pauseTime := pauseAll(reg)
	defer resumeAll(reg)

	cw := container.NewWriter(w)
	if err := cw.WriteChunk(container.MagicProcMaps, []byte(ProcMapsText())); err != nil {
		return err
	}
	if err := cw.WriteChunk(container.MagicFuntrace, container.EncodeFuntrace(hz)); err != nil {
		return err
	}
	if err := cw.WriteChunk(container.MagicCmdLine, []byte(reg.Cmdline())); err != nil {
		return err
	}
	for _, r := range reg.Rings() {
		tid := container.ThreadID{PID: uint64(r.PID), TID: uint64(r.TID), Name: r.Name}
		if err := cw.WriteChunk(container.MagicThreadID, tid.Encode()); err != nil {
			return err
		}
		if err := cw.WriteChunk(container.MagicTraceBuf, r.Buf()); err != nil {
			return err
		}
	}
	if sched != nil {
		if payload := encodeSchedEvents(sched.All()); len(payload) > 0 {
			if err := cw.WriteChunk(container.MagicFtraceTx, payload); err != nil {
				return err
			}
		}
	}
	_ = pauseTime // recorded for parity with the get-snapshot paths; the
	// full dump keeps every byte and needs no trim decision.
	return cw.WriteChunk(container.MagicEndTrace, nil)
}

// PauseAndGetSnapshot pauses every ring, copies each in full, resumes, and
// returns a detached Handle for later inspection or serialization. sched
// may be nil if scheduler-event capture isn't wired up.
func PauseAndGetSnapshot(reg *registry.Registry, hz uint64, sched *schedtrace.Buffer) *Handle {
	return getSnapshot(reg, hz, sched, nil)
}

// PauseAndGetSnapshotFrom is as PauseAndGetSnapshot, but each ring is
// trimmed to events whose cycle >= t using the two-sorted-subarrays binary
// search of spec.md §4.E/§9. The scheduler-event buffer, if any, is trimmed
// to the same threshold by its own ExtractFrom, a single search over its
// oldest-to-newest order.
func PauseAndGetSnapshotFrom(reg *registry.Registry, hz uint64, sched *schedtrace.Buffer, t uint64) *Handle {
	return getSnapshot(reg, hz, sched, &t)
}

func getSnapshot(reg *registry.Registry, hz uint64, sched *schedtrace.Buffer, t *uint64) *Handle {
	pauseTime := pauseAll(reg)
	defer resumeAll(reg)

	id := uuid.NewV4()
	h := &Handle{
		ID:              id,
		PauseTime:       pauseTime,
		CyclesPerSecond: hz,
		Cmdline:         reg.Cmdline(),
		ProcMaps:        ProcMapsText(),
	}

	for _, r := range reg.Rings() {
		var events []ring.Event
		if t != nil {
			events = trimRing(r, pauseTime, *t)
		} else {
			events = decodeRing(r)
		}
		h.Threads = append(h.Threads, ThreadSnapshot{
			PID:    r.PID,
			TID:    r.TID,
			Name:   r.Name,
			Events: events,
		})
	}

	if sched != nil {
		var lines []string
		if t != nil {
			lines = sched.ExtractFrom(*t)
		} else {
			lines = sched.All()
		}
		h.SchedEvents = encodeSchedEvents(lines)
	}
	return h
}

// encodeSchedEvents joins scheduler-event lines into the newline-separated
// FTRACETX payload spec.md §4.E describes.
func encodeSchedEvents(lines []string) []byte {
	if len(lines) == 0 {
		return nil
	}
	var out []byte
	for _, l := range lines {
		out = append(out, l...)
		out = append(out, '\n')
	}
	return out
}

// decodeRing copies every slot of r's buffer into an Event slice, in
// physical order: [pos, end) (the region holding the oldest surviving
// events, possibly with a leading suspect entry raced against pause) then
// [0, pos) (the region holding newer events up to the most recent write).
func decodeRing(r *ring.Ring) []ring.Event {
	buf := r.Buf()
	n := len(buf) / 16
	pos := int(r.Pos()) / 16

	events := make([]ring.Event, 0, n)
	for i := pos; i < n; i++ {
		events = append(events, r.EventAt(uint64(i*16)))
	}
	for i := 0; i < pos; i++ {
		events = append(events, r.EventAt(uint64(i*16)))
	}
	return events
}

// trimEvents applies the custom-comparator binary search to one physical
// region of a ring and returns the found tail; trimRing calls it once per
// region and concatenates the results. The comparator classifies any
// event with cycle > pauseTime as sorting before every event with
// cycle <= pauseTime, which
// is what lets a handful of events raced against the pause signal
// (spec.md §4.E/§9) sit at the front of region A without breaking the
// monotonic structure sort.Search requires.
func trimEvents(events []ring.Event, pauseTime, t uint64) []ring.Event {
	// decodeRing does not tell us where region A ends and B begins once
	// flattened, so recompute the split length from scratch isn't
	// possible here; instead this function is applied per-region by its
	// caller in the ring-aware trim below. Kept for direct unit testing
	// against a single region.
	idx := sort.Search(len(events), func(i int) bool {
		e := events[i]
		if e.Cycle > pauseTime {
			return false
		}
		return e.Cycle >= t
	})
	return events[idx:]
}

// trimRing applies trimEvents independently to each of a ring's two
// physical regions and concatenates the results, exactly matching
// spec.md's "two independent binary searches ... concatenate the tails".
func trimRing(r *ring.Ring, pauseTime, t uint64) []ring.Event {
	buf := r.Buf()
	n := len(buf) / 16
	pos := int(r.Pos()) / 16

	regionA := make([]ring.Event, 0, n-pos)
	for i := pos; i < n; i++ {
		regionA = append(regionA, r.EventAt(uint64(i*16)))
	}
	regionB := make([]ring.Event, 0, pos)
	for i := 0; i < pos; i++ {
		regionB = append(regionB, r.EventAt(uint64(i*16)))
	}

	out := trimEvents(regionA, pauseTime, t)
	out = append(out, trimEvents(regionB, pauseTime, t)...)
	return out
}

// WriteSnapshot serializes a previously-captured Handle to path, without
// interfering with ongoing tracing (the rings were already detached by
// PauseAndGetSnapshot/PauseAndGetSnapshotFrom).
func WriteSnapshot(path string, h *Handle) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return WriteHandleTo(h, f)
}

// WriteHandleTo serializes h as a tagged-chunk container to w.
func WriteHandleTo(h *Handle, w io.Writer) error {
	cw := container.NewWriter(w)
	if err := cw.WriteChunk(container.MagicProcMaps, []byte(h.ProcMaps)); err != nil {
		return err
	}
	if err := cw.WriteChunk(container.MagicFuntrace, container.EncodeFuntrace(h.CyclesPerSecond)); err != nil {
		return err
	}
	if err := cw.WriteChunk(container.MagicCmdLine, []byte(h.Cmdline)); err != nil {
		return err
	}
	for _, th := range h.Threads {
		tid := container.ThreadID{PID: uint64(th.PID), TID: uint64(th.TID), Name: th.Name}
		if err := cw.WriteChunk(container.MagicThreadID, tid.Encode()); err != nil {
			return err
		}
		payload := make([]byte, len(th.Events)*16)
		for i, e := range th.Events {
			putEvent(payload[i*16:i*16+16], e)
		}
		if err := cw.WriteChunk(container.MagicTraceBuf, payload); err != nil {
			return err
		}
	}
	if len(h.SchedEvents) > 0 {
		if err := cw.WriteChunk(container.MagicFtraceTx, h.SchedEvents); err != nil {
			return err
		}
	}
	return cw.WriteChunk(container.MagicEndTrace, nil)
}

func putEvent(b []byte, e ring.Event) {
	for i := 0; i < 8; i++ {
		b[i] = byte(e.AddrAndFlags >> (8 * i))
	}
	for i := 0; i < 8; i++ {
		b[8+i] = byte(e.Cycle >> (8 * i))
	}
}

// FreeSnapshot releases a Handle's references; Go's GC reclaims the
// memory, but this gives callers an explicit symmetric counterpart to
// PauseAndGetSnapshot for parity with spec.md §6's API.
func FreeSnapshot(h *Handle) {
	if h == nil {
		return
	}
	h.Threads = nil
	h.SchedEvents = nil
}

// DumpCounts implements the count-mode half of spec.md §4.F's process-exit
// destructor: merge shards, walk the store in ascending-address order, and
// write one "addr count" line per populated counter, followed by a
// one-line warning about addresses charged to the unknown sink.
func DumpCounts(w io.Writer, store *countstore.ShardedStore) error {
	bw := make([]byte, 0, 64)
	var writeErr error
	store.VisitNonzero(func(addr, count uint64) {
		if writeErr != nil {
			return
		}
		bw = bw[:0]
		bw = append(bw, []byte(fmt.Sprintf("%x %d\n", addr, count))...)
		if _, err := w.Write(bw); err != nil {
			writeErr = err
		}
	})
	if writeErr != nil {
		return writeErr
	}
	if unknown := store.Unknown(); unknown > 0 {
		_, writeErr = fmt.Fprintf(w, "# warning: %d calls charged to unknown (address not preallocated)\n", unknown)
	}
	return writeErr
}
