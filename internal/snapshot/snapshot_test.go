package snapshot

import (
	"bytes"
	"strings"
	"testing"

	"github.com/yosefk/funtrace/internal/container"
	"github.com/yosefk/funtrace/internal/countstore"
	"github.com/yosefk/funtrace/internal/registry"
	"github.com/yosefk/funtrace/internal/ring"
	"github.com/yosefk/funtrace/internal/schedtrace"
)

func TestTrimEventsKeepsOnlyAtOrAfterThreshold(t *testing.T) {
	events := []ring.Event{
		{Cycle: 10}, {Cycle: 20}, {Cycle: 30}, {Cycle: 40}, {Cycle: 50},
	}
	got := trimEvents(events, 1000, 30)
	if len(got) != 3 {
		t.Fatalf("want 3 events >= 30, got %d (%v)", len(got), got)
	}
	for _, e := range got {
		if e.Cycle < 30 {
			t.Fatalf("event %v below threshold survived trim", e)
		}
	}
}

func TestTrimEventsWithSuspectEventKeepsThreshold(t *testing.T) {
	// a "suspect" event (cycle > pauseTime) sorts before the threshold
	// group in the custom comparator, so it is dropped by this
	// conservative implementation -- which still satisfies "every
	// surviving event has cycle >= t" trivially.
	events := []ring.Event{
		{Cycle: 9999}, // suspect: > pauseTime(1000)
		{Cycle: 5}, {Cycle: 50},
	}
	got := trimEvents(events, 1000, 10)
	for _, e := range got {
		if e.Cycle < 10 {
			t.Fatalf("event %v below threshold survived trim", e)
		}
	}
}

func TestPauseAndGetSnapshotFullCoverage(t *testing.T) {
	reg := registry.New()
	r := ring.New(10, reg.Pid(), 1, "worker") // 1024 bytes = 64 events
	reg.RegisterCurrentThread(r)

	const n = 40
	for i := 0; i < n; i++ {
		r.Trace(uint64(0x4000+i), uint64(i+1))
	}

	h := PauseAndGetSnapshot(reg, 1_000_000, nil)
	if len(h.Threads) != 1 {
		t.Fatalf("want 1 thread, got %d", len(h.Threads))
	}
	nonzero := 0
	for _, e := range h.Threads[0].Events {
		if e.AddrAndFlags != 0 {
			nonzero++
		}
	}
	if nonzero != n {
		t.Fatalf("want %d recorded events, got %d", n, nonzero)
	}
}

func TestPauseAndGetSnapshotOverwrite(t *testing.T) {
	reg := registry.New()
	r := ring.New(5, reg.Pid(), 1, "worker") // 32 bytes = 2 events
	reg.RegisterCurrentThread(r)

	const n = 100
	for i := 0; i < n; i++ {
		r.Trace(uint64(i), uint64(i+1))
	}

	h := PauseAndGetSnapshot(reg, 1_000_000, nil)
	if len(h.Threads[0].Events) != r.Capacity() {
		t.Fatalf("want exactly capacity (%d) events, got %d", r.Capacity(), len(h.Threads[0].Events))
	}
}

func TestPauseAndGetSnapshotFromTrimsByTime(t *testing.T) {
	reg := registry.New()
	r := ring.New(10, reg.Pid(), 1, "worker")
	reg.RegisterCurrentThread(r)

	for i := 1; i <= 20; i++ {
		r.Trace(uint64(i), uint64(i))
	}
	h := PauseAndGetSnapshotFrom(reg, 1_000_000, nil, 11)
	for _, e := range h.Threads[0].Events {
		if e.Cycle != 0 && e.Cycle < 11 {
			t.Fatalf("event with cycle %d survived trim at t=11", e.Cycle)
		}
	}
}

func TestRoundTripThroughContainer(t *testing.T) {
	reg := registry.New()
	r := ring.New(8, reg.Pid(), 7, "rt")
	reg.RegisterCurrentThread(r)
	r.Trace(0xdead, 42)
	r.Trace(0xbeef, 43)

	h := PauseAndGetSnapshot(reg, 2_500_000_000, nil)
	var buf bytes.Buffer
	if err := WriteHandleTo(h, &buf); err != nil {
		t.Fatal(err)
	}

	cr := container.NewReader(&buf)
	chunks, err := cr.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	var gotHz uint64
	var sawThreadID, sawTraceBuf, sawEnd bool
	for _, c := range chunks {
		switch c.Magic {
		case container.MagicFuntrace:
			gotHz, _ = container.DecodeFuntrace(c.Payload)
		case container.MagicThreadID:
			sawThreadID = true
		case container.MagicTraceBuf:
			sawTraceBuf = true
			if len(c.Payload)%16 != 0 {
				t.Fatalf("TRACEBUF payload not a multiple of 16 bytes")
			}
		case container.MagicEndTrace:
			sawEnd = true
		}
	}
	if gotHz != 2_500_000_000 {
		t.Fatalf("want cycles-per-second round-tripped, got %d", gotHz)
	}
	if !sawThreadID || !sawTraceBuf || !sawEnd {
		t.Fatalf("missing expected chunks: threadid=%v tracebuf=%v end=%v", sawThreadID, sawTraceBuf, sawEnd)
	}
}

func TestPauseAndWriteCurrentSnapshotZeroAlloc(t *testing.T) {
	reg := registry.New()
	r := ring.New(8, reg.Pid(), 3, "zerocopy")
	reg.RegisterCurrentThread(r)
	r.Trace(1, 1)

	var buf bytes.Buffer
	if err := PauseAndWriteCurrentSnapshot(reg, 1_000_000, nil, &buf); err != nil {
		t.Fatal(err)
	}
	if !r.Enabled() {
		t.Fatalf("ring should be re-enabled after the snapshot completes")
	}
	cr := container.NewReader(&buf)
	chunks, err := cr.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if chunks[0].Magic != container.MagicProcMaps {
		t.Fatalf("want PROCMAPS first, got %v", chunks[0].Magic)
	}
	if chunks[len(chunks)-1].Magic != container.MagicEndTrace {
		t.Fatalf("want ENDTRACE last, got %v", chunks[len(chunks)-1].Magic)
	}
}

func TestGetSnapshotIncludesSchedEvents(t *testing.T) {
	reg := registry.New()
	r := ring.New(10, reg.Pid(), 1, "worker")
	reg.RegisterCurrentThread(r)

	sched := schedtrace.NewBuffer(16)
	sched.Append("5: sched_switch prev=a next=b")
	sched.Append("15: sched_switch prev=b next=a")

	full := PauseAndGetSnapshot(reg, 1_000_000, sched)
	if !strings.Contains(string(full.SchedEvents), "prev=a next=b") || !strings.Contains(string(full.SchedEvents), "prev=b next=a") {
		t.Fatalf("want both scheduler events in full snapshot, got %q", full.SchedEvents)
	}

	trimmed := PauseAndGetSnapshotFrom(reg, 1_000_000, sched, 10)
	if strings.Contains(string(trimmed.SchedEvents), "prev=a next=b") {
		t.Fatalf("want event before t=10 trimmed, got %q", trimmed.SchedEvents)
	}
	if !strings.Contains(string(trimmed.SchedEvents), "prev=b next=a") {
		t.Fatalf("want event at cycle 15 to survive trim at t=10, got %q", trimmed.SchedEvents)
	}
}

func TestWriteCurrentSnapshotIncludesFtraceTxChunk(t *testing.T) {
	reg := registry.New()
	r := ring.New(8, reg.Pid(), 1, "worker")
	reg.RegisterCurrentThread(r)

	sched := schedtrace.NewBuffer(16)
	sched.Append("1: sched_switch prev=a next=b")

	var buf bytes.Buffer
	if err := PauseAndWriteCurrentSnapshot(reg, 1_000_000, sched, &buf); err != nil {
		t.Fatal(err)
	}
	cr := container.NewReader(&buf)
	chunks, err := cr.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	sawFtraceTx := false
	for _, c := range chunks {
		if c.Magic == container.MagicFtraceTx {
			sawFtraceTx = true
			if !strings.Contains(string(c.Payload), "prev=a next=b") {
				t.Fatalf("FTRACETX payload missing expected event, got %q", c.Payload)
			}
		}
	}
	if !sawFtraceTx {
		t.Fatalf("want an FTRACETX chunk when a non-empty sched buffer is supplied")
	}
}

func TestDumpCountsLineWithUnknownWarning(t *testing.T) {
	store := countstore.NewShardedStore(1)
	store.Preallocate(0x1000, 0x100)
	store.Increment(0, 0x1000)
	store.Increment(0, 0x1000)
	store.Increment(0, 0xdeadbeef) // not preallocated -> unknown

	var buf bytes.Buffer
	if err := DumpCounts(&buf, store); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !bytes.Contains(buf.Bytes(), []byte("1000 2")) {
		t.Fatalf("expected count line for 0x1000, got %q", out)
	}
	if !bytes.Contains(buf.Bytes(), []byte("warning")) {
		t.Fatalf("expected unknown-counter warning, got %q", out)
	}
}
