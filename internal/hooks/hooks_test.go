package hooks

import (
	"runtime"
	"testing"

	"github.com/yosefk/funtrace/internal/config"
	"github.com/yosefk/funtrace/internal/ring"
)

func TestCountModeTalliesEntries(t *testing.T) {
	runtime.LockOSThread()
	t.Cleanup(runtime.UnlockOSThread)
	rt := NewRuntime(config.Config{Mode: config.ModeCount, CounterShards: 1})
	rt.Store.Preallocate(0x1000, 0x100)

	const k = 37
	for i := 0; i < k; i++ {
		rt.OnEnter(0x1000, 0)
	}
	got := map[uint64]uint64{}
	rt.Store.VisitNonzero(func(addr, count uint64) { got[addr] = count })
	if got[0x1000] != k {
		t.Fatalf("want %d calls tallied, got %d", k, got[0x1000])
	}
}

func TestTraceModeRecordsEnterAndExit(t *testing.T) {
	runtime.LockOSThread()
	t.Cleanup(runtime.UnlockOSThread)
	rt := NewRuntime(config.Config{Mode: config.ModeTrace, LogBufSize: 10, CounterShards: 1})
	rt.OnEnter(0x2000, 0)
	rt.OnExit(0x2000, 0)

	r := rt.ringForCurrentThread()
	if r.Pos() != 32 {
		t.Fatalf("want 2 events recorded, got pos=%d", r.Pos())
	}
}

func TestRingForCurrentThreadDoesNotDuplicateRegistration(t *testing.T) {
	runtime.LockOSThread()
	t.Cleanup(runtime.UnlockOSThread)
	rt := NewRuntime(config.Config{Mode: config.ModeTrace, LogBufSize: 10, CounterShards: 1})

	first := rt.ThreadEnter()
	again := rt.RingForCurrentThread()
	if again != first {
		t.Fatalf("want RingForCurrentThread to return the already-registered ring, got a different one")
	}

	count := 0
	rt.Registry.ForEach(func(*ring.Ring) { count++ })
	if count != 1 {
		t.Fatalf("want exactly 1 registered ring for the thread, got %d", count)
	}
}

func TestThreadEnterExitIsolatesRings(t *testing.T) {
	runtime.LockOSThread()
	t.Cleanup(runtime.UnlockOSThread)
	rt := NewRuntime(config.Config{Mode: config.ModeTrace, LogBufSize: 10, CounterShards: 1})
	r := rt.ThreadEnter()
	r.Trace(1, 1)

	count := 0
	rt.Registry.ForEach(func(*ring.Ring) { count++ })
	if count != 1 {
		t.Fatalf("want 1 registered ring after ThreadEnter, got %d", count)
	}

	rt.ThreadExit()
	count = 0
	rt.Registry.ForEach(func(*ring.Ring) { count++ })
	if count != 0 {
		t.Fatalf("want 0 registered rings after ThreadExit, got %d", count)
	}
}
