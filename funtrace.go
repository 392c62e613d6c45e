// Package funtrace is the consumer-facing API of the in-process tracing
// and profiling runtime described in spec.md: count mode tallies calls per
// function address for the process lifetime; trace mode keeps a bounded,
// most-recent sliding window of call/return events per thread and can dump
// that window on demand.
package funtrace

import (
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/yosefk/funtrace/internal/clocksrc"
	"github.com/yosefk/funtrace/internal/config"
	"github.com/yosefk/funtrace/internal/hooks"
	"github.com/yosefk/funtrace/internal/schedtrace"
	"github.com/yosefk/funtrace/internal/snapshot"
)

// Handle is a detached, point-in-time copy of every thread's ring,
// returned by GetSnapshot and friends.
type Handle = snapshot.Handle

var (
	initOnce sync.Once
	rt       *hooks.Runtime
	sched    *schedtrace.Buffer
)

// init is the process-start constructor of spec.md §4.F: it initializes
// the counter store, preallocates known executable segments, registers the
// main thread, starts the scheduler-event worker (unless opted out), and
// installs the configured signal handler.
func init() {
	initOnce.Do(start)
}

func start() {
	cfg := config.FromEnv()
	rt = hooks.NewRuntime(cfg)

	if err := rt.PreallocateKnownSegments(); err != nil {
		log.Printf("funtrace: startup: could not enumerate executable segments: %v", err)
	}
	rt.ThreadEnter() // main thread

	if !cfg.NoFtrace {
		sched = schedtrace.NewBuffer(schedtrace.DefaultCapacity)
		startSchedWorker(sched)
	}

	installSignalHandler(cfg.Signal)
}

// startSchedWorker attempts to open the host's ftrace pipe; on any failure
// it disables scheduler-event capture with a one-line warning rather than
// aborting startup, per spec.md §7's optional-subsystem-failure handling.
func startSchedWorker(b *schedtrace.Buffer) {
	const pipePath = "/sys/kernel/tracing/trace_pipe"
	f, err := os.Open(pipePath)
	if err != nil {
		b.Disable("funtrace: scheduler-event capture disabled: " + err.Error())
		log.Print(b.Warnings()[len(b.Warnings())-1])
		return
	}
	go func() {
		defer f.Close()
		if err := b.Run(f); err != nil {
			log.Printf("funtrace: scheduler-event worker exited: %v", err)
		}
	}()
}

func installSignalHandler(name string) {
	sig := signalByName(name)
	if sig == nil {
		log.Printf("funtrace: unknown signal %q, snapshot-on-signal disabled", name)
		return
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sig)
	go func() {
		for range ch {
			if err := WriteCurrentSnapshot(); err != nil {
				log.Printf("funtrace: signal-triggered snapshot failed: %v", err)
			}
		}
	}()
}

func signalByName(name string) os.Signal {
	switch name {
	case "SIGTRAP":
		return syscall.SIGTRAP
	case "SIGUSR1":
		return syscall.SIGUSR1
	case "SIGUSR2":
		return syscall.SIGUSR2
	default:
		return nil
	}
}

// Now returns the current cycle counter value.
func Now() uint64 { return clocksrc.Now() }

// TicksPerSecond returns the calibrated cycle frequency.
func TicksPerSecond() uint64 { return clocksrc.TicksPerSecond() }

// WriteCurrentSnapshot dumps the current state to the default output path:
// in count mode, the merged per-address tallies; in trace mode, a full
// pause/copy/resume snapshot of every ring.
func WriteCurrentSnapshot() error {
	if rt.Cfg.Mode == config.ModeCount {
		f, err := rt.Registry.OutputFile(rt.Cfg.DefaultOutputPath(), true)
		if err != nil {
			return err
		}
		return snapshot.DumpCounts(f, rt.Store)
	}
	f, err := rt.Registry.OutputFile(rt.Cfg.DefaultOutputPath(), false)
	if err != nil {
		return err
	}
	return snapshot.PauseAndWriteCurrentSnapshot(rt.Registry, TicksPerSecond(), sched, f)
}

// GetSnapshot pauses every ring, copies each in full, resumes, and returns
// a detached Handle.
func GetSnapshot() *Handle {
	return snapshot.PauseAndGetSnapshot(rt.Registry, TicksPerSecond(), sched)
}

// GetSnapshotFrom is as GetSnapshot, trimmed to events whose cycle >= t.
func GetSnapshotFrom(t uint64) *Handle {
	return snapshot.PauseAndGetSnapshotFrom(rt.Registry, TicksPerSecond(), sched, t)
}

// GetSnapshotUpToAge returns events no older than dt, computed against
// Now().
func GetSnapshotUpToAge(dt time.Duration) *Handle {
	hz := TicksPerSecond()
	ticksAgo := uint64(dt.Seconds() * float64(hz))
	now := Now()
	var t uint64
	if now > ticksAgo {
		t = now - ticksAgo
	}
	return GetSnapshotFrom(t)
}

// WriteSnapshot serializes h to path.
func WriteSnapshot(path string, h *Handle) error {
	return snapshot.WriteSnapshot(path, h)
}

// FreeSnapshot releases h's references.
func FreeSnapshot(h *Handle) {
	snapshot.FreeSnapshot(h)
}

// IgnoreCurrentThread opts the calling thread out of tracing and frees its
// ring.
func IgnoreCurrentThread() {
	rt.ThreadExit()
}

// SetThreadLogBufSize resizes the calling thread's ring. A log below
// ring.MinLogBufSize is raised to it: the ring holds one event and the
// thread is still traced.
func SetThreadLogBufSize(log uint) {
	rt.RingForCurrentThread().SetLogBufSize(log)
}

// DisableTracing pauses every ring without taking a snapshot.
func DisableTracing() {
	rt.Registry.Lock()
	defer rt.Registry.Unlock()
	for _, r := range rt.Registry.Rings() {
		r.Disable()
	}
}

// EnableTracing resumes every ring.
func EnableTracing() {
	rt.Registry.Lock()
	defer rt.Registry.Unlock()
	for _, r := range rt.Registry.Rings() {
		r.Enable()
	}
}
