// Package hooks implements the lifecycle glue of spec.md §4.F: the
// entry/exit hot path the compiler-injected instrumentation calls, thread
// and dynamic-library lifecycle notifications, and exception pseudo-events.
// It is pure Go so it can be unit-tested without a cgo build; cmd/libfuntrace
// is the cgo-exported surface a native binary actually links against.
package hooks

import (
	"sync"

	"github.com/yosefk/funtrace/internal/clocksrc"
	"github.com/yosefk/funtrace/internal/config"
	"github.com/yosefk/funtrace/internal/countstore"
	"github.com/yosefk/funtrace/internal/registry"
	"github.com/yosefk/funtrace/internal/ring"
)

// Runtime bundles every piece of mutable state the hook surface touches:
// the counter store (count mode), the registry of rings (trace mode), and
// the per-OS-thread ring lookup that stands in for the teacher's
// thread-spawn trampoline (spec.md §4.F) adapted to Go, where traced
// threads are foreign (C/C++) threads observed through cgo rather than
// goroutines this process spawns itself.
type Runtime struct {
	Cfg      config.Config
	Store    *countstore.ShardedStore
	Registry *registry.Registry

	// byThread maps OS tid -> *ring.Ring. It is a sync.Map rather than a
	// map+RWMutex because every ring is written once at thread setup and
	// then read on every single traced call: exactly the read-mostly
	// pattern sync.Map's lock-free load path (an atomic pointer read
	// against its read-only snapshot) is built for, so the hot path in
	// OnEnter/OnExit below never takes a lock to find its ring.
	byThread sync.Map
}

// NewRuntime constructs a Runtime from cfg.
func NewRuntime(cfg config.Config) *Runtime {
	return &Runtime{
		Cfg:      cfg,
		Store:    countstore.NewShardedStore(cfg.CounterShards),
		Registry: registry.New(),
	}
}

// ThreadEnter is the adapted trampoline entry point: called once per
// traced native thread at start (by the native pthread-creation
// interposer, outside this repo's scope, same footing as the compiler
// front-end). It allocates one ring and registers it. Calling it again
// for a thread that already has one installs a second, orphaned ring;
// callers that merely want the existing ring (or to lazily create it on
// first use) should use RingForCurrentThread instead.
func (rt *Runtime) ThreadEnter() *ring.Ring {
	tid := clocksrc.ThreadID()
	name := clocksrc.ThreadName(tid)
	r := ring.New(rt.Cfg.LogBufSize, clocksrc.Pid(), tid, name)

	rt.byThread.Store(tid, r)
	rt.Registry.RegisterCurrentThread(r)
	return r
}

// ThreadExit is the adapted trampoline exit point: unregisters and frees
// the calling thread's ring.
func (rt *Runtime) ThreadExit() {
	tid := clocksrc.ThreadID()
	v, ok := rt.byThread.LoadAndDelete(tid)
	if ok {
		rt.Registry.UnregisterCurrentThread(v.(*ring.Ring))
	}
}

// RingForCurrentThread returns the calling thread's existing ring, or
// creates and registers one via ThreadEnter if it doesn't have one yet
// (e.g. the process's main thread, which runs before any explicit
// ThreadEnter call). Unlike calling ThreadEnter directly, this never
// installs a duplicate ring for a thread that already has one.
func (rt *Runtime) RingForCurrentThread() *ring.Ring {
	return rt.ringForCurrentThread()
}

func (rt *Runtime) ringForCurrentThread() *ring.Ring {
	tid := clocksrc.ThreadID()
	if v, ok := rt.byThread.Load(tid); ok {
		return v.(*ring.Ring)
	}
	return rt.ThreadEnter()
}

// OnEnter is the hot path for a function-entry hook: count mode
// increments the callee's counter; trace mode appends a call event.
func (rt *Runtime) OnEnter(calleeAddr, _ uint64) {
	if rt.Cfg.Mode == config.ModeCount {
		rt.Store.Increment(uint64(clocksrc.ThreadID()), calleeAddr)
		return
	}
	rt.ringForCurrentThread().Trace(calleeAddr, clocksrc.Now())
}

// OnExit is the hot path for a function-exit hook.
func (rt *Runtime) OnExit(calleeAddr, _ uint64) {
	if rt.Cfg.Mode == config.ModeCount {
		return // count mode only tallies entries
	}
	rt.ringForCurrentThread().Trace(calleeAddr|ring.FlagReturn, clocksrc.Now())
}

// OnEnterFentry is the __fentry__-style variant with a different calling
// convention (all volatile registers, including the return value,
// preserved by the caller); functionally identical on the Go side.
func (rt *Runtime) OnEnterFentry(calleeAddr, callerAddr uint64) { rt.OnEnter(calleeAddr, callerAddr) }

// OnReturnFentry is the __return__-style exit hook, recording the caller's
// return address rather than the callee's, per spec.md §3's event flag
// table.
func (rt *Runtime) OnReturnFentry(calleeAddr, callerAddr uint64) {
	if rt.Cfg.Mode == config.ModeCount {
		return
	}
	rt.ringForCurrentThread().Trace(callerAddr|ring.FlagReturnWithCallerAddress, clocksrc.Now())
}

// NotifyLibraryLoaded re-enumerates and preallocates after a successful
// dynamic-library load, per spec.md §4.F's loader interposition.
func (rt *Runtime) NotifyLibraryLoaded(base, size uint64) {
	rt.Store.Preallocate(base, size)
	// If enumeration fails, only [base, base+size) is preallocated.
	_ = rt.PreallocateKnownSegments()
}

// OnThrow logs the pair of point-events bracketing a throw (it does not
// return, so the decoder needs both ends to detect the non-local jump).
func (rt *Runtime) OnThrow(throwSiteAddr uint64) {
	if rt.Cfg.Mode == config.ModeCount {
		return
	}
	r := rt.ringForCurrentThread()
	now := clocksrc.Now()
	r.Trace(throwSiteAddr, now)
	r.Trace(throwSiteAddr|ring.FlagReturn, now)
}

// OnCatch logs a CATCH marker whose address is the catching function.
func (rt *Runtime) OnCatch(catcherAddr uint64) {
	if rt.Cfg.Mode == config.ModeCount {
		return
	}
	rt.ringForCurrentThread().Trace(catcherAddr|ring.FlagCatch, clocksrc.Now())
}

// PreallocateKnownSegments walks every currently-mapped executable segment
// and preallocates its covering counter-store pages, the process-start
// half of spec.md §4.B/§4.F (the dynamic-load half is NotifyLibraryLoaded).
func (rt *Runtime) PreallocateKnownSegments() error {
	return clocksrc.EnumerateExecutableSegments(func(start, size uint64, _ string) {
		rt.Store.Preallocate(start, size)
	})
}
