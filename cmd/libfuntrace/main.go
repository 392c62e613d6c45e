// Command libfuntrace is the cgo-exported surface an instrumented native
// binary links against, built with -buildmode=c-archive. It adapts the
// teacher's instrument/inst.go __cyg_profile_func_enter/exit hooks (which
// shipped each call over a unix socket to a separate collector process) to
// call straight into internal/hooks.Runtime in-process, matching spec.md
// §4.F's entry/exit hot path.
package main

import "C"

import (
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"unsafe"

	"github.com/yosefk/funtrace/internal/config"
	"github.com/yosefk/funtrace/internal/hooks"
	"github.com/yosefk/funtrace/internal/schedtrace"
)

var (
	startOnce sync.Once
	rt        *hooks.Runtime
	sched     *schedtrace.Buffer
)

func init() {
	startOnce.Do(start)
}

// start is the process-start constructor of spec.md §4.F: build the
// runtime from the environment, preallocate counter-store pages for every
// segment mapped at startup, register the main thread, start the
// scheduler-event worker (unless opted out), and install the
// snapshot-on-signal handler.
func start() {
	cfg := config.FromEnv()
	rt = hooks.NewRuntime(cfg)

	if err := rt.PreallocateKnownSegments(); err != nil {
		log.Printf("libfuntrace: startup segment enumeration failed: %v", err)
	}
	rt.ThreadEnter()

	if !cfg.NoFtrace {
		sched = schedtrace.NewBuffer(schedtrace.DefaultCapacity)
		startSchedWorker(sched)
	}

	installSignalHandler(cfg.Signal)
}

// startSchedWorker mirrors the root funtrace package's worker of the same
// name: open the host's ftrace pipe, or disable scheduler-event capture
// with a one-line warning on failure rather than aborting startup.
func startSchedWorker(b *schedtrace.Buffer) {
	const pipePath = "/sys/kernel/tracing/trace_pipe"
	f, err := os.Open(pipePath)
	if err != nil {
		b.Disable("libfuntrace: scheduler-event capture disabled: " + err.Error())
		log.Print(b.Warnings()[len(b.Warnings())-1])
		return
	}
	go func() {
		defer f.Close()
		if err := b.Run(f); err != nil {
			log.Printf("libfuntrace: scheduler-event worker exited: %v", err)
		}
	}()
}

func installSignalHandler(name string) {
	sig := signalByName(name)
	if sig == nil {
		return
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sig)
	go func() {
		for range ch {
			funtraceWriteSnapshot()
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

func funtraceWriteSnapshot() {
	f, err := rt.Registry.OutputFile(rt.Cfg.DefaultOutputPath(), rt.Cfg.Mode == config.ModeCount)
	if err != nil {
		log.Printf("libfuntrace: snapshot-on-signal: %v", err)
		return
	}
	if rt.Cfg.Mode == config.ModeCount {
		if err := dumpCounts(f); err != nil {
			log.Printf("libfuntrace: count dump failed: %v", err)
		}
		return
	}
	if err := writeTraceSnapshot(f); err != nil {
		log.Printf("libfuntrace: trace snapshot failed: %v", err)
	}
}

// __cyg_profile_func_enter is the GCC/Clang -finstrument-functions entry
// hook: every instrumented function calls this on entry with its own
// address and its caller's return address.
//
//export __cyg_profile_func_enter
func __cyg_profile_func_enter(fn, callSite unsafe.Pointer) {
	rt.OnEnter(uint64(uintptr(fn)), uint64(uintptr(callSite)))
}

// __cyg_profile_func_exit is the matching exit hook.
//
//export __cyg_profile_func_exit
func __cyg_profile_func_exit(fn, callSite unsafe.Pointer) {
	rt.OnExit(uint64(uintptr(fn)), uint64(uintptr(callSite)))
}

// FuntraceOnEnterFentry is the __fentry__-style hook some compilers emit
// under -pg -mfentry: same entry event, different calling convention (the
// callee address is implicit in the call site, recovered by the assembly
// trampoline that calls into this package, not shown here).
//
//export FuntraceOnEnterFentry
func FuntraceOnEnterFentry(fn, caller unsafe.Pointer) {
	rt.OnEnterFentry(uint64(uintptr(fn)), uint64(uintptr(caller)))
}

// FuntraceOnReturnFentry is the matching __return__-style exit hook.
//
//export FuntraceOnReturnFentry
func FuntraceOnReturnFentry(fn, caller unsafe.Pointer) {
	rt.OnReturnFentry(uint64(uintptr(fn)), uint64(uintptr(caller)))
}

// FuntraceThreadEnter is called by the native pthread-creation interposer
// at the start of every new thread (spec.md §4.F's thread-spawn
// trampoline, necessarily implemented outside Go since Go cannot interpose
// foreign pthread_create calls).
//
//export FuntraceThreadEnter
func FuntraceThreadEnter() {
	rt.ThreadEnter()
}

// FuntraceThreadExit is called at native thread exit.
//
//export FuntraceThreadExit
func FuntraceThreadExit() {
	rt.ThreadExit()
}

// FuntraceNotifyLibraryLoaded is called by the loader interposer
// (LD_PRELOAD's la_objopen or an explicit dlopen wrapper) after a dynamic
// library finishes loading, so its executable ranges get preallocated
// counter-store pages before any of its functions are first called.
//
//export FuntraceNotifyLibraryLoaded
func FuntraceNotifyLibraryLoaded(base, size uint64) {
	rt.NotifyLibraryLoaded(base, size)
}

// FuntraceOnThrow is called from a personality-routine shim right before a
// C++ exception unwinds past an instrumented frame.
//
//export FuntraceOnThrow
func FuntraceOnThrow(throwSite unsafe.Pointer) {
	rt.OnThrow(uint64(uintptr(throwSite)))
}

// FuntraceOnCatch is called from the same shim once a catch handler runs.
//
//export FuntraceOnCatch
func FuntraceOnCatch(catcher unsafe.Pointer) {
	rt.OnCatch(uint64(uintptr(catcher)))
}

// FuntraceWriteSnapshot lets the host process request a snapshot directly
// (e.g. from its own fatal-signal handler) instead of only via FUNTRACE_SIGNAL.
//
//export FuntraceWriteSnapshot
func FuntraceWriteSnapshot() {
	funtraceWriteSnapshot()
}

func main() {}
