// Package registry implements the global, mutex-guarded set of live
// per-thread rings described in spec.md §3/§4.D, plus the lazily-opened
// output file shared by count-mode dumps and trace-mode snapshots.
package registry

import (
	"os"
	"sync"

	"github.com/yosefk/funtrace/internal/clocksrc"
	"github.com/yosefk/funtrace/internal/ring"
)

// Registry holds the ordered set of live rings and the process-wide
// metadata a snapshot needs. The zero value is not ready; use New.
type Registry struct {
	mu    sync.Mutex
	rings []*ring.Ring

	pid     int
	cmdline string
	exePath string

	outMu   sync.Mutex
	outFile *os.File
	outPath string
}

// New constructs a registry, capturing pid/cmdline/exe path once.
func New() *Registry {
	r := &Registry{
		pid:     clocksrc.Pid(),
		cmdline: cmdline(),
	}
	if exe, err := os.Executable(); err == nil {
		r.exePath = exe
	}
	return r
}

func cmdline() string {
	b, err := os.ReadFile("/proc/self/cmdline")
	if err != nil {
		return ""
	}
	out := make([]byte, len(b))
	copy(out, b)
	for i, c := range out {
		if c == 0 {
			out[i] = ' '
		}
	}
	return string(out)
}

// Pid returns the cached process id.
func (reg *Registry) Pid() int { return reg.pid }

// Cmdline returns the cached, null-converted-to-space command line.
func (reg *Registry) Cmdline() string { return reg.cmdline }

// ExePath returns the cached executable path, or "" if it could not be
// determined.
func (reg *Registry) ExePath() string { return reg.exePath }

// RegisterCurrentThread appends r to the live set. Any snapshot that
// happens-after this call will observe r; one that happens-before will not.
func (reg *Registry) RegisterCurrentThread(r *ring.Ring) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.rings = append(reg.rings, r)
}

// UnregisterCurrentThread removes r from the live set (swap-remove; the set
// is expected to stay small). A no-op if r is not present.
func (reg *Registry) UnregisterCurrentThread(r *ring.Ring) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for i, cur := range reg.rings {
		if cur == r {
			last := len(reg.rings) - 1
			reg.rings[i] = reg.rings[last]
			reg.rings[last] = nil
			reg.rings = reg.rings[:last]
			return
		}
	}
}

// ForEach invokes f for every currently-registered ring while holding the
// registry lock, so that a concurrent register/unregister cannot interleave
// with the snapshot in progress. f must not re-enter the registry.
func (reg *Registry) ForEach(f func(*ring.Ring)) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, r := range reg.rings {
		f(r)
	}
}

// Lock/Unlock expose the registry mutex directly so that snapshot.go can
// hold it across the full pause/copy/resume protocol of spec.md §4.E,
// rather than only across a single ForEach call.
func (reg *Registry) Lock()   { reg.mu.Lock() }
func (reg *Registry) Unlock() { reg.mu.Unlock() }

// Rings returns the live ring slice. Callers must hold the registry lock
// (see Lock/Unlock) for the duration of any use.
func (reg *Registry) Rings() []*ring.Ring { return reg.rings }

// OutputFile lazily opens the output path on first use, matching the
// append-for-trace / overwrite-for-count semantics of spec.md §6.
func (reg *Registry) OutputFile(path string, truncate bool) (*os.File, error) {
	reg.outMu.Lock()
	defer reg.outMu.Unlock()

	if reg.outFile != nil && reg.outPath == path {
		return reg.outFile, nil
	}
	if reg.outFile != nil {
		reg.outFile.Close()
	}

	flags := os.O_WRONLY | os.O_CREATE
	if truncate {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, err
	}
	reg.outFile = f
	reg.outPath = path
	return f, nil
}
