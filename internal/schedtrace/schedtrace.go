// Package schedtrace implements the optional scheduler-event capture from
// spec.md §4.E: a background reader drains a kernel tracer's text event
// stream into a fixed-size per-process cyclic buffer, which a snapshot can
// later extract by the same time-bounded technique used for trace rings.
package schedtrace

import (
	"bufio"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// DefaultCapacity is the default fixed event count, matching spec.md's
// "20k" default.
const DefaultCapacity = 20_000

// Buffer is a fixed-capacity cyclic buffer of scheduler event lines, each
// tagged with the cycle value parsed out of it.
type Buffer struct {
	mu       sync.Mutex
	lines    []string
	cycles   []uint64
	cap      int
	next     int // next slot to write, wraps
	filled   int // number of valid entries, saturates at cap
	disabled bool
	warnings []string
}

// NewBuffer constructs a buffer holding at most capacity events.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		lines:  make([]string, capacity),
		cycles: make([]uint64, capacity),
		cap:    capacity,
	}
}

// CycleParser extracts the cycle timestamp embedded in one scheduler event
// line. The default parser expects a leading "<cycle>: " field, matching
// the ftrace text format's first column once reformatted with a raw cycle
// clock (spec.md §4.E: "clock set to the CPU cycle counter").
func CycleParser(line string) (uint64, bool) {
	idx := strings.IndexByte(line, ':')
	if idx <= 0 {
		return 0, false
	}
	c, err := strconv.ParseUint(strings.TrimSpace(line[:idx]), 10, 64)
	if err != nil {
		return 0, false
	}
	return c, true
}

// Append adds one event line, overwriting the oldest entry once full.
func (b *Buffer) Append(line string) {
	cycle, _ := CycleParser(line)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines[b.next] = line
	b.cycles[b.next] = cycle
	b.next = (b.next + 1) % b.cap
	if b.filled < b.cap {
		b.filled++
	}
}

// Run reads newline-delimited events from r until it returns an error (EOF
// on worker shutdown), appending each line. Intended to run on a dedicated
// background goroutine for the life of the process.
func (b *Buffer) Run(r io.Reader) error {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for s.Scan() {
		b.Append(s.Text())
	}
	return s.Err()
}

// ExtractFrom returns every buffered event whose parsed cycle is >= t,
// oldest first.
func (b *Buffer) ExtractFrom(t uint64) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.filled
	start := 0
	if b.filled == b.cap {
		start = b.next
	}
	idxs := make([]int, 0, n)
	for i := 0; i < n; i++ {
		idxs = append(idxs, (start+i)%b.cap)
	}
	// idxs is in oldest-to-newest physical order, monotonic in cycle
	// value under normal operation, so a direct search for the first
	// surviving entry works the same way trace-ring trimming does.
	cut := sort.Search(len(idxs), func(i int) bool {
		return b.cycles[idxs[i]] >= t
	})
	out := make([]string, 0, len(idxs)-cut)
	for _, i := range idxs[cut:] {
		out = append(out, b.lines[i])
	}
	return out
}

// All returns every buffered event, oldest first.
func (b *Buffer) All() []string {
	return b.ExtractFrom(0)
}

// Disable marks the buffer as unavailable after an optional-subsystem
// failure (spec.md §7): the kernel tracer could not be configured, or the
// FUNTRACE_NO_FTRACE environment variable opted out. Recording the reason
// once keeps later snapshot writers from repeating the warning.
func (b *Buffer) Disable(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disabled = true
	b.warnings = append(b.warnings, reason)
}

// Disabled reports whether scheduler-event capture has been turned off.
func (b *Buffer) Disabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disabled
}

// Warnings returns accumulated one-line warnings (see Disable).
func (b *Buffer) Warnings() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.warnings))
	copy(out, b.warnings)
	return out
}
