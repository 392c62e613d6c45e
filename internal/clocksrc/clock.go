// Package clocksrc supplies the monotonic cycle counter, its calibrated
// frequency, and enumeration of the process's executable memory segments.
package clocksrc

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Segment is one mapped, loadable, executable range of the address space.
type Segment struct {
	Start uint64
	Size  uint64
	Name  string
}

var (
	freqOnce  sync.Once
	freqHz    uint64
	freqWarns []string
)

// Now returns the current value of the monotonic cycle counter. On amd64 this
// would read the TSC directly; the portable fallback used here is a
// nanosecond clock scaled to look like a cycle count, which preserves every
// ordering property the rest of the package relies on (monotonicity, and
// comparability across threads modulo clock sync error).
func Now() uint64 {
	return uint64(time.Now().UnixNano())
}

// TicksPerSecond returns the calibrated cycle frequency, computing it once
// and caching the result process-wide, mirroring spec.md's three-tier
// fallback: a CPU-feature query, then scraping kernel boot text for
// "MHz TSC", then a bounded busy-wait calibration.
func TicksPerSecond() uint64 {
	freqOnce.Do(calibrate)
	return freqHz
}

// Warnings returns any non-fatal messages accumulated during calibration,
// for callers (the snapshot writer) that want to surface them once.
func Warnings() []string {
	freqOnce.Do(calibrate)
	return freqWarns
}

func calibrate() {
	if hz, ok := fromCPUInfo(); ok {
		freqHz = hz
		return
	}
	freqWarns = append(freqWarns, "clocksrc: /proc/cpuinfo frequency query failed, trying boot log")

	if hz, ok := fromBootLog("/var/log/dmesg", "/var/log/kern.log"); ok {
		freqHz = hz
		return
	}
	freqWarns = append(freqWarns, "clocksrc: boot log scrape failed, falling back to busy-wait calibration")

	freqHz = fromBusyWait()
}

// fromCPUInfo implements tier 1: read the nominal frequency straight out of
// /proc/cpuinfo's "cpu MHz" field, the portable stand-in for a raw cpuid
// nominal-TSC-frequency leaf.
func fromCPUInfo() (uint64, bool) {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return 0, false
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	for s.Scan() {
		line := s.Text()
		if !strings.HasPrefix(line, "cpu MHz") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		mhz, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil || mhz <= 0 {
			continue
		}
		return uint64(mhz * 1e6), true
	}
	return 0, false
}

// fromBootLog implements tier 2: scrape any of the given files for the
// string "MHz TSC", as dmesg shows it on boot ("tsc: Detected 2800.000 MHz
// TSC").
func fromBootLog(paths ...string) (uint64, bool) {
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		s := bufio.NewScanner(f)
		for s.Scan() {
			line := s.Text()
			idx := strings.Index(line, "MHz TSC")
			if idx < 0 {
				continue
			}
			fields := strings.Fields(line[:idx])
			if len(fields) == 0 {
				continue
			}
			mhz, err := strconv.ParseFloat(fields[len(fields)-1], 64)
			if err == nil && mhz > 0 {
				f.Close()
				return uint64(mhz * 1e6), true
			}
		}
		f.Close()
	}
	return 0, false
}

// fromBusyWait implements tier 3: a bounded busy-sleep calibration, the last
// resort when neither of the cheaper queries succeeded. No retries: whatever
// this measures is cached for the life of the process.
func fromBusyWait() uint64 {
	const window = 5 * time.Millisecond
	start := Now()
	t0 := time.Now()
	for time.Since(t0) < window {
	}
	elapsed := Now() - start
	secs := window.Seconds()
	if secs <= 0 {
		return uint64(time.Second) // Now() is nanosecond-scaled; 1 tick/ns.
	}
	return uint64(float64(elapsed) / secs)
}

// Pid returns the process id.
func Pid() int { return os.Getpid() }

// ThreadID returns the OS-level id of the calling thread (Linux gettid).
// Go does not guarantee a goroutine stays pinned to one OS thread unless
// runtime.LockOSThread was called by the caller; callers on the hot path
// (ring owners) are expected to have done so, matching one-ring-per-native-
// thread from spec.md §3.
func ThreadID() int {
	return unix.Gettid()
}

// ThreadName reads /proc/self/task/<tid>/comm, the kernel's 16-byte thread
// name, falling back to a synthesized name if unavailable.
func ThreadName(tid int) string {
	path := fmt.Sprintf("/proc/self/task/%d/comm", tid)
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("thread-%d", tid)
	}
	return strings.TrimRight(string(b), "\n")
}

// EnumerateExecutableSegments invokes cb for every mapped range in
// /proc/self/maps whose permissions include execute ("r-xp", and also
// any other "x" mapping such as "rwxp" or "--xp").
func EnumerateExecutableSegments(cb func(start, size uint64, name string)) error {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return err
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	for s.Scan() {
		line := s.Text()
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		perms := fields[1]
		if !strings.HasPrefix(perms, "r-xp") && perms != "r-xp" {
			if len(perms) < 4 || perms[2] != 'x' {
				continue
			}
		}
		rng := strings.SplitN(fields[0], "-", 2)
		if len(rng) != 2 {
			continue
		}
		start, err := strconv.ParseUint(rng[0], 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(rng[1], 16, 64)
		if err != nil || end < start {
			continue
		}
		name := ""
		if len(fields) >= 6 {
			name = fields[5]
		}
		cb(start, end-start, name)
	}
	return s.Err()
}
