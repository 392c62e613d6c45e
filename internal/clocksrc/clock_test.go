package clocksrc

import (
	"strings"
	"testing"
)

func TestNowMonotonic(t *testing.T) {
	a := Now()
	b := Now()
	if b < a {
		t.Fatalf("Now() went backwards: %d then %d", a, b)
	}
}

func TestTicksPerSecondCached(t *testing.T) {
	a := TicksPerSecond()
	b := TicksPerSecond()
	if a != b {
		t.Fatalf("TicksPerSecond() not stable across calls: %d vs %d", a, b)
	}
	if a == 0 {
		t.Fatalf("TicksPerSecond() returned 0")
	}
}

func TestEnumerateExecutableSegments(t *testing.T) {
	var segs []Segment
	err := EnumerateExecutableSegments(func(start, size uint64, name string) {
		segs = append(segs, Segment{Start: start, Size: size, Name: name})
	})
	if err != nil {
		t.Fatalf("EnumerateExecutableSegments: %v", err)
	}
	if len(segs) == 0 {
		t.Fatalf("expected at least one executable segment for the test binary")
	}
	for _, s := range segs {
		if s.Size == 0 {
			t.Fatalf("segment %q has zero size", s.Name)
		}
	}
}

func TestThreadName(t *testing.T) {
	name := ThreadName(ThreadID())
	if strings.TrimSpace(name) == "" {
		t.Fatalf("ThreadName returned empty string")
	}
}
