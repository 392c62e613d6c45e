package main

import (
	"os"

	"github.com/yosefk/funtrace/internal/clocksrc"
	"github.com/yosefk/funtrace/internal/snapshot"
)

func dumpCounts(f *os.File) error {
	return snapshot.DumpCounts(f, rt.Store)
}

func writeTraceSnapshot(f *os.File) error {
	return snapshot.PauseAndWriteCurrentSnapshot(rt.Registry, clocksrc.TicksPerSecond(), sched, f)
}
