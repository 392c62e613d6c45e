// Command funtrace-relay execs an instrumented binary as a child process,
// relays SIGINT to it the way the teacher's wrap/wrap.go supervises its
// child, and listens on a Unix socket (its path passed to the child in
// FUNTRACE_RELAY_SOCKET) for newline-terminated snapshot file paths,
// forwarding each named container file to whichever export sink spec.md's
// environment configuration selects (Kafka, MQTT, or a local directory).
// The funtrace runtime in this repository does not write to that socket;
// WriteCurrentSnapshot sends no notification.
package main

import (
	"bufio"
	"log"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/yosefk/funtrace/internal/config"
	"github.com/yosefk/funtrace/internal/export"
)

func usage() {
	log.Fatalf("usage: %s command [args ...]", os.Args[0])
}

func main() {
	log.SetFlags(log.Lmicroseconds)
	if len(os.Args) < 2 {
		usage()
	}

	cfg := config.FromEnv()
	sink, closeSink := buildSink(cfg)
	if closeSink != nil {
		defer closeSink()
	}

	go logSystemMetrics()

	sockPath := "funtrace-relay-" + strconv.Itoa(os.Getpid()) + ".sock"
	ready, stopListener, err := listenForSnapshots(sockPath)
	if err != nil {
		log.Fatalf("funtrace-relay: opening notification socket: %v", err)
	}
	defer stopListener()
	os.Setenv("FUNTRACE_RELAY_SOCKET", sockPath)

	cmd := exec.Command(os.Args[1], os.Args[2:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		log.Fatalf("funtrace-relay: starting child: %v", err)
	}
	log.Printf("funtrace-relay: child pid %d started", cmd.Process.Pid)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	for {
		select {
		case s := <-sigs:
			log.Printf("funtrace-relay: relaying signal %v to child", s)
			cmd.Process.Signal(s)
		case path := <-ready:
			forwardSnapshot(sink, path)
		case err := <-done:
			if err != nil {
				log.Printf("funtrace-relay: child exited: %v", err)
			} else {
				log.Print("funtrace-relay: child exited cleanly")
			}
			drainPending(ready, sink)
			return
		}
	}
}

// buildSink picks the export sink spec.md's environment configuration
// selects, preferring Kafka, then MQTT, then a local directory, matching
// the teacher's single-backend wrap/wrap.go but generalized to funtrace's
// multiple interchangeable sinks.
func buildSink(cfg config.Config) (export.Sink, func()) {
	if len(cfg.KafkaBrokers) > 0 {
		s, err := export.NewKafkaSink(cfg.KafkaBrokers, "funtrace")
		if err != nil {
			log.Printf("funtrace-relay: kafka sink unavailable, falling back to file: %v", err)
		} else {
			return s, func() { s.Close() }
		}
	}
	if cfg.MQTTBroker != "" {
		s, err := export.NewMQTTSink(cfg.MQTTBroker, "funtrace")
		if err != nil {
			log.Printf("funtrace-relay: mqtt sink unavailable, falling back to file: %v", err)
		} else {
			return s, func() { s.Close() }
		}
	}
	return export.FileSink{Dir: "."}, nil
}

// listenForSnapshots opens a Unix socket that instrumented children
// connect to and write a single newline-terminated path to, once per
// completed snapshot.
func listenForSnapshots(sockPath string) (<-chan string, func(), error) {
	os.Remove(sockPath)
	l, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, nil, err
	}

	ready := make(chan string, 16)
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				s := bufio.NewScanner(c)
				for s.Scan() {
					ready <- s.Text()
				}
			}()
		}
	}()

	return ready, func() {
		l.Close()
		os.Remove(sockPath)
	}, nil
}

func drainPending(ready <-chan string, sink export.Sink) {
	for {
		select {
		case path := <-ready:
			forwardSnapshot(sink, path)
		case <-time.After(200 * time.Millisecond):
			return
		}
	}
}

func forwardSnapshot(sink export.Sink, path string) {
	payload, err := os.ReadFile(path)
	if err != nil {
		log.Printf("funtrace-relay: reading snapshot %s: %v", path, err)
		return
	}
	name := filepath.Base(path)
	if err := sink.Send(name, payload); err != nil {
		log.Printf("funtrace-relay: forwarding snapshot %s: %v", name, err)
		return
	}
	log.Printf("funtrace-relay: forwarded snapshot %s (%d bytes)", name, len(payload))
}

// logSystemMetrics samples overall CPU and memory usage once a second,
// the same system-metrics sampling cadence as the teacher's wrap/wrap.go
// networkStat/metrics, repurposed from per-event enrichment to a
// standalone periodic log line since funtrace's snapshot containers
// already carry their own timing data.
func logSystemMetrics() {
	for {
		time.Sleep(time.Second)
		pct, err := cpu.Percent(0, false)
		if err != nil || len(pct) == 0 {
			continue
		}
		vm, err := mem.VirtualMemory()
		if err != nil {
			continue
		}
		log.Printf("funtrace-relay: system cpu=%.1f%% mem=%.1f%%", pct[0], vm.UsedPercent)
	}
}
