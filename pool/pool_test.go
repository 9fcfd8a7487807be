// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pool

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

// TestMain lets this test binary also act as the worker process a
// spawned Pool starts: when invoked with the env var below set, it
// runs testWorkerMain instead of the test suite. This is the standard
// re-exec-self trick os/exec's own tests use for anything that needs
// a real child process without shipping a second binary.
const workerEnvVar = "ARC_POOL_TEST_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(workerEnvVar) != "" {
		testWorkerMain()
		return
	}
	os.Exit(m.Run())
}

// testWorkerMain stands in for cmd/arcd's "-worker" mode: recover the
// inherited listener and status pipe, accept up to maxRequests
// connections (each just closed immediately — the pool's scaling
// logic under test has no interest in §4.H), and exit on SIGTERM.
func testWorkerMain() {
	maxRequests := 3
	if n := os.Getenv("ARC_POOL_TEST_MAX_REQUESTS"); n != "" {
		fmt.Sscanf(n, "%d", &maxRequests) //nolint:errcheck
	}

	listeners, status, err := InheritedFiles(1)
	if err != nil {
		os.Exit(2)
	}
	ln := listeners[0]

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)
	var retiring atomic.Bool
	go func() {
		<-sigCh
		retiring.Store(true)
	}()

	tl := ln.(*net.TCPListener)
	ReportIdle(status) //nolint:errcheck
	served := 0
	for served < maxRequests && !retiring.Load() {
		tl.SetDeadline(time.Now().Add(200 * time.Millisecond)) //nolint:errcheck
		conn, err := ln.Accept()
		if err != nil {
			continue
		}
		ReportBusy(status) //nolint:errcheck
		conn.Close()
		served++
		ReportIdle(status) //nolint:errcheck
	}
	os.Exit(0)
}

func testSpawner(t *testing.T, maxRequests int) Spawner {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	return func(files []*os.File) (*exec.Cmd, error) {
		cmd := exec.Command(exe)
		cmd.Env = append(os.Environ(),
			workerEnvVar+"=1",
			fmt.Sprintf("ARC_POOL_TEST_MAX_REQUESTS=%d", maxRequests),
		)
		cmd.Stderr = os.Stderr
		return cmd, nil
	}
}

func testConfig(t *testing.T, maxRequests int) Config {
	t.Helper()
	return Config{
		Host:                 "127.0.0.1",
		Ports:                []string{"0"},
		MinServers:           2,
		MaxServers:           4,
		MinSpareServers:      2,
		MaxSpareServers:      3,
		MaxRequestsPerWorker: maxRequests,
		ScaleInterval:        20 * time.Millisecond,
		DrainTimeout:         2 * time.Second,
		Spawn:                testSpawner(t, maxRequests),
	}
}

// TestMinServers is scenario-adjacent to S6: a freshly started pool
// spawns exactly MinServers workers, all idle.
func TestMinServers(t *testing.T) {
	p, err := New(testConfig(t, 3))
	if err != nil {
		t.Fatal(err)
	}
	go p.Run() //nolint:errcheck

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s := p.Status(); s.Total == 2 && s.Idle == 2 {
			if err := p.Shutdown(); err != nil {
				t.Fatal(err)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	p.Shutdown() //nolint:errcheck
	t.Fatalf("pool never reached 2 idle workers, got %+v", p.Status())
}

// TestShutdownDrainsWorkers is scenario S6's shutdown half: Shutdown
// returns only once every worker process it signaled has actually
// exited, and leaves no workers behind.
func TestShutdownDrainsWorkers(t *testing.T) {
	p, err := New(testConfig(t, 3))
	if err != nil {
		t.Fatal(err)
	}
	go p.Run() //nolint:errcheck

	time.Sleep(200 * time.Millisecond)
	if err := p.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if s := p.Status(); s.Total != 0 {
		t.Fatalf("expected no workers left after shutdown, got %+v", s)
	}
}

// TestMaxServersBound is invariant 5's upper bound: while the pool
// starts from MinServers and spawns spares, total never exceeds
// MaxServers.
func TestMaxServersBound(t *testing.T) {
	cfg := testConfig(t, 3)
	cfg.MinServers = 1
	p, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	go p.Run() //nolint:errcheck
	defer p.Shutdown() //nolint:errcheck

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := p.Status(); s.Total > cfg.MaxServers {
			t.Fatalf("total %d exceeded MaxServers %d", s.Total, cfg.MaxServers)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
