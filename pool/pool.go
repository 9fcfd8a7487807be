// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pool implements the ARC prefork pool (spec.md §4.I): a
// parent process that binds the configured listen ports, preforks a
// set of worker processes sharing those listener sockets, and keeps
// the idle/busy/total counts within the configured min/max/spare
// bounds for as long as the pool runs. Each worker runs spec.md §4.H
// against whatever connection it accepts on its own.
//
// No package in the reference pack manages OS-level worker processes
// this way — the closest analog, gliderlabs/ssh's goroutine-per-
// connection model, shares one address space across connections,
// which spec.md's "no shared mutable state" worker requirement rules
// out. This package is grounded instead on the teacher's signal
// handling idiom (cmds/cpud/serve_linux.go's SIGHUP-driven shutdown
// goroutine, generalized to SIGTERM/SIGINT) and its SIGCHLD reaper
// (cmds/dcpud/init.go's syscall.Wait4 loop), composed into the
// min/max/spare discipline spec.md §4.I calls for.
package pool

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/gitpan/arc/errs"
	"github.com/gitpan/arc/logging"
)

// Spawner builds the *exec.Cmd for one worker, given the already-open
// files the worker must inherit: the shared listener(s) first, then
// the status pipe's write end last. The caller (cmd/arcd) owns what
// "worker mode" means for its own binary — typically re-executing
// itself with a "-worker" flag and reading the inherited fds by
// number, the same self-reexec shape a restart-without-downtime
// daemon uses for its children.
type Spawner func(files []*os.File) (*exec.Cmd, error)

// Config parameterizes one Pool exactly per spec.md §4.I.
type Config struct {
	Host  string
	Ports []string

	MinServers           int
	MaxServers           int
	MinSpareServers      int
	MaxSpareServers      int
	MaxRequestsPerWorker int

	// ScaleInterval controls how often the pool reconciles idle/busy
	// counts against the spare bounds. Spec.md places no bound on
	// this; workers report transitions immediately, so this is a
	// backstop, not the primary mechanism.
	ScaleInterval time.Duration

	// DrainTimeout bounds how long Shutdown waits for workers to exit
	// after being signaled; workers still running then are killed and
	// waited for.
	DrainTimeout time.Duration

	Spawn Spawner
	Log   *logging.Logger
}

func (c *Config) setDefaults() {
	if c.ScaleInterval <= 0 {
		c.ScaleInterval = 200 * time.Millisecond
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
}

// Pool is the running parent: the bound listeners, the live worker
// set, and the goroutines that keep it within bounds.
type Pool struct {
	cfg Config

	listeners     []*os.File
	listenerAddrs []string

	mu      sync.Mutex
	workers map[int]*worker // pid -> worker
	closing bool

	statusWg sync.WaitGroup
	scaleCh  chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New binds cfg.Host:cfg.Ports and returns a Pool ready for Run.
func New(cfg Config) (*Pool, error) {
	cfg.setDefaults()
	if cfg.Spawn == nil {
		return nil, errs.New(errs.Config, "pool: Spawn is required", nil)
	}

	p := &Pool{
		cfg:     cfg,
		workers: make(map[int]*worker),
		scaleCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	for _, port := range cfg.Ports {
		ln, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, port))
		if err != nil {
			p.closeListeners()
			return nil, errs.New(errs.Bind, fmt.Sprintf("listen %s:%s", cfg.Host, port), err)
		}
		tl, ok := ln.(*net.TCPListener)
		if !ok {
			p.closeListeners()
			return nil, errs.New(errs.Bind, "listener is not a *net.TCPListener", nil)
		}
		f, err := tl.File()
		if err != nil {
			p.closeListeners()
			return nil, errs.New(errs.Bind, "dup listener fd", err)
		}
		// The dup'd fd in f survives tl.Close(); only f is inherited by
		// workers, so the parent's own net.Listener is no longer needed.
		tl.Close() //nolint:errcheck
		p.listeners = append(p.listeners, f)
		p.listenerAddrs = append(p.listenerAddrs, net.JoinHostPort(cfg.Host, port))
	}
	return p, nil
}

func (p *Pool) closeListeners() {
	for _, f := range p.listeners {
		f.Close() //nolint:errcheck
	}
}

// Addrs reports the bound "host:port" strings, in listen order.
func (p *Pool) Addrs() []string { return append([]string(nil), p.listenerAddrs...) }

// Run spawns MinServers workers and blocks, reconciling the pool
// against its spare bounds, until Shutdown is called. It returns an
// error only if one of the initial MinServers workers fails to spawn;
// a later failed top-up spawn is logged and Run goes on. SIGCHLD is ignored so
// the kernel auto-reaps exited workers (design note §9); the parent
// instead learns of a worker's death from its status pipe reaching
// EOF, with syscall.Wait4(..., WNOHANG, ...) as an explicit fallback
// reap for platforms where SIGCHLD auto-reap doesn't apply.
func (p *Pool) Run() error {
	signal.Ignore(syscall.SIGCHLD)

	for i := 0; i < p.cfg.MinServers; i++ {
		if err := p.spawnWorker(); err != nil {
			return err
		}
	}

	go p.scaleLoop()
	<-p.stopCh
	close(p.doneCh)
	return nil
}

// scaleLoop enforces invariant 5 (min_spare_servers ≤ idle ≤
// max_spare_servers, total ≤ max_servers, total ≥ min_servers),
// waking on every worker status transition plus a periodic backstop
// tick in case a transition notification was coalesced.
func (p *Pool) scaleLoop() {
	ticker := time.NewTicker(p.cfg.ScaleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reconcile()
		case <-p.scaleCh:
			p.reconcile()
		}
	}
}

func (p *Pool) reconcile() {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return
	}
	idle, total := 0, len(p.workers)
	var idleWorkers []*worker
	for _, w := range p.workers {
		if w.status() == statusIdle {
			idle++
			idleWorkers = append(idleWorkers, w)
		}
	}
	p.mu.Unlock()

	// total < MinServers has to top up on its own: a worker retiring
	// (crash, or max_requests_per_worker exhaustion) can leave idle
	// already at MinSpareServers while total has dropped below
	// MinServers, and the idle-only condition alone would never notice.
	for (idle < p.cfg.MinSpareServers || total < p.cfg.MinServers) && total < p.cfg.MaxServers {
		if err := p.spawnWorker(); err != nil {
			if p.cfg.Log != nil {
				p.cfg.Log.Emit(logging.Err, "pool: spawn to top up spares:", err)
			}
			return
		}
		idle++
		total++
	}

	excess := idle - p.cfg.MaxSpareServers
	for i := 0; i < excess && i < len(idleWorkers); i++ {
		idleWorkers[i].terminate()
	}
}

// spawnWorker starts one worker process sharing the pool's listener
// fds plus a fresh status pipe, and begins tracking it.
func (p *Pool) spawnWorker() error {
	statusR, statusW, err := os.Pipe()
	if err != nil {
		return errs.New(errs.Internal, "pool: status pipe", err)
	}

	files := append(append([]*os.File{}, p.listeners...), statusW)
	cmd, err := p.cfg.Spawn(files)
	if err != nil {
		statusR.Close() //nolint:errcheck
		statusW.Close() //nolint:errcheck
		return errs.New(errs.Internal, "pool: build worker command", err)
	}
	cmd.ExtraFiles = files
	if err := cmd.Start(); err != nil {
		statusR.Close() //nolint:errcheck
		statusW.Close() //nolint:errcheck
		return errs.New(errs.ChildSpawn, "pool: start worker", err)
	}
	// The parent's copies of the inherited fds are no longer needed
	// once the child has them; keep the listeners open (shared by
	// every worker) but close this worker's status-pipe write end so
	// EOF on statusR actually fires when the child exits.
	statusW.Close() //nolint:errcheck

	w := &worker{pid: cmd.Process.Pid, cmd: cmd, statusR: statusR, st: statusIdle}
	p.mu.Lock()
	p.workers[w.pid] = w
	p.mu.Unlock()

	p.statusWg.Add(1)
	go p.watchWorker(w)
	return nil
}

// watchWorker reads status-pipe lines until EOF (the worker exited,
// by policy or by crashing), then reaps it and, if the pool is not
// shutting down, wakes the scaler so a replacement is considered.
func (p *Pool) watchWorker(w *worker) {
	defer p.statusWg.Done()
	w.readStatusLoop(func() {
		p.wake()
	})

	// SIGCHLD is ignored at the parent (Run), which on most platforms
	// auto-reaps exited children before this ever runs; this call is
	// the documented fallback for platforms where that isn't true.
	// ECHILD (already reaped) is expected and ignored.
	var ws syscall.WaitStatus
	_, _ = syscall.Wait4(w.pid, &ws, syscall.WNOHANG, nil)

	p.mu.Lock()
	closing := p.closing
	delete(p.workers, w.pid)
	p.mu.Unlock()

	if p.cfg.Log != nil {
		p.cfg.Log.Emit(logging.Debug, "pool: worker", w.pid, "exited")
	}
	if !closing {
		p.wake()
	}
}

func (p *Pool) wake() {
	select {
	case p.scaleCh <- struct{}{}:
	default:
	}
}

// Shutdown forwards SIGTERM to every worker, waits up to
// cfg.DrainTimeout for them to exit, then closes the listener fds.
// Call it in response to SIGTERM/SIGINT (a binary wires that up;
// pool.Run itself never installs a signal handler so callers remain
// free to decide what else a shutdown signal should do).
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return nil
	}
	p.closing = true
	workers := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	for _, w := range workers {
		w.terminate()
	}

	done := make(chan struct{})
	go func() {
		p.statusWg.Wait()
		close(done)
	}()

	var result error
	select {
	case <-done:
	case <-time.After(p.cfg.DrainTimeout):
		p.mu.Lock()
		stragglers := make([]*worker, 0, len(p.workers))
		for _, w := range p.workers {
			stragglers = append(stragglers, w)
		}
		p.mu.Unlock()
		for _, w := range stragglers {
			if err := w.kill(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		<-done
	}

	p.closeListeners()
	close(p.stopCh)
	<-p.doneCh
	return result
}

// Snapshot reports the current idle/busy/total counts, for tests and
// for a status endpoint.
type Snapshot struct {
	Idle  int
	Busy  int
	Total int
}

// Status returns a point-in-time Snapshot of the worker scoreboard.
func (p *Pool) Status() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	var s Snapshot
	s.Total = len(p.workers)
	for _, w := range p.workers {
		if w.status() == statusIdle {
			s.Idle++
		} else {
			s.Busy++
		}
	}
	return s
}
