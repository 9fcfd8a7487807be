// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command arcd is the ARC daemon: a parent process that preforks a
// pool of worker processes (spec.md §4.I) and, in each worker, serves
// accepted connections against spec.md §4.H's handshake and command
// loop. Invoked with "-worker" it instead acts as one such worker,
// the same self-reexec split the teacher's cpud uses between its
// normal and "-remote" invocations.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/gitpan/arc/arc"
	"github.com/gitpan/arc/discovery"
	"github.com/gitpan/arc/logging"
	"github.com/gitpan/arc/pool"
	"github.com/gitpan/arc/server"
)

var (
	configPath = flag.String("F", "/etc/arc/arcd.conf", "config file path")
	ports      = flag.String("p", "", "comma-separated list of ports to listen on (overrides config)")
	pidFile    = flag.String("P", "", "write the daemon's pid to this file (overrides config)")
	debug      = flag.Int("d", -1, "log level bitmask (overrides config); -1 keeps the config value")
	verbose    = flag.Bool("v", false, "enable debug-facility logging")

	worker = flag.Bool("worker", false, "internal: run as a prefork pool worker")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("arcd: %v", err)
	}
	applyOverrides(cfg)

	level := cfg.LogLevel
	if *verbose {
		level |= logging.Debug
	}
	lg, err := newLogger(cfg, level)
	if err != nil {
		log.Fatalf("arcd: %v", err)
	}

	if *worker {
		runWorker(cfg, lg)
		return
	}
	runParent(cfg, lg)
}

// newLogger builds the Logger for cfg.LogDest ("stderr" or "syslog"),
// matching the [logging] destination key.
func newLogger(cfg *daemonConfig, level logging.Facility) (*logging.Logger, error) {
	if cfg.LogDest == "syslog" {
		return logging.NewSyslog(level, "arcd")
	}
	return logging.New(level, "arcd"), nil
}

func applyOverrides(cfg *daemonConfig) {
	if *ports != "" {
		cfg.Ports = splitCSV(*ports)
	}
	if *pidFile != "" {
		cfg.PidFile = *pidFile
	}
	if *debug >= 0 {
		cfg.LogLevel = logging.ParseLevel(*debug)
	}
}

// runParent binds the listeners, starts the prefork pool, advertises
// via mDNS if configured, and blocks until SIGTERM/SIGINT.
func runParent(cfg *daemonConfig, lg *logging.Logger) {
	if cfg.PidFile != "" {
		if err := writePidFile(cfg.PidFile); err != nil {
			log.Fatalf("arcd: %v", err)
		}
		defer os.Remove(cfg.PidFile) //nolint:errcheck
	}

	exe, err := os.Executable()
	if err != nil {
		log.Fatalf("arcd: %v", err)
	}

	p, err := pool.New(pool.Config{
		Host:                 cfg.Host,
		Ports:                cfg.Ports,
		MinServers:           cfg.MinServers,
		MaxServers:           cfg.MaxServers,
		MinSpareServers:      cfg.MinSpareServers,
		MaxSpareServers:      cfg.MaxSpareServers,
		MaxRequestsPerWorker: cfg.MaxRequests,
		Spawn:                workerSpawner(exe, *configPath, lg),
		Log:                  lg,
	})
	if err != nil {
		log.Fatalf("arcd: %v", err)
	}

	var ads []*discovery.Advertisement
	if cfg.DiscoveryAdvertise {
		for _, addr := range p.Addrs() {
			_, portStr, err := net.SplitHostPort(addr)
			if err != nil {
				lg.Emit(logging.Err, "arcd: discovery: bad listener addr", addr, err)
				continue
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				lg.Emit(logging.Err, "arcd: discovery: bad port", portStr, err)
				continue
			}
			a, err := discovery.Advertise(cfg.DiscoveryInstance, "", cfg.DiscoveryService, "", port, nil)
			if err != nil {
				lg.Emit(logging.Err, "arcd: discovery: advertise failed:", err)
				continue
			}
			ads = append(ads, a)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		lg.Emit(logging.Debug, "arcd: shutting down")
		for _, a := range ads {
			a.Stop()
		}
		if err := p.Shutdown(); err != nil {
			lg.Emit(logging.Err, "arcd: shutdown:", err)
		}
	}()

	lg.Emit(logging.Debug, "arcd: listening on", p.Addrs())
	if err := p.Run(); err != nil {
		log.Fatalf("arcd: %v", err)
	}
}

// workerSpawner builds the Spawner the pool calls for each worker: a
// re-exec of this same binary with "-worker" first on argv, the
// config path repeated so the child reloads it independently, exactly
// the teacher's "first argument fixes the invocation" discipline for
// its own remote re-exec.
func workerSpawner(exe, configPath string, lg *logging.Logger) pool.Spawner {
	return func(files []*os.File) (*exec.Cmd, error) {
		cmd := exec.Command(exe, "-worker", "-F", configPath)
		cmd.Stderr = os.Stderr
		cmd.Stdout = os.Stdout
		return cmd, nil
	}
}

// runWorker recovers the inherited listener(s) and status pipe, then
// loops Accept+Serve until cfg.MaxRequests connections have been
// served (0 means unbounded) or SIGTERM arrives between requests.
func runWorker(cfg *daemonConfig, lg *logging.Logger) {
	listeners, status, err := pool.InheritedFiles(len(cfg.Ports))
	if err != nil {
		log.Fatalf("arcd worker: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)
	go func() {
		<-sigCh
		for _, ln := range listeners {
			ln.Close() //nolint:errcheck
		}
	}()

	srv := server.New(server.Config{
		Service:         cfg.Service,
		Timeout:         cfg.Timeout,
		ProtocolVersion: arc.V21,
		BindHost:        cfg.Host,
		Store:           buildStore(cfg.Users),
		Commands:        cfg.Commands,
		ACL:             cfg.ACL,
		Log:             lg,
	})

	// Every configured port gets its own accept loop; cfg.MaxRequests
	// bounds the worker's total requests across all of them combined, so
	// exhausting the budget on one port retires every port in this worker.
	var active, served int64
	reportBusy := func() {
		if atomic.AddInt64(&active, 1) == 1 {
			pool.ReportBusy(status) //nolint:errcheck
		}
	}
	reportIdle := func() {
		if atomic.AddInt64(&active, -1) == 0 {
			pool.ReportIdle(status) //nolint:errcheck
		}
	}

	pool.ReportIdle(status) //nolint:errcheck
	var wg sync.WaitGroup
	for _, ln := range listeners {
		wg.Add(1)
		go func(ln net.Listener) {
			defer wg.Done()
			for {
				if cfg.MaxRequests != 0 && atomic.LoadInt64(&served) >= int64(cfg.MaxRequests) {
					return
				}
				conn, err := ln.Accept()
				if err != nil {
					// Accept fails this way once the SIGTERM handler or the
					// request-budget cutoff below closes this listener; any
					// other failure also just ends this port's accept loop.
					return
				}
				reportBusy()
				if err := srv.Serve(conn); err != nil {
					lg.Emit(logging.Err, "arcd worker: serve:", err)
				}
				reportIdle()
				if cfg.MaxRequests != 0 && atomic.AddInt64(&served, 1) >= int64(cfg.MaxRequests) {
					for _, other := range listeners {
						other.Close() //nolint:errcheck
					}
					return
				}
			}
		}(ln)
	}
	wg.Wait()
}

func writePidFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}
