// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pool

import (
	"bufio"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/gitpan/arc/errs"
)

// status lines a worker writes to its inherited status pipe. Plain
// text, CRLF-free, one line per transition — the same ASCII-line
// discipline as the control channel, just without a VERB/payload
// split since there is never a payload.
const (
	statusLineIdle = "IDLE"
	statusLineBusy = "BUSY"
)

type workerState int

const (
	statusIdle workerState = iota
	statusBusy
)

// worker is the parent's bookkeeping for one live child process.
type worker struct {
	pid     int
	cmd     *exec.Cmd
	statusR *os.File

	stMu sync.Mutex
	st   workerState
}

func (w *worker) status() workerState {
	w.stMu.Lock()
	defer w.stMu.Unlock()
	return w.st
}

func (w *worker) setStatus(s workerState) {
	w.stMu.Lock()
	w.st = s
	w.stMu.Unlock()
}

// readStatusLoop consumes status lines until the worker exits and its
// write end closes (EOF), calling wake after every transition so the
// pool's scaler reconciles promptly instead of waiting for its next
// backstop tick.
func (w *worker) readStatusLoop(wake func()) {
	defer w.statusR.Close() //nolint:errcheck
	scanner := bufio.NewScanner(w.statusR)
	for scanner.Scan() {
		switch strings.TrimSpace(scanner.Text()) {
		case statusLineIdle:
			w.setStatus(statusIdle)
		case statusLineBusy:
			w.setStatus(statusBusy)
		}
		wake()
	}
}

// terminate asks the worker to exit once it is done with (or not
// currently in) a request: SIGTERM, which a worker's signal handler
// turns into "finish the in-flight request, then exit instead of
// accepting another" (spec.md §4.I's "the worker exits cleanly").
func (w *worker) terminate() error {
	if w.cmd.Process == nil {
		return nil
	}
	return w.cmd.Process.Signal(syscall.SIGTERM)
}

// kill is the Shutdown drain-timeout escalation: a worker that didn't
// exit on its own gets SIGKILL rather than holding up the pool
// indefinitely.
func (w *worker) kill() error {
	if w.cmd.Process == nil {
		return nil
	}
	if err := w.cmd.Process.Kill(); err != nil {
		return errs.New(errs.Internal, "pool: kill worker", err)
	}
	return nil
}

// ReportIdle and ReportBusy are called by the worker-mode side of the
// binary the Pool spawns (cmd/arcd -worker), writing the status line
// the parent's readStatusLoop consumes. w is the status pipe handed
// to the worker via InheritedFiles.
func ReportIdle(w *os.File) error { return reportStatus(w, statusLineIdle) }
func ReportBusy(w *os.File) error { return reportStatus(w, statusLineBusy) }

func reportStatus(w *os.File, line string) error {
	_, err := w.Write([]byte(line + "\n"))
	return err
}

// InheritedFiles recovers the files a worker process was spawned
// with: numListeners shared listener sockets followed by one status
// pipe, in the same order Pool.spawnWorker passed them as
// cmd.ExtraFiles (inherited starting at fd 3, the standard
// os/exec.ExtraFiles convention).
func InheritedFiles(numListeners int) (listeners []net.Listener, status *os.File, err error) {
	const firstInherited = 3
	for i := 0; i < numListeners; i++ {
		f := os.NewFile(uintptr(firstInherited+i), "listener")
		if f == nil {
			return nil, nil, errs.New(errs.Internal, "pool: missing inherited listener fd", nil)
		}
		ln, lerr := net.FileListener(f)
		if lerr != nil {
			return nil, nil, errs.New(errs.Internal, "pool: FileListener", lerr)
		}
		listeners = append(listeners, ln)
	}
	status = os.NewFile(uintptr(firstInherited+numListeners), "status")
	if status == nil {
		return nil, nil, errs.New(errs.Internal, "pool: missing inherited status fd", nil)
	}
	return listeners, status, nil
}
