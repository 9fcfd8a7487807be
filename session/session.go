// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package session spawns the privileged command an arc.Connection
// has authorized, wires its stdio to pipes (or a pty), and collects
// its exit status. It is the server-side half of spec.md §4.H step 3,
// grounded on the pty/winsize handling in the teacher's
// server/server.go handler, stripped of its ssh.Session plumbing and
// namespace-mount logic: ARC spawns under a configured UID/GID, not
// inside a 9p-backed mount namespace.
package session

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"unsafe"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/gitpan/arc/errs"
)

// Spec describes the command to spawn and the credentials to drop to.
type Spec struct {
	Path string
	Args []string
	Env  []string

	// UID/GID of zero mean "don't change credentials" (used by tests
	// run unprivileged; a real deployment always configures both).
	UID uint32
	GID uint32

	UseTTY bool
	Cols   int
	Rows   int
}

// Process is a running (or exited) child.
type Process struct {
	cmd *exec.Cmd
	tty *os.File // non-nil iff Spec.UseTTY

	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File // nil when UseTTY: pty merges stderr into Stdout
}

// Start execs spec.Path, dropping to spec.UID/spec.GID via the
// standard os/exec credential hook before the fork+exec happens — the
// same point the kernel itself applies setreuid/setregid for a
// privilege-dropping exec, just expressed through syscall.Credential
// instead of calling unix.Setreuid by hand.
func Start(spec Spec) (*Process, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	if spec.UID != 0 || spec.GID != 0 {
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Credential: &syscall.Credential{Uid: spec.UID, Gid: spec.GID},
		}
	}

	if spec.UseTTY {
		f, err := pty.Start(cmd)
		if err != nil {
			return nil, errs.New(errs.ChildSpawn, fmt.Sprintf("pty.Start %s", spec.Path), err)
		}
		if spec.Cols > 0 && spec.Rows > 0 {
			setWinsize(f, spec.Cols, spec.Rows)
		}
		return &Process{cmd: cmd, tty: f, Stdin: f, Stdout: f}, nil
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errs.New(errs.ChildSpawn, "stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errs.New(errs.ChildSpawn, "stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errs.New(errs.ChildSpawn, "stderr pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, errs.New(errs.ChildSpawn, fmt.Sprintf("exec %s", spec.Path), err)
	}

	p := &Process{cmd: cmd}
	p.Stdin, _ = stdin.(*os.File)
	p.Stdout, _ = stdout.(*os.File)
	p.Stderr, _ = stderr.(*os.File)
	if p.Stdin == nil || p.Stdout == nil {
		// *os.StdinPipe et al. return *os.File in practice; this guards
		// against a future stdlib change silently breaking the assumption
		// the relay depends on.
		return nil, errs.New(errs.Internal, "pipe was not backed by an *os.File", nil)
	}
	return p, nil
}

// Resize propagates a client terminal resize to the pty, a no-op if
// the child has no tty.
func (p *Process) Resize(cols, rows int) {
	if p.tty != nil {
		setWinsize(p.tty, cols, rows)
	}
}

// setWinsize performs the TIOCSWINSZ ioctl the teacher's server used
// directly; kept as a raw syscall rather than a termios wrapper since
// that's exactly how the grounding code does it.
func setWinsize(f *os.File, cols, rows int) {
	unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(unix.TIOCSWINSZ), //nolint:errcheck
		uintptr(unsafe.Pointer(&struct{ rows, cols, x, y uint16 }{uint16(rows), uint16(cols), 0, 0})))
}

// Signal sends sig to the child, used by the timeout path in §5 to
// terminate a hung command.
func (p *Process) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(sig)
}

// Wait blocks for the child to exit and returns its exit status. A
// child killed by signal reports 128+signal, the POSIX shell
// convention, since spec.md's EXIT verb carries a bare integer.
func (p *Process) Wait() (int, error) {
	err := p.cmd.Wait()
	if p.tty != nil {
		p.tty.Close() //nolint:errcheck
	}
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal()), nil
		}
		return exitErr.ExitCode(), nil
	}
	return -1, errs.New(errs.Internal, "wait", err)
}

func asExitError(err error, target **exec.ExitError) bool {
	if e, ok := err.(*exec.ExitError); ok {
		*target = e
		return true
	}
	return false
}
