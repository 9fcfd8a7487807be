// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/gitpan/arc/arc"
	"github.com/gitpan/arc/datachan"
	"github.com/gitpan/arc/errs"
	"github.com/gitpan/arc/logging"
	"github.com/gitpan/arc/sasl"
	"github.com/gitpan/arc/session"
)

// defaultCols/defaultRows size a TTY command's pty when the client
// hasn't negotiated a size; ARC's wire protocol carries no terminal
// resize verb, so this is fixed rather than per-session.
const (
	defaultCols = 80
	defaultRows = 24
)

// Config is everything a Server needs to drive one or many
// connections, assembled from the [main]/[arcd]/[commands]/[users]
// config sections.
type Config struct {
	Service         string
	Timeout         time.Duration
	ProtocolVersion arc.ProtocolVersion
	BindHost        string // interface to advertise the data channel on

	Store    *sasl.Store
	Commands map[string]Command
	ACL      ACL

	// RunAs resolves a command's configured child UID/GID. Nil means
	// run under the arcd process's own credentials (only appropriate
	// for development).
	RunAs func(command string) (uid, gid uint32)

	Log *logging.Logger
}

// Server drives the handshake-responder and command dispatch loop of
// spec.md §4.H for every connection handed to it by the prefork pool.
type Server struct {
	cfg Config
}

// New builds a Server from cfg.
func New(cfg Config) *Server {
	if cfg.RunAs == nil {
		cfg.RunAs = func(string) (uint32, uint32) { return 0, 0 }
	}
	return &Server{cfg: cfg}
}

// Serve drives one accepted control socket end to end: handshake,
// command loop, teardown. A worker calls Serve once per accepted
// connection and then loops back to accept the next one.
func (s *Server) Serve(conn net.Conn) error {
	neg := sasl.New(sasl.Responder, s.cfg.Service, sasl.DefaultServerRegistry(s.cfg.Store))
	c := arc.New(arc.RoleServer, s.cfg.ProtocolVersion, conn, s.cfg.Timeout, neg)
	c.Log = func(facility int, parts ...interface{}) {
		if s.cfg.Log != nil {
			s.cfg.Log.Emit(logging.Facility(facility), parts...)
		}
	}
	c.SetDispatch(s.dispatch())
	defer c.Close() //nolint:errcheck

	for c.State() != arc.StateClosed {
		verb, param, err := c.RecvVerb()
		if err != nil {
			if peerClosedWhileIdle(err, c.State()) {
				return nil
			}
			return err
		}
		if err := c.Process(verb, param); err != nil {
			return err
		}
	}
	return nil
}

// peerClosedWhileIdle reports the one case spec.md §7 calls out as
// non-error: the peer dropped the connection while the server was
// simply waiting for its next command.
func peerClosedWhileIdle(err error, state arc.State) bool {
	if state != arc.StateAuthed {
		return false
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	var e *errs.Error
	return errors.As(err, &e) && e.Kind == errs.PeerClosed
}

// dispatch builds the server's static verb→handler table (design note
// §9: no eval-based dispatch).
func (s *Server) dispatch() arc.DispatchTable {
	return arc.DispatchTable{
		arc.VerbAuth: s.handleAuth,
		arc.VerbSASL: s.handleSASL,
		arc.VerbCmd:  s.handleCmd,
		arc.VerbData: s.handleData,
		arc.VerbQuit: s.handleQuit,
	}
}

func (s *Server) handleAuth(c *arc.Connection, param string) error {
	offered := strings.Fields(param)
	name, err := c.SASL.ChooseMechanism(offered)
	if err != nil {
		_ = c.SendVerb(arc.VerbErr, "no mutually supported mechanism")
		return c.SetError("auth", err)
	}
	if err := c.SASL.Select(name); err != nil {
		_ = c.SendVerb(arc.VerbErr, "mechanism selection failed")
		return c.SetError("auth", err)
	}
	if err := c.SendVerb(arc.VerbOK, name); err != nil {
		return c.SetError("auth: send OK", err)
	}
	c.SetState(arc.StateNegotiating)

	if c.SASL.RespondsFirst() {
		out, done, err := c.SASL.Step(nil)
		if err != nil {
			_ = c.SendVerb(arc.VerbErr, "auth failed")
			return c.SetError("auth: first step", err)
		}
		if done {
			return s.finishAuth(c)
		}
		if err := c.SendVerb(arc.VerbSASL, base64.StdEncoding.EncodeToString(out)); err != nil {
			return c.SetError("auth: send challenge", err)
		}
	}
	c.Expect(arc.VerbSASL)
	return nil
}

func (s *Server) handleSASL(c *arc.Connection, param string) error {
	in, err := base64.StdEncoding.DecodeString(param)
	if err != nil {
		_ = c.SendVerb(arc.VerbErr, "malformed sasl token")
		return c.SetError("sasl", err)
	}
	out, done, err := c.SASL.Step(in)
	if err != nil {
		_ = c.SendVerb(arc.VerbErr, "auth failed")
		return c.SetError("sasl", err)
	}
	if done {
		return s.finishAuth(c)
	}
	if err := c.SendVerb(arc.VerbSASL, base64.StdEncoding.EncodeToString(out)); err != nil {
		return c.SetError("sasl: send", err)
	}
	c.Expect(arc.VerbSASL)
	return nil
}

func (s *Server) finishAuth(c *arc.Connection) error {
	identity := c.SASL.AuthenticatedUser()
	if identity == "" {
		_ = c.SendVerb(arc.VerbErr, "auth failed")
		return c.Authenticate(identity)
	}
	// The final OK goes out as a plain line: the peer switches to the
	// wrapped, base64-encoded form only after reading it.
	if err := c.SendVerb(arc.VerbOK, "authenticated"); err != nil {
		return c.SetError("auth: send OK", err)
	}
	if err := c.Authenticate(identity); err != nil {
		return err
	}
	if s.cfg.Log != nil {
		s.cfg.Log.Emit(logging.Auth, c.ID, "authenticated", c.PeerIdentity())
	}
	c.SetState(arc.StateAuthed)
	c.Expect(arc.VerbCmd, arc.VerbQuit)
	return nil
}

func (s *Server) handleCmd(c *arc.Connection, param string) error {
	if !c.Authenticated() {
		_ = c.SendVerb(arc.VerbErr, "not authenticated")
		return c.SetError("cmd", errs.Sentinel(errs.Protocol))
	}

	name, args := splitCmd(param)
	cmdDef, ok := s.cfg.Commands[name]
	if !ok {
		_ = c.SendVerb(arc.VerbErr, "unknown command")
		c.Expect(arc.VerbCmd, arc.VerbQuit)
		return nil
	}
	if s.cfg.ACL != nil && !s.cfg.ACL.Allow(c.PeerIdentity(), name) {
		_ = c.SendVerb(arc.VerbErr, "not authorized")
		c.Expect(arc.VerbCmd, arc.VerbQuit)
		return nil
	}

	uid, gid := s.cfg.RunAs(name)
	argv := append(append([]string{}, cmdDef.Args...), args...)
	spec := session.Spec{Path: cmdDef.Path, Args: argv, UID: uid, GID: gid}
	if cmdDef.TTY {
		spec.UseTTY = true
		spec.Cols, spec.Rows = defaultCols, defaultRows
	}
	proc, err := session.Start(spec)
	if err != nil {
		_ = c.SendVerb(arc.VerbErr, "spawn failed")
		c.Expect(arc.VerbCmd, arc.VerbQuit)
		return nil
	}

	ln, err := datachan.Listen(s.cfg.BindHost)
	if err != nil {
		_ = c.SendVerb(arc.VerbErr, "data channel setup failed")
		c.Expect(arc.VerbCmd, arc.VerbQuit)
		return err
	}
	if err := c.SendVerb(arc.VerbCmdPasv, ln.Addr()); err != nil {
		ln.Close() //nolint:errcheck
		return c.SetError("cmd: send CMDPASV", err)
	}
	c.SetState(arc.StateDataSetup)

	dataConn, err := ln.Accept(c.Timeout)
	if err != nil {
		_ = c.SendVerb(arc.VerbErr, "data channel timed out")
		c.Expect(arc.VerbCmd, arc.VerbQuit)
		return err
	}
	c.SetDataConn(dataConn)
	if err := datachan.RecvReady(dataConn); err != nil {
		_ = c.CloseDataConn()
		_ = c.SendVerb(arc.VerbErr, "data channel handshake failed")
		c.Expect(arc.VerbCmd, arc.VerbQuit)
		return err
	}
	c.SetState(arc.StateRelay)

	relayErr := datachan.Relay(context.Background(), dataConn, c.SASL, proc.Stdout, proc.Stdin, c.Timeout, true)
	if relayErr != nil {
		// A failed relay (a data-channel timeout included) ends the
		// command: terminate the child instead of waiting on it.
		_ = proc.Signal(syscall.SIGKILL)
	}
	status, waitErr := proc.Wait()
	_ = c.CloseDataConn()

	c.SetState(arc.StateAuthed)
	c.Expect(arc.VerbCmd, arc.VerbQuit)

	if relayErr != nil {
		_ = c.SendVerb(arc.VerbExit, "-1")
		return c.SetError("cmd: relay", relayErr)
	}
	if waitErr != nil {
		status = -1
	}
	return c.SendVerb(arc.VerbExit, fmt.Sprintf("%d", status))
}

// handleData exists because DATA is nominally a control verb
// (spec.md §4.E); this server drives the data channel directly from
// handleCmd rather than waiting for a DATA line, so in practice DATA
// is never the next expected verb here and Process rejects a DATA line
// before this handler is reached. If called, it only resets the
// expected set to {CMD, QUIT}.
func (s *Server) handleData(c *arc.Connection, param string) error {
	c.Expect(arc.VerbCmd, arc.VerbQuit)
	return nil
}

func (s *Server) handleQuit(c *arc.Connection, param string) error {
	_ = c.SendVerb(arc.VerbOK, "bye")
	c.SetState(arc.StateClosed)
	c.Expect()
	return nil
}

func splitCmd(param string) (name string, args []string) {
	fields := strings.Fields(param)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}
