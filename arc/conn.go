// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package arc is the shared ARC protocol engine: the verb vocabulary,
// the expected-next-verb gate, and the Connection type both the
// client and server roles build their state machines on top of.
//
// The original design shares this behavior through a base class and
// two role subclasses. Go has no classical inheritance, so Connection
// is a single concrete type parameterized by a Role tag; client and
// server each install their own DispatchTable rather than overriding
// methods.
package arc

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/gitpan/arc/errs"
	"github.com/gitpan/arc/sasl"
	"github.com/gitpan/arc/wire"
)

// Verb vocabulary, spec.md §4.E.
const (
	VerbAuth    = "AUTH"
	VerbSASL    = "SASL"
	VerbOK      = "OK"
	VerbErr     = "ERR"
	VerbCmd     = "CMD"
	VerbCmdPasv = "CMDPASV"
	VerbCmdPort = "CMDPORT"
	VerbData    = "DATA"
	VerbExit    = "EXIT"
	VerbQuit    = "QUIT"
)

// ProtocolVersion pins which verbs are legal on a Connection.
// CMDPORT only exists in ARC/2.1: invariant 1 (no verb outside the
// active version's vocabulary) is enforced by never adding CMDPORT to
// an ARC/2.0 connection's allowed outgoing verbs or expected set.
type ProtocolVersion string

const (
	V20 ProtocolVersion = "ARC/2.0"
	V21 ProtocolVersion = "ARC/2.1"
)

// SupportsCmdport reports whether v's vocabulary includes CMDPORT.
func (v ProtocolVersion) SupportsCmdport() bool { return v == V21 }

// Role distinguishes which side of the handshake a Connection drives.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// State is the Connection's position in the spec.md §4.E state
// machine. Both roles share these states; which verbs are legal in
// each is a function of Role plus State, expressed by the
// role-specific package that installs the DispatchTable.
type State int

const (
	StateInit State = iota
	StateNegotiating
	StateAuthed
	StateDataSetup
	StateRelay
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateNegotiating:
		return "NEGOTIATING"
	case StateAuthed:
		return "AUTHED"
	case StateDataSetup:
		return "DATA_SETUP"
	case StateRelay:
		return "RELAY"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// HandlerFunc processes one incoming verb's payload. It is
// responsible for calling Expect to set the next permitted verb set
// before returning.
type HandlerFunc func(c *Connection, param string) error

// DispatchTable maps a verb to the handler that processes it. It
// replaces the source's eval-based "verb to method name" dispatch
// (design note §9) with a static map built by the role package.
type DispatchTable map[string]HandlerFunc

// Connection is one ARC session, client- or server-side. It owns the
// control line codec, the SASL negotiator, and — for the lifetime of
// one command — the data channel socket.
type Connection struct {
	errs.Carrier

	ID              string
	ProtocolVersion ProtocolVersion
	Role            Role
	Timeout         time.Duration

	control *wire.Framer
	dataConn net.Conn

	SASL *sasl.Negotiator

	authenticated bool
	connected     bool
	peerIdentity  string

	expectedNext map[string]bool
	commandParam string

	state    State
	dispatch DispatchTable

	Log func(facility int, parts ...interface{})
}

// New wraps ctrl in a Connection for role, starting in StateInit with
// expected_next = {AUTH} per spec.md §4.H step 1. negotiator may be
// nil and set later through the SASL field.
func New(role Role, version ProtocolVersion, ctrl net.Conn, timeout time.Duration, negotiator *sasl.Negotiator) *Connection {
	c := &Connection{
		ID:              uuid.NewString(),
		ProtocolVersion: version,
		Role:            role,
		Timeout:         timeout,
		control:         wire.New(ctrl),
		SASL:            negotiator,
		peerIdentity:    "anonymous",
		connected:       true,
		state:           StateInit,
		expectedNext:    map[string]bool{},
	}
	c.Carrier.Emit = func(format string, args ...interface{}) {
		if c.Log != nil {
			c.Log(int(logEmitErrFacility), fmt.Sprintf(format, args...))
		}
	}
	c.Expect(VerbAuth)
	return c
}

// logEmitErrFacility mirrors logging.Err without importing the
// logging package, which would create an import cycle (logging has no
// reason to know about arc, but arc's error carrier needs a facility
// bit to tag its own emissions with).
const logEmitErrFacility = 4

// SetDispatch installs the verb→handler table this Connection's
// Process calls into. The server package builds a fresh table for each
// connection in Serve; the client package installs none.
func (c *Connection) SetDispatch(t DispatchTable) { c.dispatch = t }

// Expect replaces the expected-next set wholesale. An empty call
// (Expect()) means "end of session" per invariant 5.
func (c *Connection) Expect(verbs ...string) {
	next := make(map[string]bool, len(verbs))
	for _, v := range verbs {
		next[v] = true
	}
	c.expectedNext = next
}

// ExpectedNext reports the currently permitted next verbs.
func (c *Connection) ExpectedNext() []string {
	out := make([]string, 0, len(c.expectedNext))
	for v := range c.expectedNext {
		out = append(out, v)
	}
	return out
}

// State reports the current state-machine position.
func (c *Connection) State() State { return c.state }

// SetState transitions the Connection's state. Handlers call this
// directly; it does not itself touch expected_next, since some
// transitions (ERR) close the session without changing what would
// have been legal next.
func (c *Connection) SetState(s State) { c.state = s }

// Process verifies verb is legal per expected_next and dispatches it,
// per spec.md §4.E process_line. A verb outside expected_next is a
// ProtocolError and closes the session, matching invariant 2.
func (c *Connection) Process(verb, param string) error {
	if !c.expectedNext[verb] {
		_ = c.SendVerb(VerbErr, "protocol")
		c.state = StateClosed
		return c.SetError(fmt.Sprintf("unexpected verb %q (expected one of %v)", verb, c.ExpectedNext()),
			errs.Sentinel(errs.Protocol))
	}
	h, ok := c.dispatch[verb]
	if !ok {
		_ = c.SendVerb(VerbErr, "protocol")
		c.state = StateClosed
		return c.SetError(fmt.Sprintf("no handler registered for verb %q", verb), errs.Sentinel(errs.Protocol))
	}
	c.commandParam = param
	if err := h(c, param); err != nil {
		c.state = StateClosed
		return err
	}
	return nil
}

// RecvVerb blocks for the next control line and splits it into a verb
// and payload, unwrapping/decoding as wire.Framer requires.
func (c *Connection) RecvVerb() (verb, param string, err error) {
	line, err := c.control.RecvLine(c.Timeout)
	if err != nil {
		return "", "", err
	}
	verb, param = wire.SplitVerb(line)
	return verb, param, nil
}

// SendVerb writes one control line.
func (c *Connection) SendVerb(verb string, parts ...string) error {
	return c.control.SendLine(append([]string{verb}, parts...)...)
}

// Authenticate marks the Connection authenticated with identity, wires
// the SASL negotiator in as the line codec's wrap/unwrap layer (per
// invariant 4), and enforces invariant 2 by refusing an empty
// identity.
func (c *Connection) Authenticate(identity string) error {
	if identity == "" {
		return c.SetError("empty identity from SASL", errs.Sentinel(errs.Auth))
	}
	c.authenticated = true
	c.peerIdentity = identity
	c.control.SetCoder(c.SASL)
	return nil
}

// Authenticated reports whether SASL completed with a non-empty
// identity.
func (c *Connection) Authenticated() bool { return c.authenticated }

// PeerIdentity is the authenticated username, or "anonymous" pre-auth.
func (c *Connection) PeerIdentity() string { return c.peerIdentity }

// CommandParam is the argument string of the most recently processed
// control line.
func (c *Connection) CommandParam() string { return c.commandParam }

// SetDataConn attaches the data channel socket for the duration of
// one command (invariant 3).
func (c *Connection) SetDataConn(conn net.Conn) { c.dataConn = conn }

// DataConn returns the currently attached data channel socket, or nil
// between commands.
func (c *Connection) DataConn() net.Conn { return c.dataConn }

// CloseDataConn closes and detaches the data channel socket, required
// before returning to the idle control state per invariant 3.
func (c *Connection) CloseDataConn() error {
	if c.dataConn == nil {
		return nil
	}
	err := c.dataConn.Close()
	c.dataConn = nil
	return err
}

// Control exposes the underlying line codec, e.g. for tests.
func (c *Connection) Control() *wire.Framer { return c.control }

// Close tears down the control socket (and data socket, if any) and
// marks the Connection CLOSED.
func (c *Connection) Close() error {
	c.state = StateClosed
	c.connected = false
	_ = c.CloseDataConn()
	return c.control.Close()
}

// Connected reports whether the control socket is still usable.
func (c *Connection) Connected() bool { return c.connected }
