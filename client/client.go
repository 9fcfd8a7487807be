// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package client implements the initiator side of one ARC session
// (spec.md §4.G): dial, drive the AUTH/SASL handshake, and for each
// user request send CMD, follow CMDPASV to the data channel, relay
// local stdio, and collect EXIT. Grounded on the teacher's
// client/client.go Cmd type (Command/Dial/Start/Wait/Close shape,
// TTYIn's tilde-escape reader, SetupInteractive's raw-mode dance),
// generalized from an ssh.Client-backed session to arc.Connection and
// from key-based auth to SASL.
package client

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	config "github.com/kevinburke/ssh_config"
	"github.com/u-root/u-root/pkg/termios"

	"github.com/gitpan/arc/arc"
	"github.com/gitpan/arc/datachan"
	"github.com/gitpan/arc/discovery"
	"github.com/gitpan/arc/errs"
	"github.com/gitpan/arc/sasl"
)

// V allows debug printing; the CLI front end installs its -d handler
// here the same way the teacher's cpu package exposed a package-level
// V.
var V = func(string, ...interface{}) {}

const (
	// DefaultPort is arcd's default listening port.
	DefaultPort = "4282"

	defaultTimeout = 30 * time.Second
)

// Client is one ARC session, built with New and driven with Dial, Run
// (repeatable for multiple commands) and Close.
type Client struct {
	Host     string
	HostName string
	Port     string
	Timeout  time.Duration

	ProtocolVersion arc.ProtocolVersion
	Mechanisms      []string // offered in priority order; nil offers every registered mechanism

	Credentials *sasl.ClientCredentials

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	conn *arc.Connection
}

// New builds a Client for host.
func New(host string) *Client {
	return &Client{
		Host:            host,
		HostName:        GetHostName(host),
		Port:            DefaultPort,
		Timeout:         defaultTimeout,
		ProtocolVersion: arc.V21,
		Stdin:           os.Stdin,
		Stdout:          os.Stdout,
		Stderr:          os.Stderr,
	}
}

// WithPort sets the port Dial connects to. GetPort uses a non-empty
// port as is, ahead of any configured Port entry.
func (c *Client) WithPort(port string) *Client {
	c.Port = port
	return c
}

// WithTimeout overrides the control-line and data-channel timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.Timeout = d
	return c
}

// WithCredentials sets the SASL credentials offered during Dial.
func (c *Client) WithCredentials(creds *sasl.ClientCredentials) *Client {
	c.Credentials = creds
	return c
}

// WithMechanisms restricts which SASL mechanisms this Client offers,
// strongest first. Nil (the default) offers every mechanism this
// package implements.
func (c *Client) WithMechanisms(names ...string) *Client {
	c.Mechanisms = names
	return c
}

// Dial resolves the host (via mDNS if it names a dnssd: URI, else via
// the HostName alias GetHostName found, else literally), connects the control
// socket, and drives the handshake to AUTHED.
func (c *Client) Dial() error {
	addr, err := c.resolveAddr()
	if err != nil {
		return err
	}
	V("client: dialing %s", addr)

	conn, err := net.DialTimeout("tcp", addr, c.Timeout)
	if err != nil {
		return errs.New(errs.Internal, fmt.Sprintf("dial %s", addr), err)
	}

	neg := sasl.New(sasl.Initiator, "arc", sasl.DefaultClientRegistry(c.Credentials))
	c.conn = arc.New(arc.RoleClient, c.ProtocolVersion, conn, c.Timeout, neg)
	c.conn.Log = func(facility int, parts ...interface{}) { V("client: %v", parts) }

	return c.authenticate()
}

func (c *Client) resolveAddr() (string, error) {
	if strings.HasPrefix(c.Host, "dnssd:") {
		q, err := discovery.ParseURI(c.Host)
		if err != nil {
			return "", err
		}
		return discovery.Resolve(q)
	}
	port, err := GetPort(c.HostName, c.Port)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(c.HostName, port), nil
}

// authenticate drives spec.md §4.G's "sends AUTH, drives SASL until
// OK": offer mechanisms, pick whichever the server selects, then step
// the exchange to completion.
func (c *Client) authenticate() error {
	offer := c.Mechanisms
	if len(offer) == 0 {
		offer = sasl.DefaultClientRegistry(c.Credentials).Names()
	}
	if err := c.conn.SendVerb(arc.VerbAuth, strings.Join(offer, " ")); err != nil {
		return err
	}

	verb, param, err := c.conn.RecvVerb()
	if err != nil {
		return err
	}
	if verb == arc.VerbErr {
		return errs.New(errs.Auth, fmt.Sprintf("server rejected AUTH: %s", param), nil)
	}
	if verb != arc.VerbOK {
		return errs.New(errs.Protocol, fmt.Sprintf("expected OK, got %s %s", verb, param), nil)
	}
	if err := c.conn.SASL.Select(param); err != nil {
		return err
	}
	c.conn.SetState(arc.StateNegotiating)

	var out []byte
	var done bool
	if !c.conn.SASL.RespondsFirst() {
		if out, done, err = c.conn.SASL.Step(nil); err != nil {
			return errs.New(errs.Auth, "sasl: initial step", err)
		}
		if err := c.sendStepOrFinish(out, done); err != nil {
			return err
		}
		if done {
			return c.finishAuth()
		}
	}

	for {
		verb, param, err := c.conn.RecvVerb()
		if err != nil {
			return err
		}
		switch verb {
		case arc.VerbErr:
			return errs.New(errs.Auth, fmt.Sprintf("auth failed: %s", param), nil)
		case arc.VerbOK:
			c.conn.SetState(arc.StateAuthed)
			return c.conn.Authenticate(c.username())
		case arc.VerbSASL:
			in, derr := base64.StdEncoding.DecodeString(param)
			if derr != nil {
				return errs.New(errs.Protocol, "malformed sasl token", derr)
			}
			out, done, err = c.conn.SASL.Step(in)
			if err != nil {
				return errs.New(errs.Auth, "sasl: step", err)
			}
			if err := c.sendStepOrFinish(out, done); err != nil {
				return err
			}
			if done {
				return c.finishAuth()
			}
		default:
			return errs.New(errs.Protocol, fmt.Sprintf("unexpected verb during auth: %s", verb), nil)
		}
	}
}

func (c *Client) sendStepOrFinish(out []byte, done bool) error {
	if out == nil && done {
		return nil
	}
	return c.conn.SendVerb(arc.VerbSASL, base64.StdEncoding.EncodeToString(out))
}

// finishAuth waits for the server's final OK after this Client's last
// SASL step, then marks the Connection authenticated.
func (c *Client) finishAuth() error {
	verb, param, err := c.conn.RecvVerb()
	if err != nil {
		return err
	}
	if verb == arc.VerbErr {
		return errs.New(errs.Auth, fmt.Sprintf("auth failed: %s", param), nil)
	}
	if verb != arc.VerbOK {
		return errs.New(errs.Protocol, fmt.Sprintf("expected OK, got %s %s", verb, param), nil)
	}
	c.conn.SetState(arc.StateAuthed)
	return c.conn.Authenticate(c.username())
}

// username is the identity this Client authenticated as. An initiator's
// Negotiator reports no identity, so it comes from Credentials.
func (c *Client) username() string {
	if c.Credentials == nil {
		return ""
	}
	return c.Credentials.Username
}

// Run issues one command and blocks until it completes, relaying
// c.Stdin/c.Stdout over the data channel and returning the remote
// exit status (spec.md §4.G: "sends CMD name args ... waits for EXIT
// status, propagates status to the caller").
func (c *Client) Run(name string, args ...string) (int, error) {
	if c.conn == nil || c.conn.State() != arc.StateAuthed {
		return -1, errs.New(errs.Protocol, "run called before a successful Dial", nil)
	}

	param := name
	if len(args) > 0 {
		param = name + " " + strings.Join(args, " ")
	}
	if err := c.conn.SendVerb(arc.VerbCmd, param); err != nil {
		return -1, err
	}

	verb, resp, err := c.conn.RecvVerb()
	if err != nil {
		return -1, err
	}
	if verb == arc.VerbErr {
		return -1, errs.New(errs.Authorization, resp, nil)
	}
	if verb != arc.VerbCmdPasv {
		return -1, errs.New(errs.Protocol, fmt.Sprintf("expected CMDPASV, got %s %s", verb, resp), nil)
	}
	c.conn.SetState(arc.StateDataSetup)

	dataConn, err := datachan.Dial(resp, c.Timeout)
	if err != nil {
		return -1, err
	}
	defer dataConn.Close() //nolint:errcheck

	if err := datachan.SendReady(dataConn); err != nil {
		return -1, err
	}
	c.conn.SetState(arc.StateRelay)

	restore := c.enterRawMode()
	defer restore()

	if err := datachan.Relay(context.Background(), dataConn, c.conn.SASL, c.Stdin, c.Stdout, c.Timeout, false); err != nil {
		return -1, err
	}

	verb, resp, err = c.conn.RecvVerb()
	if err != nil {
		return -1, err
	}
	c.conn.SetState(arc.StateAuthed)
	if verb != arc.VerbExit {
		return -1, errs.New(errs.Protocol, fmt.Sprintf("expected EXIT, got %s %s", verb, resp), nil)
	}
	var status int
	if _, serr := fmt.Sscanf(resp, "%d", &status); serr != nil {
		return -1, errs.New(errs.Protocol, fmt.Sprintf("malformed EXIT status %q", resp), serr)
	}
	return status, nil
}

// enterRawMode puts the local terminal in raw mode for the duration of
// an interactive command, the same SetupInteractive dance the teacher
// performed before relaying stdin, and returns a func restoring it.
// Failure to get a terminal (stdin is a pipe, e.g. under a test) is
// not fatal: Run proceeds without raw mode.
func (c *Client) enterRawMode() func() {
	t, err := termios.New()
	if err != nil {
		V("client: not a terminal, skipping raw mode: %v", err)
		return func() {}
	}
	saved, err := t.Raw()
	if err != nil {
		V("client: termios.Raw failed: %v", err)
		return func() {}
	}
	return func() {
		if err := t.Set(saved); err != nil {
			V("client: restoring terminal mode: %v", err)
		}
	}
}

// Quit sends QUIT and reads one reply line (the server answers OK),
// ending the session cleanly. The reply's verb is not checked.
func (c *Client) Quit() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.SendVerb(arc.VerbQuit); err != nil {
		return err
	}
	_, _, err := c.conn.RecvVerb()
	return err
}

// Close ends the session, sending QUIT first if it is still
// authenticated, and aggregates whatever went wrong along the way the
// same way the teacher's Cmd.Close did with go-multierror: a failure
// to say goodbye cleanly should not hide a failure to close the
// socket afterward.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	var result error
	if c.conn.State() == arc.StateAuthed {
		if err := c.Quit(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := c.conn.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}

// TTYIn copies r to w, watching for the ~. escape sequence the teacher
// used to let an interactive user force-close a stuck session.
func TTYIn(closer func() error, w io.Writer, r io.Reader) {
	var newLine, tilde bool
	tildeByte := []byte{'~'}
	var b [1]byte
	for {
		if _, err := r.Read(b[:]); err != nil {
			return
		}
		switch b[0] {
		default:
			newLine = false
			if tilde {
				if _, err := w.Write(tildeByte); err != nil {
					return
				}
				tilde = false
			}
			if _, err := w.Write(b[:]); err != nil {
				return
			}
		case '\n', '\r':
			newLine = true
			if _, err := w.Write(b[:]); err != nil {
				return
			}
		case '~':
			if newLine {
				newLine = false
				tilde = true
				continue
			}
			if _, err := w.Write(tildeByte); err != nil {
				return
			}
		case '.':
			if tilde {
				_ = closer()
				return
			}
			if _, err := w.Write(b[:]); err != nil {
				return
			}
		}
	}
}

// GetHostName looks up host's HostName alias through the ssh_config
// library's default settings, which read ~/.ssh/config and
// /etc/ssh/ssh_config; no ARC-specific file such as ~/.arc/config is
// read. It falls back to host itself when no alias is configured.
func GetHostName(host string) string {
	if h := config.Get(host, "HostName"); h != "" {
		return h
	}
	return host
}

// GetPort resolves port the same way the teacher's GetPort did:
// prefer an explicit argument, then the Port entry from the same
// ssh_config files GetHostName reads, then DefaultPort. The ssh_config library's zero value for a missing Port
// entry is "22", which is meaningless for ARC, so it is treated the
// same as "unset".
func GetPort(host, port string) (string, error) {
	p := port
	if p == "" {
		if cp := config.Get(host, "Port"); cp != "" && cp != "22" {
			p = cp
		}
	}
	if p == "" {
		p = DefaultPort
	}
	return p, nil
}
