// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package errs provides the per-connection latched error carrier used
// throughout arc, plus the error-kind taxonomy from the ARC error
// handling design.
package errs

import (
	"errors"
	"fmt"
	"sync"
)

// Kind classifies a failure the way the ARC protocol engine reasons
// about it: whether it is fatal to the whole daemon, fatal to just the
// connection, or recoverable within the session.
type Kind int

const (
	// Config is a startup-time configuration failure. Fatal to the
	// process.
	Config Kind = iota
	// Bind is a listen/bind failure at startup. Fatal to the process.
	Bind
	// Protocol is an unexpected verb, malformed line, or base64
	// failure. Fatal to the connection.
	Protocol
	// Auth is a SASL negotiation failure. Fatal to the connection.
	Auth
	// Authorization is an ACL denial. Recoverable within the session.
	Authorization
	// Timeout is a blocking call that exceeded its deadline. Fatal to
	// the connection.
	Timeout
	// PeerClosed is a clean or dropped peer shutdown. Fatal to the
	// connection but not logged as an error when it happens while
	// idle, awaiting the next command.
	PeerClosed
	// ChildSpawn is a failure to exec the configured command. Fatal to
	// the connection after attempting to send ERR.
	ChildSpawn
	// Internal is an unexpected I/O or resource-exhaustion failure.
	// Fatal to the connection; the worker may also exit.
	Internal
)

func (k Kind) String() string {
	switch k {
	case Config:
		return "ConfigError"
	case Bind:
		return "BindError"
	case Protocol:
		return "ProtocolError"
	case Auth:
		return "AuthError"
	case Authorization:
		return "AuthorizationError"
	case Timeout:
		return "Timeout"
	case PeerClosed:
		return "PeerClosed"
	case ChildSpawn:
		return "ChildSpawnError"
	case Internal:
		return "InternalError"
	default:
		return "UnknownError"
	}
}

// Error wraps a cause with the Kind that decides how the caller must
// react to it.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, errs.Sentinel(k)) match any *Error whose Kind
// is k.
func (e *Error) Is(target error) bool {
	var k *kindSentinel
	if errors.As(target, &k) {
		return e.Kind == k.kind
	}
	return false
}

type kindSentinel struct{ kind Kind }

func (k *kindSentinel) Error() string { return k.kind.String() }

// Sentinel returns a comparable error value for use with errors.Is,
// e.g. errors.Is(err, errs.Sentinel(errs.Timeout)).
func Sentinel(k Kind) error { return &kindSentinel{kind: k} }

// New builds an *Error of the given Kind.
func New(k Kind, msg string, cause error) *Error {
	return &Error{Kind: k, Msg: msg, Cause: cause}
}

// Carrier is a per-object latched error string, mirroring the
// IsError/_SetError pattern of the original design: once an error is
// latched, SetError prepends new context onto it rather than replacing
// it, so the first point of failure is never lost as the error
// propagates up through callers. Emit is invoked once per SetError so
// callers get an ERR-facility log line exactly where the error is
// latched, not at the top frame.
type Carrier struct {
	mu    sync.Mutex
	latch string
	Emit  func(format string, args ...interface{})
}

// SetError prepends msg to any already-latched error, emits it, and
// always returns a non-nil error so callers can write
// `return c.SetError(...)`.
func (c *Carrier) SetError(msg string, cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var full string
	switch {
	case cause != nil && c.latch != "":
		full = fmt.Sprintf("%s: %v: %s", msg, cause, c.latch)
	case cause != nil:
		full = fmt.Sprintf("%s: %v", msg, cause)
	case c.latch != "":
		full = fmt.Sprintf("%s: %s", msg, c.latch)
	default:
		full = msg
	}
	c.latch = full
	if c.Emit != nil {
		c.Emit("%s", full)
	}
	return errors.New(full)
}

// IsError returns the latched string, or "" if nothing has latched.
func (c *Carrier) IsError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latch
}

// Reset clears the latch at the start of a new logical operation.
func (c *Carrier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latch = ""
}
