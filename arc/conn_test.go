// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package arc

import (
	"net"
	"strings"
	"testing"
	"time"
)

func TestNewStartsExpectingAuth(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	c := New(RoleServer, V21, a, time.Second, nil)
	defer c.Close()

	if c.State() != StateInit {
		t.Fatalf("got state %v, want StateInit", c.State())
	}
	expected := c.ExpectedNext()
	if len(expected) != 1 || expected[0] != VerbAuth {
		t.Fatalf("got expected_next %v, want [AUTH]", expected)
	}
}

func TestProcessRejectsUnexpectedVerb(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	c := New(RoleServer, V21, a, time.Second, nil)
	c.SetDispatch(DispatchTable{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 64)
		n, _ := b.Read(buf)
		_ = n
	}()

	err := c.Process(VerbQuit, "")
	<-done
	if err == nil {
		t.Fatal("expected an error for an unexpected verb")
	}
	if !strings.Contains(err.Error(), "ProtocolError") {
		t.Fatalf("expected a Protocol error, got %v", err)
	}
	if c.State() != StateClosed {
		t.Fatalf("expected CLOSED after a protocol violation, got %v", c.State())
	}
}

func TestProcessDispatchesExpectedVerb(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	called := false
	c := New(RoleServer, V21, a, time.Second, nil)
	c.SetDispatch(DispatchTable{
		VerbAuth: func(c *Connection, param string) error {
			called = true
			c.SetState(StateNegotiating)
			c.Expect(VerbSASL)
			return nil
		},
	})

	if err := c.Process(VerbAuth, "PLAIN"); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !called {
		t.Fatal("expected the AUTH handler to run")
	}
	if c.State() != StateNegotiating {
		t.Fatalf("got state %v, want NEGOTIATING", c.State())
	}
	if got := c.ExpectedNext(); len(got) != 1 || got[0] != VerbSASL {
		t.Fatalf("got expected_next %v, want [SASL]", got)
	}
}

func TestAuthenticateRejectsEmptyIdentity(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	c := New(RoleServer, V21, a, time.Second, nil)
	if err := c.Authenticate(""); err == nil {
		t.Fatal("expected an error for an empty identity")
	}
	if c.Authenticated() {
		t.Fatal("must not be marked authenticated")
	}
}
