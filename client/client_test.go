// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package client

import (
	"bytes"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/gitpan/arc/arc"
	"github.com/gitpan/arc/sasl"
	"github.com/gitpan/arc/server"
)

func testServerConfig(t *testing.T) server.Config {
	t.Helper()
	store := sasl.NewStore()
	hash, err := sasl.HashPlain("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	store.AddPlain("alice", hash)

	commands, err := server.ParseCommandTable(map[string]string{"echo": "/bin/echo"})
	if err != nil {
		t.Fatal(err)
	}
	return server.Config{
		Service:         "arc",
		Timeout:         5 * time.Second,
		ProtocolVersion: arc.V21,
		BindHost:        "127.0.0.1",
		Store:           store,
		Commands:        commands,
		ACL:             server.StaticACL{"echo": {"alice"}},
	}
}

// newPairedClient builds a Client whose control socket is the client
// half of a net.Pipe() already being served by srv on the other half,
// skipping Dial's own net.DialTimeout since net.Pipe() has no address
// to dial. It offers only PLAIN, the one mechanism testServerConfig's
// store holds a credential for.
func newPairedClient(conn net.Conn) *Client {
	creds := &sasl.ClientCredentials{Username: "alice", Password: "s3cret"}
	neg := sasl.New(sasl.Initiator, "arc", sasl.DefaultClientRegistry(creds))
	c := &Client{
		Host:            "test",
		HostName:        "test",
		Timeout:         5 * time.Second,
		ProtocolVersion: arc.V21,
		Mechanisms:      []string{"PLAIN"},
		Credentials:     creds,
	}
	c.conn = arc.New(arc.RoleClient, c.ProtocolVersion, conn, c.Timeout, neg)
	return c
}

// TestClientServerRoundTrip drives a real client.Client against a real
// server.Server: AUTH/SASL over a net.Pipe() control channel, then a
// real loopback data channel relaying a command's stdio end to end.
func TestClientServerRoundTrip(t *testing.T) {
	srv := server.New(testServerConfig(t))

	clientConn, serverConn := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- srv.Serve(serverConn) }()

	c := newPairedClient(clientConn)
	if err := c.authenticate(); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if c.conn.State() != arc.StateAuthed {
		t.Fatalf("expected AUTHED, got %v", c.conn.State())
	}

	var stdout bytes.Buffer
	c.Stdin = strings.NewReader("")
	c.Stdout = &stdout

	status, err := c.Run("echo", "hello", "world")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != 0 {
		t.Fatalf("expected exit 0, got %d", status)
	}
	if got := stdout.String(); strings.TrimSpace(got) != "hello world" {
		t.Fatalf("expected echoed output %q, got %q", "hello world", got)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	clientConn.Close()
	<-done
}

// TestClientServerACLDeny mirrors the server package's own ACL-deny
// scenario, but driven from the real Client.Run instead of a hand
// rolled control-line sender.
func TestClientServerACLDeny(t *testing.T) {
	cfg := testServerConfig(t)
	cfg.ACL = server.StaticACL{"echo": {"bob"}}
	srv := server.New(cfg)

	clientConn, serverConn := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- srv.Serve(serverConn) }()

	c := newPairedClient(clientConn)
	if err := c.authenticate(); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	c.Stdin = strings.NewReader("")
	c.Stdout = &bytes.Buffer{}
	if _, err := c.Run("echo", "hi"); err == nil {
		t.Fatal("expected Run to fail for an ACL-denied command")
	}

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	clientConn.Close()
	<-done
}

func TestGetHostName(t *testing.T) {
	if got := GetHostName("example.org"); got != "example.org" {
		t.Fatalf("expected unaliased host to pass through, got %q", got)
	}
}

func TestGetPort(t *testing.T) {
	port, err := GetPort("example.org", "")
	if err != nil {
		t.Fatal(err)
	}
	if port != DefaultPort {
		t.Fatalf("expected default port %q, got %q", DefaultPort, port)
	}

	port, err = GetPort("example.org", "9999")
	if err != nil {
		t.Fatal(err)
	}
	if port != "9999" {
		t.Fatalf("expected explicit port to win, got %q", port)
	}
}
