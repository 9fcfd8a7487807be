// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wire

import (
	"net"
	"testing"
	"time"
)

func pipe() (net.Conn, net.Conn) { return net.Pipe() }

func TestSendRecvLine(t *testing.T) {
	a, b := pipe()
	defer a.Close()
	defer b.Close()

	fa := New(a)
	fb := New(b)

	done := make(chan error, 1)
	go func() { done <- fa.SendLine("CMD", "echo", "hi") }()

	line, err := fb.RecvLine(2 * time.Second)
	if err != nil {
		t.Fatalf("RecvLine: %v", err)
	}
	if line != "CMD echo hi" {
		t.Fatalf("got %q, want %q", line, "CMD echo hi")
	}
	if err := <-done; err != nil {
		t.Fatalf("SendLine: %v", err)
	}
}

func TestRecvLineSplitsMultipleFrames(t *testing.T) {
	a, b := pipe()
	defer a.Close()
	defer b.Close()

	fa := New(a)
	fb := New(b)

	go func() {
		fa.SendLine("OK") //nolint:errcheck
		fa.SendLine("ERR", "bad") //nolint:errcheck
	}()

	first, err := fb.RecvLine(2 * time.Second)
	if err != nil || first != "OK" {
		t.Fatalf("first line = %q, %v", first, err)
	}
	second, err := fb.RecvLine(2 * time.Second)
	if err != nil || second != "ERR bad" {
		t.Fatalf("second line = %q, %v", second, err)
	}
}

func TestRecvLineTimeout(t *testing.T) {
	a, b := pipe()
	defer a.Close()
	defer b.Close()

	fb := New(b)
	if _, err := fb.RecvLine(50 * time.Millisecond); err == nil {
		t.Fatal("expected a timeout error")
	}
	_ = a
}

type xorCoder struct{ key byte }

func (c xorCoder) Wrap(p []byte) ([]byte, error)   { return c.xor(p), nil }
func (c xorCoder) Unwrap(p []byte) ([]byte, error) { return c.xor(p), nil }
func (c xorCoder) xor(p []byte) []byte {
	out := make([]byte, len(p))
	for i, b := range p {
		out[i] = b ^ c.key
	}
	return out
}

func TestSendRecvLineWithCoder(t *testing.T) {
	a, b := pipe()
	defer a.Close()
	defer b.Close()

	fa, fb := New(a), New(b)
	fa.SetCoder(xorCoder{key: 0x5a})
	fb.SetCoder(xorCoder{key: 0x5a})

	go func() { fa.SendLine("DATA", "payload") }() //nolint:errcheck

	line, err := fb.RecvLine(2 * time.Second)
	if err != nil {
		t.Fatalf("RecvLine: %v", err)
	}
	if line != "DATA payload" {
		t.Fatalf("got %q, want %q", line, "DATA payload")
	}
}

func TestSplitVerb(t *testing.T) {
	cases := []struct {
		line, verb, param string
	}{
		{"AUTH PLAIN CRAM-SHA-256", "AUTH", "PLAIN CRAM-SHA-256"},
		{"QUIT", "QUIT", ""},
		{"CMD   echo hi", "CMD", "echo hi"},
	}
	for _, c := range cases {
		verb, param := SplitVerb(c.line)
		if verb != c.verb || param != c.param {
			t.Errorf("SplitVerb(%q) = %q, %q; want %q, %q", c.line, verb, param, c.verb, c.param)
		}
	}
}
