// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestEmitFiltersByLevel(t *testing.T) {
	l := New(Auth|Err, "arcd")
	var buf bytes.Buffer
	l.SetOutput(&buf)

	l.Emit(Debug, "should not appear")
	if buf.Len() != 0 {
		t.Fatalf("expected Debug to be filtered out, got %q", buf.String())
	}

	l.Emit(Auth, "user", "alice", "authenticated")
	if got := buf.String(); !strings.Contains(got, "arcd: user alice authenticated") {
		t.Fatalf("got %q", got)
	}
}

func TestEmitErrAlwaysWrites(t *testing.T) {
	l := New(Facility(0), "arcd")
	var buf bytes.Buffer
	l.SetOutput(&buf)

	err := l.EmitErr("conn-1", "dial failed")
	if err == nil {
		t.Fatal("EmitErr must return a non-nil error")
	}
	if got := buf.String(); !strings.Contains(got, "conn-1: dial failed") {
		t.Fatalf("got %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	if got, want := ParseLevel(int(Auth|Cmd)), Auth|Cmd; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}
