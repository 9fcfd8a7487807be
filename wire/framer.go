// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package wire implements the ARC line codec: framed CRLF text lines
// over a socket, with a partial-read buffer, a completed-line queue,
// and per-call timeouts. Grounded on the teacher's accept-with-timeout
// select idiom (client/srv.go) for the timeout plumbing, and on
// nexustech101-gonc's util.BufPool sync.Pool discipline for the
// scratch read buffer.
package wire

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gitpan/arc/errs"
)

const readChunk = 4096

var bufPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, readChunk)
		return &b
	},
}

// Coder wraps and unwraps a byte payload per message, once a
// connection has authenticated. Implemented by sasl.Negotiator;
// defined here so wire does not need to import sasl.
type Coder interface {
	Wrap([]byte) ([]byte, error)
	Unwrap([]byte) ([]byte, error)
}

// Framer is the line codec over a single control socket. It assumes a
// single reader: recv_line is never called concurrently with itself.
type Framer struct {
	conn    net.Conn
	partial []byte
	queue   [][]byte
	coder   Coder
}

// New wraps conn in a Framer.
func New(conn net.Conn) *Framer {
	return &Framer{conn: conn}
}

// SetCoder installs the post-authentication wrap/unwrap layer. Pass
// nil to go back to plain lines.
func (f *Framer) SetCoder(c Coder) { f.coder = c }

// RecvLine returns the next complete line, blocking up to timeout. It
// is the spec.md §4.C recv_line: reads into an internal buffer,
// splits completed lines into the queue, and keeps the incomplete
// trailing bytes in partial across calls.
func (f *Framer) RecvLine(timeout time.Duration) (string, error) {
	for len(f.queue) == 0 {
		if err := f.fill(timeout); err != nil {
			return "", err
		}
	}
	line := f.queue[0]
	f.queue = f.queue[1:]
	return f.decode(line)
}

func (f *Framer) fill(timeout time.Duration) error {
	if timeout > 0 {
		if err := f.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return errs.New(errs.Internal, "set read deadline", err)
		}
	}

	bufp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufp)
	buf := *bufp

	n, err := f.conn.Read(buf)
	if n > 0 {
		f.partial = append(f.partial, buf[:n]...)
		f.splitLines()
	}
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return errs.New(errs.Timeout, "recv_line", err)
		}
		if errors.Is(err, io.EOF) {
			if len(f.partial) > 0 {
				return errs.New(errs.PeerClosed, "recv_line: peer closed with partial line", err)
			}
			return io.EOF
		}
		return errs.New(errs.Internal, "recv_line", err)
	}
	return nil
}

func (f *Framer) splitLines() {
	for {
		i := bytes.Index(f.partial, []byte("\r\n"))
		if i < 0 {
			return
		}
		line := make([]byte, i)
		copy(line, f.partial[:i])
		f.queue = append(f.queue, line)
		f.partial = f.partial[i+2:]
	}
}

func (f *Framer) decode(line []byte) (string, error) {
	if f.coder == nil {
		return string(line), nil
	}
	raw, err := base64.StdEncoding.DecodeString(string(line))
	if err != nil {
		return "", errs.New(errs.Protocol, "recv_line: bad base64", err)
	}
	plain, err := f.coder.Unwrap(raw)
	if err != nil {
		return "", errs.New(errs.Protocol, "recv_line: unwrap failed", err)
	}
	return string(plain), nil
}

// SendLine joins parts with spaces, appends CRLF, and writes the
// frame atomically (a single Write call). After authentication, the
// line is wrapped and base64-encoded first.
func (f *Framer) SendLine(parts ...string) error {
	raw := []byte(strings.Join(parts, " "))

	var frame []byte
	if f.coder == nil {
		frame = append(raw, '\r', '\n')
	} else {
		wrapped, err := f.coder.Wrap(raw)
		if err != nil {
			return errs.New(errs.Internal, "send_line: wrap failed", err)
		}
		enc := base64.StdEncoding.EncodeToString(wrapped)
		frame = append([]byte(enc), '\r', '\n')
	}

	if _, err := f.conn.Write(frame); err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return errs.New(errs.Timeout, "send_line", err)
		}
		return errs.New(errs.Internal, "send_line", err)
	}
	return nil
}

// Close closes the underlying socket.
func (f *Framer) Close() error { return f.conn.Close() }

// Conn exposes the underlying net.Conn, e.g. for address introspection
// when advertising the data channel's host:port.
func (f *Framer) Conn() net.Conn { return f.conn }

// SplitVerb splits a decoded control line into its verb and the
// remainder of the line (the "payload"), the way every §4.E handler
// expects to receive it.
func SplitVerb(line string) (verb, param string) {
	line = strings.TrimRight(line, " ")
	i := strings.IndexByte(line, ' ')
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimLeft(line[i+1:], " ")
}

// FormatAddr renders a net.Addr as the "host:port" ARC expects in
// CMDPASV/CMDPORT payloads.
func FormatAddr(a net.Addr) string {
	return fmt.Sprintf("%s", a.String())
}
