// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package datachan implements the ARC data channel (spec.md §4.F):
// the secondary TCP socket that carries one command's wrapped stdio,
// and the bidirectional relay between that socket and a local
// file-descriptor pair. The relay loop is grounded directly on
// nexustech101-gonc's util.BidirectionalCopy, generalized from a
// single reader/writer pair to the explicit three-descriptor
// (in, out, data socket) shape spec.md calls for, and layered with
// the SASL wrap/unwrap framing the control channel doesn't need.
package datachan

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gitpan/arc/errs"
	"github.com/gitpan/arc/sasl"
	"github.com/gitpan/arc/wire"
)

// Listener is the setup side of the data channel: it binds an
// ephemeral port on host, advertises "host:port", and accepts exactly
// one connection before being discarded.
type Listener struct {
	ln   net.Listener
	addr string
}

// Listen binds an ephemeral TCP port on host (the same interface the
// control socket is reachable on) and returns the Listener plus the
// "host:port" string to send as the CMDPASV payload.
func Listen(host string) (*Listener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, errs.New(errs.Bind, "data channel listen", err)
	}
	return &Listener{ln: ln, addr: net.JoinHostPort(host, portOf(ln.Addr()))}, nil
}

func portOf(a net.Addr) string {
	_, port, _ := net.SplitHostPort(a.String())
	return port
}

// Addr is the "host:port" advertised to the peer.
func (l *Listener) Addr() string { return l.addr }

// Accept waits up to timeout for the peer to connect, then closes the
// listener: the data channel exists only for one command (invariant
// 3), so there is never a second accept.
func (l *Listener) Accept(timeout time.Duration) (net.Conn, error) {
	defer l.ln.Close() //nolint:errcheck
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, errs.New(errs.Internal, "data channel accept", r.err)
		}
		return r.conn, nil
	case <-time.After(timeout):
		l.ln.Close() //nolint:errcheck
		return nil, errs.New(errs.Timeout, "data channel accept", nil)
	}
}

// Close abandons the listener without accepting, used when a command
// is denied after CMDPASV was already prepared.
func (l *Listener) Close() error { return l.ln.Close() }

// Dial is the CMDPORT-style connecting side: used by whichever role is
// not listening for this command (normally the client, connecting to
// the server's advertised CMDPASV address; symmetric in CMDPORT mode
// per open question (b)).
func Dial(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, errs.New(errs.Internal, "data channel dial", err)
	}
	return conn, nil
}

// readyMarker is the plain-text line the connecting side writes on a
// freshly opened data socket before any SASL-wrapped bytes flow,
// spec.md §4.G's "sends DATA": a minimal readiness signal the
// listening side waits for before starting the relay loop, sent
// unwrapped since the data socket carries no line codec of its own to
// base64-decode it with.
const readyMarker = "DATA\r\n"

// SendReady writes the DATA marker, called by whichever side dialed
// the data socket once the connection is established.
func SendReady(conn net.Conn) error {
	if _, err := conn.Write([]byte(readyMarker)); err != nil {
		return errs.New(errs.Internal, "data channel: send DATA marker", err)
	}
	return nil
}

// RecvReady reads and validates the DATA marker, called by whichever
// side accepted the data socket before it starts relaying.
func RecvReady(conn net.Conn) error {
	buf := make([]byte, len(readyMarker))
	if _, err := io.ReadFull(conn, buf); err != nil {
		return errs.New(errs.Protocol, "data channel: reading DATA marker", err)
	}
	if string(buf) != readyMarker {
		return errs.New(errs.Protocol, fmt.Sprintf("data channel: expected DATA marker, got %q", buf), nil)
	}
	return nil
}

// Relay shuffles bytes between (in, out) — a child's pipes on the
// server, the user's terminal on the client — and the wrapped data
// socket, until the read direction (socket → out) reaches end of
// stream. The write direction (in → socket) only half-closes on its
// own EOF and then stops, so an early EOF on in (the client's own
// stdin closing while the server is still sending output, SPEC_FULL.md
// §4.F/§5) never truncates output still arriving from the peer.
//
// endOnInputEOF additionally cancels the whole relay the moment in
// reaches EOF, for the one case where in's end really is the end of
// the conversation: the server's in is a child's stdout, and once the
// child has exited nothing will ever drain proc.Stdin either, so
// waiting for the peer to close first would hang forever against an
// ordinary client whose own stdin stays open.
func Relay(ctx context.Context, conn net.Conn, coder *sasl.Negotiator, in io.Reader, out io.Writer, timeout time.Duration, endOnInputEOF bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reader := &framedReader{in: conn, coder: coder, timeout: timeout}
	writer := &framedWriter{out: conn, coder: coder, timeout: timeout}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := io.Copy(out, reader)
		errCh <- err
		cancel()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := io.Copy(writer, in)
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.CloseWrite() //nolint:errcheck
		}
		errCh <- err
		if err != nil || endOnInputEOF {
			cancel()
		}
	}()

	<-ctx.Done()
	conn.Close() //nolint:errcheck
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil && !isHarmless(err) {
			return errs.New(errs.Internal, "data channel relay", err)
		}
	}
	return nil
}

func isHarmless(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}

// frameCoder is the subset of wire.Coder the framed reader/writer
// need; satisfied by *sasl.Negotiator.
type frameCoder interface {
	Wrap([]byte) ([]byte, error)
	Unwrap([]byte) ([]byte, error)
}

var _ frameCoder = (*sasl.Negotiator)(nil)
var _ wire.Coder = (*sasl.Negotiator)(nil)

// framedWriter self-delimits every Wrap() call with a 4-byte
// big-endian length prefix, so framedReader can recover message
// boundaries from the data channel's otherwise-unframed byte stream
// (spec.md §6: "the data channel is SASL-wrapped raw bytes (no
// framing)" — that describes the wire's lack of CRLF lines, not a
// license to lose the wrap layer's own message boundaries).
type framedWriter struct {
	out     io.Writer
	coder   frameCoder
	timeout time.Duration
}

// setDeadline honors timeout_seconds (spec.md §3) on every blocking
// write, the same per-call refresh wire.Framer.fill already does for
// reads on the control connection.
func (w *framedWriter) setDeadline() error {
	if w.timeout <= 0 {
		return nil
	}
	conn, ok := w.out.(net.Conn)
	if !ok {
		return nil
	}
	if err := conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
		return errs.New(errs.Internal, "data channel: set write deadline", err)
	}
	return nil
}

func (w *framedWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		n := sasl.ChunkSize
		if n > len(p) {
			n = len(p)
		}
		chunk := p[:n]
		p = p[n:]

		wrapped, err := w.coder.Wrap(chunk)
		if err != nil {
			return 0, errs.New(errs.Internal, "data channel wrap", err)
		}
		if err := w.setDeadline(); err != nil {
			return 0, err
		}
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], uint32(len(wrapped)))
		if _, err := w.out.Write(hdr[:]); err != nil {
			return 0, err
		}
		if _, err := w.out.Write(wrapped); err != nil {
			return 0, err
		}
	}
	return total, nil
}

type framedReader struct {
	in      io.Reader
	coder   frameCoder
	timeout time.Duration
	pending []byte
}

// setDeadline mirrors framedWriter.setDeadline for the read side.
func (r *framedReader) setDeadline() error {
	if r.timeout <= 0 {
		return nil
	}
	conn, ok := r.in.(net.Conn)
	if !ok {
		return nil
	}
	if err := conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
		return errs.New(errs.Internal, "data channel: set read deadline", err)
	}
	return nil
}

func (r *framedReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if err := r.setDeadline(); err != nil {
			return 0, err
		}
		var hdr [4]byte
		if _, err := io.ReadFull(r.in, hdr[:]); err != nil {
			return 0, err
		}
		n := binary.BigEndian.Uint32(hdr[:])
		if n > 4*sasl.ChunkSize {
			return 0, fmt.Errorf("data channel: implausible frame length %d", n)
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(r.in, body); err != nil {
			return 0, err
		}
		plain, err := r.coder.Unwrap(body)
		if err != nil {
			return 0, errs.New(errs.Internal, "data channel unwrap", err)
		}
		r.pending = plain
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}
