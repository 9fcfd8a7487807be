// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package logging implements the ARC log facility: a bitmask of
// wire-protocol facilities filtered against a single configured level,
// emitted as one atomic write per record. It is grounded on the
// teacher's v/verbose callback-logger idiom (server/server.go,
// client/client.go) and on nexustech101-gonc's util.Logger
// (mutex-guarded write, optional timestamps).
package logging

import (
	"fmt"
	"io"
	"log/syslog"
	"os"
	"strings"
	"sync"
	"time"
)

// Facility is a bitmask over the classes of event ARC logs.
type Facility uint

const (
	Auth  Facility = 1 << 0
	User  Facility = 1 << 1
	Err   Facility = 1 << 2
	Cmd   Facility = 1 << 3
	Side  Facility = 1 << 4
	Debug Facility = 1 << 5
)

// ParseLevel turns the integer bitmask from the [logging] config
// section into a Facility.
func ParseLevel(bits int) Facility { return Facility(bits) }

// Destination selects where emitted records go.
type Destination int

const (
	Stderr Destination = iota
	Syslog
)

// Logger emits structured log lines gated by a configured facility
// bitmask. Writes are line-atomic: one Write call per record, as
// required of the shared log sink in a prefork-pool process.
type Logger struct {
	mu     sync.Mutex
	level  Facility
	prefix string
	out    io.Writer
	sl     *syslog.Writer
	stamp  bool
}

// New builds a Logger writing to stderr with the given facility mask
// and record prefix.
func New(level Facility, prefix string) *Logger {
	return &Logger{level: level, prefix: prefix, out: os.Stderr, stamp: true}
}

// NewSyslog builds a Logger that writes to the local syslog daemon.
// log/syslog is used directly rather than hand-rolled because it is
// the only component in the reference pack that speaks the actual
// syslog wire protocol; no third-party syslog client exists there.
func NewSyslog(level Facility, prefix string) (*Logger, error) {
	w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, prefix)
	if err != nil {
		return nil, err
	}
	return &Logger{level: level, prefix: prefix, sl: w}, nil
}

// SetOutput overrides the stderr-mode writer (tests use this to
// capture records).
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = w
}

// Level reports the configured facility mask.
func (l *Logger) Level() Facility { return l.level }

// Emit joins parts with single spaces, prefixes the configured tag,
// and writes to the sink iff bits overlaps the configured level. It
// returns nothing; use EmitErr from a fallible call site.
func (l *Logger) Emit(bits Facility, parts ...interface{}) {
	if l.level&bits == 0 {
		return
	}
	msg := joinParts(parts)
	l.write(msg)
}

// EmitErr writes parts, prefixed with connID when it is non-empty,
// whatever the configured level, and always returns a non-nil error, so
// call sites can write `return l.EmitErr(id, "dial failed", err)`
// mirroring the original `return emit(ERR, ...)` idiom.
func (l *Logger) EmitErr(connID string, parts ...interface{}) error {
	msg := joinParts(parts)
	if connID != "" {
		msg = connID + ": " + msg
	}
	l.write(msg)
	return fmt.Errorf("%s", msg)
}

func joinParts(parts []interface{}) string {
	ss := make([]string, len(parts))
	for i, p := range parts {
		ss[i] = fmt.Sprint(p)
	}
	return strings.Join(ss, " ")
}

func (l *Logger) write(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sl != nil {
		l.sl.Info(l.prefix + ": " + msg) //nolint:errcheck
		return
	}
	line := l.prefix + ": " + msg
	if l.stamp {
		line = time.Now().Format("15:04:05.000") + " " + line
	}
	fmt.Fprintln(l.out, line) //nolint:errcheck
}
