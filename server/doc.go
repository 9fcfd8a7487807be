// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package server drives the responder side of one ARC connection:
// handshake negotiation, the authenticated command loop, ACL
// enforcement, and spawning the privileged child for each approved
// command. A Server is stateless between connections; all per-session
// state lives on the arc.Connection Serve builds for the socket it is
// given.
//
// Serve is meant to be called once per accepted connection by
// whatever accepts them — directly in a test, or by cmd/arcd's worker
// accept loop in production. It returns when the connection closes, whether cleanly
// (QUIT), on a protocol violation, or on I/O failure.
package server
