// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sasl implements the ARC SASL adapter (spec.md §4.D): a
// pluggable authentication-mechanism exchange, base64 wire encoding
// for handshake frames, and the post-authentication wrap/unwrap
// privacy layer.
//
// No SASL library exists anywhere in the reference pack, so the
// mechanisms here are built directly on golang.org/x/crypto — the same
// module the teacher already depends on (as golang.org/x/crypto/ssh),
// just a different subpackage: bcrypt for at-rest secrets, pbkdf2 +
// hmac/sha256 for challenge-response proofs, and chacha20poly1305 for
// the privacy layer.
package sasl

import (
	"fmt"

	"github.com/gitpan/arc/errs"
)

// Role mirrors the connection's role: a Negotiator is either the
// initiator (client) or the responder (server) of the exchange.
type Role int

const (
	Initiator Role = iota
	Responder
)

// Mechanism is one pluggable SASL mechanism. A mechanism may be
// stateful across Step calls; Name must be a single uppercase ASCII
// token suitable for the AUTH mechanism list.
type Mechanism interface {
	Name() string
	// Step advances the exchange by one round. done is true once no
	// further rounds are required by this mechanism. identity is only
	// meaningful on the responder side, once done.
	Step(in []byte) (out []byte, done bool, identity string, err error)
}

// MechanismFactory builds a fresh, stateful Mechanism instance for one
// connection.
type MechanismFactory func(role Role) Mechanism

// Registry maps mechanism names to factories. Order matters: a
// Responder's ChooseMechanism picks the first registered name the
// initiator offered, and Names lists them in this order.
type Registry struct {
	order     []string
	factories map[string]MechanismFactory
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]MechanismFactory{}}
}

// Register adds a mechanism under name, preserving registration order.
func (r *Registry) Register(name string, f MechanismFactory) {
	if _, ok := r.factories[name]; !ok {
		r.order = append(r.order, name)
	}
	r.factories[name] = f
}

// Names returns the registered mechanism names in priority order.
func (r *Registry) Names() []string { return append([]string(nil), r.order...) }

func (r *Registry) build(name string, role Role) (Mechanism, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, errs.New(errs.Auth, fmt.Sprintf("unsupported mechanism %q", name), nil)
	}
	return f(role), nil
}

// Negotiator drives one mechanism's exchange for one Connection and,
// once authenticated, exposes the wrap/unwrap privacy layer.
type Negotiator struct {
	role     Role
	registry *Registry
	service  string

	mech     Mechanism
	done     bool
	identity string

	protector Protector
}

// New prepares a Negotiator for role, scoped to service (the SASL
// "service name", e.g. "arc"), using the mechanisms registered in
// registry.
func New(role Role, service string, registry *Registry) *Negotiator {
	return &Negotiator{role: role, registry: registry, service: service}
}

// ChooseMechanism picks the strongest mechanism present in both
// offered (the client's AUTH line) and this Negotiator's own
// registry, in the registry's priority order. Used by the responder
// (the server) to answer AUTH.
func (n *Negotiator) ChooseMechanism(offered []string) (string, error) {
	want := map[string]bool{}
	for _, name := range offered {
		want[name] = true
	}
	for _, name := range n.registry.Names() {
		if want[name] {
			return name, nil
		}
	}
	return "", errs.New(errs.Auth, "no mutually supported mechanism", nil)
}

// Select picks the mechanism to drive by name (client: the one the
// server named in its OK reply to AUTH; server: the one
// ChooseMechanism picked from the client's AUTH line).
func (n *Negotiator) Select(name string) error {
	m, err := n.registry.build(name, n.role)
	if err != nil {
		return err
	}
	n.mech = m
	return nil
}

// serverFirster is implemented by mechanisms (CRAM-SHA-256) where the
// responder must speak before the initiator has sent anything, unlike
// PLAIN and SCRAM-SHA-256 where the initiator always moves first.
type serverFirster interface {
	ServerFirst() bool
}

// RespondsFirst reports whether the selected mechanism requires the
// responder to produce the first message of the exchange.
func (n *Negotiator) RespondsFirst() bool {
	if n.mech == nil {
		return false
	}
	sf, ok := n.mech.(serverFirster)
	return ok && sf.ServerFirst()
}

// Step advances the exchange by one round.
func (n *Negotiator) Step(in []byte) (out []byte, done bool, err error) {
	if n.mech == nil {
		return nil, false, errs.New(errs.Auth, "step before mechanism selected", nil)
	}
	out, done, identity, err := n.mech.Step(in)
	if err != nil {
		return nil, false, errs.New(errs.Auth, "sasl step failed", err)
	}
	if done {
		if n.role == Responder && identity == "" {
			return nil, false, errs.New(errs.Auth, "empty identity from mechanism", nil)
		}
		n.done = true
		n.identity = identity
		n.protector = NewProtector(n.mech, n.role)
	}
	return out, done, nil
}

// Done reports whether authentication has completed successfully.
func (n *Negotiator) Done() bool { return n.done }

// AuthenticatedUser returns the validated identity, or "" pre-auth.
func (n *Negotiator) AuthenticatedUser() string {
	if !n.done {
		return ""
	}
	return n.identity
}

// Wrap applies the post-authentication privacy/integrity layer.
// Identity pass-through if no layer was negotiated.
func (n *Negotiator) Wrap(b []byte) ([]byte, error) {
	if n.protector == nil {
		return b, nil
	}
	return n.protector.Wrap(b)
}

// Unwrap reverses Wrap.
func (n *Negotiator) Unwrap(b []byte) ([]byte, error) {
	if n.protector == nil {
		return b, nil
	}
	return n.protector.Unwrap(b)
}
