// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sasl

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/gitpan/arc/errs"
)

// ClientCredentials is what an initiator-side Negotiator authenticates
// with. Username and Password drive PLAIN and SCRAM-SHA-256, both of
// which only ever need a password. CramKey is the hex-encoded shared
// secret CRAM-SHA-256 needs instead: that mechanism has no round in
// which the server can hand the client a salt before the client must
// already prove knowledge of the key, so the key has to arrive with
// the client out of band: the same key the server holds for that user
// through Store.AddScram.
type ClientCredentials struct {
	Username string
	Password string
	CramKey  string
}

// DefaultServerRegistry registers every mechanism this package
// implements against store, in the priority order the server picks
// from: strongest first, so SCRAM wins whenever the client offers it.
func DefaultServerRegistry(store *Store) *Registry {
	r := NewRegistry()
	r.Register("SCRAM-SHA-256", scramFactory(nil, store))
	r.Register("CRAM-SHA-256", cramFactory(nil, store))
	r.Register("PLAIN", plainFactory(nil, store))
	return r
}

// DefaultClientRegistry registers every mechanism against creds, for
// an initiator-side Negotiator.
func DefaultClientRegistry(creds *ClientCredentials) *Registry {
	r := NewRegistry()
	r.Register("SCRAM-SHA-256", scramFactory(creds, nil))
	r.Register("CRAM-SHA-256", cramFactory(creds, nil))
	r.Register("PLAIN", plainFactory(creds, nil))
	return r
}

// --- PLAIN -----------------------------------------------------------
//
// One round trip. The initiator sends authzid\0authcid\0password in
// its first (and only) message; the responder verifies against the
// bcrypt hash in Store and is done. No session key: PLAIN carries no
// confidentiality of its own, matching RFC 4616.

type plainMech struct {
	role  Role
	creds *ClientCredentials
	store *Store
}

func plainFactory(creds *ClientCredentials, store *Store) MechanismFactory {
	return func(role Role) Mechanism { return &plainMech{role: role, creds: creds, store: store} }
}

func (m *plainMech) Name() string { return "PLAIN" }

func (m *plainMech) Step(in []byte) (out []byte, done bool, identity string, err error) {
	if m.role == Initiator {
		if m.creds == nil {
			return nil, false, "", errs.New(errs.Auth, "plain: no credentials configured", nil)
		}
		msg := fmt.Sprintf("%s\x00%s\x00%s", m.creds.Username, m.creds.Username, m.creds.Password)
		return []byte(msg), true, "", nil
	}

	parts := strings.Split(string(in), "\x00")
	if len(parts) != 3 {
		return nil, false, "", errs.New(errs.Auth, "plain: malformed response", nil)
	}
	authcid, password := parts[1], parts[2]
	if m.store == nil || !m.store.verifyPlain(authcid, password) {
		return nil, false, "", errs.New(errs.Auth, fmt.Sprintf("plain: credentials rejected for %q", authcid), nil)
	}
	return nil, true, authcid, nil
}

// --- CRAM-SHA-256 -----------------------------------------------------
//
// Two round trips, integrity-only: the responder challenges with a
// random nonce, the initiator proves knowledge of the shared SCRAM key
// with an HMAC over that nonce. Grounded in the classic CRAM-MD5
// challenge/response shape, upgraded to SHA-256 and to the PBKDF2
// StoredKey already held for SCRAM rather than a reversible secret.

type cramMech struct {
	role  Role
	creds *ClientCredentials
	store *Store

	challenge []byte
	key       []byte // resolved once, used both to answer and as the wrap key
}

func cramFactory(creds *ClientCredentials, store *Store) MechanismFactory {
	return func(role Role) Mechanism { return &cramMech{role: role, creds: creds, store: store} }
}

func (m *cramMech) Name() string        { return "CRAM-SHA-256" }
func (m *cramMech) IntegrityOnly() bool { return true }
func (m *cramMech) SessionKey() []byte  { return m.key }
func (m *cramMech) ServerFirst() bool   { return true }

func (m *cramMech) Step(in []byte) (out []byte, done bool, identity string, err error) {
	if m.role == Initiator {
		if len(in) == 0 {
			return nil, false, "", errs.New(errs.Auth, "cram: no challenge received", nil)
		}
		if m.creds == nil || m.creds.CramKey == "" {
			return nil, false, "", errs.New(errs.Auth, "cram: no shared key configured", nil)
		}
		key, herr := hex.DecodeString(m.creds.CramKey)
		if herr != nil {
			return nil, false, "", errs.New(errs.Auth, "cram: malformed shared key", herr)
		}
		nonce, herr := hex.DecodeString(string(in))
		if herr != nil {
			return nil, false, "", errs.New(errs.Auth, "cram: malformed challenge", herr)
		}
		mac := hmac.New(sha256.New, key)
		mac.Write(nonce)
		proof := mac.Sum(nil)
		m.key = key
		return []byte(fmt.Sprintf("%s %s", m.creds.Username, hex.EncodeToString(proof))), true, "", nil
	}

	if m.challenge == nil {
		nonce := make([]byte, 24)
		if _, rerr := rand.Read(nonce); rerr != nil {
			return nil, false, "", errs.New(errs.Internal, "cram: nonce generation failed", rerr)
		}
		m.challenge = nonce
		return []byte(hex.EncodeToString(nonce)), false, "", nil
	}

	sp := strings.SplitN(string(in), " ", 2)
	if len(sp) != 2 {
		return nil, false, "", errs.New(errs.Auth, "cram: malformed response", nil)
	}
	user, proofHex := sp[0], sp[1]
	entry, ok := m.store.scramChallenge(user)
	if !ok {
		return nil, false, "", errs.New(errs.Auth, fmt.Sprintf("cram: unknown user %q", user), nil)
	}
	mac := hmac.New(sha256.New, entry.key)
	mac.Write(m.challenge)
	want := mac.Sum(nil)
	got, herr := hex.DecodeString(proofHex)
	if herr != nil || !hmac.Equal(got, want) {
		return nil, false, "", errs.New(errs.Auth, fmt.Sprintf("cram: proof mismatch for %q", user), nil)
	}
	m.key = entry.key
	return nil, true, user, nil
}

// --- SCRAM-SHA-256 (simplified) ---------------------------------------
//
// Three round trips, full privacy: the initiator announces its
// username; the responder replies with that user's salt and iteration
// count plus a fresh server nonce; the initiator derives the PBKDF2
// key from its password and proves it with an HMAC over the nonce. The
// derived key becomes the wrap/unwrap session key, giving this
// mechanism (unlike CRAM-SHA-256 and PLAIN) a real privacy layer.

type scramMech struct {
	role  Role
	creds *ClientCredentials
	store *Store

	user       string
	nonce      []byte
	derivedKey []byte // set once the initiator has computed it, or the responder has looked it up
}

func scramFactory(creds *ClientCredentials, store *Store) MechanismFactory {
	return func(role Role) Mechanism { return &scramMech{role: role, creds: creds, store: store} }
}

func (m *scramMech) Name() string       { return "SCRAM-SHA-256" }
func (m *scramMech) IntegrityOnly() bool { return false }
func (m *scramMech) SessionKey() []byte { return m.derivedKey }

func (m *scramMech) Step(in []byte) (out []byte, done bool, identity string, err error) {
	if m.role == Initiator {
		return m.initiatorStep(in)
	}
	return m.responderStep(in)
}

func (m *scramMech) initiatorStep(in []byte) (out []byte, done bool, identity string, err error) {
	if m.creds == nil {
		return nil, false, "", errs.New(errs.Auth, "scram: no credentials configured", nil)
	}
	switch {
	case m.user == "":
		m.user = m.creds.Username
		return []byte(m.user), false, "", nil
	case m.derivedKey == nil:
		sp := strings.SplitN(string(in), " ", 3)
		if len(sp) != 3 {
			return nil, false, "", errs.New(errs.Auth, "scram: malformed challenge", nil)
		}
		saltHex, iterStr, nonceHex := sp[0], sp[1], sp[2]
		salt, herr := hex.DecodeString(saltHex)
		if herr != nil {
			return nil, false, "", errs.New(errs.Auth, "scram: bad salt encoding", herr)
		}
		var iterations int
		if _, serr := fmt.Sscanf(iterStr, "%d", &iterations); serr != nil {
			return nil, false, "", errs.New(errs.Auth, "scram: bad iteration count", serr)
		}
		nonce, herr := hex.DecodeString(nonceHex)
		if herr != nil {
			return nil, false, "", errs.New(errs.Auth, "scram: bad nonce encoding", herr)
		}
		m.derivedKey = deriveScramKey(m.creds.Password, salt, iterations)
		mac := hmac.New(sha256.New, m.derivedKey)
		mac.Write(nonce)
		proof := mac.Sum(nil)
		return []byte(hex.EncodeToString(proof)), true, "", nil
	default:
		return nil, false, "", errs.New(errs.Auth, "scram: step called after completion", nil)
	}
}

func (m *scramMech) responderStep(in []byte) (out []byte, done bool, identity string, err error) {
	switch {
	case m.user == "":
		m.user = string(in)
		entry, ok := m.store.scramChallenge(m.user)
		if !ok {
			return nil, false, "", errs.New(errs.Auth, fmt.Sprintf("scram: unknown user %q", m.user), nil)
		}
		nonce := make([]byte, 24)
		if _, rerr := rand.Read(nonce); rerr != nil {
			return nil, false, "", errs.New(errs.Internal, "scram: nonce generation failed", rerr)
		}
		m.nonce = nonce
		m.derivedKey = entry.key
		challenge := fmt.Sprintf("%s %d %s", hex.EncodeToString(entry.salt), entry.iterations, hex.EncodeToString(nonce))
		return []byte(challenge), false, "", nil
	default:
		mac := hmac.New(sha256.New, m.derivedKey)
		mac.Write(m.nonce)
		want := mac.Sum(nil)
		got, herr := hex.DecodeString(string(in))
		if herr != nil || !hmac.Equal(got, want) {
			return nil, false, "", errs.New(errs.Auth, fmt.Sprintf("scram: proof mismatch for %q", m.user), nil)
		}
		return nil, true, m.user, nil
	}
}
