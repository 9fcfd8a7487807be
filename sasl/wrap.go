// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sasl

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// chunkSize bounds every sealed/tagged unit Wrap produces. Fixing it at
// 16 KiB (open question §9(c)) means Wrap never needs to know anything
// about the caller's message boundaries: it just slices, seals and
// frames each slice in turn.
const chunkSize = 16 * 1024

// ChunkSize is the fixed chunk size Wrap/Unwrap slice payloads into,
// exported so the data channel's own stream framing can size its
// buffers to match (open question §9(c)).
const ChunkSize = chunkSize

// Protector is the post-authentication wrap/unwrap layer a Negotiator
// delegates to once a mechanism has produced session key material.
type Protector interface {
	Wrap(b []byte) ([]byte, error)
	Unwrap(b []byte) ([]byte, error)
}

// keyer is implemented by mechanisms that export session key material
// once done; mechanisms that don't (PLAIN) leave the connection
// unprotected beyond the line codec's own framing.
type keyer interface {
	SessionKey() []byte
}

// integrityOnlier is implemented by mechanisms that negotiate a tag
// rather than full encryption, mirroring SASL's distinction between a
// privacy layer and an integrity-only layer.
type integrityOnlier interface {
	IntegrityOnly() bool
}

// NewProtector builds the layer appropriate to mech's negotiated key
// material: AEAD privacy by default, HMAC-SHA256 tag-append for a
// mechanism that opts into integrity-only, or an identity pass-through
// for a mechanism with no exported key.
func NewProtector(mech Mechanism, role Role) Protector {
	k, ok := mech.(keyer)
	if !ok {
		return identityProtector{}
	}
	master := k.SessionKey()
	if len(master) == 0 {
		return identityProtector{}
	}

	encryptKey, decryptKey := directionalKeys(master, role)

	if io, ok := mech.(integrityOnlier); ok && io.IntegrityOnly() {
		return &hmacProtector{sendKey: encryptKey, recvKey: decryptKey}
	}

	p, err := newAEADProtector(encryptKey, decryptKey)
	if err != nil {
		// chacha20poly1305.New only fails on a bad key size, which
		// directionalKeys never produces; fall back to integrity-only
		// rather than leaving the session unprotected.
		return &hmacProtector{sendKey: encryptKey, recvKey: decryptKey}
	}
	return p
}

// directionalKeys splits one shared session key into a pair of
// per-direction keys, so the same master key never seals two
// different streams under the same nonce space.
func directionalKeys(master []byte, role Role) (encryptKey, decryptKey []byte) {
	clientKey := hkdfLabel(master, "client-to-server")
	serverKey := hkdfLabel(master, "server-to-client")
	if role == Initiator {
		return clientKey, serverKey
	}
	return serverKey, clientKey
}

func hkdfLabel(master []byte, label string) []byte {
	mac := hmac.New(sha256.New, master)
	mac.Write([]byte(label))
	return mac.Sum(nil)
}

type identityProtector struct{}

func (identityProtector) Wrap(b []byte) ([]byte, error)   { return b, nil }
func (identityProtector) Unwrap(b []byte) ([]byte, error) { return b, nil }

// aeadProtector seals each chunkSize-bounded slice with
// chacha20poly1305, framing each sealed chunk with a 4-byte
// big-endian length prefix so Unwrap can recover chunk boundaries.
type aeadProtector struct {
	sendAEAD cipherAEAD
	recvAEAD cipherAEAD
	sendSeq  uint64
	recvSeq  uint64
}

// cipherAEAD is the subset of cipher.AEAD used here, named locally so
// this file doesn't need to import crypto/cipher just for the type.
type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}

func newAEADProtector(encryptKey, decryptKey []byte) (*aeadProtector, error) {
	send, err := chacha20poly1305.New(encryptKey)
	if err != nil {
		return nil, fmt.Errorf("sasl: send aead: %w", err)
	}
	recv, err := chacha20poly1305.New(decryptKey)
	if err != nil {
		return nil, fmt.Errorf("sasl: recv aead: %w", err)
	}
	return &aeadProtector{sendAEAD: send, recvAEAD: recv}, nil
}

func seqNonce(seq uint64, size int) []byte {
	nonce := make([]byte, size)
	binary.BigEndian.PutUint64(nonce[size-8:], seq)
	return nonce
}

func (p *aeadProtector) Wrap(b []byte) ([]byte, error) {
	var out []byte
	for len(b) > 0 {
		n := chunkSize
		if n > len(b) {
			n = len(b)
		}
		chunk := b[:n]
		b = b[n:]

		nonce := seqNonce(p.sendSeq, p.sendAEAD.NonceSize())
		p.sendSeq++
		sealed := p.sendAEAD.Seal(nil, nonce, chunk, nil)

		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], uint32(len(sealed)))
		out = append(out, hdr[:]...)
		out = append(out, sealed...)
	}
	return out, nil
}

func (p *aeadProtector) Unwrap(b []byte) ([]byte, error) {
	var out []byte
	for len(b) > 0 {
		if len(b) < 4 {
			return nil, fmt.Errorf("sasl: truncated chunk header")
		}
		n := binary.BigEndian.Uint32(b[:4])
		b = b[4:]
		if uint64(n) > uint64(len(b)) {
			return nil, fmt.Errorf("sasl: truncated chunk body")
		}
		sealed := b[:n]
		b = b[n:]

		nonce := seqNonce(p.recvSeq, p.recvAEAD.NonceSize())
		p.recvSeq++
		plain, err := p.recvAEAD.Open(nil, nonce, sealed, nil)
		if err != nil {
			return nil, fmt.Errorf("sasl: chunk auth failed: %w", err)
		}
		out = append(out, plain...)
	}
	return out, nil
}

// hmacProtector appends an HMAC-SHA256 tag per chunk without
// encrypting: the integrity-only layer for mechanisms that negotiate
// message authentication but not confidentiality.
type hmacProtector struct {
	sendKey []byte
	recvKey []byte
}

func (p *hmacProtector) Wrap(b []byte) ([]byte, error) {
	var out []byte
	for len(b) > 0 {
		n := chunkSize
		if n > len(b) {
			n = len(b)
		}
		chunk := b[:n]
		b = b[n:]

		mac := hmac.New(sha256.New, p.sendKey)
		mac.Write(chunk)
		tag := mac.Sum(nil)

		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], uint32(len(chunk)))
		out = append(out, hdr[:]...)
		out = append(out, chunk...)
		out = append(out, tag...)
	}
	return out, nil
}

func (p *hmacProtector) Unwrap(b []byte) ([]byte, error) {
	var out []byte
	for len(b) > 0 {
		if len(b) < 4 {
			return nil, fmt.Errorf("sasl: truncated chunk header")
		}
		n := binary.BigEndian.Uint32(b[:4])
		b = b[4:]
		if uint64(n)+sha256.Size > uint64(len(b)) {
			return nil, fmt.Errorf("sasl: truncated chunk body")
		}
		chunk := b[:n]
		tag := b[n : n+sha256.Size]
		b = b[n+sha256.Size:]

		mac := hmac.New(sha256.New, p.recvKey)
		mac.Write(chunk)
		want := mac.Sum(nil)
		if !hmac.Equal(tag, want) {
			return nil, fmt.Errorf("sasl: chunk tag mismatch")
		}
		out = append(out, chunk...)
	}
	return out, nil
}
