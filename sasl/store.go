// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sasl

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

const scramIterations = 4096

// scramEntry is the server-side credential for the SCRAM-style
// mechanism: salt and iteration count plus the derived key. Storing
// the derived key rather than the password lets the server verify a
// proof without ever holding a reversible secret, the same tradeoff
// RFC 5802 SCRAM makes with its StoredKey.
type scramEntry struct {
	salt       []byte
	iterations int
	key        []byte
}

// Store is the server-side credential store backing PLAIN (bcrypt
// hash of the password) and SCRAM-SHA-256 (PBKDF2-derived key).
type Store struct {
	plain map[string]string
	scram map[string]scramEntry
}

// NewStore returns an empty credential store.
func NewStore() *Store {
	return &Store{plain: map[string]string{}, scram: map[string]scramEntry{}}
}

// AddPlain registers a bcrypt password hash for user, as loaded from
// the config's [users] section.
func (s *Store) AddPlain(user, bcryptHash string) {
	s.plain[user] = bcryptHash
}

// AddScram registers a precomputed SCRAM credential for user: the
// hex-encoded salt, the iteration count and the hex-encoded key, as
// returned by NewScramCredential.
func (s *Store) AddScram(user, salt string, iterations int, key string) error {
	sb, err := hex.DecodeString(salt)
	if err != nil {
		return fmt.Errorf("scram salt for %q: %w", user, err)
	}
	kb, err := hex.DecodeString(key)
	if err != nil {
		return fmt.Errorf("scram key for %q: %w", user, err)
	}
	s.scram[user] = scramEntry{salt: sb, iterations: iterations, key: kb}
	return nil
}

func (s *Store) verifyPlain(user, password string) bool {
	hash, ok := s.plain[user]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func (s *Store) scramChallenge(user string) (scramEntry, bool) {
	e, ok := s.scram[user]
	return e, ok
}

// HashPlain bcrypt-hashes password for storage in a [users] entry.
func HashPlain(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// NewScramCredential derives a fresh random salt and the PBKDF2 key
// for password, returning hex-encoded salt, the iteration count, and
// hex-encoded key, the arguments Store.AddScram takes.
func NewScramCredential(password string) (salt string, iterations int, key string, err error) {
	saltBytes := make([]byte, 16)
	if _, err = rand.Read(saltBytes); err != nil {
		return "", 0, "", err
	}
	derived := deriveScramKey(password, saltBytes, scramIterations)
	return hex.EncodeToString(saltBytes), scramIterations, hex.EncodeToString(derived), nil
}

func deriveScramKey(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, sha256.Size, sha256.New)
}
