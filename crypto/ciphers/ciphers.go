// ciphers.go - Data encryption cipher registry.
// Copyright (C) 2016  Sly Chat Developers.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package ciphers provides the symmetric ciphers used for file content
// encryption, keyed by a stable cipher id so stored data records which
// algorithm produced it.
package ciphers

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// ErrMalformedEncryptedData is the error returned when ciphertext is too
// short to even contain the nonce, or otherwise structurally invalid.
// Authentication failures are reported separately.
var ErrMalformedEncryptedData = errors.New("ciphers: malformed encrypted data")

// ErrDecryptionFailed is the error returned when an authentication tag
// does not verify.
var ErrDecryptionFailed = errors.New("ciphers: decryption failed")

// CipherID is the stable identifier of a cipher algorithm.
type CipherID uint8

// UnknownCipherError is the error returned when looking up a CipherID no
// cipher is registered for.
type UnknownCipherError struct {
	ID CipherID
}

// Error implements the error interface.
func (e *UnknownCipherError) Error() string {
	return fmt.Sprintf("ciphers: unknown cipher id: %d", e.ID)
}

// InvalidKeySizeError is the error returned when a key of the wrong
// length is given to a cipher.
type InvalidKeySizeError struct {
	Cipher   string
	Expected int
	Actual   int
}

// Error implements the error interface.
func (e *InvalidKeySizeError) Error() string {
	return fmt.Sprintf("ciphers: %s requires a %d byte key, got %d bytes", e.Cipher, e.Expected, e.Actual)
}

// Key is raw symmetric key material.
type Key []byte

// NewKey generates a fresh random key of the given size.
func NewKey(size int) (Key, error) {
	k := make(Key, size)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		return nil, err
	}
	return k, nil
}

// Cipher is a stateless authenticated symmetric cipher.  Implementations
// hold no per-call state and are safe for concurrent use.
type Cipher interface {
	// ID returns the cipher's stable identifier.
	ID() CipherID

	// AlgorithmName returns a human readable algorithm name.
	AlgorithmName() string

	// KeySize returns the required key length in bytes.
	KeySize() int

	// EncryptedSize returns the ciphertext length produced for a
	// plaintext of the given length, including nonce and tag overhead.
	EncryptedSize(size int) int

	// Encrypt encrypts plaintext under key.  The nonce is generated
	// per call and prepended to the returned ciphertext.
	Encrypt(key Key, plaintext []byte) ([]byte, error)

	// Decrypt decrypts a ciphertext produced by Encrypt.
	Decrypt(key Key, ciphertext []byte) ([]byte, error)
}

var registry = make(map[CipherID]Cipher)

func register(c Cipher) Cipher {
	registry[c.ID()] = c
	return c
}

// CipherByID returns the cipher registered for the given id.
func CipherByID(id CipherID) (Cipher, error) {
	c, ok := registry[id]
	if !ok {
		return nil, &UnknownCipherError{ID: id}
	}
	return c, nil
}

// DefaultDataEncryptionCipher is the cipher used for newly encrypted
// file content.
func DefaultDataEncryptionCipher() Cipher {
	return aes256GCM
}
