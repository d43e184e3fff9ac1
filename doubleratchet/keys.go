// keys.go - Key material for the ratchet protocol.
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

// Package doubleratchet implements the per-device messaging sessions: an
// X3DH handshake bootstrapped from prekey bundles, followed by a DH
// double ratchet over curve25519 with ChaCha20-Poly1305 message
// encryption.
package doubleratchet

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the size of curve25519 public and private keys.
const KeySize = 32

// PublicKey is a curve25519 public key.
type PublicKey [KeySize]byte

// Hex returns the hex representation of the key.
func (k PublicKey) Hex() string {
	return hex.EncodeToString(k[:])
}

// PrivateKey is a curve25519 private key.
type PrivateKey [KeySize]byte

// KeyPair is a curve25519 key pair.
type KeyPair struct {
	Public  PublicKey
	Private PrivateKey
}

// GenerateKeyPair generates a fresh curve25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	kp := new(KeyPair)
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return nil, err
	}
	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64

	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// IdentityKeyPair is a device's long-term identity: an ed25519 signing
// key for prekey signatures plus a curve25519 key for the handshake DHs.
type IdentityKeyPair struct {
	SigningPublic  ed25519.PublicKey
	SigningPrivate ed25519.PrivateKey
	DH             KeyPair
}

// GenerateIdentityKeyPair generates a fresh identity.
func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	dh, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &IdentityKeyPair{
		SigningPublic:  sigPub,
		SigningPrivate: sigPriv,
		DH:             *dh,
	}, nil
}

// Fingerprint returns the identity fingerprint used for trust decisions:
// the hex encoded SHA-256 digest of the signing key followed by the DH
// key.
func Fingerprint(signingPublic ed25519.PublicKey, dhPublic PublicKey) string {
	h := sha256.New()
	h.Write(signingPublic)
	h.Write(dhPublic[:])
	return hex.EncodeToString(h.Sum(nil))
}

// PublicFingerprint returns the identity's fingerprint.
func (ik *IdentityKeyPair) PublicFingerprint() string {
	return Fingerprint(ik.SigningPublic, ik.DH.Public)
}

func dh(priv PrivateKey, pub PublicKey) ([]byte, error) {
	return curve25519.X25519(priv[:], pub[:])
}
