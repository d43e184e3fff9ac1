// prekeys.go - Prekey bundles and the local prekey store.
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

package doubleratchet

import (
	"crypto/ed25519"
	"errors"

	"github.com/slychat/slychat/core"
)

// ErrPreKeyNotFound is the error returned when a prekey id named in a
// handshake message is not in the local store.
var ErrPreKeyNotFound = errors.New("doubleratchet: prekey not found")

// PreKeyBundle is the public key material fetched from the key server to
// bootstrap a session with one remote device.  The one-time prekey is
// optional; the server hands each out only once.
type PreKeyBundle struct {
	RegistrationID int
	DeviceID       core.DeviceID

	IdentitySigningPublic ed25519.PublicKey
	IdentityDHPublic      PublicKey

	SignedPreKeyID        uint32
	SignedPreKeyPublic    PublicKey
	SignedPreKeySignature []byte

	// OneTimePreKeyPublic is nil when the server had none left.
	OneTimePreKeyID     uint32
	OneTimePreKeyPublic *PublicKey
}

// SignedPreKey is a locally generated signed prekey, private half
// included.
type SignedPreKey struct {
	ID        uint32
	KeyPair   KeyPair
	Signature []byte
}

// OneTimePreKey is a locally generated one-time prekey, private half
// included.
type OneTimePreKey struct {
	ID      uint32
	KeyPair KeyPair
}

// PreKeyStore is the persistent store for this device's own prekey
// private keys, looked up when a remote initiates a session with us.
type PreKeyStore interface {
	// SignedPreKey returns the signed prekey with the given id.
	SignedPreKey(id uint32) (*SignedPreKey, error)

	// OneTimePreKey returns the one-time prekey with the given id.
	OneTimePreKey(id uint32) (*OneTimePreKey, error)

	// RemoveOneTimePreKey discards a consumed one-time prekey.
	RemoveOneTimePreKey(id uint32) error
}

// GeneratedPreKeys is a freshly generated batch of prekeys for upload.
type GeneratedPreKeys struct {
	SignedPreKey   *SignedPreKey
	OneTimePreKeys []*OneTimePreKey
}

// GeneratePreKeys generates a signed prekey plus count one-time prekeys,
// signing the signed prekey with the identity's signing key.  IDs are
// assigned sequentially starting at firstID.
func GeneratePreKeys(identity *IdentityKeyPair, firstID uint32, count int) (*GeneratedPreKeys, error) {
	spkPair, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	signature := ed25519.Sign(identity.SigningPrivate, spkPair.Public[:])
	spk := &SignedPreKey{
		ID:        firstID,
		KeyPair:   *spkPair,
		Signature: signature,
	}

	oneTime := make([]*OneTimePreKey, 0, count)
	for i := 0; i < count; i++ {
		pair, err := GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		oneTime = append(oneTime, &OneTimePreKey{
			ID:      firstID + 1 + uint32(i),
			KeyPair: *pair,
		})
	}

	return &GeneratedPreKeys{SignedPreKey: spk, OneTimePreKeys: oneTime}, nil
}
