// session.go - Per-device messaging sessions.
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

	"github.com/fxamacker/cbor/v2"
)

const (
	// MessageTypePreKey tags a session-initiating message carrying the
	// X3DH handshake material alongside the first ratchet message.
	MessageTypePreKey = 1

	// MessageTypeRatchet tags a normal ratchet message on an
	// established session.
	MessageTypeRatchet = 2
)

// ErrInvalidMessage is the error returned when a serialized message
// cannot be decoded.
var ErrInvalidMessage = errors.New("doubleratchet: invalid message")

// EncryptedMessage is one serialized ciphertext for a single device,
// tagged with the ratchet step the receiver must apply.
type EncryptedMessage struct {
	// IsPreKey is true for session-initiating messages.
	IsPreKey bool
	// Data is the serialized message envelope.
	Data []byte
}

// preKeyEnvelope is the wire form of a session-initiating message.
type preKeyEnvelope struct {
	RegistrationID  int             `cbor:"1,keyasint"`
	IdentitySigning []byte          `cbor:"2,keyasint"`
	IdentityDH      PublicKey       `cbor:"3,keyasint"`
	EphemeralPub    PublicKey       `cbor:"4,keyasint"`
	SignedPreKeyID  uint32          `cbor:"5,keyasint"`
	OneTimePreKeyID uint32          `cbor:"6,keyasint"`
	Message         ratchetEnvelope `cbor:"7,keyasint"`
}

// ratchetEnvelope is the wire form of a normal ratchet message.
type ratchetEnvelope struct {
	Header     ratchetHeader `cbor:"1,keyasint"`
	Ciphertext []byte        `cbor:"2,keyasint"`
}

// sessionState is the cbor-serialized form of a Session.
type sessionState struct {
	RegistrationID      int           `cbor:"1,keyasint"`
	LocalRegistrationID int           `cbor:"2,keyasint"`
	PeerSigning         []byte        `cbor:"3,keyasint"`
	PeerIdentityDH      PublicKey     `cbor:"4,keyasint"`
	Ratchet             *ratchetState `cbor:"5,keyasint"`

	// Handshake material re-sent with every message until the peer's
	// first reply proves the session is established on both ends.
	Pending *pendingHandshake `cbor:"6,keyasint,omitempty"`
}

type pendingHandshake struct {
	EphemeralPub    PublicKey `cbor:"1,keyasint"`
	SignedPreKeyID  uint32    `cbor:"2,keyasint"`
	OneTimePreKeyID uint32    `cbor:"3,keyasint"`
}

// Session is the ratchet session with one remote device.  It is not
// safe for concurrent use; the cipher service serializes all access.
type Session struct {
	ourIdentity *IdentityKeyPair
	state       sessionState
}

// RemoteRegistrationID returns the remote device's registration id.
func (s *Session) RemoteRegistrationID() int {
	return s.state.RegistrationID
}

// RemoteFingerprint returns the remote identity fingerprint for trust
// checks against the contacts directory.
func (s *Session) RemoteFingerprint() string {
	return Fingerprint(ed25519.PublicKey(s.state.PeerSigning), s.state.PeerIdentityDH)
}

// NewSessionFromPreKeyBundle establishes a session as the initiating
// side.  The bundle's signed prekey signature is verified first; a
// mismatch fails the establishment.
func NewSessionFromPreKeyBundle(ourIdentity *IdentityKeyPair, ourRegistrationID int, bundle *PreKeyBundle) (*Session, error) {
	if err := VerifySignedPreKey(bundle); err != nil {
		return nil, err
	}

	ephemeral, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	root, err := initiatorRootKey(ourIdentity, ephemeral, bundle)
	if err != nil {
		return nil, err
	}
	ratchet, err := initiatorRatchet(root, bundle.SignedPreKeyPublic)
	if err != nil {
		return nil, err
	}

	pending := &pendingHandshake{
		EphemeralPub:   ephemeral.Public,
		SignedPreKeyID: bundle.SignedPreKeyID,
	}
	if bundle.OneTimePreKeyPublic != nil {
		pending.OneTimePreKeyID = bundle.OneTimePreKeyID
	}

	return &Session{
		ourIdentity: ourIdentity,
		state: sessionState{
			RegistrationID:      bundle.RegistrationID,
			LocalRegistrationID: ourRegistrationID,
			PeerSigning:         bundle.IdentitySigningPublic,
			PeerIdentityDH:      bundle.IdentityDHPublic,
			Ratchet:             ratchet,
			Pending:             pending,
		},
	}, nil
}

// NewSessionFromPreKeyMessage establishes a session as the responding
// side from an inbound prekey message, consuming the named one-time
// prekey, and returns the session along with the first decrypted
// plaintext.  The remote registration id is taken from the envelope.
func NewSessionFromPreKeyMessage(ourIdentity *IdentityKeyPair, ourRegistrationID int, preKeys PreKeyStore, data []byte) (*Session, []byte, error) {
	var envelope preKeyEnvelope
	if err := cbor.Unmarshal(data, &envelope); err != nil {
		return nil, nil, ErrInvalidMessage
	}

	signedPreKey, err := preKeys.SignedPreKey(envelope.SignedPreKeyID)
	if err != nil {
		return nil, nil, err
	}
	var oneTime *OneTimePreKey
	if envelope.OneTimePreKeyID != 0 {
		oneTime, err = preKeys.OneTimePreKey(envelope.OneTimePreKeyID)
		if err != nil {
			return nil, nil, err
		}
	}

	root, err := responderRootKey(ourIdentity, signedPreKey, oneTime, envelope.IdentityDH, envelope.EphemeralPub)
	if err != nil {
		return nil, nil, err
	}
	ratchet, err := responderRatchet(root, &signedPreKey.KeyPair, envelope.Message.Header.DHPub)
	if err != nil {
		return nil, nil, err
	}

	session := &Session{
		ourIdentity: ourIdentity,
		state: sessionState{
			RegistrationID:      envelope.RegistrationID,
			LocalRegistrationID: ourRegistrationID,
			PeerSigning:         envelope.IdentitySigning,
			PeerIdentityDH:      envelope.IdentityDH,
			Ratchet:             ratchet,
		},
	}

	plaintext, err := session.state.Ratchet.decrypt(nil, &envelope.Message.Header, envelope.Message.Ciphertext)
	if err != nil {
		return nil, nil, err
	}

	if oneTime != nil {
		// One-time keys are never reused.
		if err := preKeys.RemoveOneTimePreKey(oneTime.ID); err != nil {
			return nil, nil, err
		}
	}

	return session, plaintext, nil
}

// Encrypt encrypts one plaintext for the remote device.  Until the
// remote's first reply the handshake material is included so the remote
// can establish its half of the session from any of our messages.
func (s *Session) Encrypt(plaintext []byte) (*EncryptedMessage, error) {
	header, ciphertext, err := s.state.Ratchet.encrypt(nil, plaintext)
	if err != nil {
		return nil, err
	}
	inner := ratchetEnvelope{Header: *header, Ciphertext: ciphertext}

	if s.state.Pending == nil {
		data, err := cbor.Marshal(&inner)
		if err != nil {
			return nil, err
		}
		return &EncryptedMessage{Data: data}, nil
	}

	envelope := preKeyEnvelope{
		RegistrationID:  s.state.LocalRegistrationID,
		IdentitySigning: s.ourIdentity.SigningPublic,
		IdentityDH:      s.ourIdentity.DH.Public,
		EphemeralPub:    s.state.Pending.EphemeralPub,
		SignedPreKeyID:  s.state.Pending.SignedPreKeyID,
		OneTimePreKeyID: s.state.Pending.OneTimePreKeyID,
		Message:         inner,
	}
	data, err := cbor.Marshal(&envelope)
	if err != nil {
		return nil, err
	}
	return &EncryptedMessage{IsPreKey: true, Data: data}, nil
}

// Decrypt decrypts one inbound ratchet message.  A prekey message on an
// already established session has its handshake material ignored and
// only the inner ratchet message processed.
func (s *Session) Decrypt(m *EncryptedMessage) ([]byte, error) {
	var inner ratchetEnvelope
	if m.IsPreKey {
		var envelope preKeyEnvelope
		if err := cbor.Unmarshal(m.Data, &envelope); err != nil {
			return nil, ErrInvalidMessage
		}
		inner = envelope.Message
	} else {
		if err := cbor.Unmarshal(m.Data, &inner); err != nil {
			return nil, ErrInvalidMessage
		}
	}

	plaintext, err := s.state.Ratchet.decrypt(nil, &inner.Header, inner.Ciphertext)
	if err != nil {
		return nil, err
	}

	// The peer has our chain; no need to keep sending the handshake.
	s.state.Pending = nil
	return plaintext, nil
}

// Marshal serializes the session state for persistence.
func (s *Session) Marshal() ([]byte, error) {
	return cbor.Marshal(&s.state)
}

// UnmarshalSession deserializes persisted session state.
func UnmarshalSession(ourIdentity *IdentityKeyPair, data []byte) (*Session, error) {
	s := &Session{ourIdentity: ourIdentity}
	if err := cbor.Unmarshal(data, &s.state); err != nil {
		return nil, err
	}
	return s, nil
}
