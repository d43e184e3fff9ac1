// x3dh.go - X3DH handshake key derivation.
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
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var x3dhInfo = []byte("slychat-x3dh")

// InvalidPreKeySignatureError is the error returned when a bundle's
// signed prekey signature does not verify against its identity key.
// This is fatal for that session establishment only.
type InvalidPreKeySignatureError struct {
	RegistrationID int
}

// Error implements the error interface.
func (e *InvalidPreKeySignatureError) Error() string {
	return fmt.Sprintf("doubleratchet: invalid signed prekey signature (registration id %d)", e.RegistrationID)
}

// VerifySignedPreKey checks a bundle's signed prekey signature.
func VerifySignedPreKey(bundle *PreKeyBundle) error {
	if !ed25519.Verify(bundle.IdentitySigningPublic, bundle.SignedPreKeyPublic[:], bundle.SignedPreKeySignature) {
		return &InvalidPreKeySignatureError{RegistrationID: bundle.RegistrationID}
	}
	return nil
}

// initiatorRootKey derives the shared root key on the initiating side:
// DH1 = DH(IKa, SPKb), DH2 = DH(EKa, IKb), DH3 = DH(EKa, SPKb) and,
// when a one-time prekey was handed out, DH4 = DH(EKa, OPKb).
func initiatorRootKey(ourIdentity *IdentityKeyPair, ourEphemeral *KeyPair, bundle *PreKeyBundle) ([]byte, error) {
	dh1, err := dh(ourIdentity.DH.Private, bundle.SignedPreKeyPublic)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(ourEphemeral.Private, bundle.IdentityDHPublic)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(ourEphemeral.Private, bundle.SignedPreKeyPublic)
	if err != nil {
		return nil, err
	}

	concat := make([]byte, 0, 4*KeySize)
	concat = append(concat, dh1...)
	concat = append(concat, dh2...)
	concat = append(concat, dh3...)

	if bundle.OneTimePreKeyPublic != nil {
		dh4, err := dh(ourEphemeral.Private, *bundle.OneTimePreKeyPublic)
		if err != nil {
			return nil, err
		}
		concat = append(concat, dh4...)
	}

	return deriveRootKey(concat)
}

// responderRootKey mirrors initiatorRootKey with the private halves we
// hold locally.
func responderRootKey(ourIdentity *IdentityKeyPair, signedPreKey *SignedPreKey, oneTimePreKey *OneTimePreKey, peerIdentityDH, peerEphemeral PublicKey) ([]byte, error) {
	dh1, err := dh(signedPreKey.KeyPair.Private, peerIdentityDH)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(ourIdentity.DH.Private, peerEphemeral)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(signedPreKey.KeyPair.Private, peerEphemeral)
	if err != nil {
		return nil, err
	}

	concat := make([]byte, 0, 4*KeySize)
	concat = append(concat, dh1...)
	concat = append(concat, dh2...)
	concat = append(concat, dh3...)

	if oneTimePreKey != nil {
		dh4, err := dh(oneTimePreKey.KeyPair.Private, peerEphemeral)
		if err != nil {
			return nil, err
		}
		concat = append(concat, dh4...)
	}

	return deriveRootKey(concat)
}

func deriveRootKey(dhConcat []byte) ([]byte, error) {
	root := make([]byte, KeySize)
	r := hkdf.New(sha256.New, dhConcat, nil, x3dhInfo)
	if _, err := io.ReadFull(r, root); err != nil {
		return nil, err
	}
	return root, nil
}
