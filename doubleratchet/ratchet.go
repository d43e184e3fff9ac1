// ratchet.go - DH double ratchet.
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
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// maxSkippedKeys bounds the number of cached message keys for
// out-of-order delivery; the oldest entries are evicted past the cap.
const maxSkippedKeys = 1000

var (
	// ErrRatchetDecryptionFailed is the error returned when a ratchet
	// message fails authentication.
	ErrRatchetDecryptionFailed = errors.New("doubleratchet: message decryption failed")

	errChainUninitialized = errors.New("doubleratchet: chain key is uninitialized")

	rootKDFInfo  = []byte("slychat-dr-root")
	chainKDFInfo = []byte("slychat-dr-chain")
)

// ratchetHeader is the per-message ratchet header, authenticated as
// associated data.
type ratchetHeader struct {
	DHPub PublicKey `cbor:"1,keyasint"`
	PN    uint32    `cbor:"2,keyasint"`
	N     uint32    `cbor:"3,keyasint"`
}

func (h *ratchetHeader) bytes() []byte {
	out := make([]byte, 0, KeySize+8)
	out = append(out, h.DHPub[:]...)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], h.PN)
	out = append(out, b[:]...)
	binary.BigEndian.PutUint32(b[:], h.N)
	out = append(out, b[:]...)
	return out
}

// ratchetState is the mutable double ratchet state.  All fields are
// serialized when a session is persisted.
type ratchetState struct {
	RootKey   []byte     `cbor:"1,keyasint"`
	DHPriv    PrivateKey `cbor:"2,keyasint"`
	DHPub     PublicKey  `cbor:"3,keyasint"`
	PeerDHPub PublicKey  `cbor:"4,keyasint"`

	SendChainKey []byte `cbor:"5,keyasint"`
	RecvChainKey []byte `cbor:"6,keyasint"`

	Ns uint32 `cbor:"7,keyasint"`
	Nr uint32 `cbor:"8,keyasint"`
	PN uint32 `cbor:"9,keyasint"`

	Skipped map[string][]byte `cbor:"10,keyasint"`
}

// initiatorRatchet seeds the sending chain against the peer's signed
// prekey; the peer recovers the same chain from its private half.
func initiatorRatchet(root []byte, peerSignedPreKey PublicKey) (*ratchetState, error) {
	pair, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	shared, err := dh(pair.Private, peerSignedPreKey)
	if err != nil {
		return nil, err
	}
	newRoot, sendCK := kdfRoot(root, shared)

	return &ratchetState{
		RootKey:      newRoot,
		DHPriv:       pair.Private,
		DHPub:        pair.Public,
		PeerDHPub:    peerSignedPreKey,
		SendChainKey: sendCK,
		Skipped:      make(map[string][]byte),
	}, nil
}

// responderRatchet seeds the receiving chain from our signed prekey pair
// and the initiator's ratchet public key.  The signed prekey pair acts
// as our initial ratchet key; the first send performs a DH step.
func responderRatchet(root []byte, signedPreKeyPair *KeyPair, peerRatchetPub PublicKey) (*ratchetState, error) {
	shared, err := dh(signedPreKeyPair.Private, peerRatchetPub)
	if err != nil {
		return nil, err
	}
	newRoot, recvCK := kdfRoot(root, shared)

	return &ratchetState{
		RootKey:      newRoot,
		DHPriv:       signedPreKeyPair.Private,
		DHPub:        signedPreKeyPair.Public,
		PeerDHPub:    peerRatchetPub,
		RecvChainKey: recvCK,
		Skipped:      make(map[string][]byte),
	}, nil
}

// encrypt advances the sending chain and encrypts one message.  A
// sender with no sending chain (a responder that has not yet replied)
// performs a DH ratchet step first.
func (st *ratchetState) encrypt(ad, plaintext []byte) (*ratchetHeader, []byte, error) {
	if len(st.SendChainKey) == 0 {
		if err := st.stepSendChain(); err != nil {
			return nil, nil, err
		}
	}

	mk := kdfChain(&st.SendChainKey)
	header := &ratchetHeader{DHPub: st.DHPub, PN: st.PN, N: st.Ns}

	ciphertext, err := seal(mk, header, ad, plaintext)
	if err != nil {
		return nil, nil, err
	}
	st.Ns++
	return header, ciphertext, nil
}

// decrypt handles skipped message keys and DH ratchet steps, then opens
// the message.
func (st *ratchetState) decrypt(ad []byte, header *ratchetHeader, ciphertext []byte) ([]byte, error) {
	keyID := skippedKeyID(header.DHPub, header.N)
	if mk, ok := st.Skipped[keyID]; ok {
		delete(st.Skipped, keyID)
		plaintext, err := open(mk, header, ad, ciphertext)
		if err != nil {
			return nil, ErrRatchetDecryptionFailed
		}
		return plaintext, nil
	}

	if st.PeerDHPub != header.DHPub {
		// New remote ratchet key: cache the remainder of the old
		// receiving chain, then step.
		if len(st.RecvChainKey) != 0 {
			if err := st.skipUntil(header.PN); err != nil {
				return nil, err
			}
		}
		if err := st.stepRecvChain(header.DHPub); err != nil {
			return nil, err
		}
	}

	if len(st.RecvChainKey) == 0 {
		return nil, errChainUninitialized
	}
	if err := st.skipUntil(header.N); err != nil {
		return nil, err
	}
	mk := kdfChain(&st.RecvChainKey)
	plaintext, err := open(mk, header, ad, ciphertext)
	if err != nil {
		return nil, ErrRatchetDecryptionFailed
	}
	st.Nr++
	return plaintext, nil
}

// stepSendChain performs the sending half of a DH ratchet step with a
// fresh key pair.
func (st *ratchetState) stepSendChain() error {
	pair, err := GenerateKeyPair()
	if err != nil {
		return err
	}
	shared, err := dh(pair.Private, st.PeerDHPub)
	if err != nil {
		return err
	}
	newRoot, sendCK := kdfRoot(st.RootKey, shared)

	st.PN = st.Ns
	st.Ns = 0
	st.RootKey = newRoot
	st.DHPriv = pair.Private
	st.DHPub = pair.Public
	st.SendChainKey = sendCK
	return nil
}

// stepRecvChain advances the root with the new remote ratchet key and
// derives a fresh receiving chain; the sending chain is reset and will
// be re-derived on the next send.
func (st *ratchetState) stepRecvChain(peer PublicKey) error {
	shared, err := dh(st.DHPriv, peer)
	if err != nil {
		return err
	}
	newRoot, recvCK := kdfRoot(st.RootKey, shared)

	st.PN = st.Ns
	st.Ns = 0
	st.Nr = 0
	st.RootKey = newRoot
	st.PeerDHPub = peer
	st.RecvChainKey = recvCK
	st.SendChainKey = nil
	return nil
}

// skipUntil derives and caches receiving-chain keys up to but excluding
// n, for out-of-order delivery.
func (st *ratchetState) skipUntil(n uint32) error {
	if st.Nr >= n {
		return nil
	}
	if len(st.RecvChainKey) == 0 {
		return errChainUninitialized
	}
	for st.Nr < n {
		mk := kdfChain(&st.RecvChainKey)
		if len(st.Skipped) >= maxSkippedKeys {
			for k := range st.Skipped {
				delete(st.Skipped, k)
				break
			}
		}
		st.Skipped[skippedKeyID(st.PeerDHPub, st.Nr)] = mk
		st.Nr++
	}
	return nil
}

func skippedKeyID(peer PublicKey, n uint32) string {
	b := make([]byte, KeySize+4)
	copy(b, peer[:])
	binary.BigEndian.PutUint32(b[KeySize:], n)
	return string(b)
}

func seal(mk []byte, header *ratchetHeader, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[chacha20poly1305.NonceSize-4:], header.N)
	return aead.Seal(nil, nonce, plaintext, append(header.bytes(), ad...)), nil
}

func open(mk []byte, header *ratchetHeader, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[chacha20poly1305.NonceSize-4:], header.N)
	return aead.Open(nil, nonce, ciphertext, append(header.bytes(), ad...))
}

// kdfRoot advances the root key with a DH output, yielding the new root
// and a chain key.
func kdfRoot(root, dhOut []byte) (newRoot, chainKey []byte) {
	r := hkdf.New(sha256.New, dhOut, root, rootKDFInfo)
	newRoot = make([]byte, KeySize)
	chainKey = make([]byte, KeySize)
	io.ReadFull(r, newRoot)
	io.ReadFull(r, chainKey)
	return
}

// kdfChain advances a chain key in place and returns the message key.
func kdfChain(chainKey *[]byte) []byte {
	r := hkdf.New(sha256.New, *chainKey, nil, chainKDFInfo)
	next := make([]byte, KeySize)
	mk := make([]byte, chacha20poly1305.KeySize)
	io.ReadFull(r, next)
	io.ReadFull(r, mk)
	*chainKey = next
	return mk
}
