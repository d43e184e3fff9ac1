// chacha20poly1305.go - ChaCha20-Poly1305 cipher.
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

package ciphers

import (
	"crypto/rand"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// ChaCha20Poly1305ID is the CipherID of the ChaCha20-Poly1305 cipher.
const ChaCha20Poly1305ID CipherID = 2

var _ = register(&chaCha20Poly1305Cipher{})

// chaCha20Poly1305Cipher uses the same prepended-nonce ciphertext layout
// as the AES-256-GCM cipher.
type chaCha20Poly1305Cipher struct{}

func (c *chaCha20Poly1305Cipher) ID() CipherID {
	return ChaCha20Poly1305ID
}

func (c *chaCha20Poly1305Cipher) AlgorithmName() string {
	return "ChaCha20-Poly1305"
}

func (c *chaCha20Poly1305Cipher) KeySize() int {
	return chacha20poly1305.KeySize
}

func (c *chaCha20Poly1305Cipher) EncryptedSize(size int) int {
	return chacha20poly1305.NonceSize + size + chacha20poly1305.Overhead
}

func (c *chaCha20Poly1305Cipher) Encrypt(key Key, plaintext []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, &InvalidKeySizeError{Cipher: c.AlgorithmName(), Expected: chacha20poly1305.KeySize, Actual: len(key)}
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *chaCha20Poly1305Cipher) Decrypt(key Key, ciphertext []byte) ([]byte, error) {
	// A valid ciphertext carries at least the nonce and the tag.
	if len(ciphertext) < chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, ErrMalformedEncryptedData
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, &InvalidKeySizeError{Cipher: c.AlgorithmName(), Expected: chacha20poly1305.KeySize, Actual: len(key)}
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce, body := ciphertext[:chacha20poly1305.NonceSize], ciphertext[chacha20poly1305.NonceSize:]
	plaintext, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
