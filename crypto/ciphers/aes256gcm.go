// aes256gcm.go - AES-256-GCM cipher.
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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"
)

const (
	// AES256GCMID is the CipherID of the AES-256-GCM cipher.
	AES256GCMID CipherID = 1

	aesGCMKeySize   = 32
	aesGCMNonceSize = 12
	aesGCMTagSize   = 16
)

var aes256GCM Cipher = register(&aes256GCMCipher{})

// aes256GCMCipher uses a random 96 bit nonce prepended to the
// ciphertext, followed by the 128 bit tag appended by GCM.
type aes256GCMCipher struct{}

func (c *aes256GCMCipher) ID() CipherID {
	return AES256GCMID
}

func (c *aes256GCMCipher) AlgorithmName() string {
	return "AES-256-GCM"
}

func (c *aes256GCMCipher) KeySize() int {
	return aesGCMKeySize
}

func (c *aes256GCMCipher) EncryptedSize(size int) int {
	return aesGCMNonceSize + size + aesGCMTagSize
}

func (c *aes256GCMCipher) newAEAD(key Key) (cipher.AEAD, error) {
	if len(key) != aesGCMKeySize {
		return nil, &InvalidKeySizeError{Cipher: c.AlgorithmName(), Expected: aesGCMKeySize, Actual: len(key)}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (c *aes256GCMCipher) Encrypt(key Key, plaintext []byte) ([]byte, error) {
	aead, err := c.newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aesGCMNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *aes256GCMCipher) Decrypt(key Key, ciphertext []byte) ([]byte, error) {
	// A valid ciphertext carries at least the nonce and the tag.
	if len(ciphertext) < aesGCMNonceSize+aesGCMTagSize {
		return nil, ErrMalformedEncryptedData
	}
	aead, err := c.newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce, body := ciphertext[:aesGCMNonceSize], ciphertext[aesGCMNonceSize:]
	plaintext, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
