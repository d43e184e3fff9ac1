// encrypt.go - Chunked encrypting reader.
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

// Package stream provides pull-based encrypting and decrypting readers
// operating on fixed-size authenticated chunks.  The chunk size is a
// shared constant between both ends; a mismatch surfaces as a failed
// authentication tag on decrypt.
package stream

import (
	"io"

	"github.com/slychat/slychat/crypto/ciphers"
)

// EncryptReader reads plaintext from an underlying reader and produces
// the ciphertext of consecutive fixed-size chunks.  Each plaintext chunk
// is encrypted independently; the final chunk may be short.  Leftover
// ciphertext from a chunk larger than the caller's buffer is returned on
// subsequent reads before any new plaintext is consumed.
type EncryptReader struct {
	cipher    ciphers.Cipher
	key       ciphers.Key
	r         io.Reader
	chunkSize int

	plainBuf []byte
	out      []byte
	outOff   int

	srcEOF bool
	err    error
}

// NewEncryptReader constructs an EncryptReader over r.
func NewEncryptReader(cipher ciphers.Cipher, key ciphers.Key, r io.Reader, chunkSize int) *EncryptReader {
	return &EncryptReader{
		cipher:    cipher,
		key:       key,
		r:         r,
		chunkSize: chunkSize,
		plainBuf:  make([]byte, chunkSize),
	}
}

// Read implements io.Reader.
func (e *EncryptReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	total := 0
	for total < len(p) {
		if e.outOff < len(e.out) {
			n := copy(p[total:], e.out[e.outOff:])
			e.outOff += n
			total += n
			continue
		}

		if e.err != nil {
			break
		}
		if e.srcEOF {
			e.err = io.EOF
			break
		}

		if err := e.fillChunk(); err != nil {
			e.err = err
			break
		}
	}

	if total > 0 {
		return total, nil
	}
	return 0, e.err
}

// fillChunk reads up to one plaintext chunk and encrypts it.  A short
// final chunk is encrypted as-is; EOF with no bytes leaves the output
// empty and marks the source done.
func (e *EncryptReader) fillChunk() error {
	filled := 0
	for filled < e.chunkSize {
		n, err := e.r.Read(e.plainBuf[filled:])
		filled += n
		if err == io.EOF {
			e.srcEOF = true
			break
		}
		if err != nil {
			return err
		}
	}

	if filled == 0 {
		e.out = nil
		e.outOff = 0
		return nil
	}

	ciphertext, err := e.cipher.Encrypt(e.key, e.plainBuf[:filled])
	if err != nil {
		return err
	}
	e.out = ciphertext
	e.outOff = 0
	return nil
}
