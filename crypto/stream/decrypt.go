// decrypt.go - Chunked decrypting reader.
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

package stream

import (
	"io"

	"github.com/slychat/slychat/crypto/ciphers"
)

type decryptState int

const (
	// Accumulating one encrypted chunk from the source.  EOF with
	// nothing accumulated is a clean end of stream; EOF mid-chunk
	// hands the partial chunk (the short final chunk) to decryption.
	stateReadData decryptState = iota
	// Draining the decrypted chunk into caller buffers.
	stateCopyData
	stateEOF
)

// DecryptReader reads ciphertext chunks produced by an EncryptReader
// from an underlying reader and exposes the plaintext strictly in order.
// The source may deliver arbitrarily short reads; a chunk is accumulated
// across as many reads as needed.
type DecryptReader struct {
	cipher ciphers.Cipher
	key    ciphers.Key
	r      io.Reader

	state decryptState

	encryptedChunkSize int
	encBuf             []byte
	encRead            int

	plainBuf []byte
	plainOff int

	err error
}

// NewDecryptReader constructs a DecryptReader over r.  chunkSize is the
// plaintext chunk size used on the encrypting side.
func NewDecryptReader(cipher ciphers.Cipher, key ciphers.Key, r io.Reader, chunkSize int) *DecryptReader {
	encryptedChunkSize := cipher.EncryptedSize(chunkSize)
	return &DecryptReader{
		cipher:             cipher,
		key:                key,
		r:                  r,
		encryptedChunkSize: encryptedChunkSize,
		encBuf:             make([]byte, encryptedChunkSize),
	}
}

// Read implements io.Reader.  Once io.EOF has been returned all
// subsequent calls return io.EOF.
func (d *DecryptReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	total := 0
	for total < len(p) {
		switch d.state {
		case stateCopyData:
			n := copy(p[total:], d.plainBuf[d.plainOff:])
			d.plainOff += n
			total += n
			if d.plainOff == len(d.plainBuf) {
				d.plainBuf = nil
				d.plainOff = 0
				d.encRead = 0
				d.state = stateReadData
			}

		case stateReadData:
			if d.err != nil {
				if total > 0 {
					return total, nil
				}
				return 0, d.err
			}
			if err := d.readChunk(); err != nil {
				d.err = err
				if total > 0 {
					return total, nil
				}
				return 0, err
			}

		case stateEOF:
			if total > 0 {
				return total, nil
			}
			return 0, io.EOF
		}
	}

	return total, nil
}

// readChunk accumulates one encrypted chunk (or the short final chunk at
// EOF) and decrypts it, advancing the state machine.
func (d *DecryptReader) readChunk() error {
	for d.encRead < d.encryptedChunkSize {
		n, err := d.r.Read(d.encBuf[d.encRead:])
		d.encRead += n
		if err == io.EOF {
			if d.encRead == 0 {
				d.state = stateEOF
				return nil
			}
			break
		}
		if err != nil {
			return err
		}
	}

	plaintext, err := d.cipher.Decrypt(d.key, d.encBuf[:d.encRead])
	if err != nil {
		return err
	}
	d.plainBuf = plaintext
	d.plainOff = 0
	d.state = stateCopyData
	return nil
}
