// records.go - persisted transfer job records.
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

package transfer

import (
	"github.com/slychat/slychat/crypto/ciphers"
)

// Upload is one persisted upload job.
type Upload struct {
	// ID identifies the job locally.
	ID string `cbor:"1,keyasint"`

	// FileID is the server-side file id the upload creates.
	FileID string `cbor:"2,keyasint"`

	// RemoteID is the server-side upload id, empty until the upload is
	// registered.
	RemoteID string `cbor:"3,keyasint"`

	// FilePath is the local plaintext file.
	FilePath string `cbor:"4,keyasint"`

	// FileSize is the plaintext size in bytes.
	FileSize int64 `cbor:"5,keyasint"`

	CipherID  ciphers.CipherID `cbor:"6,keyasint"`
	Key       []byte           `cbor:"7,keyasint"`
	ChunkSize int              `cbor:"8,keyasint"`

	Parts []UploadPart `cbor:"9,keyasint"`

	State State `cbor:"10,keyasint"`

	// Error holds the failure description when State is StateError.
	Error string `cbor:"11,keyasint,omitempty"`
}

// RemoteSize returns the total encrypted size of the upload.
func (u *Upload) RemoteSize() int64 {
	var total int64
	for _, part := range u.Parts {
		total += part.RemoteSize
	}
	return total
}

// TransferredSize returns the encrypted bytes already uploaded, counted
// in whole parts.
func (u *Upload) TransferredSize() int64 {
	var total int64
	for _, part := range u.Parts {
		if part.Complete {
			total += part.RemoteSize
		}
	}
	return total
}

// Download is one persisted download job.
type Download struct {
	// ID identifies the job locally.
	ID string `cbor:"1,keyasint"`

	// FileID is the server-side file id to fetch.
	FileID string `cbor:"2,keyasint"`

	// FilePath is the local destination for the decrypted plaintext.
	FilePath string `cbor:"3,keyasint"`

	// RemoteSize is the encrypted size in bytes.
	RemoteSize int64 `cbor:"4,keyasint"`

	CipherID  ciphers.CipherID `cbor:"5,keyasint"`
	Key       []byte           `cbor:"6,keyasint"`
	ChunkSize int              `cbor:"7,keyasint"`

	// Transferred is the count of encrypted bytes fetched so far;
	// downloads resume from here in whole encrypted chunks.
	Transferred int64 `cbor:"8,keyasint"`

	State State `cbor:"9,keyasint"`

	// Error holds the failure description when State is StateError.
	Error string `cbor:"10,keyasint,omitempty"`
}
