// parts.go - upload part calculation.
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
	"fmt"

	"github.com/slychat/slychat/crypto/ciphers"
)

// MinPartSize is the smallest allowed upload part size except for the
// final part, an S3 limitation.
const MinPartSize = 5 * 1024 * 1024

// UploadPart is one part of a multi-part upload.  Offset and LocalSize
// address the plaintext file; RemoteSize is the encrypted size actually
// sent on the wire.
type UploadPart struct {
	N          int   `cbor:"1,keyasint"`
	Offset     int64 `cbor:"2,keyasint"`
	LocalSize  int64 `cbor:"3,keyasint"`
	RemoteSize int64 `cbor:"4,keyasint"`
	Complete   bool  `cbor:"5,keyasint"`
}

// RemoteFileSize returns the encrypted size of a file of the given size
// when chunked for streaming encryption.
func RemoteFileSize(cipher ciphers.Cipher, fileSize int64, chunkSize int) (int64, error) {
	if fileSize <= 0 {
		return 0, fmt.Errorf("transfer: fileSize must be > 0, got %d", fileSize)
	}
	if chunkSize <= 0 {
		return 0, fmt.Errorf("transfer: chunkSize must be > 0, got %d", chunkSize)
	}

	chunkCount := fileSize / int64(chunkSize)
	rem := fileSize % int64(chunkSize)

	var extra int64
	if rem > 0 {
		extra = int64(cipher.EncryptedSize(int(rem)))
	}

	encryptedChunkSize := int64(cipher.EncryptedSize(chunkSize))
	return encryptedChunkSize*chunkCount + extra, nil
}

// CalcUploadParts splits a plaintext file into upload parts along chunk
// boundaries, so every part except the last holds a whole number of
// encrypted chunks of at least minPartSize bytes.
func CalcUploadParts(cipher ciphers.Cipher, localFileSize int64, chunkSize, minPartSize int) ([]UploadPart, error) {
	if localFileSize <= 0 {
		return nil, fmt.Errorf("transfer: localFileSize must be > 0, got %d", localFileSize)
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("transfer: chunkSize must be > 0, got %d", chunkSize)
	}
	if chunkSize > minPartSize {
		return nil, fmt.Errorf("transfer: chunkSize (%d) must be <= minPartSize (%d)", chunkSize, minPartSize)
	}
	if minPartSize%chunkSize != 0 {
		return nil, fmt.Errorf("transfer: minPartSize (%d) must be a multiple of chunkSize (%d)", minPartSize, chunkSize)
	}

	encryptedChunkSize := int64(cipher.EncryptedSize(chunkSize))
	chunksPerPart := int64(minPartSize / chunkSize)

	if localFileSize < int64(chunkSize) {
		return []UploadPart{{
			N:          1,
			Offset:     0,
			LocalSize:  localFileSize,
			RemoteSize: int64(cipher.EncryptedSize(int(localFileSize))),
		}}, nil
	}

	evenChunks := localFileSize / int64(chunkSize)
	lastChunkSize := localFileSize % int64(chunkSize)

	evenParts := evenChunks / chunksPerPart
	remainderChunks := evenChunks % chunksPerPart

	var parts []UploadPart
	var offset int64
	for n := int64(1); n <= evenParts; n++ {
		part := UploadPart{
			N:          int(n),
			Offset:     offset,
			LocalSize:  chunksPerPart * int64(chunkSize),
			RemoteSize: chunksPerPart * encryptedChunkSize,
		}
		offset += part.LocalSize
		parts = append(parts, part)
	}

	if remainderChunks > 0 || lastChunkSize > 0 {
		var lastChunkEncryptedSize int64
		if lastChunkSize > 0 {
			lastChunkEncryptedSize = int64(cipher.EncryptedSize(int(lastChunkSize)))
		}
		parts = append(parts, UploadPart{
			N:          int(evenParts) + 1,
			Offset:     offset,
			LocalSize:  remainderChunks*int64(chunkSize) + lastChunkSize,
			RemoteSize: remainderChunks*encryptedChunkSize + lastChunkEncryptedSize,
		})
	}

	return parts, nil
}

// CalcUploadPartsEncrypted splits an already encrypted file into upload
// parts of at most minPartSize bytes.
func CalcUploadPartsEncrypted(remoteFileSize int64, minPartSize int) ([]UploadPart, error) {
	if remoteFileSize <= 0 {
		return nil, fmt.Errorf("transfer: remoteFileSize must be > 0, got %d", remoteFileSize)
	}

	var parts []UploadPart
	remaining := remoteFileSize
	var offset int64
	n := 1
	for remaining > 0 {
		partSize := remaining
		if partSize > int64(minPartSize) {
			partSize = int64(minPartSize)
		}
		parts = append(parts, UploadPart{
			N:          n,
			Offset:     offset,
			LocalSize:  partSize,
			RemoteSize: partSize,
		})
		n++
		offset += partSize
		remaining -= partSize
	}
	return parts, nil
}
