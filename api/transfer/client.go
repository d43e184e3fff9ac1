// client.go - file server transfer API client.
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

// Package transfer is the file server client: multi-part uploads with
// MD5 checksum verification and ranged downloads.
package transfer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/slychat/slychat/api"
	"github.com/slychat/slychat/core"
)

// UploadCorruptedError is the error returned when the server's checksum
// for an uploaded part does not match what was sent.  The part must be
// uploaded again.
type UploadCorruptedError struct {
	UploadID string
	Part     int
}

// Error implements the error interface.
func (e *UploadCorruptedError) Error() string {
	return fmt.Sprintf("transfer: upload %s part %d corrupted in transit", e.UploadID, e.Part)
}

// FileNotFoundError is the error returned when a download names an
// unknown file id.
type FileNotFoundError struct {
	FileID string
}

// Error implements the error interface.
func (e *FileNotFoundError) Error() string {
	return fmt.Sprintf("transfer: no such file %s", e.FileID)
}

// NewUploadRequest describes an upload to be created.
type NewUploadRequest struct {
	FileID     string `json:"fileId"`
	RemoteSize int64  `json:"remoteSize"`
	PartCount  int    `json:"partCount"`
	PartSize   int64  `json:"partSize"`
	FinalSize  int64  `json:"finalSize"`
}

type newUploadResponse struct {
	UploadID string `json:"uploadId"`
}

type uploadPartResponse struct {
	Checksum string `json:"checksum"`
}

// Client is the file server transfer API client.
type Client struct {
	fileServerBaseURL string
	selfAddress       core.Address
	http              *api.Client
}

// NewClient constructs a transfer API client.
func NewClient(fileServerBaseURL string, selfAddress core.Address, httpClient *api.Client) *Client {
	return &Client{
		fileServerBaseURL: fileServerBaseURL,
		selfAddress:       selfAddress,
		http:              httpClient,
	}
}

func (c *Client) credentials(token core.AuthToken) *core.UserCredentials {
	return &core.UserCredentials{Address: c.selfAddress, AuthToken: token}
}

// NewUpload registers a multi-part upload and returns its id.
func (c *Client) NewUpload(ctx context.Context, token core.AuthToken, request *NewUploadRequest) (string, error) {
	response, err := api.PostJSON[newUploadResponse](ctx, c.http, c.fileServerBaseURL+"/v1/upload", c.credentials(token), request)
	if err != nil {
		return "", err
	}
	return response.UploadID, nil
}

// UploadPart streams one part body to the server and verifies the
// server's checksum against the MD5 digest computed while sending.
// Cancelling the context aborts the transfer mid-body.
func (c *Client) UploadPart(ctx context.Context, token core.AuthToken, uploadID string, part int, size int64, body io.Reader) error {
	digest := md5.New()
	url := fmt.Sprintf("%s/v1/upload/%s/%d", c.fileServerBaseURL, uploadID, part)

	req, err := c.http.NewRequest(ctx, http.MethodPut, url, c.credentials(token), io.TeeReader(body, digest))
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return api.StatusError(resp)
	}

	var response uploadPartResponse
	if err := api.DecodeResult(resp.Body, &response); err != nil {
		return err
	}
	if response.Checksum != hex.EncodeToString(digest.Sum(nil)) {
		return &UploadCorruptedError{UploadID: uploadID, Part: part}
	}
	return nil
}

// CompleteUpload finalizes a multi-part upload once every part is in.
func (c *Client) CompleteUpload(ctx context.Context, token core.AuthToken, uploadID string) error {
	url := fmt.Sprintf("%s/v1/upload/%s/complete", c.fileServerBaseURL, uploadID)
	_, err := api.PostJSON[struct{}](ctx, c.http, url, c.credentials(token), nil)
	return err
}

// Download opens a download of the named file, optionally restricted to
// the byte range [offset, offset+length).  A zero length requests the
// remainder of the file.  The caller owns the returned body; cancelling
// the context aborts a read in progress.
func (c *Client) Download(ctx context.Context, token core.AuthToken, fileID string, offset, length int64) (io.ReadCloser, int64, error) {
	url := fmt.Sprintf("%s/v1/download/%s", c.fileServerBaseURL, fileID)

	req, err := c.http.NewRequest(ctx, http.MethodGet, url, c.credentials(token), nil)
	if err != nil {
		return nil, 0, err
	}
	if offset > 0 || length > 0 {
		if length > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
		} else {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, 0, &FileNotFoundError{FileID: fileID}
	default:
		defer resp.Body.Close()
		return nil, 0, api.StatusError(resp)
	}

	contentLength := resp.Header.Get("Content-Length")
	if contentLength == "" {
		resp.Body.Close()
		return nil, 0, &api.InvalidResponseBodyError{Err: fmt.Errorf("transfer: missing Content-Length")}
	}
	size, err := strconv.ParseInt(contentLength, 10, 64)
	if err != nil {
		resp.Body.Close()
		return nil, 0, &api.InvalidResponseBodyError{Err: fmt.Errorf("transfer: bad Content-Length %q", contentLength)}
	}

	return resp.Body, size, nil
}
