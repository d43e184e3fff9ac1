// client.go - HTTP API client plumbing.
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

// Package api provides the HTTP client shared by the key server and file
// server API clients: credential headers, the result envelope, and the
// mapping from HTTP status codes to typed errors.
package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/slychat/slychat/auth"
	"github.com/slychat/slychat/core"
)

const defaultRequestTimeout = 30 * time.Second

// UnauthorizedError is the error returned for a 401 response.  It
// unwraps to auth.ErrTokenExpired so that operations run under
// auth.Bind invalidate their token and retry.
type UnauthorizedError struct{}

// Error implements the error interface.
func (e *UnauthorizedError) Error() string {
	return "api: unauthorized"
}

// Unwrap implements the errors.Unwrap interface.
func (e *UnauthorizedError) Unwrap() error {
	return auth.ErrTokenExpired
}

// TooManyRequestsError is the error returned for a 429 response.
type TooManyRequestsError struct {
	// RetryAfter is the server's Retry-After hint, zero when absent.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *TooManyRequestsError) Error() string {
	return fmt.Sprintf("api: too many requests (retry after %v)", e.RetryAfter)
}

// ServerError is the error returned for a 5xx response.
type ServerError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	return fmt.Sprintf("api: server error %d: %s", e.Code, e.Message)
}

// UnexpectedResponseError is the error returned for a status code the
// API surface never produces.
type UnexpectedResponseError struct {
	Code int
}

// Error implements the error interface.
func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("api: unexpected response status %d", e.Code)
}

// InvalidResponseBodyError is the error returned when a response body
// fails to parse as the expected result envelope.
type InvalidResponseBodyError struct {
	Err error
}

// Error implements the error interface.
func (e *InvalidResponseBodyError) Error() string {
	return fmt.Sprintf("api: invalid response body: %v", e.Err)
}

// Unwrap implements the errors.Unwrap interface.
func (e *InvalidResponseBodyError) Unwrap() error {
	return e.Err
}

// APIError is an api-level failure reported inside a 200/400 result
// envelope.
type APIError struct {
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("api: %s", e.Message)
}

// result is the envelope every JSON endpoint responds with: exactly one
// of error or value is set.
type result struct {
	Error *APIError       `json:"error"`
	Value json.RawMessage `json:"value"`
}

// Client wraps an http.Client with the credential and envelope handling
// shared by every API surface.
type Client struct {
	hc *http.Client
}

// NewClient constructs a Client.  A zero timeout selects the default;
// tlsConf may be nil for the system defaults.
func NewClient(timeout time.Duration, tlsConf *tls.Config) *Client {
	if timeout == 0 {
		timeout = defaultRequestTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConf
	return &Client{
		hc: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

// credentialHeader returns the Authorization header value for the given
// credentials.
func credentialHeader(creds *core.UserCredentials) string {
	raw := creds.Address.String() + ":" + string(creds.AuthToken)
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
}

// NewRequest constructs a request with the credential header set.  The
// context cancels the request body mid-transfer as well.
func (c *Client) NewRequest(ctx context.Context, method, url string, creds *core.UserCredentials, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if creds != nil {
		req.Header.Set("Authorization", credentialHeader(creds))
	}
	return req, nil
}

// Do issues a raw request on the underlying http.Client.  Callers that
// stream bodies (uploads, downloads) use this together with NewRequest
// and StatusError.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.hc.Do(req)
}

// Get issues an authenticated GET request and decodes the result
// envelope.
func Get[T any](ctx context.Context, c *Client, url string, creds *core.UserCredentials) (T, error) {
	var zero T
	req, err := c.NewRequest(ctx, http.MethodGet, url, creds, nil)
	if err != nil {
		return zero, err
	}
	return do[T](c, req)
}

// PostJSON issues an authenticated POST request with a JSON body and
// decodes the result envelope.
func PostJSON[T any](ctx context.Context, c *Client, url string, creds *core.UserCredentials, request interface{}) (T, error) {
	var zero T
	body, err := json.Marshal(request)
	if err != nil {
		return zero, err
	}
	req, err := c.NewRequest(ctx, http.MethodPost, url, creds, bytes.NewReader(body))
	if err != nil {
		return zero, err
	}
	req.Header.Set("Content-Type", "application/json")
	return do[T](c, req)
}

func do[T any](c *Client, req *http.Request) (T, error) {
	var zero T
	resp, err := c.hc.Do(req)
	if err != nil {
		return zero, err
	}
	defer resp.Body.Close()

	// Api-level errors ride in the envelope with a 200 or 400 status;
	// everything else maps to a typed error.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusBadRequest {
		return zero, StatusError(resp)
	}

	var envelope result
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return zero, &InvalidResponseBodyError{Err: err}
	}
	if envelope.Error != nil {
		return zero, envelope.Error
	}
	if envelope.Value == nil {
		return zero, nil
	}

	var value T
	if err := json.Unmarshal(envelope.Value, &value); err != nil {
		return zero, &InvalidResponseBodyError{Err: err}
	}
	return value, nil
}

// DecodeResult decodes a success envelope from a raw response body,
// for callers that manage the request themselves.
func DecodeResult(body io.Reader, out interface{}) error {
	var envelope result
	if err := json.NewDecoder(body).Decode(&envelope); err != nil {
		return &InvalidResponseBodyError{Err: err}
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if envelope.Value == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Value, out); err != nil {
		return &InvalidResponseBodyError{Err: err}
	}
	return nil
}

// StatusError maps a non-envelope response status to a typed error,
// draining the body so the connection can be reused.
func StatusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &UnauthorizedError{}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &TooManyRequestsError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode >= 500 && resp.StatusCode <= 599:
		message := serverErrorMessage(body)
		return &ServerError{Code: resp.StatusCode, Message: message}
	default:
		return &UnexpectedResponseError{Code: resp.StatusCode}
	}
}

func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	seconds, err := strconv.Atoi(v)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func serverErrorMessage(body []byte) string {
	var envelope struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		return envelope.Error.Message
	}
	return "internal server error"
}
