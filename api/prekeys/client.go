// client.go - key server prekey API client.
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

// Package prekeys is the key server client: uploading this device's
// prekey bundle and retrieving the bundles of other devices.
package prekeys

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/slychat/slychat/api"
	"github.com/slychat/slychat/core"
	"github.com/slychat/slychat/doubleratchet"
)

// InvalidBundleError describes a retrieved bundle that failed to
// deserialize.
type InvalidBundleError struct {
	DeviceID core.DeviceID
	Err      error
}

// Error implements the error interface.
func (e *InvalidBundleError) Error() string {
	return fmt.Sprintf("prekeys: invalid bundle for device %d: %v", e.DeviceID, e.Err)
}

// Unwrap implements the errors.Unwrap interface.
func (e *InvalidBundleError) Unwrap() error {
	return e.Err
}

// SerializedSignedPreKey is the wire form of a signed prekey's public
// half.  Key material is hex encoded.
type SerializedSignedPreKey struct {
	ID        uint32 `json:"id"`
	Key       string `json:"key"`
	Signature string `json:"signature"`
}

// SerializedOneTimePreKey is the wire form of a one-time prekey's
// public half.
type SerializedOneTimePreKey struct {
	ID  uint32 `json:"id"`
	Key string `json:"key"`
}

// SerializedBundle is the wire form of one device's prekey bundle.
type SerializedBundle struct {
	RegistrationID     int                      `json:"registrationId"`
	IdentitySigningKey string                   `json:"identitySigningKey"`
	IdentityDHKey      string                   `json:"identityDhKey"`
	SignedPreKey       SerializedSignedPreKey   `json:"signedPreKey"`
	OneTimePreKey      *SerializedOneTimePreKey `json:"oneTimePreKey"`
}

type retrievalRequest struct {
	UserID    core.UserID     `json:"userId"`
	DeviceIDs []core.DeviceID `json:"deviceIds"`
}

type retrievalResponse struct {
	// Bundles is keyed by decimal device id.  A null entry means the
	// device exists but has no bundle available.
	Bundles map[string]*SerializedBundle `json:"bundles"`
}

type storeRequest struct {
	RegistrationID     int                       `json:"registrationId"`
	IdentitySigningKey string                    `json:"identitySigningKey"`
	IdentityDHKey      string                    `json:"identityDhKey"`
	SignedPreKey       SerializedSignedPreKey    `json:"signedPreKey"`
	OneTimePreKeys     []SerializedOneTimePreKey `json:"oneTimePreKeys"`
}

type storeResponse struct {
	Stored int `json:"stored"`
}

// Client is the key server prekey API client.
type Client struct {
	serverBaseURL string
	selfAddress   core.Address
	http          *api.Client
}

// NewClient constructs a prekey API client.  The self address is paired
// with auth tokens to form request credentials.
func NewClient(serverBaseURL string, selfAddress core.Address, httpClient *api.Client) *Client {
	return &Client{
		serverBaseURL: serverBaseURL,
		selfAddress:   selfAddress,
		http:          httpClient,
	}
}

// Retrieve fetches the prekey bundles for the named devices of one user
// in a single request; an empty deviceIDs slice requests every
// registered device.  Null server entries are preserved as nil bundles,
// and a bundle that fails to deserialize is reported as nil too so one
// bad device doesn't block messaging the rest.
func (c *Client) Retrieve(token core.AuthToken, userID core.UserID, deviceIDs []core.DeviceID) (map[core.DeviceID]*doubleratchet.PreKeyBundle, error) {
	creds := &core.UserCredentials{Address: c.selfAddress, AuthToken: token}
	request := retrievalRequest{UserID: userID, DeviceIDs: deviceIDs}

	response, err := api.PostJSON[retrievalResponse](context.Background(), c.http, c.serverBaseURL+"/v1/prekeys/retrieve", creds, &request)
	if err != nil {
		return nil, err
	}

	bundles := make(map[core.DeviceID]*doubleratchet.PreKeyBundle, len(response.Bundles))
	for key, serialized := range response.Bundles {
		id, err := strconv.Atoi(key)
		if err != nil {
			return nil, &api.InvalidResponseBodyError{Err: fmt.Errorf("prekeys: bad device id key %q", key)}
		}
		deviceID := core.DeviceID(id)
		if serialized == nil {
			bundles[deviceID] = nil
			continue
		}
		bundle, err := deserializeBundle(deviceID, serialized)
		if err != nil {
			bundles[deviceID] = nil
			continue
		}
		bundles[deviceID] = bundle
	}
	return bundles, nil
}

// Store uploads this device's public prekey bundle to the key server
// and reports how many one-time prekeys the server now holds.
func (c *Client) Store(token core.AuthToken, identity *doubleratchet.IdentityKeyPair, registrationID int, generated *doubleratchet.GeneratedPreKeys) (int, error) {
	creds := &core.UserCredentials{Address: c.selfAddress, AuthToken: token}

	request := storeRequest{
		RegistrationID:     registrationID,
		IdentitySigningKey: hex.EncodeToString(identity.SigningPublic),
		IdentityDHKey:      identity.DH.Public.Hex(),
		SignedPreKey: SerializedSignedPreKey{
			ID:        generated.SignedPreKey.ID,
			Key:       generated.SignedPreKey.KeyPair.Public.Hex(),
			Signature: hex.EncodeToString(generated.SignedPreKey.Signature),
		},
	}
	for _, otk := range generated.OneTimePreKeys {
		request.OneTimePreKeys = append(request.OneTimePreKeys, SerializedOneTimePreKey{
			ID:  otk.ID,
			Key: otk.KeyPair.Public.Hex(),
		})
	}

	response, err := api.PostJSON[storeResponse](context.Background(), c.http, c.serverBaseURL+"/v1/prekeys", creds, &request)
	if err != nil {
		return 0, err
	}
	return response.Stored, nil
}

func deserializeBundle(deviceID core.DeviceID, serialized *SerializedBundle) (*doubleratchet.PreKeyBundle, error) {
	signingKey, err := hex.DecodeString(serialized.IdentitySigningKey)
	if err != nil || len(signingKey) != 32 {
		return nil, &InvalidBundleError{DeviceID: deviceID, Err: fmt.Errorf("bad identity signing key")}
	}
	dhKey, err := decodePublicKey(serialized.IdentityDHKey)
	if err != nil {
		return nil, &InvalidBundleError{DeviceID: deviceID, Err: fmt.Errorf("bad identity dh key")}
	}
	signedPreKey, err := decodePublicKey(serialized.SignedPreKey.Key)
	if err != nil {
		return nil, &InvalidBundleError{DeviceID: deviceID, Err: fmt.Errorf("bad signed prekey")}
	}
	signature, err := hex.DecodeString(serialized.SignedPreKey.Signature)
	if err != nil {
		return nil, &InvalidBundleError{DeviceID: deviceID, Err: fmt.Errorf("bad signed prekey signature")}
	}

	bundle := &doubleratchet.PreKeyBundle{
		RegistrationID:        serialized.RegistrationID,
		DeviceID:              deviceID,
		IdentitySigningPublic: signingKey,
		IdentityDHPublic:      dhKey,
		SignedPreKeyID:        serialized.SignedPreKey.ID,
		SignedPreKeyPublic:    signedPreKey,
		SignedPreKeySignature: signature,
	}
	if serialized.OneTimePreKey != nil {
		oneTimeKey, err := decodePublicKey(serialized.OneTimePreKey.Key)
		if err != nil {
			return nil, &InvalidBundleError{DeviceID: deviceID, Err: fmt.Errorf("bad one-time prekey")}
		}
		bundle.OneTimePreKeyID = serialized.OneTimePreKey.ID
		bundle.OneTimePreKeyPublic = &oneTimeKey
	}
	return bundle, nil
}

func decodePublicKey(s string) (doubleratchet.PublicKey, error) {
	var key doubleratchet.PublicKey
	raw, err := hex.DecodeString(s)
	if err != nil {
		return key, err
	}
	if len(raw) != doubleratchet.KeySize {
		return key, fmt.Errorf("prekeys: bad key size %d", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}
