// client_test.go - Tests for the key server prekey client.
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

package prekeys

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slychat/slychat/api"
	"github.com/slychat/slychat/core"
	"github.com/slychat/slychat/doubleratchet"
)

var selfAddress = core.Address{UserID: 1, DeviceID: 1}

func serializeTestBundle(t *testing.T, identity *doubleratchet.IdentityKeyPair, generated *doubleratchet.GeneratedPreKeys, registrationID int) *SerializedBundle {
	otk := generated.OneTimePreKeys[0]
	return &SerializedBundle{
		RegistrationID:     registrationID,
		IdentitySigningKey: hex.EncodeToString(identity.SigningPublic),
		IdentityDHKey:      identity.DH.Public.Hex(),
		SignedPreKey: SerializedSignedPreKey{
			ID:        generated.SignedPreKey.ID,
			Key:       generated.SignedPreKey.KeyPair.Public.Hex(),
			Signature: hex.EncodeToString(generated.SignedPreKey.Signature),
		},
		OneTimePreKey: &SerializedOneTimePreKey{
			ID:  otk.ID,
			Key: otk.KeyPair.Public.Hex(),
		},
	}
}

func TestClientRetrieve(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	identity, err := doubleratchet.GenerateIdentityKeyPair()
	require.NoError(err)
	generated, err := doubleratchet.GeneratePreKeys(identity, 1, 2)
	require.NoError(err)

	var gotPath string
	var gotRequest retrievalRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotRequest)

		response := retrievalResponse{
			Bundles: map[string]*SerializedBundle{
				"2": serializeTestBundle(t, identity, generated, 102),
				"3": nil,
			},
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"value": response})
	}))
	defer server.Close()

	c := NewClient(server.URL, selfAddress, api.NewClient(0, nil))
	bundles, err := c.Retrieve("token", 5, []core.DeviceID{2, 3})
	require.NoError(err)

	require.Equal("/v1/prekeys/retrieve", gotPath)
	require.Equal(core.UserID(5), gotRequest.UserID)
	require.Equal([]core.DeviceID{2, 3}, gotRequest.DeviceIDs)

	require.Len(bundles, 2)
	require.Nil(bundles[3])

	bundle := bundles[2]
	require.NotNil(bundle)
	require.Equal(102, bundle.RegistrationID)
	require.Equal(core.DeviceID(2), bundle.DeviceID)
	require.NotNil(bundle.OneTimePreKeyPublic)

	// The decoded bundle must be usable as-is: the signed prekey
	// signature has to verify against the decoded identity key.
	require.NoError(doubleratchet.VerifySignedPreKey(bundle))
}

func TestClientRetrieveBadBundleSkipped(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	identity, err := doubleratchet.GenerateIdentityKeyPair()
	require.NoError(err)
	generated, err := doubleratchet.GeneratePreKeys(identity, 1, 2)
	require.NoError(err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		response := retrievalResponse{
			Bundles: map[string]*SerializedBundle{
				"2": {RegistrationID: 102, IdentitySigningKey: "zz not hex"},
				"3": serializeTestBundle(t, identity, generated, 103),
			},
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"value": response})
	}))
	defer server.Close()

	// A single corrupt bundle only loses that device; the rest of the
	// batch still comes back usable.
	c := NewClient(server.URL, selfAddress, api.NewClient(0, nil))
	bundles, err := c.Retrieve("token", 5, nil)
	require.NoError(err)
	require.Len(bundles, 2)
	require.Nil(bundles[2])
	require.NotNil(bundles[3])
	require.Equal(103, bundles[3].RegistrationID)
}

func TestClientRetrieveBadDeviceIDKey(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		response := retrievalResponse{
			Bundles: map[string]*SerializedBundle{"not a number": nil},
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"value": response})
	}))
	defer server.Close()

	c := NewClient(server.URL, selfAddress, api.NewClient(0, nil))
	_, err := c.Retrieve("token", 5, nil)
	var invalid *api.InvalidResponseBodyError
	require.ErrorAs(err, &invalid)
}

func TestClientStore(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	identity, err := doubleratchet.GenerateIdentityKeyPair()
	require.NoError(err)
	generated, err := doubleratchet.GeneratePreKeys(identity, 1, 10)
	require.NoError(err)

	var gotPath string
	var gotRequest storeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{"value": storeResponse{Stored: 10}})
	}))
	defer server.Close()

	c := NewClient(server.URL, selfAddress, api.NewClient(0, nil))
	stored, err := c.Store("token", identity, 77, generated)
	require.NoError(err)
	require.Equal(10, stored)

	require.Equal("/v1/prekeys", gotPath)
	require.Equal(77, gotRequest.RegistrationID)
	require.Equal(hex.EncodeToString(identity.SigningPublic), gotRequest.IdentitySigningKey)
	require.Len(gotRequest.OneTimePreKeys, 10)
}
