// service_test.go - Tests for the message cipher service.
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

package session

import (
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slychat/slychat/auth"
	"github.com/slychat/slychat/core"
	"github.com/slychat/slychat/core/log"
	"github.com/slychat/slychat/doubleratchet"
	"github.com/slychat/slychat/relay/wire"
)

// testDevice is one remote device: its identity, published prekeys and
// prekey store, enough to both hand out bundles and establish its half
// of a session from a prekey message.
type testDevice struct {
	identity       *doubleratchet.IdentityKeyPair
	registrationID int
	preKeys        *doubleratchet.GeneratedPreKeys
	store          *MemStore
}

func newTestDevice(t *testing.T, registrationID int) *testDevice {
	identity, err := doubleratchet.GenerateIdentityKeyPair()
	require.NoError(t, err)
	return newTestDeviceWithIdentity(t, registrationID, identity)
}

// newTestDeviceWithIdentity models another device of an existing
// account: devices of one user share the account identity key pair.
func newTestDeviceWithIdentity(t *testing.T, registrationID int, identity *doubleratchet.IdentityKeyPair) *testDevice {
	preKeys, err := doubleratchet.GeneratePreKeys(identity, 1, 2)
	require.NoError(t, err)

	store := NewMemStore()
	require.NoError(t, store.PutIdentity(identity))
	require.NoError(t, store.PutRegistrationID(registrationID))
	require.NoError(t, store.PutSignedPreKey(preKeys.SignedPreKey))
	for _, otk := range preKeys.OneTimePreKeys {
		require.NoError(t, store.PutOneTimePreKey(otk))
	}

	return &testDevice{
		identity:       identity,
		registrationID: registrationID,
		preKeys:        preKeys,
		store:          store,
	}
}

func (d *testDevice) bundle(deviceID core.DeviceID) *doubleratchet.PreKeyBundle {
	otk := d.preKeys.OneTimePreKeys[0]
	oneTimePub := otk.KeyPair.Public
	return &doubleratchet.PreKeyBundle{
		RegistrationID:        d.registrationID,
		DeviceID:              deviceID,
		IdentitySigningPublic: d.identity.SigningPublic,
		IdentityDHPublic:      d.identity.DH.Public,
		SignedPreKeyID:        d.preKeys.SignedPreKey.ID,
		SignedPreKeyPublic:    d.preKeys.SignedPreKey.KeyPair.Public,
		SignedPreKeySignature: d.preKeys.SignedPreKey.Signature,
		OneTimePreKeyID:       otk.ID,
		OneTimePreKeyPublic:   &oneTimePub,
	}
}

type retrieveCall struct {
	userID    core.UserID
	deviceIDs []core.DeviceID
}

// fakePreKeyClient serves bundles for a fixed set of remote devices and
// records every retrieve request.
type fakePreKeyClient struct {
	sync.Mutex

	devices    map[core.UserID]map[core.DeviceID]*testDevice
	nilBundles map[core.DeviceID]bool
	failures   int

	calls []retrieveCall
}

func newFakePreKeyClient() *fakePreKeyClient {
	return &fakePreKeyClient{
		devices:    make(map[core.UserID]map[core.DeviceID]*testDevice),
		nilBundles: make(map[core.DeviceID]bool),
	}
}

func (c *fakePreKeyClient) addDevice(t *testing.T, userID core.UserID, deviceID core.DeviceID, registrationID int) *testDevice {
	var d *testDevice
	if identity := c.userIdentity(userID); identity != nil {
		d = newTestDeviceWithIdentity(t, registrationID, identity)
	} else {
		d = newTestDevice(t, registrationID)
	}
	if c.devices[userID] == nil {
		c.devices[userID] = make(map[core.DeviceID]*testDevice)
	}
	c.devices[userID][deviceID] = d
	return d
}

func (c *fakePreKeyClient) userIdentity(userID core.UserID) *doubleratchet.IdentityKeyPair {
	for _, d := range c.devices[userID] {
		return d.identity
	}
	return nil
}

func (c *fakePreKeyClient) Retrieve(token core.AuthToken, userID core.UserID, deviceIDs []core.DeviceID) (map[core.DeviceID]*doubleratchet.PreKeyBundle, error) {
	c.Lock()
	defer c.Unlock()

	if c.failures > 0 {
		c.failures--
		return nil, fmt.Errorf("session: retrieve: %w", auth.ErrTokenExpired)
	}

	c.calls = append(c.calls, retrieveCall{userID: userID, deviceIDs: deviceIDs})

	if len(deviceIDs) == 0 {
		for deviceID := range c.devices[userID] {
			deviceIDs = append(deviceIDs, deviceID)
		}
	}

	bundles := make(map[core.DeviceID]*doubleratchet.PreKeyBundle)
	for _, deviceID := range deviceIDs {
		if c.nilBundles[deviceID] {
			bundles[deviceID] = nil
			continue
		}
		d, ok := c.devices[userID][deviceID]
		if !ok {
			bundles[deviceID] = nil
			continue
		}
		bundles[deviceID] = d.bundle(deviceID)
	}
	return bundles, nil
}

func (c *fakePreKeyClient) retrieveCalls() []retrieveCall {
	c.Lock()
	defer c.Unlock()
	return append([]retrieveCall{}, c.calls...)
}

type pinnedContacts map[core.UserID]string

func (p pinnedContacts) PinnedFingerprint(userID core.UserID) (string, bool, error) {
	fingerprint, ok := p[userID]
	return fingerprint, ok, nil
}

type testService struct {
	*Service

	self    *testDevice
	store   *MemStore
	client  *fakePreKeyClient
	tokens  *auth.TokenManager
	pinned  pinnedContacts
	address core.Address
}

func newTestService(t *testing.T) *testService {
	require := require.New(t)

	self := newTestDevice(t, 77)
	client := newFakePreKeyClient()
	pinned := make(pinnedContacts)

	logBackend, err := log.NewWithWriter(io.Discard, "DEBUG")
	require.NoError(err)

	provider := auth.NewFixedTokenProvider("test-token")
	tokens := auth.NewTokenManager(provider, logBackend)
	t.Cleanup(tokens.Halt)

	address := core.Address{UserID: 1, DeviceID: 1}
	s, err := New(&Config{
		Store:       self.store,
		PreKeys:     client,
		Tokens:      tokens,
		Contacts:    pinned,
		SelfAddress: address,
		LogBackend:  logBackend,
	})
	require.NoError(err)
	t.Cleanup(s.Halt)

	return &testService{
		Service: s,
		self:    self,
		store:   self.store,
		client:  client,
		tokens:  tokens,
		pinned:  pinned,
		address: address,
	}
}

// trust adds userID to the contacts directory, pinned to the identity
// the given device presents.
func (ts *testService) trust(userID core.UserID, d *testDevice) {
	ts.pinned[userID] = d.identity.PublicFingerprint()
}

// decryptAsDevice establishes the remote device's half of the session
// from a prekey payload produced by the service.
func decryptAsDevice(t *testing.T, d *testDevice, entry wire.MessageBundleEntry) ([]byte, *doubleratchet.Session) {
	require := require.New(t)
	require.True(entry.Payload.IsPreKey)
	sess, plaintext, err := doubleratchet.NewSessionFromPreKeyMessage(d.identity, d.registrationID, d.store, entry.Payload.Payload)
	require.NoError(err)
	return plaintext, sess
}

func TestServiceEncryptFansOutToDevices(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	ts := newTestService(t)
	userID := core.UserID(5)
	d1 := ts.client.addDevice(t, userID, 1, 101)
	d2 := ts.client.addDevice(t, userID, 2, 102)
	ts.trust(userID, d1)

	result := <-ts.Encrypt(userID, []byte("test message"))
	require.NoError(result.Err)
	require.Len(result.Bundle.Messages, 2)

	calls := ts.client.retrieveCalls()
	require.Len(calls, 1)
	require.Equal(userID, calls[0].userID)
	require.Empty(calls[0].deviceIDs)

	first, second := result.Bundle.Messages[0], result.Bundle.Messages[1]
	require.Equal(core.DeviceID(1), first.DeviceID)
	require.Equal(core.DeviceID(2), second.DeviceID)
	require.Equal(101, first.RegistrationID)
	require.Equal(102, second.RegistrationID)
	require.NotEqual(first.Payload.Payload, second.Payload.Payload)

	plaintext1, _ := decryptAsDevice(t, d1, first)
	plaintext2, _ := decryptAsDevice(t, d2, second)
	require.Equal([]byte("test message"), plaintext1)
	require.Equal([]byte("test message"), plaintext2)

	devices, err := ts.store.DeviceSessions(userID)
	require.NoError(err)
	require.Equal([]core.DeviceID{1, 2}, devices)
}

func TestServiceEncryptReusesSessions(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	ts := newTestService(t)
	userID := core.UserID(5)
	ts.trust(userID, ts.client.addDevice(t, userID, 1, 101))

	result := <-ts.Encrypt(userID, []byte("first"))
	require.NoError(result.Err)
	result = <-ts.Encrypt(userID, []byte("second"))
	require.NoError(result.Err)

	// The bundle fetch happens once; later messages reuse the session.
	require.Len(ts.client.retrieveCalls(), 1)
}

func TestServiceEncryptNoDevices(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	ts := newTestService(t)
	// Known contact, but no registered devices.
	ts.pinned[9] = "da39a3ee5e6b4b0d3255bfef95601890afd80709"

	result := <-ts.Encrypt(9, []byte("nobody home"))
	var noDevices *NoDevicesError
	require.ErrorAs(result.Err, &noDevices)
	require.Equal(core.UserID(9), noDevices.UserID)
}

func TestServiceEncryptRetriesExpiredToken(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	ts := newTestService(t)
	userID := core.UserID(5)
	ts.trust(userID, ts.client.addDevice(t, userID, 1, 101))
	ts.client.failures = 1

	result := <-ts.Encrypt(userID, []byte("after retry"))
	require.NoError(result.Err)
	require.Len(ts.client.retrieveCalls(), 1)
}

func TestServiceDecryptEstablishesSession(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	ts := newTestService(t)
	peer := newTestDevice(t, 55)
	addr := core.Address{UserID: 8, DeviceID: 3}
	ts.trust(addr.UserID, peer)

	peerSession, err := doubleratchet.NewSessionFromPreKeyBundle(peer.identity, peer.registrationID, ts.self.bundle(ts.address.DeviceID))
	require.NoError(err)
	encrypted, err := peerSession.Encrypt([]byte("hi there"))
	require.NoError(err)
	require.True(encrypted.IsPreKey)

	result := <-ts.Decrypt(addr, "msg-1", wire.EncryptedPayload{IsPreKey: true, Payload: encrypted.Data})
	require.NoError(result.Err)
	require.Equal("msg-1", result.MessageID)
	require.Equal([]byte("hi there"), result.Plaintext)

	// The session persists; replies go out without a bundle fetch.
	encResult := <-ts.Encrypt(addr.UserID, []byte("hi yourself"))
	require.NoError(encResult.Err)
	require.Empty(ts.client.retrieveCalls())
	require.Len(encResult.Bundle.Messages, 1)
	require.Equal(55, encResult.Bundle.Messages[0].RegistrationID)

	plaintext, err := peerSession.Decrypt(&doubleratchet.EncryptedMessage{
		IsPreKey: encResult.Bundle.Messages[0].Payload.IsPreKey,
		Data:     encResult.Bundle.Messages[0].Payload.Payload,
	})
	require.NoError(err)
	require.Equal([]byte("hi yourself"), plaintext)
}

func TestServiceDecryptNoSession(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	ts := newTestService(t)
	addr := core.Address{UserID: 8, DeviceID: 3}

	result := <-ts.Decrypt(addr, "msg-1", wire.EncryptedPayload{Payload: []byte{0x01, 0x02}})
	var noSession *NoSessionError
	require.ErrorAs(result.Err, &noSession)
	require.Equal(addr, noSession.Addr)
}

func TestServiceDecryptBatchOrdered(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	ts := newTestService(t)
	peer := newTestDevice(t, 55)
	addr := core.Address{UserID: 8, DeviceID: 3}
	ts.trust(addr.UserID, peer)

	peerSession, err := doubleratchet.NewSessionFromPreKeyBundle(peer.identity, peer.registrationID, ts.self.bundle(ts.address.DeviceID))
	require.NoError(err)

	var items []DecryptItem
	for i, text := range []string{"one", "two"} {
		encrypted, err := peerSession.Encrypt([]byte(text))
		require.NoError(err)
		items = append(items, DecryptItem{
			MessageID: fmt.Sprintf("msg-%d", i),
			Payload:   wire.EncryptedPayload{IsPreKey: encrypted.IsPreKey, Payload: encrypted.Data},
		})
	}
	// Garbage in the middle must not abort the rest of the batch.
	items = append(items[:1], append([]DecryptItem{{
		MessageID: "msg-bad",
		Payload:   wire.EncryptedPayload{Payload: []byte("not a message")},
	}}, items[1:]...)...)

	results := <-ts.DecryptBatch(addr, items)
	require.Len(results, 3)
	require.Equal("msg-0", results[0].MessageID)
	require.NoError(results[0].Err)
	require.Equal([]byte("one"), results[0].Plaintext)
	require.Equal("msg-bad", results[1].MessageID)
	require.Error(results[1].Err)
	require.Equal("msg-1", results[2].MessageID)
	require.NoError(results[2].Err)
	require.Equal([]byte("two"), results[2].Plaintext)
}

func TestServiceUpdateDevices(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	ts := newTestService(t)
	userID := core.UserID(5)
	ts.trust(userID, ts.client.addDevice(t, userID, 1, 101))
	ts.client.addDevice(t, userID, 5, 105)

	// Establish sessions with devices 1 and 5.
	result := <-ts.Encrypt(userID, []byte("hello"))
	require.NoError(result.Err)
	devices, err := ts.store.DeviceSessions(userID)
	require.NoError(err)
	require.Equal([]core.DeviceID{1, 5}, devices)

	// Device 1 was reinstalled, device 3 is new, device 5 is gone.
	ts.client.addDevice(t, userID, 1, 201)
	ts.client.addDevice(t, userID, 3, 103)
	delete(ts.client.devices[userID], 5)

	err = <-ts.UpdateDevices(userID, wire.DeviceMismatchContent{
		Stale:   []core.DeviceID{1},
		Missing: []core.DeviceID{3},
		Removed: []core.DeviceID{5},
	})
	require.NoError(err)

	devices, err = ts.store.DeviceSessions(userID)
	require.NoError(err)
	require.Equal([]core.DeviceID{1, 3}, devices)

	// One initial fetch plus exactly one combined fetch for {1, 3}.
	calls := ts.client.retrieveCalls()
	require.Len(calls, 2)
	require.Equal([]core.DeviceID{1, 3}, calls[1].deviceIDs)

	// The stale session was replaced with one for the new install.
	sess, err := ts.loadSession(core.Address{UserID: userID, DeviceID: 1})
	require.NoError(err)
	require.Equal(201, sess.RemoteRegistrationID())
}

func TestServiceUpdateDevicesNilBundleSkipped(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	ts := newTestService(t)
	userID := core.UserID(5)
	ts.pinned[userID] = "da39a3ee5e6b4b0d3255bfef95601890afd80709"
	ts.client.nilBundles[3] = true

	err := <-ts.UpdateDevices(userID, wire.DeviceMismatchContent{Missing: []core.DeviceID{3}})
	require.NoError(err)

	devices, err := ts.store.DeviceSessions(userID)
	require.NoError(err)
	require.Empty(devices)
}

func TestServiceUntrustedIdentity(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	ts := newTestService(t)
	userID := core.UserID(5)
	ts.client.addDevice(t, userID, 1, 101)
	ts.pinned[userID] = "not the real fingerprint"

	result := <-ts.Encrypt(userID, []byte("hello"))
	var noDevices *NoDevicesError
	require.ErrorAs(result.Err, &noDevices)

	devices, err := ts.store.DeviceSessions(userID)
	require.NoError(err)
	require.Empty(devices)
}

func TestServiceUntrustedIdentityDecrypt(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	ts := newTestService(t)
	peer := newTestDevice(t, 55)
	addr := core.Address{UserID: 8, DeviceID: 3}
	ts.pinned[addr.UserID] = "not the real fingerprint"

	peerSession, err := doubleratchet.NewSessionFromPreKeyBundle(peer.identity, peer.registrationID, ts.self.bundle(ts.address.DeviceID))
	require.NoError(err)
	encrypted, err := peerSession.Encrypt([]byte("hi there"))
	require.NoError(err)

	result := <-ts.Decrypt(addr, "msg-1", wire.EncryptedPayload{IsPreKey: true, Payload: encrypted.Data})
	var untrusted *UntrustedIdentityError
	require.ErrorAs(result.Err, &untrusted)
	require.Equal(addr.UserID, untrusted.UserID)

	state, err := ts.store.Session(addr)
	require.NoError(err)
	require.Nil(state)
}

func TestServiceUnknownContactRejected(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	ts := newTestService(t)
	userID := core.UserID(42)
	ts.client.addDevice(t, userID, 1, 301)

	result := <-ts.Encrypt(userID, []byte("hello"))
	var untrusted *UntrustedIdentityError
	require.ErrorAs(result.Err, &untrusted)
	require.Equal(userID, untrusted.UserID)

	// No bundle fetch and no session for a user outside the contacts
	// directory.
	require.Empty(ts.client.retrieveCalls())
	devices, err := ts.store.DeviceSessions(userID)
	require.NoError(err)
	require.Empty(devices)
}

func TestServiceUnknownContactRejectedDecrypt(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	ts := newTestService(t)
	peer := newTestDevice(t, 55)
	addr := core.Address{UserID: 8, DeviceID: 3}

	peerSession, err := doubleratchet.NewSessionFromPreKeyBundle(peer.identity, peer.registrationID, ts.self.bundle(ts.address.DeviceID))
	require.NoError(err)
	encrypted, err := peerSession.Encrypt([]byte("hi there"))
	require.NoError(err)

	result := <-ts.Decrypt(addr, "msg-1", wire.EncryptedPayload{IsPreKey: true, Payload: encrypted.Data})
	var untrusted *UntrustedIdentityError
	require.ErrorAs(result.Err, &untrusted)
	require.Equal(addr.UserID, untrusted.UserID)

	state, err := ts.store.Session(addr)
	require.NoError(err)
	require.Nil(state)
}

func TestServiceRequiresContacts(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	self := newTestDevice(t, 77)
	logBackend, err := log.NewWithWriter(io.Discard, "DEBUG")
	require.NoError(err)
	tokens := auth.NewTokenManager(auth.NewFixedTokenProvider("test-token"), logBackend)
	t.Cleanup(tokens.Halt)

	_, err = New(&Config{
		Store:       self.store,
		PreKeys:     newFakePreKeyClient(),
		Tokens:      tokens,
		SelfAddress: core.Address{UserID: 1, DeviceID: 1},
		LogBackend:  logBackend,
	})
	require.Error(err)
}

func TestServiceUpdateSelfDevices(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	ts := newTestService(t)
	selfUser := ts.address.UserID
	ts.trust(selfUser, ts.client.addDevice(t, selfUser, 2, 202))
	ts.client.addDevice(t, selfUser, 4, 204)

	require.NoError(<-ts.UpdateDevices(selfUser, wire.DeviceMismatchContent{
		Missing: []core.DeviceID{2, 4},
	}))

	// Device 4 was unregistered, device 3 is new, our own device id is
	// ignored.
	ts.client.addDevice(t, selfUser, 3, 203)
	err := <-ts.UpdateSelfDevices([]DeviceInfo{
		{ID: ts.address.DeviceID, RegistrationID: 77},
		{ID: 2, RegistrationID: 202},
		{ID: 3, RegistrationID: 203},
	})
	require.NoError(err)

	devices, err := ts.store.DeviceSessions(selfUser)
	require.NoError(err)
	require.Equal([]core.DeviceID{2, 3}, devices)

	calls := ts.client.retrieveCalls()
	require.Equal([]core.DeviceID{3}, calls[len(calls)-1].deviceIDs)
}

func TestServiceAddSelfDevice(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	ts := newTestService(t)
	selfUser := ts.address.UserID
	ts.trust(selfUser, ts.client.addDevice(t, selfUser, 2, 202))

	require.NoError(<-ts.AddSelfDevice(DeviceInfo{ID: 2, RegistrationID: 202}))

	devices, err := ts.store.DeviceSessions(selfUser)
	require.NoError(err)
	require.Equal([]core.DeviceID{2}, devices)

	calls := ts.client.retrieveCalls()
	require.Len(calls, 1)
	require.Equal([]core.DeviceID{2}, calls[0].deviceIDs)
}

func TestServiceHalted(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	ts := newTestService(t)
	ts.Halt()

	result := <-ts.Encrypt(5, []byte("too late"))
	require.ErrorIs(result.Err, ErrServiceHalted)
}
