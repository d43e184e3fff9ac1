// store.go - Session and prekey persistence.
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

// Package session owns the per-device ratchet sessions and performs all
// encrypt/decrypt work on a single worker so ratchet state is never
// mutated concurrently.
package session

import (
	"errors"
	"sort"
	"sync"

	"github.com/slychat/slychat/core"
	"github.com/slychat/slychat/doubleratchet"
)

// ErrNoIdentity is the error returned when the store holds no identity
// key pair yet.
var ErrNoIdentity = errors.New("session: no identity key pair in store")

// Store is the persistent store for ratchet sessions and this device's
// own key material.  It is only ever accessed from the cipher service
// worker, so implementations need no locking beyond their own
// transactional guarantees.
type Store interface {
	doubleratchet.PreKeyStore

	// Session returns the serialized session for addr, or nil when
	// none exists.
	Session(addr core.Address) ([]byte, error)

	// PutSession stores the serialized session for addr.
	PutSession(addr core.Address, state []byte) error

	// DeleteSession removes the session for addr.  Removing a missing
	// session is a no-op.
	DeleteSession(addr core.Address) error

	// DeviceSessions returns the device ids of all stored sessions for
	// a user, in ascending order.
	DeviceSessions(userID core.UserID) ([]core.DeviceID, error)

	// Identity returns the stored identity key pair, or ErrNoIdentity.
	Identity() (*doubleratchet.IdentityKeyPair, error)

	// PutIdentity stores the identity key pair.
	PutIdentity(identity *doubleratchet.IdentityKeyPair) error

	// RegistrationID returns this device's registration id; zero when
	// unset.
	RegistrationID() (int, error)

	// PutRegistrationID stores this device's registration id.
	PutRegistrationID(id int) error

	// PutSignedPreKey stores a generated signed prekey.
	PutSignedPreKey(spk *doubleratchet.SignedPreKey) error

	// PutOneTimePreKey stores a generated one-time prekey.
	PutOneTimePreKey(otk *doubleratchet.OneTimePreKey) error
}

// MemStore is an in-memory Store.
type MemStore struct {
	mu             sync.Mutex
	sessions       map[core.Address][]byte
	signedPreKeys  map[uint32]*doubleratchet.SignedPreKey
	oneTimePreKeys map[uint32]*doubleratchet.OneTimePreKey
	identity       *doubleratchet.IdentityKeyPair
	registrationID int
}

var _ Store = (*MemStore)(nil)

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions:       make(map[core.Address][]byte),
		signedPreKeys:  make(map[uint32]*doubleratchet.SignedPreKey),
		oneTimePreKeys: make(map[uint32]*doubleratchet.OneTimePreKey),
	}
}

func (s *MemStore) Session(addr core.Address) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[addr], nil
}

func (s *MemStore) PutSession(addr core.Address, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[addr] = state
	return nil
}

func (s *MemStore) DeleteSession(addr core.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, addr)
	return nil
}

func (s *MemStore) DeviceSessions(userID core.UserID) ([]core.DeviceID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var devices []core.DeviceID
	for addr := range s.sessions {
		if addr.UserID == userID {
			devices = append(devices, addr.DeviceID)
		}
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i] < devices[j] })
	return devices, nil
}

func (s *MemStore) Identity() (*doubleratchet.IdentityKeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return nil, ErrNoIdentity
	}
	return s.identity, nil
}

func (s *MemStore) PutIdentity(identity *doubleratchet.IdentityKeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = identity
	return nil
}

func (s *MemStore) RegistrationID() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registrationID, nil
}

func (s *MemStore) PutRegistrationID(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registrationID = id
	return nil
}

func (s *MemStore) SignedPreKey(id uint32) (*doubleratchet.SignedPreKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	spk, ok := s.signedPreKeys[id]
	if !ok {
		return nil, doubleratchet.ErrPreKeyNotFound
	}
	return spk, nil
}

func (s *MemStore) PutSignedPreKey(spk *doubleratchet.SignedPreKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signedPreKeys[spk.ID] = spk
	return nil
}

func (s *MemStore) OneTimePreKey(id uint32) (*doubleratchet.OneTimePreKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	otk, ok := s.oneTimePreKeys[id]
	if !ok {
		return nil, doubleratchet.ErrPreKeyNotFound
	}
	return otk, nil
}

func (s *MemStore) PutOneTimePreKey(otk *doubleratchet.OneTimePreKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oneTimePreKeys[otk.ID] = otk
	return nil
}

func (s *MemStore) RemoveOneTimePreKey(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.oneTimePreKeys, id)
	return nil
}
