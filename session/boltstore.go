// boltstore.go - bbolt-backed session store.
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
	"encoding/binary"
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/slychat/slychat/core"
	"github.com/slychat/slychat/doubleratchet"
)

const (
	sessionsBucket       = "sessions"
	signedPreKeysBucket  = "signedPreKeys"
	oneTimePreKeysBucket = "oneTimePreKeys"
	metadataBucket       = "metadata"

	identityKey       = "identity"
	registrationIDKey = "registrationID"
)

// BoltStore is a Store backed by a bbolt database file.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens or creates the store at the given path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{sessionsBucket, signedPreKeysBucket, oneTimePreKeysBucket, metadataBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Session(addr core.Address) ([]byte, error) {
	var state []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(sessionsBucket)).Get([]byte(addr.String()))
		if v != nil {
			state = make([]byte, len(v))
			copy(state, v)
		}
		return nil
	})
	return state, err
}

func (s *BoltStore) PutSession(addr core.Address, state []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(sessionsBucket)).Put([]byte(addr.String()), state)
	})
}

func (s *BoltStore) DeleteSession(addr core.Address) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(sessionsBucket)).Delete([]byte(addr.String()))
	})
}

func (s *BoltStore) DeviceSessions(userID core.UserID) ([]core.DeviceID, error) {
	prefix := []byte(userID.String() + ".")
	var devices []core.DeviceID
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(sessionsBucket)).Cursor()
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
			addr, err := core.ParseAddress(string(k))
			if err != nil {
				continue
			}
			devices = append(devices, addr.DeviceID)
		}
		return nil
	})
	sort.Slice(devices, func(i, j int) bool { return devices[i] < devices[j] })
	return devices, err
}

func (s *BoltStore) Identity() (*doubleratchet.IdentityKeyPair, error) {
	var identity *doubleratchet.IdentityKeyPair
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(metadataBucket)).Get([]byte(identityKey))
		if v == nil {
			return ErrNoIdentity
		}
		identity = new(doubleratchet.IdentityKeyPair)
		return cbor.Unmarshal(v, identity)
	})
	if err != nil {
		return nil, err
	}
	return identity, nil
}

func (s *BoltStore) PutIdentity(identity *doubleratchet.IdentityKeyPair) error {
	data, err := cbor.Marshal(identity)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(metadataBucket)).Put([]byte(identityKey), data)
	})
}

func (s *BoltStore) RegistrationID() (int, error) {
	var id int
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(metadataBucket)).Get([]byte(registrationIDKey))
		if v != nil {
			id = int(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	return id, err
}

func (s *BoltStore) PutRegistrationID(id int) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(metadataBucket)).Put([]byte(registrationIDKey), b[:])
	})
}

func preKeyID(id uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], id)
	return b[:]
}

func (s *BoltStore) SignedPreKey(id uint32) (*doubleratchet.SignedPreKey, error) {
	var spk *doubleratchet.SignedPreKey
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(signedPreKeysBucket)).Get(preKeyID(id))
		if v == nil {
			return doubleratchet.ErrPreKeyNotFound
		}
		spk = new(doubleratchet.SignedPreKey)
		return cbor.Unmarshal(v, spk)
	})
	if err != nil {
		return nil, err
	}
	return spk, nil
}

func (s *BoltStore) PutSignedPreKey(spk *doubleratchet.SignedPreKey) error {
	data, err := cbor.Marshal(spk)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(signedPreKeysBucket)).Put(preKeyID(spk.ID), data)
	})
}

func (s *BoltStore) OneTimePreKey(id uint32) (*doubleratchet.OneTimePreKey, error) {
	var otk *doubleratchet.OneTimePreKey
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(oneTimePreKeysBucket)).Get(preKeyID(id))
		if v == nil {
			return doubleratchet.ErrPreKeyNotFound
		}
		otk = new(doubleratchet.OneTimePreKey)
		return cbor.Unmarshal(v, otk)
	})
	if err != nil {
		return nil, err
	}
	return otk, nil
}

func (s *BoltStore) PutOneTimePreKey(otk *doubleratchet.OneTimePreKey) error {
	data, err := cbor.Marshal(otk)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(oneTimePreKeysBucket)).Put(preKeyID(otk.ID), data)
	})
}

func (s *BoltStore) RemoveOneTimePreKey(id uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(oneTimePreKeysBucket)).Delete(preKeyID(id))
	})
}
