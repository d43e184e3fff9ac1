// service.go - the message cipher service.
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
	"errors"
	"fmt"
	"sort"

	"gopkg.in/op/go-logging.v1"

	"github.com/slychat/slychat/auth"
	"github.com/slychat/slychat/core"
	"github.com/slychat/slychat/core/log"
	"github.com/slychat/slychat/core/worker"
	"github.com/slychat/slychat/doubleratchet"
	"github.com/slychat/slychat/internal/instrument"
	"github.com/slychat/slychat/relay/wire"
)

const workQueueSize = 20

// ErrServiceHalted is the error returned for work submitted after the
// service was shut down.
var ErrServiceHalted = errors.New("session: service halted")

// NoSessionError is the error returned when a non-prekey message arrives
// from a device we hold no session for.
type NoSessionError struct {
	Addr core.Address
}

// Error implements the error interface.
func (e *NoSessionError) Error() string {
	return fmt.Sprintf("session: no session for %v", e.Addr)
}

// NoDevicesError is the error returned when encryption is requested for
// a user with no registered devices.
type NoDevicesError struct {
	UserID core.UserID
}

// Error implements the error interface.
func (e *NoDevicesError) Error() string {
	return fmt.Sprintf("session: no devices for user %v", e.UserID)
}

// UntrustedIdentityError is the error returned when a device presents an
// identity key that does not match the fingerprint pinned for its owner.
type UntrustedIdentityError struct {
	UserID      core.UserID
	Fingerprint string
}

// Error implements the error interface.
func (e *UntrustedIdentityError) Error() string {
	return fmt.Sprintf("session: untrusted identity %v for user %v", e.Fingerprint, e.UserID)
}

// PreKeyClient retrieves published prekey bundles from the key server.
// An empty deviceIDs slice requests the bundles of every registered
// device.  The returned map holds a nil bundle for a device whose one
// time prekeys are exhausted and that published no fallback.
type PreKeyClient interface {
	Retrieve(token core.AuthToken, userID core.UserID, deviceIDs []core.DeviceID) (map[core.DeviceID]*doubleratchet.PreKeyBundle, error)
}

// ContactsDirectory exposes the identity fingerprints the user has
// pinned for their contacts.  A user absent from the directory is never
// trusted; for a known user the pinned fingerprint must match exactly
// and is never replaced automatically.
type ContactsDirectory interface {
	// PinnedFingerprint returns the pinned fingerprint for userID and
	// whether the user is a known contact.
	PinnedFingerprint(userID core.UserID) (string, bool, error)
}

// StaticContacts is a fixed ContactsDirectory, typically built from
// configuration.
type StaticContacts map[core.UserID]string

var _ ContactsDirectory = (StaticContacts)(nil)

// PinnedFingerprint implements ContactsDirectory.
func (s StaticContacts) PinnedFingerprint(userID core.UserID) (string, bool, error) {
	fingerprint, ok := s[userID]
	return fingerprint, ok, nil
}

// EncryptResult is the outcome of one Encrypt request.
type EncryptResult struct {
	Bundle *wire.MessageBundle
	Err    error
}

// DecryptItem is one inbound payload of a DecryptBatch request.
type DecryptItem struct {
	MessageID string
	Payload   wire.EncryptedPayload
}

// DecryptResult is the outcome of decrypting one DecryptItem.
type DecryptResult struct {
	MessageID string
	Plaintext []byte
	Err       error
}

type opEncrypt struct {
	userID   core.UserID
	message  []byte
	resultCh chan EncryptResult
}

type opDecrypt struct {
	addr     core.Address
	items    []DecryptItem
	resultCh chan []DecryptResult
}

type opUpdateDevices struct {
	userID  core.UserID
	content wire.DeviceMismatchContent
	errCh   chan error
}

type opUpdateSelfDevices struct {
	received []DeviceInfo
	errCh    chan error
}

type opAddSelfDevice struct {
	info  DeviceInfo
	errCh chan error
}

// Config is the session service configuration.
type Config struct {
	// Store holds the identity, prekeys and established sessions.  It
	// must already contain an identity key pair and registration id.
	Store Store

	// PreKeys is the key server client used to fetch bundles.
	PreKeys PreKeyClient

	// Tokens supplies auth tokens for key server requests.
	Tokens *auth.TokenManager

	// Contacts is the pinned fingerprint directory.  Required: an
	// identity is trusted only for a known contact with a matching
	// fingerprint.
	Contacts ContactsDirectory

	// SelfAddress is the local account and device.
	SelfAddress core.Address

	// LogBackend is the logging backend to use.
	LogBackend *log.Backend
}

// Service performs all session encryption and decryption on a single
// worker goroutine, which is the sole owner of the session store.
type Service struct {
	worker.Worker

	cfg *Config
	log *logging.Logger

	identity       *doubleratchet.IdentityKeyPair
	registrationID int

	workCh chan interface{}
}

// New constructs a session service from the given configuration.
func New(cfg *Config) (*Service, error) {
	if cfg.Contacts == nil {
		return nil, errors.New("session: config: Contacts is required")
	}
	identity, err := cfg.Store.Identity()
	if err != nil {
		return nil, err
	}
	registrationID, err := cfg.Store.RegistrationID()
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:            cfg,
		log:            cfg.LogBackend.GetLogger("session/service"),
		identity:       identity,
		registrationID: registrationID,
		workCh:         make(chan interface{}, workQueueSize),
	}
	s.Go(s.worker)
	return s, nil
}

// Encrypt encrypts one message for every device of the given user.  If
// no sessions exist yet the devices' prekey bundles are fetched first.
func (s *Service) Encrypt(userID core.UserID, message []byte) <-chan EncryptResult {
	resultCh := make(chan EncryptResult, 1)
	if !s.submit(&opEncrypt{userID: userID, message: message, resultCh: resultCh}) {
		resultCh <- EncryptResult{Err: ErrServiceHalted}
	}
	return resultCh
}

// Decrypt decrypts one inbound payload from the given device.
func (s *Service) Decrypt(addr core.Address, messageID string, payload wire.EncryptedPayload) <-chan DecryptResult {
	resultCh := make(chan DecryptResult, 1)
	batchCh := s.DecryptBatch(addr, []DecryptItem{{MessageID: messageID, Payload: payload}})
	go func() {
		results := <-batchCh
		resultCh <- results[0]
	}()
	return resultCh
}

// DecryptBatch decrypts a batch of inbound payloads from one device in
// order.  Each item gets its own result; a failed item does not abort
// the rest of the batch.
func (s *Service) DecryptBatch(addr core.Address, items []DecryptItem) <-chan []DecryptResult {
	resultCh := make(chan []DecryptResult, 1)
	if !s.submit(&opDecrypt{addr: addr, items: items, resultCh: resultCh}) {
		results := make([]DecryptResult, len(items))
		for i, item := range items {
			results[i] = DecryptResult{MessageID: item.MessageID, Err: ErrServiceHalted}
		}
		resultCh <- results
	}
	return resultCh
}

// UpdateDevices applies a device mismatch reported by the relay for the
// given user: sessions for removed and stale devices are deleted, then
// fresh bundles for the stale and missing devices are fetched in a
// single request.
func (s *Service) UpdateDevices(userID core.UserID, content wire.DeviceMismatchContent) <-chan error {
	errCh := make(chan error, 1)
	if !s.submit(&opUpdateDevices{userID: userID, content: content, errCh: errCh}) {
		errCh <- ErrServiceHalted
	}
	return errCh
}

// UpdateSelfDevices reconciles the sessions held for the account's other
// devices against an authoritative device list.
func (s *Service) UpdateSelfDevices(received []DeviceInfo) <-chan error {
	errCh := make(chan error, 1)
	if !s.submit(&opUpdateSelfDevices{received: received, errCh: errCh}) {
		errCh <- ErrServiceHalted
	}
	return errCh
}

// AddSelfDevice establishes a session with a newly registered device of
// our own account.
func (s *Service) AddSelfDevice(info DeviceInfo) <-chan error {
	errCh := make(chan error, 1)
	if !s.submit(&opAddSelfDevice{info: info, errCh: errCh}) {
		errCh <- ErrServiceHalted
	}
	return errCh
}

func (s *Service) submit(op interface{}) bool {
	select {
	case <-s.HaltCh():
		return false
	default:
	}
	select {
	case s.workCh <- op:
		return true
	case <-s.HaltCh():
		return false
	}
}

func (s *Service) worker() {
	defer s.failQueued()

	for {
		var op interface{}
		select {
		case <-s.HaltCh():
			return
		case op = <-s.workCh:
		}

		switch op := op.(type) {
		case *opEncrypt:
			bundle, err := s.doEncrypt(op.userID, op.message)
			op.resultCh <- EncryptResult{Bundle: bundle, Err: err}
		case *opDecrypt:
			op.resultCh <- s.doDecryptBatch(op.addr, op.items)
		case *opUpdateDevices:
			op.errCh <- s.doUpdateDevices(op.userID, op.content)
		case *opUpdateSelfDevices:
			op.errCh <- s.doUpdateSelfDevices(op.received)
		case *opAddSelfDevice:
			op.errCh <- s.establishSessions(s.cfg.SelfAddress.UserID, []core.DeviceID{op.info.ID})
		default:
			s.log.Errorf("Received unknown work item: %T", op)
		}
	}
}

// failQueued answers work still queued at shutdown so no caller is
// left waiting on a result that will never arrive.
func (s *Service) failQueued() {
	for {
		select {
		case op := <-s.workCh:
			switch op := op.(type) {
			case *opEncrypt:
				op.resultCh <- EncryptResult{Err: ErrServiceHalted}
			case *opDecrypt:
				results := make([]DecryptResult, len(op.items))
				for i, item := range op.items {
					results[i] = DecryptResult{MessageID: item.MessageID, Err: ErrServiceHalted}
				}
				op.resultCh <- results
			case *opUpdateDevices:
				op.errCh <- ErrServiceHalted
			case *opUpdateSelfDevices:
				op.errCh <- ErrServiceHalted
			case *opAddSelfDevice:
				op.errCh <- ErrServiceHalted
			}
		default:
			return
		}
	}
}

func (s *Service) doEncrypt(userID core.UserID, message []byte) (*wire.MessageBundle, error) {
	devices, err := s.cfg.Store.DeviceSessions(userID)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		if err = s.establishSessions(userID, nil); err != nil {
			return nil, err
		}
		if devices, err = s.cfg.Store.DeviceSessions(userID); err != nil {
			return nil, err
		}
		if len(devices) == 0 {
			return nil, &NoDevicesError{UserID: userID}
		}
	}

	bundle := new(wire.MessageBundle)
	for _, deviceID := range devices {
		addr := core.Address{UserID: userID, DeviceID: deviceID}
		sess, err := s.loadSession(addr)
		if err != nil {
			return nil, err
		}
		encrypted, err := sess.Encrypt(message)
		if err != nil {
			return nil, err
		}
		if err = s.storeSession(addr, sess); err != nil {
			return nil, err
		}
		bundle.Messages = append(bundle.Messages, wire.MessageBundleEntry{
			DeviceID:       deviceID,
			RegistrationID: sess.RemoteRegistrationID(),
			Payload: wire.EncryptedPayload{
				IsPreKey: encrypted.IsPreKey,
				Payload:  encrypted.Data,
			},
		})
	}
	return bundle, nil
}

func (s *Service) doDecryptBatch(addr core.Address, items []DecryptItem) []DecryptResult {
	results := make([]DecryptResult, len(items))
	for i, item := range items {
		plaintext, err := s.doDecrypt(addr, item.Payload)
		if err != nil {
			instrument.DecryptFailure()
		}
		results[i] = DecryptResult{MessageID: item.MessageID, Plaintext: plaintext, Err: err}
	}
	return results
}

func (s *Service) doDecrypt(addr core.Address, payload wire.EncryptedPayload) ([]byte, error) {
	state, err := s.cfg.Store.Session(addr)
	if err != nil {
		return nil, err
	}

	if state == nil {
		if !payload.IsPreKey {
			return nil, &NoSessionError{Addr: addr}
		}
		sess, plaintext, err := doubleratchet.NewSessionFromPreKeyMessage(s.identity, s.registrationID, s.cfg.Store, payload.Payload)
		if err != nil {
			return nil, err
		}
		if err = s.verifyTrust(addr.UserID, sess.RemoteFingerprint()); err != nil {
			return nil, err
		}
		if err = s.storeSession(addr, sess); err != nil {
			return nil, err
		}
		return plaintext, nil
	}

	sess, err := doubleratchet.UnmarshalSession(s.identity, state)
	if err != nil {
		return nil, err
	}
	plaintext, err := sess.Decrypt(&doubleratchet.EncryptedMessage{
		IsPreKey: payload.IsPreKey,
		Data:     payload.Payload,
	})
	if err != nil {
		return nil, err
	}
	if err = s.storeSession(addr, sess); err != nil {
		return nil, err
	}
	return plaintext, nil
}

func (s *Service) doUpdateDevices(userID core.UserID, content wire.DeviceMismatchContent) error {
	for _, deviceID := range append(append([]core.DeviceID{}, content.Removed...), content.Stale...) {
		addr := core.Address{UserID: userID, DeviceID: deviceID}
		if err := s.cfg.Store.DeleteSession(addr); err != nil {
			return err
		}
	}

	toFetch := dedupDevices(append(append([]core.DeviceID{}, content.Stale...), content.Missing...))
	if len(toFetch) == 0 {
		return nil
	}
	return s.establishSessions(userID, toFetch)
}

func (s *Service) doUpdateSelfDevices(received []DeviceInfo) error {
	selfUser := s.cfg.SelfAddress.UserID

	var others []DeviceInfo
	for _, info := range received {
		if info.ID != s.cfg.SelfAddress.DeviceID {
			others = append(others, info)
		}
	}

	current, err := s.cfg.Store.DeviceSessions(selfUser)
	if err != nil {
		return err
	}

	diff := DeviceDiff(current, others, func(deviceID core.DeviceID) int {
		sess, err := s.loadSession(core.Address{UserID: selfUser, DeviceID: deviceID})
		if err != nil {
			return 0
		}
		return sess.RemoteRegistrationID()
	})
	return s.doUpdateDevices(selfUser, diff)
}

// establishSessions fetches prekey bundles for the named devices of one
// user (all devices when deviceIDs is empty) in a single request and
// creates a session from each.  A nil bundle or a bundle that fails
// verification skips that device only; an unknown contact fails the
// whole operation.
func (s *Service) establishSessions(userID core.UserID, deviceIDs []core.DeviceID) error {
	// An unknown contact can never be trusted, so don't bother
	// fetching bundles for one.
	if _, known, err := s.cfg.Contacts.PinnedFingerprint(userID); err != nil {
		return err
	} else if !known {
		return &UntrustedIdentityError{UserID: userID}
	}

	bundles, err := auth.Bind(s.cfg.Tokens, func(token core.AuthToken) (map[core.DeviceID]*doubleratchet.PreKeyBundle, error) {
		return s.cfg.PreKeys.Retrieve(token, userID, deviceIDs)
	})
	if err != nil {
		return err
	}

	ids := make([]core.DeviceID, 0, len(bundles))
	for deviceID := range bundles {
		ids = append(ids, deviceID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, deviceID := range ids {
		bundle := bundles[deviceID]
		if bundle == nil {
			s.log.Warningf("No prekey bundle for %v.%v, skipping", userID, deviceID)
			continue
		}
		if err := s.verifyTrust(userID, doubleratchet.Fingerprint(bundle.IdentitySigningPublic, bundle.IdentityDHPublic)); err != nil {
			s.log.Warningf("Rejecting bundle for %v.%v: %v", userID, deviceID, err)
			continue
		}
		sess, err := doubleratchet.NewSessionFromPreKeyBundle(s.identity, s.registrationID, bundle)
		if err != nil {
			s.log.Warningf("Failed to create session for %v.%v: %v", userID, deviceID, err)
			continue
		}
		addr := core.Address{UserID: userID, DeviceID: deviceID}
		if err = s.storeSession(addr, sess); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) verifyTrust(userID core.UserID, fingerprint string) error {
	pinned, known, err := s.cfg.Contacts.PinnedFingerprint(userID)
	if err != nil {
		return err
	}
	if !known || pinned != fingerprint {
		return &UntrustedIdentityError{UserID: userID, Fingerprint: fingerprint}
	}
	return nil
}

func (s *Service) loadSession(addr core.Address) (*doubleratchet.Session, error) {
	state, err := s.cfg.Store.Session(addr)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, &NoSessionError{Addr: addr}
	}
	return doubleratchet.UnmarshalSession(s.identity, state)
}

func (s *Service) storeSession(addr core.Address, sess *doubleratchet.Session) error {
	state, err := sess.Marshal()
	if err != nil {
		return err
	}
	return s.cfg.Store.PutSession(addr, state)
}

func dedupDevices(ids []core.DeviceID) []core.DeviceID {
	seen := make(map[core.DeviceID]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
