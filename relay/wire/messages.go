// messages.go - Relay message constructors and content codecs.
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

package wire

import (
	"encoding/json"
	"fmt"

	"github.com/slychat/slychat/core"
)

// EncryptedPayload is one ciphertext addressed to a single device,
// tagged with the ratchet step the receiver must apply.
type EncryptedPayload struct {
	// IsPreKey is true when the payload is a session initiating prekey
	// message rather than a normal ratchet message.
	IsPreKey bool   `json:"isPreKey"`
	Payload  []byte `json:"payload"`
}

// MessageBundleEntry carries the ciphertext for one target device.
type MessageBundleEntry struct {
	DeviceID       core.DeviceID    `json:"deviceId"`
	RegistrationID int              `json:"registrationId"`
	Payload        EncryptedPayload `json:"payload"`
}

// MessageBundle is the body of a CLIENT_SEND_MESSAGE: one independently
// encrypted payload per target device.
type MessageBundle struct {
	Messages []MessageBundleEntry `json:"messages"`
}

// DeviceMismatchContent is the body of a SERVER_DEVICE_MISMATCH,
// describing the discrepancy between the sender's assumed device set for
// a recipient and the recipient's actual active devices.
type DeviceMismatchContent struct {
	Stale   []core.DeviceID `json:"stale"`
	Missing []core.DeviceID `json:"missing"`
	Removed []core.DeviceID `json:"removed"`
}

// InvalidPayloadError is the error returned when a message body cannot be
// decoded for its command.
type InvalidPayloadError struct {
	CommandCode CommandCode
	Err         error
}

// Error implements the error interface.
func (e *InvalidPayloadError) Error() string {
	return fmt.Sprintf("wire: invalid payload for command %v: %v", e.CommandCode, e.Err)
}

// WriteMessageBundle serializes a MessageBundle body.
func WriteMessageBundle(bundle *MessageBundle) ([]byte, error) {
	return json.Marshal(bundle)
}

// ReadMessageBundle deserializes a CLIENT_SEND_MESSAGE body.
func ReadMessageBundle(content []byte) (*MessageBundle, error) {
	bundle := new(MessageBundle)
	if err := json.Unmarshal(content, bundle); err != nil {
		return nil, &InvalidPayloadError{ClientSendMessage, err}
	}
	return bundle, nil
}

// ReadDeviceMismatchContent deserializes a SERVER_DEVICE_MISMATCH body.
func ReadDeviceMismatchContent(content []byte) (*DeviceMismatchContent, error) {
	c := new(DeviceMismatchContent)
	if err := json.Unmarshal(content, c); err != nil {
		return nil, &InvalidPayloadError{ServerDeviceMismatch, err}
	}
	return c, nil
}

// NewAuthRequest creates a new authentication request message.
func NewAuthRequest(creds core.UserCredentials) *RelayMessage {
	return &RelayMessage{
		Header: Header{
			Version:       ProtocolVersion1,
			AuthToken:     string(creds.AuthToken),
			FromUserID:    creds.Address.String(),
			FragmentTotal: 1,
			CommandCode:   ClientRegisterRequest,
		},
	}
}

// NewPing creates a new ping message.
func NewPing() *RelayMessage {
	return &RelayMessage{
		Header: Header{
			Version:       ProtocolVersion1,
			FragmentTotal: 1,
			CommandCode:   ClientPing,
		},
	}
}

// NewSendMessage creates a message carrying the given bundle to a user.
func NewSendMessage(creds core.UserCredentials, to core.UserID, bundle *MessageBundle, messageID string) (*RelayMessage, error) {
	content, err := WriteMessageBundle(bundle)
	if err != nil {
		return nil, err
	}
	m := &RelayMessage{
		Header: Header{
			Version:       ProtocolVersion1,
			ContentLength: len(content),
			AuthToken:     string(creds.AuthToken),
			FromUserID:    creds.Address.String(),
			ToUserID:      to.String(),
			MessageID:     messageID,
			FragmentTotal: 1,
			CommandCode:   ClientSendMessage,
		},
		Content: content,
	}
	if err := m.Header.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMessageReceivedAck creates the client side ack for a received
// message.
func NewMessageReceivedAck(creds core.UserCredentials, messageID string) *RelayMessage {
	content := []byte(messageID)
	return &RelayMessage{
		Header: Header{
			Version:       ProtocolVersion1,
			ContentLength: len(content),
			AuthToken:     string(creds.AuthToken),
			FromUserID:    creds.Address.String(),
			FragmentTotal: 1,
			CommandCode:   ClientReceivedMessage,
		},
		Content: content,
	}
}
