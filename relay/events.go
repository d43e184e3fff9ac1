// events.go - Relay client events.
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

package relay

import (
	"fmt"

	"github.com/slychat/slychat/core"
	"github.com/slychat/slychat/relay/wire"
)

// Event is the generic event sent over the client event channel.
//
// The event channel never signals a terminal error distinct from
// completion: the channel is closed after the final ConnectionLost or
// ConnectionFailure event, and consumers must inspect the embedded error
// field of those events for the cause.
type Event interface {
	// String returns a string representation of the Event.
	String() string
}

// ConnectionEstablished is emitted once the transport connection is up,
// before authentication completes.
type ConnectionEstablished struct{}

// String returns a string representation of the event.
func (e *ConnectionEstablished) String() string {
	return "ConnectionEstablished"
}

// ConnectionFailure is emitted when the transport could not be
// established at all.
type ConnectionFailure struct {
	// Err is the error that caused the connect attempt to fail.
	Err error
}

// String returns a string representation of the event.
func (e *ConnectionFailure) String() string {
	return fmt.Sprintf("ConnectionFailure: %v", e.Err)
}

// ConnectionLost is emitted when an established connection terminates.
type ConnectionLost struct {
	// WasRequested is true when the disconnect was requested locally.
	WasRequested bool

	// Err is the error that caused the loss, nil on orderly close.
	Err error
}

// String returns a string representation of the event.
func (e *ConnectionLost) String() string {
	if e.Err != nil {
		return fmt.Sprintf("ConnectionLost: requested=%v (%v)", e.WasRequested, e.Err)
	}
	return fmt.Sprintf("ConnectionLost: requested=%v", e.WasRequested)
}

// AuthenticationSuccessful is emitted when the relay accepts our
// registration.
type AuthenticationSuccessful struct{}

// String returns a string representation of the event.
func (e *AuthenticationSuccessful) String() string {
	return "AuthenticationSuccessful"
}

// AuthenticationFailure is emitted when the relay demands re-registration
// while we are still authenticating.
type AuthenticationFailure struct{}

// String returns a string representation of the event.
func (e *AuthenticationFailure) String() string {
	return "AuthenticationFailure"
}

// AuthenticationExpired is emitted when the relay demands re-registration
// after we were already authenticated.
type AuthenticationExpired struct{}

// String returns a string representation of the event.
func (e *AuthenticationExpired) String() string {
	return "AuthenticationExpired"
}

// ReceivedMessage is emitted for a new message from another user.
type ReceivedMessage struct {
	From      core.Address
	Content   []byte
	MessageID string
	// Timestamp is the server timestamp in milliseconds.
	Timestamp int64
}

// String returns a string representation of the event.
func (e *ReceivedMessage) String() string {
	return fmt.Sprintf("ReceivedMessage: <%v> from <<%v>>", e.MessageID, e.From)
}

// ServerReceivedMessage is emitted when the server acknowledges receipt
// of one of our messages.
type ServerReceivedMessage struct {
	To        core.UserID
	MessageID string
	Timestamp int64
}

// String returns a string representation of the event.
func (e *ServerReceivedMessage) String() string {
	return fmt.Sprintf("ServerReceivedMessage: <%v> to <<%v>>", e.MessageID, e.To)
}

// MessageSentToUser is emitted when the server has dispatched one of our
// messages to its target.
type MessageSentToUser struct {
	To        core.UserID
	MessageID string
}

// String returns a string representation of the event.
func (e *MessageSentToUser) String() string {
	return fmt.Sprintf("MessageSentToUser: <%v> to <<%v>>", e.MessageID, e.To)
}

// UserOffline is emitted when a message could not be dispatched because
// the target user is offline.
type UserOffline struct {
	To        core.UserID
	MessageID string
}

// String returns a string representation of the event.
func (e *UserOffline) String() string {
	return fmt.Sprintf("UserOffline: <<%v>>", e.To)
}

// DeviceMismatch is emitted when the server reports a discrepancy in the
// device set assumed for a send attempt.
type DeviceMismatch struct {
	To        core.UserID
	MessageID string
	Content   wire.DeviceMismatchContent
}

// String returns a string representation of the event.
func (e *DeviceMismatch) String() string {
	return fmt.Sprintf("DeviceMismatch: <<%v>> stale=%v missing=%v removed=%v",
		e.To, e.Content.Stale, e.Content.Missing, e.Content.Removed)
}
