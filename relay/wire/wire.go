// wire.go - Relay wire protocol header codec.
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

// Package wire implements the low-level relay binary protocol: the fixed
// width ASCII header, the command code enumeration and the relay message
// constructors.
//
// The header layout is a bit-exact compatibility surface with the relay
// server and must not be altered.
package wire

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

const (
	// HeaderSize is the size in bytes of the wire header.
	HeaderSize = 608

	// Signature is the protocol signature carried in the first header bytes.
	Signature = "CSP"

	// ProtocolVersion1 is the sole supported protocol version.
	ProtocolVersion1 = 1

	protocolVersionSize = 2
	contentLengthSize   = 5
	authTokenSize       = 32
	fromUserIDSize      = 254
	toUserIDSize        = 254
	messageIDSize       = 32
	fragmentNumberSize  = 2
	fragmentTotalSize   = 2
	commandCodeSize     = 3
	timestampSize       = 19

	// MaxContentLength is the largest body size the 5 digit content length
	// field can express.
	MaxContentLength = 99999
)

var signatureBytes = []byte(Signature)

// CommandCode is a wire protocol command.  CLIENT indicates a
// client->server command, SERVER a server->client command.
type CommandCode int

const (
	ClientRegisterRequest CommandCode = iota + 1
	ServerRegisterSuccessful
	// Sent by the server when a client sends a message but hasn't
	// registered, or the registration has timed out.
	ServerRegisterRequest
	ClientCheckValidity
	// If auth is no longer valid, the server returns
	// ServerRegisterRequest instead of this.
	ServerIDValid
	// Doubles as receiving a message when received from the server.
	ClientSendMessage
	// Server has received the client's message.
	ServerMessageReceived
	// Server has dispatched the client's message to the target user.
	ServerMessageSent
	ClientMessageView
	ServerUserOffline
	ClientFileTransferRequest
	ClientFileTransferAccept
	ClientFileTransferData
	ClientFileTransferComplete
	ClientFileTransferCancelOrReject
	ClientPing
	ServerPong
	ClientReceivedMessage
	ServerDeviceMismatch

	maxCommandCode = ServerDeviceMismatch
)

// CommandCodeFromInt maps a wire integer onto a CommandCode.
func CommandCodeFromInt(code int) (CommandCode, error) {
	if code < int(ClientRegisterRequest) || code > int(maxCommandCode) {
		return 0, &InvalidCommandCodeError{Code: code}
	}
	return CommandCode(code), nil
}

// String returns a string representation of the CommandCode.
func (c CommandCode) String() string {
	switch c {
	case ClientRegisterRequest:
		return "CLIENT_REGISTER_REQUEST"
	case ServerRegisterSuccessful:
		return "SERVER_REGISTER_SUCCESSFUL"
	case ServerRegisterRequest:
		return "SERVER_REGISTER_REQUEST"
	case ClientCheckValidity:
		return "CLIENT_CHECK_VALIDITY"
	case ServerIDValid:
		return "SERVER_ID_VALID"
	case ClientSendMessage:
		return "CLIENT_SEND_MESSAGE"
	case ServerMessageReceived:
		return "SERVER_MESSAGE_RECEIVED"
	case ServerMessageSent:
		return "SERVER_MESSAGE_SENT"
	case ClientMessageView:
		return "CLIENT_MESSAGE_VIEW"
	case ServerUserOffline:
		return "SERVER_USER_OFFLINE"
	case ClientFileTransferRequest:
		return "CLIENT_FILE_TRANSFER_REQUEST"
	case ClientFileTransferAccept:
		return "CLIENT_FILE_TRANSFER_ACCEPT"
	case ClientFileTransferData:
		return "CLIENT_FILE_TRANSFER_DATA"
	case ClientFileTransferComplete:
		return "CLIENT_FILE_TRANSFER_COMPLETE"
	case ClientFileTransferCancelOrReject:
		return "CLIENT_FILE_TRANSFER_CANCEL_OR_REJECT"
	case ClientPing:
		return "CLIENT_PING"
	case ServerPong:
		return "SERVER_PONG"
	case ClientReceivedMessage:
		return "CLIENT_RECEIVED_MESSAGE"
	case ServerDeviceMismatch:
		return "SERVER_DEVICE_MISMATCH"
	default:
		return fmt.Sprintf("CommandCode(%d)", int(c))
	}
}

// InvalidHeaderSizeError is the error returned when fewer bytes than a
// full header are presented for decoding.
type InvalidHeaderSizeError struct {
	// Size is the number of bytes that were available.
	Size int
}

// Error implements the error interface.
func (e *InvalidHeaderSizeError) Error() string {
	return fmt.Sprintf("wire: header size expected to be %d, got %d", HeaderSize, e.Size)
}

// InvalidHeaderSignatureError is the error returned when the header
// signature bytes do not match.
type InvalidHeaderSignatureError struct {
	// Signature is the hex form of the bytes found instead.
	Signature string
}

// Error implements the error interface.
func (e *InvalidHeaderSignatureError) Error() string {
	return fmt.Sprintf("wire: expected header signature, got %s", e.Signature)
}

// InvalidProtocolVersionError is the error returned for an unsupported
// protocol version.
type InvalidProtocolVersionError struct {
	Version int
}

// Error implements the error interface.
func (e *InvalidProtocolVersionError) Error() string {
	return fmt.Sprintf("wire: unsupported protocol version: %d", e.Version)
}

// InvalidCommandCodeError is the error returned for an unknown command
// code integer.
type InvalidCommandCodeError struct {
	Code int
}

// Error implements the error interface.
func (e *InvalidCommandCodeError) Error() string {
	return fmt.Sprintf("wire: invalid command code: %d", e.Code)
}

// InvalidHeaderFieldError is the error returned when a header field
// exceeds its declared width.
type InvalidHeaderFieldError struct {
	Field  string
	Length int
	Max    int
}

// Error implements the error interface.
func (e *InvalidHeaderFieldError) Error() string {
	return fmt.Sprintf("wire: %s: %d > %d", e.Field, e.Length, e.Max)
}

// Header is the fixed size wire header preceding every relay message body.
type Header struct {
	Version       int
	ContentLength int
	// AuthToken is the bearer token of the sending client, empty on
	// server originated messages.
	AuthToken  string
	FromUserID string
	ToUserID   string
	// MessageID is used for tracking replies.
	MessageID      string
	FragmentNumber int
	FragmentTotal  int
	CommandCode    CommandCode
	// Timestamp is the wall clock time in milliseconds, zero when unset.
	Timestamp int64
}

// Validate checks the construction time invariants of a Header.
func (h *Header) Validate() error {
	if len(h.AuthToken) > authTokenSize {
		return &InvalidHeaderFieldError{"authToken", len(h.AuthToken), authTokenSize}
	}
	if len(h.FromUserID) > fromUserIDSize {
		return &InvalidHeaderFieldError{"fromUserID", len(h.FromUserID), fromUserIDSize}
	}
	if len(h.ToUserID) > toUserIDSize {
		return &InvalidHeaderFieldError{"toUserID", len(h.ToUserID), toUserIDSize}
	}
	if len(h.MessageID) > messageIDSize {
		return &InvalidHeaderFieldError{"messageID", len(h.MessageID), messageIDSize}
	}
	if h.FragmentNumber >= h.FragmentTotal {
		return fmt.Errorf("wire: fragmentNumber >= fragmentTotal: %d >= %d", h.FragmentNumber, h.FragmentTotal)
	}
	if h.ContentLength < 0 || h.ContentLength > MaxContentLength {
		return fmt.Errorf("wire: invalid content length: %d", h.ContentLength)
	}
	return nil
}

// RelayMessage is one header plus content unit of the relay protocol.
type RelayMessage struct {
	Header  Header
	Content []byte
}

type fieldReader struct {
	s   string
	pos int
}

func (r *fieldReader) next(count int) string {
	v := r.s[r.pos : r.pos+count]
	r.pos += count
	return v
}

func (r *fieldReader) nextInt(count int) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(r.next(count)))
	if err != nil {
		return 0, fmt.Errorf("wire: malformed numeric header field: %v", err)
	}
	return v, nil
}

func (r *fieldReader) nextString(count int) string {
	return strings.TrimRight(r.next(count), " ")
}

// HeaderFromBytes decodes a Header from b.  b must hold at least
// HeaderSize bytes.
func HeaderFromBytes(b []byte) (*Header, error) {
	if len(b) < HeaderSize {
		return nil, &InvalidHeaderSizeError{Size: len(b)}
	}
	if !bytes.Equal(b[0:3], signatureBytes) {
		return nil, &InvalidHeaderSignatureError{Signature: fmt.Sprintf("%x", b[0:3])}
	}

	r := &fieldReader{s: string(b[3:HeaderSize])}

	version, err := r.nextInt(protocolVersionSize)
	if err != nil {
		return nil, err
	}
	if version != ProtocolVersion1 {
		return nil, &InvalidProtocolVersionError{Version: version}
	}

	contentLength, err := r.nextInt(contentLengthSize)
	if err != nil {
		return nil, err
	}
	authToken := r.nextString(authTokenSize)
	fromUserID := r.nextString(fromUserIDSize)
	toUserID := r.nextString(toUserIDSize)
	messageID := r.nextString(messageIDSize)
	fragmentNumber, err := r.nextInt(fragmentNumberSize)
	if err != nil {
		return nil, err
	}
	fragmentTotal, err := r.nextInt(fragmentTotalSize)
	if err != nil {
		return nil, err
	}
	rawCode, err := r.nextInt(commandCodeSize)
	if err != nil {
		return nil, err
	}
	commandCode, err := CommandCodeFromInt(rawCode)
	if err != nil {
		return nil, err
	}
	timestamp, err := strconv.ParseInt(strings.TrimSpace(r.next(timestampSize)), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("wire: malformed timestamp field: %v", err)
	}

	return &Header{
		Version:        version,
		ContentLength:  contentLength,
		AuthToken:      authToken,
		FromUserID:     fromUserID,
		ToUserID:       toUserID,
		MessageID:      messageID,
		FragmentNumber: fragmentNumber,
		FragmentTotal:  fragmentTotal,
		CommandCode:    commandCode,
		Timestamp:      timestamp,
	}, nil
}

// ToBytes encodes the header into its fixed width wire form.  The header
// must satisfy Validate.
func (h *Header) ToBytes() []byte {
	var b strings.Builder
	b.Grow(HeaderSize)
	b.WriteString(Signature)
	fmt.Fprintf(&b, "%0*d", protocolVersionSize, h.Version)
	fmt.Fprintf(&b, "%0*d", contentLengthSize, h.ContentLength)
	fmt.Fprintf(&b, "%-*s", authTokenSize, h.AuthToken)
	fmt.Fprintf(&b, "%-*s", fromUserIDSize, h.FromUserID)
	fmt.Fprintf(&b, "%-*s", toUserIDSize, h.ToUserID)
	fmt.Fprintf(&b, "%-*s", messageIDSize, h.MessageID)
	fmt.Fprintf(&b, "%0*d", fragmentNumberSize, h.FragmentNumber)
	fmt.Fprintf(&b, "%0*d", fragmentTotalSize, h.FragmentTotal)
	fmt.Fprintf(&b, "%0*d", commandCodeSize, int(h.CommandCode))
	fmt.Fprintf(&b, "%0*d", timestampSize, h.Timestamp)
	return []byte(b.String())
}

// ToBytes serializes the message, header and content, in a single buffer.
func (m *RelayMessage) ToBytes() []byte {
	hdr := m.Header.ToBytes()
	out := make([]byte, 0, len(hdr)+len(m.Content))
	out = append(out, hdr...)
	out = append(out, m.Content...)
	return out
}
