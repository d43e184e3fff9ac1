// client.go - Relay client state machine.
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

// Package relay implements the relay client: transport framing over a
// TLS socket and the connection/authentication state machine above it.
package relay

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/op/go-logging.v1"

	"github.com/slychat/slychat/core"
	"github.com/slychat/slychat/core/log"
	"github.com/slychat/slychat/core/worker"
	"github.com/slychat/slychat/internal/instrument"
	"github.com/slychat/slychat/relay/wire"
)

// ErrNotConnected is the error returned when an operation requires a
// transport connection and none exists.
var ErrNotConnected = errors.New("relay: not connected")

// NotAuthenticatedError is the error returned when an operation requires
// the AUTHENTICATED state.
type NotAuthenticatedError struct {
	// State is the client state at the time of the call.
	State State
}

// Error implements the error interface.
func (e *NotAuthenticatedError) Error() string {
	return fmt.Sprintf("relay: not authenticated (state: %v)", e.State)
}

// State is the relay client connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticating
	StateAuthenticated
	StateDisconnecting
)

// String returns a string representation of the State.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateDisconnecting:
		return "DISCONNECTING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// NewMessageID returns a fresh 32 character relay message id.
func NewMessageID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// sentTimeData records when a clock-bearing request (auth, ping) was
// sent: the wall clock in milliseconds plus a monotonic reference.
type sentTimeData struct {
	sentTimeMs int64
	sentAt     time.Time
}

type opSendMessage struct {
	to        core.UserID
	bundle    *wire.MessageBundle
	messageID string
	errCh     chan error
}

type opSendAck struct {
	messageID string
	errCh     chan error
}

type opSendPing struct {
	errCh chan error
}

type opDisconnect struct{}

// Client is the relay client.  All state transitions happen on the
// client's single event worker; the state field is never mutated
// externally.
type Client struct {
	worker.Worker

	log   *logging.Logger
	cfg   ConnectionConfig
	creds core.UserCredentials

	opCh      chan interface{}
	eventSink chan Event

	clockDiffCh chan int64

	mu      sync.Mutex
	started bool
	state   State

	conn                   *connection
	lastMessageSentTime    *sentTimeData
	wasDisconnectRequested bool

	// Overridable in tests for clock anomaly coverage.
	wallNowFn      func() int64
	monotonicSince func(time.Time) time.Duration
}

// NewClient constructs a relay client.  Connect must be called to start
// it.
func NewClient(cfg ConnectionConfig, creds core.UserCredentials, logBackend *log.Backend) *Client {
	cfg.applyDefaults()
	return &Client{
		log:            logBackend.GetLogger("relay/client"),
		cfg:            cfg,
		creds:          creds,
		opCh:           make(chan interface{}),
		eventSink:      make(chan Event, 128),
		clockDiffCh:    make(chan int64, 1),
		state:          StateDisconnected,
		wallNowFn:      core.CurrentTimestamp,
		monotonicSince: time.Since,
	}
}

// Events returns the client event channel.  It is closed when the client
// terminates; the final event before close is always a ConnectionLost or
// ConnectionFailure carrying the cause, if any.
func (c *Client) Events() <-chan Event {
	return c.eventSink
}

// ClockDifference returns a channel carrying the most recent estimate of
// the server/client clock offset in milliseconds.  Only the latest value
// is retained.
func (c *Client) ClockDifference() <-chan int64 {
	return c.clockDiffCh
}

// State returns the current client state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect starts the client and initiates the transport connection.  The
// outcome is reported on the event channel.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("relay: already connected")
	}
	c.started = true
	c.state = StateConnecting
	c.mu.Unlock()

	c.Go(c.eventWorker)
	return nil
}

// Disconnect requests an orderly disconnect.  It is a no-op when not
// connected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		c.log.Warningf("Disconnect requested but not connected, ignoring")
		return
	}
	select {
	case c.opCh <- opDisconnect{}:
	case <-c.HaltCh():
	}
}

// SendMessage sends an encrypted message bundle to the given user.  The
// client must be authenticated.
func (c *Client) SendMessage(to core.UserID, bundle *wire.MessageBundle, messageID string) error {
	op := opSendMessage{to: to, bundle: bundle, messageID: messageID, errCh: make(chan error, 1)}
	return c.submit(op, op.errCh)
}

// SendMessageReceivedAck acknowledges receipt of a message to the server.
// The client must be authenticated.
func (c *Client) SendMessageReceivedAck(messageID string) error {
	op := opSendAck{messageID: messageID, errCh: make(chan error, 1)}
	return c.submit(op, op.errCh)
}

// SendPing sends a ping.  The client must be authenticated.
func (c *Client) SendPing() error {
	op := opSendPing{errCh: make(chan error, 1)}
	return c.submit(op, op.errCh)
}

func (c *Client) submit(op interface{}, errCh chan error) error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return ErrNotConnected
	}

	select {
	case c.opCh <- op:
	case <-c.HaltCh():
		return ErrNotConnected
	}
	select {
	case err := <-errCh:
		return err
	case <-c.HaltCh():
		return ErrNotConnected
	}
}

func (c *Client) emitEvent(ev Event) {
	c.log.Debugf("Event: %v", ev)
	select {
	case c.eventSink <- ev:
	case <-c.HaltCh():
	}
}

func (c *Client) eventWorker() {
	defer close(c.eventSink)

	c.log.Debugf("Connecting to relay: %v", c.cfg.Address)
	instrument.RelayConnect()
	rawConn, err := dialRelay(&c.cfg)
	if err != nil {
		// Transport errors before a connection existed are a failure,
		// not a loss.
		c.setState(StateDisconnected)
		c.emitEvent(&ConnectionFailure{Err: err})
		return
	}

	c.conn = newConnection(rawConn, c.log)
	defer c.conn.halt()

	c.setState(StateConnected)
	c.log.Infof("Relay connection established")
	c.emitEvent(&ConnectionEstablished{})
	c.authenticate()

	for {
		select {
		case ev, ok := <-c.conn.eventCh:
			if !ok {
				// Reader terminated without a loss event; treated as an
				// orderly close.
				c.onConnectionTerminated(nil)
				return
			}
			switch v := ev.(type) {
			case *wire.RelayMessage:
				c.handleRelayMessage(v)
			case connLost:
				c.onConnectionTerminated(v.err)
				return
			}
		case rawOp := <-c.opCh:
			if halt := c.handleOp(rawOp); halt {
				// Wait for the reader to deliver the final stream event
				// so the loss reason is preserved.
				c.drainUntilLost()
				return
			}
		case <-c.HaltCh():
			c.onConnectionTerminated(nil)
			return
		}
	}
}

func (c *Client) drainUntilLost() {
	for {
		select {
		case ev, ok := <-c.conn.eventCh:
			if !ok {
				c.onConnectionTerminated(nil)
				return
			}
			if lost, isLost := ev.(connLost); isLost {
				c.onConnectionTerminated(lost.err)
				return
			}
		case <-c.HaltCh():
			c.onConnectionTerminated(nil)
			return
		case <-time.After(5 * time.Second):
			c.onConnectionTerminated(nil)
			return
		}
	}
}

func (c *Client) handleOp(rawOp interface{}) bool {
	switch op := rawOp.(type) {
	case opSendMessage:
		if err := c.requireAuthenticated(); err != nil {
			op.errCh <- err
			return false
		}
		c.log.Infof("Sending message <<%v>> to <<%v>>", op.messageID, op.to)
		m, err := wire.NewSendMessage(c.creds, op.to, op.bundle, op.messageID)
		if err != nil {
			op.errCh <- err
			return false
		}
		err = c.conn.sendMessage(m)
		if err == nil {
			instrument.MessageSent()
		}
		op.errCh <- err
	case opSendAck:
		if err := c.requireAuthenticated(); err != nil {
			op.errCh <- err
			return false
		}
		c.log.Infof("Sending ack to server for message <<%v>>", op.messageID)
		op.errCh <- c.conn.sendMessage(wire.NewMessageReceivedAck(c.creds, op.messageID))
	case opSendPing:
		if err := c.requireAuthenticated(); err != nil {
			op.errCh <- err
			return false
		}
		c.log.Debugf("PING")
		err := c.conn.sendMessage(wire.NewPing())
		if err == nil {
			c.updateLastSentTime()
		}
		op.errCh <- err
	case opDisconnect:
		c.log.Debugf("Disconnect requested")
		c.setState(StateDisconnecting)
		c.wasDisconnectRequested = true
		c.conn.close()
		return true
	}
	return false
}

func (c *Client) requireAuthenticated() error {
	if c.conn == nil {
		return ErrNotConnected
	}
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateAuthenticated {
		return &NotAuthenticatedError{State: state}
	}
	return nil
}

func (c *Client) authenticate() {
	c.log.Infof("Authenticating as %v", c.creds.Address)
	if err := c.conn.sendMessage(wire.NewAuthRequest(c.creds)); err != nil {
		c.log.Warningf("Failed to queue auth request: %v", err)
		return
	}
	c.setState(StateAuthenticating)
	c.updateLastSentTime()
}

// handleRelayMessage handles all incoming relay messages, updating
// internal state as necessary.
func (c *Client) handleRelayMessage(m *wire.RelayMessage) {
	switch m.Header.CommandCode {
	case wire.ServerRegisterSuccessful:
		c.updateClockDifference(m.Header.Timestamp)
		c.log.Infof("Registration successful")
		c.setState(StateAuthenticated)
		c.emitEvent(&AuthenticationSuccessful{})

	case wire.ServerRegisterRequest:
		if c.State() == StateAuthenticating {
			c.log.Infof("Authentication failed, disconnecting")
			c.emitEvent(&AuthenticationFailure{})
		} else {
			c.log.Infof("Authentication expired")
			c.emitEvent(&AuthenticationExpired{})
		}
		c.setState(StateDisconnecting)
		c.wasDisconnectRequested = true
		c.conn.close()

	case wire.ServerMessageSent:
		to, err := core.ParseUserID(m.Header.ToUserID)
		if err != nil {
			c.log.Warningf("Malformed to-user id in SERVER_MESSAGE_SENT: %v", err)
			return
		}
		c.log.Infof("Message <%v> to <<%v>> has been successfully sent", m.Header.MessageID, to)
		c.emitEvent(&MessageSentToUser{To: to, MessageID: m.Header.MessageID})

	case wire.ServerMessageReceived:
		to, err := core.ParseUserID(m.Header.ToUserID)
		if err != nil {
			c.log.Warningf("Malformed to-user id in SERVER_MESSAGE_RECEIVED: %v", err)
			return
		}
		c.log.Infof("Server has received message <%v> to <<%v>>", m.Header.MessageID, to)
		c.emitEvent(&ServerReceivedMessage{To: to, MessageID: m.Header.MessageID, Timestamp: m.Header.Timestamp})

	case wire.ClientSendMessage:
		// Inbound CLIENT_SEND_MESSAGE indicates a new message from
		// someone.
		from, err := core.ParseAddress(m.Header.FromUserID)
		if err != nil {
			c.log.Warningf("Malformed from address in received message: %v", err)
			return
		}
		c.log.Infof("Received message <%v> from <<%v>>", m.Header.MessageID, from)
		instrument.MessageReceived()
		c.emitEvent(&ReceivedMessage{
			From:      from,
			Content:   m.Content,
			MessageID: m.Header.MessageID,
			Timestamp: m.Header.Timestamp,
		})

	case wire.ServerUserOffline:
		to, err := core.ParseUserID(m.Header.ToUserID)
		if err != nil {
			c.log.Warningf("Malformed to-user id in SERVER_USER_OFFLINE: %v", err)
			return
		}
		c.log.Infof("User %v is offline, unable to send message <%v>", to, m.Header.MessageID)
		c.emitEvent(&UserOffline{To: to, MessageID: m.Header.MessageID})

	case wire.ServerPong:
		c.log.Debugf("PONG")
		c.updateClockDifference(m.Header.Timestamp)

	case wire.ServerDeviceMismatch:
		to, err := core.ParseUserID(m.Header.ToUserID)
		if err != nil {
			c.log.Warningf("Malformed to-user id in SERVER_DEVICE_MISMATCH: %v", err)
			return
		}
		content, err := wire.ReadDeviceMismatchContent(m.Content)
		if err != nil {
			c.log.Warningf("Malformed device mismatch content: %v", err)
			return
		}
		c.log.Infof("Device mismatch for user %v: stale=%v, missing=%v, removed=%v",
			to, content.Stale, content.Missing, content.Removed)
		c.emitEvent(&DeviceMismatch{To: to, MessageID: m.Header.MessageID, Content: *content})

	default:
		c.log.Warningf("Unhandled message type: %v", m.Header.CommandCode)
	}
}

// updateClockDifference recomputes the server clock offset estimate from
// a clock-bearing server response.  More or less a ghetto SNTP; some
// seconds worth of accuracy loss is acceptable here.
func (c *Client) updateClockDifference(serverTimestamp int64) {
	lastSent := c.lastMessageSentTime
	c.lastMessageSentTime = nil

	if lastSent == nil {
		c.log.Warningf("Received a sync message from server without a corresponding request")
		return
	}

	diff := c.monotonicSince(lastSent.sentAt)
	if diff < 0 {
		// The monotonic delta went backwards or overflowed; skip this
		// iteration.
		c.log.Warningf("Monotonic delta overflowed or went backwards: %v", diff)
		return
	}

	responseTime := lastSent.sentTimeMs + diff.Milliseconds()
	clockDiff := ((serverTimestamp - lastSent.sentTimeMs) + (serverTimestamp - responseTime)) / 2

	// Latest value only.
	select {
	case <-c.clockDiffCh:
	default:
	}
	c.clockDiffCh <- clockDiff
}

func (c *Client) updateLastSentTime() {
	c.lastMessageSentTime = &sentTimeData{
		sentTimeMs: c.wallNowFn(),
		sentAt:     time.Now(),
	}
}

func (c *Client) onConnectionTerminated(err error) {
	c.setState(StateDisconnected)
	if err != nil {
		c.log.Errorf("Relay error: %v", err)
	} else {
		c.log.Infof("Connection closed")
	}
	c.emitEvent(&ConnectionLost{WasRequested: c.wasDisconnectRequested, Err: err})
}
