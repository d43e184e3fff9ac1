// conn.go - Relay transport connection and message framing.
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
	"bytes"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/slychat/slychat/core/worker"
	"github.com/slychat/slychat/relay/wire"
)

const (
	defaultConnectTimeout    = 15 * time.Second
	defaultKeepAliveInterval = 3 * time.Minute

	sendQueueSize = 100
	readBufSize   = 4096
)

// ErrConnectionClosed is the error returned when attempting to send on a
// connection that has terminated.
var ErrConnectionClosed = errors.New("relay/conn: connection closed")

// ConnectionConfig is the relay transport configuration.
type ConnectionConfig struct {
	// Address is the host:port of the relay server.
	Address string

	// ConnectTimeout is the transport connect timeout.
	ConnectTimeout time.Duration

	// KeepAliveInterval is the TCP keep-alive interval.
	KeepAliveInterval time.Duration

	// TLSConfig overrides the pinned TLS configuration, for tests.
	TLSConfig *tls.Config

	// DialFn overrides the transport dialer entirely, for tests.
	DialFn func() (net.Conn, error)
}

func (cfg *ConnectionConfig) applyDefaults() {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.KeepAliveInterval == 0 {
		cfg.KeepAliveInterval = defaultKeepAliveInterval
	}
}

// The relay speaks TLS 1.2 with a single pinned cipher suite.
func pinnedTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS12,
		CipherSuites: []uint16{tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384},
	}
}

func dialRelay(cfg *ConnectionConfig) (net.Conn, error) {
	if cfg.DialFn != nil {
		return cfg.DialFn()
	}

	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: cfg.KeepAliveInterval,
	}
	tlsCfg := cfg.TLSConfig
	if tlsCfg == nil {
		tlsCfg = pinnedTLSConfig()
	}
	return tls.DialWithDialer(dialer, "tcp", cfg.Address, tlsCfg)
}

// messageDecoder converts a relay byte stream into discrete relay
// messages.  Decoding is stateful: a partial header or body spanning
// multiple transport reads is buffered and resumed on the next feed.
type messageDecoder struct {
	buf    bytes.Buffer
	header *wire.Header
}

// feed appends b to the decode buffer and returns all messages that are
// now complete.  A decode error is terminal for the stream.
func (d *messageDecoder) feed(b []byte) ([]*wire.RelayMessage, error) {
	d.buf.Write(b)

	var messages []*wire.RelayMessage
	for {
		if d.header == nil {
			if d.buf.Len() < wire.HeaderSize {
				return messages, nil
			}
			hdrBytes := make([]byte, wire.HeaderSize)
			d.buf.Read(hdrBytes)
			header, err := wire.HeaderFromBytes(hdrBytes)
			if err != nil {
				return messages, err
			}
			d.header = header
		}

		// Zero length bodies are emitted immediately without waiting for
		// further input.
		if d.buf.Len() < d.header.ContentLength {
			return messages, nil
		}
		content := make([]byte, d.header.ContentLength)
		d.buf.Read(content)
		messages = append(messages, &wire.RelayMessage{Header: *d.header, Content: content})
		d.header = nil
	}
}

// midMessage is true when EOF at this point would truncate a message.
func (d *messageDecoder) midMessage() bool {
	return d.header != nil || d.buf.Len() > 0
}

// connLost is delivered on the connection event channel when the stream
// terminates.  Err is nil on an orderly peer close.
type connLost struct {
	err error
}

// connection wraps an established transport connection and performs
// message framing in both directions.
type connection struct {
	worker.Worker

	log  *logging.Logger
	conn net.Conn

	sendCh chan *wire.RelayMessage

	// eventCh carries *wire.RelayMessage and a final connLost.
	eventCh chan interface{}
}

func newConnection(conn net.Conn, log *logging.Logger) *connection {
	c := &connection{
		log:     log,
		conn:    conn,
		sendCh:  make(chan *wire.RelayMessage, sendQueueSize),
		eventCh: make(chan interface{}),
	}
	c.Go(c.recvWorker)
	c.Go(c.sendWorker)
	return c
}

func (c *connection) recvWorker() {
	defer close(c.eventCh)

	decoder := new(messageDecoder)
	buf := make([]byte, readBufSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			messages, decodeErr := decoder.feed(buf[:n])
			for _, m := range messages {
				select {
				case c.eventCh <- m:
				case <-c.HaltCh():
					return
				}
			}
			if decodeErr != nil {
				// Protocol decode errors are fatal for the connection.
				c.log.Errorf("Decode error: %v", decodeErr)
				c.conn.Close()
				c.deliverLost(decodeErr)
				return
			}
		}
		if err != nil {
			if err == io.EOF && !decoder.midMessage() {
				c.log.Debugf("EOF received")
				c.deliverLost(nil)
			} else {
				c.deliverLost(err)
			}
			return
		}
	}
}

func (c *connection) deliverLost(err error) {
	select {
	case c.eventCh <- connLost{err: err}:
	case <-c.HaltCh():
	}
}

func (c *connection) sendWorker() {
	for {
		select {
		case m := <-c.sendCh:
			// Header and body in a single write.
			if _, err := c.conn.Write(m.ToBytes()); err != nil {
				c.log.Debugf("Write error: %v", err)
				c.conn.Close()
				return
			}
		case <-c.HaltCh():
			return
		}
	}
}

// sendMessage queues a message for transmission.
func (c *connection) sendMessage(m *wire.RelayMessage) error {
	select {
	case c.sendCh <- m:
		return nil
	case <-c.HaltCh():
		return ErrConnectionClosed
	}
}

// close tears the transport down; the reader then delivers the final
// stream event.
func (c *connection) close() {
	c.conn.Close()
}

// halt stops the workers and closes the transport.
func (c *connection) halt() {
	c.conn.Close()
	c.Halt()
}
