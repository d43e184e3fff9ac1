// conn_test.go - Tests for relay message framing.
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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slychat/slychat/relay/wire"
)

func testMessage(content string) *wire.RelayMessage {
	return &wire.RelayMessage{
		Header: wire.Header{
			Version:       wire.ProtocolVersion1,
			ContentLength: len(content),
			FromUserID:    "1.1",
			MessageID:     "9c32caef50304437a7b96c8a59b0b0a5",
			FragmentTotal: 1,
			CommandCode:   wire.ClientSendMessage,
		},
		Content: []byte(content),
	}
}

func TestDecoderSingleFeed(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	d := new(messageDecoder)
	m := testMessage("test content")

	got, err := d.feed(m.ToBytes())
	require.NoError(err)
	require.Len(got, 1)
	require.Equal(m.Header, got[0].Header)
	require.Equal(m.Content, got[0].Content)
	require.False(d.midMessage())
}

func TestDecoderZeroLengthBody(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	d := new(messageDecoder)
	ping := wire.NewPing()

	got, err := d.feed(ping.ToBytes())
	require.NoError(err)
	require.Len(got, 1)
	require.Empty(got[0].Content)
	require.False(d.midMessage())
}

func TestDecoderPartialReads(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	m := testMessage("spanning multiple reads")
	raw := m.ToBytes()

	// Feed one byte at a time; the decoder must buffer partial headers
	// and bodies across feeds.
	d := new(messageDecoder)
	var got []*wire.RelayMessage
	for i := 0; i < len(raw); i++ {
		messages, err := d.feed(raw[i : i+1])
		require.NoError(err)
		got = append(got, messages...)
		if i < len(raw)-1 {
			require.True(d.midMessage())
		}
	}
	require.Len(got, 1)
	require.Equal(m.Content, got[0].Content)
	require.False(d.midMessage())
}

func TestDecoderMultipleMessagesOneFeed(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	m1 := testMessage("first")
	m2 := testMessage("second")
	raw := append(m1.ToBytes(), m2.ToBytes()...)

	d := new(messageDecoder)
	got, err := d.feed(raw)
	require.NoError(err)
	require.Len(got, 2)
	require.Equal([]byte("first"), got[0].Content)
	require.Equal([]byte("second"), got[1].Content)
}

func TestDecoderSplitAcrossMessageBoundary(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	m1 := testMessage("first")
	m2 := testMessage("second")
	raw := append(m1.ToBytes(), m2.ToBytes()...)

	// Split mid-way through the second header.
	split := len(m1.ToBytes()) + 100

	d := new(messageDecoder)
	got, err := d.feed(raw[:split])
	require.NoError(err)
	require.Len(got, 1)
	require.True(d.midMessage())

	more, err := d.feed(raw[split:])
	require.NoError(err)
	require.Len(more, 1)
	require.Equal([]byte("second"), more[0].Content)
}

func TestDecoderBadSignatureIsTerminal(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	raw := testMessage("x").ToBytes()
	raw[0] = '?'

	d := new(messageDecoder)
	_, err := d.feed(raw)
	require.Error(err)
	_, ok := err.(*wire.InvalidHeaderSignatureError)
	require.True(ok, "expected InvalidHeaderSignatureError, got %v", err)
}
