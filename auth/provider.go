// provider.go - Fixed token provider.
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

package auth

import "github.com/slychat/slychat/core"

// FixedTokenProvider hands out a single preconfigured token.  It is used
// when the token comes from configuration rather than a login flow;
// invalidation just re-emits the same token.
type FixedTokenProvider struct {
	token   core.AuthToken
	eventCh chan TokenEvent
}

var _ TokenProvider = (*FixedTokenProvider)(nil)

// NewFixedTokenProvider constructs a FixedTokenProvider for the given
// token and emits it immediately.
func NewFixedTokenProvider(token core.AuthToken) *FixedTokenProvider {
	p := &FixedTokenProvider{
		token:   token,
		eventCh: make(chan TokenEvent, 4),
	}
	p.eventCh <- &NewToken{Token: token}
	return p
}

// Events returns the provider event channel.
func (p *FixedTokenProvider) Events() <-chan TokenEvent {
	return p.eventCh
}

// InvalidateToken re-emits the configured token.
func (p *FixedTokenProvider) InvalidateToken() {
	select {
	case p.eventCh <- &NewToken{Token: p.token}:
	default:
	}
}
