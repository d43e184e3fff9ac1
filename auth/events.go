// events.go - Token provider events.
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

import (
	"fmt"

	"github.com/slychat/slychat/core"
)

// TokenEvent is the interface for events emitted by a TokenProvider.
type TokenEvent interface {
	// String returns a string representation of the TokenEvent.
	String() string

	tokenEvent()
}

// NewToken is emitted when the provider has obtained a fresh token.
type NewToken struct {
	// Token is the new bearer token.
	Token core.AuthToken
}

// String returns a string representation of the NewToken event.
func (e *NewToken) String() string {
	return "NewToken"
}

func (e *NewToken) tokenEvent() {}

// TokenExpired is emitted when the provider has learned that the current
// token is no longer valid.  A refresh attempt follows.
type TokenExpired struct{}

// String returns a string representation of the TokenExpired event.
func (e *TokenExpired) String() string {
	return "TokenExpired"
}

func (e *TokenExpired) tokenEvent() {}

// TokenError is emitted when the provider failed to obtain a token and
// will not retry on its own.
type TokenError struct {
	// Err is the fetch error.
	Err error
}

// String returns a string representation of the TokenError event.
func (e *TokenError) String() string {
	return fmt.Sprintf("TokenError: %v", e.Err)
}

func (e *TokenError) tokenEvent() {}
