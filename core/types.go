// types.go - Core identity types.
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

// Package core provides the identity and credential types shared by the
// relay, session and transfer subsystems.
package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// UserID identifies one account.
type UserID int64

// String returns the decimal form of the user id.
func (u UserID) String() string {
	return strconv.FormatInt(int64(u), 10)
}

// ParseUserID parses the decimal form of a user id.
func ParseUserID(s string) (UserID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("core: invalid user id: %v", s)
	}
	return UserID(v), nil
}

// DeviceID identifies one device instance of an account.
type DeviceID int

// Address identifies one device instance of one account.  It is the key
// for session lookup and is immutable once constructed.
type Address struct {
	UserID   UserID
	DeviceID DeviceID
}

// String returns the canonical "userID.deviceID" form of the address.
func (a Address) String() string {
	return fmt.Sprintf("%d.%d", a.UserID, a.DeviceID)
}

// ParseAddress parses the canonical "userID.deviceID" form.
func ParseAddress(s string) (Address, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return Address{}, fmt.Errorf("core: invalid address: %v", s)
	}
	userID, err := ParseUserID(parts[0])
	if err != nil {
		return Address{}, err
	}
	deviceID, err := strconv.Atoi(parts[1])
	if err != nil {
		return Address{}, fmt.Errorf("core: invalid device id: %v", parts[1])
	}
	return Address{UserID: userID, DeviceID: DeviceID(deviceID)}, nil
}

// AuthToken is an opaque bearer credential.
type AuthToken string

// UserCredentials pairs an address with the bearer token used to
// authenticate requests issued on its behalf.
type UserCredentials struct {
	Address   Address
	AuthToken AuthToken
}

// CurrentTimestamp returns the wall clock time in milliseconds since the
// epoch, the unit used throughout the relay protocol.
func CurrentTimestamp() int64 {
	return time.Now().UnixMilli()
}
