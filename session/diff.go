// diff.go - device list reconciliation.
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
	"sort"

	"github.com/slychat/slychat/core"
	"github.com/slychat/slychat/relay/wire"
)

// DeviceInfo pairs a device id with the registration id its owner
// published for it.
type DeviceInfo struct {
	ID             core.DeviceID
	RegistrationID int
}

// DeviceDiff compares the devices we hold sessions for against an
// authoritative device list and reports what must change.  A received
// device we have no registration id for (registrationID returns 0) is
// missing; one whose registration id differs was reinstalled and is
// stale; a current device absent from the received list was removed.
func DeviceDiff(current []core.DeviceID, received []DeviceInfo, registrationID func(core.DeviceID) int) wire.DeviceMismatchContent {
	currentSet := make(map[core.DeviceID]bool, len(current))
	for _, id := range current {
		currentSet[id] = true
	}

	var diff wire.DeviceMismatchContent
	receivedSet := make(map[core.DeviceID]bool, len(received))
	for _, info := range received {
		receivedSet[info.ID] = true
		regID := registrationID(info.ID)
		switch {
		case regID == 0:
			diff.Missing = append(diff.Missing, info.ID)
		case regID != info.RegistrationID:
			diff.Stale = append(diff.Stale, info.ID)
		}
	}

	for id := range currentSet {
		if !receivedSet[id] {
			diff.Removed = append(diff.Removed, id)
		}
	}
	sort.Slice(diff.Removed, func(i, j int) bool { return diff.Removed[i] < diff.Removed[j] })

	return diff
}
