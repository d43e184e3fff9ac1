// diff_test.go - Tests for device list reconciliation.
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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slychat/slychat/core"
)

func TestDeviceDiffEmpty(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	diff := DeviceDiff(nil, nil, func(core.DeviceID) int { return 0 })
	require.Empty(diff.Stale)
	require.Empty(diff.Missing)
	require.Empty(diff.Removed)
}

func TestDeviceDiffNoChanges(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	regIDs := map[core.DeviceID]int{1: 101, 2: 102}
	diff := DeviceDiff(
		[]core.DeviceID{1, 2},
		[]DeviceInfo{{ID: 1, RegistrationID: 101}, {ID: 2, RegistrationID: 102}},
		func(id core.DeviceID) int { return regIDs[id] },
	)
	require.Empty(diff.Stale)
	require.Empty(diff.Missing)
	require.Empty(diff.Removed)
}

func TestDeviceDiffMixed(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// Device 1 reinstalled, device 3 never seen, device 5 unregistered.
	regIDs := map[core.DeviceID]int{1: 101, 5: 105}
	diff := DeviceDiff(
		[]core.DeviceID{1, 5},
		[]DeviceInfo{{ID: 1, RegistrationID: 201}, {ID: 3, RegistrationID: 103}},
		func(id core.DeviceID) int { return regIDs[id] },
	)
	require.Equal([]core.DeviceID{1}, diff.Stale)
	require.Equal([]core.DeviceID{3}, diff.Missing)
	require.Equal([]core.DeviceID{5}, diff.Removed)
}

func TestDeviceDiffRemovedSorted(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	diff := DeviceDiff(
		[]core.DeviceID{9, 2, 7},
		nil,
		func(core.DeviceID) int { return 0 },
	)
	require.Equal([]core.DeviceID{2, 7, 9}, diff.Removed)
}
