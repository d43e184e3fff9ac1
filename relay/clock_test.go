// clock_test.go - Tests for the server-adjusted clock.
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
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockIgnoresOffsetsWithinThreshold(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	c := NewClock(100 * time.Millisecond)
	for _, diff := range []int64{-100, -1, 0, 1, 99, 100} {
		c.SetDifference(diff)
		require.Zero(c.Difference(), "offset %d should not be applied", diff)
	}
}

func TestClockAppliesOffsetAboveThreshold(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	c := NewClock(100 * time.Millisecond)
	c.SetDifference(101)
	require.Equal(int64(101), c.Difference())

	c.SetDifference(-5000)
	require.Equal(int64(-5000), c.Difference())
}

func TestClockResetsWhenOffsetFallsBelowThreshold(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	c := NewClock(100 * time.Millisecond)
	c.SetDifference(101)
	require.Equal(int64(101), c.Difference())

	c.SetDifference(100)
	require.Zero(c.Difference())
}

func TestClockNowShiftsLocalTime(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	c := NewClock(0)
	c.SetDifference(90_000)

	got := c.Now().UnixMilli() - time.Now().UnixMilli()
	require.InDelta(90_000, got, 1000)
}
