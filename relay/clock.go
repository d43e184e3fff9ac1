// clock.go - Server-adjusted wall clock.
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
	"sync"
	"time"
)

// DefaultClockThreshold is the offset magnitude below which the local
// clock is considered in sync with the relay and no correction is
// applied.
const DefaultClockThreshold = 60 * time.Second

// Clock tracks the relay clock offset and hands out server-adjusted
// timestamps for outbound messages.  Offsets at or below the threshold
// are treated as local clock jitter and reset to zero.
type Clock struct {
	sync.Mutex

	thresholdMs int64
	diffMs      int64
}

// NewClock creates a Clock with the given sync threshold.  A
// non-positive threshold applies every reported offset verbatim.
func NewClock(threshold time.Duration) *Clock {
	return &Clock{thresholdMs: threshold.Milliseconds()}
}

// SetDifference records a new server/client clock offset estimate in
// milliseconds, as published by Client.ClockDifference.
func (c *Clock) SetDifference(diffMs int64) {
	applied := diffMs
	if applied < 0 {
		applied = -applied
	}
	if applied <= c.thresholdMs {
		diffMs = 0
	}

	c.Lock()
	c.diffMs = diffMs
	c.Unlock()
}

// Difference returns the currently applied offset in milliseconds.
func (c *Clock) Difference() int64 {
	c.Lock()
	defer c.Unlock()
	return c.diffMs
}

// Now returns the local time shifted by the applied offset.
func (c *Clock) Now() time.Time {
	return time.Now().Add(time.Duration(c.Difference()) * time.Millisecond)
}

// NowMillis is Now as Unix milliseconds, the relay wire timestamp unit.
func (c *Clock) NowMillis() int64 {
	return c.Now().UnixMilli()
}
