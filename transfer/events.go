// events.go - transfer events.
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

package transfer

import (
	"fmt"
	"time"
)

// Event is the generic event sent over a transfer manager's event
// channel.
type Event interface {
	// String returns a string representation of the Event.
	String() string
}

// Added is emitted when a job enters the list.
type Added struct {
	ID    string
	State State
}

// String returns a string representation of the event.
func (e *Added) String() string {
	return fmt.Sprintf("Added: %v (%v)", e.ID, e.State)
}

// StateChanged is emitted on every job state transition.
type StateChanged struct {
	ID    string
	State State

	// Err is set when State is StateError.
	Err error

	// RetryAfter is the server's backoff hint when the failure was
	// rate limiting, zero otherwise.
	RetryAfter time.Duration
}

// String returns a string representation of the event.
func (e *StateChanged) String() string {
	if e.Err != nil {
		return fmt.Sprintf("StateChanged: %v -> %v (%v)", e.ID, e.State, e.Err)
	}
	return fmt.Sprintf("StateChanged: %v -> %v", e.ID, e.State)
}

// Progress is emitted as transferred byte counts advance.
type Progress struct {
	ID          string
	Transferred int64
	Total       int64
}

// String returns a string representation of the event.
func (e *Progress) String() string {
	return fmt.Sprintf("Progress: %v %d/%d", e.ID, e.Transferred, e.Total)
}

// Removed is emitted when a job leaves the list.
type Removed struct {
	ID string
}

// String returns a string representation of the event.
func (e *Removed) String() string {
	return fmt.Sprintf("Removed: %v", e.ID)
}
