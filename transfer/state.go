// state.go - transfer job states.
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

import "fmt"

// State is the lifecycle state of one transfer job.
type State uint8

const (
	// StateQueued means the job waits for a worker slot.
	StateQueued State = iota

	// StateActive means a worker is transferring the job.
	StateActive

	// StateCancelling means cancellation was requested while the job
	// was active; the worker stops at the next chunk boundary.
	StateCancelling

	// StateCancelled is terminal: the job was cancelled.
	StateCancelled

	// StateComplete is terminal: every byte transferred.
	StateComplete

	// StateError is terminal until Retry: the job failed.
	StateError
)

// String returns a string representation of the State.
func (s State) String() string {
	switch s {
	case StateQueued:
		return "QUEUED"
	case StateActive:
		return "ACTIVE"
	case StateCancelling:
		return "CANCELLING"
	case StateCancelled:
		return "CANCELLED"
	case StateComplete:
		return "COMPLETE"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// IsTerminal returns true for states a job never leaves on its own.
func (s State) IsTerminal() bool {
	switch s {
	case StateCancelled, StateComplete, StateError:
		return true
	default:
		return false
	}
}
