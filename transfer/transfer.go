// transfer.go - shared transfer manager plumbing.
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
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/slychat/slychat/api"
)

const (
	defaultConcurrency = 1

	eventSinkSize = 128
	opQueueSize   = 20
)

// ErrManagerHalted is the error returned for operations submitted after
// the transfer manager was shut down.
var ErrManagerHalted = errors.New("transfer: manager halted")

// errCancelled terminates an in-flight job whose cancellation flag was
// raised.  It never escapes to callers; the job lands in StateCancelled.
var errCancelled = errors.New("transfer: cancelled")

// DuplicateJobError is the error returned when an enqueued job's id is
// already present in the transfer list.
type DuplicateJobError struct {
	ID string
}

// Error implements the error interface.
func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("transfer: job %v already in list", e.ID)
}

// NotTerminalError is the error returned when removal is requested for a
// job that is still queued or running.
type NotTerminalError struct {
	ID    string
	State State
}

// Error implements the error interface.
func (e *NotTerminalError) Error() string {
	return fmt.Sprintf("transfer: job %v is %v, not terminal", e.ID, e.State)
}

type opCancel struct {
	id    string
	errCh chan error
}

type opRetry struct {
	id    string
	errCh chan error
}

type opRemove struct {
	id    string
	errCh chan error
}

// cancelFlag is the shared cooperative cancellation flag of one running
// job.  Workers poll it at chunk boundaries.
type cancelFlag struct {
	v atomic.Bool
}

func (f *cancelFlag) set()        { f.v.Store(true) }
func (f *cancelFlag) isSet() bool { return f.v.Load() }

// cancelReader aborts a streaming body between reads once the flag is
// raised.  A chunk already handed to the transport completes; the next
// Read observes the flag.
type cancelReader struct {
	r    io.Reader
	flag *cancelFlag
}

// Read implements io.Reader.
func (c *cancelReader) Read(p []byte) (int, error) {
	if c.flag.isSet() {
		return 0, errCancelled
	}
	return c.r.Read(p)
}

// retryAfterOf extracts the server's rate-limit backoff hint from err,
// zero when there is none.
func retryAfterOf(err error) time.Duration {
	var tooMany *api.TooManyRequestsError
	if errors.As(err, &tooMany) {
		return tooMany.RetryAfter
	}
	return 0
}
