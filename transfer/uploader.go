// uploader.go - multi-part upload transfer manager.
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
	"context"
	"errors"
	"io"
	"os"
	"sort"

	"gopkg.in/op/go-logging.v1"

	apitransfer "github.com/slychat/slychat/api/transfer"
	"github.com/slychat/slychat/auth"
	"github.com/slychat/slychat/core"
	"github.com/slychat/slychat/core/log"
	"github.com/slychat/slychat/core/worker"
	"github.com/slychat/slychat/crypto/ciphers"
	"github.com/slychat/slychat/crypto/stream"
	"github.com/slychat/slychat/internal/instrument"
)

// UploadClient is the file server upload API consumed by the Uploader.
type UploadClient interface {
	NewUpload(ctx context.Context, token core.AuthToken, request *apitransfer.NewUploadRequest) (string, error)
	UploadPart(ctx context.Context, token core.AuthToken, uploadID string, part int, size int64, body io.Reader) error
	CompleteUpload(ctx context.Context, token core.AuthToken, uploadID string) error
}

// UploaderConfig is the uploader configuration.
type UploaderConfig struct {
	// List is the persisted transfer list.
	List *List

	// Client is the file server upload client.
	Client UploadClient

	// Tokens supplies auth tokens for file server requests.
	Tokens *auth.TokenManager

	// Concurrency is the number of uploads run at once.  Zero means one.
	Concurrency int

	// LogBackend is the logging backend to use.
	LogBackend *log.Backend
}

func (cfg *UploaderConfig) concurrency() int {
	if cfg.Concurrency <= 0 {
		return defaultConcurrency
	}
	return cfg.Concurrency
}

type opEnqueueUpload struct {
	upload *Upload
	errCh  chan error
}

type opListUploads struct {
	resultCh chan []*Upload
}

// uploadRegistered reports the server-side upload id assigned to a job.
type uploadRegistered struct {
	id       string
	remoteID string
}

// uploadPartDone reports one completed part.
type uploadPartDone struct {
	id   string
	part int
}

// uploadFinished reports a job runner's exit.
type uploadFinished struct {
	id  string
	err error
}

// Uploader drives persisted upload jobs through the file server's
// multi-part upload API.  All list state is owned by a single scheduler
// goroutine; a fixed number of runner goroutines perform the actual
// transfers.
type Uploader struct {
	worker.Worker

	cfg *UploaderConfig
	log *logging.Logger

	workCh    chan interface{}
	updateCh  chan interface{}
	eventSink chan Event

	jobs   map[string]*Upload
	flags  map[string]*cancelFlag
	active int
}

// NewUploader constructs an uploader.  Jobs persisted by earlier runs
// are restored; jobs that were running when the process stopped are
// requeued.
func NewUploader(cfg *UploaderConfig) (*Uploader, error) {
	restored, err := cfg.List.Uploads()
	if err != nil {
		return nil, err
	}

	u := &Uploader{
		cfg:       cfg,
		log:       cfg.LogBackend.GetLogger("transfer/uploader"),
		workCh:    make(chan interface{}, opQueueSize),
		updateCh:  make(chan interface{}),
		eventSink: make(chan Event, eventSinkSize),
		jobs:      make(map[string]*Upload),
		flags:     make(map[string]*cancelFlag),
	}
	for _, job := range restored {
		if !job.State.IsTerminal() {
			job.State = StateQueued
			if err := cfg.List.PutUpload(job); err != nil {
				return nil, err
			}
		}
		u.jobs[job.ID] = job
	}

	u.Go(u.scheduler)
	return u, nil
}

// Events returns the uploader event channel.  It is closed when the
// uploader terminates.  The channel must be drained; an undrained sink
// eventually blocks the scheduler.
func (u *Uploader) Events() <-chan Event {
	return u.eventSink
}

// Enqueue adds a new upload job and starts it once a worker slot is
// free.  The job must carry its part layout from CalcUploadParts.
func (u *Uploader) Enqueue(upload *Upload) error {
	op := &opEnqueueUpload{upload: upload, errCh: make(chan error, 1)}
	if !u.submit(op) {
		return ErrManagerHalted
	}
	return <-op.errCh
}

// Cancel requests cancellation of a job.  A queued job is cancelled
// immediately; a running job enters StateCancelling and stops at the
// next chunk boundary.  Cancelling a terminal job is a no-op.
func (u *Uploader) Cancel(id string) error {
	op := &opCancel{id: id, errCh: make(chan error, 1)}
	if !u.submit(op) {
		return ErrManagerHalted
	}
	return <-op.errCh
}

// Retry requeues a job in StateError.  Completed parts are not
// re-uploaded.  Retrying a job in any other state is a no-op.
func (u *Uploader) Retry(id string) error {
	op := &opRetry{id: id, errCh: make(chan error, 1)}
	if !u.submit(op) {
		return ErrManagerHalted
	}
	return <-op.errCh
}

// Remove clears a terminal job from the list.
func (u *Uploader) Remove(id string) error {
	op := &opRemove{id: id, errCh: make(chan error, 1)}
	if !u.submit(op) {
		return ErrManagerHalted
	}
	return <-op.errCh
}

// Uploads returns a snapshot of every job in the list, ordered by id.
func (u *Uploader) Uploads() ([]*Upload, error) {
	op := &opListUploads{resultCh: make(chan []*Upload, 1)}
	if !u.submit(op) {
		return nil, ErrManagerHalted
	}
	return <-op.resultCh, nil
}

func (u *Uploader) submit(op interface{}) bool {
	select {
	case <-u.HaltCh():
		return false
	default:
	}
	select {
	case u.workCh <- op:
		return true
	case <-u.HaltCh():
		return false
	}
}

func (u *Uploader) scheduler() {
	defer u.shutdown()

	for _, id := range u.sortedIDs() {
		u.emitEvent(&Added{ID: id, State: u.jobs[id].State})
	}
	u.startNext()

	for {
		select {
		case <-u.HaltCh():
			return
		case op := <-u.workCh:
			u.onOp(op)
		case update := <-u.updateCh:
			u.onUpdate(update)
		}
		u.startNext()
	}
}

// shutdown raises every running job's cancellation flag and answers
// queued operations so no caller is left blocked.
func (u *Uploader) shutdown() {
	for _, flag := range u.flags {
		flag.set()
	}
	for {
		select {
		case op := <-u.workCh:
			switch op := op.(type) {
			case *opEnqueueUpload:
				op.errCh <- ErrManagerHalted
			case *opCancel:
				op.errCh <- ErrManagerHalted
			case *opRetry:
				op.errCh <- ErrManagerHalted
			case *opRemove:
				op.errCh <- ErrManagerHalted
			case *opListUploads:
				op.resultCh <- nil
			}
		default:
			close(u.eventSink)
			return
		}
	}
}

func (u *Uploader) onOp(op interface{}) {
	switch op := op.(type) {
	case *opEnqueueUpload:
		op.errCh <- u.doEnqueue(op.upload)
	case *opCancel:
		op.errCh <- u.doCancel(op.id)
	case *opRetry:
		op.errCh <- u.doRetry(op.id)
	case *opRemove:
		op.errCh <- u.doRemove(op.id)
	case *opListUploads:
		op.resultCh <- u.snapshot()
	default:
		u.log.Errorf("BUG: unknown op: %T", op)
	}
}

func (u *Uploader) onUpdate(update interface{}) {
	switch update := update.(type) {
	case *uploadRegistered:
		job, ok := u.jobs[update.id]
		if !ok {
			return
		}
		job.RemoteID = update.remoteID
		u.persist(job)
	case *uploadPartDone:
		job, ok := u.jobs[update.id]
		if !ok {
			return
		}
		job.Parts[update.part-1].Complete = true
		u.persist(job)
		instrument.TransferBytes("up", job.Parts[update.part-1].RemoteSize)
		u.emitEvent(&Progress{ID: job.ID, Transferred: job.TransferredSize(), Total: job.RemoteSize()})
	case *uploadFinished:
		u.active--
		delete(u.flags, update.id)
		u.finishJob(update.id, update.err)
	default:
		u.log.Errorf("BUG: unknown update: %T", update)
	}
}

func (u *Uploader) finishJob(id string, err error) {
	job, ok := u.jobs[id]
	if !ok {
		return
	}
	switch {
	case err == nil:
		job.State = StateComplete
		job.Error = ""
		u.persist(job)
		u.emitEvent(&StateChanged{ID: id, State: StateComplete})
	case errors.Is(err, errCancelled):
		job.State = StateCancelled
		job.Error = ""
		u.persist(job)
		u.emitEvent(&StateChanged{ID: id, State: StateCancelled})
	default:
		u.log.Warningf("Upload %v failed: %v", id, err)
		instrument.TransferPartError()
		job.State = StateError
		job.Error = err.Error()
		u.persist(job)
		u.emitEvent(&StateChanged{ID: id, State: StateError, Err: err, RetryAfter: retryAfterOf(err)})
	}
}

func (u *Uploader) doEnqueue(upload *Upload) error {
	if _, ok := u.jobs[upload.ID]; ok {
		return &DuplicateJobError{ID: upload.ID}
	}
	upload.State = StateQueued
	upload.Error = ""
	if err := u.cfg.List.PutUpload(upload); err != nil {
		return err
	}
	u.jobs[upload.ID] = upload
	u.emitEvent(&Added{ID: upload.ID, State: StateQueued})
	return nil
}

func (u *Uploader) doCancel(id string) error {
	job, ok := u.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	switch job.State {
	case StateQueued:
		job.State = StateCancelled
		u.persist(job)
		u.emitEvent(&StateChanged{ID: id, State: StateCancelled})
	case StateActive:
		job.State = StateCancelling
		u.persist(job)
		u.flags[id].set()
		u.emitEvent(&StateChanged{ID: id, State: StateCancelling})
	default:
		// Already cancelling or terminal.
	}
	return nil
}

func (u *Uploader) doRetry(id string) error {
	job, ok := u.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.State != StateError {
		return nil
	}
	job.State = StateQueued
	job.Error = ""
	u.persist(job)
	u.emitEvent(&StateChanged{ID: id, State: StateQueued})
	return nil
}

func (u *Uploader) doRemove(id string) error {
	job, ok := u.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if !job.State.IsTerminal() {
		return &NotTerminalError{ID: id, State: job.State}
	}
	if err := u.cfg.List.RemoveUpload(id); err != nil {
		return err
	}
	delete(u.jobs, id)
	u.emitEvent(&Removed{ID: id})
	return nil
}

func (u *Uploader) snapshot() []*Upload {
	uploads := make([]*Upload, 0, len(u.jobs))
	for _, job := range u.jobs {
		c := *job
		c.Parts = append([]UploadPart(nil), job.Parts...)
		uploads = append(uploads, &c)
	}
	sort.Slice(uploads, func(i, j int) bool { return uploads[i].ID < uploads[j].ID })
	return uploads
}

func (u *Uploader) sortedIDs() []string {
	ids := make([]string, 0, len(u.jobs))
	for id := range u.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (u *Uploader) startNext() {
	for u.active < u.cfg.concurrency() {
		var next *Upload
		for _, id := range u.sortedIDs() {
			if u.jobs[id].State == StateQueued {
				next = u.jobs[id]
				break
			}
		}
		if next == nil {
			return
		}

		next.State = StateActive
		u.persist(next)
		u.emitEvent(&StateChanged{ID: next.ID, State: StateActive})

		flag := new(cancelFlag)
		u.flags[next.ID] = flag
		u.active++

		c := *next
		c.Parts = append([]UploadPart(nil), next.Parts...)
		u.Go(func() { u.runUpload(&c, flag) })
	}
}

func (u *Uploader) persist(job *Upload) {
	if err := u.cfg.List.PutUpload(job); err != nil {
		u.log.Errorf("Failed to persist upload %v: %v", job.ID, err)
	}
}

func (u *Uploader) emitEvent(ev Event) {
	u.log.Debugf("Event: %v", ev)
	select {
	case u.eventSink <- ev:
	case <-u.HaltCh():
	}
}

func (u *Uploader) sendUpdate(update interface{}) {
	select {
	case u.updateCh <- update:
	case <-u.HaltCh():
	}
}

// runUpload performs one job's network work on its own goroutine,
// operating on a private copy of the job record.  State mutation and
// persistence happen on the scheduler via updateCh.
func (u *Uploader) runUpload(job *Upload, flag *cancelFlag) {
	u.sendUpdate(&uploadFinished{id: job.ID, err: u.transferUpload(job, flag)})
}

func (u *Uploader) transferUpload(job *Upload, flag *cancelFlag) error {
	cipher, err := ciphers.CipherByID(job.CipherID)
	if err != nil {
		return err
	}

	f, err := os.Open(job.FilePath)
	if err != nil {
		return err
	}
	defer f.Close()

	if job.RemoteID == "" {
		remoteID, err := auth.Bind(u.cfg.Tokens, func(token core.AuthToken) (string, error) {
			return u.cfg.Client.NewUpload(context.Background(), token, &apitransfer.NewUploadRequest{
				FileID:     job.FileID,
				RemoteSize: job.RemoteSize(),
				PartCount:  len(job.Parts),
				PartSize:   job.Parts[0].RemoteSize,
				FinalSize:  job.Parts[len(job.Parts)-1].RemoteSize,
			})
		})
		if err != nil {
			return err
		}
		job.RemoteID = remoteID
		u.sendUpdate(&uploadRegistered{id: job.ID, remoteID: remoteID})
	}

	for i := range job.Parts {
		part := &job.Parts[i]
		if part.Complete {
			continue
		}
		if flag.isSet() {
			return errCancelled
		}

		err := auth.Run(u.cfg.Tokens, func(token core.AuthToken) error {
			// A fresh reader per attempt: a retried PUT must replay
			// the part from the start.
			section := io.NewSectionReader(f, part.Offset, part.LocalSize)
			enc := stream.NewEncryptReader(cipher, job.Key, section, job.ChunkSize)
			body := &cancelReader{r: enc, flag: flag}
			return u.cfg.Client.UploadPart(context.Background(), token, job.RemoteID, part.N, part.RemoteSize, body)
		})
		if err != nil {
			if flag.isSet() || errors.Is(err, errCancelled) {
				return errCancelled
			}
			return err
		}
		part.Complete = true
		u.sendUpdate(&uploadPartDone{id: job.ID, part: part.N})
	}

	if flag.isSet() {
		return errCancelled
	}
	return auth.Run(u.cfg.Tokens, func(token core.AuthToken) error {
		return u.cfg.Client.CompleteUpload(context.Background(), token, job.RemoteID)
	})
}
