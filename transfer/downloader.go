// downloader.go - ranged download transfer manager.
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

	"github.com/slychat/slychat/auth"
	"github.com/slychat/slychat/core"
	"github.com/slychat/slychat/core/log"
	"github.com/slychat/slychat/core/worker"
	"github.com/slychat/slychat/crypto/ciphers"
	"github.com/slychat/slychat/crypto/stream"
	"github.com/slychat/slychat/internal/instrument"
)

// DownloadClient is the file server download API consumed by the
// Downloader.
type DownloadClient interface {
	Download(ctx context.Context, token core.AuthToken, fileID string, offset, length int64) (io.ReadCloser, int64, error)
}

// DownloaderConfig is the downloader configuration.
type DownloaderConfig struct {
	// List is the persisted transfer list.
	List *List

	// Client is the file server download client.
	Client DownloadClient

	// Tokens supplies auth tokens for file server requests.
	Tokens *auth.TokenManager

	// Concurrency is the number of downloads run at once.  Zero means
	// one.
	Concurrency int

	// LogBackend is the logging backend to use.
	LogBackend *log.Backend
}

func (cfg *DownloaderConfig) concurrency() int {
	if cfg.Concurrency <= 0 {
		return defaultConcurrency
	}
	return cfg.Concurrency
}

type opEnqueueDownload struct {
	download *Download
	errCh    chan error
}

type opListDownloads struct {
	resultCh chan []*Download
}

// downloadProgress reports encrypted bytes fetched so far, counted in
// whole chunks.
type downloadProgress struct {
	id          string
	transferred int64
}

// downloadFinished reports a job runner's exit.
type downloadFinished struct {
	id  string
	err error
}

// Downloader drives persisted download jobs, streaming ciphertext from
// the file server through the chunked decrypt reader into local files.
// Interrupted downloads resume from the last whole encrypted chunk.
type Downloader struct {
	worker.Worker

	cfg *DownloaderConfig
	log *logging.Logger

	workCh    chan interface{}
	updateCh  chan interface{}
	eventSink chan Event

	jobs   map[string]*Download
	flags  map[string]*cancelFlag
	active int
}

// NewDownloader constructs a downloader.  Jobs persisted by earlier
// runs are restored; jobs that were running when the process stopped
// are requeued and resume from their last persisted offset.
func NewDownloader(cfg *DownloaderConfig) (*Downloader, error) {
	restored, err := cfg.List.Downloads()
	if err != nil {
		return nil, err
	}

	d := &Downloader{
		cfg:       cfg,
		log:       cfg.LogBackend.GetLogger("transfer/downloader"),
		workCh:    make(chan interface{}, opQueueSize),
		updateCh:  make(chan interface{}),
		eventSink: make(chan Event, eventSinkSize),
		jobs:      make(map[string]*Download),
		flags:     make(map[string]*cancelFlag),
	}
	for _, job := range restored {
		if !job.State.IsTerminal() {
			job.State = StateQueued
			if err := cfg.List.PutDownload(job); err != nil {
				return nil, err
			}
		}
		d.jobs[job.ID] = job
	}

	d.Go(d.scheduler)
	return d, nil
}

// Events returns the downloader event channel.  It is closed when the
// downloader terminates.  The channel must be drained; an undrained
// sink eventually blocks the scheduler.
func (d *Downloader) Events() <-chan Event {
	return d.eventSink
}

// Enqueue adds a new download job and starts it once a worker slot is
// free.
func (d *Downloader) Enqueue(download *Download) error {
	op := &opEnqueueDownload{download: download, errCh: make(chan error, 1)}
	if !d.submit(op) {
		return ErrManagerHalted
	}
	return <-op.errCh
}

// Cancel requests cancellation of a job.  A queued job is cancelled
// immediately; a running job enters StateCancelling and stops at the
// next chunk boundary.  Cancelling a terminal job is a no-op.
func (d *Downloader) Cancel(id string) error {
	op := &opCancel{id: id, errCh: make(chan error, 1)}
	if !d.submit(op) {
		return ErrManagerHalted
	}
	return <-op.errCh
}

// Retry requeues a job in StateError, keeping the bytes already
// fetched.  Retrying a job in any other state is a no-op.
func (d *Downloader) Retry(id string) error {
	op := &opRetry{id: id, errCh: make(chan error, 1)}
	if !d.submit(op) {
		return ErrManagerHalted
	}
	return <-op.errCh
}

// Remove clears a terminal job from the list.
func (d *Downloader) Remove(id string) error {
	op := &opRemove{id: id, errCh: make(chan error, 1)}
	if !d.submit(op) {
		return ErrManagerHalted
	}
	return <-op.errCh
}

// Downloads returns a snapshot of every job in the list, ordered by id.
func (d *Downloader) Downloads() ([]*Download, error) {
	op := &opListDownloads{resultCh: make(chan []*Download, 1)}
	if !d.submit(op) {
		return nil, ErrManagerHalted
	}
	return <-op.resultCh, nil
}

func (d *Downloader) submit(op interface{}) bool {
	select {
	case <-d.HaltCh():
		return false
	default:
	}
	select {
	case d.workCh <- op:
		return true
	case <-d.HaltCh():
		return false
	}
}

func (d *Downloader) scheduler() {
	defer d.shutdown()

	for _, id := range d.sortedIDs() {
		d.emitEvent(&Added{ID: id, State: d.jobs[id].State})
	}
	d.startNext()

	for {
		select {
		case <-d.HaltCh():
			return
		case op := <-d.workCh:
			d.onOp(op)
		case update := <-d.updateCh:
			d.onUpdate(update)
		}
		d.startNext()
	}
}

// shutdown raises every running job's cancellation flag and answers
// queued operations so no caller is left blocked.
func (d *Downloader) shutdown() {
	for _, flag := range d.flags {
		flag.set()
	}
	for {
		select {
		case op := <-d.workCh:
			switch op := op.(type) {
			case *opEnqueueDownload:
				op.errCh <- ErrManagerHalted
			case *opCancel:
				op.errCh <- ErrManagerHalted
			case *opRetry:
				op.errCh <- ErrManagerHalted
			case *opRemove:
				op.errCh <- ErrManagerHalted
			case *opListDownloads:
				op.resultCh <- nil
			}
		default:
			close(d.eventSink)
			return
		}
	}
}

func (d *Downloader) onOp(op interface{}) {
	switch op := op.(type) {
	case *opEnqueueDownload:
		op.errCh <- d.doEnqueue(op.download)
	case *opCancel:
		op.errCh <- d.doCancel(op.id)
	case *opRetry:
		op.errCh <- d.doRetry(op.id)
	case *opRemove:
		op.errCh <- d.doRemove(op.id)
	case *opListDownloads:
		op.resultCh <- d.snapshot()
	default:
		d.log.Errorf("BUG: unknown op: %T", op)
	}
}

func (d *Downloader) onUpdate(update interface{}) {
	switch update := update.(type) {
	case *downloadProgress:
		job, ok := d.jobs[update.id]
		if !ok {
			return
		}
		if update.transferred > job.Transferred {
			instrument.TransferBytes("down", update.transferred-job.Transferred)
		}
		job.Transferred = update.transferred
		d.persist(job)
		d.emitEvent(&Progress{ID: job.ID, Transferred: job.Transferred, Total: job.RemoteSize})
	case *downloadFinished:
		d.active--
		delete(d.flags, update.id)
		d.finishJob(update.id, update.err)
	default:
		d.log.Errorf("BUG: unknown update: %T", update)
	}
}

func (d *Downloader) finishJob(id string, err error) {
	job, ok := d.jobs[id]
	if !ok {
		return
	}
	switch {
	case err == nil:
		job.State = StateComplete
		job.Error = ""
		job.Transferred = job.RemoteSize
		d.persist(job)
		d.emitEvent(&StateChanged{ID: id, State: StateComplete})
	case errors.Is(err, errCancelled):
		job.State = StateCancelled
		job.Error = ""
		d.persist(job)
		d.emitEvent(&StateChanged{ID: id, State: StateCancelled})
	default:
		d.log.Warningf("Download %v failed: %v", id, err)
		instrument.TransferPartError()
		job.State = StateError
		job.Error = err.Error()
		d.persist(job)
		d.emitEvent(&StateChanged{ID: id, State: StateError, Err: err, RetryAfter: retryAfterOf(err)})
	}
}

func (d *Downloader) doEnqueue(download *Download) error {
	if _, ok := d.jobs[download.ID]; ok {
		return &DuplicateJobError{ID: download.ID}
	}
	download.State = StateQueued
	download.Error = ""
	if err := d.cfg.List.PutDownload(download); err != nil {
		return err
	}
	d.jobs[download.ID] = download
	d.emitEvent(&Added{ID: download.ID, State: StateQueued})
	return nil
}

func (d *Downloader) doCancel(id string) error {
	job, ok := d.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	switch job.State {
	case StateQueued:
		job.State = StateCancelled
		d.persist(job)
		d.emitEvent(&StateChanged{ID: id, State: StateCancelled})
	case StateActive:
		job.State = StateCancelling
		d.persist(job)
		d.flags[id].set()
		d.emitEvent(&StateChanged{ID: id, State: StateCancelling})
	default:
		// Already cancelling or terminal.
	}
	return nil
}

func (d *Downloader) doRetry(id string) error {
	job, ok := d.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.State != StateError {
		return nil
	}
	job.State = StateQueued
	job.Error = ""
	d.persist(job)
	d.emitEvent(&StateChanged{ID: id, State: StateQueued})
	return nil
}

func (d *Downloader) doRemove(id string) error {
	job, ok := d.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if !job.State.IsTerminal() {
		return &NotTerminalError{ID: id, State: job.State}
	}
	if err := d.cfg.List.RemoveDownload(id); err != nil {
		return err
	}
	delete(d.jobs, id)
	d.emitEvent(&Removed{ID: id})
	return nil
}

func (d *Downloader) snapshot() []*Download {
	downloads := make([]*Download, 0, len(d.jobs))
	for _, job := range d.jobs {
		c := *job
		downloads = append(downloads, &c)
	}
	sort.Slice(downloads, func(i, j int) bool { return downloads[i].ID < downloads[j].ID })
	return downloads
}

func (d *Downloader) sortedIDs() []string {
	ids := make([]string, 0, len(d.jobs))
	for id := range d.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (d *Downloader) startNext() {
	for d.active < d.cfg.concurrency() {
		var next *Download
		for _, id := range d.sortedIDs() {
			if d.jobs[id].State == StateQueued {
				next = d.jobs[id]
				break
			}
		}
		if next == nil {
			return
		}

		next.State = StateActive
		d.persist(next)
		d.emitEvent(&StateChanged{ID: next.ID, State: StateActive})

		flag := new(cancelFlag)
		d.flags[next.ID] = flag
		d.active++

		c := *next
		d.Go(func() { d.runDownload(&c, flag) })
	}
}

func (d *Downloader) persist(job *Download) {
	if err := d.cfg.List.PutDownload(job); err != nil {
		d.log.Errorf("Failed to persist download %v: %v", job.ID, err)
	}
}

func (d *Downloader) emitEvent(ev Event) {
	d.log.Debugf("Event: %v", ev)
	select {
	case d.eventSink <- ev:
	case <-d.HaltCh():
	}
}

func (d *Downloader) sendUpdate(update interface{}) {
	select {
	case d.updateCh <- update:
	case <-d.HaltCh():
	}
}

// runDownload performs one job's network work on its own goroutine,
// operating on a private copy of the job record.  State mutation and
// persistence happen on the scheduler via updateCh.
func (d *Downloader) runDownload(job *Download, flag *cancelFlag) {
	d.sendUpdate(&downloadFinished{id: job.ID, err: d.transferDownload(job, flag)})
}

func (d *Downloader) transferDownload(job *Download, flag *cancelFlag) error {
	cipher, err := ciphers.CipherByID(job.CipherID)
	if err != nil {
		return err
	}
	encryptedChunkSize := int64(cipher.EncryptedSize(job.ChunkSize))

	return auth.Run(d.cfg.Tokens, func(token core.AuthToken) error {
		// Resume from the last whole encrypted chunk; a partially
		// written plaintext chunk is discarded and refetched.
		chunksDone := job.Transferred / encryptedChunkSize
		encOffset := chunksDone * encryptedChunkSize
		plainOffset := chunksDone * int64(job.ChunkSize)
		job.Transferred = encOffset

		f, err := os.OpenFile(job.FilePath, os.O_RDWR|os.O_CREATE, 0600)
		if err != nil {
			return err
		}
		defer f.Close()
		if err = f.Truncate(plainOffset); err != nil {
			return err
		}
		if _, err = f.Seek(plainOffset, io.SeekStart); err != nil {
			return err
		}

		body, _, err := d.cfg.Client.Download(context.Background(), token, job.FileID, encOffset, 0)
		if err != nil {
			return err
		}
		defer body.Close()

		dec := stream.NewDecryptReader(cipher, job.Key, &cancelReader{r: body, flag: flag}, job.ChunkSize)
		for {
			if flag.isSet() {
				return errCancelled
			}
			n, err := io.CopyN(f, dec, int64(job.ChunkSize))
			if n > 0 {
				if n == int64(job.ChunkSize) {
					job.Transferred += encryptedChunkSize
				} else {
					job.Transferred += int64(cipher.EncryptedSize(int(n)))
				}
				d.sendUpdate(&downloadProgress{id: job.ID, transferred: job.Transferred})
			}
			if err == io.EOF {
				return nil
			}
			if err != nil {
				if flag.isSet() || errors.Is(err, errCancelled) {
					return errCancelled
				}
				return err
			}
		}
	})
}
