// downloader_test.go - downloader tests.
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
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/slychat/slychat/api"
	"github.com/slychat/slychat/auth"
	"github.com/slychat/slychat/core"
	"github.com/slychat/slychat/core/log"
	"github.com/slychat/slychat/crypto/ciphers"
	"github.com/slychat/slychat/crypto/stream"
)

type fakeDownloadClient struct {
	sync.Mutex

	content []byte
	offsets []int64

	// failures makes Download fail with failErr this many times before
	// serving content.
	failures int
	failErr  error

	// When bodyStarted is set the first read of every body signals it,
	// then waits on bodyGate.
	bodyStarted chan struct{}
	bodyGate    chan struct{}
}

type gatedBody struct {
	r       io.Reader
	started chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (b *gatedBody) Read(p []byte) (int, error) {
	b.once.Do(func() {
		b.started <- struct{}{}
		<-b.gate
	})
	return b.r.Read(p)
}

func (b *gatedBody) Close() error { return nil }

func (c *fakeDownloadClient) Download(ctx context.Context, token core.AuthToken, fileID string, offset, length int64) (io.ReadCloser, int64, error) {
	c.Lock()
	defer c.Unlock()
	c.offsets = append(c.offsets, offset)
	if c.failures > 0 {
		c.failures--
		return nil, 0, c.failErr
	}
	if offset > int64(len(c.content)) {
		return nil, 0, fmt.Errorf("transfer: offset %d past end of file", offset)
	}
	data := c.content[offset:]
	if c.bodyStarted != nil {
		return &gatedBody{r: bytes.NewReader(data), started: c.bodyStarted, gate: c.bodyGate}, int64(len(data)), nil
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (c *fakeDownloadClient) requestedOffsets() []int64 {
	c.Lock()
	defer c.Unlock()
	return append([]int64(nil), c.offsets...)
}

type testDownloader struct {
	*Downloader

	client *fakeDownloadClient
	list   *List
}

func newTestDownloader(t *testing.T, client *fakeDownloadClient) *testDownloader {
	require := require.New(t)

	list, err := NewList(filepath.Join(t.TempDir(), "transfers.db"))
	require.NoError(err)
	t.Cleanup(func() { list.Close() })

	logBackend, err := log.NewWithWriter(io.Discard, "DEBUG")
	require.NoError(err)

	tokens := auth.NewTokenManager(auth.NewFixedTokenProvider("test-token"), logBackend)
	t.Cleanup(tokens.Halt)

	d, err := NewDownloader(&DownloaderConfig{
		List:       list,
		Client:     client,
		Tokens:     tokens,
		LogBackend: logBackend,
	})
	require.NoError(err)
	t.Cleanup(d.Halt)

	return &testDownloader{Downloader: d, client: client, list: list}
}

// makeDownloadJob generates plaintext, encrypts it into the fake client
// and returns a matching download job.
func makeDownloadJob(t *testing.T, client *fakeDownloadClient, id string, size int64, chunkSize int) (*Download, []byte) {
	require := require.New(t)

	content := make([]byte, size)
	_, err := rand.Read(content)
	require.NoError(err)

	cipher := ciphers.DefaultDataEncryptionCipher()
	key, err := ciphers.NewKey(cipher.KeySize())
	require.NoError(err)

	enc := stream.NewEncryptReader(cipher, key, bytes.NewReader(content), chunkSize)
	ciphertext, err := io.ReadAll(enc)
	require.NoError(err)
	client.content = ciphertext

	return &Download{
		ID:         id,
		FileID:     "f-" + id,
		FilePath:   filepath.Join(t.TempDir(), id+".dat"),
		RemoteSize: int64(len(ciphertext)),
		CipherID:   cipher.ID(),
		Key:        key,
		ChunkSize:  chunkSize,
	}, content
}

// awaitState consumes events until the job reaches the given state,
// tolerating progress events along the way.
func awaitState(t *testing.T, ch <-chan Event, id string, state State) *StateChanged {
	t.Helper()
	for {
		ev := nextEvent(t, ch)
		switch ev := ev.(type) {
		case *Progress:
			continue
		case *StateChanged:
			require.Equal(t, id, ev.ID)
			if ev.State == state {
				return ev
			}
		default:
			t.Fatalf("unexpected event waiting for %v: %v", state, ev)
		}
	}
}

func TestDownloaderCompletesJob(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	client := &fakeDownloadClient{}
	td := newTestDownloader(t, client)
	events := td.Events()

	job, content := makeDownloadJob(t, client, "d-1", 1000, 128)
	require.NoError(td.Enqueue(job))

	expectAdded(t, events, "d-1", StateQueued)
	expectState(t, events, "d-1", StateActive)

	var last *Progress
	// 7 whole chunks plus a short final chunk.
	for i := 0; i < 8; i++ {
		last = expectProgress(t, events, "d-1")
	}
	require.Equal(job.RemoteSize, last.Transferred)
	require.Equal(job.RemoteSize, last.Total)
	expectState(t, events, "d-1", StateComplete)

	written, err := os.ReadFile(job.FilePath)
	require.NoError(err)
	require.Equal(content, written)

	persisted, err := td.list.Download("d-1")
	require.NoError(err)
	require.Equal(StateComplete, persisted.State)
	require.Equal(job.RemoteSize, persisted.Transferred)

	require.Equal([]int64{0}, client.requestedOffsets())
}

func TestDownloaderResumesFromLastChunk(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "transfers.db")

	client := &fakeDownloadClient{}

	content := make([]byte, 1000)
	_, err := rand.Read(content)
	require.NoError(err)

	cipher := ciphers.DefaultDataEncryptionCipher()
	key, err := ciphers.NewKey(cipher.KeySize())
	require.NoError(err)
	enc := stream.NewEncryptReader(cipher, key, bytes.NewReader(content), 128)
	ciphertext, err := io.ReadAll(enc)
	require.NoError(err)
	client.content = ciphertext

	encryptedChunkSize := int64(cipher.EncryptedSize(128))

	// Interrupted mid-chunk: three whole chunks landed, plus a torn
	// tail that must be discarded.
	destPath := filepath.Join(dir, "dest.dat")
	partial := append(append([]byte(nil), content[:3*128]...), 0xde, 0xad)
	require.NoError(os.WriteFile(destPath, partial, 0600))

	list, err := NewList(path)
	require.NoError(err)
	require.NoError(list.PutDownload(&Download{
		ID:          "d-1",
		FileID:      "f-d-1",
		FilePath:    destPath,
		RemoteSize:  int64(len(ciphertext)),
		CipherID:    cipher.ID(),
		Key:         key,
		ChunkSize:   128,
		Transferred: 3*encryptedChunkSize + 10,
		State:       StateActive,
	}))
	require.NoError(list.Close())

	list, err = NewList(path)
	require.NoError(err)
	t.Cleanup(func() { list.Close() })

	logBackend, err := log.NewWithWriter(io.Discard, "DEBUG")
	require.NoError(err)
	tokens := auth.NewTokenManager(auth.NewFixedTokenProvider("test-token"), logBackend)
	t.Cleanup(tokens.Halt)

	d, err := NewDownloader(&DownloaderConfig{
		List:       list,
		Client:     client,
		Tokens:     tokens,
		LogBackend: logBackend,
	})
	require.NoError(err)
	t.Cleanup(d.Halt)
	events := d.Events()

	expectAdded(t, events, "d-1", StateQueued)
	expectState(t, events, "d-1", StateActive)
	awaitState(t, events, "d-1", StateComplete)

	require.Equal([]int64{3 * encryptedChunkSize}, client.requestedOffsets())

	written, err := os.ReadFile(destPath)
	require.NoError(err)
	require.Equal(content, written)
}

func TestDownloaderCancelActive(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	client := &fakeDownloadClient{
		bodyStarted: make(chan struct{}, 1),
		bodyGate:    make(chan struct{}),
	}

	td := newTestDownloader(t, client)
	var gateOnce sync.Once
	t.Cleanup(func() { gateOnce.Do(func() { close(client.bodyGate) }) })
	events := td.Events()

	job, _ := makeDownloadJob(t, client, "d-1", 1000, 128)
	require.NoError(td.Enqueue(job))

	expectAdded(t, events, "d-1", StateQueued)
	expectState(t, events, "d-1", StateActive)

	<-client.bodyStarted
	require.NoError(td.Cancel("d-1"))
	expectState(t, events, "d-1", StateCancelling)

	gateOnce.Do(func() { close(client.bodyGate) })
	awaitState(t, events, "d-1", StateCancelled)

	persisted, err := td.list.Download("d-1")
	require.NoError(err)
	require.Equal(StateCancelled, persisted.State)
}

func TestDownloaderErrorAndRetry(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	client := &fakeDownloadClient{
		failures: 1,
		failErr:  &api.ServerError{Code: 503, Message: "service unavailable"},
	}

	td := newTestDownloader(t, client)
	events := td.Events()

	job, content := makeDownloadJob(t, client, "d-1", 1000, 128)
	require.NoError(td.Enqueue(job))

	expectAdded(t, events, "d-1", StateQueued)
	expectState(t, events, "d-1", StateActive)
	changed := expectState(t, events, "d-1", StateError)
	require.Error(changed.Err)

	persisted, err := td.list.Download("d-1")
	require.NoError(err)
	require.Equal(StateError, persisted.State)
	require.NotEmpty(persisted.Error)

	require.NoError(td.Retry("d-1"))
	expectState(t, events, "d-1", StateQueued)
	expectState(t, events, "d-1", StateActive)
	awaitState(t, events, "d-1", StateComplete)

	written, err := os.ReadFile(job.FilePath)
	require.NoError(err)
	require.Equal(content, written)

	require.Equal([]int64{0, 0}, client.requestedOffsets())
}

func TestDownloaderExpiredTokenRetried(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	client := &fakeDownloadClient{
		failures: 1,
		failErr:  fmt.Errorf("transfer: download: %w", auth.ErrTokenExpired),
	}

	td := newTestDownloader(t, client)
	events := td.Events()

	job, content := makeDownloadJob(t, client, "d-1", 1000, 128)
	require.NoError(td.Enqueue(job))

	// Recovered inside the job; no error state is ever entered.
	expectAdded(t, events, "d-1", StateQueued)
	expectState(t, events, "d-1", StateActive)
	awaitState(t, events, "d-1", StateComplete)

	written, err := os.ReadFile(job.FilePath)
	require.NoError(err)
	require.Equal(content, written)

	require.Len(client.requestedOffsets(), 2)
}

func TestDownloaderRateLimitHint(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	client := &fakeDownloadClient{
		failures: 1,
		failErr:  &api.TooManyRequestsError{RetryAfter: time.Minute},
	}

	td := newTestDownloader(t, client)
	events := td.Events()

	job, _ := makeDownloadJob(t, client, "d-1", 1000, 128)
	require.NoError(td.Enqueue(job))

	expectAdded(t, events, "d-1", StateQueued)
	expectState(t, events, "d-1", StateActive)
	changed := expectState(t, events, "d-1", StateError)
	require.Equal(time.Minute, changed.RetryAfter)
}

func TestDownloaderHalted(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	client := &fakeDownloadClient{}
	td := newTestDownloader(t, client)
	td.Halt()

	job, _ := makeDownloadJob(t, client, "d-1", 1000, 128)
	require.ErrorIs(td.Enqueue(job), ErrManagerHalted)
	require.ErrorIs(td.Retry("d-1"), ErrManagerHalted)
	_, err := td.Downloads()
	require.ErrorIs(err, ErrManagerHalted)
}
