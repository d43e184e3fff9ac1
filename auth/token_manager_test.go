// token_manager_test.go - Tests for the bearer token manager.
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

package auth

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/slychat/slychat/core"
	"github.com/slychat/slychat/core/log"
)

type fakeProvider struct {
	eventCh chan TokenEvent

	mu            sync.Mutex
	invalidations int
	nextToken     func(n int) core.AuthToken
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		eventCh: make(chan TokenEvent, 16),
		nextToken: func(n int) core.AuthToken {
			return core.AuthToken(fmt.Sprintf("token-%d", n))
		},
	}
}

func (p *fakeProvider) Events() <-chan TokenEvent {
	return p.eventCh
}

func (p *fakeProvider) InvalidateToken() {
	p.mu.Lock()
	p.invalidations++
	n := p.invalidations
	p.mu.Unlock()
	p.eventCh <- &NewToken{Token: p.nextToken(n)}
}

func (p *fakeProvider) invalidationCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.invalidations
}

func newTestManager(t *testing.T, provider TokenProvider) *TokenManager {
	logBackend, err := log.NewWithWriter(io.Discard, "DEBUG")
	require.NoError(t, err)
	m := NewTokenManager(provider, logBackend)
	m.retryDelay = func(int) time.Duration { return 0 }
	t.Cleanup(m.Halt)
	return m
}

func TestTokenManagerMapImmediate(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	provider := newFakeProvider()
	provider.eventCh <- &NewToken{Token: "abc"}
	m := newTestManager(t, provider)

	got, err := Map(m, func(token core.AuthToken) string {
		return "Bearer " + string(token)
	})
	require.NoError(err)
	require.Equal("Bearer abc", got)
}

func TestTokenManagerQueuesUntilToken(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	provider := newFakeProvider()
	m := newTestManager(t, provider)

	resultCh := make(chan string, 1)
	go func() {
		got, err := Map(m, func(token core.AuthToken) string {
			return string(token)
		})
		if err != nil {
			resultCh <- "error: " + err.Error()
			return
		}
		resultCh <- got
	}()

	// The operation must still be queued.
	select {
	case got := <-resultCh:
		t.Fatalf("operation ran without a token: %v", got)
	case <-time.After(50 * time.Millisecond):
	}

	provider.eventCh <- &NewToken{Token: "late"}

	select {
	case got := <-resultCh:
		require.Equal("late", got)
	case <-time.After(5 * time.Second):
		t.Fatal("queued operation never released")
	}
}

func TestTokenManagerQueuedFailOnProviderError(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	provider := newFakeProvider()
	m := newTestManager(t, provider)

	fetchErr := errors.New("upstream gone")
	errCh := make(chan error, 1)
	go func() {
		_, err := Bind(m, func(core.AuthToken) (struct{}, error) {
			return struct{}{}, nil
		})
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	provider.eventCh <- &TokenError{Err: fetchErr}

	select {
	case err := <-errCh:
		require.Equal(fetchErr, err)
	case <-time.After(5 * time.Second):
		t.Fatal("queued operation never failed")
	}
}

func TestTokenManagerBindRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	provider := newFakeProvider()
	provider.eventCh <- &NewToken{Token: "first"}
	m := newTestManager(t, provider)

	attempts := 0
	got, err := Bind(m, func(token core.AuthToken) (string, error) {
		attempts++
		if attempts <= 2 {
			return "", fmt.Errorf("relay op: %w", ErrTokenExpired)
		}
		return string(token), nil
	})
	require.NoError(err)
	require.Equal(3, attempts)
	require.Equal(2, provider.invalidationCount())
	require.Equal("token-2", got)
}

func TestTokenManagerBindExhaustsRetries(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	provider := newFakeProvider()
	provider.eventCh <- &NewToken{Token: "first"}
	m := newTestManager(t, provider)

	attempts := 0
	_, err := Bind(m, func(core.AuthToken) (string, error) {
		attempts++
		return "", ErrTokenExpired
	})
	require.ErrorIs(err, ErrTokenExpired)
	require.Equal(3, attempts)
	require.Equal(2, provider.invalidationCount())
}

func TestTokenManagerBindNonExpiryErrorNoRetry(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	provider := newFakeProvider()
	provider.eventCh <- &NewToken{Token: "first"}
	m := newTestManager(t, provider)

	opErr := errors.New("server exploded")
	attempts := 0
	_, err := Bind(m, func(core.AuthToken) (string, error) {
		attempts++
		return "", opErr
	})
	require.Equal(opErr, err)
	require.Equal(1, attempts)
	require.Equal(0, provider.invalidationCount())
}

func TestTokenManagerInvalidateIdempotent(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	provider := newFakeProvider()
	m := newTestManager(t, provider)

	// No token held: must not reach the provider.
	m.InvalidateToken()
	m.InvalidateToken()
	require.Equal(0, provider.invalidationCount())

	m.SetToken("tok")
	m.InvalidateToken()
	require.Equal(1, provider.invalidationCount())
}

func TestTokenManagerHaltReleasesWaiters(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	provider := newFakeProvider()
	m := newTestManager(t, provider)

	errCh := make(chan error, 1)
	go func() {
		_, err := Map(m, func(token core.AuthToken) string { return string(token) })
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	m.Halt()

	select {
	case err := <-errCh:
		require.Equal(ErrManagerHalted, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never released on halt")
	}
}

func TestFixedTokenProvider(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	provider := NewFixedTokenProvider("fixed")
	m := newTestManager(t, provider)

	got, err := Map(m, func(token core.AuthToken) string { return string(token) })
	require.NoError(err)
	require.Equal("fixed", got)

	m.InvalidateToken()
	got, err = Map(m, func(token core.AuthToken) string { return string(token) })
	require.NoError(err)
	require.Equal("fixed", got)
}
