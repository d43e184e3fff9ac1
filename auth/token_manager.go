// token_manager.go - Bearer token manager.
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

// Package auth manages the bearer token used to authenticate against the
// various HTTP services.  At most one token is held at a time; operations
// needing a token are queued until one becomes available.
package auth

import (
	"errors"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/slychat/slychat/core"
	"github.com/slychat/slychat/core/log"
	"github.com/slychat/slychat/core/worker"
)

const (
	// MaxRetries is the number of times an operation is re-submitted
	// after signaling token expiry before the error is propagated.
	MaxRetries = 2

	defaultRetryDelay = 250 * time.Millisecond
)

// ErrTokenExpired is the error an operation returns (possibly wrapped)
// to signal that the token it was given was rejected as expired.
var ErrTokenExpired = errors.New("auth: token rejected as expired")

// ErrManagerHalted is the error returned when the token manager was shut
// down while an operation was waiting for a token.
var ErrManagerHalted = errors.New("auth: token manager halted")

// TokenProvider is the source of bearer tokens that a TokenManager
// wraps.
type TokenProvider interface {
	// Events returns the provider event channel.
	Events() <-chan TokenEvent

	// InvalidateToken tells the provider its last token has been
	// rejected, triggering a fetch of a fresh one.
	InvalidateToken()
}

type tokenResult struct {
	token core.AuthToken
	err   error
}

// TokenManager holds the current bearer token, if any, and queues
// token-dependent operations while none is available.
type TokenManager struct {
	worker.Worker

	log      *logging.Logger
	provider TokenProvider

	// mu guards token, hasToken and queued; the provider event channel
	// is consumed on the manager's worker while callers queue from
	// their own goroutines.
	mu       sync.Mutex
	token    core.AuthToken
	hasToken bool
	queued   []chan tokenResult

	// Overridable in tests.
	retryDelay func(attempt int) time.Duration
}

// NewTokenManager constructs a TokenManager wrapping the given provider
// and starts listening for its events.
func NewTokenManager(provider TokenProvider, logBackend *log.Backend) *TokenManager {
	m := &TokenManager{
		log:      logBackend.GetLogger("auth/manager"),
		provider: provider,
		retryDelay: func(attempt int) time.Duration {
			return time.Duration(attempt+1) * defaultRetryDelay
		},
	}
	m.Go(m.eventWorker)
	return m
}

// InvalidateToken drops the current token and asks the provider for a
// fresh one.  Calling it while no token is held is a no-op.
func (m *TokenManager) InvalidateToken() {
	m.mu.Lock()
	had := m.hasToken
	m.token = ""
	m.hasToken = false
	m.mu.Unlock()

	if !had {
		return
	}
	m.log.Debugf("Invalidating token")
	m.provider.InvalidateToken()
}

// SetToken installs a token directly, releasing any queued operations.
// This is used on login, before the provider has emitted anything.
func (m *TokenManager) SetToken(token core.AuthToken) {
	m.setToken(token)
}

func (m *TokenManager) eventWorker() {
	for {
		select {
		case ev, ok := <-m.provider.Events():
			if !ok {
				m.failQueued(ErrManagerHalted)
				return
			}
			m.handleEvent(ev)
		case <-m.HaltCh():
			m.failQueued(ErrManagerHalted)
			return
		}
	}
}

func (m *TokenManager) handleEvent(ev TokenEvent) {
	m.log.Debugf("Token event: %v", ev)
	switch v := ev.(type) {
	case *NewToken:
		m.setToken(v.Token)
	case *TokenExpired:
		m.mu.Lock()
		m.token = ""
		m.hasToken = false
		m.mu.Unlock()
	case *TokenError:
		m.log.Warningf("Token fetch failed: %v", v.Err)
		m.failQueued(v.Err)
	}
}

func (m *TokenManager) setToken(token core.AuthToken) {
	m.mu.Lock()
	m.token = token
	m.hasToken = true
	released := m.queued
	m.queued = nil
	m.mu.Unlock()

	for _, waiter := range released {
		waiter <- tokenResult{token: token}
	}
}

func (m *TokenManager) failQueued(err error) {
	m.mu.Lock()
	released := m.queued
	m.queued = nil
	m.mu.Unlock()

	for _, waiter := range released {
		waiter <- tokenResult{err: err}
	}
}

// waitToken returns the current token, queuing until one is available.
func (m *TokenManager) waitToken() (core.AuthToken, error) {
	m.mu.Lock()
	if m.hasToken {
		token := m.token
		m.mu.Unlock()
		return token, nil
	}
	waiter := make(chan tokenResult, 1)
	m.queued = append(m.queued, waiter)
	m.mu.Unlock()

	select {
	case r := <-waiter:
		return r.token, r.err
	case <-m.HaltCh():
		return "", ErrManagerHalted
	}
}

// Map applies a pure transform to the current token, queuing until a
// token is available.
func Map[T any](m *TokenManager, fn func(core.AuthToken) T) (T, error) {
	var zero T
	token, err := m.waitToken()
	if err != nil {
		return zero, err
	}
	return fn(token), nil
}

// Bind runs a token-dependent operation, queuing until a token is
// available.  An operation returning an error wrapping ErrTokenExpired
// causes the token to be invalidated and the operation re-submitted, up
// to MaxRetries times; past the limit the expiry error is returned.
func Bind[T any](m *TokenManager, fn func(core.AuthToken) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		token, err := m.waitToken()
		if err != nil {
			return zero, err
		}

		v, err := fn(token)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrTokenExpired) || attempt >= MaxRetries {
			return zero, err
		}

		m.log.Warningf("Operation signaled expired token, retrying (attempt %d)", attempt+1)
		m.InvalidateToken()
		if delay := m.retryDelay(attempt); delay > 0 {
			select {
			case <-time.After(delay):
			case <-m.HaltCh():
				return zero, ErrManagerHalted
			}
		}
	}
}

// Run is Bind for operations with no result value.
func Run(m *TokenManager, fn func(core.AuthToken) error) error {
	_, err := Bind(m, func(token core.AuthToken) (struct{}, error) {
		return struct{}{}, fn(token)
	})
	return err
}
