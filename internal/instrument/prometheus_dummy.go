//go:build !prometheus
// +build !prometheus

// prometheus_dummy.go - no-op instrumentation.
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

// Package instrument exposes optional runtime metrics, enabled with the
// prometheus build tag.
package instrument

// Init registers the metrics and exposes them via HTTP.
func Init() {}

// RelayConnect increments the counter for relay connection attempts.
func RelayConnect() {}

// MessageSent increments the counter for messages sent to the relay.
func MessageSent() {}

// MessageReceived increments the counter for messages received from the
// relay.
func MessageReceived() {}

// DecryptFailure increments the counter for message decryption failures.
func DecryptFailure() {}

// TransferPartError increments the counter for failed transfer jobs.
func TransferPartError() {}

// TransferBytes adds transferred encrypted bytes for the given
// direction ("up" or "down").
func TransferBytes(direction string, n int64) {}
