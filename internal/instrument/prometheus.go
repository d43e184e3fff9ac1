//go:build prometheus
// +build prometheus

// prometheus.go - Prometheus instrumentation.
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

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	relayConnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "slychat_relay_connections_total",
			Help: "Number of relay connection attempts",
		},
	)
	messagesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "slychat_relay_messages_sent_total",
			Help: "Number of messages sent to the relay",
		},
	)
	messagesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "slychat_relay_messages_received_total",
			Help: "Number of messages received from the relay",
		},
	)
	decryptFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "slychat_decrypt_failures_total",
			Help: "Number of message decryption failures",
		},
	)
	transferPartErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "slychat_transfer_part_errors_total",
			Help: "Number of failed transfer jobs",
		},
	)
	transferBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slychat_transfer_bytes_total",
			Help: "Number of encrypted bytes transferred",
		},
		[]string{"direction"},
	)
)

// Init registers the metrics and exposes them via HTTP.
func Init() {
	prometheus.MustRegister(relayConnects)
	prometheus.MustRegister(messagesSent)
	prometheus.MustRegister(messagesReceived)
	prometheus.MustRegister(decryptFailures)
	prometheus.MustRegister(transferPartErrors)
	prometheus.MustRegister(transferBytes)

	http.Handle("/metrics", promhttp.Handler())
	go http.ListenAndServe(":6543", nil)
}

// RelayConnect increments the counter for relay connection attempts.
func RelayConnect() {
	relayConnects.Inc()
}

// MessageSent increments the counter for messages sent to the relay.
func MessageSent() {
	messagesSent.Inc()
}

// MessageReceived increments the counter for messages received from the
// relay.
func MessageReceived() {
	messagesReceived.Inc()
}

// DecryptFailure increments the counter for message decryption failures.
func DecryptFailure() {
	decryptFailures.Inc()
}

// TransferPartError increments the counter for failed transfer jobs.
func TransferPartError() {
	transferPartErrors.Inc()
}

// TransferBytes adds transferred encrypted bytes for the given
// direction ("up" or "down").
func TransferBytes(direction string, n int64) {
	transferBytes.With(prometheus.Labels{"direction": direction}).Add(float64(n))
}
