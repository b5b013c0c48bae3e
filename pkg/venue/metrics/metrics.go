/*
Copyright 2025 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics exposes portal counters in the Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the portal's collectors on a private registry. All methods
// are safe on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	noncesIssued   prometheus.Counter
	issueDenied    prometheus.Counter
	noncesConsumed prometheus.Counter
	rejected       *prometheus.CounterVec
	relayResults   *prometheus.CounterVec
	relayPolls     *prometheus.CounterVec
}

// New creates and registers the portal metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		noncesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portal_nonces_issued_total",
			Help: "Attestations issued.",
		}),
		issueDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portal_issue_denied_total",
			Help: "Issuance requests rejected by the access gate.",
		}),
		noncesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portal_nonces_consumed_total",
			Help: "Tokens consumed by proof submissions.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_submissions_rejected_total",
			Help: "Proof submissions rejected, by error kind.",
		}, []string{"kind"}),
		relayResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_relay_results_total",
			Help: "Relays that reached a terminal state.",
		}, []string{"state"}),
		relayPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_relay_polls_total",
			Help: "Relayer job status polls, by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.noncesIssued,
		m.issueDenied,
		m.noncesConsumed,
		m.rejected,
		m.relayResults,
		m.relayPolls,
	)
	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) NonceIssued() {
	if m != nil {
		m.noncesIssued.Inc()
	}
}

func (m *Metrics) IssueDenied() {
	if m != nil {
		m.issueDenied.Inc()
	}
}

func (m *Metrics) NonceConsumed() {
	if m != nil {
		m.noncesConsumed.Inc()
	}
}

func (m *Metrics) SubmissionRejected(kind string) {
	if m != nil {
		m.rejected.WithLabelValues(kind).Inc()
	}
}

// RelayResult counts a relay that ended in state.
func (m *Metrics) RelayResult(state string) {
	if m != nil {
		m.relayResults.WithLabelValues(state).Inc()
	}
}

// RelayPoll counts one job status poll.
func (m *Metrics) RelayPoll(outcome string) {
	if m != nil {
		m.relayPolls.WithLabelValues(outcome).Inc()
	}
}
