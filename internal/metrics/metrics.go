// Package metrics registers the Prometheus instruments exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every instrument the hub and HTTP edges record into.
type Metrics struct {
	EnvelopesVerified prometheus.Counter
	EnvelopesRejected *prometheus.CounterVec // reason

	PolicyDecisions *prometheus.CounterVec // decision
	TokenEvents     *prometheus.CounterVec // event

	MessagesPersisted prometheus.Counter
	MessagesFannedOut prometheus.Counter

	CallsStarted prometheus.Counter
	CallsEnded   *prometheus.CounterVec // outcome
	CallSeconds  prometheus.Counter

	ConnectionsActive prometheus.Gauge
	ActiveCalls       prometheus.Gauge

	SweepDuration prometheus.Histogram
}

// New registers every instrument with reg. Taking the registerer keeps tests
// and multi-hub processes off the package-global default registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EnvelopesVerified: factory.NewCounter(prometheus.CounterOpts{
			Name: "callvault_envelopes_verified_total",
			Help: "Inbound envelopes that passed signature, freshness and nonce checks",
		}),
		EnvelopesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callvault_envelopes_rejected_total",
			Help: "Inbound envelopes rejected by the verifier",
		}, []string{"reason"}),

		PolicyDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callvault_policy_decisions_total",
			Help: "Call-policy verdicts",
		}, []string{"decision"}),
		TokenEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callvault_token_events_total",
			Help: "Call-session token lifecycle events",
		}, []string{"event"}),

		MessagesPersisted: factory.NewCounter(prometheus.CounterOpts{
			Name: "callvault_messages_persisted_total",
			Help: "Messages appended to the conversation ledger",
		}),
		MessagesFannedOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "callvault_messages_fanned_out_total",
			Help: "Messages delivered to a live recipient connection",
		}),

		CallsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "callvault_calls_started_total",
			Help: "Active-call rows created",
		}),
		CallsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callvault_calls_ended_total",
			Help: "Calls ended, by outcome",
		}, []string{"outcome"}),
		CallSeconds: factory.NewCounter(prometheus.CounterOpts{
			Name: "callvault_call_seconds_total",
			Help: "Call seconds credited to usage counters",
		}),

		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "callvault_connections_active",
			Help: "Registered WebSocket connections",
		}),
		ActiveCalls: factory.NewGauge(prometheus.GaugeOpts{
			Name: "callvault_active_calls",
			Help: "In-flight calls",
		}),

		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "callvault_sweep_duration_seconds",
			Help:    "Heartbeat-sweeper pass duration",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
