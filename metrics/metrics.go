// Package metrics provides Prometheus collectors for response chains run by
// the endpoint and fastendpoint adapters.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome classifies how a chain finished.
type Outcome string

const (
	// OutcomeOK is a chain that succeeded and ended its response.
	OutcomeOK Outcome = "ok"
	// OutcomeFailed is a chain whose error was mapped to a fallback response.
	OutcomeFailed Outcome = "failed"
	// OutcomeDefect is a contract violation, a panic or a cancelled request.
	OutcomeDefect Outcome = "defect"
	// OutcomeUnended is a chain that succeeded without ending the response.
	OutcomeUnended Outcome = "unended"
)

// ChainBuckets ranges from 1ms to 10s.
var ChainBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 10}

// ActionBuckets counts recorded actions per materialized response.
var ActionBuckets = []float64{1, 2, 4, 8, 16, 32, 64}

// Metrics holds the collectors for one registry.
type Metrics struct {
	// ChainsTotal counts chains by adapter and outcome.
	ChainsTotal *prometheus.CounterVec
	// ChainDuration records the time from chain start to materialization.
	ChainDuration *prometheus.HistogramVec
	// ActionsPerResponse records the log length of materialized responses.
	ActionsPerResponse *prometheus.HistogramVec
	// InFlight tracks chains currently running.
	InFlight *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChainsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sedate_chains_total",
				Help: "Response chains run",
			},
			[]string{"adapter", "outcome"},
		),
		ChainDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sedate_chain_duration_seconds",
				Help:    "Response chain duration",
				Buckets: ChainBuckets,
			},
			[]string{"adapter"},
		),
		ActionsPerResponse: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sedate_actions_per_response",
				Help:    "Actions replayed per materialized response",
				Buckets: ActionBuckets,
			},
			[]string{"adapter"},
		),
		InFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sedate_chains_in_flight",
				Help: "Response chains currently running",
			},
			[]string{"adapter"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.ChainsTotal, m.ChainDuration, m.ActionsPerResponse, m.InFlight)
	}
	return m
}

// Begin marks the start of a chain on adapter. The returned function
// records its completion; actions is ignored unless the response was
// materialized. A nil *Metrics records nothing.
func (m *Metrics) Begin(adapter string) func(outcome Outcome, actions int) {
	if m == nil {
		return func(Outcome, int) {}
	}
	start := time.Now()
	m.InFlight.WithLabelValues(adapter).Inc()
	return func(outcome Outcome, actions int) {
		m.InFlight.WithLabelValues(adapter).Dec()
		m.ChainsTotal.WithLabelValues(adapter, string(outcome)).Inc()
		m.ChainDuration.WithLabelValues(adapter).Observe(time.Since(start).Seconds())
		if outcome == OutcomeOK || outcome == OutcomeUnended {
			m.ActionsPerResponse.WithLabelValues(adapter).Observe(float64(actions))
		}
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
