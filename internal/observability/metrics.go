package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects Prometheus metrics for the dispatch fabric and agent loop.
//
// All metrics live in a caller-supplied registry so tests can register
// independent instances without hitting duplicate-registration panics.
type Metrics struct {
	// ConnectedWorkers gauges currently registered workers.
	ConnectedWorkers prometheus.Gauge

	// RegisteredTools gauges distinct live tool names.
	RegisteredTools prometheus.Gauge

	// DispatchCounter counts tool dispatches.
	// Labels: tool, outcome (ok|timeout|no_worker|disconnected)
	DispatchCounter *prometheus.CounterVec

	// DispatchDuration measures dispatch round-trip latency in seconds.
	// Labels: tool
	DispatchDuration *prometheus.HistogramVec

	// ProviderRequestCounter counts provider calls.
	// Labels: provider, model, status (success|error)
	ProviderRequestCounter *prometheus.CounterVec

	// ProviderRequestDuration measures provider call latency in seconds.
	// Labels: provider, model
	ProviderRequestDuration *prometheus.HistogramVec

	// ActiveAgentRuns gauges in-flight agent loops.
	ActiveAgentRuns prometheus.Gauge
}

// NewMetrics creates and registers all collectors in reg. Pass
// prometheus.DefaultRegisterer in binaries.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectedWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connected_workers",
			Help: "Number of workers currently registered with the hub",
		}),
		RegisteredTools: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_registered_tools",
			Help: "Number of distinct tool names with at least one live worker",
		}),
		DispatchCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_dispatches_total",
				Help: "Total tool dispatches by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
		DispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_dispatch_duration_seconds",
				Help:    "Round-trip latency of tool dispatches in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"tool"},
		),
		ProviderRequestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_provider_requests_total",
				Help: "Total LLM provider requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		ProviderRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_provider_request_duration_seconds",
				Help:    "Latency of LLM provider requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		ActiveAgentRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_agent_runs",
			Help: "Number of agent loops currently executing",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ConnectedWorkers,
			m.RegisteredTools,
			m.DispatchCounter,
			m.DispatchDuration,
			m.ProviderRequestCounter,
			m.ProviderRequestDuration,
			m.ActiveAgentRuns,
		)
	}
	return m
}
