// Package observability holds the Prometheus metrics and tracing setup of the
// orchestration server.
//
// Metrics are registered once on the default registry and exposed by the admin
// API at /metrics. All operations are safe for concurrent use.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "novelty"

// Metrics groups every metric the server records.
type Metrics struct {
	// Transitions counts state machine transitions by target state.
	Transitions *prometheus.CounterVec

	// ProtocolErrors counts rejected requests by message kind.
	ProtocolErrors *prometheus.CounterVec

	// ActiveSessions tracks experiment sessions currently attached to a reply queue.
	ActiveSessions prometheus.Gauge

	// SessionTimeouts counts sessions ended by the watchdog.
	SessionTimeouts prometheus.Counter

	// TrialClaims counts claim attempts by result (claimed, none, timeout, error).
	TrialClaims *prometheus.CounterVec

	// ClaimDurationSeconds measures how long a claim took including retries.
	ClaimDurationSeconds prometheus.Histogram

	// AbandonedTrialsReset counts trials returned to the pool by the sweeper.
	AbandonedTrialsReset prometheus.Counter

	// CacheReloads counts data window refills.
	CacheReloads prometheus.Counter

	// LiveEpisodeFailures counts live episodes ended by producer errors or timeouts.
	LiveEpisodeFailures prometheus.Counter
}

var (
	defaultMetrics *Metrics
	once           sync.Once
)

// Default returns the process-wide metrics, registering them on first use.
func Default() *Metrics {
	once.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetrics registers a fresh metric set on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "session",
				Name:      "transitions_total",
				Help:      "State machine transitions by target state",
			},
			[]string{"state"},
		),
		ProtocolErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "session",
				Name:      "protocol_errors_total",
				Help:      "Requests rejected as protocol violations by message kind",
			},
			[]string{"obj_type"},
		),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Experiment sessions currently attached to a reply queue",
		}),
		SessionTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "timeouts_total",
			Help:      "Sessions force-terminated by the watchdog",
		}),
		TrialClaims: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "trials",
				Name:      "claims_total",
				Help:      "Trial claim attempts by result",
			},
			[]string{"result"},
		),
		ClaimDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "trials",
			Name:      "claim_duration_seconds",
			Help:      "Time spent claiming a trial, retries included",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}),
		AbandonedTrialsReset: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "trials",
			Name:      "abandoned_reset_total",
			Help:      "Abandoned trials returned to the unclaimed pool",
		}),
		CacheReloads: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "window_reloads_total",
			Help:      "Data window refills",
		}),
		LiveEpisodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "live",
			Name:      "episode_failures_total",
			Help:      "Live episodes ended by producer errors or timeouts",
		}),
	}
}
