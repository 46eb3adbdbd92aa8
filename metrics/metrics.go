// Package metrics holds the Prometheus collectors for deal transitions,
// lock contention and ledger conservation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "escrow"

var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Transitions            *prometheus.CounterVec
	LockBusy               *prometheus.CounterVec
	OperationErrors        *prometheus.CounterVec
	ConservationViolations prometheus.Counter
	OperationDuration      *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Committed deal status transitions.",
		}, []string{"from", "to"}),
		LockBusy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_busy_total",
			Help:      "Operations rejected because the deal lock was held.",
		}, []string{"operation"}),
		OperationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_errors_total",
			Help:      "Failed operations by error kind.",
		}, []string{"operation", "kind"}),
		ConservationViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conservation_violations_total",
			Help:      "Settled deals whose ledger does not sum to the deal total.",
		}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of state-changing operations including lock round trips.",
			Buckets:   durationBuckets,
		}, []string{"operation"}),
	}

	for _, c := range []prometheus.Collector{
		m.Transitions, m.LockBusy, m.OperationErrors, m.ConservationViolations, m.OperationDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

// Observe records the outcome of one operation. kind is "ok" on success.
func (m *Metrics) Observe(operation, kind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
	switch kind {
	case "ok":
	case "lock_busy":
		m.LockBusy.WithLabelValues(operation).Inc()
	default:
		m.OperationErrors.WithLabelValues(operation, kind).Inc()
	}
}

func (m *Metrics) ConservationViolation() {
	if m == nil {
		return
	}
	m.ConservationViolations.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
