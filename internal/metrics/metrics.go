// Package metrics exposes solver activity as Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/copyleftdev/nloptd/internal/errors"
	"github.com/copyleftdev/nloptd/internal/problem"
)

const namespace = "nloptd"

// Metrics holds the service collectors.
type Metrics struct {
	solves      *prometheus.CounterVec
	failures    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	evaluations *prometheus.HistogramVec
	inFlight    prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		solves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "solves_total",
			Help:      "Completed solves by algorithm and termination status.",
		}, []string{"algorithm", "termination"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "solve_errors_total",
			Help:      "Solves that returned an error, by error kind.",
		}, []string{"kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "solve_duration_seconds",
			Help:      "Wall time spent in the native solver.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"algorithm"}),
		evaluations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "objective_evaluations",
			Help:      "Objective evaluations per solve.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"algorithm"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Optimization jobs currently running.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.solves, m.failures, m.duration, m.evaluations, m.inFlight)
	}
	return m
}

// ObserveResult records a finished solve.
func (m *Metrics) ObserveResult(res *problem.Result) {
	if m == nil || res == nil {
		return
	}
	m.solves.WithLabelValues(res.Algorithm, res.Termination.String()).Inc()
	m.duration.WithLabelValues(res.Algorithm).Observe(res.SolveTime.Seconds())
	m.evaluations.WithLabelValues(res.Algorithm).Observe(float64(res.NumEvals))
}

// ObserveError records a solve that returned err.
func (m *Metrics) ObserveError(err error) {
	if m == nil || err == nil {
		return
	}
	m.failures.WithLabelValues(errors.KindOf(err).String()).Inc()
}

// JobStarted increments the in-flight gauge; call the returned function
// when the job ends.
func (m *Metrics) JobStarted() func() {
	if m == nil {
		return func() {}
	}
	m.inFlight.Inc()
	return m.inFlight.Dec
}
