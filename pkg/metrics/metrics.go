// Package metrics exposes Prometheus collectors for the engine, workers and recovery sweep.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns its registry so several instances can coexist in tests.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	transitions     *prometheus.CounterVec
	dispatchedSteps *prometheus.CounterVec
	batches         *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	sweptSteps      *prometheus.CounterVec
	sweeps          prometheus.Counter
}

func New(namespace string) *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	register := func(c prometheus.Collector) { m.registry.MustRegister(c) }

	m.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "experiment_transitions_total",
		Help:      "Committed experiment state transitions",
	}, []string{"from", "to"})

	m.dispatchedSteps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "steps_dispatched_total",
		Help:      "Steps handed to a dispatcher",
	}, []string{"node_type"})

	m.batches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batches_completed_total",
		Help:      "Completed step batches by outcome",
	}, []string{"outcome"})

	m.stepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "step_duration_seconds",
		Help:      "Wall-clock time of one step run",
		Buckets:   []float64{0.5, 1, 5, 15, 60, 300, 900, 1800},
	}, []string{"node_type", "status"})

	m.sweptSteps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recovery_steps_total",
		Help:      "Steps and stages forced terminal by the recovery sweep",
	}, []string{"category"})

	m.sweeps = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recovery_sweeps_total",
		Help:      "Recovery sweeps run",
	})

	register(m.transitions)
	register(m.dispatchedSteps)
	register(m.batches)
	register(m.stepDuration)
	register(m.sweptSteps)
	register(m.sweeps)
	register(collectors.NewGoCollector())
	register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}

	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordDispatch(nodeType string, count int) {
	if m == nil {
		return
	}

	m.dispatchedSteps.WithLabelValues(nodeType).Add(float64(count))
}

func (m *Metrics) RecordBatch(failed int) {
	if m == nil {
		return
	}

	outcome := "succeeded"
	if failed > 0 {
		outcome = "failed"
	}

	m.batches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveStep(nodeType, status string, elapsed time.Duration) {
	if m == nil {
		return
	}

	m.stepDuration.WithLabelValues(nodeType, status).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordSweep(counts map[string]int) {
	if m == nil {
		return
	}

	m.sweeps.Inc()

	for category, n := range counts {
		m.sweptSteps.WithLabelValues(category).Add(float64(n))
	}
}
