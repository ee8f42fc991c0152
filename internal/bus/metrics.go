package bus

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are registered on the default registry. Registration races with
// test resets are absorbed by reusing the already-registered collector.
type metrics struct {
	publishTotal   *prometheus.CounterVec
	consumeTotal   *prometheus.CounterVec
	errorsTotal    *prometheus.CounterVec
	dlqTotal       prometheus.Counter
	topologyErrors prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		publishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "titan_bus_publish_total",
			Help: "Messages published, by subject class and mode (jetstream/core).",
		}, []string{"class", "mode"}),
		consumeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "titan_bus_consume_total",
			Help: "Messages delivered to subscription callbacks, by outcome.",
		}, []string{"class", "outcome"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "titan_bus_errors_total",
			Help: "Bus errors by phase (connect, publish, subscribe, request, kv).",
		}, []string{"phase"}),
		dlqTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "titan_bus_dlq_publish_total",
			Help: "Dead-letter items published.",
		}),
		topologyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "titan_topology_reconcile_errors_total",
			Help: "Stream/consumer/bucket declarations that could not be reconciled.",
		}),
	}
	m.publishTotal = registerCounterVec(m.publishTotal)
	m.consumeTotal = registerCounterVec(m.consumeTotal)
	m.errorsTotal = registerCounterVec(m.errorsTotal)
	m.dlqTotal = registerCounter(m.dlqTotal)
	m.topologyErrors = registerCounter(m.topologyErrors)
	return m
}

func registerCounterVec(cv *prometheus.CounterVec) *prometheus.CounterVec {
	if err := prometheus.Register(cv); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return cv
}

func registerCounter(c prometheus.Counter) prometheus.Counter {
	if err := prometheus.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(prometheus.Counter); ok {
				return existing
			}
		}
	}
	return c
}
