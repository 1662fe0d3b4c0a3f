// Package metrics exposes pipeline counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"zigbee-arbiter/internal/protocol"
)

const namespace = "zigbee_arbiter"

// Metrics holds the collectors of one process. It implements
// coordinator.Observer.
type Metrics struct {
	registry *prometheus.Registry

	inbound    *prometheus.CounterVec
	emitted    *prometheus.CounterVec
	suppressed *prometheus.CounterVec
	dispatches *prometheus.CounterVec
	attempts   *prometheus.CounterVec
}

// New creates the collectors on a private registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "inbound_payloads_total",
			Help:      "Inbound payloads by origin method",
		}, []string{"method"}),

		emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "records_emitted_total",
			Help:      "Capability updates emitted",
		}, []string{"capability"}),

		suppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "records_suppressed_total",
			Help:      "Records dropped before emission, by reason",
		}, []string{"reason"}),

		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "commands_total",
			Help:      "Outbound commands by dialect and result",
		}, []string{"path", "result"}),

		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "attempts_total",
			Help:      "Transport attempts by strategy and result",
		}, []string{"strategy", "result"}),
	}

	m.registry.MustRegister(
		m.inbound,
		m.emitted,
		m.suppressed,
		m.dispatches,
		m.attempts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// WatchClassifications registers a gauge of attached devices per
// classification, read from counts at scrape time.
func (m *Metrics) WatchClassifications(counts func() map[protocol.Classification]int) {
	for _, c := range []protocol.Classification{protocol.Learning, protocol.DpOnly, protocol.StandardOnly, protocol.Hybrid, protocol.Unknown} {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "arbiter",
			Name:        "devices",
			Help:        "Attached devices by protocol classification",
			ConstLabels: prometheus.Labels{"classification": c.String()},
		}, func() float64 {
			return float64(counts()[c])
		}))
	}
}

func (m *Metrics) InboundPayload(method protocol.Method) {
	m.inbound.WithLabelValues(string(method)).Inc()
}

func (m *Metrics) RecordEmitted(capability string) {
	m.emitted.WithLabelValues(capability).Inc()
}

func (m *Metrics) RecordSuppressed(reason string) {
	m.suppressed.WithLabelValues(reason).Inc()
}

func (m *Metrics) Dispatched(path string, err error) {
	m.dispatches.WithLabelValues(path, result(err)).Inc()
}

func (m *Metrics) RetryAttempt(strategy string, err error) {
	m.attempts.WithLabelValues(strategy, result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
