package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the dev proxy's Prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry         *prometheus.Registry
	requests         *prometheus.CounterVec
	upstreamErrors   *prometheus.CounterVec
	unmatched        prometheus.Counter
	upstreamDuration *prometheus.HistogramVec
}

// New creates and registers the dev proxy collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devproxy_requests_total",
				Help: "Total number of requests forwarded upstream, by rule and status code",
			},
			[]string{"rule", "code"},
		),
		upstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devproxy_upstream_errors_total",
				Help: "Total number of forwarded requests that failed to reach the upstream",
			},
			[]string{"rule"},
		),
		unmatched: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "devproxy_unmatched_requests_total",
				Help: "Total number of requests that matched no rule and were served locally",
			},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "devproxy_upstream_duration_seconds",
				Help:    "Time from forwarding a request to receiving the upstream response",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"rule"},
		),
	}
	m.registry.MustRegister(
		m.requests,
		m.upstreamErrors,
		m.unmatched,
		m.upstreamDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveForward records a forwarded request and its upstream latency.
func (m *Metrics) ObserveForward(rule string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(rule, strconv.Itoa(code)).Inc()
	m.upstreamDuration.WithLabelValues(rule).Observe(d.Seconds())
}

// UpstreamError records a transport failure for rule.
func (m *Metrics) UpstreamError(rule string) {
	if m == nil {
		return
	}
	m.upstreamErrors.WithLabelValues(rule).Inc()
}

// Unmatched records a request served locally.
func (m *Metrics) Unmatched() {
	if m == nil {
		return
	}
	m.unmatched.Inc()
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
