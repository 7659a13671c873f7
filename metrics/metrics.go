// Package metrics exposes prometheus collectors for meshrpc servers and clients.
//
// Every recording method is safe on a nil *Collector, so components can take
// an optional collector without checking for it.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "meshrpc"

// Collector is a prometheus.Collector for RPC traffic.
type Collector struct {
	serverRequests *prometheus.CounterVec
	serverDuration *prometheus.HistogramVec
	clientCalls    *prometheus.CounterVec
	clientRetries  *prometheus.CounterVec
	pendingCalls   prometheus.Gauge
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		serverRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "server_requests_total",
				Help:      "The number of requests handled by the server.",
			}, []string{"service", "method", "status"},
		),
		serverDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "server_request_duration_seconds",
				Help:      "The time taken to handle a request.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			}, []string{"service", "method"},
		),
		clientCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "client_calls_total",
				Help:      "The number of proxy invocations by outcome.",
			}, []string{"service", "status"},
		),
		clientRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "client_retries_total",
				Help:      "The number of repeated client attempts.",
			}, []string{"service"},
		),
		pendingCalls: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "client_pending_calls",
				Help:      "The number of requests awaiting a response.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.serverRequests.Describe(ch)
	c.serverDuration.Describe(ch)
	c.clientCalls.Describe(ch)
	c.clientRetries.Describe(ch)
	c.pendingCalls.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.serverRequests.Collect(ch)
	c.serverDuration.Collect(ch)
	c.clientCalls.Collect(ch)
	c.clientRetries.Collect(ch)
	c.pendingCalls.Collect(ch)
}

// ServerRequest records one handled request.
func (c *Collector) ServerRequest(service, method, status string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.serverRequests.WithLabelValues(service, method, status).Inc()
	c.serverDuration.WithLabelValues(service, method).Observe(elapsed.Seconds())
}

// ClientCall records the outcome of one proxy invocation.
func (c *Collector) ClientCall(service, status string) {
	if c == nil {
		return
	}
	c.clientCalls.WithLabelValues(service, status).Inc()
}

// ClientRetry records one repeated attempt.
func (c *Collector) ClientRetry(service string) {
	if c == nil {
		return
	}
	c.clientRetries.WithLabelValues(service).Inc()
}

// PendingAdd moves the pending-call gauge by delta.
func (c *Collector) PendingAdd(delta float64) {
	if c == nil {
		return
	}
	c.pendingCalls.Add(delta)
}
