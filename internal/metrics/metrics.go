// Package metrics exposes Prometheus counters for the request and transfer
// layers.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector aggregates per-tag request statistics.
type Collector struct {
	registry *prometheus.Registry

	requestCount   *prometheus.CounterVec
	requestSeconds *prometheus.CounterVec
	requestBytes   *prometheus.CounterVec
	transferBytes  *prometheus.CounterVec

	server *http.Server
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "objectfuse",
			Name:      "requests_total",
			Help:      "HTTP requests issued, by handle tag.",
		}, []string{"tag"}),
		requestSeconds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "objectfuse",
			Name:      "request_seconds_total",
			Help:      "Wall time spent in HTTP transfers, by handle tag. The first request per handle is excluded (warmup).",
		}, []string{"tag"}),
		requestBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "objectfuse",
			Name:      "request_bytes_total",
			Help:      "Bytes transferred (headers, bodies both ways), by handle tag.",
		}, []string{"tag"}),
		transferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "objectfuse",
			Name:      "transfer_bytes_total",
			Help:      "Object body bytes moved by file transfers, by direction.",
		}, []string{"direction"}),
	}

	c.registry.MustRegister(c.requestCount, c.requestSeconds, c.requestBytes, c.transferBytes)

	return c
}

// RecordRequest records one completed request round for a handle tag.
// Warmup rounds are recorded with zero elapsed time and bytes.
func (c *Collector) RecordRequest(tag string, seconds float64, bytes int64) {
	c.requestCount.WithLabelValues(tag).Inc()
	c.requestSeconds.WithLabelValues(tag).Add(seconds)
	c.requestBytes.WithLabelValues(tag).Add(float64(bytes))
}

// RecordTransfer records object body bytes moved in a given direction
// ("download" or "upload").
func (c *Collector) RecordTransfer(direction string, bytes int64) {
	c.transferBytes.WithLabelValues(direction).Add(float64(bytes))
}

// Serve starts the metrics HTTP endpoint. Non-blocking.
func (c *Collector) Serve(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	c.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		_ = c.server.ListenAndServe()
	}()
}

// Close stops the metrics endpoint if it was started.
func (c *Collector) Close() error {
	if c.server == nil {
		return nil
	}
	return c.server.Close()
}
