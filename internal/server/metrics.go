package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks the request surface of the handler.
type Metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autoscale",
			Name:      "requests_total",
			Help:      "Handled requests by type and status code.",
		}, []string{"type", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "autoscale",
			Name:      "request_duration_seconds",
			Help:      "Request handling latency by type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
	}
}

func (m *Metrics) Observe(reqType string, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(reqType, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(reqType).Observe(elapsed.Seconds())
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
