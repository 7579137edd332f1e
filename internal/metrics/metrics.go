package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes application metrics that are safe to scrape via Prometheus.
type Metrics struct {
	registry            *prometheus.Registry
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	roundsTotal         prometheus.Counter
	roundDuration       prometheus.Histogram
	probesTotal         *prometheus.CounterVec
	probesAbandoned     prometheus.Counter
	devices             *prometheus.GaugeVec
}

// New creates a fresh Metrics registry with HTTP and probing metrics registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pingwatch",
		Name:      "http_requests_total",
		Help:      "Count of HTTP requests processed by pingwatch",
	}, []string{"method", "path", "status"})

	httpRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pingwatch",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests served by pingwatch",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	roundsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pingwatch",
		Name:      "probe_rounds_total",
		Help:      "Total number of completed probe rounds",
	})

	roundDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pingwatch",
		Name:      "probe_round_duration_seconds",
		Help:      "Duration of probe rounds from dispatch to applied results",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	probesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pingwatch",
		Name:      "probes_total",
		Help:      "Count of individual probes by outcome",
	}, []string{"outcome"})

	probesAbandoned := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pingwatch",
		Name:      "probes_abandoned_total",
		Help:      "Probes still running when their timeout passed; the prober ignored its context",
	})

	devices := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pingwatch",
		Name:      "devices",
		Help:      "Number of monitored devices by current status",
	}, []string{"status"})

	registry.MustRegister(
		httpRequests,
		httpRequestDuration,
		roundsTotal,
		roundDuration,
		probesTotal,
		probesAbandoned,
		devices,
	)

	return &Metrics{
		registry:            registry,
		httpRequests:        httpRequests,
		httpRequestDuration: httpRequestDuration,
		roundsTotal:         roundsTotal,
		roundDuration:       roundDuration,
		probesTotal:         probesTotal,
		probesAbandoned:     probesAbandoned,
		devices:             devices,
	}
}

// ObserveHTTPRequest records a single HTTP request/response cycle.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpRequestDuration.With(labels).Observe(duration.Seconds())
}

// ObserveRound records a completed round and its duration.
func (m *Metrics) ObserveRound(duration time.Duration) {
	if m == nil {
		return
	}
	m.roundsTotal.Inc()
	m.roundDuration.Observe(duration.Seconds())
}

// IncProbe counts one probe outcome ("reachable" or "unreachable").
func (m *Metrics) IncProbe(outcome string) {
	if m == nil {
		return
	}
	m.probesTotal.WithLabelValues(outcome).Inc()
}

// IncAbandonedProbe counts a probe whose prober did not return by its timeout.
func (m *Metrics) IncAbandonedProbe() {
	if m == nil {
		return
	}
	m.probesAbandoned.Inc()
}

// SetDevices publishes the per-status device counts.
func (m *Metrics) SetDevices(counts map[string]int) {
	if m == nil {
		return
	}
	for status, n := range counts {
		m.devices.WithLabelValues(status).Set(float64(n))
	}
}

// Handler exposes the Prometheus registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
