// Package metrics exposes daemon metrics for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry       *prometheus.Registry
	authAttempts   *prometheus.CounterVec
	fetchesTotal   *prometheus.CounterVec
	fetchDuration  prometheus.Histogram
	fetchPages     prometheus.Histogram
	actionOutcomes *prometheus.CounterVec
}

// New creates a fresh registry with every collector registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	authAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mdmkeeper",
		Name:      "auth_attempts_total",
		Help:      "Authentication attempts by path (silent, refresh, device_code) and result",
	}, []string{"path", "result"})

	fetchesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mdmkeeper",
		Name:      "catalog_fetches_total",
		Help:      "Device catalog fetches by result",
	}, []string{"result"})

	fetchDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mdmkeeper",
		Name:      "catalog_fetch_duration_seconds",
		Help:      "Duration of complete catalog fetches",
		Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	fetchPages := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mdmkeeper",
		Name:      "catalog_fetch_pages",
		Help:      "Pages requested per successful catalog fetch",
		Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
	})

	actionOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mdmkeeper",
		Name:      "action_outcomes_total",
		Help:      "Device action outcomes by kind and result",
	}, []string{"kind", "result"})

	registry.MustRegister(authAttempts, fetchesTotal, fetchDuration, fetchPages, actionOutcomes)

	return &Metrics{
		registry:       registry,
		authAttempts:   authAttempts,
		fetchesTotal:   fetchesTotal,
		fetchDuration:  fetchDuration,
		fetchPages:     fetchPages,
		actionOutcomes: actionOutcomes,
	}
}

// ObserveAuth counts one authentication attempt.
func (m *Metrics) ObserveAuth(path, result string) {
	if m == nil {
		return
	}
	m.authAttempts.WithLabelValues(path, result).Inc()
}

// ObserveFetch records a finished catalog fetch. pages is ignored on failure.
func (m *Metrics) ObserveFetch(ok bool, pages int, duration time.Duration) {
	if m == nil {
		return
	}
	if !ok {
		m.fetchesTotal.WithLabelValues("failure").Inc()
		return
	}
	m.fetchesTotal.WithLabelValues("success").Inc()
	m.fetchDuration.Observe(duration.Seconds())
	m.fetchPages.Observe(float64(pages))
}

// ObserveAction counts one device action outcome.
func (m *Metrics) ObserveAction(kind string, ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.actionOutcomes.WithLabelValues(kind, result).Inc()
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
