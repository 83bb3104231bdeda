// Package metrics exposes Prometheus collectors for the prerender service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	renderRequestsTotal        *prometheus.CounterVec
	renderPhaseSeconds         *prometheus.HistogramVec
	renderInFlight             prometheus.Gauge
	browserRestartsTotal       *prometheus.CounterVec
	pluginShortCircuitsTotal   *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times; the Observe helpers call it too.
func Init() {
	once.Do(func() {
		renderRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prerender_requests_total",
				Help: "Total number of render responses sent, labeled by status code and render type.",
			},
			[]string{"status", "render_type"},
		)

		renderPhaseSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "prerender_phase_duration_seconds",
				Help:    "Histogram of time spent in each render phase.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 60},
			},
			[]string{"phase"},
		)

		renderInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "prerender_in_flight",
				Help: "Number of admitted render jobs that have not been answered yet.",
			},
		)

		browserRestartsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prerender_browser_restarts_total",
				Help: "Total number of browser restarts, labeled by reason.",
			},
			[]string{"reason"},
		)

		pluginShortCircuitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prerender_plugin_short_circuits_total",
				Help: "Total number of plugin short-circuits, labeled by event and plugin.",
			},
			[]string{"event", "plugin"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRender counts one sent render response.
func ObserveRender(status int, renderType string) {
	Init()
	renderRequestsTotal.WithLabelValues(strconv.Itoa(status), renderType).Inc()
}

// ObservePhase records the time a job spent in one phase. Zero durations are skipped.
func ObservePhase(phase string, duration time.Duration) {
	if duration <= 0 {
		return
	}
	Init()
	renderPhaseSeconds.WithLabelValues(phase).Observe(duration.Seconds())
}

// SetInFlight publishes the in-flight registry size.
func SetInFlight(n int) {
	Init()
	renderInFlight.Set(float64(n))
}

// ObserveBrowserRestart counts a browser restart.
func ObserveBrowserRestart(reason string) {
	Init()
	browserRestartsTotal.WithLabelValues(reason).Inc()
}

// ObserveShortCircuit counts a plugin ending a stage early.
func ObserveShortCircuit(event, plugin string) {
	Init()
	pluginShortCircuitsTotal.WithLabelValues(event, plugin).Inc()
}
