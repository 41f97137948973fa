package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	ssoLegsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "federation_sso_legs_total",
			Help: "SSO handshake legs by outcome.",
		},
		[]string{"leg", "outcome"},
	)

	importsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "federation_imports_total",
			Help: "Submission imports by outcome.",
		},
		[]string{"outcome"},
	)

	exportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "federation_exports_total",
			Help: "Submission exports by outcome.",
		},
		[]string{"outcome"},
	)
)

// Init registers all metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		ssoLegsTotal, importsTotal, exportsTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SSOLeg records the outcome ("ok" or "rejected") of one handshake leg.
func SSOLeg(leg, outcome string) {
	ssoLegsTotal.WithLabelValues(leg, outcome).Inc()
}

// Import records the outcome of one submission import.
func Import(outcome string) {
	importsTotal.WithLabelValues(outcome).Inc()
}

// Export records the outcome of one submission export.
func Export(outcome string) {
	exportsTotal.WithLabelValues(outcome).Inc()
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses per-entity path segments so metric cardinality stays
// bounded. Query strings are dropped.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	if len(parts) == 4 && parts[1] == "v1" && parts[2] == "submissions" {
		parts[3] = ":id"
		return strings.Join(parts, "/")
	}
	return path
}

// statusWriter captures the response code written by the wrapped handler.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
