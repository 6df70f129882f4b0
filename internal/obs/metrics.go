package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics shared by all handlers.
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
)

// Auth lifecycle metrics.
var (
	signOutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_sign_outs_total",
			Help: "Sign-outs grouped by trigger.",
		},
		[]string{"reason"},
	)

	sessionTakeoversTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_session_takeovers_total",
		Help: "Sessions displaced by a newer device.",
	})

	profileFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "auth_profile_fetch_duration_seconds",
			Help:    "Profile resolution latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	activeManagers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "auth_active_sessions",
		Help: "Device sessions currently in the authenticated state.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		signOutsTotal, sessionTakeoversTotal, profileFetchDuration, activeManagers,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSignOut counts a sign-out by its trigger.
func RecordSignOut(reason string) {
	signOutsTotal.WithLabelValues(reason).Inc()
}

// RecordTakeover counts a detected concurrent-session displacement.
func RecordTakeover() {
	sessionTakeoversTotal.Inc()
}

// ObserveProfileFetch records a profile resolution attempt.
func ObserveProfileFetch(outcome string, seconds float64) {
	profileFetchDuration.WithLabelValues(outcome).Observe(seconds)
}

// SessionOpened and SessionClosed track the authenticated-session gauge.
func SessionOpened() { activeManagers.Inc() }
func SessionClosed() { activeManagers.Dec() }

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
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

// statusWriter captures the response code for labeling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE responses streaming through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
