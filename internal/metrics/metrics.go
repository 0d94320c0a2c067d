// Package metrics provides Prometheus metrics for the Codecove server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codecove_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codecove_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Session metrics
	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "codecove_sessions_active",
			Help: "Number of active sandbox sessions",
		},
	)

	tenantsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "codecove_tenants_created_total",
			Help: "Total tenant roots created",
		},
	)

	passkeyAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codecove_passkey_attempts_total",
			Help: "Total passkey submissions",
		},
		[]string{"result"},
	)

	// Websocket message metrics
	wsMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codecove_ws_messages_total",
			Help: "Total websocket messages by type and direction",
		},
		[]string{"type", "direction"},
	)

	// Terminal metrics
	terminalBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codecove_terminal_bytes_total",
			Help: "Total bytes relayed between clients and confined shells",
		},
		[]string{"direction"},
	)

	// Watcher metrics
	watchEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codecove_watch_events_total",
			Help: "Total filesystem change events fanned out",
		},
		[]string{"op"},
	)

	watchersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "codecove_watchers_active",
			Help: "Number of live per-tenant filesystem watchers",
		},
	)

	// Containment metrics
	pathDenialsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "codecove_path_denials_total",
			Help: "Total requests rejected for escaping a tenant root",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// SetSessionsActive sets the number of active sessions.
func SetSessionsActive(count int64) {
	sessionsActive.Set(float64(count))
}

// RecordTenantCreated records the creation of a tenant root.
func RecordTenantCreated() {
	tenantsCreatedTotal.Inc()
}

// RecordPasskeyAttempt records a passkey submission outcome.
func RecordPasskeyAttempt(result string) {
	passkeyAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordWSMessage records a websocket message.
func RecordWSMessage(msgType, direction string) {
	wsMessagesTotal.WithLabelValues(msgType, direction).Inc()
}

// RecordTerminalBytes records bytes relayed to or from a shell.
func RecordTerminalBytes(direction string, n int) {
	terminalBytesTotal.WithLabelValues(direction).Add(float64(n))
}

// RecordWatchEvent records a fanned-out filesystem change event.
func RecordWatchEvent(op string) {
	watchEventsTotal.WithLabelValues(op).Inc()
}

// SetWatchersActive sets the number of live per-tenant watchers.
func SetWatchersActive(count int64) {
	watchersActive.Set(float64(count))
}

// RecordPathDenial records a rejected path-escape attempt.
func RecordPathDenial() {
	pathDenialsTotal.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
