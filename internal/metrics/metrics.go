// Package metrics provides Prometheus metrics for the sharebox server.
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
			Name: "sharebox_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sharebox_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Remote session metrics
	remoteConnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharebox_remote_connects_total",
			Help: "Physical remote connection attempts",
		},
		[]string{"result"},
	)

	remoteConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sharebox_remote_connected",
			Help: "1 when the remote session holds a live connection",
		},
	)

	remoteOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sharebox_remote_operation_duration_seconds",
			Help:    "Remote file operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	remoteOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharebox_remote_operations_total",
			Help: "Total remote file operations",
		},
		[]string{"operation", "status"},
	)

	// Content transfer metrics
	contentBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sharebox_content_bytes_downloaded_total",
			Help: "Total bytes served to clients",
		},
	)

	contentBytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sharebox_content_bytes_uploaded_total",
			Help: "Total bytes uploaded by clients",
		},
	)

	// Share link metrics
	shareValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharebox_share_validations_total",
			Help: "Share link validations by outcome",
		},
		[]string{"outcome"},
	)

	shareDownloadsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sharebox_share_downloads_total",
			Help: "Downloads recorded against share links",
		},
	)

	shareLinksActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sharebox_share_links_active",
			Help: "Number of active share links",
		},
	)

	shareLinksSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sharebox_share_links_swept_total",
			Help: "Expired share links removed by the sweeper",
		},
	)

	// Upload quota metrics
	quotaExceededTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharebox_quota_exceeded_total",
			Help: "Requests rejected by a quota",
		},
		[]string{"type"},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharebox_auth_attempts_total",
			Help: "Total bearer verification attempts",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordRemoteConnect records one physical connection attempt.
func RecordRemoteConnect(success bool) {
	remoteConnectsTotal.WithLabelValues(status(success)).Inc()
}

// SetRemoteConnected sets the session connection gauge.
func SetRemoteConnected(connected bool) {
	if connected {
		remoteConnected.Set(1)
		return
	}
	remoteConnected.Set(0)
}

// RecordRemoteOperation records a remote file operation.
func RecordRemoteOperation(operation string, duration time.Duration, success bool) {
	remoteOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	remoteOperationsTotal.WithLabelValues(operation, status(success)).Inc()
}

// RecordContentDownload records bytes sent to a client.
func RecordContentDownload(bytes int64) {
	contentBytesDownloaded.Add(float64(bytes))
}

// RecordContentUpload records bytes received from a client.
func RecordContentUpload(bytes int64) {
	contentBytesUploaded.Add(float64(bytes))
}

// RecordShareValidation records a validation outcome ("valid" or a reason).
func RecordShareValidation(outcome string) {
	shareValidationsTotal.WithLabelValues(outcome).Inc()
}

// RecordShareDownload records a download counted against a link.
func RecordShareDownload() {
	shareDownloadsTotal.Inc()
}

// SetShareLinksActive sets the active share link gauge.
func SetShareLinksActive(count int64) {
	shareLinksActive.Set(float64(count))
}

// RecordSweep records links removed by an expiry sweep.
func RecordSweep(removed int) {
	shareLinksSwept.Add(float64(removed))
}

// RecordQuotaExceeded records a request rejected by the named quota.
func RecordQuotaExceeded(quotaType string) {
	quotaExceededTotal.WithLabelValues(quotaType).Inc()
}

// RecordAuthAttempt records a bearer verification attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
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

// Middleware returns HTTP middleware that records request metrics. The
// matched ServeMux pattern is used as the route label so that paths with
// tokens or ids do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
