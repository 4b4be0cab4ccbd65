package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/flagwire/flagwire/internal/metrics"
	"github.com/flagwire/flagwire/internal/observability"
)

// statusRecorder captures the status and body size a handler writes.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (rec *statusRecorder) WriteHeader(code int) {
	if rec.status == 0 {
		rec.status = code
	}
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	n, err := rec.ResponseWriter.Write(b)
	rec.written += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rec *statusRecorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

func (rec *statusRecorder) statusCode() int {
	if rec.status == 0 {
		return http.StatusOK
	}
	return rec.status
}

// knownEndpoints maps backend paths to metric labels for requests that did
// not resolve to a chi route, such as 404s and 405s.
var knownEndpoints = map[string]string{
	"/":               "/",
	"/flags":          "/flags/",
	"/flags/":         "/flags/",
	"/requests":       "/requests",
	"/health":         "/health/*",
	"/health/live":    "/health/*",
	"/health/ready":   "/health/*",
	"/health/startup": "/health/*",
	"/version":        "/version",
	"/metrics":        "/metrics",
	"/admin/signal":   "/admin/signal",
}

// EndpointPattern returns a low-cardinality label for r. Error metrics use
// it too so their endpoint tag lines up with the request metrics.
func EndpointPattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			if label, ok := knownEndpoints[pattern]; ok {
				return label
			}
			return pattern
		}
	}
	if label, ok := knownEndpoints[r.URL.Path]; ok {
		return label
	}
	return "/unknown"
}

// quietEndpoints are polled by orchestrators and scrapers; their completions
// log at debug so flag traffic stays readable.
var quietEndpoints = map[string]bool{
	"/health/*": true,
	"/metrics":  true,
}

// completionLevel is debug for successful health checks and scrapes, info otherwise.
func completionLevel(endpoint string, status int) zapcore.Level {
	if quietEndpoints[endpoint] && status < 400 {
		return zapcore.DebugLevel
	}
	return zapcore.InfoLevel
}

// RequestMetrics records every request through metrics.RecordHTTPRequest and
// logs its completion with the request id.
func RequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if observability.TelemetrySystem == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		requestBytes := r.ContentLength
		if requestBytes < 0 {
			requestBytes = 0
		}
		endpoint := EndpointPattern(r)
		completed := metrics.HTTPRequest{
			Method:        r.Method,
			Endpoint:      endpoint,
			Status:        rec.statusCode(),
			Duration:      time.Since(start),
			RequestBytes:  requestBytes,
			ResponseBytes: rec.written,
		}
		metrics.RecordHTTPRequest(completed)

		logger := observability.ServerLogger
		if logger == nil {
			return
		}
		log := logger.Info
		if completionLevel(endpoint, completed.Status) == zapcore.DebugLevel {
			log = logger.Debug
		}
		log("HTTP request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("endpoint", endpoint),
			zap.Int("status", completed.Status),
			zap.Duration("duration", completed.Duration),
			zap.Int64("request_size", requestBytes),
			zap.Int64("response_size", rec.written),
			zap.String("request_id", GetRequestID(r.Context())))
	})
}
