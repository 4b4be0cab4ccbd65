package metrics

import (
	"strconv"
	"time"

	"github.com/flagwire/flagwire/internal/observability"
)

// HTTP server metrics. Labels never carry ids or raw paths.
const (
	HTTPRequestsTotal    = "http_requests_total"
	HTTPRequestDuration  = "http_request_duration_ms"
	HTTPRequestSize      = "http_request_size_bytes"
	HTTPResponseSize     = "http_response_size_bytes"
	HTTPErrorsTotal      = "http_errors_total"
	errorTypeClientError = "client_error"
	errorTypeServerError = "server_error"
)

// HTTPRequest describes one completed backend request.
type HTTPRequest struct {
	Method        string
	Endpoint      string
	Status        int
	Duration      time.Duration
	RequestBytes  int64
	ResponseBytes int64
}

// RecordHTTPRequest emits the request counter, duration, sizes and, for
// statuses of 400 and above, the error counter.
func RecordHTTPRequest(req HTTPRequest) {
	sys := observability.TelemetrySystem
	if sys == nil {
		return
	}

	status := strconv.Itoa(req.Status)
	labels := map[string]string{
		"method":   req.Method,
		"endpoint": req.Endpoint,
		"status":   status,
	}
	_ = sys.Counter(HTTPRequestsTotal, 1, labels)
	_ = sys.Histogram(HTTPRequestDuration, req.Duration, labels)

	sizeLabels := map[string]string{
		"method":   req.Method,
		"endpoint": req.Endpoint,
	}
	_ = sys.Gauge(HTTPRequestSize, float64(req.RequestBytes), sizeLabels)
	_ = sys.Gauge(HTTPResponseSize, float64(req.ResponseBytes), sizeLabels)

	if req.Status < 400 {
		return
	}
	errorType := errorTypeClientError
	if req.Status >= 500 {
		errorType = errorTypeServerError
	}
	_ = sys.Counter(HTTPErrorsTotal, 1, map[string]string{
		"method":     req.Method,
		"endpoint":   req.Endpoint,
		"status":     status,
		"error_type": errorType,
	})
}
