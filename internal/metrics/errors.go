package metrics

import (
	"strconv"

	"github.com/flagwire/flagwire/internal/observability"
)

// Metric names
const (
	ErrorsTotalName = "errors_total"
	PanicsTotalName = "panics_total"
)

// ErrorResponse describes one error envelope written to a client.
type ErrorResponse struct {
	Code   string
	Status int
	// Endpoint is the route label; empty for errors outside a request.
	Endpoint string
}

// RecordError counts an error response by code, status and endpoint.
func RecordError(resp ErrorResponse) {
	if observability.TelemetrySystem == nil {
		return
	}
	tags := map[string]string{
		"error_code":  resp.Code,
		"http_status": strconv.Itoa(resp.Status),
	}
	if resp.Endpoint != "" {
		tags["endpoint"] = resp.Endpoint
	}
	_ = observability.TelemetrySystem.Counter(ErrorsTotalName, 1, tags)
}

// RecordPanic counts a recovered handler panic.
func RecordPanic(endpoint string) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(PanicsTotalName, 1, map[string]string{"endpoint": endpoint})
}
