package metrics

import (
	"time"

	"github.com/flagwire/flagwire/internal/observability"
)

// Backend and lifecycle metrics, following Prometheus conventions.
var (
	// Development backend
	FlagsRequestsTotal = "backend_flags_requests_total"
	FlagsServedTotal   = "backend_flags_served_total"

	// Health check metrics
	HealthCheckTotal    = "app_health_check_total"
	HealthCheckDuration = "app_health_check_duration_ms"

	// Server lifecycle metrics
	ServerStartTime = "app_server_start_time_seconds"
	ServerUptime    = "app_server_uptime_seconds"
)

// RecordFlagsRequest counts a flags request handled by the development
// backend, labelled by response status, and adds flagCount to the running
// total of flags served.
func RecordFlagsRequest(status string, flagCount int) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			FlagsRequestsTotal,
			1,
			map[string]string{
				"status": status,
			},
		)

		if flagCount > 0 {
			_ = observability.TelemetrySystem.Counter(
				FlagsServedTotal,
				float64(flagCount),
				nil,
			)
		}
	}
}

// RecordHealthCheck records a health check execution
func RecordHealthCheck(checkName string, healthy bool, duration time.Duration) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			HealthCheckTotal,
			1,
			map[string]string{
				"check":  checkName,
				"status": status,
			},
		)

		_ = observability.TelemetrySystem.Histogram(
			HealthCheckDuration,
			duration,
			map[string]string{
				"check": checkName,
			},
		)
	}
}

// SetServerStartTime records the server start time (Unix timestamp)
func SetServerStartTime(timestamp int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			ServerStartTime,
			float64(timestamp),
			nil,
		)
	}
}

// SetServerUptime records the server uptime in seconds
func SetServerUptime(seconds int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			ServerUptime,
			float64(seconds),
			nil,
		)
	}
}
