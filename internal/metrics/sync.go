package metrics

import (
	"strconv"
	"time"

	"github.com/flagwire/flagwire/internal/observability"
)

// Flag sync metrics.
const (
	SyncRequestsTotal   = "flag_sync_requests_total"
	SyncDuration        = "flag_sync_duration_ms"
	SyncCoalescedTotal  = "flag_sync_coalesced_total"
	RateLimitedTotal    = "rate_limited_total"
	FlagMissesTotal     = "flag_misses_total"
	ExceptionsSentTotal = "exceptions_captured_total"
)

// Sync outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// SyncOutcome maps a transport result to an outcome label.
func SyncOutcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}

// RecordSync records one completed transport call.
func RecordSync(outcome string, elapsed time.Duration) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			SyncRequestsTotal,
			1,
			map[string]string{
				"outcome": outcome,
			},
		)

		_ = observability.TelemetrySystem.Histogram(
			SyncDuration,
			elapsed,
			map[string]string{
				"outcome": outcome,
			},
		)
	}
}

// RecordCoalesced records a trigger that was absorbed into the pending slot.
// replaced is true when an older pending snapshot was dropped.
func RecordCoalesced(replaced bool) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			SyncCoalescedTotal,
			1,
			map[string]string{
				"replaced": strconv.FormatBool(replaced),
			},
		)
	}
}

// RecordRateLimited records a bucket running dry. scope names the limiter,
// for example "flag_miss", "exception" or "backend".
func RecordRateLimited(scope string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			RateLimitedTotal,
			1,
			map[string]string{
				"scope": scope,
			},
		)
	}
}

// RecordFlagMiss records a lookup of a flag the backend did not return.
func RecordFlagMiss() {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(FlagMissesTotal, 1, nil)
	}
}

// RecordExceptionCaptured records whether a captured exception was forwarded
// or suppressed by the exception limiter.
func RecordExceptionCaptured(kind string, suppressed bool) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			ExceptionsSentTotal,
			1,
			map[string]string{
				"kind":       kind,
				"suppressed": strconv.FormatBool(suppressed),
			},
		)
	}
}
