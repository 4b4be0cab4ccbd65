package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/jonboulle/clockwork"

	apperrors "github.com/flagwire/flagwire/internal/errors"
)

// Check results and aggregate statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusTimeout   = "timeout"
)

// HealthEndpoint names one health route and how long its checks may take.
type HealthEndpoint struct {
	Name    string
	Timeout time.Duration
}

// Health routes served by the backend. The aggregate route is the only one that
// reports version and details.
var (
	HealthAggregate = HealthEndpoint{Name: "aggregate", Timeout: 5 * time.Second}
	HealthLive      = HealthEndpoint{Name: "live", Timeout: 2 * time.Second}
	HealthReady     = HealthEndpoint{Name: "ready", Timeout: 5 * time.Second}
	HealthStartup   = HealthEndpoint{Name: "startup", Timeout: 3 * time.Second}
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string                    `json:"status"`
	Version   string                    `json:"version"`
	Timestamp string                    `json:"timestamp"`
	Checks    map[string]string         `json:"checks,omitempty"`
	Details   map[string]map[string]any `json:"details,omitempty"`
}

// StatusResponse is the body of the live, ready and startup checks.
type StatusResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthChecker defines interface for health checkable components
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthCheckerFunc adapts a function to HealthChecker.
type HealthCheckerFunc func(ctx context.Context) error

// CheckHealth calls f.
func (f HealthCheckerFunc) CheckHealth(ctx context.Context) error {
	return f(ctx)
}

// DetailsProvider reports component state for the aggregate health response.
type DetailsProvider interface {
	HealthDetails(ctx context.Context) map[string]any
}

// HealthReport is the outcome of one round of checks.
type HealthReport struct {
	Status  string
	Checks  map[string]string
	Details map[string]map[string]any
}

// HealthManager runs the registered checks for the health endpoints.
type HealthManager struct {
	version string
	clock   clockwork.Clock

	mu       sync.RWMutex
	checkers map[string]HealthChecker
	details  map[string]DetailsProvider
}

// NewHealthManager creates a manager reporting version. A nil clock uses the
// real clock.
func NewHealthManager(version string, clock clockwork.Clock) *HealthManager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &HealthManager{
		version:  version,
		clock:    clock,
		checkers: make(map[string]HealthChecker),
		details:  make(map[string]DetailsProvider),
	}
}

// RegisterChecker adds or replaces the check called name.
func (hm *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checkers[name] = checker
}

// RegisterDetails adds or replaces the details section called name.
func (hm *HealthManager) RegisterDetails(name string, provider DetailsProvider) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.details[name] = provider
}

// Check runs every registered check in name order. Checks not reached before
// ctx ends are reported as timed out. Details are collected only when
// withDetails is set.
func (hm *HealthManager) Check(ctx context.Context, withDetails bool) HealthReport {
	hm.mu.RLock()
	checkers := make(map[string]HealthChecker, len(hm.checkers))
	for name, checker := range hm.checkers {
		checkers[name] = checker
	}
	var providers map[string]DetailsProvider
	if withDetails {
		providers = make(map[string]DetailsProvider, len(hm.details))
		for name, provider := range hm.details {
			providers[name] = provider
		}
	}
	hm.mu.RUnlock()

	report := HealthReport{Checks: make(map[string]string, len(checkers))}
	for _, name := range sortedKeys(checkers) {
		switch {
		case ctx.Err() != nil:
			report.Checks[name] = StatusTimeout
		case checkers[name].CheckHealth(ctx) != nil:
			report.Checks[name] = StatusUnhealthy
		default:
			report.Checks[name] = StatusHealthy
		}
	}
	report.Status = overallStatus(report.Checks)

	if len(providers) > 0 {
		report.Details = make(map[string]map[string]any, len(providers))
		for _, name := range sortedKeys(providers) {
			if details := providers[name].HealthDetails(ctx); len(details) > 0 {
				report.Details[name] = details
			}
		}
	}
	return report
}

func overallStatus(checks map[string]string) string {
	status := StatusHealthy
	for _, result := range checks {
		switch result {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusTimeout, StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}

// Handler serves endpoint. A nil manager answers 503, which is how the backend
// reports health checks disabled in config.
func (hm *HealthManager) Handler(endpoint HealthEndpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if hm == nil {
			envelope := errors.NewErrorEnvelope("SERVICE_UNAVAILABLE", "health checks are disabled")
			apperrors.RespondWithError(w, r, enrichHealthEnvelope(envelope, endpoint, "unknown", nil))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), endpoint.Timeout)
		defer cancel()

		aggregate := endpoint == HealthAggregate
		report := hm.Check(ctx, aggregate)
		if report.Status == StatusUnhealthy {
			envelope := errors.NewErrorEnvelope("SERVICE_UNAVAILABLE", endpoint.Name+" health check failed")
			apperrors.RespondWithError(w, r, enrichHealthEnvelope(envelope, endpoint, report.Status, report.Checks))
			return
		}

		now := hm.clock.Now().UTC()
		var body any = StatusResponse{Status: report.Status, Timestamp: now}
		if aggregate {
			body = HealthResponse{
				Status:    report.Status,
				Version:   hm.version,
				Timestamp: now.Format(time.RFC3339),
				Checks:    report.Checks,
				Details:   report.Details,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func enrichHealthEnvelope(envelope *errors.ErrorEnvelope, endpoint HealthEndpoint, status string, checks map[string]string) *errors.ErrorEnvelope {
	details := map[string]interface{}{
		"status":   status,
		"endpoint": endpoint.Name,
	}
	if len(checks) > 0 {
		details["checks"] = checks
	}
	envelope = envelope.WithDetails(details)

	var failing []string
	for _, name := range sortedKeys(checks) {
		if checks[name] != StatusHealthy {
			failing = append(failing, name)
		}
	}
	contextData := map[string]interface{}{"status": status, "endpoint": endpoint.Name}
	if len(failing) > 0 {
		contextData["unhealthy_checks"] = failing
	}
	envelope, _ = envelope.WithContext(contextData)
	return envelope
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
