package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/flagwire/flagwire/internal/core"
	"github.com/flagwire/flagwire/internal/core/ratelimit"
	"github.com/flagwire/flagwire/internal/core/store"
	apperrors "github.com/flagwire/flagwire/internal/errors"
	"github.com/flagwire/flagwire/internal/metrics"
	"github.com/flagwire/flagwire/internal/server/middleware"
)

// MaxFlagsRequestBytes caps the size of a sync request body.
const MaxFlagsRequestBytes = 1 << 20

// RequestStore persists the sync requests received by the backend.
type RequestStore interface {
	RecordSyncRequest(ctx context.Context, req store.SyncRequest) (int64, error)
	ListSyncRequests(ctx context.Context, q store.SyncRequestQuery) ([]store.SyncRequest, error)
	ResetSyncRequests(ctx context.Context, token string) (int64, error)
	CountSyncRequests(ctx context.Context, q store.SyncRequestQuery) (int64, error)
}

// FlagsBackendOptions configures a FlagsBackend.
type FlagsBackendOptions struct {
	// Flags maps flag keys to a bool or a variant string.
	Flags map[string]any
	// Store is optional; without it requests are not recorded.
	Store RequestStore
	// Limiter throttles requests per distinct id. Nil disables throttling.
	Limiter *ratelimit.Limiter
	Clock   clockwork.Clock
	Logger  core.Logger
}

// FlagsBackend answers flag sync requests from a static flag map.
type FlagsBackend struct {
	flags   map[string]core.FlagDetail
	store   RequestStore
	limiter ratelimit.Keyed[string]
	clock   clockwork.Clock
	logger  core.Logger
}

// NewFlagsBackend builds a backend serving opts.Flags. Values other than
// bool and string are skipped with a warning.
func NewFlagsBackend(opts FlagsBackendOptions) *FlagsBackend {
	logger := core.LoggerOrNop(opts.Logger)
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	flags := make(map[string]core.FlagDetail, len(opts.Flags))
	for key, value := range opts.Flags {
		detail, ok := flagDetail(key, value)
		if !ok {
			logger.Warn("Skipping flag with unsupported value",
				zap.String("flag", key),
				zap.Any("value", value))
			continue
		}
		flags[key] = detail
	}

	return &FlagsBackend{
		flags:   flags,
		store:   opts.Store,
		limiter: ratelimit.Keyed[string]{Limiter: opts.Limiter},
		clock:   clock,
		logger:  logger,
	}
}

func flagDetail(key string, value any) (core.FlagDetail, bool) {
	switch v := value.(type) {
	case bool:
		return core.FlagDetail{Key: key, Enabled: v}, true
	case string:
		variant := v
		return core.FlagDetail{Key: key, Enabled: true, Variant: &variant}, true
	default:
		return core.FlagDetail{}, false
	}
}

// Response builds the flags response for one request.
func (b *FlagsBackend) Response(requestID string) core.FlagsResponse {
	resp := core.FlagsResponse{
		FeatureFlags: make(map[string]any, len(b.flags)),
		Flags:        make(map[string]core.FlagDetail, len(b.flags)),
		RequestID:    requestID,
	}
	for key, detail := range b.flags {
		resp.FeatureFlags[key] = detail.Value()
		resp.Flags[key] = detail
	}
	return resp
}

// FlagsHandler handles POST /flags/.
func (b *FlagsBackend) FlagsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	payload, err := decodePayload(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apperrors.RespondWithError(w, r, apperrors.NewRequestTooLargeError("request body too large").
				WithCorrelationID(requestID))
			return
		}
		apperrors.RespondWithError(w, r, apperrors.WrapInvalidInput(ctx, err, "request body is not a valid flags payload"))
		return
	}

	if strings.TrimSpace(payload.Token) == "" {
		apperrors.RespondWithError(w, r, apperrors.WrapInvalidInput(ctx, nil, "token is required"))
		return
	}
	if strings.TrimSpace(payload.DistinctID) == "" {
		apperrors.RespondWithError(w, r, apperrors.WrapInvalidInput(ctx, nil, "distinct_id is required"))
		return
	}

	if b.limiter.Limiter != nil && b.limiter.Consume(payload.DistinctID) {
		b.record(ctx, requestID, payload, http.StatusTooManyRequests)
		metrics.RecordFlagsRequest(strconv.Itoa(http.StatusTooManyRequests), 0)

		retryAfter := b.limiter.RefillInterval()
		if seconds := apperrors.RetryAfterSeconds(retryAfter); seconds > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
		}
		apperrors.RespondWithError(w, r, apperrors.NewRateLimitedError("too many flag requests for distinct_id", retryAfter).
			WithCorrelationID(requestID))
		return
	}

	b.record(ctx, requestID, payload, http.StatusOK)
	metrics.RecordFlagsRequest(strconv.Itoa(http.StatusOK), len(b.flags))

	b.logger.Debug("Served flags",
		zap.String("distinct_id", payload.DistinctID),
		zap.String("anon_distinct_id", payload.AnonDistinctID),
		zap.Int("flags", len(b.flags)),
		zap.String("request_id", requestID))

	writeJSON(w, http.StatusOK, b.Response(requestID))
}

// HealthDetails reports the served flag count, how many distinct ids hold a
// partly drained bucket and the number of recorded requests.
func (b *FlagsBackend) HealthDetails(ctx context.Context) map[string]any {
	details := map[string]any{
		"flags":     len(b.flags),
		"recording": b.store != nil,
	}
	if b.limiter.Limiter != nil {
		details["tracked_keys"] = b.limiter.Tracked()
	}
	if b.store != nil {
		count, err := b.store.CountSyncRequests(ctx, store.SyncRequestQuery{})
		if err != nil {
			details["recorded_requests_error"] = err.Error()
		} else {
			details["recorded_requests"] = count
		}
	}
	return details
}

func decodePayload(w http.ResponseWriter, r *http.Request) (core.Payload, error) {
	var payload core.Payload
	if r.Body == nil {
		return payload, errors.New("request body is empty")
	}
	body := http.MaxBytesReader(w, r.Body, MaxFlagsRequestBytes)
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return payload, err
	}
	return payload, nil
}

// record stores the request. Store failures never fail the sync itself.
func (b *FlagsBackend) record(ctx context.Context, requestID string, payload core.Payload, status int) {
	if b.store == nil {
		return
	}
	_, err := b.store.RecordSyncRequest(ctx, store.SyncRequest{
		RequestID:  requestID,
		Payload:    payload,
		StatusCode: status,
		ReceivedAt: b.clock.Now(),
	})
	if err != nil {
		b.logger.Warn("Failed to record sync request",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

// SyncRequestResponse is one recorded request in GET /requests.
type SyncRequestResponse struct {
	ID         int64        `json:"id"`
	RequestID  string       `json:"request_id,omitempty"`
	StatusCode int          `json:"status_code"`
	ReceivedAt time.Time    `json:"received_at"`
	Payload    core.Payload `json:"payload"`
}

// SyncRequestsResponse is the body of GET /requests.
type SyncRequestsResponse struct {
	Requests []SyncRequestResponse `json:"requests"`
}

// ListRequestsHandler handles GET /requests?token=&distinct_id=&limit=.
func (b *FlagsBackend) ListRequestsHandler(w http.ResponseWriter, r *http.Request) {
	if b.store == nil {
		apperrors.RespondWithError(w, r, apperrors.NewServiceUnavailableError("request store is not configured"))
		return
	}

	query := store.SyncRequestQuery{
		Token:      r.URL.Query().Get("token"),
		DistinctID: r.URL.Query().Get("distinct_id"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			apperrors.RespondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "limit must be a non-negative integer"))
			return
		}
		query.Limit = limit
	}

	requests, err := b.store.ListSyncRequests(r.Context(), query)
	if err != nil {
		apperrors.RespondWithError(w, r, apperrors.WrapDatabaseError(r.Context(), err, "failed to list sync requests"))
		return
	}

	resp := SyncRequestsResponse{Requests: make([]SyncRequestResponse, 0, len(requests))}
	for _, req := range requests {
		resp.Requests = append(resp.Requests, SyncRequestResponse{
			ID:         req.ID,
			RequestID:  req.RequestID,
			StatusCode: req.StatusCode,
			ReceivedAt: req.ReceivedAt,
			Payload:    req.Payload,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ResetRequestsHandler handles DELETE /requests?token=.
func (b *FlagsBackend) ResetRequestsHandler(w http.ResponseWriter, r *http.Request) {
	if b.store == nil {
		apperrors.RespondWithError(w, r, apperrors.NewServiceUnavailableError("request store is not configured"))
		return
	}

	deleted, err := b.store.ResetSyncRequests(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		apperrors.RespondWithError(w, r, apperrors.WrapDatabaseError(r.Context(), err, "failed to reset sync requests"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
