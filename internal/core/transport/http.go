// Package transport sends flag sync snapshots to the backend over HTTP.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/flagwire/flagwire/internal/core"
)

// FlagsPath is the sync endpoint, relative to the API host.
const FlagsPath = "/flags/"

// FlagsVersion is the response format requested from the backend.
const FlagsVersion = "2"

const maxResponseBytes = 1 << 20

// FlagsHandler receives the flags from every successful sync.
type FlagsHandler func(snapshot core.Snapshot, resp core.FlagsResponse)

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("flags endpoint returned %d", e.StatusCode)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// HTTP posts snapshots to {BaseURL}/flags/?v=2.
type HTTP struct {
	BaseURL     string
	Client      *http.Client
	ToolVersion string
	// Limiter paces outgoing requests. Nil sends without pacing.
	Limiter *rate.Limiter
	OnFlags FlagsHandler
	Logger  core.Logger
}

// NewLimiter returns a pacing limiter for requestsPerSecond, or nil when it
// is not positive.
func NewLimiter(requestsPerSecond float64) *rate.Limiter {
	if requestsPerSecond <= 0 {
		return nil
	}
	burst := int(requestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

// Send performs one sync call. It has the signature of coalescer.Transport.
func (t *HTTP) Send(ctx context.Context, snapshot core.Snapshot) error {
	if t == nil || strings.TrimSpace(t.BaseURL) == "" {
		return errors.New("flags transport is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	logger := core.LoggerOrNop(t.Logger)

	if t.Limiter != nil {
		if err := t.Limiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for send slot: %w", err)
		}
	}

	endpoint, err := t.endpoint()
	if err != nil {
		return err
	}

	body, err := json.Marshal(snapshot.Payload())
	if err != nil {
		return fmt.Errorf("encoding sync payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if t.ToolVersion != "" {
		req.Header.Set("User-Agent", "flagwire/"+t.ToolVersion)
	}

	client := t.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("posting flags request: %w", err)
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup on HTTP response body

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading flags response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfterHeader(resp),
			Body:       strings.TrimSpace(string(raw)),
		}
	}

	flags, err := decodeFlags(raw)
	if err != nil {
		return err
	}

	logger.Debug("Flags received",
		zap.String("request_id", requestID),
		zap.String("distinct_id", snapshot.DistinctID),
		zap.Int("flag_count", len(flags.FeatureFlags)))

	if t.OnFlags != nil {
		t.OnFlags(snapshot, flags)
	}
	return nil
}

func (t *HTTP) endpoint() (string, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(t.BaseURL), "/"))
	if err != nil {
		return "", fmt.Errorf("invalid api host: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("invalid api host %q", t.BaseURL)
	}
	base.Path += FlagsPath
	base.RawQuery = url.Values{"v": {FlagsVersion}}.Encode()
	return base.String(), nil
}

// decodeFlags reads both response formats. v2 responses carry a "flags"
// object keyed by flag name; older responses only carry "featureFlags".
func decodeFlags(raw []byte) (core.FlagsResponse, error) {
	var resp core.FlagsResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &resp); err != nil {
			return core.FlagsResponse{}, fmt.Errorf("decoding flags response: %w", err)
		}
	}

	if resp.FeatureFlags == nil {
		resp.FeatureFlags = make(map[string]any, len(resp.Flags))
	}
	for key, flag := range resp.Flags {
		if _, ok := resp.FeatureFlags[key]; !ok {
			resp.FeatureFlags[key] = flag.Value()
		}
		if flag.Metadata.Payload == nil {
			continue
		}
		if resp.FeatureFlagPayloads == nil {
			resp.FeatureFlagPayloads = make(map[string]any)
		}
		if _, ok := resp.FeatureFlagPayloads[key]; !ok {
			resp.FeatureFlagPayloads[key] = flag.Metadata.Payload
		}
	}
	return resp, nil
}

func retryAfterHeader(resp *http.Response) time.Duration {
	if resp == nil || resp.Header == nil {
		return 0
	}
	retry := resp.Header.Get("Retry-After")
	if retry == "" {
		return 0
	}
	if seconds, err := time.ParseDuration(retry + "s"); err == nil {
		return seconds
	}
	if parsed, err := http.ParseTime(retry); err == nil {
		return time.Until(parsed)
	}
	return 0
}
