package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/flagwire/flagwire/internal/core"
)

func TestSendPostsPayload(t *testing.T) {
	var gotPath, gotQuery, gotContentType, gotRequestID string
	var gotBody map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotContentType = r.Header.Get("Content-Type")
		gotRequestID = r.Header.Get("X-Request-ID")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"featureFlags":{"beta":true,"theme":"dark"}}`))
	}))
	defer server.Close()

	var received core.FlagsResponse
	tr := &HTTP{
		BaseURL: server.URL + "/",
		Client:  server.Client(),
		OnFlags: func(_ core.Snapshot, resp core.FlagsResponse) { received = resp },
	}

	snapshot := core.NewSnapshot(core.SnapshotInput{
		ProjectToken:     "phc_test",
		DistinctID:       "user-b",
		AnonDistinctID:   "anon-a",
		PersonProperties: core.Properties{"email": "e"},
	})
	require.NoError(t, tr.Send(context.Background(), snapshot))

	require.Equal(t, "/flags/", gotPath)
	require.Equal(t, "v=2", gotQuery)
	require.Equal(t, "application/json", gotContentType)
	_, err := uuid.Parse(gotRequestID)
	require.NoError(t, err)

	require.Equal(t, "phc_test", gotBody["token"])
	require.Equal(t, "user-b", gotBody["distinct_id"])
	require.Equal(t, "anon-a", gotBody["$anon_distinct_id"])
	require.Equal(t, map[string]any{"email": "e"}, gotBody["person_properties"])
	require.Equal(t, map[string]any{}, gotBody["groups"])
	require.NotContains(t, gotBody, "group_properties")

	require.Equal(t, true, received.FeatureFlags["beta"])
	require.Equal(t, "dark", received.FeatureFlags["theme"])
}

func TestSendDecodesV2Flags(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"flags":{
			"beta":{"key":"beta","enabled":true,"metadata":{"payload":{"limit":3}}},
			"theme":{"key":"theme","enabled":true,"variant":"dark","metadata":{}}
		}}`))
	}))
	defer server.Close()

	var received core.FlagsResponse
	tr := &HTTP{BaseURL: server.URL, Client: server.Client(), OnFlags: func(_ core.Snapshot, resp core.FlagsResponse) {
		received = resp
	}}
	require.NoError(t, tr.Send(context.Background(), core.NewSnapshot(core.SnapshotInput{ProjectToken: "t", DistinctID: "d"})))

	require.Equal(t, true, received.FeatureFlags["beta"])
	require.Equal(t, "dark", received.FeatureFlags["theme"])
	require.Equal(t, map[string]any{"limit": float64(3)}, received.FeatureFlagPayloads["beta"])
}

func TestSendReturnsStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"code":"RATE_LIMITED"}`))
	}))
	defer server.Close()

	called := false
	tr := &HTTP{BaseURL: server.URL, Client: server.Client(), OnFlags: func(core.Snapshot, core.FlagsResponse) { called = true }}
	err := tr.Send(context.Background(), core.NewSnapshot(core.SnapshotInput{ProjectToken: "t", DistinctID: "d"}))

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
	require.Equal(t, 30*time.Second, statusErr.RetryAfter)
	require.Contains(t, err.Error(), "RATE_LIMITED")
	require.False(t, called)
}

func TestSendRejectsBadResponses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer server.Close()

	tr := &HTTP{BaseURL: server.URL, Client: server.Client()}
	err := tr.Send(context.Background(), core.NewSnapshot(core.SnapshotInput{ProjectToken: "t", DistinctID: "d"}))
	require.ErrorContains(t, err, "decoding flags response")
}

func TestSendRequiresValidHost(t *testing.T) {
	snapshot := core.NewSnapshot(core.SnapshotInput{ProjectToken: "t", DistinctID: "d"})

	var nilTransport *HTTP
	require.Error(t, nilTransport.Send(context.Background(), snapshot))
	require.Error(t, (&HTTP{BaseURL: "not a url"}).Send(context.Background(), snapshot))
}

func TestSendHonoursCancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr := &HTTP{BaseURL: server.URL, Client: server.Client(), Limiter: NewLimiter(1)}
	err := tr.Send(ctx, core.NewSnapshot(core.SnapshotInput{ProjectToken: "t", DistinctID: "d"}))
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewLimiter(t *testing.T) {
	require.Nil(t, NewLimiter(0))

	l := NewLimiter(0.5)
	require.NotNil(t, l)
	require.Equal(t, 1, l.Burst())

	require.Equal(t, 5, NewLimiter(5).Burst())
}
