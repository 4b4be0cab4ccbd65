package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/flagwire/flagwire/internal/config"
	"github.com/flagwire/flagwire/internal/core"
	"github.com/flagwire/flagwire/internal/core/identity"
)

const testTimeout = 5 * time.Second

type recordingTransport struct {
	mu        sync.Mutex
	snapshots []core.Snapshot
	err       error
}

func (r *recordingTransport) Send(_ context.Context, snapshot core.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, snapshot)
	return r.err
}

func (r *recordingTransport) Snapshots() []core.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.Snapshot(nil), r.snapshots...)
}

// heldTransport records snapshots and blocks each call until released.
type heldTransport struct {
	recordingTransport
	started chan struct{}
	release chan struct{}
}

func newHeldTransport() *heldTransport {
	return &heldTransport{started: make(chan struct{}, 4), release: make(chan struct{})}
}

func (h *heldTransport) Send(ctx context.Context, snapshot core.Snapshot) error {
	_ = h.recordingTransport.Send(ctx, snapshot)
	h.started <- struct{}{}
	select {
	case <-h.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *heldTransport) awaitCall(t *testing.T) {
	t.Helper()
	select {
	case <-h.started:
	case <-time.After(testTimeout):
		t.Fatal("transport was not called")
	}
}

func (h *heldTransport) releaseCall(t *testing.T) {
	t.Helper()
	select {
	case h.release <- struct{}{}:
	case <-time.After(testTimeout):
		t.Fatal("no transport call waiting for release")
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Client: config.ClientConfig{
			APIHost:           "http://localhost:8080",
			ProjectToken:      "phc_test",
			InitialProperties: map[string]any{"$initial_referrer": "$direct"},
		},
		RateLimit:          config.RateLimitConfig{BucketSize: 3, RefillRate: 1, RefillInterval: time.Minute},
		ExceptionRateLimit: config.RateLimitConfig{BucketSize: 2, RefillRate: 1, RefillInterval: time.Minute},
	}
}

func sequentialIDs(ids ...string) func() string {
	var mu sync.Mutex
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		id := ids[0]
		if len(ids) > 1 {
			ids = ids[1:]
		}
		return id
	}
}

func newTestClient(t *testing.T, cfg *config.Config, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithClock(clockwork.NewFakeClock())}, opts...)
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func flush(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, c.Flush(ctx))
}

func TestIdentifyAfterStartupAttachesAnonymousID(t *testing.T) {
	rec := &recordingTransport{}
	c := newTestClient(t, testConfig(), WithTransport(rec.Send), WithIDGenerator(sequentialIDs("anon-a")))

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Identify("user-b", core.Properties{"email": "e"}))
	flush(t, c)

	snapshots := rec.Snapshots()
	require.Len(t, snapshots, 2)

	startup := snapshots[0]
	assert.Equal(t, "anon-a", startup.DistinctID)
	_, hasAnon := startup.Anon()
	assert.False(t, hasAnon)
	assert.Empty(t, startup.PersonProperties)
	assert.Empty(t, startup.Groups)

	follow := snapshots[1]
	assert.Equal(t, "user-b", follow.DistinctID)
	anon, ok := follow.Anon()
	require.True(t, ok)
	assert.Equal(t, "anon-a", anon)
	assert.Equal(t, core.Properties{"email": "e", "$initial_referrer": "$direct"}, follow.PersonProperties)

	assert.EqualValues(t, 2, c.SyncCount())
}

func TestIdentifyDuringStartupSyncIsSentAfterIt(t *testing.T) {
	held := newHeldTransport()
	c := newTestClient(t, testConfig(), WithTransport(held.Send), WithIDGenerator(sequentialIDs("anon-a")))

	require.NoError(t, c.Start(context.Background()))
	held.awaitCall(t)

	require.NoError(t, c.Identify("user-b", core.Properties{"email": "e"}))
	require.Len(t, held.Snapshots(), 1, "the follow-up waits for the startup call")

	held.releaseCall(t)
	held.awaitCall(t)
	held.releaseCall(t)
	flush(t, c)

	snapshots := held.Snapshots()
	require.Len(t, snapshots, 2)
	assert.Equal(t, "anon-a", snapshots[0].DistinctID)

	follow := snapshots[1]
	assert.Equal(t, "user-b", follow.DistinctID)
	anon, ok := follow.Anon()
	require.True(t, ok)
	assert.Equal(t, "anon-a", anon)
	assert.Equal(t, core.Properties{"email": "e", "$initial_referrer": "$direct"}, follow.PersonProperties)
	assert.EqualValues(t, 2, c.SyncCount())
}

func TestLoadedHookFoldsIntoStartupRequest(t *testing.T) {
	cfg := testConfig()
	cfg.Client.BootstrapDistinctID = "anon-id"
	rec := &recordingTransport{}

	c := newTestClient(t, cfg, WithTransport(rec.Send), WithLoaded(func(c *Client) {
		require.NoError(t, c.Identify("user-1", nil))
		require.NoError(t, c.Group("company", "acme", core.Properties{"plan": "pro"}))
	}))

	require.NoError(t, c.Start(context.Background()))
	flush(t, c)

	snapshots := rec.Snapshots()
	require.Len(t, snapshots, 1)
	got := snapshots[0]
	assert.Equal(t, "user-1", got.DistinctID)
	anon, ok := got.Anon()
	require.True(t, ok)
	assert.Equal(t, "anon-id", anon)
	assert.Equal(t, map[string]string{"company": "acme"}, got.Groups)
	assert.Equal(t, core.Properties{"plan": "pro"}, got.GroupProperties["company"])
}

func TestCallsBeforeStartDoNotSync(t *testing.T) {
	rec := &recordingTransport{}
	c := newTestClient(t, testConfig(), WithTransport(rec.Send))

	c.SetPersonPropertiesForFlags(core.Properties{"plan": "free"})
	c.ReloadFeatureFlags()
	assert.Empty(t, rec.Snapshots())

	require.NoError(t, c.Start(context.Background()))
	require.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)
	flush(t, c)

	snapshots := rec.Snapshots()
	require.Len(t, snapshots, 1)
	assert.Equal(t, "free", snapshots[0].PersonProperties["plan"])
}

func TestUnchangedCallsDoNotSync(t *testing.T) {
	rec := &recordingTransport{}
	c := newTestClient(t, testConfig(), WithTransport(rec.Send), WithIDGenerator(sequentialIDs("anon-a")))
	require.NoError(t, c.Start(context.Background()))
	flush(t, c)

	require.NoError(t, c.Identify("anon-a", nil))
	require.NoError(t, c.Group("company", "acme", nil))
	flush(t, c)
	require.NoError(t, c.Group("company", "acme", nil))
	c.SetPersonPropertiesForFlags(nil)
	flush(t, c)

	assert.Len(t, rec.Snapshots(), 2)
	require.ErrorIs(t, c.Identify("", nil), identity.ErrEmptyDistinctID)
	require.ErrorIs(t, c.Group("company", "", nil), identity.ErrEmptyGroup)
}

func TestResetStartsAnonymousSession(t *testing.T) {
	rec := &recordingTransport{}
	c := newTestClient(t, testConfig(), WithTransport(rec.Send), WithIDGenerator(sequentialIDs("anon-a", "anon-c")))
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Identify("user-b", core.Properties{"email": "e"}))
	flush(t, c)

	c.Reset()
	flush(t, c)

	snapshots := rec.Snapshots()
	last := snapshots[len(snapshots)-1]
	assert.Equal(t, "anon-c", last.DistinctID)
	_, hasAnon := last.Anon()
	assert.False(t, hasAnon)
	assert.Empty(t, last.PersonProperties)
	assert.False(t, c.FlagsLoaded())
}

func TestSyncFailureIsReported(t *testing.T) {
	rec := &recordingTransport{err: errors.New("backend down")}
	var results []SyncResult
	var mu sync.Mutex
	c := newTestClient(t, testConfig(), WithTransport(rec.Send), WithOnSync(func(r SyncResult) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, r)
	}))

	require.NoError(t, c.Start(context.Background()))
	flush(t, c)

	require.EqualError(t, c.LastSyncError(), "backend down")
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)

	cfg := testConfig()
	cfg.Client.APIHost = "not-a-url"
	_, err = New(cfg)
	require.Error(t, err)

	cfg = testConfig()
	cfg.Client.ProjectToken = ""
	_, err = New(cfg, WithTransport((&recordingTransport{}).Send))
	require.ErrorContains(t, err, "project_token")
}

func TestStartAfterClose(t *testing.T) {
	c := newTestClient(t, testConfig(), WithTransport((&recordingTransport{}).Send))
	c.Close()
	c.Close()
	require.ErrorIs(t, c.Start(context.Background()), ErrClosed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c2 := newTestClient(t, testConfig(), WithTransport((&recordingTransport{}).Send))
	require.ErrorIs(t, c2.Start(ctx), context.Canceled)
}

func flagsServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"flags":{
			"beta":{"key":"beta","enabled":true,"metadata":{"payload":{"limit":3}}},
			"search":{"key":"search","enabled":false,"metadata":{}},
			"theme":{"key":"theme","enabled":true,"variant":"dark","metadata":{}}
		}}`))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestFeatureFlagsFromBackend(t *testing.T) {
	server := flagsServer(t)
	cfg := testConfig()
	cfg.Client.APIHost = server.URL

	obsCore, logs := observer.New(zapcore.WarnLevel)
	c := newTestClient(t, cfg, WithHTTPClient(server.Client()), WithLogger(zap.New(obsCore)))

	_, ok := c.FeatureFlag("beta")
	assert.False(t, ok, "flags are not loaded before start")
	assert.Equal(t, 0, logs.Len())

	require.NoError(t, c.Start(context.Background()))
	flush(t, c)
	require.True(t, c.FlagsLoaded())

	assert.True(t, c.IsFeatureEnabled("beta"))
	assert.False(t, c.IsFeatureEnabled("search"))
	assert.True(t, c.IsFeatureEnabled("theme"))
	value, ok := c.FeatureFlag("theme")
	require.True(t, ok)
	assert.Equal(t, "dark", value)

	payload, ok := c.FeatureFlagPayload("beta")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"limit": float64(3)}, payload)
	assert.Len(t, c.Flags(), 3)

	// bucket of 3: two warnings, then the third lookup drains it
	for i := 0; i < 5; i++ {
		assert.False(t, c.IsFeatureEnabled("missing"))
	}
	assert.Equal(t, 2, logs.FilterMessage("Feature flag not found").Len())
	assert.Equal(t, 1, logs.FilterMessage("Suppressing further missing flag warnings").Len())

	// other keys have their own bucket
	assert.False(t, c.IsFeatureEnabled("also-missing"))
	assert.Equal(t, 3, logs.FilterMessage("Feature flag not found").Len())

	c.missLimiter.Refill()
	assert.False(t, c.IsFeatureEnabled("missing"))
	assert.Equal(t, 3, logs.FilterMessage("Feature flag not found").Len(), "one token back is consumed to zero")
}

func TestFlagsForPreviousDistinctIDAreIgnored(t *testing.T) {
	c := newTestClient(t, testConfig(), WithTransport((&recordingTransport{}).Send), WithIDGenerator(sequentialIDs("anon-a")))
	require.NoError(t, c.Identify("user-b", nil))

	stale := core.NewSnapshot(core.SnapshotInput{ProjectToken: "phc_test", DistinctID: "anon-a"})
	c.storeFlags(stale, core.FlagsResponse{FeatureFlags: map[string]any{"beta": true}})
	assert.False(t, c.FlagsLoaded())

	current := core.NewSnapshot(core.SnapshotInput{ProjectToken: "phc_test", DistinctID: "user-b"})
	c.storeFlags(current, core.FlagsResponse{FeatureFlags: map[string]any{"beta": true}})
	assert.True(t, c.IsFeatureEnabled("beta"))
}

func TestCaptureExceptionIsRateLimitedPerKind(t *testing.T) {
	var (
		mu       sync.Mutex
		captured []Exception
	)
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	c := newTestClient(t, testConfig(),
		WithTransport((&recordingTransport{}).Send),
		WithClock(clock),
		WithIDGenerator(sequentialIDs("anon-a")),
		WithExceptionSink(func(_ context.Context, exc Exception) {
			mu.Lock()
			defer mu.Unlock()
			captured = append(captured, exc)
		}))
	ctx := context.Background()

	assert.False(t, c.CaptureException(ctx, "TypeError", nil))

	// bucket of 2: the second capture drains it
	assert.True(t, c.CaptureException(ctx, "TypeError", errors.New("x is undefined")))
	assert.False(t, c.CaptureException(ctx, "TypeError", errors.New("x is undefined")))
	assert.False(t, c.CaptureException(ctx, "TypeError", errors.New("x is undefined")))
	assert.True(t, c.CaptureException(ctx, "RangeError", errors.New("bad index")))

	c.exceptionLimiter.Refill()
	c.exceptionLimiter.Refill()
	assert.True(t, c.CaptureException(ctx, "TypeError", errors.New("x is undefined")))

	// kind defaults to the error type
	assert.True(t, c.CaptureException(ctx, "", context.DeadlineExceeded))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, captured, 4)
	assert.Equal(t, "TypeError", captured[0].Kind)
	assert.Equal(t, "x is undefined", captured[0].Message)
	assert.Equal(t, "anon-a", captured[0].DistinctID)
	assert.Equal(t, clock.Now(), captured[0].Timestamp)
	assert.Equal(t, "context.deadlineExceededError", captured[3].Kind)
}
