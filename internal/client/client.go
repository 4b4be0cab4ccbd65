// Package client is the flag sync session used by applications and the
// `flagwire sync` command. It ties the identity provider, the request
// coalescer, the HTTP transport and the two keyed rate limiters together.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/flagwire/flagwire/internal/config"
	"github.com/flagwire/flagwire/internal/core"
	"github.com/flagwire/flagwire/internal/core/coalescer"
	"github.com/flagwire/flagwire/internal/core/identity"
	"github.com/flagwire/flagwire/internal/core/ratelimit"
	"github.com/flagwire/flagwire/internal/core/transport"
	"github.com/flagwire/flagwire/internal/metrics"
)

var (
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("client already started")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("client is closed")
)

// Exception is a captured error handed to an ExceptionSink.
type Exception struct {
	Kind       string
	Message    string
	DistinctID string
	Timestamp  time.Time
}

// ExceptionSink receives the exceptions that pass the exception limiter.
type ExceptionSink func(ctx context.Context, exc Exception)

// SyncResult describes one completed sync call.
type SyncResult struct {
	Snapshot core.Snapshot
	Err      error
	Elapsed  time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithTransport replaces the HTTP transport. Flags are only delivered by the
// HTTP transport, so a replacement leaves FeatureFlag empty.
func WithTransport(t coalescer.Transport) Option {
	return func(c *Client) { c.transport = t }
}

// WithHTTPClient sets the client used by the HTTP transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithClock sets the clock used for debounce, refills and timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithLogger sets the logger for the client and its components.
func WithLogger(logger core.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithLoaded registers a hook run by Start before the first sync. Calls the
// hook makes on the client update identity without syncing; their combined
// effect rides on the startup request.
func WithLoaded(hook func(*Client)) Option {
	return func(c *Client) { c.loaded = hook }
}

// WithExceptionSink sets where captured exceptions go. The default logs them.
func WithExceptionSink(sink ExceptionSink) Option {
	return func(c *Client) { c.exceptionSink = sink }
}

// WithIDGenerator sets the anonymous id generator.
func WithIDGenerator(newID func() string) Option {
	return func(c *Client) { c.newID = newID }
}

// WithVersion sets the version reported in the User-Agent header.
func WithVersion(version string) Option {
	return func(c *Client) { c.version = version }
}

// WithOnSync registers a callback run after every sync call.
func WithOnSync(fn func(SyncResult)) Option {
	return func(c *Client) { c.onSync = fn }
}

// Client is one flag sync session. It is safe for concurrent use.
type Client struct {
	cfg config.ClientConfig

	transport     coalescer.Transport
	httpClient    *http.Client
	clock         clockwork.Clock
	logger        core.Logger
	loaded        func(*Client)
	exceptionSink ExceptionSink
	newID         func() string
	version       string
	onSync        func(SyncResult)

	provider         *identity.Provider
	coalescer        *coalescer.Coalescer
	missLimiter      *ratelimit.Limiter
	exceptionLimiter *ratelimit.Limiter

	// ready gates syncing: false before Start and while the loaded hook runs
	ready   atomic.Bool
	started atomic.Bool
	closed  atomic.Bool
	syncs   atomic.Int64

	flagsMu     sync.RWMutex
	flags       map[string]any
	payloads    map[string]any
	flagsLoaded bool

	errMu       sync.Mutex
	lastSyncErr error
}

// New builds a Client from cfg. Nothing is sent until Start.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("client config is required")
	}

	c := &Client{cfg: cfg.Client}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = core.LoggerOrNop(c.logger)
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.exceptionSink == nil {
		c.exceptionSink = c.logException
	}

	if c.transport == nil {
		if err := cfg.Client.Validate(); err != nil {
			return nil, err
		}
		c.transport = c.newHTTPTransport().Send
	} else if cfg.Client.ProjectToken == "" {
		return nil, errors.New("client.project_token is required")
	}

	c.provider = identity.New(identity.Options{
		ProjectToken:        cfg.Client.ProjectToken,
		BootstrapDistinctID: cfg.Client.BootstrapDistinctID,
		InitialProperties:   core.Properties(cfg.Client.InitialProperties),
		NewID:               c.newID,
		Logger:              c.logger,
	})

	co, err := coalescer.New(coalescer.Options{
		Transport: c.transport,
		Debounce:  cfg.Client.Debounce,
		Clock:     c.clock,
		Logger:    c.logger,
		Hooks: coalescer.Hooks{
			OnCoalesced: metrics.RecordCoalesced,
			OnComplete:  c.syncCompleted,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("building coalescer: %w", err)
	}
	c.coalescer = co

	c.missLimiter = ratelimit.New(ratelimit.Options{
		Name:           "flag miss limiter",
		BucketSize:     cfg.RateLimit.BucketSize,
		RefillRate:     cfg.RateLimit.RefillRate,
		RefillInterval: cfg.RateLimit.RefillInterval,
		Clock:          c.clock,
		Logger:         c.logger,
		Observer: ratelimit.ObserverFunc(func(key string) {
			metrics.RecordRateLimited("flag_miss")
			c.logger.Warn("Suppressing further missing flag warnings",
				zap.String("flag", key))
		}),
	})
	c.exceptionLimiter = ratelimit.New(ratelimit.Options{
		Name:           "exception limiter",
		BucketSize:     cfg.ExceptionRateLimit.BucketSize,
		RefillRate:     cfg.ExceptionRateLimit.RefillRate,
		RefillInterval: cfg.ExceptionRateLimit.RefillInterval,
		Clock:          c.clock,
		Logger:         c.logger,
		Observer: ratelimit.ObserverFunc(func(kind string) {
			metrics.RecordRateLimited("exception")
			c.logger.Warn("Exception capture rate limited",
				zap.String("kind", kind))
		}),
	})

	return c, nil
}

func (c *Client) newHTTPTransport() *transport.HTTP {
	hc := c.httpClient
	if hc == nil {
		hc = &http.Client{Timeout: c.cfg.RequestTimeout}
	}
	return &transport.HTTP{
		BaseURL:     c.cfg.APIHost,
		Client:      hc,
		ToolVersion: c.version,
		Limiter:     transport.NewLimiter(c.cfg.MaxRequestsPerSecond),
		OnFlags:     c.storeFlags,
		Logger:      c.logger,
	}
}

// Start runs the loaded hook and sends the startup request. When the hook
// changed the distinct id, the startup request carries the pre-hook id as
// $anon_distinct_id.
func (c *Client) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	before := c.provider.DistinctID()
	if c.loaded != nil {
		c.loaded(c)
	}
	c.ready.Store(true)

	c.logger.Debug("Client started",
		zap.String("distinct_id", c.provider.DistinctID()))
	c.coalescer.Trigger(c.provider.SnapshotFrom(before))
	return nil
}

// DistinctID returns the current distinct id.
func (c *Client) DistinctID() string {
	return c.provider.DistinctID()
}

// Identify switches the session to id and merges props into the person
// properties, syncing when either changed anything.
func (c *Client) Identify(id string, props core.Properties) error {
	snapshot, changed, err := c.provider.Identify(id, props)
	if err != nil {
		return err
	}
	if changed {
		c.trigger(snapshot)
	}
	return nil
}

// Group associates the session with key for groupType.
func (c *Client) Group(groupType, key string, props core.Properties) error {
	snapshot, changed, err := c.provider.Group(groupType, key, props)
	if err != nil {
		return err
	}
	if changed {
		c.trigger(snapshot)
	}
	return nil
}

// SetPersonPropertiesForFlags merges props into the person properties used
// for flag evaluation.
func (c *Client) SetPersonPropertiesForFlags(props core.Properties) {
	if snapshot, changed := c.provider.SetPersonProperties(props); changed {
		c.trigger(snapshot)
	}
}

// Reset starts a new anonymous session, drops the cached flags and syncs.
func (c *Client) Reset() {
	c.provider.Reset()

	c.flagsMu.Lock()
	c.flags, c.payloads, c.flagsLoaded = nil, nil, false
	c.flagsMu.Unlock()

	c.trigger(c.provider.Snapshot())
}

// ReloadFeatureFlags syncs the current state.
func (c *Client) ReloadFeatureFlags() {
	c.trigger(c.provider.Snapshot())
}

func (c *Client) trigger(snapshot core.Snapshot) {
	if !c.ready.Load() {
		c.logger.Debug("Sync deferred until start",
			zap.String("distinct_id", snapshot.DistinctID))
		return
	}
	c.coalescer.Trigger(snapshot)
}

func (c *Client) syncCompleted(snapshot core.Snapshot, err error, elapsed time.Duration) {
	c.syncs.Inc()
	metrics.RecordSync(metrics.SyncOutcome(err), elapsed)

	c.errMu.Lock()
	c.lastSyncErr = err
	c.errMu.Unlock()

	if c.onSync != nil {
		c.onSync(SyncResult{Snapshot: snapshot, Err: err, Elapsed: elapsed})
	}
}

// SyncCount returns the number of completed sync calls.
func (c *Client) SyncCount() int64 {
	return c.syncs.Load()
}

// LastSyncError returns the error of the most recent sync call, if any.
func (c *Client) LastSyncError() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastSyncErr
}

// Flush waits until no sync is in flight or pending.
func (c *Client) Flush(ctx context.Context) error {
	return c.coalescer.Flush(ctx)
}

// Close stops syncing and the limiter refills. An in-flight sync sees its
// context cancelled and a pending follow-up is dropped unsent; call Flush
// first to wait for them.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.coalescer.Close()
	c.missLimiter.Close()
	c.exceptionLimiter.Close()
}
