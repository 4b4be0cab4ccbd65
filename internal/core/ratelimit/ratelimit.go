// Package ratelimit implements a keyed token-bucket limiter with a scheduled
// refill. Each key owns a bucket of at most BucketSize tokens; a bucket is
// only tracked while it is below full, so memory stays proportional to the
// number of keys currently being throttled.
package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/flagwire/flagwire/internal/core"
	"github.com/flagwire/flagwire/internal/core/scheduler"
)

// Limits applied to construction options.
const (
	MaxBucketSize     = 100
	MaxRefillInterval = 24 * time.Hour
)

// Observer is notified when a bucket transitions into the exhausted state.
type Observer interface {
	OnBucketRateLimited(key string)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(key string)

// OnBucketRateLimited calls f(key).
func (f ObserverFunc) OnBucketRateLimited(key string) {
	f(key)
}

// Options configures a Limiter. Out-of-range values are clamped, never
// rejected.
type Options struct {
	// BucketSize is the number of tokens in a full bucket, clamped to [0, 100].
	BucketSize int
	// RefillRate is the number of tokens added per tick, clamped to [0, BucketSize].
	RefillRate int
	// RefillInterval is the tick period, clamped to [0, 24h]. Zero disables
	// the periodic refill; Refill can still be called directly.
	RefillInterval time.Duration
	// Observer is optional.
	Observer Observer

	// Name labels diagnostics for this limiter.
	Name   string
	Clock  clockwork.Clock
	Logger core.Logger
}

// Limiter is a keyed token-bucket rate limiter.
type Limiter struct {
	name           string
	bucketSize     int
	refillRate     int
	refillInterval time.Duration
	observer       Observer
	logger         core.Logger

	// buckets is protected by mu; a missing key means a full bucket
	mu      sync.Mutex
	buckets map[string]int

	refill    *scheduler.Task
	closeOnce sync.Once
}

// New builds a Limiter and starts its refill task. Call Close to stop it.
func New(opts Options) *Limiter {
	logger := core.LoggerOrNop(opts.Logger)
	name := opts.Name
	if name == "" {
		name = "rate limiter"
	}

	bucketSize := clampInt(logger, name+" bucket size", opts.BucketSize, 0, MaxBucketSize)
	l := &Limiter{
		name:           name,
		bucketSize:     bucketSize,
		refillRate:     clampInt(logger, name+" refill rate", opts.RefillRate, 0, bucketSize),
		refillInterval: clampDuration(logger, name+" refill interval", opts.RefillInterval, 0, MaxRefillInterval),
		observer:       opts.Observer,
		logger:         logger,
		buckets:        make(map[string]int),
	}

	if l.refillInterval > 0 {
		l.refill = scheduler.New(opts.Clock).Every(l.refillInterval, l.Refill)
	} else {
		logger.Warn("Periodic refill disabled",
			zap.String("limiter", name),
			zap.Duration("refill_interval", l.refillInterval))
	}

	return l
}

// ConsumeRateLimit takes one token from key's bucket and reports whether the
// caller should be suppressed. An exhausted bucket stays recorded at zero so
// later calls keep observing it until a refill.
func (l *Limiter) ConsumeRateLimit(key string) bool {
	l.mu.Lock()
	previous, ok := l.buckets[key]
	if !ok {
		previous = l.bucketSize
	}
	tokens := previous - 1
	if tokens < 0 {
		tokens = 0
	}
	l.buckets[key] = tokens
	l.mu.Unlock()

	limited := tokens == 0
	if limited && previous > 0 {
		l.logger.Debug("Bucket exhausted",
			zap.String("limiter", l.name),
			zap.String("key", key))
		if l.observer != nil {
			l.observer.OnBucketRateLimited(key)
		}
	}
	return limited
}

// Refill adds RefillRate tokens to every tracked bucket and forgets buckets
// that reach full.
func (l *Limiter) Refill() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, tokens := range l.buckets {
		tokens += l.refillRate
		if tokens >= l.bucketSize {
			delete(l.buckets, key)
			continue
		}
		l.buckets[key] = tokens
	}
}

// Tokens returns the tokens currently available for key.
func (l *Limiter) Tokens(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tokens, ok := l.buckets[key]; ok {
		return tokens
	}
	return l.bucketSize
}

// Tracked returns the number of keys whose bucket is below full.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// BucketSize returns the effective (clamped) bucket size.
func (l *Limiter) BucketSize() int { return l.bucketSize }

// RefillRate returns the effective (clamped) refill rate.
func (l *Limiter) RefillRate() int { return l.refillRate }

// RefillInterval returns the effective (clamped) refill interval.
func (l *Limiter) RefillInterval() time.Duration { return l.refillInterval }

// Close stops the refill task. It is safe to call more than once.
func (l *Limiter) Close() {
	if l == nil {
		return
	}
	l.closeOnce.Do(func() {
		l.refill.Stop()
	})
}

func clampInt(logger core.Logger, label string, value, lower, upper int) int {
	clamped := value
	if clamped < lower {
		clamped = lower
	}
	if clamped > upper {
		clamped = upper
	}
	if clamped != value {
		logger.Warn(label+" out of range, clamping",
			zap.Int("value", value),
			zap.Int("min", lower),
			zap.Int("max", upper),
			zap.Int("clamped", clamped))
	}
	return clamped
}

func clampDuration(logger core.Logger, label string, value, lower, upper time.Duration) time.Duration {
	clamped := value
	if clamped < lower {
		clamped = lower
	}
	if clamped > upper {
		clamped = upper
	}
	if clamped != value {
		logger.Warn(label+" out of range, clamping",
			zap.Duration("value", value),
			zap.Duration("min", lower),
			zap.Duration("max", upper),
			zap.Duration("clamped", clamped))
	}
	return clamped
}
