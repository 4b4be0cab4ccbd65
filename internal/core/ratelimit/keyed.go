package ratelimit

import "fmt"

// Key is the set of key types a Keyed limiter accepts. Keys are coerced to
// their string form for storage, so "7" and 7 share a bucket.
type Key interface {
	~string | ~int | ~int32 | ~int64 | ~uint | ~uint32 | ~uint64
}

// Keyed wraps a Limiter with a typed key.
type Keyed[K Key] struct {
	*Limiter
}

// NewKeyed builds a Limiter keyed by K.
func NewKeyed[K Key](opts Options) Keyed[K] {
	return Keyed[K]{Limiter: New(opts)}
}

// Consume takes one token for key; see Limiter.ConsumeRateLimit.
func (k Keyed[K]) Consume(key K) bool {
	return k.Limiter.ConsumeRateLimit(fmt.Sprint(key))
}
