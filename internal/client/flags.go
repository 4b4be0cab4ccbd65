package client

import (
	"context"
	"fmt"
	"maps"

	"go.uber.org/zap"

	"github.com/flagwire/flagwire/internal/core"
	"github.com/flagwire/flagwire/internal/metrics"
)

func (c *Client) storeFlags(snapshot core.Snapshot, resp core.FlagsResponse) {
	if current := c.provider.DistinctID(); current != snapshot.DistinctID {
		c.logger.Debug("Ignoring flags for a previous distinct id",
			zap.String("distinct_id", snapshot.DistinctID),
			zap.String("current", current))
		return
	}

	c.flagsMu.Lock()
	defer c.flagsMu.Unlock()
	c.flags = maps.Clone(resp.FeatureFlags)
	c.payloads = maps.Clone(resp.FeatureFlagPayloads)
	c.flagsLoaded = true
}

// FlagsLoaded reports whether any sync has delivered flags.
func (c *Client) FlagsLoaded() bool {
	c.flagsMu.RLock()
	defer c.flagsMu.RUnlock()
	return c.flagsLoaded
}

// FeatureFlag returns the value of key: true, false or a variant string.
// A lookup of a flag the backend did not return logs a warning; repeated
// warnings for the same key are rate limited.
func (c *Client) FeatureFlag(key string) (any, bool) {
	c.flagsMu.RLock()
	value, ok := c.flags[key]
	loaded := c.flagsLoaded
	c.flagsMu.RUnlock()

	if ok {
		return value, true
	}
	if !loaded {
		c.logger.Debug("Feature flags not loaded yet", zap.String("flag", key))
		return nil, false
	}

	metrics.RecordFlagMiss()
	if !c.missLimiter.ConsumeRateLimit(key) {
		c.logger.Warn("Feature flag not found",
			zap.String("flag", key),
			zap.String("distinct_id", c.provider.DistinctID()))
	}
	return nil, false
}

// FeatureFlagPayload returns the JSON payload attached to key, if any.
func (c *Client) FeatureFlagPayload(key string) (any, bool) {
	c.flagsMu.RLock()
	defer c.flagsMu.RUnlock()
	payload, ok := c.payloads[key]
	return payload, ok
}

// IsFeatureEnabled reports whether key is on. A variant counts as on.
func (c *Client) IsFeatureEnabled(key string) bool {
	value, ok := c.FeatureFlag(key)
	if !ok {
		return false
	}
	switch v := value.(type) {
	case bool:
		return v
	case string:
		return v != ""
	default:
		return false
	}
}

// Flags returns a copy of the last delivered flags.
func (c *Client) Flags() map[string]any {
	c.flagsMu.RLock()
	defer c.flagsMu.RUnlock()
	out := make(map[string]any, len(c.flags))
	maps.Copy(out, c.flags)
	return out
}

// Payloads returns a copy of the last delivered flag payloads.
func (c *Client) Payloads() map[string]any {
	c.flagsMu.RLock()
	defer c.flagsMu.RUnlock()
	return maps.Clone(c.payloads)
}

// CaptureException forwards err to the exception sink unless exceptions of
// the same kind are being rate limited. kind defaults to the error's type.
// It reports whether the exception was forwarded.
func (c *Client) CaptureException(ctx context.Context, kind string, err error) bool {
	if err == nil {
		return false
	}
	if kind == "" {
		kind = fmt.Sprintf("%T", err)
	}

	if c.exceptionLimiter.ConsumeRateLimit(kind) {
		metrics.RecordExceptionCaptured(kind, true)
		c.logger.Debug("Skipping exception capture because of client rate limiting",
			zap.String("kind", kind))
		return false
	}

	metrics.RecordExceptionCaptured(kind, false)
	c.exceptionSink(ctx, Exception{
		Kind:       kind,
		Message:    err.Error(),
		DistinctID: c.provider.DistinctID(),
		Timestamp:  c.clock.Now(),
	})
	return true
}

func (c *Client) logException(_ context.Context, exc Exception) {
	c.logger.Error("Captured exception",
		zap.String("kind", exc.Kind),
		zap.String("message", exc.Message),
		zap.String("distinct_id", exc.DistinctID))
}
