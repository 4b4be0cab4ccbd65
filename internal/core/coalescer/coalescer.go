// Package coalescer serializes flag sync requests. At most one Transport call
// is outstanding; triggers that arrive while a call is in flight collapse into
// a single follow-up carrying the most recent snapshot.
package coalescer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/flagwire/flagwire/internal/core"
	"github.com/flagwire/flagwire/internal/core/scheduler"
)

// Transport performs one sync call. The coalescer never retries; a returned
// error is logged and the state machine moves on.
type Transport func(ctx context.Context, snapshot core.Snapshot) error

// Hooks are optional observation points, called outside the coalescer lock.
type Hooks struct {
	// OnCoalesced runs when a trigger is stashed as the pending snapshot.
	// replaced reports whether an older pending snapshot was discarded.
	OnCoalesced func(replaced bool)
	// OnComplete runs after every Transport call.
	OnComplete func(snapshot core.Snapshot, err error, elapsed time.Duration)
}

// Options configures a Coalescer.
type Options struct {
	Transport Transport
	// Debounce delays the first call after an idle period. Triggers during
	// the delay are folded into the follow-up call.
	Debounce time.Duration
	Hooks    Hooks
	Clock    clockwork.Clock
	Logger   core.Logger
}

// Coalescer owns the sync state machine for one client session.
type Coalescer struct {
	transport Transport
	debounce  time.Duration
	hooks     Hooks
	sched     *scheduler.Scheduler
	logger    core.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	state  state
	idleCh chan struct{}
	closed bool
}

// New builds a Coalescer. It returns an error when no Transport is set.
func New(opts Options) (*Coalescer, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("coalescer: transport is required")
	}
	if opts.Debounce < 0 {
		opts.Debounce = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	idleCh := make(chan struct{})
	close(idleCh)

	return &Coalescer{
		transport: opts.Transport,
		debounce:  opts.Debounce,
		hooks:     opts.Hooks,
		sched:     scheduler.New(opts.Clock),
		logger:    core.LoggerOrNop(opts.Logger),
		ctx:       ctx,
		cancel:    cancel,
		state:     idle{},
		idleCh:    idleCh,
	}, nil
}

// Trigger requests a sync of snapshot and returns immediately.
func (c *Coalescer) Trigger(snapshot core.Snapshot) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Debug("Sync trigger ignored after close",
			zap.String("distinct_id", snapshot.DistinctID))
		return
	}

	switch current := c.state.(type) {
	case idle:
		c.state = inFlight{}
		c.idleCh = make(chan struct{})
		c.mu.Unlock()
		c.dispatch(snapshot)
		return
	case inFlight, inFlightWithPending:
		_, replaced := current.(inFlightWithPending)
		c.state = inFlightWithPending{snapshot: snapshot}
		c.mu.Unlock()

		c.logger.Debug("Sync request coalesced",
			zap.String("distinct_id", snapshot.DistinctID),
			zap.String("from_state", current.String()),
			zap.Bool("replaced_pending", replaced))
		if c.hooks.OnCoalesced != nil {
			c.hooks.OnCoalesced(replaced)
		}
	}
}

// Flush blocks until no call is in flight or pending, or ctx is done.
func (c *Coalescer) Flush(ctx context.Context) error {
	c.mu.Lock()
	done := c.idleCh
	c.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting triggers and cancels the context handed to the
// Transport. A pending snapshot, or a first call still waiting out the
// debounce, is dropped without reaching the Transport. Call Flush first to
// let outstanding syncs finish.
func (c *Coalescer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.cancel()
}

func (c *Coalescer) dispatch(snapshot core.Snapshot) {
	if c.debounce > 0 {
		c.sched.After(c.debounce, func() { c.run(snapshot) })
		return
	}
	go c.run(snapshot)
}

// run sends snapshot and then any pending snapshots until the machine
// returns to idle. Calls are strictly sequential.
func (c *Coalescer) run(snapshot core.Snapshot) {
	for {
		if c.isClosed() {
			c.logger.Debug("Sync dropped after close",
				zap.String("distinct_id", snapshot.DistinctID))
		} else {
			c.send(snapshot)
		}

		next, ok := c.complete()
		if !ok {
			return
		}
		snapshot = next
	}
}

func (c *Coalescer) send(snapshot core.Snapshot) {
	started := c.sched.Clock().Now()
	err := c.call(snapshot)
	elapsed := c.sched.Clock().Since(started)

	if err != nil {
		c.logger.Warn("Flag sync failed",
			zap.String("distinct_id", snapshot.DistinctID),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
	} else {
		c.logger.Debug("Flag sync completed",
			zap.String("distinct_id", snapshot.DistinctID),
			zap.Duration("elapsed", elapsed))
	}
	if c.hooks.OnComplete != nil {
		c.hooks.OnComplete(snapshot, err, elapsed)
	}
}

// call invokes the Transport, turning a panic into an error so the state
// machine always completes.
func (c *Coalescer) call(snapshot core.Snapshot) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport panic: %v", r)
		}
	}()
	return c.transport(c.ctx, snapshot)
}

func (c *Coalescer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// complete applies the completion transition and returns the pending
// snapshot to send next, if any. After Close the pending snapshot is
// discarded and the machine goes idle.
func (c *Coalescer) complete() (core.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pending, ok := c.state.(inFlightWithPending); ok {
		if !c.closed {
			c.state = inFlight{}
			return pending.snapshot, true
		}
		c.logger.Debug("Pending sync dropped after close",
			zap.String("distinct_id", pending.snapshot.DistinctID))
	}
	c.state = idle{}
	close(c.idleCh)
	return core.Snapshot{}, false
}
