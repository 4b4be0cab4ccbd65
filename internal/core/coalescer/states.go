package coalescer

import "github.com/flagwire/flagwire/internal/core"

// state is the coalescer's tri-state machine. Only the types below implement
// it, so a pending snapshot can exist only while a call is in flight.
type state interface {
	isState()
	String() string
}

type idle struct{}

type inFlight struct{}

// inFlightWithPending holds the single snapshot to send once the current call
// completes. A newer trigger overwrites it.
type inFlightWithPending struct {
	snapshot core.Snapshot
}

func (idle) isState()                {}
func (inFlight) isState()            {}
func (inFlightWithPending) isState() {}

func (idle) String() string                { return "idle" }
func (inFlight) String() string            { return "in_flight" }
func (inFlightWithPending) String() string { return "in_flight_with_pending" }
