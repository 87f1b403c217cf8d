// Package flow implements the GCS flow controller: it watches local queue
// depth, synthesizes in-band FLOW actions when a high/low water mark is
// crossed, and tells the send/repl coordinator when to advise backoff
// (spec §4.5).
package flow

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Litres/galera/action"
)

// Signal is the payload of a FLOW action (spec §4.5).
type Signal int

const (
	// Cont tells members they may resume submissions.
	Cont Signal = iota
	// Stop tells members to suspend submissions until a matching Cont.
	Stop
)

func (s Signal) String() string {
	if s == Stop {
		return "stop"
	}
	return "cont"
}

// Controller evaluates a high/low water mark against a queue depth and
// synthesizes FLOW actions. FLOW semantics are advisory and travel
// strictly in-band as ordered actions (spec §9): Send and Repl still
// succeed while flow is stopped; only Wait reflects the outstanding stop
// count.
type Controller struct {
	high, low int
	stops     int32 // outstanding, unmatched FLOW(stop) count across the group

	transitions prometheus.Counter
}

// New returns a Controller that emits FLOW(stop) when queue depth crosses
// |high| and FLOW(cont) when it falls back through |low|.
func New(high, low int, transitions prometheus.Counter) *Controller {
	return &Controller{high: high, low: low, transitions: transitions}
}

// Evaluate inspects |depth| and returns a FLOW(stop) action whenever it is
// at or above the high mark, a FLOW(cont) action whenever it is at or below
// the low mark, and nil in between. It is level-triggered and keeps no
// memory of earlier calls: telling a new crossing from a repeat is the
// caller's job.
func (c *Controller) Evaluate(depth int) *action.Action {
	if depth >= c.high {
		var a = action.Action{Kind: action.FLOW, Payload: []byte{byte(Stop)}}
		return &a
	}
	if depth <= c.low {
		var a = action.Action{Kind: action.FLOW, Payload: []byte{byte(Cont)}}
		return &a
	}
	return nil
}

// Observe processes a delivered FLOW action from any member, updating the
// outstanding stop count. All nodes observe all FLOW actions (spec §4.5).
func (c *Controller) Observe(a action.Action) {
	if a.Kind != action.FLOW || len(a.Payload) == 0 {
		return
	}
	switch Signal(a.Payload[0]) {
	case Stop:
		atomic.AddInt32(&c.stops, 1)
	case Cont:
		if atomic.AddInt32(&c.stops, -1) < 0 {
			atomic.StoreInt32(&c.stops, 0)
		}
	}
	if c.transitions != nil {
		c.transitions.Inc()
	}
}

// Wait reports whether the caller should defer submissions: true while any
// member's outstanding FLOW(stop) count is nonzero (spec §4.3 wait()).
func (c *Controller) Wait() bool {
	return atomic.LoadInt32(&c.stops) > 0
}
