// Package report aggregates message lifecycle events into counters and
// serves them, together with dispatcher status, over a localhost HTTP
// endpoint.
package report

import (
	"context"
	"sync/atomic"
	"time"

	"sendgate/internal/dispatch"
	"sendgate/internal/eventbus"
)

// Counters is the JSON snapshot of the collector.
type Counters struct {
	Queued           uint64 `json:"queued"`
	Sent             uint64 `json:"sent"`
	Failed           uint64 `json:"failed"`
	Throttled        uint64 `json:"throttled"`
	CircuitOpenSkips uint64 `json:"circuit_open_skips"`
	DegradedEnqueues uint64 `json:"degraded_enqueues"`
	DedupHits        uint64 `json:"dedup_hits"`
	Unknown          uint64 `json:"unknown_events,omitempty"`
	Dropped          uint64 `json:"events_dropped,omitempty"`
}

// Collector subscribes to the bus and counts lifecycle events. Run it
// under a supervisor; it exits when the context is canceled.
type Collector struct {
	bus eventbus.Bus

	queued    atomic.Uint64
	sent      atomic.Uint64
	failed    atomic.Uint64
	throttled atomic.Uint64
	circuit   atomic.Uint64
	degraded  atomic.Uint64
	dedup     atomic.Uint64
	unknown   atomic.Uint64

	startedAt time.Time
}

func NewCollector(bus eventbus.Bus) *Collector {
	return &Collector{bus: bus, startedAt: time.Now()}
}

// Run consumes events until ctx is done. Lifecycle events are low volume;
// a 256-deep buffer absorbs worker bursts without backpressure.
func (c *Collector) Run(ctx context.Context) error {
	if c.bus == nil {
		<-ctx.Done()
		return nil
	}
	ch, unsub := c.bus.Subscribe(256)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			c.count(ev.Type)
		}
	}
}

func (c *Collector) count(typ string) {
	switch typ {
	case dispatch.EventQueued:
		c.queued.Add(1)
	case dispatch.EventSent:
		c.sent.Add(1)
	case dispatch.EventFailed:
		c.failed.Add(1)
	case dispatch.EventThrottled:
		c.throttled.Add(1)
	case dispatch.EventCircuitOpen:
		c.circuit.Add(1)
	case dispatch.EventDegradedEnqueue:
		c.degraded.Add(1)
	case dispatch.EventDedupHit:
		c.dedup.Add(1)
	default:
		c.unknown.Add(1)
	}
}

func (c *Collector) Snapshot() Counters {
	s := Counters{
		Queued:           c.queued.Load(),
		Sent:             c.sent.Load(),
		Failed:           c.failed.Load(),
		Throttled:        c.throttled.Load(),
		CircuitOpenSkips: c.circuit.Load(),
		DegradedEnqueues: c.degraded.Load(),
		DedupHits:        c.dedup.Load(),
		Unknown:          c.unknown.Load(),
	}
	if c.bus != nil {
		s.Dropped = c.bus.Dropped()
	}
	return s
}

// Uptime reports how long the collector has existed.
func (c *Collector) Uptime() time.Duration { return time.Since(c.startedAt) }
