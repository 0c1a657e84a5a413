// Package eventbus carries message lifecycle events from the dispatcher to
// the reporter without coupling the two packages.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is an in-memory lifecycle signal. Type is one of the dispatcher's
// msg.* constants ("msg.queued", "msg.sent", "msg.failed", "msg.throttled",
// "msg.circuit_open", "msg.degraded_enqueue", "msg.dedup_hit") and Data
// carries its MessageEvent payload.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to subscribers.
//
// Publish never blocks. When a subscriber's buffer is full, its oldest
// buffered event is evicted so the newest one always lands; counters built
// on the bus stay current even under a stalled consumer. Dropped reports
// how many events were lost to eviction so far.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

// New returns an in-memory fanout bus. It owns no background goroutines.
func New() Bus {
	return &fanout{subs: map[uint64]chan Event{}}
}

type fanout struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Event
	nextID uint64

	dropped atomic.Uint64
}

func (f *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	// Snapshot under the read lock so a slow delivery never holds it.
	f.mu.RLock()
	targets := make([]chan Event, 0, len(f.subs))
	for _, ch := range f.subs {
		targets = append(targets, ch)
	}
	f.mu.RUnlock()

	for _, ch := range targets {
		f.offer(ch, e)
	}
}

// offer delivers without blocking. A full buffer loses its oldest entry and
// keeps the new one. The channel may close under a concurrent unsubscribe;
// the recover absorbs the send panic and counts the event as lost.
func (f *fanout) offer(ch chan Event, e Event) {
	defer func() {
		if recover() != nil {
			f.dropped.Add(1)
		}
	}()

	select {
	case ch <- e:
		return
	default:
	}

	// Evict the oldest buffered event, then retry once. A concurrent reader
	// may have freed a slot in between; either way at most one event is lost.
	select {
	case <-ch:
		f.dropped.Add(1)
	default:
	}
	select {
	case ch <- e:
	default:
		f.dropped.Add(1)
	}
}

func (f *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			// Safe to close: offer recovers from sends on closed channels.
			close(ch)
		})
	}
	return ch, unsub
}

func (f *fanout) Dropped() uint64 { return f.dropped.Load() }
