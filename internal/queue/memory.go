package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"sendgate/internal/message"
)

// Memory is an in-process Queue used in single-node mode and in tests.
//
// Messages become eligible at their readyAt time; within the same instant
// delivery order is FIFO by sequence. Unacked deliveries are NOT auto-
// redelivered (there is no consumer crash to survive in-process); the
// at-least-once shape is preserved through explicit Nack.
type Memory struct {
	mu     sync.Mutex
	items  itemHeap
	seq    uint64
	closed bool
	wake   chan struct{}

	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{wake: make(chan struct{}, 1), now: time.Now}
}

// SetNow overrides the clock. Test hook.
func (q *Memory) SetNow(now func() time.Time) {
	if now != nil {
		q.now = now
	}
}

type memItem struct {
	msg     *message.Outbound
	readyAt time.Time
	seq     uint64
}

type itemHeap []*memItem

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if !h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].readyAt.Before(h[j].readyAt)
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)        { *h = append(*h, x.(*memItem)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

func (q *Memory) Push(ctx context.Context, msg *message.Outbound, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.seq++
	it := &memItem{msg: msg, readyAt: q.now().Add(delay), seq: q.seq}
	heap.Push(&q.items, it)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *Memory) Pull(ctx context.Context, max int, pollTimeout time.Duration) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	deadline := q.now().Add(pollTimeout)

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		now := q.now()
		var out []Delivery
		for len(out) < max && q.items.Len() > 0 && !q.items[0].readyAt.After(now) {
			it := heap.Pop(&q.items).(*memItem)
			out = append(out, &memDelivery{q: q, msg: it.msg})
		}
		var nextReady time.Time
		if q.items.Len() > 0 {
			nextReady = q.items[0].readyAt
		}
		q.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}

		wait := deadline.Sub(now)
		if wait <= 0 {
			return nil, nil
		}
		if !nextReady.IsZero() {
			if until := nextReady.Sub(now); until < wait {
				wait = until
			}
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}

		tmr := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return nil, ctx.Err()
		case <-q.wake:
			tmr.Stop()
		case <-tmr.C:
		}
	}
}

func (q *Memory) Depth(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return -1, ErrClosed
	}
	return q.items.Len(), nil
}

func (q *Memory) Close() error {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	return nil
}

type memDelivery struct {
	q    *Memory
	msg  *message.Outbound
	once sync.Once
}

func (d *memDelivery) Message() *message.Outbound { return d.msg }

func (d *memDelivery) Ack() error { return nil }

func (d *memDelivery) Nack(delay time.Duration) error {
	var err error
	d.once.Do(func() {
		err = d.q.Push(context.Background(), d.msg, delay)
	})
	return err
}
