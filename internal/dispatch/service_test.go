package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"sendgate/internal/eventbus"
	"sendgate/internal/fallback"
	"sendgate/internal/message"
	"sendgate/internal/platform"
	"sendgate/internal/queue"
	"sendgate/pkg/logx"
)

// memStore is an in-memory fallback.Store for tests.
type memStore struct {
	mu      sync.Mutex
	entries map[string]fallback.Entry
	dedup   map[string]dedupRow
}

type dedupRow struct {
	id    string
	until time.Time
}

func newMemStore() *memStore {
	return &memStore{entries: map[string]fallback.Entry{}, dedup: map[string]dedupRow{}}
}

func (m *memStore) Record(_ context.Context, msg *message.Outbound, reason string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := reason == fallback.ReasonQueueUnavailable || reason == fallback.ReasonFeatureDisabled
	m.entries[msg.ID] = fallback.Entry{Msg: *msg, Reason: reason, PendingDispatch: pending, RecordedAt: time.Now()}
	return msg.ID, nil
}

func (m *memStore) List(_ context.Context, accountID string, state message.State) ([]fallback.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []fallback.Entry
	for _, e := range m.entries {
		if accountID != "" && e.Msg.AccountID != accountID {
			continue
		}
		if state != "" && e.Msg.State != state {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *memStore) ListPending(_ context.Context, limit int) ([]fallback.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []fallback.Entry
	for _, e := range m.entries {
		if e.PendingDispatch && e.ResolvedAt == nil {
			out = append(out, e)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) MarkResolved(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return fallback.ErrNotFound
	}
	now := time.Now()
	e.PendingDispatch = false
	e.ResolvedAt = &now
	m.entries[id] = e
	return nil
}

func (m *memStore) PutDedup(_ context.Context, key, messageID string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key != "" {
		m.dedup[key] = dedupRow{id: messageID, until: until}
	}
	return nil
}

func (m *memStore) GetDedup(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.dedup[key]
	if !ok || time.Now().After(r.until) {
		return "", false, nil
	}
	return r.id, true, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) entry(t *testing.T, id string) fallback.Entry {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		t.Fatalf("no fallback entry for %s", id)
	}
	return e
}

func (m *memStore) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func baseConfig() Config {
	return Config{
		Enabled:         true,
		Workers:         1,
		RateLimit:       10,
		RateWindow:      time.Minute,
		MaxAttempts:     3,
		DispatchTimeout: time.Second,
		RetryBase:       50 * time.Millisecond,
		RetryMaxDelay:   time.Second,
	}
}

func validRequest() Request {
	return Request{AccountID: "acct-1", RecipientID: "rcpt-1", Content: "hello"}
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()
	s := New(baseConfig(), queue.NewMemory(), &platform.MockSender{}, nil, nil, logx.Nop())

	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{name: "empty account", mutate: func(r *Request) { r.AccountID = " " }},
		{name: "empty recipient", mutate: func(r *Request) { r.RecipientID = "" }},
		{name: "empty content", mutate: func(r *Request) { r.Content = "" }},
		{name: "oversized content", mutate: func(r *Request) { r.Content = strings.Repeat("x", 5000) }},
		{name: "bad priority", mutate: func(r *Request) { r.Priority = "urgent" }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			_, err := s.Enqueue(context.Background(), req)
			if !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("got %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestEnqueueQueuesMessage(t *testing.T) {
	t.Parallel()
	q := queue.NewMemory()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s := New(baseConfig(), q, &platform.MockSender{}, nil, bus, logx.Nop())

	rcpt, err := s.Enqueue(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if rcpt.MessageID == "" || rcpt.Degraded || rcpt.Duplicate {
		t.Fatalf("unexpected receipt: %+v", rcpt)
	}
	if depth, _ := q.Depth(context.Background()); depth != 1 {
		t.Fatalf("queue depth = %d, want 1", depth)
	}
	select {
	case ev := <-events:
		if ev.Type != EventQueued {
			t.Fatalf("event = %s, want %s", ev.Type, EventQueued)
		}
	case <-time.After(time.Second):
		t.Fatal("no queued event published")
	}
}

func TestEnqueueAppliesDefaultPriority(t *testing.T) {
	t.Parallel()
	q := queue.NewMemory()
	s := New(baseConfig(), q, &platform.MockSender{}, nil, nil, logx.Nop())

	if _, err := s.Enqueue(context.Background(), validRequest()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	ds, err := q.Pull(context.Background(), 1, 100*time.Millisecond)
	if err != nil || len(ds) != 1 {
		t.Fatalf("Pull: %v (%d)", err, len(ds))
	}
	msg := ds[0].Message()
	if msg.Priority != message.PriorityNormal {
		t.Fatalf("Priority = %q, want normal", msg.Priority)
	}
	if msg.State != message.StateQueued {
		t.Fatalf("State = %q, want queued", msg.State)
	}
}

func TestEnqueueIdempotencyKey(t *testing.T) {
	t.Parallel()
	q := queue.NewMemory()
	store := newMemStore()
	s := New(baseConfig(), q, &platform.MockSender{}, store, nil, logx.Nop())

	req := validRequest()
	req.IdempotencyKey = "order-42"

	first, err := s.Enqueue(context.Background(), req)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	second, err := s.Enqueue(context.Background(), req)
	if err != nil {
		t.Fatalf("Enqueue (dup): %v", err)
	}
	if !second.Duplicate {
		t.Fatal("second enqueue with the same key should be a duplicate")
	}
	if second.MessageID != first.MessageID {
		t.Fatalf("duplicate receipt id %s, want original %s", second.MessageID, first.MessageID)
	}
	if depth, _ := q.Depth(context.Background()); depth != 1 {
		t.Fatalf("queue depth = %d, want 1 (no second message)", depth)
	}
}

func TestEnqueueDegradedWhenQueueNil(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s := New(baseConfig(), nil, &platform.MockSender{}, store, bus, logx.Nop())

	rcpt, err := s.Enqueue(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !rcpt.Degraded {
		t.Fatal("receipt should be degraded when the queue is unavailable")
	}
	e := store.entry(t, rcpt.MessageID)
	if e.Reason != fallback.ReasonQueueUnavailable {
		t.Fatalf("Reason = %q, want %q", e.Reason, fallback.ReasonQueueUnavailable)
	}
	if !e.PendingDispatch {
		t.Fatal("degraded record must be pending dispatch")
	}
	select {
	case ev := <-events:
		if ev.Type != EventDegradedEnqueue {
			t.Fatalf("event = %s, want %s", ev.Type, EventDegradedEnqueue)
		}
	case <-time.After(time.Second):
		t.Fatal("no degraded event published")
	}
}

func TestEnqueueQueueNilWithoutStoreFails(t *testing.T) {
	t.Parallel()
	s := New(baseConfig(), nil, &platform.MockSender{}, nil, nil, logx.Nop())
	if _, err := s.Enqueue(context.Background(), validRequest()); !errors.Is(err, queue.ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}
}

func TestEnqueueDisabled(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.Enabled = false
	store := newMemStore()
	s := New(cfg, queue.NewMemory(), &platform.MockSender{}, store, nil, logx.Nop())

	rcpt, err := s.Enqueue(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !rcpt.Degraded {
		t.Fatal("receipt should be degraded while disabled")
	}
	if e := store.entry(t, rcpt.MessageID); e.Reason != fallback.ReasonFeatureDisabled {
		t.Fatalf("Reason = %q, want %q", e.Reason, fallback.ReasonFeatureDisabled)
	}

	// Without a store there is nowhere to put the message at all.
	bare := New(cfg, queue.NewMemory(), &platform.MockSender{}, nil, nil, logx.Nop())
	if _, err := bare.Enqueue(context.Background(), validRequest()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("got %v, want ErrDisabled", err)
	}
}

func TestEnqueueEstimatedDelivery(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.RateLimit = 1
	s := New(cfg, queue.NewMemory(), &platform.MockSender{}, nil, nil, logx.Nop())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetNow(func() time.Time { return base })

	rcpt, err := s.Enqueue(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !rcpt.EstimatedDelivery.Equal(base) {
		t.Fatalf("EstimatedDelivery = %v, want now while quota remains", rcpt.EstimatedDelivery)
	}

	// Consume the account's only slot; the next estimate lands in the
	// following window.
	lim := s.Limiter()
	if d, _ := lim.Check("acct-1"); !d.Allowed {
		t.Fatal("expected quota")
	}
	lim.RecordSend("acct-1")

	rcpt, err = s.Enqueue(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !rcpt.EstimatedDelivery.Equal(base.Add(time.Minute)) {
		t.Fatalf("EstimatedDelivery = %v, want %v", rcpt.EstimatedDelivery, base.Add(time.Minute))
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	q := queue.NewMemory()
	s := New(baseConfig(), q, &platform.MockSender{}, nil, nil, logx.Nop())

	s.Enqueue(context.Background(), validRequest())
	st := s.Status(context.Background(), "acct-1")
	if !st.Enabled {
		t.Fatal("Enabled = false")
	}
	if st.QueueDepth != 1 {
		t.Fatalf("QueueDepth = %d, want 1", st.QueueDepth)
	}
	if st.RateLimit != 10 || st.RateRemaining != 10 {
		t.Fatalf("rate view = %d/%d, want 10/10", st.RateRemaining, st.RateLimit)
	}
	if st.Breaker.Status == "" {
		t.Fatal("breaker snapshot missing")
	}

	// Depth is unknown, not an error, when there is no queue.
	degraded := New(baseConfig(), nil, &platform.MockSender{}, newMemStore(), nil, logx.Nop())
	if st := degraded.Status(context.Background(), "acct-1"); st.QueueDepth != -1 {
		t.Fatalf("QueueDepth = %d, want -1", st.QueueDepth)
	}
}

func TestApplyKeepsBreakerState(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	s := New(cfg, queue.NewMemory(), &platform.MockSender{}, nil, nil, logx.Nop())
	before := s.Breaker()

	// Unrelated change: same breaker instance survives.
	cfg.Workers = 8
	s.Apply(cfg)
	if s.Breaker() != before {
		t.Fatal("breaker rebuilt on unrelated config change")
	}

	cfg.Breaker.FailureThreshold = 99
	s.Apply(cfg)
	if s.Breaker() == before {
		t.Fatal("breaker not rebuilt when its config changed")
	}
}

func TestStartNoopWhenDisabled(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.Enabled = false
	s := New(cfg, queue.NewMemory(), &platform.MockSender{}, nil, nil, logx.Nop())
	s.Start(context.Background())
	if s.Supervisor() != nil {
		t.Fatal("workers started while disabled")
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	q := queue.NewMemory()
	sender := &platform.MockSender{}
	s := New(baseConfig(), q, sender, nil, nil, logx.Nop())

	ctx := context.Background()
	s.Start(ctx)
	if s.Supervisor() == nil {
		t.Fatal("supervisor missing after Start")
	}
	s.Start(ctx) // idempotent

	if _, err := s.Enqueue(ctx, validRequest()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return sender.SendCount() == 1 })

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	if s.Supervisor() != nil {
		t.Fatal("supervisor still set after Stop")
	}
}

func waitFor(t *testing.T, max time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(max)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
