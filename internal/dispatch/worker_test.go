package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"sendgate/internal/breaker"
	"sendgate/internal/fallback"
	"sendgate/internal/message"
	"sendgate/internal/platform"
	"sendgate/internal/queue"
	"sendgate/pkg/logx"
)

type fixture struct {
	svc    *Service
	q      *queue.Memory
	sender *platform.MockSender
	store  *memStore
	now    time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		q:      queue.NewMemory(),
		sender: &platform.MockSender{},
		store:  newMemStore(),
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = New(cfg, f.q, f.sender, f.store, nil, logx.Nop())
	f.svc.SetNow(func() time.Time { return f.now })
	f.q.SetNow(func() time.Time { return f.now })
	return f
}

// enqueueAndProcess pushes one request through Enqueue and runs a single
// worker pass on it, returning the processed message.
func (f *fixture) enqueueAndProcess(t *testing.T, req Request) *message.Outbound {
	t.Helper()
	if _, err := f.svc.Enqueue(context.Background(), req); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return f.processNext(t)
}

func (f *fixture) processNext(t *testing.T) *message.Outbound {
	t.Helper()
	ds, err := f.q.Pull(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(ds) != 1 {
		t.Fatalf("Pull returned %d deliveries, want 1", len(ds))
	}
	f.svc.process(context.Background(), ds[0])
	return ds[0].Message()
}

func (f *fixture) depth(t *testing.T) int {
	t.Helper()
	d, err := f.q.Depth(context.Background())
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	return d
}

func TestProcessSendsMessage(t *testing.T) {
	t.Parallel()
	f := newFixture(t, baseConfig())

	msg := f.enqueueAndProcess(t, validRequest())
	if msg.State != message.StateSent {
		t.Fatalf("State = %q, want sent", msg.State)
	}
	if msg.AttemptCount != 1 {
		t.Fatalf("AttemptCount = %d, want 1", msg.AttemptCount)
	}
	if msg.CompletedAt == nil {
		t.Fatal("CompletedAt not set")
	}
	if f.sender.SendCount() != 1 {
		t.Fatalf("SendCount = %d, want 1", f.sender.SendCount())
	}
	if rem := f.svc.Limiter().Remaining("acct-1"); rem != 9 {
		t.Fatalf("Remaining = %d, want 9", rem)
	}
	if f.store.size() != 0 {
		t.Fatal("successful send must not touch the fallback store")
	}
}

func TestProcessThrottlesOverQuota(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.RateLimit = 1
	f := newFixture(t, cfg)

	first := f.enqueueAndProcess(t, validRequest())
	if first.State != message.StateSent {
		t.Fatalf("first message State = %q, want sent", first.State)
	}

	second := f.enqueueAndProcess(t, validRequest())
	if second.State != message.StateThrottled {
		t.Fatalf("second message State = %q, want throttled", second.State)
	}
	if f.sender.SendCount() != 1 {
		t.Fatalf("SendCount = %d, want 1 (throttled send must not reach the platform)", f.sender.SendCount())
	}
	// Nacked with a delay: still queued, not yet eligible.
	if f.depth(t) != 1 {
		t.Fatalf("depth = %d, want 1", f.depth(t))
	}
	if ds, _ := f.q.Pull(context.Background(), 1, 0); len(ds) != 0 {
		t.Fatal("throttled message redelivered before its delay")
	}

	// Another account is unaffected.
	req := validRequest()
	req.AccountID = "acct-2"
	other := f.enqueueAndProcess(t, req)
	if other.State != message.StateSent {
		t.Fatalf("other account State = %q, want sent", other.State)
	}

	// After the window resets the throttled message goes through.
	f.now = f.now.Add(time.Minute + time.Second)
	delayed := f.processNext(t)
	if delayed.State != message.StateSent {
		t.Fatalf("post-window State = %q, want sent", delayed.State)
	}
}

func TestProcessWindowQuotaScenario(t *testing.T) {
	t.Parallel()
	f := newFixture(t, baseConfig())

	for i := 0; i < 12; i++ {
		if _, err := f.svc.Enqueue(context.Background(), validRequest()); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	var sent, throttled int
	for i := 0; i < 12; i++ {
		switch msg := f.processNext(t); msg.State {
		case message.StateSent:
			sent++
		case message.StateThrottled:
			throttled++
		default:
			t.Fatalf("message %d State = %q", i, msg.State)
		}
	}
	if sent != 10 || throttled != 2 {
		t.Fatalf("sent = %d, throttled = %d, want 10/2", sent, throttled)
	}
	if f.sender.SendCount() != 10 {
		t.Fatalf("SendCount = %d, want 10", f.sender.SendCount())
	}
	if rem := f.svc.Limiter().Remaining("acct-1"); rem != 0 {
		t.Fatalf("Remaining = %d, want 0", rem)
	}
	if f.depth(t) != 2 {
		t.Fatalf("depth = %d, want 2", f.depth(t))
	}

	// The throttled pair is held for the full window remainder, not a
	// retry backoff: still ineligible one second before the reset.
	f.now = f.now.Add(59 * time.Second)
	if ds, _ := f.q.Pull(context.Background(), 12, 0); len(ds) != 0 {
		t.Fatal("throttled messages redelivered before the window reset")
	}

	f.now = f.now.Add(2 * time.Second)
	for i := 0; i < 2; i++ {
		if msg := f.processNext(t); msg.State != message.StateSent {
			t.Fatalf("post-reset message %d State = %q, want sent", i, msg.State)
		}
	}
	if f.sender.SendCount() != 12 {
		t.Fatalf("SendCount = %d, want 12", f.sender.SendCount())
	}
}

func TestProcessRetryableRequeues(t *testing.T) {
	t.Parallel()
	f := newFixture(t, baseConfig())
	f.sender.Script(platform.Retryable(errors.New("flaky")))

	msg := f.enqueueAndProcess(t, validRequest())
	if msg.State != message.StateQueued {
		t.Fatalf("State = %q, want queued for retry", msg.State)
	}
	if msg.AttemptCount != 1 {
		t.Fatalf("AttemptCount = %d, want 1", msg.AttemptCount)
	}
	if f.depth(t) != 1 {
		t.Fatalf("depth = %d, want 1 (requeued)", f.depth(t))
	}
	// The backoff keeps it ineligible for now.
	if ds, _ := f.q.Pull(context.Background(), 1, 0); len(ds) != 0 {
		t.Fatal("retry redelivered without backoff")
	}

	f.now = f.now.Add(2 * time.Second)
	again := f.processNext(t)
	if again.State != message.StateSent {
		t.Fatalf("retry State = %q, want sent", again.State)
	}
	// The attempt count survives the broker round trip.
	if again.AttemptCount != 2 {
		t.Fatalf("AttemptCount = %d, want 2", again.AttemptCount)
	}
}

func TestProcessPermanentFailureIsTerminal(t *testing.T) {
	t.Parallel()
	f := newFixture(t, baseConfig())
	f.sender.Script(platform.Permanent(errors.New("recipient blocked")))

	msg := f.enqueueAndProcess(t, validRequest())
	if msg.State != message.StateFailed {
		t.Fatalf("State = %q, want failed", msg.State)
	}
	if f.depth(t) != 0 {
		t.Fatal("permanent failure must not be requeued")
	}
	e := f.store.entry(t, msg.ID)
	if e.Reason != fallback.ReasonDispatchFailed {
		t.Fatalf("Reason = %q, want %q", e.Reason, fallback.ReasonDispatchFailed)
	}
	if e.PendingDispatch {
		t.Fatal("failed record must not be swept back onto the queue")
	}
}

func TestProcessExhaustsAttempts(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.MaxAttempts = 2
	f := newFixture(t, cfg)
	f.sender.Script(
		platform.Retryable(errors.New("try 1")),
		platform.Retryable(errors.New("try 2")),
	)

	msg := f.enqueueAndProcess(t, validRequest())
	if msg.State != message.StateQueued {
		t.Fatalf("after attempt 1: State = %q, want queued", msg.State)
	}

	f.now = f.now.Add(2 * time.Second)
	msg = f.processNext(t)
	if msg.State != message.StateFailed {
		t.Fatalf("after attempt 2: State = %q, want failed", msg.State)
	}
	if msg.AttemptCount != 2 {
		t.Fatalf("AttemptCount = %d, want 2", msg.AttemptCount)
	}
	if f.depth(t) != 0 {
		t.Fatal("exhausted message must not be requeued")
	}
	if _, err := f.store.List(context.Background(), "acct-1", message.StateFailed); err != nil {
		t.Fatalf("List: %v", err)
	}
}

func TestProcessBreakerShortCircuits(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.RateLimit = 5
	cfg.Breaker = breaker.Config{FailureThreshold: 1, Cooldown: time.Minute}
	f := newFixture(t, cfg)
	f.sender.Script(platform.Retryable(errors.New("down")))

	// First failure trips the breaker.
	f.enqueueAndProcess(t, validRequest())
	if st := f.svc.Breaker().Status(); st != breaker.StatusOpen {
		t.Fatalf("breaker status = %v, want open", st)
	}
	remBefore := f.svc.Limiter().Remaining("acct-1")

	// Second message is short-circuited without a platform call, with the
	// quota slot returned and the attempt count untouched.
	msg := f.enqueueAndProcess(t, validRequest())
	if f.sender.SendCount() != 1 {
		t.Fatalf("SendCount = %d, want 1", f.sender.SendCount())
	}
	if msg.State != message.StateQueued {
		t.Fatalf("State = %q, want queued", msg.State)
	}
	if msg.AttemptCount != 0 {
		t.Fatalf("AttemptCount = %d, want 0 (no attempt made)", msg.AttemptCount)
	}
	if rem := f.svc.Limiter().Remaining("acct-1"); rem != remBefore {
		t.Fatalf("Remaining = %d, want %d (slot released)", rem, remBefore)
	}
	// Redelivery is scheduled for when the breaker may probe again.
	if ds, _ := f.q.Pull(context.Background(), 1, 0); len(ds) != 0 {
		t.Fatal("short-circuited message redelivered while the circuit is open")
	}
}

func TestProcessCountFailedSendsOff(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.RateLimit = 1
	cfg.MaxAttempts = 1
	off := false
	cfg.CountFailedSends = &off
	f := newFixture(t, cfg)
	f.sender.Script(platform.Retryable(errors.New("down")))

	msg := f.enqueueAndProcess(t, validRequest())
	if msg.State != message.StateFailed {
		t.Fatalf("State = %q, want failed", msg.State)
	}
	// The failed attempt did not consume the account's only slot.
	if rem := f.svc.Limiter().Remaining("acct-1"); rem != 1 {
		t.Fatalf("Remaining = %d, want 1", rem)
	}
}

func TestProcessFailedSendsCountByDefault(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.RateLimit = 1
	cfg.MaxAttempts = 1
	f := newFixture(t, cfg)
	f.sender.Script(platform.Retryable(errors.New("down")))

	f.enqueueAndProcess(t, validRequest())
	if rem := f.svc.Limiter().Remaining("acct-1"); rem != 0 {
		t.Fatalf("Remaining = %d, want 0 (failed attempt counted)", rem)
	}
}

func TestProcessSkipsTerminalRedelivery(t *testing.T) {
	t.Parallel()
	f := newFixture(t, baseConfig())

	sent := &message.Outbound{ID: "m1", AccountID: "acct-1", RecipientID: "r", Content: "x", State: message.StateSent}
	if err := f.q.Push(context.Background(), sent, 0); err != nil {
		t.Fatalf("Push: %v", err)
	}
	f.processNext(t)
	if f.sender.SendCount() != 0 {
		t.Fatal("terminal message must never be re-dispatched")
	}
}

func TestRetryDelayBackoff(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}.withDefaults()

	for attempt := 1; attempt <= 6; attempt++ {
		d := retryDelay(cfg, attempt)
		if d < minThrottleDelay {
			t.Fatalf("attempt %d: delay %v below floor", attempt, d)
		}
		if d > cfg.RetryMaxDelay {
			t.Fatalf("attempt %d: delay %v above cap", attempt, d)
		}
	}
	// Later attempts trend longer until the cap dominates.
	if d := retryDelay(cfg, 10); d < 500*time.Millisecond {
		t.Fatalf("attempt 10: delay %v, want near the cap", d)
	}
}
