// Package dispatch owns the outbound message lifecycle: validated enqueue
// onto the durable queue, a worker pool that re-checks quota and sends
// through the circuit breaker, and degraded-mode writes to the fallback
// store when the queue is unreachable.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"sendgate/internal/breaker"
	"sendgate/internal/eventbus"
	"sendgate/internal/fallback"
	"sendgate/internal/message"
	"sendgate/internal/platform"
	"sendgate/internal/queue"
	"sendgate/internal/ratelimit"
	sup "sendgate/internal/runtime/supervisor"
	logx "sendgate/pkg/logx"
)

var (
	// ErrInvalidArgument wraps every enqueue validation failure.
	ErrInvalidArgument = errors.New("dispatch: invalid argument")

	// ErrDisabled is returned when the subsystem is off and no fallback
	// store is configured to absorb the message.
	ErrDisabled = errors.New("dispatch: disabled")
)

// Service is the queue manager. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	q      queue.Queue
	sender platform.Sender
	store  fallback.Store
	bus    eventbus.Bus

	cfg     Config
	limiter *ratelimit.Limiter
	brk     *breaker.Breaker
	pace    *rate.Limiter

	supv     *sup.Supervisor
	running  bool
	stopDone chan struct{} // non-nil while stopping

	nmu sync.Mutex
	now func() time.Time
}

func New(cfg Config, q queue.Queue, sender platform.Sender, store fallback.Store, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:    log,
		q:      q,
		sender: sender,
		store:  store,
		bus:    bus,
		now:    time.Now,
	}
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
	return s
}

// clock reads the injected time source. Kept on its own mutex so the
// limiter and breaker can call it without touching the service lock.
func (s *Service) clock() time.Time {
	s.nmu.Lock()
	now := s.now
	s.nmu.Unlock()
	return now()
}

// SetNow overrides the clock for the service, its limiter and its breaker.
// Test hook; call before Start.
func (s *Service) SetNow(now func() time.Time) {
	if now == nil {
		return
	}
	s.nmu.Lock()
	s.now = now
	s.nmu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply installs a new configuration. Worker count changes take effect on
// the next Start; changing the rate limit or window rebuilds the limiter
// and resets in-flight windows.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()

	if s.limiter == nil || cfg.RateLimit != s.cfg.RateLimit || cfg.RateWindow != s.cfg.RateWindow {
		s.limiter = ratelimit.New(cfg.RateLimit, cfg.RateWindow)
		s.limiter.SetNow(s.clock)
	}
	// Rebuilding the breaker drops accumulated failure state, so only do
	// it when its config actually changed.
	if s.brk == nil || cfg.Breaker != s.cfg.Breaker {
		s.brk = breaker.New(cfg.Breaker,
			breaker.WithClassifier(platform.IsRetryable),
			breaker.WithNow(s.clock),
		)
	}
	if cfg.GlobalRatePerSec > 0 {
		if s.pace == nil || cfg.GlobalRatePerSec != s.cfg.GlobalRatePerSec {
			s.pace = rate.NewLimiter(rate.Limit(cfg.GlobalRatePerSec), cfg.GlobalRatePerSec)
		}
	} else {
		s.pace = nil
	}
	s.cfg = cfg
}

// Breaker exposes the circuit breaker for status reporting.
func (s *Service) Breaker() *breaker.Breaker {
	s.mu.Lock()
	b := s.brk
	s.mu.Unlock()
	return b
}

// Supervisor returns the worker supervisor (nil when not started).
func (s *Service) Supervisor() *sup.Supervisor {
	s.mu.Lock()
	v := s.supv
	s.mu.Unlock()
	return v
}

func (s *Service) validate(req Request) error {
	if strings.TrimSpace(req.AccountID) == "" {
		return fmt.Errorf("%w: empty account_id", ErrInvalidArgument)
	}
	if strings.TrimSpace(req.RecipientID) == "" {
		return fmt.Errorf("%w: empty recipient_id", ErrInvalidArgument)
	}
	if req.Content == "" {
		return fmt.Errorf("%w: empty content", ErrInvalidArgument)
	}
	s.mu.Lock()
	maxLen := s.cfg.MaxContentLength
	s.mu.Unlock()
	if len(req.Content) > maxLen {
		return fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidArgument, maxLen)
	}
	switch message.Priority(req.Priority) {
	case "", message.PriorityLow, message.PriorityNormal, message.PriorityHigh:
	default:
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidArgument, req.Priority)
	}
	return nil
}

// Enqueue validates the request and submits the message.
//
// A queue failure is not an enqueue failure: the message is written to the
// fallback store and the receipt comes back with Degraded=true. Only
// validation problems (ErrInvalidArgument) or having nowhere at all to put
// the message produce an error.
func (s *Service) Enqueue(ctx context.Context, req Request) (Receipt, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.validate(req); err != nil {
		return Receipt{}, err
	}

	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	store := s.store
	bus := s.bus
	lim := s.limiter
	s.mu.Unlock()

	now := s.clock()

	// Idempotency: a live key returns the original receipt, no new send.
	key := strings.TrimSpace(req.IdempotencyKey)
	if key != "" && store != nil {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		origID, ok, err := store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok {
			s.publish(bus, EventDedupHit, MessageEvent{MessageID: origID, AccountID: req.AccountID, At: now})
			return Receipt{MessageID: origID, QueuedAt: now, EstimatedDelivery: now, Duplicate: true}, nil
		}
	}

	priority := message.Priority(req.Priority)
	if priority == "" {
		priority = message.PriorityNormal
	}
	msg := &message.Outbound{
		ID:             uuid.NewString(),
		AccountID:      strings.TrimSpace(req.AccountID),
		RecipientID:    strings.TrimSpace(req.RecipientID),
		Content:        req.Content,
		MediaRefs:      req.MediaRefs,
		Priority:       priority,
		Metadata:       req.Metadata,
		IdempotencyKey: key,
		State:          message.StateQueued,
		EnqueuedAt:     now,
	}

	est := now
	if lim != nil && lim.Remaining(msg.AccountID) <= 0 {
		est = now.Add(lim.Window())
	}

	if !cfg.Enabled {
		if store == nil {
			return Receipt{}, ErrDisabled
		}
		if _, err := store.Record(ctx, msg, fallback.ReasonFeatureDisabled); err != nil {
			return Receipt{}, fmt.Errorf("dispatch disabled, fallback write failed: %w", err)
		}
		s.rememberDedup(ctx, store, key, msg.ID, now.Add(cfg.DedupWindow))
		s.publish(bus, EventDegradedEnqueue, MessageEvent{MessageID: msg.ID, AccountID: msg.AccountID, At: now})
		return Receipt{MessageID: msg.ID, QueuedAt: now, EstimatedDelivery: est, Degraded: true}, nil
	}

	// A nil queue means the broker was unreachable at startup; every
	// enqueue takes the degraded path until a restart.
	pushErr := queue.ErrUnavailable
	if q != nil {
		pushErr = q.Push(ctx, msg, 0)
	}
	if err := pushErr; err != nil {
		if store == nil {
			return Receipt{}, fmt.Errorf("%w: no fallback store", queue.ErrUnavailable)
		}
		if _, rerr := store.Record(ctx, msg, fallback.ReasonQueueUnavailable); rerr != nil {
			return Receipt{}, fmt.Errorf("queue push failed (%v), fallback write failed: %w", err, rerr)
		}
		s.rememberDedup(ctx, store, key, msg.ID, now.Add(cfg.DedupWindow))
		s.log.Warn("queue unavailable; message stored for redelivery",
			logx.String("msg_id", msg.ID), logx.String("account", msg.AccountID), logx.Err(err))
		s.publish(bus, EventDegradedEnqueue, MessageEvent{MessageID: msg.ID, AccountID: msg.AccountID, Error: err.Error(), At: now})
		return Receipt{MessageID: msg.ID, QueuedAt: now, EstimatedDelivery: est, Degraded: true}, nil
	}

	s.rememberDedup(ctx, store, key, msg.ID, now.Add(cfg.DedupWindow))
	s.publish(bus, EventQueued, MessageEvent{MessageID: msg.ID, AccountID: msg.AccountID, At: now})
	return Receipt{MessageID: msg.ID, QueuedAt: now, EstimatedDelivery: est}, nil
}

// rememberDedup is best-effort; dedup misses only cost a duplicate send,
// which the downstream tolerates.
func (s *Service) rememberDedup(ctx context.Context, store fallback.Store, key, id string, until time.Time) {
	if key == "" || store == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()
	if err := store.PutDedup(cctx, key, id, until); err != nil {
		s.log.Debug("dedup write failed", logx.String("key", key), logx.Err(err))
	}
}

// Status reports a point-in-time view for the account. It never blocks on
// the queue: depth lookups get a short deadline and report -1 on miss.
func (s *Service) Status(ctx context.Context, accountID string) AccountStatus {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	lim := s.limiter
	brk := s.brk
	s.mu.Unlock()

	st := AccountStatus{
		AccountID:  accountID,
		Enabled:    cfg.Enabled,
		QueueDepth: -1,
		RateLimit:  cfg.RateLimit,
		RateWindow: cfg.RateWindow,
	}
	if lim != nil {
		st.RateRemaining = lim.Remaining(accountID)
	}
	if brk != nil {
		st.Breaker = brk.Snapshot()
	}
	if q != nil {
		dctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		depth, err := q.Depth(dctx)
		cancel()
		if err == nil {
			st.QueueDepth = depth
		}
	}
	return st
}

// Start launches the worker pool. Idempotent; a no-op while disabled.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.running {
		s.mu.Unlock()
		return
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	if s.q == nil {
		s.mu.Unlock()
		s.log.Warn("no work queue; dispatch workers not started")
		return
	}

	s.running = true
	workers := s.cfg.Workers
	s.supv = sup.New(ctx, sup.WithLogger(s.log.With(logx.String("comp", "dispatch"))))
	supv := s.supv
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		supv.GoRestart(name, s.workerLoop)
	}
	s.log.Info("dispatch started", logx.Int("workers", workers))
}

// Stop halts the workers, waiting up to the ctx deadline for in-flight
// deliveries to settle.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	supv := s.supv
	s.mu.Unlock()

	go func() {
		defer close(done)
		if supv != nil {
			_ = supv.Stop(context.Background())
		}
		s.mu.Lock()
		s.running = false
		s.supv = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if supv != nil {
			supv.Cancel()
		}
	}
}

func (s *Service) publish(bus eventbus.Bus, typ string, ev MessageEvent) {
	if bus == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = s.clock()
	}
	bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}
