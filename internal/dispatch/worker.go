package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"sendgate/internal/breaker"
	"sendgate/internal/eventbus"
	"sendgate/internal/fallback"
	"sendgate/internal/message"
	"sendgate/internal/platform"
	"sendgate/internal/queue"
	"sendgate/internal/ratelimit"
	logx "sendgate/pkg/logx"
)

// minThrottleDelay floors redelivery delays so a zero RetryAfter at a
// window boundary cannot spin the worker.
const minThrottleDelay = 50 * time.Millisecond

func (s *Service) workerLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		s.mu.Lock()
		q := s.q
		batch := s.cfg.BatchSize
		poll := s.cfg.PollTimeout
		s.mu.Unlock()

		deliveries, err := q.Pull(ctx, batch, poll)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			s.log.Warn("queue pull failed", logx.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		for _, d := range deliveries {
			if ctx.Err() != nil {
				// Unsettled deliveries redeliver after the ack deadline.
				return nil
			}
			s.process(ctx, d)
		}
	}
}

// process runs one delivery through quota, breaker and sender, and settles
// it exactly once.
func (s *Service) process(ctx context.Context, d queue.Delivery) {
	msg := d.Message()
	if msg == nil {
		_ = d.Ack()
		return
	}

	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	brk := s.brk
	pace := s.pace
	sender := s.sender
	store := s.store
	bus := s.bus
	s.mu.Unlock()

	// Terminal messages can appear via at-least-once redelivery; they are
	// never re-dispatched.
	if msg.State.Terminal() {
		_ = d.Ack()
		return
	}

	// Quota re-check at dispatch time (the authoritative one; the check at
	// enqueue time would be stale by now).
	dec, err := lim.Check(msg.AccountID)
	if err != nil {
		// Invalid account can only mean a corrupted payload.
		s.finishFailed(ctx, d, store, bus, msg, err)
		return
	}
	if !dec.Allowed {
		delay := dec.RetryAfter
		if delay < minThrottleDelay {
			delay = minThrottleDelay
		}
		msg.State = message.StateThrottled
		s.publish(bus, EventThrottled, MessageEvent{MessageID: msg.ID, AccountID: msg.AccountID, Attempt: msg.AttemptCount, At: s.clock()})
		if nerr := d.Nack(delay); nerr != nil {
			s.log.Warn("nack failed", logx.String("msg_id", msg.ID), logx.Err(nerr))
		}
		return
	}

	// A slot is reserved from here on; every path below must settle it
	// with RecordSend or Release.
	if !s.paceWait(ctx, pace) {
		_ = lim.Release(msg.AccountID)
		_ = d.Nack(minThrottleDelay)
		return
	}

	now := s.clock()
	msg.State = message.StateDispatching
	msg.DispatchedAt = &now

	sendErr := brk.Do(ctx, func(c context.Context) error {
		cctx, cancel := context.WithTimeout(c, cfg.DispatchTimeout)
		defer cancel()
		return sender.Send(cctx, msg)
	})

	if errors.Is(sendErr, breaker.ErrOpen) {
		// No attempt was made: the slot goes back and the attempt count
		// stays put. Redeliver when the breaker may admit a probe.
		_ = lim.Release(msg.AccountID)
		msg.State = message.StateQueued
		msg.DispatchedAt = nil
		delay := brk.RetryIn()
		if delay <= 0 {
			delay = minThrottleDelay
		}
		s.publish(bus, EventCircuitOpen, MessageEvent{MessageID: msg.ID, AccountID: msg.AccountID, Attempt: msg.AttemptCount, At: s.clock()})
		if nerr := d.Nack(delay); nerr != nil {
			s.log.Warn("nack failed", logx.String("msg_id", msg.ID), logx.Err(nerr))
		}
		return
	}

	// An attempt was made.
	msg.AttemptCount++
	if sendErr == nil || cfg.countFailedSends() {
		_ = lim.RecordSend(msg.AccountID)
	} else {
		_ = lim.Release(msg.AccountID)
	}

	if sendErr == nil {
		done := s.clock()
		msg.State = message.StateSent
		msg.CompletedAt = &done
		s.publish(bus, EventSent, MessageEvent{MessageID: msg.ID, AccountID: msg.AccountID, Attempt: msg.AttemptCount, At: done})
		if aerr := d.Ack(); aerr != nil {
			s.log.Warn("ack failed", logx.String("msg_id", msg.ID), logx.Err(aerr))
		}
		return
	}

	if !platform.IsRetryable(sendErr) || msg.AttemptCount >= cfg.MaxAttempts {
		s.finishFailed(ctx, d, store, bus, msg, sendErr)
		return
	}

	// Retryable and attempts remain: back off and requeue. The message is
	// re-pushed (not nacked) so the incremented attempt count survives the
	// round trip through the broker.
	delay := retryDelay(cfg, msg.AttemptCount)
	msg.State = message.StateQueued
	msg.DispatchedAt = nil
	s.log.Debug("send failed; retrying",
		logx.String("msg_id", msg.ID),
		logx.Int("attempt", msg.AttemptCount),
		logx.Duration("delay", delay),
		logx.Err(sendErr))
	if perr := s.q.Push(ctx, msg, delay); perr != nil {
		// Queue went away mid-flight. Park the message durably so the
		// sweeper re-enqueues it later.
		if store != nil {
			if _, rerr := store.Record(ctx, msg, fallback.ReasonQueueUnavailable); rerr == nil {
				_ = d.Ack()
				return
			}
		}
		// Last resort: plain redelivery (loses the attempt increment).
		_ = d.Nack(delay)
		return
	}
	_ = d.Ack()
}

// finishFailed moves the message to its terminal Failed state, records it
// in the fallback store and consumes the delivery.
func (s *Service) finishFailed(ctx context.Context, d queue.Delivery, store fallback.Store, bus eventbus.Bus, msg *message.Outbound, cause error) {
	done := s.clock()
	msg.State = message.StateFailed
	msg.CompletedAt = &done

	if store != nil {
		if _, err := store.Record(ctx, msg, fallback.ReasonDispatchFailed); err != nil {
			s.log.Error("fallback record failed",
				logx.String("msg_id", msg.ID), logx.Err(err))
		}
	}
	errStr := ""
	if cause != nil {
		errStr = cause.Error()
	}
	s.log.Warn("message failed",
		logx.String("msg_id", msg.ID),
		logx.String("account", msg.AccountID),
		logx.Int("attempts", msg.AttemptCount),
		logx.Err(cause))
	s.publish(bus, EventFailed, MessageEvent{MessageID: msg.ID, AccountID: msg.AccountID, Attempt: msg.AttemptCount, Error: errStr, At: done})
	if aerr := d.Ack(); aerr != nil {
		s.log.Warn("ack failed", logx.String("msg_id", msg.ID), logx.Err(aerr))
	}
}

// paceWait applies the optional global send rate. Returns false when the
// wait was aborted by cancellation.
func (s *Service) paceWait(ctx context.Context, pace *rate.Limiter) bool {
	if pace == nil {
		return true
	}
	return pace.Wait(ctx) == nil
}

// retryDelay computes exponential backoff with jitter for the next
// attempt. attempt is the number of attempts already made (>= 1).
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3 so synchronized failures don't redeliver in lockstep.
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < minThrottleDelay {
		d = minThrottleDelay
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}

// Limiter exposes the rate limiter for status and tests.
func (s *Service) Limiter() *ratelimit.Limiter {
	s.mu.Lock()
	l := s.limiter
	s.mu.Unlock()
	return l
}
