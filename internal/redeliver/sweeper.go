// Package redeliver re-enqueues fallback records once the queue is
// reachable again. It closes the loop on degraded-mode writes: a message
// parked in the store because the queue was down eventually flows back
// through the normal dispatch path.
package redeliver

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"sendgate/internal/breaker"
	"sendgate/internal/fallback"
	"sendgate/internal/message"
	"sendgate/internal/queue"
	logx "sendgate/pkg/logx"
)

type Config struct {
	Enabled bool

	// Schedule is a cron spec; descriptors like "@every 1m" work too.
	Schedule  string
	BatchSize int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = "@every 1m"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

type Service struct {
	mu sync.Mutex

	log   logx.Logger
	q     queue.Queue
	store fallback.Store
	brk   *breaker.Breaker

	cfg    Config
	parser cron.Parser
	c      *cron.Cron

	sweeping bool
}

func New(cfg Config, q queue.Queue, store fallback.Store, brk *breaker.Breaker, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:    log,
		q:      q,
		store:  store,
		brk:    brk,
		cfg:    cfg.withDefaults(),
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start schedules the sweeper. A no-op while disabled or without a store.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *Service) startLocked() error {
	if s.c != nil || !s.cfg.Enabled || s.store == nil {
		return nil
	}
	c := cron.New(cron.WithParser(s.parser))
	if _, err := c.AddFunc(s.cfg.Schedule, s.sweep); err != nil {
		return err
	}
	c.Start()
	s.c = c
	s.log.Info("redeliver scheduled", logx.String("schedule", s.cfg.Schedule), logx.Int("batch", s.cfg.BatchSize))
	return nil
}

// Stop halts the schedule, waiting up to the ctx deadline for an in-flight
// sweep to finish.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	done := c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Apply installs a new configuration, restarting the schedule if needed.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	c := s.c
	s.mu.Unlock()

	if c != nil && (!cfg.Enabled || cfg.Schedule != prev.Schedule) {
		s.Stop(context.Background())
	}
	if cfg.Enabled {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.startLocked()
	}
	return nil
}

// sweep moves pending fallback records back onto the queue. It backs off
// entirely while the breaker is open: re-enqueueing would only feed
// messages into guaranteed circuit-open redeliveries.
func (s *Service) sweep() {
	s.mu.Lock()
	if s.sweeping {
		s.mu.Unlock()
		return
	}
	s.sweeping = true
	cfg := s.cfg
	q := s.q
	store := s.store
	brk := s.brk
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.sweeping = false
		s.mu.Unlock()
	}()

	if q == nil {
		return
	}
	if brk != nil && brk.Status() == breaker.StatusOpen {
		s.log.Debug("redeliver skipped: circuit open")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := store.ListPending(ctx, cfg.BatchSize)
	if err != nil {
		s.log.Warn("redeliver list failed", logx.Err(err))
		return
	}
	if len(entries) == 0 {
		return
	}

	moved := 0
	for i := range entries {
		msg := entries[i].Msg
		// Parked messages re-enter the pipeline fresh; workers redo the
		// quota and breaker checks.
		msg.State = message.StateQueued
		if err := q.Push(ctx, &msg, 0); err != nil {
			// Queue still down; the rest of the batch waits for the next run.
			s.log.Debug("redeliver push failed; queue still unavailable", logx.Err(err))
			break
		}
		if err := store.MarkResolved(ctx, msg.ID); err != nil {
			s.log.Warn("redeliver resolve failed", logx.String("msg_id", msg.ID), logx.Err(err))
		}
		moved++
	}
	if moved > 0 {
		s.log.Info("redelivered fallback messages", logx.Int("count", moved), logx.Int("pending_batch", len(entries)))
	}
}
