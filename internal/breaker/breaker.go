// Package breaker guards the external platform with a circuit breaker.
//
// One Breaker instance is shared by every dispatch attempt to a downstream
// target. It is an explicitly constructed object passed by reference, never
// a package global, so tests and multi-target setups can hold independent
// instances.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Do without invoking fn while the circuit is open
// (or while another probe is already in flight during half-open).
var ErrOpen = errors.New("breaker: circuit open")

type Status string

const (
	StatusClosed   Status = "closed"
	StatusOpen     Status = "open"
	StatusHalfOpen Status = "half_open"
)

type Config struct {
	// FailureThreshold trips the circuit after this many consecutive
	// counted failures. <=0 applies the default of 5.
	FailureThreshold int

	// Cooldown is the base open duration before a half-open probe is
	// allowed. Successive reopenings double it, capped at MaxCooldown.
	Cooldown    time.Duration
	MaxCooldown time.Duration

	// ResetAfter forgets accumulated failures when the last failure is
	// older than this. 0 applies the default of 5m.
	ResetAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = 10 * time.Minute
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 5 * time.Minute
	}
	return c
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClassifier installs the failure classifier. Errors for which fn
// returns false (client/validation errors) are reported upward unchanged
// and do not count against the threshold.
func WithClassifier(fn func(error) bool) Option {
	return func(b *Breaker) {
		if fn != nil {
			b.classify = fn
		}
	}
}

// WithNow overrides the clock. Test hook.
func WithNow(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

type Breaker struct {
	cfg      Config
	classify func(error) bool
	now      func() time.Time

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	openedAt    time.Time
	openUntil   time.Time
	reopenings  int
	probing     bool
}

func New(cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		cfg:      cfg.withDefaults(),
		classify: func(err error) bool { return err != nil },
		now:      time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Do executes fn under the breaker.
//
// Closed: fn runs and its result is recorded. Open: ErrOpen, fn is not
// invoked. Half-open: exactly one caller runs fn as a probe; everyone else
// gets ErrOpen until the probe settles.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	var callErr error
	defer func() {
		// A panicking fn must still release the probe slot, and it counts
		// as a failure regardless of the classifier.
		if r := recover(); r != nil {
			b.settle(probe, true, false)
			panic(r)
		}
		b.settle(probe, b.classify(callErr), callErr == nil)
	}()
	callErr = fn(ctx)
	return callErr
}

// admit decides whether a call may proceed and whether it is the half-open
// probe.
func (b *Breaker) admit() (probe bool, err error) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeForget(now)

	switch b.statusLocked(now) {
	case StatusClosed:
		return false, nil
	case StatusOpen:
		return false, ErrOpen
	default: // half-open
		if b.probing {
			return false, ErrOpen
		}
		b.probing = true
		return true, nil
	}
}

// settle records the outcome of an admitted call. counted marks failures
// the classifier attributes to downstream health; succeeded marks a nil
// call result.
func (b *Breaker) settle(probe, counted, succeeded bool) {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
		if counted {
			// Probe failed: reopen with a longer cooldown.
			b.reopenings++
			b.openCircuit(now)
			return
		}
		// Probe succeeded (or failed for a reason that says nothing about
		// the downstream's health): close fully.
		b.failures = 0
		b.reopenings = 0
		b.openedAt = time.Time{}
		b.openUntil = time.Time{}
		b.lastFailure = time.Time{}
		return
	}

	if !counted {
		if succeeded {
			b.failures = 0
			b.lastFailure = time.Time{}
		}
		return
	}

	b.failures++
	b.lastFailure = now
	if b.failures >= b.cfg.FailureThreshold && b.openUntil.IsZero() {
		b.openCircuit(now)
	}
}

// openCircuit must be called with b.mu held.
func (b *Breaker) openCircuit(now time.Time) {
	cd := b.cfg.Cooldown
	for i := 0; i < b.reopenings; i++ {
		cd *= 2
		if cd >= b.cfg.MaxCooldown {
			cd = b.cfg.MaxCooldown
			break
		}
	}
	b.openedAt = now
	b.openUntil = now.Add(cd)
}

// maybeForget must be called with b.mu held.
func (b *Breaker) maybeForget(now time.Time) {
	if b.openUntil.IsZero() && !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.cfg.ResetAfter {
		b.failures = 0
		b.lastFailure = time.Time{}
	}
}

// statusLocked must be called with b.mu held.
func (b *Breaker) statusLocked(now time.Time) Status {
	if b.openUntil.IsZero() {
		return StatusClosed
	}
	if now.Before(b.openUntil) {
		return StatusOpen
	}
	return StatusHalfOpen
}

// Status returns the current state.
func (b *Breaker) Status() Status {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statusLocked(now)
}

// Snapshot is a point-in-time view for the status endpoint.
type Snapshot struct {
	Status    Status        `json:"status"`
	Failures  int           `json:"failures"`
	Threshold int           `json:"threshold"`
	OpenedAt  time.Time     `json:"opened_at,omitzero"`
	RetryIn   time.Duration `json:"retry_in,omitempty"`
}

func (b *Breaker) Snapshot() Snapshot {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		Status:    b.statusLocked(now),
		Failures:  b.failures,
		Threshold: b.cfg.FailureThreshold,
		OpenedAt:  b.openedAt,
	}
	if snap.Status == StatusOpen {
		snap.RetryIn = b.openUntil.Sub(now)
	}
	return snap
}

// RetryIn reports how long until the next probe is allowed; zero when the
// circuit is not open.
func (b *Breaker) RetryIn() time.Duration {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.statusLocked(now) != StatusOpen {
		return 0
	}
	return b.openUntil.Sub(now)
}
