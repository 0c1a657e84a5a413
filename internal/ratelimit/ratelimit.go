// Package ratelimit implements the per-account send quota.
//
// Accounting is a fixed window: a counter per account that resets when the
// window elapses. Fixed windows permit up to 2x the limit across a window
// boundary (limit sends just before the reset plus limit just after); that
// burst is an accepted tradeoff of the scheme, not a bug.
package ratelimit

import (
	"errors"
	"strings"
	"sync"
	"time"
)

var ErrInvalidAccount = errors.New("ratelimit: empty account id")

// Decision is the outcome of a Check.
//
// When Allowed is false, RetryAfter is the time remaining until the current
// window resets. Callers schedule redelivery with it; they must not poll.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int
}

// window is the per-account fixed-window state.
//
// reserved counts Check() grants that have not yet been settled by
// RecordSend or Release. Reserving at Check time is what keeps two
// concurrent check+record sequences from both succeeding when a single
// slot remains.
type window struct {
	mu       sync.Mutex
	start    time.Time
	count    int
	reserved int
}

// Limiter is the sole authority on "can this account send now".
//
// Each account gets its own lock; unrelated accounts never serialize on
// each other. The outer mutex only guards the map itself.
type Limiter struct {
	mu       sync.Mutex
	accounts map[string]*window

	limit    int
	duration time.Duration
	now      func() time.Time
}

func New(limit int, duration time.Duration) *Limiter {
	if limit <= 0 {
		limit = 10
	}
	if duration <= 0 {
		duration = time.Minute
	}
	return &Limiter{
		accounts: make(map[string]*window),
		limit:    limit,
		duration: duration,
		now:      time.Now,
	}
}

// SetNow overrides the clock. Test hook.
func (l *Limiter) SetNow(now func() time.Time) {
	if now != nil {
		l.now = now
	}
}

func (l *Limiter) get(accountID string) (*window, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, ErrInvalidAccount
	}
	l.mu.Lock()
	w := l.accounts[accountID]
	if w == nil {
		w = &window{}
		l.accounts[accountID] = w
	}
	l.mu.Unlock()
	return w, nil
}

// resetIfElapsed must be called with w.mu held.
func (l *Limiter) resetIfElapsed(w *window, now time.Time) {
	if w.start.IsZero() || now.Sub(w.start) >= l.duration {
		w.start = now
		w.count = 0
	}
}

// Check reserves a send slot for the account if quota remains.
//
// Every Allowed decision MUST be settled with exactly one RecordSend (a
// dispatch attempt was made) or Release (the attempt never happened, e.g.
// the circuit short-circuited first).
func (l *Limiter) Check(accountID string) (Decision, error) {
	w, err := l.get(accountID)
	if err != nil {
		return Decision{}, err
	}
	now := l.now()

	w.mu.Lock()
	defer w.mu.Unlock()
	l.resetIfElapsed(w, now)

	used := w.count + w.reserved
	if used >= l.limit {
		retry := l.duration - now.Sub(w.start)
		if retry < 0 {
			retry = 0
		}
		return Decision{Allowed: false, RetryAfter: retry}, nil
	}
	w.reserved++
	return Decision{Allowed: true, Remaining: l.limit - used - 1}, nil
}

// RecordSend settles a reservation after a dispatch attempt was actually
// made. It must not be called for merely queued messages.
func (l *Limiter) RecordSend(accountID string) error {
	w, err := l.get(accountID)
	if err != nil {
		return err
	}
	now := l.now()

	w.mu.Lock()
	defer w.mu.Unlock()
	l.resetIfElapsed(w, now)

	if w.reserved > 0 {
		w.reserved--
	}
	if w.count < l.limit {
		w.count++
	}
	return nil
}

// Release returns a reserved slot without counting a send.
func (l *Limiter) Release(accountID string) error {
	w, err := l.get(accountID)
	if err != nil {
		return err
	}
	w.mu.Lock()
	if w.reserved > 0 {
		w.reserved--
	}
	w.mu.Unlock()
	return nil
}

// Remaining reports how many sends the account has left in the current
// window. Unknown accounts have the full limit available.
func (l *Limiter) Remaining(accountID string) int {
	if strings.TrimSpace(accountID) == "" {
		return 0
	}
	l.mu.Lock()
	w := l.accounts[accountID]
	l.mu.Unlock()
	if w == nil {
		return l.limit
	}
	now := l.now()

	w.mu.Lock()
	defer w.mu.Unlock()
	l.resetIfElapsed(w, now)
	rem := l.limit - w.count - w.reserved
	if rem < 0 {
		rem = 0
	}
	return rem
}

// Limit returns the configured per-window quota.
func (l *Limiter) Limit() int { return l.limit }

// Window returns the configured window duration.
func (l *Limiter) Window() time.Duration { return l.duration }
