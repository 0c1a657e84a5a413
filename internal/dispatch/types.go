package dispatch

import (
	"time"

	"sendgate/internal/breaker"
)

// Config controls the dispatch pipeline.
//
// CountFailedSends is a pointer so we can distinguish "omitted" (defaults
// to true: a failed attempt still consumed downstream capacity) from an
// explicit false.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - rate_limit: 10 per rate_window
//   - rate_window: 1m
//   - max_attempts: 3
//   - dispatch_timeout: 5s
//   - retry_base: 500ms
//   - retry_max_delay: 30s
//   - max_content_length: 4096
//   - batch_size: 10
//   - poll_timeout: 2s
//   - dedup_window: 10m
type Config struct {
	// Enabled gates the whole subsystem. When false, enqueues are written
	// to the fallback store instead of the queue and no workers run.
	Enabled bool
	Workers int

	RateLimit  int
	RateWindow time.Duration

	Breaker breaker.Config

	MaxAttempts     int
	DispatchTimeout time.Duration
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration

	MaxContentLength int

	CountFailedSends *bool

	// GlobalRatePerSec paces sends across all accounts; 0 disables.
	GlobalRatePerSec int

	BatchSize   int
	PollTimeout time.Duration

	DedupWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 10
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 5 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.MaxContentLength <= 0 {
		c.MaxContentLength = 4096
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 2 * time.Second
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 10 * time.Minute
	}
	return c
}

func (c Config) countFailedSends() bool {
	if c.CountFailedSends == nil {
		return true
	}
	return *c.CountFailedSends
}

// Request is the caller-facing enqueue payload.
type Request struct {
	AccountID   string            `json:"account_id"`
	RecipientID string            `json:"recipient_id"`
	Content     string            `json:"content"`
	MediaRefs   []string          `json:"media_refs,omitempty"`
	Priority    string            `json:"priority,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	// IdempotencyKey deduplicates enqueues: a second request with the
	// same live key returns the first message's receipt.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Receipt acknowledges an accepted enqueue.
//
// Degraded means the message was written to the fallback store instead of
// the work queue; it will be swept back once the queue recovers.
type Receipt struct {
	MessageID string    `json:"message_id"`
	QueuedAt  time.Time `json:"queued_at"`

	// EstimatedDelivery is a coarse estimate: now, pushed out by one
	// window when the account has no quota left.
	EstimatedDelivery time.Time `json:"estimated_delivery"`

	Degraded bool `json:"degraded,omitempty"`

	// Duplicate is set when an idempotency key matched an earlier enqueue;
	// MessageID then refers to the original message.
	Duplicate bool `json:"duplicate,omitempty"`
}

// AccountStatus is a non-blocking, point-in-time view for one account.
type AccountStatus struct {
	AccountID string `json:"account_id"`
	Enabled   bool   `json:"enabled"`

	// QueueDepth is -1 when the queue cannot answer in bounded time.
	QueueDepth int `json:"queue_depth"`

	RateLimit     int           `json:"rate_limit"`
	RateRemaining int           `json:"rate_remaining"`
	RateWindow    time.Duration `json:"rate_window"`

	Breaker breaker.Snapshot `json:"breaker"`
}

// Event types published on the bus.
const (
	EventQueued          = "msg.queued"
	EventSent            = "msg.sent"
	EventFailed          = "msg.failed"
	EventThrottled       = "msg.throttled"
	EventCircuitOpen     = "msg.circuit_open"
	EventDegradedEnqueue = "msg.degraded_enqueue"
	EventDedupHit        = "msg.dedup_hit"
)

// MessageEvent is the bus payload for message lifecycle events.
type MessageEvent struct {
	MessageID string    `json:"message_id"`
	AccountID string    `json:"account_id"`
	Attempt   int       `json:"attempt,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}
