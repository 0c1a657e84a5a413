// Package message defines the outbound message model shared by the queue,
// the fallback store, and the dispatcher.
package message

import (
	"time"
)

// State tracks a message through the dispatch lifecycle.
//
// Sent and Failed are terminal; a message in a terminal state is never
// mutated again. Throttled is a transient label: the message is back on the
// queue with a delay and will be re-pulled.
type State string

const (
	StateQueued      State = "queued"
	StateDispatching State = "dispatching"
	StateSent        State = "sent"
	StateFailed      State = "failed"
	StateThrottled   State = "throttled"
)

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool { return s == StateSent || s == StateFailed }

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Outbound is a single message to be delivered to the external platform.
//
// AccountID is the quota-bearing principal: all rate accounting is scoped
// to it. ID is assigned at enqueue time and doubles as the dedupe key for
// duplicate deliveries from the at-least-once queue.
type Outbound struct {
	ID          string            `json:"id"`
	AccountID   string            `json:"account_id"`
	RecipientID string            `json:"recipient_id"`
	Content     string            `json:"content"`
	MediaRefs   []string          `json:"media_refs,omitempty"`
	Priority    Priority          `json:"priority,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	// IdempotencyKey is optional and caller-supplied. Two enqueues with the
	// same key must not result in two external sends.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	State        State      `json:"state"`
	EnqueuedAt   time.Time  `json:"enqueued_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	AttemptCount int        `json:"attempt_count"`
}
