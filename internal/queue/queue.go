// Package queue abstracts the durable work queue between enqueue and the
// dispatch workers.
//
// The contract is at-least-once: a pulled delivery that is neither Acked nor
// Nacked will eventually be redelivered, and consumers must tolerate
// duplicates. Per-message delay scheduling (Push delay / Nack delay) is how
// throttle and cooldown waits survive process restarts instead of living in
// in-process timers.
package queue

import (
	"context"
	"errors"
	"time"

	"sendgate/internal/message"
)

var (
	// ErrUnavailable signals queue infrastructure failure (connection down,
	// stream missing). Enqueue callers fall back to the persistent store.
	ErrUnavailable = errors.New("queue: unavailable")

	ErrClosed = errors.New("queue: closed")
)

// Delivery is one pulled message plus its settlement handle.
type Delivery interface {
	Message() *message.Outbound

	// Ack marks the message consumed; it will not be redelivered.
	Ack() error

	// Nack returns the message to the queue, redelivered no earlier than
	// the given delay.
	Nack(delay time.Duration) error
}

type Queue interface {
	// Push submits a message, visible to consumers after the given delay.
	Push(ctx context.Context, msg *message.Outbound, delay time.Duration) error

	// Pull blocks up to pollTimeout for at least one eligible message and
	// returns at most max deliveries. An empty slice and nil error means
	// the timeout elapsed with nothing eligible.
	Pull(ctx context.Context, max int, pollTimeout time.Duration) ([]Delivery, error)

	// Depth reports the number of queued (not yet consumed) messages.
	// Implementations must return quickly; -1 means unknown.
	Depth(ctx context.Context) (int, error)

	Close() error
}
