// Package platform is the boundary to the external messaging platform.
//
// The dispatcher only knows the Sender interface and the retryable /
// non-retryable error split. Network failures, timeouts, and 5xx-equivalent
// responses are retryable; validation and 4xx-equivalent responses are not.
package platform

import (
	"context"
	"errors"
	"fmt"

	"sendgate/internal/message"
)

// Sender delivers a single message to the external platform.
//
// Implementations must honor ctx cancellation; the dispatcher applies a hard
// per-call timeout and treats exceeding it as a retryable failure.
type Sender interface {
	Send(ctx context.Context, msg *message.Outbound) error
}

// ErrRetryable and ErrPermanent are the sentinels senders use to classify
// failures.
var (
	ErrRetryable = errors.New("retryable platform error")
	ErrPermanent = errors.New("permanent platform error")
)

// Retryable annotates an error as a transient downstream failure.
func Retryable(err error) error {
	if err == nil {
		return ErrRetryable
	}
	return fmt.Errorf("%w: %v", ErrRetryable, err)
}

// Permanent annotates an error as a client/validation failure that must not
// be retried and must not count against the circuit breaker.
func Permanent(err error) error {
	if err == nil {
		return ErrPermanent
	}
	return fmt.Errorf("%w: %v", ErrPermanent, err)
}

// IsRetryable reports whether err should be retried and counted by the
// breaker. Unclassified errors (including context deadline/cancel) default
// to retryable: treating an unknown failure as permanent would silently
// drop a message, while a spurious retry is covered by idempotent delivery.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) {
		return false
	}
	return true
}
