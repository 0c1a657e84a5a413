// Package fallback is the durable, restart-surviving record of messages
// that bypassed the primary queue path.
//
// Records are written when the work queue is unreachable at enqueue time,
// when the whole subsystem is disabled, and when a message exhausts its
// dispatch attempts. Nothing is ever silently dropped: a failed message is
// always resolvable through List.
//
// The store also owns idempotency-key dedup state, so duplicate enqueues
// are caught across restarts.
package fallback

import (
	"context"
	"errors"
	"strings"
	"time"

	"sendgate/internal/message"
	logx "sendgate/pkg/logx"
)

var (
	ErrDisabled = errors.New("fallback: store disabled")
	ErrNotFound = errors.New("fallback: record not found")
)

// Record reasons.
const (
	ReasonQueueUnavailable = "queue_unavailable"
	ReasonDispatchFailed   = "dispatch_failed"
	ReasonFeatureDisabled  = "feature_disabled"
)

// Config selects and configures the store driver.
//
// Driver values:
//   - "sqlite": local database file (modernc.org/sqlite, no cgo)
//   - "postgres": shared server (lib/pq), for multi-node deployments
//
// If Driver is empty or "none", the store is disabled; degraded-mode
// enqueues then have nowhere to go and fail loudly.
type Config struct {
	Driver      string
	Path        string        // sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Entry is one stored record.
type Entry struct {
	Msg             message.Outbound
	Reason          string
	PendingDispatch bool
	RecordedAt      time.Time
	ResolvedAt      *time.Time
}

// Store is the persistence API used by the dispatcher and the redeliverer.
type Store interface {
	// Record upserts the message keyed by its ID and returns that ID.
	// Records written for queue unavailability or a disabled subsystem are
	// flagged pendingDispatch so the sweeper can pick them up later.
	Record(ctx context.Context, msg *message.Outbound, reason string) (string, error)

	// List returns records for the account, optionally filtered by state.
	// An empty accountID lists all accounts.
	List(ctx context.Context, accountID string, state message.State) ([]Entry, error)

	// ListPending returns up to limit unresolved pendingDispatch records,
	// oldest first.
	ListPending(ctx context.Context, limit int) ([]Entry, error)

	// MarkResolved clears the pendingDispatch flag and stamps ResolvedAt.
	MarkResolved(ctx context.Context, id string) error

	// PutDedup binds an idempotency key to a message ID until the given
	// time. GetDedup reports the bound message ID if the key is live.
	PutDedup(ctx context.Context, key, messageID string, until time.Time) error
	GetDedup(ctx context.Context, key string) (messageID string, ok bool, err error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if the store is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "pg":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown fallback driver: " + driver)
	}
}
