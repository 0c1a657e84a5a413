package fallback

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"sendgate/internal/message"
	logx "sendgate/pkg/logx"
)

// The postgres schema mirrors migrations.sql. Timestamps are stored as
// RFC3339 text in both drivers so scanning stays identical; this table is
// an audit/recovery record, not an analytics surface.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS fallback_messages (
    id               TEXT PRIMARY KEY,
    account_id       TEXT NOT NULL,
    recipient_id     TEXT NOT NULL,
    content          TEXT NOT NULL,
    media_refs       TEXT,
    priority         TEXT,
    metadata         TEXT,
    idempotency_key  TEXT,
    state            TEXT NOT NULL,
    attempt_count    INTEGER NOT NULL DEFAULT 0,
    enqueued_at      TEXT NOT NULL,
    reason           TEXT NOT NULL,
    pending_dispatch INTEGER NOT NULL DEFAULT 0,
    recorded_at      TEXT NOT NULL,
    resolved_at      TEXT
);
CREATE INDEX IF NOT EXISTS idx_fallback_account ON fallback_messages(account_id);
CREATE INDEX IF NOT EXISTS idx_fallback_pending ON fallback_messages(pending_dispatch, recorded_at);
CREATE TABLE IF NOT EXISTS dedup (
    key        TEXT PRIMARY KEY,
    message_id TEXT NOT NULL,
    until      BIGINT NOT NULL
);`

type postgresStore struct {
	db  *sql.DB
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &postgresStore{db: db, log: log}, nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *postgresStore) Record(ctx context.Context, msg *message.Outbound, reason string) (string, error) {
	if s == nil || s.db == nil {
		return "", ErrDisabled
	}
	pending := 0
	if reason == ReasonQueueUnavailable || reason == ReasonFeatureDisabled {
		pending = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fallback_messages(id, account_id, recipient_id, content, media_refs, priority, metadata,
		                               idempotency_key, state, attempt_count, enqueued_at, reason, pending_dispatch, recorded_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		 ON CONFLICT(id) DO UPDATE SET
		   state=EXCLUDED.state, attempt_count=EXCLUDED.attempt_count,
		   reason=EXCLUDED.reason, pending_dispatch=EXCLUDED.pending_dispatch,
		   recorded_at=EXCLUDED.recorded_at`,
		msg.ID, msg.AccountID, msg.RecipientID, msg.Content,
		jsonStr(msg.MediaRefs), string(msg.Priority), jsonStr(msg.Metadata),
		nullStr(msg.IdempotencyKey), string(msg.State), msg.AttemptCount,
		msg.EnqueuedAt.Format(time.RFC3339Nano), reason, pending,
		time.Now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (s *postgresStore) List(ctx context.Context, accountID string, state message.State) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	q := `SELECT ` + entryColumns + ` FROM fallback_messages WHERE 1=1`
	var args []any
	if strings.TrimSpace(accountID) != "" {
		args = append(args, accountID)
		q += ` AND account_id = $1`
	}
	if state != "" {
		args = append(args, string(state))
		if len(args) == 1 {
			q += ` AND state = $1`
		} else {
			q += ` AND state = $2`
		}
	}
	q += ` ORDER BY recorded_at ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *postgresStore) ListPending(ctx context.Context, limit int) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM fallback_messages
		 WHERE pending_dispatch = 1 AND resolved_at IS NULL
		 ORDER BY recorded_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *postgresStore) MarkResolved(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE fallback_messages SET pending_dispatch = 0, resolved_at = $1 WHERE id = $2`,
		time.Now().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) PutDedup(ctx context.Context, key, messageID string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, message_id, until) VALUES($1,$2,$3)
		 ON CONFLICT(key) DO UPDATE SET message_id=EXCLUDED.message_id, until=EXCLUDED.until`,
		key, messageID, until.UnixMilli(),
	)
	return err
}

func (s *postgresStore) GetDedup(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, ErrDisabled
	}
	if key == "" {
		return "", false, nil
	}
	var id string
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT message_id, until FROM dedup WHERE key = $1`, key).Scan(&id, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if time.Now().UnixMilli() > ms {
		return "", false, nil
	}
	return id, true, nil
}
