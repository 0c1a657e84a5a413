package fallback

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"sendgate/internal/message"
	logx "sendgate/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Record(ctx context.Context, msg *message.Outbound, reason string) (string, error) {
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
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   state=excluded.state, attempt_count=excluded.attempt_count,
		   reason=excluded.reason, pending_dispatch=excluded.pending_dispatch,
		   recorded_at=excluded.recorded_at`,
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

const entryColumns = `id, account_id, recipient_id, content, media_refs, priority, metadata,
	idempotency_key, state, attempt_count, enqueued_at, reason, pending_dispatch, recorded_at, resolved_at`

func (s *sqliteStore) List(ctx context.Context, accountID string, state message.State) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	q := `SELECT ` + entryColumns + ` FROM fallback_messages WHERE 1=1`
	var args []any
	if strings.TrimSpace(accountID) != "" {
		q += ` AND account_id = ?`
		args = append(args, accountID)
	}
	if state != "" {
		q += ` AND state = ?`
		args = append(args, string(state))
	}
	q += ` ORDER BY recorded_at ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *sqliteStore) ListPending(ctx context.Context, limit int) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM fallback_messages
		 WHERE pending_dispatch = 1 AND resolved_at IS NULL
		 ORDER BY recorded_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *sqliteStore) MarkResolved(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE fallback_messages SET pending_dispatch = 0, resolved_at = ? WHERE id = ?`,
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

func (s *sqliteStore) PutDedup(ctx context.Context, key, messageID string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, message_id, until) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET message_id=excluded.message_id, until=excluded.until`,
		key, messageID, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, ErrDisabled
	}
	if key == "" {
		return "", false, nil
	}
	var id string
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT message_id, until FROM dedup WHERE key = ?`, key).Scan(&id, &ms)
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

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now)
	return err
}

// ---- shared row helpers (sqlite + postgres) ----

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanEntries(rows rowScanner) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			mediaRefs  sql.NullString
			priority   sql.NullString
			metadata   sql.NullString
			idemKey    sql.NullString
			state      string
			enqueuedAt string
			pending    int
			recordedAt string
			resolvedAt sql.NullString
		)
		if err := rows.Scan(&e.Msg.ID, &e.Msg.AccountID, &e.Msg.RecipientID, &e.Msg.Content,
			&mediaRefs, &priority, &metadata, &idemKey, &state, &e.Msg.AttemptCount,
			&enqueuedAt, &e.Reason, &pending, &recordedAt, &resolvedAt); err != nil {
			return nil, err
		}
		if mediaRefs.Valid && mediaRefs.String != "" {
			_ = json.Unmarshal([]byte(mediaRefs.String), &e.Msg.MediaRefs)
		}
		if metadata.Valid && metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &e.Msg.Metadata)
		}
		e.Msg.Priority = message.Priority(priority.String)
		e.Msg.IdempotencyKey = idemKey.String
		e.Msg.State = message.State(state)
		e.Msg.EnqueuedAt = parseRFC3339(enqueuedAt)
		e.PendingDispatch = pending != 0
		e.RecordedAt = parseRFC3339(recordedAt)
		if resolvedAt.Valid {
			t := parseRFC3339(resolvedAt.String)
			e.ResolvedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func parseRFC3339(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func jsonStr(v any) any {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return nil
	}
	return string(b)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
