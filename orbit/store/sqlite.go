package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// Every pooled connection must see the same in-memory database, and no
	// other store may.
	if dsn == ":memory:" {
		dsn = "file:" + uuid.New().String() + "?mode=memory&cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			turn_id TEXT,
			direction TEXT NOT NULL,
			role TEXT NOT NULL,
			method TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_user_thread ON events(user_id, thread_id, id)`,
		`CREATE TABLE IF NOT EXISTS push_subscriptions (
			endpoint TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			p256dh TEXT NOT NULL,
			auth TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_push_subscriptions_user ON push_subscriptions(user_id)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec %q: %w", m[:min(len(m), 60)], err)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Thread events ---

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev *ThreadEvent) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (thread_id, user_id, turn_id, direction, role, method, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ThreadID, ev.UserID, nullable(ev.TurnID), ev.Direction, ev.Role, ev.Method, ev.Payload, ev.CreatedAt.Unix(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) ListThreadEvents(ctx context.Context, userID, threadID string) ([]ThreadEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, user_id, COALESCE(turn_id, ''), direction, role, method, payload, created_at
		 FROM events WHERE user_id = ? AND thread_id = ? ORDER BY id ASC`,
		userID, threadID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []ThreadEvent
	for rows.Next() {
		var ev ThreadEvent
		var created int64
		if err := rows.Scan(&ev.ID, &ev.ThreadID, &ev.UserID, &ev.TurnID, &ev.Direction, &ev.Role, &ev.Method, &ev.Payload, &created); err != nil {
			return nil, err
		}
		ev.CreatedAt = time.Unix(created, 0).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- Push subscriptions ---

func (s *SQLiteStore) UpsertPushSubscription(ctx context.Context, sub *PushSubscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO push_subscriptions (endpoint, user_id, p256dh, auth, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(endpoint) DO UPDATE SET p256dh = excluded.p256dh, auth = excluded.auth`,
		sub.Endpoint, sub.UserID, sub.P256dh, sub.Auth, sub.CreatedAt.Unix(),
	)
	return err
}

func (s *SQLiteStore) ListPushSubscriptions(ctx context.Context, userID string) ([]PushSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT endpoint, user_id, p256dh, auth, created_at
		 FROM push_subscriptions WHERE user_id = ? ORDER BY created_at, endpoint`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var subs []PushSubscription
	for rows.Next() {
		var sub PushSubscription
		var created int64
		if err := rows.Scan(&sub.Endpoint, &sub.UserID, &sub.P256dh, &sub.Auth, &created); err != nil {
			return nil, err
		}
		sub.CreatedAt = time.Unix(created, 0).UTC()
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *SQLiteStore) DeletePushSubscription(ctx context.Context, endpoint string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM push_subscriptions WHERE endpoint = ?", endpoint)
	return err
}

func (s *SQLiteStore) DeleteUserPushSubscription(ctx context.Context, userID, endpoint string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM push_subscriptions WHERE user_id = ? AND endpoint = ?", userID, endpoint)
	return err
}
