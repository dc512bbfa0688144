package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id BIGSERIAL PRIMARY KEY,
			thread_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			turn_id TEXT,
			direction TEXT NOT NULL,
			role TEXT NOT NULL,
			method TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_user_thread ON events(user_id, thread_id, id)`,
		`CREATE TABLE IF NOT EXISTS push_subscriptions (
			endpoint TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			p256dh TEXT NOT NULL,
			auth TEXT NOT NULL,
			created_at BIGINT NOT NULL
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Thread events ---

func (s *PostgresStore) AppendEvent(ctx context.Context, ev *ThreadEvent) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO events (thread_id, user_id, turn_id, direction, role, method, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		ev.ThreadID, ev.UserID, nullable(ev.TurnID), ev.Direction, ev.Role, ev.Method, ev.Payload, ev.CreatedAt.Unix(),
	).Scan(&id)
	return id, err
}

func (s *PostgresStore) ListThreadEvents(ctx context.Context, userID, threadID string) ([]ThreadEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, user_id, COALESCE(turn_id, ''), direction, role, method, payload, created_at
		 FROM events WHERE user_id = $1 AND thread_id = $2 ORDER BY id ASC`,
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

func (s *PostgresStore) UpsertPushSubscription(ctx context.Context, sub *PushSubscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO push_subscriptions (endpoint, user_id, p256dh, auth, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT(endpoint) DO UPDATE SET p256dh = EXCLUDED.p256dh, auth = EXCLUDED.auth`,
		sub.Endpoint, sub.UserID, sub.P256dh, sub.Auth, sub.CreatedAt.Unix(),
	)
	return err
}

func (s *PostgresStore) ListPushSubscriptions(ctx context.Context, userID string) ([]PushSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT endpoint, user_id, p256dh, auth, created_at
		 FROM push_subscriptions WHERE user_id = $1 ORDER BY created_at, endpoint`,
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

func (s *PostgresStore) DeletePushSubscription(ctx context.Context, endpoint string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM push_subscriptions WHERE endpoint = $1", endpoint)
	return err
}

func (s *PostgresStore) DeleteUserPushSubscription(ctx context.Context, userID, endpoint string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM push_subscriptions WHERE user_id = $1 AND endpoint = $2", userID, endpoint)
	return err
}
