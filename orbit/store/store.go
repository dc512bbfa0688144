// Package store defines the persistence interface for orbit and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"time"
)

// Store is the persistence interface for orbit.
type Store interface {
	// Thread events
	AppendEvent(ctx context.Context, ev *ThreadEvent) (int64, error)
	ListThreadEvents(ctx context.Context, userID, threadID string) ([]ThreadEvent, error)

	// Push subscriptions
	UpsertPushSubscription(ctx context.Context, sub *PushSubscription) error
	ListPushSubscriptions(ctx context.Context, userID string) ([]PushSubscription, error)
	DeletePushSubscription(ctx context.Context, endpoint string) error
	DeleteUserPushSubscription(ctx context.Context, userID, endpoint string) error

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// ThreadEvent is one recorded relay frame for a thread.
type ThreadEvent struct {
	ID        int64     `json:"id"`
	ThreadID  string    `json:"thread_id"`
	UserID    string    `json:"user_id"`
	TurnID    string    `json:"turn_id,omitempty"` // stored as NULL when empty
	Direction string    `json:"direction"`         // "client" or "server"
	Role      string    `json:"role"`              // "client" or "anchor"
	Method    string    `json:"method"`
	Payload   string    `json:"payload"` // JSON: {"ts", "direction", "message"}
	CreatedAt time.Time `json:"created_at"`
}

// PushSubscription is a browser Web Push endpoint owned by a user.
type PushSubscription struct {
	UserID    string    `json:"user_id"`
	Endpoint  string    `json:"endpoint"`
	P256dh    string    `json:"p256dh"`
	Auth      string    `json:"auth"`
	CreatedAt time.Time `json:"created_at"`
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
