// Package eventlog persists the thread frames a late-joining client needs to
// rebuild a conversation. Only a small allow-list of methods is stored.
package eventlog

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/zane-ai/zane/orbit/queue"
	"github.com/zane-ai/zane/orbit/store"
	"github.com/zane-ai/zane/pkg/protocol"
)

var storedMethods = map[string]bool{
	"turn/start":        true,
	"turn/started":      true,
	"turn/diff/updated": true,
	"item/started":      true,
}

// Stored reports whether frames with this method are persisted.
func Stored(method string) bool {
	return storedMethods[method]
}

// entry is the payload column, and the NDJSON line the events endpoint serves.
type entry struct {
	TS        string             `json:"ts"`
	Direction protocol.Direction `json:"direction"`
	Message   protocol.Message   `json:"message"`
}

// Build turns a frame into a row. It returns false when the frame has no
// thread id or its method is not on the allow-list.
func Build(userID string, dir protocol.Direction, msg protocol.Message, now time.Time) (*store.ThreadEvent, bool) {
	threadID := msg.ThreadID()
	if threadID == "" {
		return nil, false
	}
	method := msg.Method()
	if !Stored(method) {
		return nil, false
	}

	payload, err := json.Marshal(entry{TS: protocol.Timestamp(now), Direction: dir, Message: msg})
	if err != nil {
		return nil, false
	}

	role := "anchor"
	if dir == protocol.DirectionClient {
		role = "client"
	}
	return &store.ThreadEvent{
		ThreadID:  threadID,
		UserID:    userID,
		TurnID:    msg.TurnID(),
		Direction: string(dir),
		Role:      role,
		Method:    method,
		Payload:   string(payload),
		CreatedAt: now,
	}, true
}

// Log writes events to the store on a background queue.
type Log struct {
	store  store.Store
	queue  *queue.Queue
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Log. Jobs are submitted to q, which the caller owns.
func New(st store.Store, q *queue.Queue, logger *slog.Logger) *Log {
	return &Log{
		store:  st,
		queue:  q,
		logger: logger.With("component", "eventlog"),
		now:    time.Now,
	}
}

// Record persists msg if it qualifies. It never blocks on the database:
// the write happens on the queue and failures are only logged.
func (l *Log) Record(userID string, dir protocol.Direction, msg protocol.Message) {
	ev, ok := Build(userID, dir, msg, l.now())
	if !ok {
		return
	}
	l.queue.Enqueue(userID, func(ctx context.Context) {
		if _, err := l.store.AppendEvent(ctx, ev); err != nil {
			l.logger.Warn("failed to log event", "thread_id", ev.ThreadID, "method", ev.Method, "error", err)
			return
		}
		l.logger.Debug("event logged", "thread_id", ev.ThreadID, "method", ev.Method, "direction", ev.Direction)
	})
}
