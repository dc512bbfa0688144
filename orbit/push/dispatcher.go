package push

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zane-ai/zane/orbit/queue"
	"github.com/zane-ai/zane/orbit/store"
	"github.com/zane-ai/zane/pkg/protocol"
)

// storeTimeout bounds each subscription query, upsert or delete.
const storeTimeout = 5 * time.Second

// Dispatcher fans a notification out to every endpoint of a user and keeps
// the subscription table in sync. Work runs on the queue keyed by user, so a
// subscribe followed by a push-test sees the new endpoint while other users
// are never held up behind it.
type Dispatcher struct {
	store       store.Store
	sender      Sender // nil when VAPID is not configured
	queue       *queue.Queue
	sendTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewDispatcher creates a Dispatcher. A nil sender disables delivery but
// subscriptions are still stored. Each endpoint gets sendTimeout on its own.
func NewDispatcher(st store.Store, sender Sender, q *queue.Queue, sendTimeout time.Duration, logger *slog.Logger) *Dispatcher {
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}
	return &Dispatcher{
		store:       st,
		sender:      sender,
		queue:       q,
		sendTimeout: sendTimeout,
		logger:      logger.With("component", "push"),
		now:         time.Now,
	}
}

// Enabled reports whether notifications are delivered.
func (d *Dispatcher) Enabled() bool {
	return d.sender != nil
}

// Notify sends a notification for msg if its method is push-worthy.
func (d *Dispatcher) Notify(userID string, msg protocol.Message, method, threadID string) {
	if !IsPushWorthy(method) || !d.Enabled() {
		return
	}
	payload := BuildPayload(msg, method, threadID)
	d.queue.Enqueue(userID, func(ctx context.Context) {
		d.deliver(ctx, userID, payload)
	})
}

// SendTest sends the test notification to every endpoint of the user.
func (d *Dispatcher) SendTest(userID string) {
	if !d.Enabled() {
		d.logger.Info("push-test ignored, push is not configured")
		return
	}
	d.queue.Enqueue(userID, func(ctx context.Context) {
		d.deliver(ctx, userID, TestPayload())
	})
}

// Subscribe stores a browser endpoint for the user. Incomplete subscriptions
// are ignored.
func (d *Dispatcher) Subscribe(userID, endpoint, p256dh, auth string) {
	if userID == "" || strings.TrimSpace(endpoint) == "" || p256dh == "" || auth == "" {
		return
	}
	sub := &store.PushSubscription{
		UserID:    userID,
		Endpoint:  endpoint,
		P256dh:    p256dh,
		Auth:      auth,
		CreatedAt: d.now(),
	}
	d.queue.Enqueue(userID, func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, storeTimeout)
		defer cancel()
		if err := d.store.UpsertPushSubscription(ctx, sub); err != nil {
			d.logger.Warn("failed to save subscription", "user_id", userID, "error", err)
			return
		}
		d.logger.Info("subscription saved", "user_id", userID)
	})
}

// Unsubscribe removes one of the user's endpoints.
func (d *Dispatcher) Unsubscribe(userID, endpoint string) {
	if userID == "" || endpoint == "" {
		return
	}
	d.queue.Enqueue(userID, func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, storeTimeout)
		defer cancel()
		if err := d.store.DeleteUserPushSubscription(ctx, userID, endpoint); err != nil {
			d.logger.Warn("failed to remove subscription", "user_id", userID, "error", err)
			return
		}
		d.logger.Info("subscription removed", "user_id", userID)
	})
}

func (d *Dispatcher) deliver(ctx context.Context, userID string, payload Payload) {
	listCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	subs, err := d.store.ListPushSubscriptions(listCtx, userID)
	cancel()
	if err != nil {
		d.logger.Warn("failed to query subscriptions", "user_id", userID, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("failed to encode payload", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.sendOne(ctx, userID, sub, body, payload.Type)
		}()
	}
	wg.Wait()
}

// sendOne delivers to a single endpoint under its own deadline, so a hung
// push service only costs that endpoint.
func (d *Dispatcher) sendOne(ctx context.Context, userID string, sub store.PushSubscription, body []byte, kind string) {
	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	err := d.sender.Send(sendCtx, sub, body)
	cancel()

	switch {
	case errors.Is(err, ErrEndpointGone):
		delCtx, cancel := context.WithTimeout(ctx, storeTimeout)
		defer cancel()
		if err := d.store.DeletePushSubscription(delCtx, sub.Endpoint); err != nil {
			d.logger.Warn("failed to delete expired subscription", "error", err)
			return
		}
		d.logger.Info("removed expired subscription", "user_id", userID)
	case err != nil:
		d.logger.Warn("failed to send push", "user_id", userID, "type", kind, "error", err)
	default:
		d.logger.Debug("push sent", "user_id", userID, "type", kind)
	}
}
