package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"github.com/zane-ai/zane/orbit/config"
	"github.com/zane-ai/zane/orbit/store"
)

// ErrEndpointGone means the push service no longer knows the subscription
// (404 or 410) and it should be deleted.
var ErrEndpointGone = errors.New("push endpoint gone")

// Sender delivers one encrypted notification to one subscription.
type Sender interface {
	Send(ctx context.Context, sub store.PushSubscription, payload []byte) error
}

// WebPushSender sends notifications with VAPID authentication.
type WebPushSender struct {
	publicKey  string
	privateKey string
	subject    string
	ttl        int
	client     *http.Client
}

// NewWebPushSender creates a sender from the push configuration.
func NewWebPushSender(cfg config.PushConfig) *WebPushSender {
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 3600
	}
	timeout := cfg.Timeout.Duration
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &WebPushSender{
		publicKey:  cfg.VAPIDPublicKey,
		privateKey: cfg.VAPIDPrivateKey,
		subject:    cfg.VAPIDSubject,
		ttl:        ttl,
		client:     &http.Client{Timeout: timeout},
	}
}

// Send encrypts payload for sub and posts it to the push service.
func (s *WebPushSender) Send(ctx context.Context, sub store.PushSubscription, payload []byte) error {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			Auth:   sub.Auth,
			P256dh: sub.P256dh,
		},
	}, &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      s.subject,
		TTL:             s.ttl,
		VAPIDPublicKey:  s.publicKey,
		VAPIDPrivateKey: s.privateKey,
	})
	if err != nil {
		return fmt.Errorf("send push: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return ErrEndpointGone
	case resp.StatusCode >= 400:
		return fmt.Errorf("push service returned %d", resp.StatusCode)
	}
	return nil
}

// VAPIDKeys is a base64url-encoded raw P-256 key pair.
type VAPIDKeys struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// GenerateVAPIDKeys creates a fresh VAPID key pair.
func GenerateVAPIDKeys() (VAPIDKeys, error) {
	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return VAPIDKeys{}, fmt.Errorf("generate vapid keys: %w", err)
	}
	return VAPIDKeys{PublicKey: pub, PrivateKey: priv}, nil
}
