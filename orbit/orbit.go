// Package orbit is the main orchestrator that ties all relay components together.
package orbit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/zane-ai/zane/orbit/api"
	"github.com/zane-ai/zane/orbit/auth"
	"github.com/zane-ai/zane/orbit/config"
	"github.com/zane-ai/zane/orbit/eventlog"
	"github.com/zane-ai/zane/orbit/push"
	"github.com/zane-ai/zane/orbit/queue"
	"github.com/zane-ai/zane/orbit/relay"
	"github.com/zane-ai/zane/orbit/store"
)

// eventJobTimeout bounds a single event-log insert.
const eventJobTimeout = 5 * time.Second

// Orbit is the main relay process.
type Orbit struct {
	cfg        *config.Config
	store      store.Store
	pushQueue  *queue.Queue
	eventQueue *queue.Queue
	registry   *relay.Registry
	api        *api.Server
	logger     *slog.Logger
}

// New creates a relay from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Orbit, error) {
	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	verifier := auth.NewVerifier(auth.Options{
		WebSecret:    cfg.Auth.WebJWTSecret,
		AnchorSecret: cfg.Auth.AnchorJWTSecret,
		ClockSkew:    cfg.Auth.ClockSkew.Duration,
	}, logger)

	// Side effects run off the actor loops, one ordered lane per user. Push
	// jobs carry no overall deadline; the dispatcher bounds each request.
	pushQueue := queue.New("push", cfg.Relay.QueueSize, 0, logger)
	eventQueue := queue.New("eventlog", cfg.Relay.QueueSize, eventJobTimeout, logger)

	var sender push.Sender
	if cfg.Push.Enabled() {
		sender = push.NewWebPushSender(cfg.Push)
	}
	dispatcher := push.NewDispatcher(db, sender, pushQueue, cfg.Push.Timeout.Duration, logger)
	events := eventlog.New(db, eventQueue, logger)

	registry := relay.NewRegistry(logger, cfg.Relay.IdleTimeout.Duration, relay.ActorOptions{
		InboxSize:  cfg.Relay.InboxSize,
		SendBuffer: cfg.Relay.SendBuffer,
		Recorder:   events,
		Push:       dispatcher,
	})
	rel := relay.New(verifier, registry, logger, relay.Options{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
		WriteTimeout:    cfg.Relay.WriteTimeout.Duration,
		PingInterval:    cfg.Relay.PingInterval.Duration,
	})

	o := &Orbit{
		cfg:        cfg,
		store:      db,
		pushQueue:  pushQueue,
		eventQueue: eventQueue,
		registry:   registry,
		api:        api.NewServer(db, verifier, rel, cfg, logger),
		logger:     logger.With("component", "orbit"),
	}

	// Startup validation warnings. Missing configuration refuses the feature,
	// it does not stop the process.
	if !verifier.Configured() {
		logger.Warn("no token secrets configured (ZANE_WEB_JWT_SECRET, ZANE_ANCHOR_JWT_SECRET); every connection will be rejected")
	}
	if cfg.Auth.WebJWTSecret != "" && len(cfg.Auth.WebJWTSecret) < 32 {
		logger.Warn("web JWT secret is shorter than 32 characters; use a stronger secret in production")
	}
	if cfg.Auth.AnchorJWTSecret != "" && len(cfg.Auth.AnchorJWTSecret) < 32 {
		logger.Warn("anchor JWT secret is shorter than 32 characters; use a stronger secret in production")
	}
	if !cfg.Push.Enabled() {
		logger.Warn("VAPID keys not configured; push notifications are disabled")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*'; restrict to specific origins in production")
			break
		}
	}

	return o, nil
}

// Handler returns the HTTP handler serving every orbit route.
func (o *Orbit) Handler() http.Handler {
	return o.api.Handler()
}

// Run starts the relay HTTP server and blocks until the context is canceled.
func (o *Orbit) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    o.cfg.Server.Addr,
		Handler: o.api.Handler(),
	}

	o.pushQueue.Start()
	o.eventQueue.Start()

	// Start idle actor reaper and rate limiter cleanup.
	o.registry.StartIdleReaper(ctx, o.cfg.Relay.ReapInterval.Duration)
	o.api.StartBackgroundTasks(ctx)

	errCh := make(chan error, 1)
	go func() {
		o.logger.Info("orbit listening", "addr", o.cfg.Server.Addr)
		if o.cfg.Server.TLSCert != "" && o.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(o.cfg.Server.TLSCert, o.cfg.Server.TLSKey)
		} else {
			o.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		o.logger.Info("shutting down orbit gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			o.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			o.logger.Info("http server stopped gracefully")
		}

		o.close()
		o.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		o.close()
		return err
	}
}

// close stops the actors (sockets get 1001), drains the side-effect queues
// and closes the store, in that order.
func (o *Orbit) close() {
	o.registry.Shutdown()

	o.pushQueue.Close()
	o.eventQueue.Close()
	if n := o.pushQueue.Dropped() + o.eventQueue.Dropped(); n > 0 {
		o.logger.Warn("side-effect jobs dropped during run", "count", n)
	}

	o.logger.Info("closing store")
	_ = o.store.Close()
}
