package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type entry struct {
	actor     *Actor
	refs      int       // attached connections
	idleSince time.Time // set when refs drops to zero
}

// Registry maps user ids to actors. An actor lives while any connection of
// the user is attached and for idleTimeout afterwards, so a quick reconnect
// lands on the same actor.
type Registry struct {
	logger      *slog.Logger
	opts        ActorOptions
	idleTimeout time.Duration
	now         func() time.Time

	mu     sync.Mutex
	actors map[string]*entry
	closed bool
}

// NewRegistry creates a registry. An idleTimeout of zero or less evicts an
// actor as soon as its last connection is released.
func NewRegistry(logger *slog.Logger, idleTimeout time.Duration, opts ActorOptions) *Registry {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		logger:      logger.With("component", "relay"),
		opts:        opts,
		idleTimeout: idleTimeout,
		now:         now,
		actors:      make(map[string]*entry),
	}
}

// Acquire returns the user's actor, creating it if needed, and counts one
// more attached connection. Every successful Acquire needs a Release.
func (r *Registry) Acquire(userID string) (*Actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrActorStopped
	}
	e, ok := r.actors[userID]
	if !ok {
		e = &entry{actor: NewActor(userID, r.logger, r.opts)}
		r.actors[userID] = e
		r.logger.Debug("actor created", "user_id", userID)
	}
	e.refs++
	return e.actor, nil
}

// Release drops one attached connection of the user.
func (r *Registry) Release(userID string) {
	r.mu.Lock()
	e, ok := r.actors[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return
	}
	e.refs = 0
	if r.idleTimeout > 0 {
		e.idleSince = r.now()
		r.mu.Unlock()
		return
	}
	delete(r.actors, userID)
	r.mu.Unlock()

	e.actor.Stop(CloseGoingAway, "")
	r.logger.Debug("actor evicted", "user_id", userID)
}

// Reap evicts actors that have had no connections for idleTimeout. It
// returns how many were evicted.
func (r *Registry) Reap(now time.Time) int {
	var idle []*entry
	r.mu.Lock()
	for userID, e := range r.actors {
		if e.refs == 0 && now.Sub(e.idleSince) >= r.idleTimeout {
			idle = append(idle, e)
			delete(r.actors, userID)
		}
	}
	r.mu.Unlock()

	for _, e := range idle {
		e.actor.Stop(CloseGoingAway, "")
		r.logger.Debug("actor evicted", "user_id", e.actor.UserID())
	}
	return len(idle)
}

// StartIdleReaper runs Reap every interval until ctx is cancelled.
func (r *Registry) StartIdleReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 || r.idleTimeout <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := r.Reap(r.now()); n > 0 {
					r.logger.Info("idle reaper: evicted actors", "count", n)
				}
			}
		}
	}()
}

// Lookup returns the user's actor without attaching to it.
func (r *Registry) Lookup(userID string) (*Actor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.actors[userID]
	if !ok {
		return nil, false
	}
	return e.actor, true
}

// Len returns the number of live actors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

// Shutdown stops every actor, closing their sockets with 1001. Later
// Acquire calls fail.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	actors := make([]*Actor, 0, len(r.actors))
	for _, e := range r.actors {
		actors = append(actors, e.actor)
	}
	r.actors = make(map[string]*entry)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, a := range actors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Stop(CloseGoingAway, "Server shutting down")
		}()
	}
	wg.Wait()
	r.logger.Info("relay stopped", "actors", len(actors))
}
