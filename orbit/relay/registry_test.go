package relay

import (
	"errors"
	"testing"
	"time"

	"github.com/zane-ai/zane/pkg/protocol"
)

func TestRegistry_AcquireSharesActor(t *testing.T) {
	reg := NewRegistry(testLogger(), time.Minute, ActorOptions{})
	t.Cleanup(reg.Shutdown)

	a1, err := reg.Acquire("user-1")
	if err != nil {
		t.Fatal(err)
	}
	a2, _ := reg.Acquire("user-1")
	b, _ := reg.Acquire("user-2")

	if a1 != a2 {
		t.Error("same user got two actors")
	}
	if a1 == b {
		t.Error("different users share an actor")
	}
	if reg.Len() != 2 {
		t.Errorf("Len = %d, want 2", reg.Len())
	}
	if got, ok := reg.Lookup("user-2"); !ok || got != b {
		t.Error("Lookup(user-2) did not return the actor")
	}
	if _, ok := reg.Lookup("nobody"); ok {
		t.Error("Lookup(nobody) found an actor")
	}
}

func TestRegistry_ReapIdleActors(t *testing.T) {
	now := testNow
	reg := NewRegistry(testLogger(), time.Minute, ActorOptions{Now: func() time.Time { return now }})
	t.Cleanup(reg.Shutdown)

	busy, _ := reg.Acquire("busy")
	idle, _ := reg.Acquire("idle")
	reg.Release("idle")

	if n := reg.Reap(now.Add(30 * time.Second)); n != 0 {
		t.Errorf("Reap before timeout evicted %d", n)
	}
	if n := reg.Reap(now.Add(time.Minute)); n != 1 {
		t.Errorf("Reap after timeout evicted %d, want 1", n)
	}
	if _, err := idle.Stats(); !errors.Is(err, ErrActorStopped) {
		t.Errorf("evicted actor still running: %v", err)
	}
	if _, err := busy.Stats(); err != nil {
		t.Errorf("busy actor stopped: %v", err)
	}

	// A reconnect after eviction gets a fresh actor.
	again, _ := reg.Acquire("idle")
	if again == idle {
		t.Error("evicted actor was reused")
	}
}

func TestRegistry_ReacquireCancelsIdle(t *testing.T) {
	now := testNow
	reg := NewRegistry(testLogger(), time.Minute, ActorOptions{Now: func() time.Time { return now }})
	t.Cleanup(reg.Shutdown)

	a, _ := reg.Acquire("u")
	reg.Release("u")
	b, _ := reg.Acquire("u")
	if a != b {
		t.Fatal("reconnect within idle window got a new actor")
	}
	if n := reg.Reap(now.Add(time.Hour)); n != 0 {
		t.Errorf("Reap evicted an attached actor")
	}
}

func TestRegistry_ZeroIdleTimeoutEvictsImmediately(t *testing.T) {
	reg := NewRegistry(testLogger(), 0, ActorOptions{})
	t.Cleanup(reg.Shutdown)

	a, _ := reg.Acquire("u")
	reg.Release("u")
	reg.Release("u") // extra release is harmless

	if reg.Len() != 0 {
		t.Errorf("Len = %d, want 0", reg.Len())
	}
	if _, err := a.Stats(); !errors.Is(err, ErrActorStopped) {
		t.Errorf("actor not stopped: %v", err)
	}
}

func TestRegistry_Shutdown(t *testing.T) {
	reg := NewRegistry(testLogger(), time.Minute, ActorOptions{})
	a, _ := reg.Acquire("user-1")
	tr := &fakeTransport{}
	if err := a.Register(NewSocket("c1", protocol.RoleClient, "", tr)); err != nil {
		t.Fatal(err)
	}

	reg.Shutdown()

	closed, code, reason := tr.isClosed()
	if !closed || code != CloseGoingAway || reason != "Server shutting down" {
		t.Errorf("close = %v/%d/%q", closed, code, reason)
	}
	if _, err := reg.Acquire("user-1"); !errors.Is(err, ErrActorStopped) {
		t.Errorf("Acquire after Shutdown = %v, want ErrActorStopped", err)
	}
	if reg.Len() != 0 {
		t.Errorf("Len = %d, want 0", reg.Len())
	}
}
