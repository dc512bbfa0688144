// Package eventbus carries bridge lifecycle events from the orbit connection
// to whoever is watching (the run command's status log, tests).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the bridge.
const (
	BridgeConnected        = "bridge.connected"
	BridgeDisconnected     = "bridge.disconnected"
	BridgeReconnecting     = "bridge.reconnecting"
	BridgeHeartbeatTimeout = "bridge.heartbeat-timeout"
	ThreadSubscribed       = "thread.subscribed"
)

// Event is a single lifecycle notification.
type Event struct {
	Type      string
	Timestamp time.Time
	Attrs     map[string]string
}

// Attr returns the named attribute or "".
func (e Event) Attr(key string) string {
	return e.Attrs[key]
}

type subscription struct {
	filter map[string]bool // nil = all
}

// Bus is a fan-out pub/sub bus. Publish never blocks; a subscriber whose
// buffer is full misses the event and the miss is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[chan Event]subscription
	closed  bool
	dropped atomic.Int64
	now     func() time.Time
}

// New creates an event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[chan Event]subscription),
		now:  time.Now,
	}
}

// Subscribe returns a channel buffered to size that receives events of the
// given types, or every event when no type is given. A subscription on a
// closed bus gets an already closed channel.
func (b *Bus) Subscribe(size int, types ...string) <-chan Event {
	if size <= 0 {
		size = 64
	}
	ch := make(chan Event, size)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	var sub subscription
	if len(types) > 0 {
		sub.filter = make(map[string]bool, len(types))
		for _, t := range types {
			sub.filter[t] = true
		}
	}
	b.subs[ch] = sub
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.subs {
		if c == ch {
			delete(b.subs, c)
			close(c)
			return
		}
	}
}

// Publish stamps and fans out an event of the given type. attrs is a flat
// list of key/value pairs; a trailing odd key is ignored.
func (b *Bus) Publish(eventType string, attrs ...string) {
	e := Event{Type: eventType, Timestamp: b.now()}
	if len(attrs) >= 2 {
		e.Attrs = make(map[string]string, len(attrs)/2)
		for i := 0; i+1 < len(attrs); i += 2 {
			e.Attrs[attrs[i]] = attrs[i+1]
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, sub := range b.subs {
		if sub.filter != nil && !sub.filter[e.Type] {
			continue
		}
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}
