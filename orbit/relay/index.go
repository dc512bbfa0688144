package relay

import "sort"

// SubscriptionIndex maps threads to subscribed sockets and back. Both
// directions are kept in step: a socket appears under a thread if and only
// if the thread appears under that socket. Empty sets are deleted.
//
// It is not safe for concurrent use; an Actor owns its indexes.
type SubscriptionIndex struct {
	byThread map[string]map[string]struct{} // thread id -> socket ids
	bySocket map[string]map[string]struct{} // socket id -> thread ids
}

// NewSubscriptionIndex creates an empty index.
func NewSubscriptionIndex() *SubscriptionIndex {
	return &SubscriptionIndex{
		byThread: make(map[string]map[string]struct{}),
		bySocket: make(map[string]map[string]struct{}),
	}
}

// Subscribe adds socketID to threadID. Subscribing twice is a no-op.
func (ix *SubscriptionIndex) Subscribe(socketID, threadID string) {
	add(ix.byThread, threadID, socketID)
	add(ix.bySocket, socketID, threadID)
}

// Unsubscribe removes socketID from threadID.
func (ix *SubscriptionIndex) Unsubscribe(socketID, threadID string) {
	remove(ix.byThread, threadID, socketID)
	remove(ix.bySocket, socketID, threadID)
}

// Remove drops every subscription held by socketID.
func (ix *SubscriptionIndex) Remove(socketID string) {
	for threadID := range ix.bySocket[socketID] {
		remove(ix.byThread, threadID, socketID)
	}
	delete(ix.bySocket, socketID)
}

// Subscribers returns the socket ids subscribed to threadID, sorted.
func (ix *SubscriptionIndex) Subscribers(threadID string) []string {
	return keys(ix.byThread[threadID])
}

// Threads returns the thread ids socketID is subscribed to, sorted.
func (ix *SubscriptionIndex) Threads(socketID string) []string {
	return keys(ix.bySocket[socketID])
}

// ThreadCount returns the number of threads with at least one subscriber.
func (ix *SubscriptionIndex) ThreadCount() int {
	return len(ix.byThread)
}

func add(m map[string]map[string]struct{}, k, v string) {
	set, ok := m[k]
	if !ok {
		set = make(map[string]struct{})
		m[k] = set
	}
	set[v] = struct{}{}
}

func remove(m map[string]map[string]struct{}, k, v string) {
	set, ok := m[k]
	if !ok {
		return
	}
	delete(set, v)
	if len(set) == 0 {
		delete(m, k)
	}
}

func keys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
