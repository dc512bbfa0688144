package relay

import (
	"slices"
	"testing"
)

// checkConsistent verifies both directions of the index agree and that no
// empty sets are left behind.
func checkConsistent(t *testing.T, ix *SubscriptionIndex) {
	t.Helper()
	for threadID, sockets := range ix.byThread {
		if len(sockets) == 0 {
			t.Errorf("thread %q has an empty socket set", threadID)
		}
		for socketID := range sockets {
			if _, ok := ix.bySocket[socketID][threadID]; !ok {
				t.Errorf("thread %q lists socket %q but not the reverse", threadID, socketID)
			}
		}
	}
	for socketID, threads := range ix.bySocket {
		if len(threads) == 0 {
			t.Errorf("socket %q has an empty thread set", socketID)
		}
		for threadID := range threads {
			if _, ok := ix.byThread[threadID][socketID]; !ok {
				t.Errorf("socket %q lists thread %q but not the reverse", socketID, threadID)
			}
		}
	}
}

func TestSubscriptionIndex(t *testing.T) {
	ix := NewSubscriptionIndex()

	ix.Subscribe("s1", "thr_a")
	ix.Subscribe("s1", "thr_b")
	ix.Subscribe("s2", "thr_a")
	ix.Subscribe("s2", "thr_a") // idempotent
	checkConsistent(t, ix)

	if got := ix.Subscribers("thr_a"); !slices.Equal(got, []string{"s1", "s2"}) {
		t.Errorf("Subscribers(thr_a) = %v", got)
	}
	if got := ix.Threads("s1"); !slices.Equal(got, []string{"thr_a", "thr_b"}) {
		t.Errorf("Threads(s1) = %v", got)
	}
	if ix.ThreadCount() != 2 {
		t.Errorf("ThreadCount = %d, want 2", ix.ThreadCount())
	}

	ix.Unsubscribe("s1", "thr_b")
	checkConsistent(t, ix)
	if got := ix.Subscribers("thr_b"); got != nil {
		t.Errorf("Subscribers(thr_b) = %v, want none", got)
	}
	if _, ok := ix.byThread["thr_b"]; ok {
		t.Error("empty thread entry was not deleted")
	}

	ix.Remove("s1")
	checkConsistent(t, ix)
	if got := ix.Subscribers("thr_a"); !slices.Equal(got, []string{"s2"}) {
		t.Errorf("Subscribers(thr_a) after Remove = %v", got)
	}
	if got := ix.Threads("s1"); got != nil {
		t.Errorf("Threads(s1) after Remove = %v", got)
	}

	ix.Remove("s2")
	checkConsistent(t, ix)
	if len(ix.byThread) != 0 || len(ix.bySocket) != 0 {
		t.Errorf("index not empty: %v / %v", ix.byThread, ix.bySocket)
	}

	// Unknown ids are ignored.
	ix.Unsubscribe("nope", "thr_x")
	ix.Remove("nope")
	checkConsistent(t, ix)
}

func TestSubscriptionIndex_RandomOps(t *testing.T) {
	ix := NewSubscriptionIndex()
	sockets := []string{"s1", "s2", "s3"}
	threads := []string{"t1", "t2", "t3", "t4"}

	// Deterministic walk over every op combination.
	for i := range 200 {
		s := sockets[i%len(sockets)]
		th := threads[(i*7)%len(threads)]
		switch i % 5 {
		case 0, 1, 2:
			ix.Subscribe(s, th)
		case 3:
			ix.Unsubscribe(s, th)
		case 4:
			ix.Remove(s)
		}
		checkConsistent(t, ix)
	}
}
