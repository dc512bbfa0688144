package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestAdmission(key keyFunc, rate float64, burst int) (*admission, *time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := newAdmission("test", key, rate, burst, testLogger())
	a.now = func() time.Time { return now }
	return a, &now
}

func TestAdmission_BurstThenRefill(t *testing.T) {
	a, now := newTestAdmission(byRemoteIP, 1, 2)

	for i := range 2 {
		if ok, _ := a.admit("10.0.0.1"); !ok {
			t.Fatalf("request %d refused inside the burst", i)
		}
	}
	ok, wait := a.admit("10.0.0.1")
	if ok {
		t.Fatal("third request admitted past the burst")
	}
	if wait != time.Second {
		t.Errorf("wait = %v, want 1s", wait)
	}
	if ok, _ := a.admit("10.0.0.2"); !ok {
		t.Error("another key shares the first key's bucket")
	}

	*now = now.Add(time.Second)
	if ok, _ := a.admit("10.0.0.1"); !ok {
		t.Error("credit not earned back after a second")
	}
	if ok, _ := a.admit("10.0.0.1"); ok {
		t.Error("more than one unit earned back")
	}
}

func TestAdmission_ReconnectBackoffStaysAdmitted(t *testing.T) {
	// An anchor retrying with exponential backoff from 1s never runs dry at
	// 10 req/s with a burst of 20.
	a, now := newTestAdmission(byRemoteIP, 10, 20)
	backoff := time.Second
	for i := range 8 {
		if ok, _ := a.admit("10.0.0.1"); !ok {
			t.Fatalf("reconnect %d refused", i)
		}
		*now = now.Add(backoff)
		backoff = min(backoff*2, 30*time.Second)
	}

	// A client stuck in a tight reconnect loop is refused once the burst is
	// spent.
	refused := 0
	for range 25 {
		if ok, _ := a.admit("10.0.0.9"); !ok {
			refused++
		}
	}
	if refused != 5 {
		t.Errorf("refused = %d, want 5", refused)
	}
}

func TestAdmission_MiddlewareKeysByUser(t *testing.T) {
	a, _ := newTestAdmission(byUser, 0.5, 1)
	h := a.middleware("rate limit exceeded")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	as := func(user string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/threads/thr_1/events", nil)
		if user == "" {
			return r
		}
		return r.WithContext(context.WithValue(r.Context(), identityKey, &Identity{UserID: user}))
	}

	codes := func(r *http.Request) int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec.Code
	}

	if c := codes(as("user-1")); c != http.StatusOK {
		t.Fatalf("first = %d", c)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, as("user-1"))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want 2", got)
	}
	if c := codes(as("user-2")); c != http.StatusOK {
		t.Errorf("user-2 = %d, want 200", c)
	}
	// No identity means nothing to count against.
	for range 3 {
		if c := codes(as("")); c != http.StatusOK {
			t.Errorf("anonymous = %d, want 200", c)
		}
	}
}

func TestAdmission_SweepForgetsIdleKeys(t *testing.T) {
	a, now := newTestAdmission(byRemoteIP, 1, 1)
	a.admit("10.0.0.1")
	*now = now.Add(5 * time.Minute)
	a.admit("10.0.0.2")

	if n := a.sweep(time.Minute); n != 1 {
		t.Errorf("swept %d keys, want 1", n)
	}
	if _, ok := a.byKey["10.0.0.2"]; !ok {
		t.Error("recent key was swept")
	}
}

func TestRetryAfter(t *testing.T) {
	tests := map[time.Duration]string{
		0:                       "1",
		100 * time.Millisecond:  "1",
		1500 * time.Millisecond: "2",
		30 * time.Second:        "30",
	}
	for wait, want := range tests {
		if got := retryAfter(wait); got != want {
			t.Errorf("retryAfter(%v) = %q, want %q", wait, got, want)
		}
	}
}
