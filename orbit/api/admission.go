package api

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// keyFunc picks the identity a request is counted against. Requests that
// yield no key are not throttled.
type keyFunc func(*http.Request) (string, bool)

// byRemoteIP keys WebSocket handshakes, which authenticate inside the
// handler. RemoteAddr is already the client address via chi's RealIP.
func byRemoteIP(r *http.Request) (string, bool) {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	return ip, ip != ""
}

// byUser keys authenticated requests by their verified user id.
func byUser(r *http.Request) (string, bool) {
	id := getIdentityFromContext(r.Context())
	if id == nil || id.UserID == "" {
		return "", false
	}
	return id.UserID, true
}

// allowance is one key's bucket: credit earned back at rate per second up
// to burst, spent one per admitted request.
type allowance struct {
	credit float64
	seen   time.Time
}

// admission throttles requests per key. Anchors and browsers reconnect with
// backoff, so a steady reconnect loop stays under the rate while a tight
// retry loop exhausts the burst and is turned away with Retry-After.
type admission struct {
	name   string
	key    keyFunc
	rate   float64
	burst  float64
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	byKey   map[string]*allowance
	refused uint64
}

func newAdmission(name string, key keyFunc, rate float64, burst int, logger *slog.Logger) *admission {
	return &admission{
		name:   name,
		key:    key,
		rate:   rate,
		burst:  float64(burst),
		now:    time.Now,
		logger: logger.With("limiter", name),
		byKey:  make(map[string]*allowance),
	}
}

// admit spends one unit of key's credit. When none is left it returns false
// and how long until a unit is earned back.
func (a *admission) admit(key string) (bool, time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	al, ok := a.byKey[key]
	if !ok {
		al = &allowance{credit: a.burst, seen: now}
		a.byKey[key] = al
	}
	al.credit = math.Min(a.burst, al.credit+now.Sub(al.seen).Seconds()*a.rate)
	al.seen = now

	if al.credit >= 1 {
		al.credit--
		return true, 0
	}
	a.refused++
	if a.rate <= 0 {
		return false, time.Hour
	}
	return false, time.Duration((1 - al.credit) / a.rate * float64(time.Second))
}

// middleware rejects requests whose key is out of credit with 429.
func (a *admission) middleware(message string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := a.key(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			if allowed, wait := a.admit(key); !allowed {
				a.logger.Debug("request throttled", "key", key, "path", r.URL.Path, "retry_after", wait)
				w.Header().Set("Retry-After", retryAfter(wait))
				writeError(w, http.StatusTooManyRequests, message)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// retryAfter renders wait as whole seconds, never less than one.
func retryAfter(wait time.Duration) string {
	secs := int64(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// sweep forgets keys that have been quiet for idle. A forgotten key starts
// again with a full burst, which is what it would have earned back anyway
// once idle exceeds burst/rate.
func (a *admission) sweep(idle time.Duration) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-idle)
	n := 0
	for key, al := range a.byKey {
		if al.seen.Before(cutoff) {
			delete(a.byKey, key)
			n++
		}
	}
	return n
}

// run sweeps every interval until ctx is done.
func (a *admission) run(ctx context.Context, every, idle time.Duration) {
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := a.sweep(idle); n > 0 {
					a.mu.Lock()
					refused := a.refused
					a.mu.Unlock()
					a.logger.Debug("limiter swept", "forgotten", n, "refused_total", refused)
				}
			}
		}
	}()
}
