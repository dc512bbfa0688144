package relay

import "time"

// startKeepalive sends transport-level pings every interval so proxies do not
// drop quiet connections. Unlike a pong-deadline keepalive it never closes
// the socket: a silent peer stays connected until the network says otherwise.
// The returned cancel function stops the ping goroutine.
func startKeepalive(t *wsTransport, interval time.Duration) (cancel func()) {
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := t.ping(); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }
}
