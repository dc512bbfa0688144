package relay

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zane-ai/zane/orbit/auth"
	"github.com/zane-ai/zane/pkg/protocol"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Options configures the WebSocket ingress.
type Options struct {
	AllowedOrigins  []string      // for WebSocket origin check
	MaxMessageBytes int64         // default 1MB
	WriteTimeout    time.Duration // per-frame write deadline
	PingInterval    time.Duration // transport-level keepalive
}

// Relay accepts client and anchor WebSocket connections and hands them to
// the owning user's actor.
type Relay struct {
	verifier *auth.Verifier
	registry *Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader

	maxMessageBytes int64
	writeTimeout    time.Duration
	pingInterval    time.Duration
}

// New creates a Relay.
func New(v *auth.Verifier, reg *Registry, logger *slog.Logger, opts Options) *Relay {
	limit := opts.MaxMessageBytes
	if limit == 0 {
		limit = 1024 * 1024
	}
	return &Relay{
		verifier:        v,
		registry:        reg,
		logger:          logger.With("component", "relay"),
		upgrader:        makeUpgrader(opts.AllowedOrigins),
		maxMessageBytes: limit,
		writeTimeout:    opts.WriteTimeout,
		pingInterval:    opts.PingInterval,
	}
}

// HandleClientWS handles /ws/client.
func (r *Relay) HandleClientWS(w http.ResponseWriter, req *http.Request) {
	r.serve(w, req, protocol.RoleClient)
}

// HandleAnchorWS handles /ws/anchor.
func (r *Relay) HandleAnchorWS(w http.ResponseWriter, req *http.Request) {
	r.serve(w, req, protocol.RoleAnchor)
}

func (r *Relay) serve(w http.ResponseWriter, req *http.Request, role protocol.Role) {
	// Browsers cannot set headers on a WebSocket handshake, so the token may
	// arrive as a query parameter. Keep query strings out of access logs.
	res, err := r.verifier.Verify(auth.TokenFromRequest(req))
	if err != nil {
		r.logger.Warn("ws auth failed", "path", req.URL.Path, "error", err)
		http.Error(w, "Unauthorised", http.StatusUnauthorized)
		return
	}
	if res.UserID == "" {
		r.logger.Warn("ws auth: no user id in token", "path", req.URL.Path, "kind", res.Kind)
		http.Error(w, "Unauthorised: missing user identity", http.StatusUnauthorized)
		return
	}
	if !websocket.IsWebSocketUpgrade(req) {
		http.Error(w, "Upgrade required", http.StatusUpgradeRequired)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "role", role, "error", err)
		return
	}
	defer func() { _ = conn.Close() }()
	conn.SetReadLimit(r.maxMessageBytes)
	t := newWSTransport(conn, r.writeTimeout)

	actor, err := r.registry.Acquire(res.UserID)
	if err != nil {
		_ = t.Close(CloseGoingAway, "Server shutting down")
		return
	}
	defer r.registry.Release(res.UserID)

	clientID := ""
	if role == protocol.RoleClient {
		clientID = strings.TrimSpace(req.URL.Query().Get("clientId"))
	}
	sock := NewSocket(uuid.New().String(), role, clientID, t)
	if err := actor.Register(sock); err != nil {
		_ = t.Close(CloseGoingAway, "Server shutting down")
		return
	}
	defer actor.Unregister(sock.ID)

	cancelKeepalive := startKeepalive(t, r.pingInterval)
	defer cancelKeepalive()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				r.logger.Debug("read error", "socket_id", sock.ID, "role", role, "error", err)
			}
			return
		}
		if err := actor.Receive(sock.ID, msgType, data); err != nil {
			return
		}
	}
}
