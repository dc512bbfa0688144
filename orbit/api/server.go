// Package api provides the HTTP surface of orbit: health probes, the
// WebSocket entry points and the thread event read path.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/zane-ai/zane/orbit/auth"
	"github.com/zane-ai/zane/orbit/config"
	"github.com/zane-ai/zane/orbit/relay"
	"github.com/zane-ai/zane/orbit/store"
)

// Server is the HTTP API server.
type Server struct {
	store     store.Store
	verifier  *auth.Verifier
	relay     *relay.Relay
	logger    *slog.Logger
	mux       *chi.Mux
	startTime time.Time
	handshake *admission
	reads     *admission
}

// NewServer creates a new API server.
func NewServer(s store.Store, v *auth.Verifier, rel *relay.Relay, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:     s,
		verifier:  v,
		relay:     rel,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/health", srv.handleHealth)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// WebSocket routes (auth handled inside, throttled by IP)
	srv.handshake = newAdmission("ws", byRemoteIP, cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, srv.logger)
	mux.Group(func(r chi.Router) {
		r.Use(srv.handshake.middleware("too many connection attempts"))
		r.Get("/ws/client", rel.HandleClientWS)
		r.Get("/ws/anchor", rel.HandleAnchorWS)
	})

	// Authenticated read path
	srv.reads = newAdmission("events", byUser, cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, srv.logger)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(srv.reads.middleware("rate limit exceeded"))

		r.Get("/threads/{threadID}/events", srv.handleThreadEvents)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts the limiter sweeps.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.handshake.run(ctx, 5*time.Minute, 10*time.Minute)
	s.reads.run(ctx, 5*time.Minute, 10*time.Minute)
}

// --- Health handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Thread events ---

// handleThreadEvents streams the caller's recorded frames for one thread as
// newline-delimited JSON, oldest first. Each line is the stored payload.
func (s *Server) handleThreadEvents(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	threadID := chi.URLParam(r, "threadID")

	events, err := s.store.ListThreadEvents(r.Context(), identity.UserID, threadID)
	if err != nil {
		s.logger.Error("failed to list thread events", "thread_id", threadID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	for _, ev := range events {
		if _, err := w.Write([]byte(ev.Payload + "\n")); err != nil {
			s.logger.Debug("write events aborted", "thread_id", threadID, "error", err)
			return
		}
	}
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
