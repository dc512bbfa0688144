package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/zane-ai/zane/orbit/auth"
)

type contextKey string

const identityKey contextKey = "identity"

// Identity is the verified caller of an authenticated request.
type Identity struct {
	Kind   auth.Kind
	UserID string
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := s.verifier.Verify(auth.TokenFromRequest(r))
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, auth.ErrMissingToken) {
				msg = "missing token"
			}
			writeError(w, http.StatusUnauthorized, msg)
			return
		}
		if res.UserID == "" {
			writeError(w, http.StatusUnauthorized, "missing user identity")
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, &Identity{Kind: res.Kind, UserID: res.UserID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func getIdentityFromContext(ctx context.Context) *Identity {
	identity, _ := ctx.Value(identityKey).(*Identity)
	return identity
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// makeCORSMiddleware answers preflights itself and only echoes origins on the
// allow-list. A single "*" entry allows every origin.
func makeCORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			w.Header().Add("Vary", "Origin")
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" && originSet[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "authorization, content-type")
			w.Header().Set("Access-Control-Max-Age", "600")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
