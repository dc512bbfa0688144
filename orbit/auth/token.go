package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenFromRequest extracts the bearer token. The Authorization header wins
// over the token query parameter, which browsers need because they cannot set
// headers on a WebSocket handshake.
func TokenFromRequest(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// Mint signs an HS256 token the Verifier accepts for kind. It is used by the
// anchor bridge on every connect and by the token CLI command.
func Mint(kind Kind, secret, subject string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("mint token: empty secret")
	}

	var issuer, audience string
	switch kind {
	case KindWeb:
		issuer, audience = WebIssuer, WebAudience
	case KindAnchor:
		issuer, audience = AnchorIssuer, AnchorAudience
	default:
		return "", fmt.Errorf("mint token: unknown kind %q", kind)
	}

	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Audience:  jwt.ClaimStrings{audience},
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(strings.TrimSpace(secret)))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
