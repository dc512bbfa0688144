// Package auth verifies the bearer tokens orbit accepts.
//
// Two independently configured HS256 issuers can be active at the same time:
// web sessions minted by the auth service and anchor device tokens minted by
// the anchor bridge. A Verifier holds an ordered list of strategies, one per
// configured secret, and the first strategy that accepts a token decides who
// the caller is.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoSecrets     = errors.New("no token secrets configured")
	ErrMissingToken  = errors.New("missing token")
	ErrTokenRejected = errors.New("token rejected")
)

// Kind identifies which issuer vouched for a token.
type Kind string

const (
	KindWeb    Kind = "web"
	KindAnchor Kind = "anchor"
)

// Issuer and audience pairs for each kind.
const (
	WebIssuer      = "zane-auth"
	WebAudience    = "zane-web"
	AnchorIssuer   = "zane-anchor"
	AnchorAudience = "zane-orbit-anchor"
)

// DefaultClockSkew is how far past exp a token is still accepted.
const DefaultClockSkew = 30 * time.Second

// Result is the outcome of verifying a token. The zero value is Unverified.
type Result struct {
	Kind   Kind   // "" when unverified
	UserID string // sub claim; may be empty even when verified
}

// Verified reports whether some issuer accepted the token.
func (r Result) Verified() bool {
	return r.Kind != ""
}

// strategy verifies tokens for one issuer.
type strategy struct {
	kind     Kind
	secret   []byte
	issuer   string
	audience string
}

// Verifier checks tokens against the configured issuers in order.
type Verifier struct {
	strategies []strategy
	skew       time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// Options configures a Verifier.
type Options struct {
	WebSecret    string
	AnchorSecret string
	ClockSkew    time.Duration    // default 30s
	Now          func() time.Time // for tests
}

// NewVerifier creates a Verifier. Web tokens are tried before anchor tokens.
// Blank secrets are skipped; with neither configured every token is denied.
func NewVerifier(opts Options, logger *slog.Logger) *Verifier {
	v := &Verifier{
		skew:   opts.ClockSkew,
		now:    opts.Now,
		logger: logger.With("component", "auth"),
	}
	if v.skew == 0 {
		v.skew = DefaultClockSkew
	}
	if v.now == nil {
		v.now = time.Now
	}
	if s := strings.TrimSpace(opts.WebSecret); s != "" {
		v.strategies = append(v.strategies, strategy{kind: KindWeb, secret: []byte(s), issuer: WebIssuer, audience: WebAudience})
	}
	if s := strings.TrimSpace(opts.AnchorSecret); s != "" {
		v.strategies = append(v.strategies, strategy{kind: KindAnchor, secret: []byte(s), issuer: AnchorIssuer, audience: AnchorAudience})
	}
	return v
}

// Configured reports whether at least one issuer secret is set.
func (v *Verifier) Configured() bool {
	return len(v.strategies) > 0
}

// Verify checks a raw token string. On failure the returned error is one of
// ErrNoSecrets, ErrMissingToken or ErrTokenRejected and the Result is zero.
func (v *Verifier) Verify(token string) (Result, error) {
	if len(v.strategies) == 0 {
		v.logger.Error("no secrets configured, denying request")
		return Result{}, ErrNoSecrets
	}
	token = strings.TrimSpace(token)
	if token == "" {
		v.logger.Warn("missing token")
		return Result{}, ErrMissingToken
	}

	for _, s := range v.strategies {
		sub, err := s.verify(token, v.skew, v.now)
		if err != nil {
			v.logger.Debug("token not accepted by issuer", "kind", s.kind, "error", err)
			continue
		}
		v.logger.Debug("token accepted", "kind", s.kind, "user_id", sub)
		return Result{Kind: s.kind, UserID: sub}, nil
	}

	v.logger.Warn("token rejected")
	return Result{}, ErrTokenRejected
}

func (s strategy) verify(token string, skew time.Duration, now func() time.Time) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		// Time claims are checked below: nbf is ignored and exp gets an
		// inclusive grace window.
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return "", err
	}
	if claims.Issuer != s.issuer {
		return "", fmt.Errorf("issuer %q, want %q", claims.Issuer, s.issuer)
	}
	if claims.ExpiresAt != nil && now().After(claims.ExpiresAt.Time.Add(skew)) {
		return "", fmt.Errorf("token expired at %s", claims.ExpiresAt.Time.UTC().Format(time.RFC3339))
	}
	// aud is optional, but when present it must name this issuer's audience.
	if len(claims.Audience) > 0 && !slices.Contains(claims.Audience, s.audience) {
		return "", fmt.Errorf("audience %v does not include %q", []string(claims.Audience), s.audience)
	}
	return claims.Subject, nil
}
