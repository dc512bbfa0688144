// Package config handles orbit-anchor configuration loading and validation.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the top-level anchor configuration.
type Config struct {
	Orbit   OrbitConfig   `json:"orbit"`
	Logging LoggingConfig `json:"logging"`
}

// OrbitConfig defines how the anchor connects to the relay.
type OrbitConfig struct {
	URL               string   `json:"url"`                          // ANCHOR_ORBIT_URL, e.g. "wss://orbit.example.com/ws/anchor"
	JWTSecret         string   `json:"jwt_secret,omitempty"`         // ZANE_ANCHOR_JWT_SECRET
	UserID            string   `json:"user_id,omitempty"`            // ANCHOR_USER_ID; token sub, default "anchor"
	TokenTTL          Duration `json:"token_ttl,omitempty"`          // ANCHOR_JWT_TTL_SEC; default 5m
	ReconnectInterval Duration `json:"reconnect_interval,omitempty"` // ANCHOR_ORBIT_RECONNECT_MS; default 2s
	PingInterval      Duration `json:"ping_interval,omitempty"`      // heartbeat; default 30s
	PongTimeout       Duration `json:"pong_timeout,omitempty"`       // default 10s
	TLSSkipVerify     bool     `json:"tls_skip_verify,omitempty"`    // dev only
}

// LoggingConfig defines logging settings. Logs always go to stderr since
// stdout carries the JSON-RPC stream.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads an optional config file, applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Orbit.URL, "ANCHOR_ORBIT_URL")
	set(&c.Orbit.JWTSecret, "ZANE_ANCHOR_JWT_SECRET")
	set(&c.Orbit.UserID, "ANCHOR_USER_ID")
	set(&c.Logging.Level, "ANCHOR_LOG_LEVEL")

	if v := strings.TrimSpace(getenv("ANCHOR_JWT_TTL_SEC")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("ANCHOR_JWT_TTL_SEC must be a positive integer, got %q", v)
		}
		c.Orbit.TokenTTL.Duration = time.Duration(n) * time.Second
	}
	if v := strings.TrimSpace(getenv("ANCHOR_ORBIT_RECONNECT_MS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("ANCHOR_ORBIT_RECONNECT_MS must be a positive integer, got %q", v)
		}
		c.Orbit.ReconnectInterval.Duration = time.Duration(n) * time.Millisecond
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Orbit.UserID == "" {
		c.Orbit.UserID = "anchor"
	}
	if c.Orbit.TokenTTL.Duration == 0 {
		c.Orbit.TokenTTL.Duration = 300 * time.Second
	}
	if c.Orbit.ReconnectInterval.Duration == 0 {
		c.Orbit.ReconnectInterval.Duration = 2 * time.Second
	}
	if c.Orbit.PingInterval.Duration == 0 {
		c.Orbit.PingInterval.Duration = 30 * time.Second
	}
	if c.Orbit.PongTimeout.Duration == 0 {
		c.Orbit.PongTimeout.Duration = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

func (c *Config) validate() error {
	if c.Orbit.URL == "" {
		return errors.New("orbit.url is required (ANCHOR_ORBIT_URL)")
	}
	u, err := url.Parse(c.Orbit.URL)
	if err != nil {
		return fmt.Errorf("orbit.url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return fmt.Errorf("orbit.url must use ws:// or wss://, got %q", u.Scheme)
	}
	if c.Orbit.JWTSecret == "" {
		return errors.New("ZANE_ANCHOR_JWT_SECRET is required when ANCHOR_ORBIT_URL is set")
	}
	if c.Orbit.PongTimeout.Duration >= c.Orbit.PingInterval.Duration {
		return errors.New("orbit.pong_timeout must be shorter than orbit.ping_interval")
	}
	return nil
}
