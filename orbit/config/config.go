// Package config handles orbit configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as an HMAC JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level orbit configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Push      PushConfig      `json:"push"`
	Storage   StorageConfig   `json:"storage"`
	Relay     RelayConfig     `json:"relay"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the listener settings.
type ServerConfig struct {
	Addr            string   `json:"addr"`                        // e.g. ":8080"
	TLSCert         string   `json:"tls_cert,omitempty"`
	TLSKey          string   `json:"tls_key,omitempty"`
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`   // CORS + WS origins; default ["*"]
	MaxMessageBytes int64    `json:"max_message_bytes,omitempty"` // max WebSocket frame; default 1MB
}

// AuthConfig holds the two token issuers orbit accepts.
type AuthConfig struct {
	WebJWTSecret    string   `json:"web_jwt_secret,omitempty"`    // ZANE_WEB_JWT_SECRET
	AnchorJWTSecret string   `json:"anchor_jwt_secret,omitempty"` // ZANE_ANCHOR_JWT_SECRET
	ClockSkew       Duration `json:"clock_skew,omitempty"`        // exp allowance; default 30s
}

// PushConfig holds the VAPID key pair. Push is disabled unless all three
// VAPID values are present.
type PushConfig struct {
	VAPIDPublicKey  string   `json:"vapid_public_key,omitempty"`
	VAPIDPrivateKey string   `json:"vapid_private_key,omitempty"`
	VAPIDSubject    string   `json:"vapid_subject,omitempty"` // e.g. "mailto:ops@example.com"
	TTL             int      `json:"ttl,omitempty"`           // seconds; default 3600
	Timeout         Duration `json:"timeout,omitempty"`       // per push request; default 10s
}

// Enabled reports whether VAPID is fully configured.
func (p PushConfig) Enabled() bool {
	return p.VAPIDPublicKey != "" && p.VAPIDPrivateKey != "" && p.VAPIDSubject != ""
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn"`    // e.g. "orbit.db" or ":memory:"
}

// RelayConfig tunes the per-user actors.
type RelayConfig struct {
	IdleTimeout  Duration `json:"idle_timeout,omitempty"`  // evict socketless actors after this; default 1m
	ReapInterval Duration `json:"reap_interval,omitempty"` // default 30s
	InboxSize    int      `json:"inbox_size,omitempty"`    // per-actor event buffer; default 256
	SendBuffer   int      `json:"send_buffer,omitempty"`   // per-socket outbound frames; default 256
	WriteTimeout Duration `json:"write_timeout,omitempty"` // per-frame write deadline; default 10s
	PingInterval Duration `json:"ping_interval,omitempty"` // transport-level WS ping; default 30s
	QueueSize    int      `json:"queue_size,omitempty"`    // push/event-log queue depth; default 1024
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
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

// Load reads a config file, applies environment overrides and defaults, and
// validates the result. An empty path skips the file and builds the config
// from the environment alone.
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

	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// applyEnv overlays the environment variables the original deployment used.
func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Auth.WebJWTSecret, "ZANE_WEB_JWT_SECRET")
	set(&c.Auth.AnchorJWTSecret, "ZANE_ANCHOR_JWT_SECRET")
	set(&c.Push.VAPIDPublicKey, "VAPID_PUBLIC_KEY")
	set(&c.Push.VAPIDPrivateKey, "VAPID_PRIVATE_KEY")
	set(&c.Push.VAPIDSubject, "VAPID_SUBJECT")
	set(&c.Server.Addr, "ORBIT_ADDR")
	set(&c.Storage.Driver, "ORBIT_STORAGE_DRIVER")
	set(&c.Storage.DSN, "ORBIT_STORAGE_DSN")
	set(&c.Logging.Level, "ORBIT_LOG_LEVEL")
	set(&c.Logging.Format, "ORBIT_LOG_FORMAT")

	if v := getenv("ORBIT_ALLOWED_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.Server.AllowedOrigins = origins
	}
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported storage driver: %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return errors.New("storage.dsn is required when using postgres driver")
	}
	if knownWeakSecrets[c.Auth.WebJWTSecret] {
		return errors.New("auth.web_jwt_secret is a well-known weak secret; generate a new one")
	}
	if knownWeakSecrets[c.Auth.AnchorJWTSecret] {
		return errors.New("auth.anchor_jwt_secret is a well-known weak secret; generate a new one")
	}
	if c.Push.TTL < 0 {
		return errors.New("push.ttl must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxMessageBytes == 0 {
		c.Server.MaxMessageBytes = 1024 * 1024 // 1MB
	}
	if c.Auth.ClockSkew.Duration == 0 {
		c.Auth.ClockSkew.Duration = 30 * time.Second
	}
	if c.Push.TTL == 0 {
		c.Push.TTL = 3600
	}
	if c.Push.Timeout.Duration == 0 {
		c.Push.Timeout.Duration = 10 * time.Second
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" && c.Storage.Driver == "sqlite" {
		c.Storage.DSN = "orbit.db"
	}
	if c.Relay.IdleTimeout.Duration == 0 {
		c.Relay.IdleTimeout.Duration = time.Minute
	}
	if c.Relay.ReapInterval.Duration == 0 {
		c.Relay.ReapInterval.Duration = 30 * time.Second
	}
	if c.Relay.InboxSize == 0 {
		c.Relay.InboxSize = 256
	}
	if c.Relay.WriteTimeout.Duration == 0 {
		c.Relay.WriteTimeout.Duration = 10 * time.Second
	}
	if c.Relay.PingInterval.Duration == 0 {
		c.Relay.PingInterval.Duration = 30 * time.Second
	}
	if c.Relay.SendBuffer == 0 {
		c.Relay.SendBuffer = 256
	}
	if c.Relay.QueueSize == 0 {
		c.Relay.QueueSize = 1024
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
}
