// Package config handles hub configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT or webhook secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level hub configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Billing   BillingConfig   `json:"billing,omitempty"`
	Jobs      JobsConfig      `json:"jobs,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the hub's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                      // e.g. ":8080"
	BaseURL        string   `json:"base_url,omitempty"`        // public URL, used for stream URLs
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Provider            string        `json:"provider,omitempty"`     // "builtin" (default) or "hosted"
	HostedIssuer        string        `json:"hosted_issuer,omitempty"` // JWKS issuer URL for hosted auth
	JWTSecret           string        `json:"jwt_secret"`
	JWTExpiry           Duration      `json:"jwt_expiry,omitempty"`
	WorkerTokenSecret   string        `json:"worker_token_secret,omitempty"`   // HMAC secret for worker tokens
	WorkerTokenLifetime Duration      `json:"worker_token_lifetime,omitempty"` // default 1h
	InitialAdmin        *InitialAdmin `json:"initial_admin,omitempty"`
}

// InitialAdmin is used to bootstrap the first admin user.
type InitialAdmin struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver         string   `json:"driver"`                    // "sqlite" (default) or "postgres"
	DSN            string   `json:"dsn"`                       // e.g. "conveyor.db" or ":memory:"
	JobRetention   Duration `json:"job_retention,omitempty"`   // finished-job retention
	AuditRetention Duration `json:"audit_retention,omitempty"` // audit event retention; defaults to JobRetention
}

// BillingConfig defines payment-provider billing settings. Disabled by default.
type BillingConfig struct {
	Enabled          bool   `json:"enabled,omitempty"`
	SecretKey        string `json:"secret_key,omitempty"`         // provider API secret key
	WebhookSecret    string `json:"webhook_secret,omitempty"`     // webhook signing secret
	APIBase          string `json:"api_base,omitempty"`           // provider API base URL; default https://api.stripe.com
	PriceIDPro       string `json:"price_id_pro,omitempty"`       // provider price ID for the pro plan
	PriceIDTeam      string `json:"price_id_team,omitempty"`      // provider price ID for the team plan
	OverageRateCents int    `json:"overage_rate_cents,omitempty"` // per-minute overage rate; default 5
	TrialDays        int    `json:"trial_days,omitempty"`         // checkout trial length; default 7
}

// JobsConfig defines job API behavior.
type JobsConfig struct {
	ListLimit       int `json:"list_limit,omitempty"`        // default page size; default 20
	MaxListLimit    int `json:"max_list_limit,omitempty"`    // cap; default 100
	LogBufferFrames int `json:"log_buffer_frames,omitempty"` // per-job broadcast buffer; default 1000
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
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file. Secrets may come from the
// environment instead of the file; env values win.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyEnv overrides secret-bearing fields from the environment so they can be
// kept out of the config file entirely.
func (c *Config) applyEnv() {
	envs := []struct {
		key string
		dst *string
	}{
		{"CONVEYOR_JWT_SECRET", &c.Auth.JWTSecret},
		{"CONVEYOR_WORKER_TOKEN_SECRET", &c.Auth.WorkerTokenSecret},
		{"CONVEYOR_STORAGE_DSN", &c.Storage.DSN},
		{"CONVEYOR_BILLING_SECRET_KEY", &c.Billing.SecretKey},
		{"CONVEYOR_BILLING_WEBHOOK_SECRET", &c.Billing.WebhookSecret},
		{"CONVEYOR_PRICE_ID_PRO", &c.Billing.PriceIDPro},
		{"CONVEYOR_PRICE_ID_TEAM", &c.Billing.PriceIDTeam},
	}
	for _, e := range envs {
		if v := os.Getenv(e.key); v != "" {
			*e.dst = v
		}
	}
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	// JWTSecret is only required for the builtin auth provider.
	if (c.Auth.Provider == "" || c.Auth.Provider == "builtin") && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret — generate a new one")
	}
	if c.Auth.Provider == "hosted" && c.Auth.HostedIssuer == "" {
		return fmt.Errorf("auth.hosted_issuer is required when provider is hosted")
	}
	if c.Billing.Enabled {
		if c.Billing.SecretKey == "" {
			return fmt.Errorf("billing.secret_key is required when billing is enabled")
		}
		if c.Billing.WebhookSecret == "" {
			return fmt.Errorf("billing.webhook_secret is required when billing is enabled")
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Auth.WorkerTokenLifetime.Duration == 0 {
		c.Auth.WorkerTokenLifetime.Duration = 1 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "conveyor.db"
	}
	if c.Storage.JobRetention.Duration == 0 {
		c.Storage.JobRetention.Duration = 90 * 24 * time.Hour
	}
	if c.Storage.AuditRetention.Duration == 0 {
		c.Storage.AuditRetention.Duration = c.Storage.JobRetention.Duration
	}
	if c.Billing.APIBase == "" {
		c.Billing.APIBase = "https://api.stripe.com"
	}
	if c.Billing.OverageRateCents == 0 {
		c.Billing.OverageRateCents = 5
	}
	if c.Billing.TrialDays == 0 {
		c.Billing.TrialDays = 7
	}
	if c.Jobs.ListLimit == 0 {
		c.Jobs.ListLimit = 20
	}
	if c.Jobs.MaxListLimit == 0 {
		c.Jobs.MaxListLimit = 100
	}
	if c.Jobs.LogBufferFrames == 0 {
		c.Jobs.LogBufferFrames = 1000
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
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = "http://localhost" + c.Server.Addr
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
}
