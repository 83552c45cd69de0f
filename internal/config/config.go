// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP API server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// VaultKey is the hex-encoded 32-byte master key for cookie/proxy credential encryption, or a path to a file containing it.
	VaultKey string `mapstructure:"VAULT_KEY"`
	// APITokenSecret is the HMAC secret used to verify operator API bearer tokens.
	APITokenSecret string `mapstructure:"API_TOKEN_SECRET"`
	// APITokenIssuer is the expected iss claim on operator tokens (e.g. "outreach-auth").
	APITokenIssuer string `mapstructure:"API_TOKEN_ISSUER"`

	// SessionSoftExpiryDays is the session age in days after which status becomes "warning".
	SessionSoftExpiryDays int `mapstructure:"SESSION_SOFT_EXPIRY_DAYS"`
	// SessionHardExpiryDays is the session age in days after which status becomes "expired" and sends are blocked.
	SessionHardExpiryDays int `mapstructure:"SESSION_HARD_EXPIRY_DAYS"`
	// SessionErrorThreshold is the consecutive error count at which a session reports "error" pending a live probe.
	SessionErrorThreshold int `mapstructure:"SESSION_ERROR_THRESHOLD"`
	// ProbeTimeout is the max duration for a live session probe (e.g. "30s").
	ProbeTimeout string `mapstructure:"PROBE_TIMEOUT"`

	// DailyInviteLimit is the nominal daily connection-request cap per workspace.
	DailyInviteLimit int `mapstructure:"DAILY_INVITE_LIMIT"`
	// DailyMessageLimit is the nominal daily message cap per workspace.
	DailyMessageLimit int `mapstructure:"DAILY_MESSAGE_LIMIT"`
	// WarmupRampDays is the number of days over which a new session ramps to full limits.
	WarmupRampDays int `mapstructure:"WARMUP_RAMP_DAYS"`
	// WarmupFloorFraction is the fraction of nominal limits granted on warm-up day 1 (e.g. 0.1).
	WarmupFloorFraction float64 `mapstructure:"WARMUP_FLOOR_FRACTION"`
	// RiskBreakerThreshold is the composite risk score at or above which all sends are blocked (0..1).
	RiskBreakerThreshold float64 `mapstructure:"RISK_BREAKER_THRESHOLD"`
	// ReclassifyAllFailures enables the blanket failed->pending reclassification fallback when no
	// failure in a batch matches a known benign pattern. Matches observed provider behavior where
	// connection failures are disproportionately false negatives.
	ReclassifyAllFailures bool `mapstructure:"RECLASSIFY_ALL_FAILURES"`

	// StaggerInterval is the spacing between scheduled LinkedIn steps (e.g. "90s").
	StaggerInterval string `mapstructure:"STAGGER_INTERVAL"`
	// StuckStepTimeout is how long a step may sit in "executing" before recovery resets it (e.g. "5m").
	StuckStepTimeout string `mapstructure:"STUCK_STEP_TIMEOUT"`
	// WorkerPollInterval is how often the worker polls for due steps (e.g. "15s").
	WorkerPollInterval string `mapstructure:"WORKER_POLL_INTERVAL"`
	// WorkerBatchSize is the max number of due steps claimed per poll.
	WorkerBatchSize int `mapstructure:"WORKER_BATCH_SIZE"`
	// WorkerActionInterval paces executions globally across all pairs (e.g. "2s").
	WorkerActionInterval string `mapstructure:"WORKER_ACTION_INTERVAL"`
	// ExecuteTimeout is the max duration for a single browser action (e.g. "45s").
	ExecuteTimeout string `mapstructure:"EXECUTE_TIMEOUT"`

	// BrowserBin is the Chrome/Chromium binary path; empty uses rod's managed browser.
	BrowserBin string `mapstructure:"BROWSER_BIN"`
	// BrowserHeadless controls headless launch; default true.
	BrowserHeadless bool `mapstructure:"BROWSER_HEADLESS"`

	// OTLPEndpoint is the OTLP gRPC endpoint for traces/metrics/logs (e.g. http://localhost:4317). Empty disables export.
	OTLPEndpoint string `mapstructure:"OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext OTLP even for https endpoints.
	OTLPInsecure bool `mapstructure:"OTLP_INSECURE"`

	// KafkaBrokers is a comma-separated list of broker addresses. When set, outreach events are
	// emitted to Kafka and email/SMS steps are handed off to the external sending pipeline.
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// EventsKafkaTopic is the topic for outreach telemetry events (default outreach-events).
	EventsKafkaTopic string `mapstructure:"EVENTS_KAFKA_TOPIC"`
	// HandoffKafkaTopic is the topic for email/SMS handoff messages (default outreach-handoff).
	HandoffKafkaTopic string `mapstructure:"HANDOFF_KAFKA_TOPIC"`
	// KafkaGroupID is the consumer group for the events-to-Loki shipper.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	// LokiURL is the Loki base URL events are shipped to (e.g. http://localhost:3100). Empty disables shipping.
	LokiURL string `mapstructure:"LOKI_URL"`

	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("VAULT_KEY", "")
	v.SetDefault("API_TOKEN_SECRET", "")
	v.SetDefault("API_TOKEN_ISSUER", "outreach-auth")
	v.SetDefault("SESSION_SOFT_EXPIRY_DAYS", 335)
	v.SetDefault("SESSION_HARD_EXPIRY_DAYS", 365)
	v.SetDefault("SESSION_ERROR_THRESHOLD", 5)
	v.SetDefault("PROBE_TIMEOUT", "30s")
	v.SetDefault("DAILY_INVITE_LIMIT", 100)
	v.SetDefault("DAILY_MESSAGE_LIMIT", 150)
	v.SetDefault("WARMUP_RAMP_DAYS", 10)
	v.SetDefault("WARMUP_FLOOR_FRACTION", 0.1)
	v.SetDefault("RISK_BREAKER_THRESHOLD", 0.8)
	v.SetDefault("RECLASSIFY_ALL_FAILURES", true)
	v.SetDefault("STAGGER_INTERVAL", "90s")
	v.SetDefault("STUCK_STEP_TIMEOUT", "5m")
	v.SetDefault("WORKER_POLL_INTERVAL", "15s")
	v.SetDefault("WORKER_BATCH_SIZE", 20)
	v.SetDefault("WORKER_ACTION_INTERVAL", "2s")
	v.SetDefault("EXECUTE_TIMEOUT", "45s")
	v.SetDefault("BROWSER_BIN", "")
	v.SetDefault("BROWSER_HEADLESS", true)
	v.SetDefault("OTLP_ENDPOINT", "")
	v.SetDefault("OTLP_INSECURE", false)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("EVENTS_KAFKA_TOPIC", "outreach-events")
	v.SetDefault("HANDOFF_KAFKA_TOPIC", "outreach-handoff")
	v.SetDefault("KAFKA_GROUP_ID", "outreach-events-worker")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.SessionSoftExpiryDays <= 0 || cfg.SessionHardExpiryDays <= 0 {
		return nil, errors.New("config: session expiry days must be positive")
	}
	if cfg.SessionSoftExpiryDays >= cfg.SessionHardExpiryDays {
		return nil, errors.New("config: SESSION_SOFT_EXPIRY_DAYS must be below SESSION_HARD_EXPIRY_DAYS")
	}
	if cfg.SessionErrorThreshold <= 0 {
		return nil, errors.New("config: SESSION_ERROR_THRESHOLD must be positive")
	}
	if cfg.DailyInviteLimit <= 0 || cfg.DailyMessageLimit <= 0 {
		return nil, errors.New("config: daily limits must be positive")
	}
	if cfg.WarmupRampDays <= 0 {
		return nil, errors.New("config: WARMUP_RAMP_DAYS must be positive")
	}
	if cfg.WarmupFloorFraction <= 0 || cfg.WarmupFloorFraction > 1 {
		return nil, errors.New("config: WARMUP_FLOOR_FRACTION must be in (0, 1]")
	}
	if cfg.RiskBreakerThreshold <= 0 || cfg.RiskBreakerThreshold > 1 {
		return nil, errors.New("config: RISK_BREAKER_THRESHOLD must be in (0, 1]")
	}

	return &cfg, nil
}

// StaggerIntervalDuration parses StaggerInterval. Returns 90s if unset or invalid.
func (c *Config) StaggerIntervalDuration() time.Duration {
	return durationOr(c.StaggerInterval, 90*time.Second)
}

// StuckStepTimeoutDuration parses StuckStepTimeout. Returns 5m if unset or invalid.
func (c *Config) StuckStepTimeoutDuration() time.Duration {
	return durationOr(c.StuckStepTimeout, 5*time.Minute)
}

// WorkerPollIntervalDuration parses WorkerPollInterval. Returns 15s if unset or invalid.
func (c *Config) WorkerPollIntervalDuration() time.Duration {
	return durationOr(c.WorkerPollInterval, 15*time.Second)
}

// ProbeTimeoutDuration parses ProbeTimeout. Returns 30s if unset or invalid.
func (c *Config) ProbeTimeoutDuration() time.Duration {
	return durationOr(c.ProbeTimeout, 30*time.Second)
}

// WorkerActionIntervalDuration parses WorkerActionInterval. Returns 2s if unset or invalid.
func (c *Config) WorkerActionIntervalDuration() time.Duration {
	return durationOr(c.WorkerActionInterval, 2*time.Second)
}

// ExecuteTimeoutDuration parses ExecuteTimeout. Returns 45s if unset or invalid.
func (c *Config) ExecuteTimeoutDuration() time.Duration {
	return durationOr(c.ExecuteTimeout, 45*time.Second)
}

func durationOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if event emission and email/SMS handoff are enabled (non-empty list).
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
