// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	API     APIConfig     `mapstructure:"api"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Retry   RetryConfig   `mapstructure:"retry"`
	DB      DBConfig      `mapstructure:"db"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls the operational HTTP endpoint (health, metrics).
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// APIConfig locates the paginated collection to consume.
type APIConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Path    string `mapstructure:"path"`
}

// AuthConfig holds the token endpoint and client credentials.
type AuthConfig struct {
	TokenURL     string `mapstructure:"token_url"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	Scope        string `mapstructure:"scope"`
}

// StreamConfig governs pagination and pacing.
type StreamConfig struct {
	Streams            int `mapstructure:"streams"`
	Limit              int `mapstructure:"limit"`
	Offset             int `mapstructure:"offset"`
	MaxPendingRequests int `mapstructure:"max_pending_requests"`
	RequestIntervalMs  int `mapstructure:"request_interval_ms"`
}

// RetryConfig configures per-page retry behavior.
type RetryConfig struct {
	MaxRetries         int  `mapstructure:"max_retries"`
	DelayMs            int  `mapstructure:"delay_ms"`
	MaxDelayMs         int  `mapstructure:"max_delay_ms"`
	JitterMs           int  `mapstructure:"jitter_ms"`
	RefreshKeepsBudget bool `mapstructure:"refresh_keeps_budget"`
}

// DBConfig controls access to the relational database. An empty DSN
// disables persistence.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	Table        string `mapstructure:"table"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PAGEFEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("api.path", "/")
	v.SetDefault("auth.scope", "read(all)")
	v.SetDefault("stream.streams", 8)
	v.SetDefault("stream.limit", 50)
	v.SetDefault("stream.offset", 0)
	v.SetDefault("stream.max_pending_requests", 1)
	v.SetDefault("stream.request_interval_ms", 1000)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.delay_ms", 100)
	v.SetDefault("retry.max_delay_ms", 3_600_000)
	v.SetDefault("retry.jitter_ms", 50)
	v.SetDefault("db.table", "page_items")
	v.SetDefault("db.max_open_conns", 4)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url must be set")
	}
	if c.Stream.Streams < 1 {
		return fmt.Errorf("stream.streams must be >= 1")
	}
	if c.Stream.Limit < 1 || c.Stream.Limit > 50 {
		return fmt.Errorf("stream.limit must be between 1 and 50")
	}
	if c.Stream.MaxPendingRequests < 1 {
		return fmt.Errorf("stream.max_pending_requests must be >= 1")
	}
	if c.Stream.RequestIntervalMs <= 0 {
		return fmt.Errorf("stream.request_interval_ms must be > 0")
	}
	if c.Retry.MaxRetries < 1 {
		return fmt.Errorf("retry.max_retries must be >= 1")
	}
	if c.Auth.TokenURL != "" && (c.Auth.ClientID == "" || c.Auth.ClientSecret == "") {
		return fmt.Errorf("auth.client_id and auth.client_secret must be set when auth.token_url is set")
	}
	return nil
}

// RequestInterval is the pacing interval between page requests.
func (c Config) RequestInterval() time.Duration {
	return time.Duration(c.Stream.RequestIntervalMs) * time.Millisecond
}

// RetryDelay is the base delay before the first retry.
func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.Retry.DelayMs) * time.Millisecond
}

// MaxRetryDelay caps retry backoff.
func (c Config) MaxRetryDelay() time.Duration {
	return time.Duration(c.Retry.MaxDelayMs) * time.Millisecond
}

// RetryJitter scales retry jitter.
func (c Config) RetryJitter() time.Duration {
	return time.Duration(c.Retry.JitterMs) * time.Millisecond
}
