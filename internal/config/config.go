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
	Auth    AuthConfig    `mapstructure:"auth"`
	DB      DBConfig      `mapstructure:"db"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Poll    PollConfig    `mapstructure:"poll"`
	Tasks   TasksConfig   `mapstructure:"tasks"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Feeds   FeedsConfig   `mapstructure:"feeds"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// BaseURL is this service's public URL, used to build the source side of
	// outbound webmentions.
	BaseURL string `mapstructure:"base_url"`
}

// AuthConfig defines API authentication toggles for the admin surface.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig controls access to the relational database. An empty DSN selects
// the in-memory store.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// HTTPConfig configures the outbound fetch client.
type HTTPConfig struct {
	TimeoutSeconds     int      `mapstructure:"timeout_seconds"`
	UserAgent          string   `mapstructure:"user_agent"`
	MaxRedirects       int      `mapstructure:"max_redirects"`
	MaxBodyBytes       int64    `mapstructure:"max_body_bytes"`
	PerDomainRate      float64  `mapstructure:"per_domain_rate"`
	PerDomainBurst     int      `mapstructure:"per_domain_burst"`
	BlockedDomains     []string `mapstructure:"blocked_domains"`
	EndpointCacheHours int      `mapstructure:"endpoint_cache_hours"`
}

// PollConfig governs poll scheduling cadences.
type PollConfig struct {
	FastMinutes       int `mapstructure:"fast_minutes"`
	SlowHours         int `mapstructure:"slow_hours"`
	RateLimitedHours  int `mapstructure:"rate_limited_hours"`
	GracePeriodDays   int `mapstructure:"grace_period_days"`
	FastRefetchHours  int `mapstructure:"fast_refetch_hours"`
	SlowRefetchHours  int `mapstructure:"slow_refetch_hours"`
	ActivityFetchSize int `mapstructure:"activity_fetch_size"`
}

// TasksConfig governs the task dispatcher and retry behavior.
type TasksConfig struct {
	Workers          int `mapstructure:"workers"`
	QueueDepth       int `mapstructure:"queue_depth"`
	MaxAttempts      int `mapstructure:"max_attempts"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxHours  int `mapstructure:"backoff_max_hours"`
}

// PubSubConfig holds metadata for completion event publishing. An empty
// project selects the in-memory publisher.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// FeedsConfig holds push hub credentials for blog feed subscriptions.
// Empty credentials disable the subscribe call.
type FeedsConfig struct {
	PushURL string `mapstructure:"push_url"`
	User    string `mapstructure:"user"`
	Token   string `mapstructure:"token"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BACKFEED")
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
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("db.max_open_conns", 8)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.user_agent", "backfeed/1.0 (+https://github.com/backfeed-project/backfeed)")
	v.SetDefault("http.max_redirects", 10)
	v.SetDefault("http.max_body_bytes", 2*1024*1024)
	v.SetDefault("http.per_domain_rate", 2.0)
	v.SetDefault("http.per_domain_burst", 4)
	v.SetDefault("http.blocked_domains", []string{})
	v.SetDefault("http.endpoint_cache_hours", 2)
	v.SetDefault("poll.fast_minutes", 30)
	v.SetDefault("poll.slow_hours", 24)
	v.SetDefault("poll.rate_limited_hours", 24)
	v.SetDefault("poll.grace_period_days", 7)
	v.SetDefault("poll.fast_refetch_hours", 6)
	v.SetDefault("poll.slow_refetch_hours", 48)
	v.SetDefault("poll.activity_fetch_size", 50)
	v.SetDefault("tasks.workers", 4)
	v.SetDefault("tasks.queue_depth", 256)
	v.SetDefault("tasks.max_attempts", 15)
	v.SetDefault("tasks.backoff_initial_ms", 60000)
	v.SetDefault("tasks.backoff_max_hours", 24)
	v.SetDefault("feeds.push_url", "https://push.superfeedr.com")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		return fmt.Errorf("http.max_body_bytes must be > 0")
	}
	if c.Tasks.Workers <= 0 {
		return fmt.Errorf("tasks.workers must be > 0")
	}
	if c.Tasks.MaxAttempts <= 0 {
		return fmt.Errorf("tasks.max_attempts must be > 0")
	}
	if c.Poll.FastMinutes <= 0 || c.Poll.SlowHours <= 0 {
		return fmt.Errorf("poll cadences must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// FetchTimeout converts the HTTP timeout config into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// Cadence converts the poll config into scheduling durations.
func (c Config) Cadence() CadenceDurations {
	return CadenceDurations{
		FastPoll:        time.Duration(c.Poll.FastMinutes) * time.Minute,
		SlowPoll:        time.Duration(c.Poll.SlowHours) * time.Hour,
		RateLimitedPoll: time.Duration(c.Poll.RateLimitedHours) * time.Hour,
		FastPollGrace:   time.Duration(c.Poll.GracePeriodDays) * 24 * time.Hour,
		FastRefetch:     time.Duration(c.Poll.FastRefetchHours) * time.Hour,
		SlowRefetch:     time.Duration(c.Poll.SlowRefetchHours) * time.Hour,
	}
}

// CadenceDurations is the duration form of PollConfig.
type CadenceDurations struct {
	FastPoll        time.Duration
	SlowPoll        time.Duration
	RateLimitedPoll time.Duration
	FastPollGrace   time.Duration
	FastRefetch     time.Duration
	SlowRefetch     time.Duration
}
