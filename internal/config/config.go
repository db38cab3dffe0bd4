package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Probe     ProbeConfig     `yaml:"probe"`
	Producer  ProducerConfig  `yaml:"producer"`
	Replenish ReplenishConfig `yaml:"replenish"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Alerts    AlertsConfig    `yaml:"alerts"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with environment override.
func (c ServerConfig) GetHost() string {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL                     string `yaml:"url"`
	MaxOpenConns            int    `yaml:"max_open_conns"`
	MaxIdleConns            int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes  int    `yaml:"conn_max_lifetime_minutes"`
	ConnectTimeoutSeconds   int    `yaml:"connect_timeout_seconds"`
	StatementTimeoutSeconds int    `yaml:"statement_timeout_seconds"`
	MigrateOnBoot           bool   `yaml:"migrate_on_boot"`
}

// ConnMaxLifetime returns the connection lifetime as a duration
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeMinutes) * time.Minute
}

// RedisConfig holds the optional Redis connection. When URL is empty the
// server runs with in-process rate limiting and PG advisory locks.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// AuthConfig holds API-key authentication settings.
type AuthConfig struct {
	KeyCacheTTLSeconds int    `yaml:"key_cache_ttl_seconds"`
	CronSecret         string `yaml:"cron_secret"`
}

// KeyCacheTTL returns the auth cache TTL as a duration
func (c AuthConfig) KeyCacheTTL() time.Duration {
	return time.Duration(c.KeyCacheTTLSeconds) * time.Second
}

// RateLimitConfig holds per-minute request budgets by route class.
type RateLimitConfig struct {
	Enabled       bool `yaml:"enabled"`
	GenericPerMin int  `yaml:"generic_per_min"`
	AdminPerMin   int  `yaml:"admin_per_min"`
	BatchPerMin   int  `yaml:"batch_per_min"`
}

// TrackerConfig holds redirect-chain walker settings.
type TrackerConfig struct {
	MaxRedirects       int    `yaml:"max_redirects"`
	StepTimeoutSeconds int    `yaml:"step_timeout_seconds"`
	RetryCount         int    `yaml:"retry_count"`
	UserAgent          string `yaml:"user_agent"`
	MaxBodyBytes       int64  `yaml:"max_body_bytes"`
}

// StepTimeout returns the per-request timeout as a duration
func (c TrackerConfig) StepTimeout() time.Duration {
	return time.Duration(c.StepTimeoutSeconds) * time.Second
}

// ProbeConfig holds exit-IP probe settings.
type ProbeConfig struct {
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	EchoServices   []string `yaml:"echo_services"`
}

// Timeout returns the probe timeout as a duration
func (c ProbeConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ProducerConfig holds suffix production settings.
type ProducerConfig struct {
	TotalBudgetSeconds int  `yaml:"total_budget_seconds"`
	MockFallback       bool `yaml:"mock_fallback"`
}

// TotalBudget returns the per-production deadline as a duration
func (c ProducerConfig) TotalBudget() time.Duration {
	return time.Duration(c.TotalBudgetSeconds) * time.Second
}

// ReplenishConfig holds stock replenishment settings.
type ReplenishConfig struct {
	Enabled             bool   `yaml:"enabled"`
	CronSpec            string `yaml:"cron_spec"`
	BatchSize           int    `yaml:"batch_size"`
	LowWatermark        int    `yaml:"low_watermark"`
	SuffixTTLHours      int    `yaml:"suffix_ttl_hours"`
	CampaignConcurrency int    `yaml:"campaign_concurrency"`
	QueueSize           int    `yaml:"queue_size"`
	LockTTLSeconds      int    `yaml:"lock_ttl_seconds"`
}

// SuffixTTL returns the stale-stock age as a duration
func (c ReplenishConfig) SuffixTTL() time.Duration {
	return time.Duration(c.SuffixTTLHours) * time.Hour
}

// LockTTL returns the replenish lock TTL as a duration
func (c ReplenishConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// RecoveryConfig holds lease recovery and alerting thresholds.
type RecoveryConfig struct {
	Enabled               bool    `yaml:"enabled"`
	CronSpec              string  `yaml:"cron_spec"`
	LeaseTTLMinutes       int     `yaml:"lease_ttl_minutes"`
	StockZeroWarnMinutes  int     `yaml:"stock_zero_warn_minutes"`
	StockZeroErrorMinutes int     `yaml:"stock_zero_error_minutes"`
	FailureRateThreshold  float64 `yaml:"failure_rate_threshold"`
	FailureMinSample      int     `yaml:"failure_min_sample"`
	AlertDedupMinutes     int     `yaml:"alert_dedup_minutes"`
	AlertRetentionDays    int     `yaml:"alert_retention_days"`
}

// LeaseTTL returns the stuck-lease age as a duration
func (c RecoveryConfig) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLMinutes) * time.Minute
}

// AlertDedupWindow returns the alert dedup window as a duration
func (c RecoveryConfig) AlertDedupWindow() time.Duration {
	return time.Duration(c.AlertDedupMinutes) * time.Minute
}

// AlertsConfig holds the optional outbound webhook notifier.
type AlertsConfig struct {
	WebhookURL     string `yaml:"webhook_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

// Timeout returns the webhook timeout as a duration
func (c AlertsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetimeMinutes == 0 {
		cfg.Database.ConnMaxLifetimeMinutes = 5
	}
	if cfg.Database.ConnectTimeoutSeconds == 0 {
		cfg.Database.ConnectTimeoutSeconds = 10
	}
	if cfg.Database.StatementTimeoutSeconds == 0 {
		cfg.Database.StatementTimeoutSeconds = 30
	}
	if cfg.Auth.KeyCacheTTLSeconds == 0 {
		cfg.Auth.KeyCacheTTLSeconds = 60
	}
	if cfg.RateLimit.GenericPerMin == 0 {
		cfg.RateLimit.GenericPerMin = 100
	}
	if cfg.RateLimit.AdminPerMin == 0 {
		cfg.RateLimit.AdminPerMin = 20
	}
	if cfg.RateLimit.BatchPerMin == 0 {
		cfg.RateLimit.BatchPerMin = 30
	}
	if cfg.Tracker.MaxRedirects == 0 {
		cfg.Tracker.MaxRedirects = 10
	}
	if cfg.Tracker.StepTimeoutSeconds == 0 {
		cfg.Tracker.StepTimeoutSeconds = 15
	}
	if cfg.Tracker.UserAgent == "" {
		cfg.Tracker.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	}
	if cfg.Tracker.MaxBodyBytes == 0 {
		cfg.Tracker.MaxBodyBytes = 1 << 20
	}
	if cfg.Probe.TimeoutSeconds == 0 {
		cfg.Probe.TimeoutSeconds = 8
	}
	if len(cfg.Probe.EchoServices) == 0 {
		cfg.Probe.EchoServices = []string{
			"https://api.ipify.org?format=json",
			"https://www.cloudflare.com/cdn-cgi/trace",
			"https://ifconfig.me/ip",
		}
	}
	if cfg.Producer.TotalBudgetSeconds == 0 {
		cfg.Producer.TotalBudgetSeconds = 30
	}
	if cfg.Replenish.CronSpec == "" {
		cfg.Replenish.CronSpec = "*/10 * * * *"
	}
	if cfg.Replenish.BatchSize == 0 {
		cfg.Replenish.BatchSize = 10
	}
	if cfg.Replenish.LowWatermark == 0 {
		cfg.Replenish.LowWatermark = 3
	}
	if cfg.Replenish.SuffixTTLHours == 0 {
		cfg.Replenish.SuffixTTLHours = 48
	}
	if cfg.Replenish.CampaignConcurrency == 0 {
		cfg.Replenish.CampaignConcurrency = 4
	}
	if cfg.Replenish.QueueSize == 0 {
		cfg.Replenish.QueueSize = 256
	}
	if cfg.Replenish.LockTTLSeconds == 0 {
		cfg.Replenish.LockTTLSeconds = 300
	}
	if cfg.Recovery.CronSpec == "" {
		cfg.Recovery.CronSpec = "*/10 * * * *"
	}
	if cfg.Recovery.LeaseTTLMinutes == 0 {
		cfg.Recovery.LeaseTTLMinutes = 15
	}
	if cfg.Recovery.StockZeroWarnMinutes == 0 {
		cfg.Recovery.StockZeroWarnMinutes = 15
	}
	if cfg.Recovery.StockZeroErrorMinutes == 0 {
		cfg.Recovery.StockZeroErrorMinutes = 60
	}
	if cfg.Recovery.FailureRateThreshold == 0 {
		cfg.Recovery.FailureRateThreshold = 0.10
	}
	if cfg.Recovery.FailureMinSample == 0 {
		cfg.Recovery.FailureMinSample = 5
	}
	if cfg.Recovery.AlertDedupMinutes == 0 {
		cfg.Recovery.AlertDedupMinutes = 60
	}
	if cfg.Recovery.AlertRetentionDays == 0 {
		cfg.Recovery.AlertRetentionDays = 30
	}
	if cfg.Alerts.TimeoutSeconds == 0 {
		cfg.Alerts.TimeoutSeconds = 10
	}
	if cfg.Alerts.MaxRetries == 0 {
		cfg.Alerts.MaxRetries = 3
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required (or set DATABASE_URL)")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Replenish.LowWatermark > c.Replenish.BatchSize {
		return fmt.Errorf("replenish.low_watermark %d exceeds batch_size %d",
			c.Replenish.LowWatermark, c.Replenish.BatchSize)
	}
	if c.Recovery.FailureRateThreshold <= 0 || c.Recovery.FailureRateThreshold >= 1 {
		return fmt.Errorf("recovery.failure_rate_threshold %v must be in (0,1)", c.Recovery.FailureRateThreshold)
	}
	return nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		// No config file: run on defaults plus environment overrides.
		cfg = &Config{}
		applyDefaults(cfg)
	} else if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Redis.URL = redisURL
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if secret := os.Getenv("CRON_SECRET"); secret != "" {
		cfg.Auth.CronSecret = secret
	}
	if hook := os.Getenv("ALERT_WEBHOOK_URL"); hook != "" {
		cfg.Alerts.WebhookURL = hook
	}
	if v := os.Getenv("PRODUCER_MOCK_FALLBACK"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Producer.MockFallback = b
		}
	}
	if v := os.Getenv("RATE_LIMIT_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RateLimit.Enabled = b
		}
	}

	return cfg, nil
}
