package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the campaign engine.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Tracking TrackingConfig `yaml:"tracking"`
	Queue    QueueConfig    `yaml:"queue"`
	Mail     MailConfig     `yaml:"mail"`
	Google   GoogleConfig   `yaml:"google"`
	SES      SESConfig      `yaml:"ses"`
	Session  SessionConfig  `yaml:"session"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, listening on all interfaces in containers.
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds Postgres configuration.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds Redis configuration for the rate limiter and session store.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// TrackingConfig holds link/pixel rewriting configuration.
type TrackingConfig struct {
	// BaseURL is the public origin the pixel and click-redirect URLs point at.
	BaseURL string `yaml:"base_url"`
	// Default UTM parameters stamped on rewritten links unless the link
	// carries its own utm_* overrides.
	UTMSource   string `yaml:"utm_source"`
	UTMMedium   string `yaml:"utm_medium"`
	UTMCampaign string `yaml:"utm_campaign"`
}

// QueueConfig holds delivery queue tuning.
type QueueConfig struct {
	BatchSize              int `yaml:"batch_size"`
	DelayBetweenBatchesMS  int `yaml:"delay_between_batches_ms"`
	MaxRetries             int `yaml:"max_retries"`
	RateLimitPerWindow     int `yaml:"rate_limit_per_window"`
	RateLimitWindowSeconds int `yaml:"rate_limit_window_seconds"`
}

// BatchDelay returns the configured inter-batch delay as a duration.
func (c QueueConfig) BatchDelay() time.Duration {
	return time.Duration(c.DelayBetweenBatchesMS) * time.Millisecond
}

// RateWindow returns the rate limiter window as a duration.
func (c QueueConfig) RateWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}

// MailConfig selects and tunes the outbound transport.
type MailConfig struct {
	// Transport is "smtp" (Gmail submission with XOAUTH2) or "ses".
	Transport      string `yaml:"transport"`
	SMTPHost       string `yaml:"smtp_host"`
	SMTPPort       int    `yaml:"smtp_port"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	TemplateDir    string `yaml:"template_dir"`
}

// Timeout returns the configured send timeout as a duration.
func (c MailConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// GoogleConfig holds the OAuth client used to refresh per-user mail credentials.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
}

// SESConfig holds AWS SES transport configuration.
type SESConfig struct {
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Enabled   bool   `yaml:"enabled"`
}

// SessionConfig holds the recipient/session cookie configuration.
type SessionConfig struct {
	CookieName   string `yaml:"cookie_name"`
	TTLSeconds   int    `yaml:"ttl_seconds"`
	CookieSecure bool   `yaml:"cookie_secure"`
}

// TTL returns the session lifetime as a duration.
func (c SessionConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// Load reads and parses the configuration file, applying defaults.
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
	if cfg.Redis.URL == "" {
		cfg.Redis.URL = "redis://localhost:6379/0"
	}
	if cfg.Tracking.BaseURL == "" {
		cfg.Tracking.BaseURL = "http://localhost:8080"
	}
	if cfg.Tracking.UTMSource == "" {
		cfg.Tracking.UTMSource = "email"
	}
	if cfg.Tracking.UTMMedium == "" {
		cfg.Tracking.UTMMedium = "cta_button"
	}
	if cfg.Tracking.UTMCampaign == "" {
		cfg.Tracking.UTMCampaign = "product_updates"
	}
	if cfg.Queue.BatchSize == 0 {
		cfg.Queue.BatchSize = 5
	}
	if cfg.Queue.DelayBetweenBatchesMS == 0 {
		cfg.Queue.DelayBetweenBatchesMS = 1000
	}
	if cfg.Queue.MaxRetries == 0 {
		cfg.Queue.MaxRetries = 3
	}
	if cfg.Queue.RateLimitPerWindow == 0 {
		cfg.Queue.RateLimitPerWindow = 5
	}
	if cfg.Queue.RateLimitWindowSeconds == 0 {
		cfg.Queue.RateLimitWindowSeconds = 1
	}
	if cfg.Mail.Transport == "" {
		cfg.Mail.Transport = "smtp"
	}
	if cfg.Mail.SMTPHost == "" {
		cfg.Mail.SMTPHost = "smtp.gmail.com"
	}
	if cfg.Mail.SMTPPort == 0 {
		cfg.Mail.SMTPPort = 465
	}
	if cfg.Mail.TimeoutSeconds == 0 {
		cfg.Mail.TimeoutSeconds = 30
	}
	if cfg.Mail.TemplateDir == "" {
		cfg.Mail.TemplateDir = "templates"
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-east-1"
	}
	if cfg.Session.CookieName == "" {
		cfg.Session.CookieName = "engine_session"
	}
	if cfg.Session.TTLSeconds == 0 {
		cfg.Session.TTLSeconds = 86400
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file (if present) is loaded first, so secrets can live in .env
// locally and in real environment variables in production.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		// No config file: run on defaults + environment.
		cfg = &Config{}
		applyDefaults(cfg)
	}

	if port := os.Getenv("PORT"); port != "" {
		if p, perr := strconv.Atoi(port); perr == nil {
			cfg.Server.Port = p
		}
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Redis.URL = redisURL
	}
	if appURL := os.Getenv("APP_URL"); appURL != "" {
		cfg.Tracking.BaseURL = appURL
	}
	if clientID := os.Getenv("GOOGLE_CLIENT_ID"); clientID != "" {
		cfg.Google.ClientID = clientID
	}
	if clientSecret := os.Getenv("GOOGLE_CLIENT_SECRET"); clientSecret != "" {
		cfg.Google.ClientSecret = clientSecret
	}
	if redirectURL := os.Getenv("GOOGLE_REDIRECT_URI"); redirectURL != "" {
		cfg.Google.RedirectURL = redirectURL
	}
	if accessKey := os.Getenv("AWS_SES_ACCESS_KEY"); accessKey != "" {
		cfg.SES.AccessKey = accessKey
	}
	if secretKey := os.Getenv("AWS_SES_SECRET_KEY"); secretKey != "" {
		cfg.SES.SecretKey = secretKey
	}
	if region := os.Getenv("AWS_SES_REGION"); region != "" {
		cfg.SES.Region = region
	}
	if transport := os.Getenv("MAIL_TRANSPORT"); transport != "" {
		cfg.Mail.Transport = transport
	}

	return cfg, nil
}
