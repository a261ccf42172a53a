// Package config provides YAML-based configuration loading for Arena.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Arena configuration, loaded from arena.yaml.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Judge     JudgeConfig     `yaml:"judge"`
	Worker    WorkerConfig    `yaml:"worker"`
	Backfill  BackfillConfig  `yaml:"backfill"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port"`
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// DatabaseConfig holds connection settings for the application database.
// The password is never read from the file; see Secrets.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Name   string `yaml:"name"`
	User   string `yaml:"user"`
	Path   string `yaml:"path"`
}

// UpstreamConfig configures the streaming chat-completions provider.
type UpstreamConfig struct {
	BaseURL     string        `yaml:"base_url"`
	Referer     string        `yaml:"referer"`
	Title       string        `yaml:"title"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	MaxTokens   int           `yaml:"max_tokens"`
}

// RateLimitConfig configures the per-client sliding window on the stream endpoint.
type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
	Store    string        `yaml:"store"`
	Prefix   string        `yaml:"prefix"`
}

// JudgeConfig configures the behavioural-analysis judge.
type JudgeConfig struct {
	Provider     string        `yaml:"provider"`
	Model        string        `yaml:"model"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxTokens    int           `yaml:"max_tokens"`
	Temperature  float64       `yaml:"temperature"`
	ContentLimit int           `yaml:"content_limit"`
}

// WorkerConfig configures the durable job runner.
type WorkerConfig struct {
	Concurrency  int           `yaml:"concurrency"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
	BaseBackoff  time.Duration `yaml:"base_backoff"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`
	Lease        time.Duration `yaml:"lease"`
}

// BackfillConfig configures the periodic analysis sweep.
type BackfillConfig struct {
	Schedule  string `yaml:"schedule"`
	BatchSize int    `yaml:"batch_size"`
	Disabled  bool   `yaml:"disabled"`
}

// AlertsConfig selects chat channels for operational alerts. A notifier is
// enabled when its channel is set and its bot token is present.
type AlertsConfig struct {
	Slack   ChannelConfig `yaml:"slack"`
	Discord ChannelConfig `yaml:"discord"`
}

// ChannelConfig names one alert destination.
type ChannelConfig struct {
	Channel string `yaml:"channel"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.Name == "" {
		c.Database.Name = "arena"
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.Database.Path == "" {
		c.Database.Path = "arena.db"
	}

	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "https://openrouter.ai/api/v1"
	}
	c.Upstream.BaseURL = strings.TrimRight(c.Upstream.BaseURL, "/")
	if c.Upstream.Referer == "" {
		c.Upstream.Referer = "http://localhost:3000"
	}
	if c.Upstream.Title == "" {
		c.Upstream.Title = "Arena"
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = 90 * time.Second
	}
	if c.Upstream.MaxRetries == 0 {
		c.Upstream.MaxRetries = 2
	}
	if c.Upstream.BaseBackoff == 0 {
		c.Upstream.BaseBackoff = time.Second
	}
	if c.Upstream.MaxBackoff == 0 {
		c.Upstream.MaxBackoff = 15 * time.Second
	}
	if c.Upstream.MaxTokens == 0 {
		c.Upstream.MaxTokens = 1024
	}

	if c.RateLimit.Requests == 0 {
		c.RateLimit.Requests = 20
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = time.Minute
	}
	if c.RateLimit.Store == "" {
		c.RateLimit.Store = "db"
	}
	if c.RateLimit.Prefix == "" {
		c.RateLimit.Prefix = "stream"
	}

	if c.Judge.Provider == "" {
		c.Judge.Provider = "openrouter"
	}
	if c.Judge.Model == "" {
		c.Judge.Model = "anthropic/claude-sonnet-4.6"
	}
	if c.Judge.Timeout == 0 {
		c.Judge.Timeout = 90 * time.Second
	}
	if c.Judge.MaxTokens == 0 {
		c.Judge.MaxTokens = 2048
	}
	if c.Judge.Temperature == 0 {
		c.Judge.Temperature = 0.1
	}
	if c.Judge.ContentLimit == 0 {
		c.Judge.ContentLimit = 800
	}

	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 10
	}
	if c.Worker.PollInterval == 0 {
		c.Worker.PollInterval = 2 * time.Second
	}
	if c.Worker.MaxAttempts == 0 {
		c.Worker.MaxAttempts = 4
	}
	if c.Worker.BaseBackoff == 0 {
		c.Worker.BaseBackoff = 10 * time.Second
	}
	if c.Worker.MaxBackoff == 0 {
		c.Worker.MaxBackoff = 10 * time.Minute
	}
	if c.Worker.Lease == 0 {
		c.Worker.Lease = 5 * time.Minute
	}

	if c.Backfill.Schedule == "" {
		c.Backfill.Schedule = "0 */6 * * *"
	}
	if c.Backfill.BatchSize == 0 {
		c.Backfill.BatchSize = 50
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	switch c.Database.Driver {
	case "mysql":
		if c.Database.Port < 1 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database.port %d out of range", c.Database.Port))
		}
	case "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be mysql or sqlite", c.Database.Driver))
	}
	if !strings.HasPrefix(c.Upstream.BaseURL, "http://") && !strings.HasPrefix(c.Upstream.BaseURL, "https://") {
		errs = append(errs, fmt.Sprintf("upstream.base_url %q must be an http(s) URL", c.Upstream.BaseURL))
	}
	if c.Upstream.MaxRetries < 0 {
		errs = append(errs, "upstream.max_retries must not be negative")
	}
	if c.Upstream.MaxBackoff < c.Upstream.BaseBackoff {
		errs = append(errs, "upstream.max_backoff must be >= upstream.base_backoff")
	}
	if c.RateLimit.Requests < 1 {
		errs = append(errs, "rate_limit.requests must be positive")
	}
	if c.RateLimit.Store != "db" && c.RateLimit.Store != "memory" {
		errs = append(errs, fmt.Sprintf("rate_limit.store %q must be db or memory", c.RateLimit.Store))
	}
	switch c.Judge.Provider {
	case "openrouter", "anthropic", "gemini":
	default:
		errs = append(errs, fmt.Sprintf("judge.provider %q must be openrouter, anthropic or gemini", c.Judge.Provider))
	}
	if c.Judge.Temperature < 0 || c.Judge.Temperature > 2 {
		errs = append(errs, "judge.temperature must be within [0, 2]")
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, "worker.concurrency must be positive")
	}
	if c.Worker.MaxAttempts < 1 {
		errs = append(errs, "worker.max_attempts must be positive")
	}
	if c.Worker.MaxBackoff < c.Worker.BaseBackoff {
		errs = append(errs, "worker.max_backoff must be >= worker.base_backoff")
	}
	if _, err := cron.ParseStandard(c.Backfill.Schedule); err != nil {
		errs = append(errs, fmt.Sprintf("backfill.schedule %q: %v", c.Backfill.Schedule, err))
	}
	if c.Backfill.BatchSize < 1 {
		errs = append(errs, "backfill.batch_size must be positive")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q must be text or json", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
