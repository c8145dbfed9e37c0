package config

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	DSN           string `yaml:"dsn"`
	MigrationsDir string `yaml:"migrationsDir"`
}

// RedisConfig is optional. When URL is empty the process falls back to
// in-process leases and rate limiting is disabled.
type RedisConfig struct {
	URL         string `yaml:"url"`
	LeasePrefix string `yaml:"leasePrefix"`
	LeaseTTLMs  int    `yaml:"leaseTTLMs"`
}

// NATSConfig enables fan-out of job events. Empty URL disables it.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type AuthConfig struct {
	Enabled bool     `yaml:"enabled"`
	APIKeys []string `yaml:"apiKeys"`
}

type RateLimitConfig struct {
	DefaultPerMinute int `yaml:"defaultPerMinute"`
}

type WorkerConfig struct {
	MaxConcurrentJobs  int `yaml:"maxConcurrentJobs"`
	PollIntervalMs     int `yaml:"pollIntervalMs"`
	RecoveryIntervalMs int `yaml:"recoveryIntervalMs"`
	ShutdownTimeoutMs  int `yaml:"shutdownTimeoutMs"`
}

// EngineConfig holds the runner policy knobs.
type EngineConfig struct {
	AutoPauseThreshold int `yaml:"autoPauseThreshold"`
	CheckpointEvery    int `yaml:"checkpointEvery"`
	ProgressEventEvery int `yaml:"progressEventEvery"`
	BackoffBaseMs      int `yaml:"backoffBaseMs"`
	ItemTimeoutMs      int `yaml:"itemTimeoutMs"`
	LeasePollMs        int `yaml:"leasePollMs"`
	StatsStaleAfterMs  int `yaml:"statsStaleAfterMs"`
}

// ScraperConfig controls outbound fetches. Certificates are not verified
// unless VerifyTLS is set; many publisher sites serve broken TLS.
type ScraperConfig struct {
	UserAgent       string `yaml:"userAgent"`
	TimeoutMs       int    `yaml:"timeoutMs"`
	VerifyTLS       bool   `yaml:"verifyTLS"`
	MaxContentChars int    `yaml:"maxContentChars"`
	MaxLinks        int    `yaml:"maxLinks"`
	SameDomainLinks bool   `yaml:"sameDomainLinks"`
}

type RobotsConfig struct {
	Respect         bool `yaml:"respect"`
	CacheTTLMinutes int  `yaml:"cacheTTLMinutes"`
}

type RodConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BrowserURL string `yaml:"browserURL"`
}

// JobTTLConfig controls per-kind retention in days.
type JobTTLConfig struct {
	DefaultDays int `yaml:"defaultDays"`
	AdsTxtDays  int `yaml:"adsTxtDays"`
	PageDays    int `yaml:"pageDays"`
}

// RetentionConfig controls deletion of old finished jobs so that the
// database does not grow without bound over time.
type RetentionConfig struct {
	Enabled                bool         `yaml:"enabled"`
	CleanupIntervalMinutes int          `yaml:"cleanupIntervalMinutes"`
	Jobs                   JobTTLConfig `yaml:"jobs"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	NATS      NATSConfig      `yaml:"nats"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Worker    WorkerConfig    `yaml:"worker"`
	Engine    EngineConfig    `yaml:"engine"`
	Scraper   ScraperConfig   `yaml:"scraper"`
	Robots    RobotsConfig    `yaml:"robots"`
	Rod       RodConfig       `yaml:"rod"`
	Retention RetentionConfig `yaml:"retention"`
}

func Load(path string) *Config {
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		log.Fatalf("failed to decode config: %v", err)
	}

	return cfg
}

// Decode reads YAML config from r, then applies environment overrides
// and defaults.
func Decode(r io.Reader) (*Config, error) {
	var cfg Config
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil && err != io.EOF {
		return nil, err
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// applyEnv overrides secrets and endpoints from SCRAPEHUB_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("SCRAPEHUB_DATABASE_DSN"); ok && v != "" {
		c.Database.DSN = v
	}
	if v, ok := lookup("SCRAPEHUB_REDIS_URL"); ok && v != "" {
		c.Redis.URL = v
	}
	if v, ok := lookup("SCRAPEHUB_NATS_URL"); ok && v != "" {
		c.NATS.URL = v
	}
	if v, ok := lookup("SCRAPEHUB_API_KEY"); ok && v != "" {
		c.Auth.APIKeys = append(c.Auth.APIKeys, v)
	}
	if v, ok := lookup("SCRAPEHUB_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SCRAPEHUB_PORT: %w", err)
		}
		c.Server.Port = port
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.MigrationsDir == "" {
		c.Database.MigrationsDir = "db/migrations"
	}
	if c.Redis.LeasePrefix == "" {
		c.Redis.LeasePrefix = "scrapehub:lease:"
	}
	if c.Redis.LeaseTTLMs <= 0 {
		c.Redis.LeaseTTLMs = 30000
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = "scrapehub.jobs.events"
	}
	if c.Worker.MaxConcurrentJobs <= 0 {
		c.Worker.MaxConcurrentJobs = 4
	}
	if c.Worker.PollIntervalMs <= 0 {
		c.Worker.PollIntervalMs = 2000
	}
	if c.Worker.RecoveryIntervalMs <= 0 {
		c.Worker.RecoveryIntervalMs = 30000
	}
	if c.Worker.ShutdownTimeoutMs <= 0 {
		c.Worker.ShutdownTimeoutMs = 15000
	}
	if c.Engine.AutoPauseThreshold <= 0 {
		c.Engine.AutoPauseThreshold = 3
	}
	if c.Engine.CheckpointEvery <= 0 {
		c.Engine.CheckpointEvery = 10
	}
	if c.Engine.ProgressEventEvery <= 0 {
		c.Engine.ProgressEventEvery = 100
	}
	if c.Engine.BackoffBaseMs <= 0 {
		c.Engine.BackoffBaseMs = 1000
	}
	if c.Engine.ItemTimeoutMs <= 0 {
		c.Engine.ItemTimeoutMs = 30000
	}
	if c.Engine.LeasePollMs <= 0 {
		c.Engine.LeasePollMs = 250
	}
	if c.Engine.StatsStaleAfterMs <= 0 {
		c.Engine.StatsStaleAfterMs = 10000
	}
	if c.Scraper.UserAgent == "" {
		c.Scraper.UserAgent = "Mozilla/5.0 (compatible; ScrapeHub/1.0)"
	}
	if c.Scraper.TimeoutMs <= 0 {
		c.Scraper.TimeoutMs = 10000
	}
	if c.Scraper.MaxContentChars <= 0 {
		c.Scraper.MaxContentChars = 500
	}
	if c.Scraper.MaxLinks <= 0 {
		c.Scraper.MaxLinks = 200
	}
	if c.Robots.CacheTTLMinutes <= 0 {
		c.Robots.CacheTTLMinutes = 60
	}
	if c.Retention.CleanupIntervalMinutes <= 0 {
		c.Retention.CleanupIntervalMinutes = 60
	}
}

// Duration converts a millisecond config value.
func Duration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
