package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	GitHub   GitHubConfig   `yaml:"github"`
	Secrets  SecretsConfig  `yaml:"secrets"`
	Sync     SyncConfig     `yaml:"sync"`
	Cache    CacheConfig    `yaml:"cache"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`    // file path for sqlite, connection string for postgres
}

type GitHubConfig struct {
	Owner         string `yaml:"owner"`
	Repo          string `yaml:"repo"`
	Token         string `yaml:"token"`
	PageSize      int    `yaml:"page_size"`
	WebhookSecret string `yaml:"webhook_secret"`
}

type SecretsConfig struct {
	EncryptionKey string `yaml:"encryption_key"`
}

// SyncConfig holds the orchestrator tunables: the cooldown window, the
// freshness threshold, and the background poll cadence.
type SyncConfig struct {
	Cooldown           string `yaml:"cooldown"`            // e.g. "60s"
	FreshnessThreshold string `yaml:"freshness_threshold"` // e.g. "5m"
	HistoryLimit       int    `yaml:"history_limit"`
	PollEnabled        bool   `yaml:"poll_enabled"`
	PollInterval       string `yaml:"poll_interval"` // e.g. "30s"
}

// CacheConfig holds per-entity-class TTLs.
type CacheConfig struct {
	ConfigTTL        string `yaml:"config_ttl"`
	IssuePageTTL     string `yaml:"issue_page_ttl"`
	LabelTTL         string `yaml:"label_ttl"`
	VerificationTTL  string `yaml:"verification_ttl"`
	StaleFlightAfter string `yaml:"stale_flight_after"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) ValidateServe() error {
	if c == nil {
		return fmt.Errorf("config is required")
	}
	if c.Secrets.EncryptionKey == "" || c.Secrets.EncryptionKey == "change-me-in-production" {
		return fmt.Errorf("ISSUEMIRROR_ENCRYPTION_KEY must be set to a non-default value")
	}
	if len(c.Secrets.EncryptionKey) < 16 {
		return fmt.Errorf("ISSUEMIRROR_ENCRYPTION_KEY must be at least 16 characters (current length: %d)", len(c.Secrets.EncryptionKey))
	}
	return nil
}

func (c *SyncConfig) CooldownDuration() time.Duration {
	return parseDuration(c.Cooldown, 60*time.Second)
}

func (c *SyncConfig) FreshnessDuration() time.Duration {
	return parseDuration(c.FreshnessThreshold, 5*time.Minute)
}

func (c *SyncConfig) PollIntervalDuration() time.Duration {
	return parseDuration(c.PollInterval, 30*time.Second)
}

func (c *CacheConfig) ConfigTTLDuration() time.Duration {
	return parseDuration(c.ConfigTTL, time.Hour)
}

func (c *CacheConfig) IssuePageTTLDuration() time.Duration {
	return parseDuration(c.IssuePageTTL, 60*time.Second)
}

func (c *CacheConfig) LabelTTLDuration() time.Duration {
	return parseDuration(c.LabelTTL, 10*time.Minute)
}

func (c *CacheConfig) VerificationTTLDuration() time.Duration {
	return parseDuration(c.VerificationTTL, 5*time.Minute)
}

func (c *CacheConfig) StaleFlightDuration() time.Duration {
	return parseDuration(c.StaleFlightAfter, 10*time.Second)
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 3000,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "issuemirror.db",
		},
		GitHub: GitHubConfig{
			PageSize: 50,
		},
		Secrets: SecretsConfig{
			EncryptionKey: "change-me-in-production",
		},
		Sync: SyncConfig{
			Cooldown:           "60s",
			FreshnessThreshold: "5m",
			HistoryLimit:       20,
			PollEnabled:        false,
			PollInterval:       "30s",
		},
		Cache: CacheConfig{
			ConfigTTL:        "1h",
			IssuePageTTL:     "60s",
			LabelTTL:         "10m",
			VerificationTTL:  "5m",
			StaleFlightAfter: "10s",
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	if cfg.GitHub.PageSize <= 0 {
		cfg.GitHub.PageSize = 50
	}
	if cfg.Sync.HistoryLimit <= 0 {
		cfg.Sync.HistoryLimit = 20
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ISSUEMIRROR_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("ISSUEMIRROR_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("ISSUEMIRROR_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("ISSUEMIRROR_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("ISSUEMIRROR_GITHUB_OWNER"); v != "" {
		cfg.GitHub.Owner = v
	}
	if v := os.Getenv("ISSUEMIRROR_GITHUB_REPO"); v != "" {
		cfg.GitHub.Repo = v
	}
	if v := os.Getenv("ISSUEMIRROR_GITHUB_TOKEN"); v != "" {
		cfg.GitHub.Token = v
	}
	if v := os.Getenv("ISSUEMIRROR_GITHUB_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.GitHub.PageSize = n
		}
	}
	if v := os.Getenv("ISSUEMIRROR_WEBHOOK_SECRET"); v != "" {
		cfg.GitHub.WebhookSecret = v
	}
	if v := os.Getenv("ISSUEMIRROR_ENCRYPTION_KEY"); v != "" {
		cfg.Secrets.EncryptionKey = v
	}
	if v := os.Getenv("ISSUEMIRROR_SYNC_COOLDOWN"); v != "" {
		cfg.Sync.Cooldown = v
	}
	if v := os.Getenv("ISSUEMIRROR_SYNC_FRESHNESS_THRESHOLD"); v != "" {
		cfg.Sync.FreshnessThreshold = v
	}
	if v := os.Getenv("ISSUEMIRROR_SYNC_HISTORY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Sync.HistoryLimit = n
		}
	}
	if v := os.Getenv("ISSUEMIRROR_SYNC_POLL_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Sync.PollEnabled = enabled
		}
	}
	if v := os.Getenv("ISSUEMIRROR_SYNC_POLL_INTERVAL"); v != "" {
		cfg.Sync.PollInterval = v
	}
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
