package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Server.Port != 3000 {
		t.Fatalf("unexpected default port %d", cfg.Server.Port)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Fatalf("unexpected default driver %q", cfg.Database.Driver)
	}
	if got := cfg.Sync.CooldownDuration(); got != 60*time.Second {
		t.Fatalf("unexpected default cooldown %v", got)
	}
	if got := cfg.Sync.FreshnessDuration(); got != 5*time.Minute {
		t.Fatalf("unexpected default freshness threshold %v", got)
	}
	if cfg.Sync.HistoryLimit != 20 {
		t.Fatalf("unexpected default history limit %d", cfg.Sync.HistoryLimit)
	}
	if got := cfg.Cache.IssuePageTTLDuration(); got != 60*time.Second {
		t.Fatalf("unexpected default issue page TTL %v", got)
	}
	if got := cfg.Cache.ConfigTTLDuration(); got != time.Hour {
		t.Fatalf("unexpected default config TTL %v", got)
	}
}

func TestLoadFromFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
server:
  port: 9999
github:
  owner: acme
  repo: widgets
sync:
  cooldown: 30s
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ISSUEMIRROR_GITHUB_REPO", "gadgets")
	t.Setenv("ISSUEMIRROR_SYNC_FRESHNESS_THRESHOLD", "90s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9999 {
		t.Fatalf("file value not applied: %d", cfg.Server.Port)
	}
	if cfg.GitHub.Owner != "acme" {
		t.Fatalf("file value not applied: %q", cfg.GitHub.Owner)
	}
	if cfg.GitHub.Repo != "gadgets" {
		t.Fatalf("env must override file, got %q", cfg.GitHub.Repo)
	}
	if got := cfg.Sync.CooldownDuration(); got != 30*time.Second {
		t.Fatalf("unexpected cooldown %v", got)
	}
	if got := cfg.Sync.FreshnessDuration(); got != 90*time.Second {
		t.Fatalf("unexpected freshness threshold %v", got)
	}
}

func TestInvalidDurationFallsBack(t *testing.T) {
	cfg := Default()
	cfg.Sync.Cooldown = "not-a-duration"
	if got := cfg.Sync.CooldownDuration(); got != 60*time.Second {
		t.Fatalf("expected fallback cooldown, got %v", got)
	}
}

func TestValidateServe(t *testing.T) {
	cfg := Default()
	if err := cfg.ValidateServe(); err == nil {
		t.Fatal("default encryption key must not validate")
	}
	cfg.Secrets.EncryptionKey = "short"
	if err := cfg.ValidateServe(); err == nil {
		t.Fatal("short encryption key must not validate")
	}
	cfg.Secrets.EncryptionKey = "a-long-enough-encryption-key"
	if err := cfg.ValidateServe(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}
