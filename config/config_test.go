package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `{"storage":{"postgres":{"host":"localhost","dbname":"ledger"}}}`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("expected default address, got %q", cfg.Server.Address)
	}
	if cfg.General.Environment != "development" || cfg.General.Production() {
		t.Fatalf("expected development default, got %#v", cfg.General)
	}
	if cfg.Storage.Postgres.SSLMode != "disable" || cfg.Storage.Postgres.Port != "5432" {
		t.Fatalf("unexpected postgres defaults: %#v", cfg.Storage.Postgres)
	}
	if cfg.Secrets.CacheTTL != 900*time.Second {
		t.Fatalf("expected 900s credential cache TTL, got %s", cfg.Secrets.CacheTTL)
	}
	if cfg.Memory.SessionTTLHours != 24 || cfg.Memory.PersistentTTLHours != 168 {
		t.Fatalf("unexpected memory TTL defaults: %#v", cfg.Memory)
	}
	if cfg.Storage.Redis.Enabled() {
		t.Fatalf("expected redis disabled without a host")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `{
  "general": {"environment": "production"},
  "server": {"address": ":9090"},
  "storage": {
    "postgres": {"url": "postgres://app:pw@db:5432/ledger"},
    "redis": {"host": "cache", "port": "6379"}
  },
  "secrets": {"source": "env", "secret_id": "DB_CREDENTIALS", "cache_ttl": "5m"},
  "memory": {"session_ttl_hours": 12, "persistent_ttl_hours": 720}
}`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !cfg.General.Production() {
		t.Fatalf("expected production environment")
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("unexpected address: %q", cfg.Server.Address)
	}
	if !cfg.Storage.Redis.Enabled() {
		t.Fatalf("expected redis enabled")
	}
	if cfg.Secrets.Source != "env" || cfg.Secrets.CacheTTL != 5*time.Minute {
		t.Fatalf("unexpected secrets config: %#v", cfg.Secrets)
	}
	if cfg.Memory.PersistentTTLHours != 720 {
		t.Fatalf("unexpected memory config: %#v", cfg.Memory)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"unknown secrets source", `{"secrets":{"source":"vault","secret_id":"x"}}`},
		{"secret id required", `{"secrets":{"source":"env"}}`},
		{"redis port required", `{"storage":{"postgres":{"host":"h","dbname":"d"},"redis":{"host":"cache"}}}`},
		{"postgres host required", `{}`},
		{"session ttl positive", `{"storage":{"postgres":{"host":"h","dbname":"d"}},"memory":{"session_ttl_hours":0}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.body)
			if _, err := LoadConfig(path); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadConfigSecretSourceSkipsPostgresValidation(t *testing.T) {
	// with an external credential source, static postgres settings are optional
	path := writeConfig(t, `{"secrets":{"source":"env","secret_id":"DB_CREDENTIALS"}}`)
	if _, err := LoadConfig(path); err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
}
