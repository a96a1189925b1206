package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[server]
addr = "0.0.0.0:9000"
db = "/var/lib/ksync"

[sync]
remote = "http://example:9000"
dir = "/home/me/sync"
resync_time = 60

[client]
remote = "http://example:9000"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != "0.0.0.0:9000" {
		t.Errorf("Server.Addr = %q", cfg.Server.Addr)
	}
	if cfg.Server.DB != "/var/lib/ksync" {
		t.Errorf("Server.DB = %q", cfg.Server.DB)
	}
	if cfg.Server.Storage.LocalPath != "/var/lib/ksync/objects" {
		t.Errorf("LocalPath = %q", cfg.Server.Storage.LocalPath)
	}
	if cfg.Sync.ResyncInterval() != time.Minute {
		t.Errorf("ResyncInterval = %v", cfg.Sync.ResyncInterval())
	}
	if cfg.Server.MaxCommitRetries != 32 {
		t.Errorf("MaxCommitRetries default = %d, want 32", cfg.Server.MaxCommitRetries)
	}
	if cfg.Server.Storage.Backend != "local" {
		t.Errorf("Backend default = %q", cfg.Server.Storage.Backend)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, `
[server]
addr = "127.0.0.1:1"
db = "/tmp/x"
`)
	t.Setenv("KSYNC_SERVER_ADDR", "127.0.0.1:2")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:2" {
		t.Errorf("Server.Addr = %q, want env override", cfg.Server.Addr)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad backend", func(c *Config) { c.Server.Storage.Backend = "ftp" }},
		{"zero retries", func(c *Config) { c.Server.MaxCommitRetries = 0 }},
		{"zero upload size", func(c *Config) { c.Server.MaxUploadSize = 0 }},
		{"zero resync", func(c *Config) { c.Sync.ResyncTime = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{
				Server: ServerConfig{MaxCommitRetries: 1, MaxUploadSize: 1, Storage: StorageConfig{Backend: "local"}},
				Sync:   SyncConfig{ResyncTime: 1, Concurrency: 1},
			}
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestIsPostgres(t *testing.T) {
	if !(ServerConfig{DatabaseURL: "postgres://u@h/db"}).IsPostgres() {
		t.Error("postgres URL not detected")
	}
	if (ServerConfig{}).IsPostgres() {
		t.Error("empty URL reported as postgres")
	}
}
