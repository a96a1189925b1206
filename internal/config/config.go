// Package config loads ksync configuration from a TOML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the whole configuration file. The server, the sync client and
// the CLI each read their own section.
type Config struct {
	Server ServerConfig `toml:"server"`
	Sync   SyncConfig   `toml:"sync"`
	Client ClientConfig `toml:"client"`
	Log    LogConfig    `toml:"log"`
}

// ServerConfig configures ksyncd.
type ServerConfig struct {
	Addr        string `toml:"addr" env:"KSYNC_SERVER_ADDR" env-default:"127.0.0.1:8420"`
	MetricsAddr string `toml:"metrics_addr" env:"KSYNC_METRICS_ADDR" env-default:""`

	// DB is the data directory. It holds the embedded metadata database
	// and, for the local backend, the object files.
	DB string `toml:"db" env:"KSYNC_SERVER_DB" env-default:"~/.local/share/ksync"`

	// DatabaseURL selects PostgreSQL for metadata when it is a postgres:// URL.
	DatabaseURL string `toml:"database_url" env:"KSYNC_DATABASE_URL"`

	MaxUploadSize    int64 `toml:"max_upload_size" env:"KSYNC_MAX_UPLOAD_SIZE" env-default:"1073741824"`
	MaxCommitRetries int   `toml:"max_commit_retries" env:"KSYNC_MAX_COMMIT_RETRIES" env-default:"32"`
	NodeCacheSize    int   `toml:"node_cache_size" env:"KSYNC_NODE_CACHE_SIZE" env-default:"4096"`

	Storage StorageConfig `toml:"storage"`
}

// StorageConfig selects the object backend.
type StorageConfig struct {
	Backend   string `toml:"backend" env:"KSYNC_STORAGE_BACKEND" env-default:"local"`
	LocalPath string `toml:"local_path" env:"KSYNC_STORAGE_LOCAL_PATH"`

	S3Endpoint  string `toml:"s3_endpoint" env:"KSYNC_S3_ENDPOINT"`
	S3Bucket    string `toml:"s3_bucket" env:"KSYNC_S3_BUCKET" env-default:"ksync"`
	S3AccessKey string `toml:"s3_access_key" env:"KSYNC_S3_ACCESS_KEY"`
	S3SecretKey string `toml:"s3_secret_key" env:"KSYNC_S3_SECRET_KEY"`
	S3Region    string `toml:"s3_region" env:"KSYNC_S3_REGION" env-default:"us-east-1"`
	// S3Prefix is prepended to every object key, letting several stores
	// share a bucket.
	S3Prefix string `toml:"s3_prefix" env:"KSYNC_S3_PREFIX"`
}

// SyncConfig configures the sync client.
type SyncConfig struct {
	Remote string `toml:"remote" env:"KSYNC_SYNC_REMOTE" env-default:"http://127.0.0.1:8420"`
	Dir    string `toml:"dir" env:"KSYNC_SYNC_DIR"`
	// ResyncTime is the full resync interval in seconds.
	ResyncTime  int    `toml:"resync_time" env:"KSYNC_SYNC_RESYNC_TIME" env-default:"300"`
	Watch       bool   `toml:"watch" env:"KSYNC_SYNC_WATCH" env-default:"true"`
	Events      bool   `toml:"events" env:"KSYNC_SYNC_EVENTS" env-default:"true"`
	Concurrency int    `toml:"concurrency" env:"KSYNC_SYNC_CONCURRENCY" env-default:"4"`
	MetricsAddr string `toml:"metrics_addr" env:"KSYNC_SYNC_METRICS_ADDR"`
}

// ClientConfig configures the command line client.
type ClientConfig struct {
	Remote  string `toml:"remote" env:"KSYNC_CLIENT_REMOTE" env-default:"http://127.0.0.1:8420"`
	Timeout int    `toml:"timeout" env:"KSYNC_CLIENT_TIMEOUT" env-default:"30"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `toml:"level" env:"KSYNC_LOG_LEVEL" env-default:"info"`
	Format string `toml:"format" env:"KSYNC_LOG_FORMAT" env-default:"console"`
	File   string `toml:"file" env:"KSYNC_LOG_FILE" env-default:"stderr"`
}

// ResyncInterval returns the resync period.
func (s SyncConfig) ResyncInterval() time.Duration {
	return time.Duration(s.ResyncTime) * time.Second
}

// ClientTimeout returns the per-request timeout of the CLI client.
func (c ClientConfig) ClientTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// DefaultPath returns $XDG_CONFIG_HOME/ksync/config.toml.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(dir, "ksync", "config.toml")
}

// Load reads the file at path (DefaultPath when empty) and applies
// environment overrides. A missing file at the default location is not an
// error: environment and defaults are used instead.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	var cfg Config
	_, statErr := os.Stat(path)
	switch {
	case statErr == nil:
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	case errors.Is(statErr, os.ErrNotExist) && !explicit:
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("read config from environment: %w", err)
		}
	default:
		return nil, fmt.Errorf("config file %s: %w", path, statErr)
	}

	cfg.Server.DB = expandHome(cfg.Server.DB)
	cfg.Server.Storage.LocalPath = expandHome(cfg.Server.Storage.LocalPath)
	cfg.Sync.Dir = expandHome(cfg.Sync.Dir)
	if cfg.Server.Storage.LocalPath == "" {
		cfg.Server.Storage.LocalPath = filepath.Join(cfg.Server.DB, "objects")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that defaults cannot guarantee.
func (c *Config) Validate() error {
	switch c.Server.Storage.Backend {
	case "local", "s3":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Server.Storage.Backend)
	}
	if c.Server.MaxCommitRetries <= 0 {
		return fmt.Errorf("max_commit_retries must be positive, got %d", c.Server.MaxCommitRetries)
	}
	if c.Server.MaxUploadSize <= 0 {
		return fmt.Errorf("max_upload_size must be positive, got %d", c.Server.MaxUploadSize)
	}
	if c.Sync.ResyncTime <= 0 {
		return fmt.Errorf("resync_time must be positive, got %d", c.Sync.ResyncTime)
	}
	if c.Sync.Concurrency <= 0 {
		c.Sync.Concurrency = 1
	}
	return nil
}

// IsPostgres reports whether metadata should live in PostgreSQL.
func (s ServerConfig) IsPostgres() bool {
	return strings.HasPrefix(s.DatabaseURL, "postgres://") ||
		strings.HasPrefix(s.DatabaseURL, "postgresql://")
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p
}
