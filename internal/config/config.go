// Package config loads pipeline configuration from a YAML file with
// environment variable overrides. Defaults run the pipeline fully local
// with no external services.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/treadworks/medallion-pipeline/internal/extract"
	"github.com/treadworks/medallion-pipeline/internal/lake"
	"github.com/treadworks/medallion-pipeline/internal/logging"
	"github.com/treadworks/medallion-pipeline/internal/metrics"
)

type Config struct {
	Lake     lake.Config    `yaml:"lake"`
	Inbox    extract.Config `yaml:"inbox"`
	Runstore RunstoreConfig `yaml:"runstore"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Audit    AuditConfig    `yaml:"audit"`
	Quality  QualityConfig  `yaml:"quality"`
	Perf     PerfConfig     `yaml:"perf"`
	Logging  logging.Config `yaml:"logging"`
	Metrics  metrics.Config `yaml:"metrics"`
}

type RunstoreConfig struct {
	Backend     string `yaml:"backend"` // "file" | "postgres" | "memory"
	Dir         string `yaml:"dir"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type CatalogConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"` // empty disables the catalog
}

type AuditConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Dir      string `yaml:"dir"`
	Endpoint string `yaml:"endpoint"` // optional HTTP sink
}

type QualityConfig struct {
	SampleLimit int `yaml:"sample_limit"`
}

type PerfConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// Default returns the local-only configuration.
func Default() Config {
	return Config{
		Lake:     lake.Config{Backend: "local", LocalDir: "./data/lake"},
		Inbox:    extract.Config{Mode: "local", Dir: "./data/inbox"},
		Runstore: RunstoreConfig{Backend: "file", Dir: "./data/runs"},
		Audit:    AuditConfig{Enabled: true, Dir: "./data/audit"},
		Quality:  QualityConfig{SampleLimit: 5},
		Perf:     PerfConfig{Workers: 4, QueueSize: 8},
		Logging:  logging.Config{Format: "text", Level: "info"},
		Metrics:  metrics.Config{Addr: ":9090"},
	}
}

// Load reads the config file (when path is non-empty), then applies
// environment overrides on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if cfg.Quality.SampleLimit <= 0 {
		cfg.Quality.SampleLimit = 5
	}
	if cfg.Perf.Workers < 1 {
		cfg.Perf.Workers = 1
	}
	if cfg.Perf.QueueSize < 1 {
		cfg.Perf.QueueSize = cfg.Perf.Workers * 2
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Lake.Backend, "LAKE_BACKEND")
	setString(&cfg.Lake.LocalDir, "LAKE_DIR")
	setString(&cfg.Lake.Bucket, "LAKE_BUCKET")
	setString(&cfg.Lake.Prefix, "LAKE_PREFIX")
	setString(&cfg.Lake.Endpoint, "LAKE_S3_ENDPOINT")
	setString(&cfg.Lake.Region, "LAKE_S3_REGION")
	setString(&cfg.Inbox.Mode, "INBOX_MODE")
	setString(&cfg.Inbox.Dir, "INBOX_DIR")
	setString(&cfg.Inbox.Bucket, "INBOX_BUCKET")
	setString(&cfg.Runstore.Backend, "RUNSTORE_BACKEND")
	setString(&cfg.Runstore.Dir, "RUNSTORE_DIR")
	setString(&cfg.Runstore.PostgresDSN, "RUNSTORE_DSN")
	setString(&cfg.Catalog.PostgresDSN, "CATALOG_DSN")
	setString(&cfg.Audit.Dir, "AUDIT_DIR")
	setString(&cfg.Audit.Endpoint, "AUDIT_ENDPOINT")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")
	setString(&cfg.Logging.File, "LOG_FILE")
	setString(&cfg.Metrics.Addr, "METRICS_ADDR")
	setInt(&cfg.Perf.Workers, "WORKERS")
	setInt(&cfg.Perf.QueueSize, "QUEUE_SIZE")
	setBool(&cfg.Metrics.Enabled, "METRICS_ENABLED")
	setBool(&cfg.Audit.Enabled, "AUDIT_ENABLED")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
