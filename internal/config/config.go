package config

import (
	"os"
	"path/filepath"
	"strings"

	env "github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// RunLogConfig controls persistent per-attempt output log files.
type RunLogConfig struct {
	Enabled         *bool  `yaml:"enabled" env:"RUN_LOGS_ENABLED" json:"enabled"`
	Dir             string `yaml:"dir" env:"RUN_LOGS_DIR" json:"dir"`
	MaxBytes        int64  `yaml:"max_bytes" env:"RUN_LOGS_MAX_BYTES" json:"max_bytes"`
	RetentionDays   int    `yaml:"retention_days" env:"RUN_LOGS_RETENTION_DAYS" json:"retention_days"`
	MaxTotalMB      int64  `yaml:"max_total_mb" env:"RUN_LOGS_MAX_TOTAL_MB" json:"max_total_mb"`
	CleanupInterval string `yaml:"cleanup_interval" env:"RUN_LOGS_CLEANUP_INTERVAL" json:"cleanup_interval"`
}

// IsEnabled returns whether persistent attempt log files are enabled.
// Defaults to true when unset.
func (c RunLogConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// Config is the top-level daemon configuration parsed from couponbat.yaml
// and overridden by environment variables.
type Config struct {
	Listen       string       `yaml:"listen" env:"COUPONBAT_LISTEN" json:"listen"`
	DataDir      string       `yaml:"data_dir" env:"DATA_DIR" json:"data_dir"`
	DBPath       string       `yaml:"db_path" env:"DB_PATH" json:"db_path"`
	LogLevel     string       `yaml:"log_level" env:"LOG_LEVEL" json:"log_level"`
	LogFormat    string       `yaml:"log_format" env:"LOG_FORMAT" json:"log_format"`
	DefaultOwner string       `yaml:"default_owner" env:"DEFAULT_OWNER" json:"default_owner"`
	Grab         GrabConfig   `yaml:"grab" json:"grab"`
	RunLogs      RunLogConfig `yaml:"run_logs" json:"run_logs"`
}

func applyDefaults(c *Config) {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	c.DataDir = expandPath(c.DataDir)
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "couponbat.db")
	} else {
		c.DBPath = expandPath(c.DBPath)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
	if c.DefaultOwner == "" {
		c.DefaultOwner = "admin"
	}
	applyGrabDefaults(&c.Grab)
	if c.RunLogs.Dir == "" {
		c.RunLogs.Dir = filepath.Join(c.DataDir, "logs")
	} else {
		c.RunLogs.Dir = expandPath(c.RunLogs.Dir)
	}
	if c.RunLogs.MaxBytes <= 0 {
		c.RunLogs.MaxBytes = 256 * 1024 // 256KB
	}
	if c.RunLogs.RetentionDays <= 0 {
		c.RunLogs.RetentionDays = 7
	}
	if c.RunLogs.MaxTotalMB <= 0 {
		c.RunLogs.MaxTotalMB = 128
	}
	if c.RunLogs.CleanupInterval == "" {
		c.RunLogs.CleanupInterval = "1h"
	}
	if c.RunLogs.Enabled == nil {
		t := true
		c.RunLogs.Enabled = &t
	}
}

func expandPath(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return value
	}

	v = os.ExpandEnv(v)

	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return v
	}

	if v == "~" {
		return home
	}
	if strings.HasPrefix(v, "~/") {
		return filepath.Join(home, v[2:])
	}
	if strings.HasPrefix(v, "~\\") {
		return filepath.Join(home, v[2:])
	}
	return v
}

// LoadDotEnv loads a .env file from the working directory when one exists.
func LoadDotEnv() error {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return errors.Wrap(err, "load .env file")
		}
	}
	return nil
}

// LoadConfig reads a YAML configuration file from path, overlays environment
// variables and returns a Config with defaults applied for any unset fields.
// An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, errors.Wrap(err, "parse environment")
	}

	applyDefaults(&cfg)
	if _, err := cfg.Grab.ParseTimeout(); err != nil {
		return nil, errors.Wrapf(err, "invalid grab.timeout %q", cfg.Grab.Timeout)
	}
	return &cfg, nil
}
