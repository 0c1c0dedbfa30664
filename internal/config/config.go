// Package config provides configuration management for gpumon.
// It uses Viper to load settings from files and environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/oselab/gpumon/internal/logger"
)

// NotionConfig identifies the remote dashboard page and the optional
// process-history database.
type NotionConfig struct {
	// BaseURL is overridable for tests; leave default in production.
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
	// PageID is the dashboard page whose child blocks are reconciled each tick.
	PageID string `mapstructure:"page_id"`
	// HistoryDatabaseID receives one entry per process session. Optional —
	// session logging is skipped when empty.
	HistoryDatabaseID string `mapstructure:"history_database_id"`
}

// EmailConfig configures idle-process alert delivery over SMTP.
type EmailConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	SMTPServer string `mapstructure:"smtp_server"`
	SMTPPort   int    `mapstructure:"smtp_port"`
	Sender     string `mapstructure:"sender"`
	Password   string `mapstructure:"password"`
	// UserDomain builds recipient addresses as "<owner>@<UserDomain>".
	UserDomain string `mapstructure:"user_domain"`
}

// APIConfig configures the optional read-only status API.
type APIConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Listen    string `mapstructure:"listen"`
	JWTSecret string `mapstructure:"jwt_secret"`
	AdminUser string `mapstructure:"admin_user"`
	AdminPass string `mapstructure:"admin_pass"`
}

// Config holds all runtime configuration for gpumon.
// Everything is read once at startup; there is no hot-reload.
type Config struct {
	// IntervalSeconds is the poll cadence of the monitor loop.
	IntervalSeconds int    `mapstructure:"interval_seconds"`
	DBPath          string `mapstructure:"db_path"`
	// RetentionDays bounds the snapshot time series; rows older than this
	// are removed by the hourly retention sweep.
	RetentionDays int `mapstructure:"retention_days"`

	// Idle detection: a process alerts when its device averaged below
	// IdleUtilizationThreshold percent over the past IdleThresholdMinutes.
	IdleThresholdMinutes     int     `mapstructure:"idle_threshold_minutes"`
	IdleUtilizationThreshold float64 `mapstructure:"idle_utilization_threshold"`

	Notion NotionConfig  `mapstructure:"notion"`
	Email  EmailConfig   `mapstructure:"email"`
	API    APIConfig     `mapstructure:"api"`
	Log    logger.Config `mapstructure:"log"`
}

// Load reads config from file (./config.yaml or ~/.gpumon/config.yaml)
// and falls back to defaults. Environment variables with prefix GPUMON_
// override file values.
func Load() (*Config, error) {
	v := viper.New()

	// --- Defaults ---
	v.SetDefault("interval_seconds", 60)
	v.SetDefault("db_path", "gpumon.db")
	v.SetDefault("retention_days", 7)
	v.SetDefault("idle_threshold_minutes", 10)
	v.SetDefault("idle_utilization_threshold", 5.0)

	v.SetDefault("notion.base_url", "https://api.notion.com/v1")
	v.SetDefault("notion.token", "")
	v.SetDefault("notion.page_id", "")
	v.SetDefault("notion.history_database_id", "")

	v.SetDefault("email.enabled", false)
	v.SetDefault("email.smtp_server", "")
	v.SetDefault("email.smtp_port", 587)
	v.SetDefault("email.sender", "")
	v.SetDefault("email.password", "")
	v.SetDefault("email.user_domain", "")

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.listen", ":8080")
	v.SetDefault("api.jwt_secret", "")
	v.SetDefault("api.admin_user", "admin")
	v.SetDefault("api.admin_pass", "admin")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	// --- Config file ---
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.gpumon")
	if err := v.ReadInConfig(); err != nil {
		// config file is optional; ignore "not found" errors
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	// --- Environment variables ---
	v.SetEnvPrefix("GPUMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the loaded configuration for startup-fatal mistakes.
// Anything reported here exits the process before the monitor loop starts.
func (c *Config) Validate() error {
	var errs []error

	if c.IntervalSeconds < 1 {
		errs = append(errs, fmt.Errorf("interval_seconds must be >= 1, got %d", c.IntervalSeconds))
	}
	if c.RetentionDays < 1 {
		errs = append(errs, fmt.Errorf("retention_days must be >= 1, got %d", c.RetentionDays))
	}
	if c.IdleThresholdMinutes < 1 {
		errs = append(errs, fmt.Errorf("idle_threshold_minutes must be >= 1, got %d", c.IdleThresholdMinutes))
	}
	if c.Notion.Token == "" {
		errs = append(errs, errors.New("notion.token is required"))
	}
	if c.Notion.PageID == "" {
		errs = append(errs, errors.New("notion.page_id is required"))
	}
	if c.Email.Enabled {
		if c.Email.SMTPServer == "" {
			errs = append(errs, errors.New("email.smtp_server is required when email.enabled"))
		}
		if c.Email.Sender == "" {
			errs = append(errs, errors.New("email.sender is required when email.enabled"))
		}
		if c.Email.UserDomain == "" {
			errs = append(errs, errors.New("email.user_domain is required when email.enabled"))
		}
	}
	if c.API.Enabled && c.API.JWTSecret == "" {
		errs = append(errs, errors.New("api.jwt_secret is required when api.enabled"))
	}

	return errors.Join(errs...)
}
