// Package config provides configuration management for Apex.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the Apex orchestrator.
type Config struct {
	ProjectPath    string               `mapstructure:"projectPath"`
	PollInterval   int                  `mapstructure:"pollInterval"`   // milliseconds
	ShutdownDrain  int                  `mapstructure:"shutdownDrainMs"` // milliseconds
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	NATS           NATSConfig           `mapstructure:"nats"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Limits         LimitsConfig         `mapstructure:"limits"`
	TimeBasedUsage TimeBasedUsageConfig `mapstructure:"timeBasedUsage"`
	Workflows      WorkflowsConfig      `mapstructure:"workflows"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver selects between the embedded SQLite store (default) and PostgreSQL.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite, postgres
	Path     string `mapstructure:"path"`   // sqlite file; empty means <projectPath>/.apex/apex.db
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS fan-out configuration. An empty URL disables
// external event mirroring.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// LimitsConfig holds the hard resource caps a task must fit within.
// Monetary values are dollars.
type LimitsConfig struct {
	MaxConcurrentTasks int     `mapstructure:"maxConcurrentTasks"`
	MaxTokensPerTask   int64   `mapstructure:"maxTokensPerTask"`
	MaxCostPerTask     float64 `mapstructure:"maxCostPerTask"`
	DailyBudget        float64 `mapstructure:"dailyBudget"`
}

// TimeBasedUsageConfig holds the day/night mode schedule and per-mode caps.
// Hours are local-zone hour numbers (0..23); hours in neither list are
// off-hours and use the conservative thresholds.
type TimeBasedUsageConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	Timezone            string        `mapstructure:"timezone"`
	DayModeHours        []int         `mapstructure:"dayModeHours"`
	NightModeHours      []int         `mapstructure:"nightModeHours"`
	DayModeThresholds   *LimitsConfig `mapstructure:"dayModeThresholds"`
	NightModeThresholds *LimitsConfig `mapstructure:"nightModeThresholds"`
}

// WorkflowsConfig holds the optional workflow catalogue file.
type WorkflowsConfig struct {
	File string `mapstructure:"file"`
}

// PollIntervalDuration returns the scheduler poll interval as a time.Duration.
func (c *Config) PollIntervalDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Millisecond
}

// ShutdownDrainDuration returns the shutdown drain deadline as a time.Duration.
func (c *Config) ShutdownDrainDuration() time.Duration {
	return time.Duration(c.ShutdownDrain) * time.Millisecond
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// SQLitePath returns the resolved path of the SQLite database file.
func (c *Config) SQLitePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.ProjectPath, ".apex", "apex.db")
}

// detectDefaultLogFormat returns "json" for production environments and
// "text" (human-readable console format) for terminal use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("APEX_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("projectPath", ".")
	v.SetDefault("pollInterval", 1000)
	v.SetDefault("shutdownDrainMs", 5000)

	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite under <projectPath>/.apex/
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "apex")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "apex")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means events stay in-process
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "apex-orchestrator")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Resource limits
	v.SetDefault("limits.maxConcurrentTasks", 3)
	v.SetDefault("limits.maxTokensPerTask", 500000)
	v.SetDefault("limits.maxCostPerTask", 10.0)
	v.SetDefault("limits.dailyBudget", 50.0)

	// Time-based usage modes
	v.SetDefault("timeBasedUsage.enabled", false)
	v.SetDefault("timeBasedUsage.timezone", "UTC")
	v.SetDefault("timeBasedUsage.dayModeHours", []int{8, 9, 10, 11, 12, 13, 14, 15, 16, 17})
	v.SetDefault("timeBasedUsage.nightModeHours", []int{18, 19, 20, 21, 22, 23, 0, 1, 2, 3, 4, 5, 6, 7})

	v.SetDefault("workflows.file", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix APEX_ with underscore naming; the
// project root can be overridden with APEX_PROJECT_PATH.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("APEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so keys whose env var naming differs are bound explicitly.
	_ = v.BindEnv("projectPath", "APEX_PROJECT_PATH")
	_ = v.BindEnv("pollInterval", "APEX_POLL_INTERVAL")
	_ = v.BindEnv("shutdownDrainMs", "APEX_SHUTDOWN_DRAIN_MS")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/apex/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.PollInterval <= 0 {
		errs = append(errs, "pollInterval must be positive")
	}
	if cfg.ShutdownDrain < 0 {
		errs = append(errs, "shutdownDrainMs must not be negative")
	}

	switch cfg.Database.Driver {
	case "sqlite":
	case "postgres":
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.Limits.MaxConcurrentTasks <= 0 {
		errs = append(errs, "limits.maxConcurrentTasks must be positive")
	}
	if cfg.Limits.MaxTokensPerTask <= 0 {
		errs = append(errs, "limits.maxTokensPerTask must be positive")
	}
	if cfg.Limits.MaxCostPerTask <= 0 {
		errs = append(errs, "limits.maxCostPerTask must be positive")
	}
	if cfg.Limits.DailyBudget <= 0 {
		errs = append(errs, "limits.dailyBudget must be positive")
	}

	for _, h := range append(append([]int{}, cfg.TimeBasedUsage.DayModeHours...), cfg.TimeBasedUsage.NightModeHours...) {
		if h < 0 || h > 23 {
			errs = append(errs, "timeBasedUsage hours must be in 0..23")
			break
		}
	}
	if cfg.TimeBasedUsage.Timezone != "" {
		if _, err := time.LoadLocation(cfg.TimeBasedUsage.Timezone); err != nil {
			errs = append(errs, fmt.Sprintf("timeBasedUsage.timezone is invalid: %v", err))
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
