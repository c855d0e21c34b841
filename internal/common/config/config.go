// Package config provides configuration management for the AgentCom hub.
// It supports loading configuration from environment variables, config files,
// and defaults. Operator-tunable timing values live in a separate Runtime
// store (runtime.go) and are re-read on every access.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the hub.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Routing RoutingConfig `mapstructure:"routing"`
	Agents  AgentsConfig  `mapstructure:"agents"`
	Budgets BudgetsConfig `mapstructure:"budgets"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StorageConfig holds storage engine configuration.
type StorageConfig struct {
	DataDir   string `mapstructure:"dataDir"`
	BackupDir string `mapstructure:"backupDir"`
	// BackupRetention is the number of backups kept per table.
	BackupRetention int `mapstructure:"backupRetention"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// RoutingConfig holds static router configuration. The hot-tunable values
// (fallback wait, task TTL) live in the Runtime store.
type RoutingConfig struct {
	ProbeInterval int `mapstructure:"probeInterval"` // seconds
}

// AgentsConfig holds static agent-session configuration.
type AgentsConfig struct {
	AcceptanceTimeout int `mapstructure:"acceptanceTimeout"` // seconds
	DisconnectGrace   int `mapstructure:"disconnectGrace"`   // seconds
}

// BudgetsConfig holds per-category invocation caps.
type BudgetsConfig struct {
	ExecutingHourly     int64 `mapstructure:"executingHourly"`
	ExecutingDaily      int64 `mapstructure:"executingDaily"`
	ImprovingHourly     int64 `mapstructure:"improvingHourly"`
	ImprovingDaily      int64 `mapstructure:"improvingDaily"`
	ContemplatingHourly int64 `mapstructure:"contemplatingHourly"`
	ContemplatingDaily  int64 `mapstructure:"contemplatingDaily"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ProbeIntervalDuration returns the endpoint probe interval.
func (r *RoutingConfig) ProbeIntervalDuration() time.Duration {
	return time.Duration(r.ProbeInterval) * time.Second
}

// AcceptanceTimeoutDuration returns the task acceptance timeout.
func (a *AgentsConfig) AcceptanceTimeoutDuration() time.Duration {
	return time.Duration(a.AcceptanceTimeout) * time.Second
}

// DisconnectGraceDuration returns the disconnect grace window.
func (a *AgentsConfig) DisconnectGraceDuration() time.Duration {
	return time.Duration(a.DisconnectGrace) * time.Second
}

// detectDefaultLogFormat returns "json" in production environments and "text"
// for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTCOM_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("storage.dataDir", "./data")
	v.SetDefault("storage.backupDir", "./data/backups")
	v.SetDefault("storage.backupRetention", 3)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentcom-hub")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("routing.probeInterval", 30)

	v.SetDefault("agents.acceptanceTimeout", 30)
	v.SetDefault("agents.disconnectGrace", 10)

	v.SetDefault("budgets.executingHourly", 60)
	v.SetDefault("budgets.executingDaily", 500)
	v.SetDefault("budgets.improvingHourly", 10)
	v.SetDefault("budgets.improvingDaily", 50)
	v.SetDefault("budgets.contemplatingHourly", 6)
	v.SetDefault("budgets.contemplatingDaily", 24)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix AGENTCOM_ with snake_case
// naming. The config file is config.yaml in the current directory or
// /etc/agentcom/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTCOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentcom/")

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
	if cfg.Storage.DataDir == "" {
		errs = append(errs, "storage.dataDir is required")
	}
	if cfg.Storage.BackupRetention <= 0 {
		errs = append(errs, "storage.backupRetention must be positive")
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
