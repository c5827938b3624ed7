// Package config provides configuration management for the orchestrator.
// It loads configuration from environment variables over built-in defaults; no config file is read.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator daemon.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Prompt    PromptConfig    `mapstructure:"prompt"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	CORSOrigins  string `mapstructure:"corsOrigins"`
	ReadTimeout  int    `mapstructure:"readTimeout"`
	WriteTimeout int    `mapstructure:"writeTimeout"`
}

// DatabaseConfig holds database connection configuration.
// URL may be a bare filesystem path (sqlite) or a postgres:// DSN.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// SchedulerConfig holds scheduler tick configuration.
type SchedulerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// HeartbeatConfig holds runner heartbeat configuration.
type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// RunnerConfig describes the local runner this process owns.
type RunnerConfig struct {
	Env         string `mapstructure:"env"`
	MaxParallel int    `mapstructure:"maxParallel"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// PromptConfig bounds accepted prompt sizes.
type PromptConfig struct {
	MaxChars int `mapstructure:"maxChars"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.corsOrigins", "*")
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.url", "./taskorch.db")

	v.SetDefault("scheduler.interval", "3s")
	v.SetDefault("heartbeat.interval", "15s")

	v.SetDefault("runner.env", "default")
	v.SetDefault("runner.maxParallel", 3)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("prompt.maxChars", 20000)
}

// Load builds a Config from environment variables over the built-in
// defaults (no config file is read), matching the env var names
// documented for the orchestrator: DATABASE_URL, API_HOST, API_PORT,
// CORS_ORIGINS, SCHEDULER_INTERVAL, HEARTBEAT_INTERVAL, RUNNER_ENV,
// MAX_PARALLEL, LOG_LEVEL, PROMPT_MAX_CHARS.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bind := map[string]string{
		"database.url":       "DATABASE_URL",
		"server.host":        "API_HOST",
		"server.port":        "API_PORT",
		"server.corsOrigins": "CORS_ORIGINS",
		"scheduler.interval": "SCHEDULER_INTERVAL",
		"heartbeat.interval": "HEARTBEAT_INTERVAL",
		"runner.env":         "RUNNER_ENV",
		"runner.maxParallel": "MAX_PARALLEL",
		"logging.level":      "LOG_LEVEL",
		"prompt.maxChars":    "PROMPT_MAX_CHARS",
	}
	for key, env := range bind {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind env var %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	return &cfg, nil
}
