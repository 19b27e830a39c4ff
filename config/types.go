// Package config provides configuration management for stenv applications
package config

import (
	"maps"
	"time"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// String returns the string representation of Environment
func (e Environment) String() string {
	return string(e)
}

// IsValid checks if the environment is valid
func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvTesting, EnvStaging, EnvProduction:
		return true
	default:
		return false
	}
}

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelTrace LogLevel = "trace"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// String returns the string representation of LogLevel
func (l LogLevel) String() string {
	return string(l)
}

// IsValid checks if the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelTrace, LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, LogLevelFatal:
		return true
	default:
		return false
	}
}

// Config represents the complete stenv configuration
type Config struct {
	// Application configuration
	App AppConfig `yaml:"app" json:"app"`

	// Logging configuration
	Log LogConfig `yaml:"log" json:"log"`

	// Environment infrastructure configuration
	Env EnvConfig `yaml:"env" json:"env"`

	// Custom configurations (for user-defined agents)
	Custom map[string]interface{} `yaml:"custom,omitempty" json:"custom,omitempty"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	// Application name
	Name string `yaml:"name" json:"name"`

	// Application version
	Version string `yaml:"version" json:"version"`

	// Deployment environment
	Environment Environment `yaml:"environment" json:"environment"`

	// Debug mode
	Debug bool `yaml:"debug" json:"debug"`

	// Application description
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Application metadata
	Metadata map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	// Log level
	Level LogLevel `yaml:"level" json:"level"`

	// Output destination (stdout, stderr, file path)
	Output string `yaml:"output" json:"output"`
}

// EnvConfig contains settings of the environment infrastructure
type EnvConfig struct {
	// Longest idle wait of the worker when no timer is pending
	IdleSleepCap time.Duration `yaml:"idle_sleep_cap" json:"idle_sleep_cap"`

	// Track busy and idle phases of the worker
	ActivityTracking bool `yaml:"activity_tracking" json:"activity_tracking"`

	// Turn stats distribution on at launch
	StatsEnabled bool `yaml:"stats_enabled" json:"stats_enabled"`

	// Period of stats distribution
	StatsPeriod time.Duration `yaml:"stats_period" json:"stats_period"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "stenv-app",
			Version:     "1.0.0",
			Environment: EnvDevelopment,
			Debug:       true,
			Description: "stenv application",
		},
		Log: LogConfig{
			Level:  LogLevelInfo,
			Output: "stderr",
		},
		Env: EnvConfig{
			IdleSleepCap:     time.Minute,
			ActivityTracking: false,
			StatsEnabled:     false,
			StatsPeriod:      2 * time.Second,
		},
		Custom: make(map[string]interface{}),
	}
}

// Clone returns a copy that shares no maps with c
func (c *Config) Clone() *Config {
	out := *c
	out.App.Metadata = maps.Clone(c.App.Metadata)
	out.Custom = maps.Clone(c.Custom)
	return &out
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate app config
	if c.App.Name == "" {
		return ErrInvalidAppName
	}
	if !c.App.Environment.IsValid() {
		return ErrInvalidEnvironment
	}

	// Validate log config
	if !c.Log.Level.IsValid() {
		return ErrInvalidLogLevel
	}

	// Validate env config
	if c.Env.IdleSleepCap <= 0 {
		return ErrInvalidIdleSleepCap
	}
	if c.Env.StatsPeriod <= 0 {
		return ErrInvalidStatsPeriod
	}

	return nil
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}

// IsDebugEnabled returns true if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.App.Environment == EnvDevelopment
}
