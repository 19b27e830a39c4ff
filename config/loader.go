// Package config provides configuration loading and parsing functionality
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFormat represents the configuration file format
type ConfigFormat string

const (
	FormatYAML ConfigFormat = "yaml"
	FormatJSON ConfigFormat = "json"
)

// Loader handles configuration loading from various sources
type Loader struct {
	// Configuration search paths
	searchPaths []string

	// Environment variable prefix
	envPrefix string

	// Default configuration
	defaultConfig *Config

	// Environment lookup, replaceable in tests
	lookupEnv func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	paths := []string{".", "./config", "./configs", "/etc/stenv"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".stenv"))
	}
	return &Loader{
		searchPaths:   paths,
		envPrefix:     "STENV",
		defaultConfig: DefaultConfig(),
		lookupEnv:     os.LookupEnv,
	}
}

// SetSearchPaths sets the configuration file search paths
func (l *Loader) SetSearchPaths(paths []string) *Loader {
	l.searchPaths = paths
	return l
}

// SetEnvPrefix sets the environment variable prefix
func (l *Loader) SetEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// SetDefaultConfig sets the default configuration
func (l *Loader) SetDefaultConfig(config *Config) *Loader {
	l.defaultConfig = config
	return l
}

// Load loads configuration from the specified file, or discovers one when
// filename is empty
func (l *Loader) Load(filename string) (*Config, error) {
	if filename == "" {
		return l.AutoLoad()
	}
	return l.LoadFromFile(filename)
}

// LoadFromFile loads configuration from a specific file
func (l *Loader) LoadFromFile(filename string) (*Config, error) {
	format, err := formatOf(filename)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	config, err := l.parseConfig(data, format)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}

	return l.finalize(config)
}

// LoadFromReader loads configuration from an io.Reader
func (l *Loader) LoadFromReader(reader io.Reader, format ConfigFormat) (*Config, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration data: %w", err)
	}

	config, err := l.parseConfig(data, format)
	if err != nil {
		return nil, err
	}

	return l.finalize(config)
}

// AutoLoad automatically discovers and loads configuration.
// Without a configuration file the defaults are used.
func (l *Loader) AutoLoad() (*Config, error) {
	configFile, err := l.findConfigFile()
	if errors.Is(err, ErrConfigFileNotFound) {
		return l.finalize(nil)
	}
	if err != nil {
		return nil, err
	}
	return l.LoadFromFile(configFile)
}

// finalize merges user config over the defaults, applies environment
// overrides and validates the result
func (l *Loader) finalize(userConfig *Config) (*Config, error) {
	defaults := l.defaultConfig
	if defaults == nil {
		defaults = DefaultConfig()
	}

	config := defaults.Clone()
	if userConfig != nil {
		config = l.mergeConfig(config, userConfig)
	}

	if err := l.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigValidateError, err)
	}

	return config, nil
}

// findConfigFile searches for configuration files in search paths
func (l *Loader) findConfigFile() (string, error) {
	filenames := []string{
		"stenv.yaml", "stenv.yml",
		"config.yaml", "config.yml",
		"stenv.json", "config.json",
	}

	for _, searchPath := range l.searchPaths {
		for _, filename := range filenames {
			fullPath := filepath.Join(searchPath, filename)
			if _, err := os.Stat(fullPath); err == nil {
				return fullPath, nil
			}
		}
	}

	return "", ErrConfigFileNotFound
}

// formatOf determines the format from the file extension
func formatOf(filename string) (ConfigFormat, error) {
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

// parseConfig parses configuration data based on format
func (l *Loader) parseConfig(data []byte, format ConfigFormat) (*Config, error) {
	config := &Config{}

	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("%w: yaml: %w", ErrConfigParseError, err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("%w: json: %w", ErrConfigParseError, err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	return config, nil
}

// loadFromEnv loads configuration overrides from environment variables
func (l *Loader) loadFromEnv(config *Config) error {
	lookup := l.lookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(key string) (string, bool) {
		val, ok := lookup(l.envPrefix + "_" + key)
		return val, ok && val != ""
	}

	// App configuration
	if val, ok := get("APP_NAME"); ok {
		config.App.Name = val
	}
	if val, ok := get("APP_VERSION"); ok {
		config.App.Version = val
	}
	if val, ok := get("APP_ENVIRONMENT"); ok {
		config.App.Environment = Environment(val)
	}
	if val, ok := get("APP_DEBUG"); ok {
		b, err := parseBool("APP_DEBUG", val)
		if err != nil {
			return err
		}
		config.App.Debug = b
	}

	// Log configuration
	if val, ok := get("LOG_LEVEL"); ok {
		config.Log.Level = LogLevel(strings.ToLower(val))
	}
	if val, ok := get("LOG_OUTPUT"); ok {
		config.Log.Output = val
	}

	// Env configuration
	if val, ok := get("ENV_IDLE_SLEEP_CAP"); ok {
		d, err := parseDuration("ENV_IDLE_SLEEP_CAP", val)
		if err != nil {
			return err
		}
		config.Env.IdleSleepCap = d
	}
	if val, ok := get("ENV_ACTIVITY_TRACKING"); ok {
		b, err := parseBool("ENV_ACTIVITY_TRACKING", val)
		if err != nil {
			return err
		}
		config.Env.ActivityTracking = b
	}
	if val, ok := get("ENV_STATS_ENABLED"); ok {
		b, err := parseBool("ENV_STATS_ENABLED", val)
		if err != nil {
			return err
		}
		config.Env.StatsEnabled = b
	}
	if val, ok := get("ENV_STATS_PERIOD"); ok {
		d, err := parseDuration("ENV_STATS_PERIOD", val)
		if err != nil {
			return err
		}
		config.Env.StatsPeriod = d
	}

	return nil
}

func parseBool(key, val string) (bool, error) {
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %w", ErrEnvironmentVarError, key, err)
	}
	return b, nil
}

func parseDuration(key, val string) (time.Duration, error) {
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrEnvironmentVarError, key, err)
	}
	return d, nil
}

// mergeConfig merges user config with default config
func (l *Loader) mergeConfig(defaultConfig, userConfig *Config) *Config {
	// Start with default config
	merged := defaultConfig.Clone()

	// Override with user config values where specified
	if userConfig.App.Name != "" {
		merged.App.Name = userConfig.App.Name
	}
	if userConfig.App.Version != "" {
		merged.App.Version = userConfig.App.Version
	}
	if userConfig.App.Environment != "" {
		merged.App.Environment = userConfig.App.Environment
	}
	if userConfig.App.Description != "" {
		merged.App.Description = userConfig.App.Description
	}
	merged.App.Debug = userConfig.App.Debug
	if userConfig.App.Metadata != nil {
		merged.App.Metadata = userConfig.App.Metadata
	}

	// Log config
	if userConfig.Log.Level != "" {
		merged.Log.Level = userConfig.Log.Level
	}
	if userConfig.Log.Output != "" {
		merged.Log.Output = userConfig.Log.Output
	}

	// Env config
	if userConfig.Env.IdleSleepCap != 0 {
		merged.Env.IdleSleepCap = userConfig.Env.IdleSleepCap
	}
	merged.Env.ActivityTracking = userConfig.Env.ActivityTracking
	merged.Env.StatsEnabled = userConfig.Env.StatsEnabled
	if userConfig.Env.StatsPeriod != 0 {
		merged.Env.StatsPeriod = userConfig.Env.StatsPeriod
	}

	// Custom fields
	if userConfig.Custom != nil {
		if merged.Custom == nil {
			merged.Custom = make(map[string]interface{})
		}
		for k, v := range userConfig.Custom {
			merged.Custom[k] = v
		}
	}

	return merged
}
