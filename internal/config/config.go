// Package config loads the optional cbx configuration file. Every field
// has a sensible default so the tool works with no config at all; flags
// override whatever the file provides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Config is the complete cbx configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Convert ConvertConfig `yaml:"convert"`
	History HistoryConfig `yaml:"history"`
	API     APIConfig     `yaml:"api,omitempty"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ConvertConfig controls conversion defaults.
type ConvertConfig struct {
	Workers    int `yaml:"workers"`
	BackupRoot string `yaml:"backup_root"`
	// ExtraToolPaths are extra locations probed for external archive
	// tools, ahead of PATH and the well-known install dirs.
	ExtraToolPaths []string `yaml:"extra_tool_paths,omitempty"`
}

// HistoryConfig controls the job ledger and metadata catalog.
type HistoryConfig struct {
	Path string `yaml:"path"`
}

// APIConfig controls the optional status server.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Log:     LogConfig{Level: "info", Format: "text"},
		Convert: ConvertConfig{Workers: 1},
		History: HistoryConfig{Path: defaultHistoryPath()},
		API:     APIConfig{Listen: "127.0.0.1:8750"},
	}
}

// Load reads the config file at path. An empty path loads defaults,
// checking the standard location (~/.config/cbx/config.yaml) first.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// ${VAR} references resolve from the environment before parsing.
	expanded := envVarPattern.ReplaceAllStringFunc(string(data), func(m string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(m)[1])
	})

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q is not text or json", c.Log.Format)
	}
	if c.Convert.Workers < 1 {
		return fmt.Errorf("convert.workers must be at least 1, got %d", c.Convert.Workers)
	}
	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("api.enabled requires api.listen")
	}
	return nil
}

func defaultConfigPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, "cbx", "config.yaml")
}

func defaultHistoryPath() string {
	base, err := os.UserCacheDir()
	if err != nil {
		return "cbx-history.db"
	}
	return filepath.Join(base, "cbx", "history.db")
}
