// Package config provides configuration management for ecstore.
//
// Settings come from a YAML file, then from the environment (a .env file in
// the working directory is loaded first), environment winning.
//
// Config file locations (priority order):
//  1. $ECSTORE_CONFIG
//  2. ./ecstore.yaml
//  3. ~/.config/ecstore/config.yaml
//  4. /etc/ecstore/config.yaml
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// EnvDatabasePath overrides database.path
	EnvDatabasePath = "ECSTORE_DB"
	// EnvLogPrefix overrides log.prefix
	EnvLogPrefix = "ECSTORE_LOG_PREFIX"
	// EnvBusyTimeout overrides database.busy_timeout_ms
	EnvBusyTimeout = "ECSTORE_BUSY_TIMEOUT_MS"

	defaultDatabasePath = "./ecstore.db"
	defaultBusyTimeout  = 5000
)

// Load finds and loads the config file, or returns defaults if none found,
// then applies environment overrides
func Load() (*Config, string, error) {
	LoadDotEnv(".env")

	path := FindConfigPath()
	if path == "" {
		// No config found - return defaults
		cfg := DefaultConfig()
		if err := cfg.ApplyEnv(); err != nil {
			return nil, "", err
		}
		return cfg, "", nil
	}

	cfg, path, err := LoadFromPath(path)
	if err != nil {
		return nil, path, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// LoadDotEnv loads the first readable .env file among paths into the
// process environment; variables already set are kept
func LoadDotEnv(paths ...string) string {
	for _, p := range paths {
		if !fileExists(p) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			log.Printf("Ignoring %s: %v", p, err)
			continue
		}
		return p
	}
	return ""
}

// LoadFromPath loads config from a specific path
func LoadFromPath(path string) (*Config, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, path, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	return cfg, path, nil
}

// Save writes config to the specified path
func (c *Config) Save(path string) error {
	if err := EnsureConfigDir(path); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// DefaultConfig returns sensible defaults for a new installation
func DefaultConfig() *Config {
	return &Config{
		Version:  1,
		Database: DatabaseConfig{Path: defaultDatabasePath, BusyTimeoutMS: defaultBusyTimeout},
		Marshal:  MarshalConfig{HexIDs: true},
		Log:      LogConfig{Prefix: "[ecstore] "},
	}
}

// applyDefaults fills in missing values with defaults
func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Database.Path == "" {
		c.Database.Path = defaultDatabasePath
	}
	if c.Database.BusyTimeoutMS <= 0 {
		c.Database.BusyTimeoutMS = defaultBusyTimeout
	}
}

// ApplyEnv applies environment overrides
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvDatabasePath); v != "" {
		c.Database.Path = v
	}
	if v, ok := os.LookupEnv(EnvLogPrefix); ok {
		c.Log.Prefix = v
	}
	if v := os.Getenv(EnvBusyTimeout); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid %s %q", EnvBusyTimeout, v)
		}
		c.Database.BusyTimeoutMS = n
	}
	return nil
}

// Summary returns a human-readable config summary
func (c *Config) Summary() string {
	summary := fmt.Sprintf("Database: %s (busy timeout %dms)\n", c.Database.Path, c.Database.BusyTimeoutMS)
	if c.Mapping.DefaultMaxSharedColumns > 0 {
		summary += fmt.Sprintf("Shared columns before overflow: %d\n", c.Mapping.DefaultMaxSharedColumns)
	} else {
		summary += "Shared columns before overflow: unbounded\n"
	}
	summary += fmt.Sprintf("Hex ids: %v", c.Marshal.HexIDs)
	return summary
}
