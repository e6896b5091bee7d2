// Package config provides configuration management for the ledger server.
package config

import (
	"fmt"
	"os"
	"strings"

	yaml "gopkg.in/yaml.v3"
)

const (
	// defaultListenAddr is used when server.listen_addr is unset.
	defaultListenAddr = ":8420"
	// defaultLogLevel is used when log.level is unset.
	defaultLogLevel = "info"
)

// Config represents the complete application configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig defines the HTTP API settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// StorageConfig defines where the ledger persists.
type StorageConfig struct {
	// Backend selects the storage implementation: postgres | memory.
	// The memory backend keeps nothing across restarts and exists for
	// tests and throwaway setups.
	Backend string `yaml:"backend"`
	// DatabaseURL is the postgres connection string. The LEDGER_DATABASE_URL
	// environment variable overrides it.
	DatabaseURL string `yaml:"database_url"`
}

// LogConfig defines logging behavior.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = defaultListenAddr
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "postgres"
	}
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if url := os.Getenv("LEDGER_DATABASE_URL"); url != "" {
		c.Storage.DatabaseURL = url
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("storage.database_url is required for the postgres backend")
		}
	case "memory":
		// nothing to check
	default:
		return fmt.Errorf("storage.backend must be 'postgres' or 'memory'")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be 'text' or 'json'")
	}
	return nil
}

// IsMemoryBackend reports whether the throwaway in-memory backend is active.
func (c *Config) IsMemoryBackend() bool {
	return c.Storage.Backend == "memory"
}
