// Package config loads the client configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the client configuration.
type Config struct {
	// URL is the server socket endpoint, e.g. ws://localhost:4000/socket.
	URL string `yaml:"url"`

	// Params are sent with the socket connection, e.g. _csrf_token.
	Params map[string]string `yaml:"params,omitempty"`

	// Topic is the sync channel topic.
	Topic string `yaml:"topic"`

	// Database is the replica file path.
	Database string `yaml:"database"`

	// Schema is a CUE file declaring the version and tables. When set,
	// Version and Tables are ignored.
	Schema string `yaml:"schema,omitempty"`

	// Version and Tables declare the replica when no schema is given.
	Version int      `yaml:"version,omitempty"`
	Tables  []string `yaml:"tables,omitempty"`

	Timeouts  Timeouts      `yaml:"timeouts"`
	Reconnect Reconnect     `yaml:"reconnect"`
	Heartbeat time.Duration `yaml:"heartbeat,omitempty"`
	BatchSize int           `yaml:"batch_size,omitempty"`
}

// Timeouts bounds each request kind.
type Timeouts struct {
	Join  time.Duration `yaml:"join"`
	Push  time.Duration `yaml:"push"`
	Leave time.Duration `yaml:"leave"`
}

// Reconnect is the exponential backoff schedule.
type Reconnect struct {
	Min    time.Duration `yaml:"min"`
	Max    time.Duration `yaml:"max"`
	Factor float64       `yaml:"factor"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Topic:     "sync:todos",
		Database:  "syncdb.db",
		Version:   1,
		Timeouts:  Timeouts{Join: 10 * time.Second, Push: 10 * time.Second, Leave: 5 * time.Second},
		Reconnect: Reconnect{Min: 100 * time.Millisecond, Max: 5 * time.Second, Factor: 2},
		Heartbeat: 30 * time.Second,
		BatchSize: 100,
	}
}

// Load reads a YAML config file. Relative database and schema paths are
// resolved against the file's directory. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes YAML config over the defaults and validates it.
func Parse(data []byte, baseDir string) (*Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if baseDir != "" {
		if cfg.Database != "" && !filepath.IsAbs(cfg.Database) {
			cfg.Database = filepath.Join(baseDir, cfg.Database)
		}
		if cfg.Schema != "" && !filepath.IsAbs(cfg.Schema) {
			cfg.Schema = filepath.Join(baseDir, cfg.Schema)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks required fields and ranges.
func (c *Config) Validate() error {
	if c.Topic == "" {
		return fmt.Errorf("topic is required")
	}
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.Schema == "" {
		if c.Version < 1 {
			return fmt.Errorf("version must be >= 1, got %d", c.Version)
		}
		if len(c.Tables) == 0 {
			return fmt.Errorf("tables list is required when no schema is given")
		}
	}
	if c.Timeouts.Join <= 0 || c.Timeouts.Push <= 0 || c.Timeouts.Leave <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.Reconnect.Min <= 0 || c.Reconnect.Max < c.Reconnect.Min {
		return fmt.Errorf("reconnect: need 0 < min <= max, got min=%s max=%s", c.Reconnect.Min, c.Reconnect.Max)
	}
	if c.Reconnect.Factor < 1 {
		return fmt.Errorf("reconnect factor must be >= 1, got %v", c.Reconnect.Factor)
	}
	if c.Heartbeat <= 0 {
		return fmt.Errorf("heartbeat must be positive")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be >= 1, got %d", c.BatchSize)
	}
	return nil
}
