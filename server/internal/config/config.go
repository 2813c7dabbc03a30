package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for the server configuration.
const (
	DefaultPort          = 4567
	DefaultLogLevel      = "info"
	DefaultMaxWorkers    = 10
	DefaultIdleTimeout   = 30 * time.Second
	DefaultMaxBodyBytes  = 1 << 20
	DefaultCapacity      = 20
	DefaultTTL           = 30 * time.Second
	DefaultSweepInterval = 10 * time.Second
	DefaultSnapshotPath  = "weatherData.json"
)

// Config is the full aggregator configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
}

// ServerConfig holds listener and connection settings.
type ServerConfig struct {
	// Port is the TCP port to listen on (default 4567).
	Port int `yaml:"port"`

	// LogLevel is one of debug | info | warn | error. Reloadable.
	LogLevel string `yaml:"log_level"`

	// MaxWorkers bounds the number of connections served at once.
	MaxWorkers int `yaml:"max_workers"`

	// IdleTimeout is the per-connection read/write deadline. Zero disables it.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// MaxBodyBytes caps the Content-Length accepted on ingest.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// StoreConfig controls the in-memory observation store.
type StoreConfig struct {
	// Capacity is the maximum number of stations retained.
	Capacity int `yaml:"capacity"`

	// TTL is how long a station survives without a new observation. Reloadable.
	TTL time.Duration `yaml:"ttl"`

	// SweepInterval is how often expired stations are removed.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// SnapshotConfig controls the durable snapshot file.
type SnapshotConfig struct {
	Path string `yaml:"path"`

	// StrictLoad makes an unreadable snapshot fatal at startup instead of
	// starting with an empty store.
	StrictLoad bool `yaml:"strict_load"`
}

// Level parses LogLevel. Unknown values fall back to info.
func (s ServerConfig) Level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         DefaultPort,
			LogLevel:     DefaultLogLevel,
			MaxWorkers:   DefaultMaxWorkers,
			IdleTimeout:  DefaultIdleTimeout,
			MaxBodyBytes: DefaultMaxBodyBytes,
		},
		Store: StoreConfig{
			Capacity:      DefaultCapacity,
			TTL:           DefaultTTL,
			SweepInterval: DefaultSweepInterval,
		},
		Snapshot: SnapshotConfig{
			Path: DefaultSnapshotPath,
		},
	}
}

// Load reads and parses the YAML file at path. Missing fields keep their
// defaults; the result is validated before it is returned.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks structural constraints.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range [1, 65535]", c.Server.Port)
	}
	switch strings.ToLower(strings.TrimSpace(c.Server.LogLevel)) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("server.log_level %q unknown: want debug|info|warn|error", c.Server.LogLevel)
	}
	if c.Server.MaxWorkers <= 0 {
		return fmt.Errorf("server.max_workers must be positive")
	}
	if c.Server.IdleTimeout < 0 {
		return fmt.Errorf("server.idle_timeout must not be negative")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}
	if c.Store.Capacity <= 0 {
		return fmt.Errorf("store.capacity must be positive")
	}
	if c.Store.TTL <= 0 {
		return fmt.Errorf("store.ttl must be positive")
	}
	if c.Store.SweepInterval <= 0 {
		return fmt.Errorf("store.sweep_interval must be positive")
	}
	if c.Snapshot.Path == "" {
		return fmt.Errorf("snapshot.path is required")
	}
	return nil
}

// RestartRequired reports which settings differ between c and next that a
// hot reload cannot apply.
func (c *Config) RestartRequired(next *Config) []string {
	var fields []string
	if c.Server.Port != next.Server.Port {
		fields = append(fields, "server.port")
	}
	if c.Server.MaxWorkers != next.Server.MaxWorkers {
		fields = append(fields, "server.max_workers")
	}
	if c.Server.IdleTimeout != next.Server.IdleTimeout {
		fields = append(fields, "server.idle_timeout")
	}
	if c.Server.MaxBodyBytes != next.Server.MaxBodyBytes {
		fields = append(fields, "server.max_body_bytes")
	}
	if c.Store.Capacity != next.Store.Capacity {
		fields = append(fields, "store.capacity")
	}
	if c.Store.SweepInterval != next.Store.SweepInterval {
		fields = append(fields, "store.sweep_interval")
	}
	if c.Snapshot != next.Snapshot {
		fields = append(fields, "snapshot")
	}
	return fields
}
