package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"playbookd/internal/runner"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Runner   RunnerConfig   `yaml:"runner"`
	Engine   EngineConfig   `yaml:"engine"`
	Database DatabaseConfig `yaml:"database"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Security SecurityConfig `yaml:"security"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

// RunnerConfig selects and tunes the process backend that executes playbooks.
type RunnerConfig struct {
	Backend          string        `yaml:"backend"` // "local" (default) or "containerd"
	Binary           string        `yaml:"binary"`  // local backend: runner executable
	ExtraArgs        []string      `yaml:"extra_args"`
	Image            string        `yaml:"image"` // containerd backend: runner image ref
	ContainerdSocket string        `yaml:"containerd_socket"`
	Namespace        string        `yaml:"namespace"`
	Grace            time.Duration `yaml:"grace"`  // SIGTERM -> SIGKILL window
	Limits           runner.Limits `yaml:"limits"` // containerd backend only
}

// EngineConfig tunes execution orchestration.
type EngineConfig struct {
	MaxConcurrent    int           `yaml:"max_concurrent"`
	DefaultTimeout   time.Duration `yaml:"default_timeout"`
	MaxTimeout       time.Duration `yaml:"max_timeout"`
	LiveBufferLines  int           `yaml:"live_buffer_lines"`
	SubscriberBuffer int           `yaml:"subscriber_buffer"`
	TopicLinger      time.Duration `yaml:"topic_linger"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // "postgres", "sqlite", or "memory"
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// CatalogConfig points at the host/group/playbook/credential lookups. With a
// SQL database the catalog lives in the same store; the file option seeds an
// in-memory catalog for dev and single-node setups.
type CatalogConfig struct {
	File string `yaml:"file"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // streaming endpoints must not be cut off
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Runner: RunnerConfig{
			Backend:          "local",
			Binary:           "ansible-playbook",
			Image:            "docker.io/library/ansible-runner:latest",
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "playbookd",
			Grace:            10 * time.Second,
			Limits:           runner.DefaultLimits(),
		},
		Engine: EngineConfig{
			MaxConcurrent:    20,
			DefaultTimeout:   30 * time.Minute,
			MaxTimeout:       2 * time.Hour,
			LiveBufferLines:  1000,
			SubscriberBuffer: 256,
			TopicLinger:      5 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "memory",
			DSN:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}

	switch c.Runner.Backend {
	case "local":
		if c.Runner.Binary == "" {
			return fmt.Errorf("runner.binary is required for the local backend")
		}
	case "containerd":
		if c.Runner.Image == "" {
			return fmt.Errorf("runner.image is required for the containerd backend")
		}
		if err := c.Runner.Limits.Validate(); err != nil {
			return fmt.Errorf("runner.limits: %w", err)
		}
	default:
		return fmt.Errorf("runner.backend must be \"local\" or \"containerd\", got %q", c.Runner.Backend)
	}
	if c.Runner.Grace <= 0 {
		return fmt.Errorf("runner.grace must be > 0")
	}

	if c.Engine.DefaultTimeout > c.Engine.MaxTimeout {
		return fmt.Errorf("engine.default_timeout (%s) must be <= max_timeout (%s)",
			c.Engine.DefaultTimeout, c.Engine.MaxTimeout)
	}
	if c.Engine.MaxConcurrent < 1 {
		return fmt.Errorf("engine.max_concurrent must be >= 1")
	}
	if c.Engine.LiveBufferLines < 1 {
		return fmt.Errorf("engine.live_buffer_lines must be >= 1")
	}

	switch c.Database.Driver {
	case "postgres", "sqlite":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver must be \"postgres\", \"sqlite\", or \"memory\", got %q", c.Database.Driver)
	}
	if c.Database.Driver == "memory" && c.Catalog.File == "" {
		log.Warn().Msg("memory store with no catalog file — no hosts or playbooks will resolve")
	}
	if c.Database.Driver == "postgres" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable — connections to Postgres are unencrypted")
	}

	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
