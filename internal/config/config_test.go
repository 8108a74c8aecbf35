package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Runner.Backend != "local" {
		t.Errorf("Runner.Backend = %q, want local", cfg.Runner.Backend)
	}
	if cfg.Engine.MaxConcurrent != 20 {
		t.Errorf("Engine.MaxConcurrent = %d, want 20", cfg.Engine.MaxConcurrent)
	}
	if cfg.Engine.DefaultTimeout != 30*time.Minute {
		t.Errorf("Engine.DefaultTimeout = %s, want 30m", cfg.Engine.DefaultTimeout)
	}
	if cfg.Database.Driver != "memory" {
		t.Errorf("Database.Driver = %q, want memory", cfg.Database.Driver)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return DefaultConfig()
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"server port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"server port 99999", func(c *Config) { c.Server.Port = 99999 }, true},
		{"default_timeout > max_timeout", func(c *Config) {
			c.Engine.DefaultTimeout = 2 * time.Hour
			c.Engine.MaxTimeout = 1 * time.Hour
		}, true},
		{"max_concurrent 0", func(c *Config) { c.Engine.MaxConcurrent = 0 }, true},
		{"live_buffer_lines 0", func(c *Config) { c.Engine.LiveBufferLines = 0 }, true},
		{"unknown backend", func(c *Config) { c.Runner.Backend = "docker" }, true},
		{"local backend without binary", func(c *Config) {
			c.Runner.Backend = "local"
			c.Runner.Binary = ""
		}, true},
		{"containerd backend without image", func(c *Config) {
			c.Runner.Backend = "containerd"
			c.Runner.Image = ""
		}, true},
		{"containerd bad limits", func(c *Config) {
			c.Runner.Backend = "containerd"
			c.Runner.Limits.MemoryMB = -1
		}, true},
		{"containerd valid", func(c *Config) {
			c.Runner.Backend = "containerd"
		}, false},
		{"grace 0", func(c *Config) { c.Runner.Grace = 0 }, true},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres" }, true},
		{"sqlite without dsn", func(c *Config) { c.Database.Driver = "sqlite" }, true},
		{"sqlite with dsn", func(c *Config) {
			c.Database.Driver = "sqlite"
			c.Database.DSN = "/var/lib/playbookd/db.sqlite"
		}, false},
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
server:
  host: "127.0.0.1"
  port: 9090
runner:
  backend: local
  binary: /usr/local/bin/ansible-playbook
  grace: 5s
engine:
  max_concurrent: 50
  default_timeout: 15m
  max_timeout: 1h
  live_buffer_lines: 500
database:
  driver: sqlite
  dsn: /tmp/playbookd.sqlite
catalog:
  file: /etc/playbookd/catalog.yaml
`
	tmpFile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.WriteString(yamlContent); err != nil {
		t.Fatal(err)
	}
	tmpFile.Close()

	cfg, err := Load(tmpFile.Name())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Runner.Binary != "/usr/local/bin/ansible-playbook" {
		t.Errorf("Runner.Binary = %q", cfg.Runner.Binary)
	}
	if cfg.Runner.Grace != 5*time.Second {
		t.Errorf("Runner.Grace = %s, want 5s", cfg.Runner.Grace)
	}
	if cfg.Engine.MaxConcurrent != 50 {
		t.Errorf("Engine.MaxConcurrent = %d, want 50", cfg.Engine.MaxConcurrent)
	}
	if cfg.Engine.DefaultTimeout != 15*time.Minute {
		t.Errorf("Engine.DefaultTimeout = %s, want 15m", cfg.Engine.DefaultTimeout)
	}
	if cfg.Engine.LiveBufferLines != 500 {
		t.Errorf("Engine.LiveBufferLines = %d, want 500", cfg.Engine.LiveBufferLines)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Catalog.File != "/etc/playbookd/catalog.yaml" {
		t.Errorf("Catalog.File = %q", cfg.Catalog.File)
	}

	// Sections absent from the file keep their defaults.
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics defaults lost: %+v", cfg.Metrics)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestAddress(t *testing.T) {
	cfg := DefaultConfig()
	want := "0.0.0.0:8080"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}

	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 3000
	want = "127.0.0.1:3000"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}
}
