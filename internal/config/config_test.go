package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/tiercache/tiercache/pkg/errors"
)

// Test Constants
const (
	TestDebugLevel = "DEBUG"
	TestMemorySize = "64MB"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	// Test global defaults
	if cfg.Global.LogLevel != "INFO" {
		t.Errorf("Expected LogLevel to be INFO, got %s", cfg.Global.LogLevel)
	}
	if cfg.Global.MetricsPort != 9090 {
		t.Errorf("Expected MetricsPort to be 9090, got %d", cfg.Global.MetricsPort)
	}

	// Test tier defaults
	if cfg.Memory.MemoryFraction != 0.125 {
		t.Errorf("Expected MemoryFraction to be 0.125, got %v", cfg.Memory.MemoryFraction)
	}
	if cfg.Disk.MaxAge != 24*time.Hour {
		t.Errorf("Expected MaxAge to be 24h, got %v", cfg.Disk.MaxAge)
	}
	if cfg.Disk.MinExpiry != MinExpiry {
		t.Errorf("Expected MinExpiry to be %v, got %v", MinExpiry, cfg.Disk.MinExpiry)
	}
	if len(cfg.Disk.Directories) != 1 {
		t.Errorf("Expected one default directory, got %v", cfg.Disk.Directories)
	}

	// Test network defaults
	if cfg.Network.Timeout != 30*time.Second {
		t.Errorf("Expected Timeout to be 30s, got %v", cfg.Network.Timeout)
	}
	if !cfg.Network.CircuitBreaker.Enabled {
		t.Error("Expected circuit breaker to be enabled by default")
	}
	if cfg.Network.S3.Enabled {
		t.Error("Expected S3 to be disabled by default")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	configContent := `
global:
  log_level: DEBUG
  metrics_port: 9100
memory:
  max_size: 64MB
disk:
  directories:
    - /var/cache/tiercache
    - /tmp/tiercache
  max_age: 48h
workers:
  network_workers: 12
network:
  timeout: 10s
  s3:
    enabled: true
    region: eu-west-1
`
	if err := os.WriteFile(configFile, []byte(configContent), 0600); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("Failed to load config from file: %v", err)
	}

	if cfg.Global.LogLevel != TestDebugLevel {
		t.Errorf("Expected LogLevel to be DEBUG, got %s", cfg.Global.LogLevel)
	}
	if cfg.Global.MetricsPort != 9100 {
		t.Errorf("Expected MetricsPort to be 9100, got %d", cfg.Global.MetricsPort)
	}
	if cfg.Memory.MaxSize != TestMemorySize {
		t.Errorf("Expected MaxSize to be %s, got %s", TestMemorySize, cfg.Memory.MaxSize)
	}
	if len(cfg.Disk.Directories) != 2 || cfg.Disk.Directories[1] != "/tmp/tiercache" {
		t.Errorf("Unexpected directories: %v", cfg.Disk.Directories)
	}
	if cfg.Disk.MaxAge != 48*time.Hour {
		t.Errorf("Expected MaxAge to be 48h, got %v", cfg.Disk.MaxAge)
	}
	if cfg.NetworkWorkers() != 12 {
		t.Errorf("Expected 12 network workers, got %d", cfg.NetworkWorkers())
	}
	if cfg.Network.Timeout != 10*time.Second {
		t.Errorf("Expected Timeout to be 10s, got %v", cfg.Network.Timeout)
	}
	if !cfg.Network.S3.Enabled || cfg.Network.S3.Region != "eu-west-1" {
		t.Errorf("Unexpected S3 settings: %+v", cfg.Network.S3)
	}

	// Values absent from the file keep their defaults
	if cfg.Disk.PurgeInterval != time.Hour {
		t.Errorf("Expected PurgeInterval default to survive, got %v", cfg.Disk.PurgeInterval)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	cfg := NewDefault()
	err := cfg.LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.HasCode(err, errors.ErrCodeConfigLoad) {
		t.Errorf("Expected CONFIG_LOAD for a missing file, got %v", err)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("global: [not, a, map"), 0600); err != nil {
		t.Fatal(err)
	}
	err = cfg.LoadFromFile(bad)
	if !errors.HasCode(err, errors.ErrCodeConfigLoad) {
		t.Errorf("Expected CONFIG_LOAD for malformed YAML, got %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TIERCACHE_LOG_LEVEL", "WARN")
	t.Setenv("TIERCACHE_MEMORY_MAX_SIZE", "32MB")
	t.Setenv("TIERCACHE_DISK_DIRECTORIES", "/a"+string(os.PathListSeparator)+"/b")
	t.Setenv("TIERCACHE_DISK_MAX_AGE", "2h")
	t.Setenv("TIERCACHE_CACHE_WORKERS", "3")
	t.Setenv("TIERCACHE_S3_ENABLED", "true")

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv failed: %v", err)
	}

	if cfg.Global.LogLevel != "WARN" {
		t.Errorf("Expected LogLevel WARN, got %s", cfg.Global.LogLevel)
	}
	if cfg.Memory.MaxSize != "32MB" {
		t.Errorf("Expected MaxSize 32MB, got %s", cfg.Memory.MaxSize)
	}
	if len(cfg.Disk.Directories) != 2 || cfg.Disk.Directories[0] != "/a" {
		t.Errorf("Unexpected directories: %v", cfg.Disk.Directories)
	}
	if cfg.Disk.MaxAge != 2*time.Hour {
		t.Errorf("Expected MaxAge 2h, got %v", cfg.Disk.MaxAge)
	}
	if cfg.CacheWorkers() != 3 {
		t.Errorf("Expected 3 cache workers, got %d", cfg.CacheWorkers())
	}
	if !cfg.Network.S3.Enabled {
		t.Error("Expected S3 to be enabled")
	}
}

func TestLoadFromEnv_InvalidValue(t *testing.T) {
	t.Setenv("TIERCACHE_DISK_MAX_AGE", "soon")

	cfg := NewDefault()
	err := cfg.LoadFromEnv()
	if !errors.HasCode(err, errors.ErrCodeConfigLoad) {
		t.Fatalf("Expected CONFIG_LOAD, got %v", err)
	}
	if cfg.Disk.MaxAge != 24*time.Hour {
		t.Errorf("Expected MaxAge to keep its default, got %v", cfg.Disk.MaxAge)
	}
}

func TestSaveToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := NewDefault()
	cfg.Memory.MaxSize = TestMemorySize
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}

	loaded := NewDefault()
	if err := loaded.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if loaded.Memory.MaxSize != TestMemorySize {
		t.Errorf("Expected MaxSize to survive the round trip, got %s", loaded.Memory.MaxSize)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Configuration)
		wantErr bool
	}{
		{"defaults", func(c *Configuration) {}, false},
		{"bad log level", func(c *Configuration) { c.Global.LogLevel = "LOUD" }, true},
		{"bad log format", func(c *Configuration) { c.Global.LogFormat = "xml" }, true},
		{"bad metrics port", func(c *Configuration) { c.Global.MetricsEnabled = true; c.Global.MetricsPort = 0 }, true},
		{"bad max size", func(c *Configuration) { c.Memory.MaxSize = "lots" }, true},
		{"zero max size", func(c *Configuration) { c.Memory.MaxSize = "0" }, true},
		{"bad fraction", func(c *Configuration) { c.Memory.MemoryFraction = 1.5 }, true},
		{"fraction ignored with max size", func(c *Configuration) { c.Memory.MaxSize = "1GB"; c.Memory.MemoryFraction = 0 }, false},
		{"no directories", func(c *Configuration) { c.Disk.Directories = nil }, true},
		{"blank directory", func(c *Configuration) { c.Disk.Directories = []string{" "} }, true},
		{"negative workers", func(c *Configuration) { c.Workers.NetworkWorkers = -1 }, true},
		{"bad body size", func(c *Configuration) { c.Network.MaxBodySize = "huge" }, true},
		{"bad breaker threshold", func(c *Configuration) { c.Network.CircuitBreaker.FailureThreshold = 0 }, true},
		{"negative permits", func(c *Configuration) { c.Decode.Permits = -1 }, true},
		{"breaker threshold ignored when disabled", func(c *Configuration) {
			c.Network.CircuitBreaker.Enabled = false
			c.Network.CircuitBreaker.FailureThreshold = 0
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				if !errors.HasCode(err, errors.ErrCodeConfigValidation) {
					t.Errorf("Expected CONFIG_VALIDATION, got %v", err)
				}
			} else if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestValidate_ClampsMinExpiry(t *testing.T) {
	cfg := NewDefault()
	cfg.Disk.MinExpiry = time.Minute
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Disk.MinExpiry != MinExpiry {
		t.Errorf("Expected MinExpiry to be raised to %v, got %v", MinExpiry, cfg.Disk.MinExpiry)
	}
}

func TestDerivedValues(t *testing.T) {
	cfg := NewDefault()

	if n, err := cfg.MemoryMaxBytes(); err != nil || n != 0 {
		t.Errorf("Expected no explicit memory size, got %d, %v", n, err)
	}
	cfg.Memory.MaxSize = TestMemorySize
	if n, _ := cfg.MemoryMaxBytes(); n != 64<<20 {
		t.Errorf("Expected 64MiB, got %d", n)
	}

	if cfg.MaxBodyBytes() != 0 {
		t.Errorf("Expected unlimited body size")
	}
	cfg.Network.MaxBodySize = "1KB"
	if cfg.MaxBodyBytes() != 1024 {
		t.Errorf("Expected 1024, got %d", cfg.MaxBodyBytes())
	}

	if cfg.CacheWorkers() != runtime.NumCPU() {
		t.Errorf("Expected NumCPU cache workers, got %d", cfg.CacheWorkers())
	}
	if want := max(4, 2*runtime.NumCPU()); cfg.NetworkWorkers() != want {
		t.Errorf("Expected %d network workers, got %d", want, cfg.NetworkWorkers())
	}
}
