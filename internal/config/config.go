package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/utils"
)

// MinExpiry is the floor applied to disk purges; nothing younger is ever
// purged by age.
const MinExpiry = 6 * time.Hour

// Configuration represents the complete application configuration
type Configuration struct {
	Global  GlobalConfig  `yaml:"global"`
	Memory  MemoryConfig  `yaml:"memory"`
	Disk    DiskConfig    `yaml:"disk"`
	Workers WorkersConfig `yaml:"workers"`
	Network NetworkConfig `yaml:"network"`
	Decode  DecodeConfig  `yaml:"decode"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsPort    int    `yaml:"metrics_port"`
}

// MemoryConfig sizes the memory tier. MaxSize wins when set; otherwise the
// tier gets MemoryFraction of the memory available to the process.
type MemoryConfig struct {
	MaxSize         string        `yaml:"max_size"`
	MemoryFraction  float64       `yaml:"memory_fraction"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`
}

// DiskConfig configures the disk tier
type DiskConfig struct {
	// Directories are tried in order; the first writable one is used
	Directories   []string      `yaml:"directories"`
	MaxAge        time.Duration `yaml:"max_age"`
	MinExpiry     time.Duration `yaml:"min_expiry"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

// WorkersConfig sizes the worker pools; 0 derives a size from NumCPU
type WorkersConfig struct {
	CacheWorkers   int `yaml:"cache_workers"`
	NetworkWorkers int `yaml:"network_workers"`
}

// NetworkConfig represents network configuration
type NetworkConfig struct {
	Timeout        time.Duration        `yaml:"timeout"`
	UserAgent      string               `yaml:"user_agent"`
	MaxBodySize    string               `yaml:"max_body_size"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	S3             S3Config             `yaml:"s3"`
}

// RetryConfig represents retry settings
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       bool          `yaml:"jitter"`
}

// CircuitBreakerConfig represents circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	MaxRequests      uint32        `yaml:"max_requests"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold float64       `yaml:"failure_threshold"`
	MinRequests      uint32        `yaml:"min_requests"`
}

// S3Config represents settings for s3:// locators
type S3Config struct {
	Enabled        bool   `yaml:"enabled"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// DecodeConfig bounds image decoding
type DecodeConfig struct {
	Permits   int64 `yaml:"permits"`
	MaxPixels int64 `yaml:"max_pixels"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:       "INFO",
			LogFormat:      "json",
			MetricsEnabled: false,
			MetricsPort:    9090,
		},
		Memory: MemoryConfig{
			MemoryFraction:  0.125,
			MonitorInterval: 0,
		},
		Disk: DiskConfig{
			Directories:   []string{filepath.Join(os.TempDir(), "tiercache")},
			MaxAge:        24 * time.Hour,
			MinExpiry:     MinExpiry,
			PurgeInterval: time.Hour,
		},
		Network: NetworkConfig{
			Timeout:   30 * time.Second,
			UserAgent: "tiercache",
			Retry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: 200 * time.Millisecond,
				MaxDelay:     5 * time.Second,
				Multiplier:   2.0,
				Jitter:       true,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				MaxRequests:      5,
				Interval:         30 * time.Second,
				Timeout:          60 * time.Second,
				FailureThreshold: 0.8,
				MinRequests:      5,
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of the current values
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to read config file").
			WithComponent("config").WithContext("file", filename)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to parse config file").
			WithComponent("config").WithContext("file", filename)
	}

	return nil
}

// LoadFromEnv applies TIERCACHE_* environment overrides. Malformed numeric
// and duration values are reported rather than ignored.
func (c *Configuration) LoadFromEnv() error {
	env := envReader{}

	// Global settings
	env.str("TIERCACHE_LOG_LEVEL", &c.Global.LogLevel)
	env.str("TIERCACHE_LOG_FORMAT", &c.Global.LogFormat)
	env.boolean("TIERCACHE_METRICS_ENABLED", &c.Global.MetricsEnabled)
	env.integer("TIERCACHE_METRICS_PORT", &c.Global.MetricsPort)

	// Memory tier
	env.str("TIERCACHE_MEMORY_MAX_SIZE", &c.Memory.MaxSize)
	env.float("TIERCACHE_MEMORY_FRACTION", &c.Memory.MemoryFraction)
	env.duration("TIERCACHE_MEMORY_MONITOR_INTERVAL", &c.Memory.MonitorInterval)

	// Disk tier
	if val := os.Getenv("TIERCACHE_DISK_DIRECTORIES"); val != "" {
		c.Disk.Directories = filepath.SplitList(val)
	}
	env.duration("TIERCACHE_DISK_MAX_AGE", &c.Disk.MaxAge)
	env.duration("TIERCACHE_DISK_MIN_EXPIRY", &c.Disk.MinExpiry)
	env.duration("TIERCACHE_DISK_PURGE_INTERVAL", &c.Disk.PurgeInterval)

	// Workers
	env.integer("TIERCACHE_CACHE_WORKERS", &c.Workers.CacheWorkers)
	env.integer("TIERCACHE_NETWORK_WORKERS", &c.Workers.NetworkWorkers)

	// Network
	env.duration("TIERCACHE_NETWORK_TIMEOUT", &c.Network.Timeout)
	env.str("TIERCACHE_USER_AGENT", &c.Network.UserAgent)
	env.integer("TIERCACHE_RETRY_MAX_ATTEMPTS", &c.Network.Retry.MaxAttempts)
	env.boolean("TIERCACHE_CIRCUIT_BREAKER_ENABLED", &c.Network.CircuitBreaker.Enabled)
	env.boolean("TIERCACHE_S3_ENABLED", &c.Network.S3.Enabled)
	env.str("TIERCACHE_S3_REGION", &c.Network.S3.Region)
	env.str("TIERCACHE_S3_ENDPOINT", &c.Network.S3.Endpoint)
	env.boolean("TIERCACHE_S3_FORCE_PATH_STYLE", &c.Network.S3.ForcePathStyle)

	return env.err
}

// envReader collects the first parse failure
type envReader struct {
	err error
}

func (r *envReader) fail(name, val string, err error) {
	if r.err == nil {
		r.err = errors.Wrap(err, errors.ErrCodeConfigLoad, "invalid environment value").
			WithComponent("config").WithContext("variable", name).WithContext("value", val)
	}
}

func (r *envReader) str(name string, dst *string) {
	if val := os.Getenv(name); val != "" {
		*dst = val
	}
}

func (r *envReader) boolean(name string, dst *bool) {
	if val := os.Getenv(name); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			r.fail(name, val, err)
			return
		}
		*dst = b
	}
}

func (r *envReader) integer(name string, dst *int) {
	if val := os.Getenv(name); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			r.fail(name, val, err)
			return
		}
		*dst = n
	}
}

func (r *envReader) float(name string, dst *float64) {
	if val := os.Getenv(name); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			r.fail(name, val, err)
			return
		}
		*dst = f
	}
}

func (r *envReader) duration(name string, dst *time.Duration) {
	if val := os.Getenv(name); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			r.fail(name, val, err)
			return
		}
		*dst = d
	}
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternalError, "failed to marshal config").WithComponent("config")
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to create config directory").WithComponent("config")
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to write config file").WithComponent("config")
	}

	return nil
}

// Validate checks the configuration and clamps min_expiry to its floor
func (c *Configuration) Validate() error {
	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return invalid("global.log_level", "invalid log_level: %s (must be one of: DEBUG, INFO, WARN, ERROR)", c.Global.LogLevel)
	}
	switch strings.ToLower(c.Global.LogFormat) {
	case "", "json", "console", "text":
	default:
		return invalid("global.log_format", "invalid log_format: %s (must be json or console)", c.Global.LogFormat)
	}
	if c.Global.MetricsEnabled && (c.Global.MetricsPort <= 0 || c.Global.MetricsPort > 65535) {
		return invalid("global.metrics_port", "metrics_port must be between 1 and 65535")
	}

	if c.Memory.MaxSize != "" {
		size, err := utils.ParseBytes(c.Memory.MaxSize)
		if err != nil || size <= 0 {
			return invalid("memory.max_size", "max_size must be a positive size, got %q", c.Memory.MaxSize)
		}
	} else if c.Memory.MemoryFraction <= 0 || c.Memory.MemoryFraction > 1 {
		return invalid("memory.memory_fraction", "memory_fraction must be in (0, 1]")
	}
	if c.Memory.MonitorInterval < 0 {
		return invalid("memory.monitor_interval", "monitor_interval cannot be negative")
	}

	if len(c.Disk.Directories) == 0 {
		return invalid("disk.directories", "at least one disk directory is required")
	}
	for _, dir := range c.Disk.Directories {
		if strings.TrimSpace(dir) == "" {
			return invalid("disk.directories", "disk directories cannot be empty")
		}
	}
	if c.Disk.MaxAge < 0 || c.Disk.PurgeInterval < 0 {
		return invalid("disk", "max_age and purge_interval cannot be negative")
	}
	if c.Disk.MinExpiry < MinExpiry {
		c.Disk.MinExpiry = MinExpiry
	}

	if c.Workers.CacheWorkers < 0 || c.Workers.NetworkWorkers < 0 {
		return invalid("workers", "worker counts cannot be negative")
	}

	if c.Network.Timeout < 0 {
		return invalid("network.timeout", "timeout cannot be negative")
	}
	if c.Network.MaxBodySize != "" {
		if _, err := utils.ParseBytes(c.Network.MaxBodySize); err != nil {
			return invalid("network.max_body_size", "invalid max_body_size %q", c.Network.MaxBodySize)
		}
	}
	if c.Network.Retry.MaxAttempts < 0 {
		return invalid("network.retry.max_attempts", "max_attempts cannot be negative")
	}
	if cb := c.Network.CircuitBreaker; cb.Enabled && (cb.FailureThreshold <= 0 || cb.FailureThreshold > 1) {
		return invalid("network.circuit_breaker.failure_threshold", "failure_threshold must be in (0, 1]")
	}

	if c.Decode.Permits < 0 || c.Decode.MaxPixels < 0 {
		return invalid("decode", "permits and max_pixels cannot be negative")
	}

	return nil
}

func invalid(field, format string, args ...interface{}) error {
	return errors.Newf(errors.ErrCodeConfigValidation, format, args...).
		WithComponent("config").
		WithContext("field", field)
}

// MemoryMaxBytes returns the explicit memory tier size, or 0 when the size
// should be derived from available memory.
func (c *Configuration) MemoryMaxBytes() (int64, error) {
	if c.Memory.MaxSize == "" {
		return 0, nil
	}
	return utils.ParseBytes(c.Memory.MaxSize)
}

// MaxBodyBytes returns the response size limit, 0 meaning unlimited
func (c *Configuration) MaxBodyBytes() int64 {
	if c.Network.MaxBodySize == "" {
		return 0
	}
	n, err := utils.ParseBytes(c.Network.MaxBodySize)
	if err != nil {
		return 0
	}
	return n
}

// CacheWorkers returns the cache pool size: NumCPU unless configured
func (c *Configuration) CacheWorkers() int {
	if c.Workers.CacheWorkers > 0 {
		return c.Workers.CacheWorkers
	}
	return runtime.NumCPU()
}

// NetworkWorkers returns the network pool size: 2*NumCPU, at least 4,
// unless configured.
func (c *Configuration) NetworkWorkers() int {
	if c.Workers.NetworkWorkers > 0 {
		return c.Workers.NetworkWorkers
	}
	return max(4, 2*runtime.NumCPU())
}
