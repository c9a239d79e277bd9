/*
Package config loads and validates tiercache configuration.

Values are layered: compiled-in defaults, then a YAML file, then TIERCACHE_*
environment variables.

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("/etc/tiercache/config.yaml"); err != nil {
		return err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

# File layout

	global:
	  log_level: INFO
	  log_format: json
	  metrics_enabled: false
	  metrics_port: 9090
	memory:
	  max_size: ""          # e.g. "64MB"; wins over memory_fraction
	  memory_fraction: 0.125
	  monitor_interval: 0s  # > 0 resizes the memory tier as available memory changes
	disk:
	  directories: [/var/cache/tiercache, /tmp/tiercache]
	  max_age: 24h
	  min_expiry: 6h
	  purge_interval: 1h
	workers:
	  cache_workers: 0      # 0 = NumCPU
	  network_workers: 0    # 0 = max(4, 2*NumCPU)
	network:
	  timeout: 30s
	  user_agent: tiercache
	  max_body_size: ""
	  retry: {max_attempts: 3, initial_delay: 200ms, max_delay: 5s, multiplier: 2, jitter: true}
	  circuit_breaker: {enabled: true, max_requests: 5, interval: 30s, timeout: 60s, failure_threshold: 0.8, min_requests: 5}
	  s3: {enabled: false, region: us-east-1, endpoint: "", force_path_style: false}
	decode:
	  permits: 0
	  max_pixels: 0

Validate raises disk.min_expiry to MinExpiry when it is set lower.

# Environment variables

	TIERCACHE_LOG_LEVEL, TIERCACHE_LOG_FORMAT
	TIERCACHE_METRICS_ENABLED, TIERCACHE_METRICS_PORT
	TIERCACHE_MEMORY_MAX_SIZE, TIERCACHE_MEMORY_FRACTION, TIERCACHE_MEMORY_MONITOR_INTERVAL
	TIERCACHE_DISK_DIRECTORIES (path list), TIERCACHE_DISK_MAX_AGE,
	TIERCACHE_DISK_MIN_EXPIRY, TIERCACHE_DISK_PURGE_INTERVAL
	TIERCACHE_CACHE_WORKERS, TIERCACHE_NETWORK_WORKERS
	TIERCACHE_NETWORK_TIMEOUT, TIERCACHE_USER_AGENT, TIERCACHE_RETRY_MAX_ATTEMPTS
	TIERCACHE_CIRCUIT_BREAKER_ENABLED
	TIERCACHE_S3_ENABLED, TIERCACHE_S3_REGION, TIERCACHE_S3_ENDPOINT, TIERCACHE_S3_FORCE_PATH_STYLE
*/
package config
