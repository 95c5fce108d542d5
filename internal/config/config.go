// Package config holds the overlay's tunable settings: tar-cache size,
// download concurrency, registry-fs cache bounds, and the ambient
// network/monitoring knobs carried from the config layer's conventions.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete overlay configuration.
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	TarCache   TarCacheConfig   `yaml:"tar_cache"`
	RegistryFS RegistryFSConfig `yaml:"registry_fs"`
	Downloads  DownloadsConfig  `yaml:"downloads"`
	Store      StoreConfig      `yaml:"store"`
	Network    NetworkConfig    `yaml:"network"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents global application settings.
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port"`
	HealthPort  int    `yaml:"health_port"`
}

// TarCacheConfig bounds the in-memory extracted-tgz cache.
type TarCacheConfig struct {
	MaxSizeBytes int64 `yaml:"max_size_bytes"`
}

// RegistryFSConfig bounds registry-fs's in-memory caches.
type RegistryFSConfig struct {
	MaxMetadataEntries   int `yaml:"max_metadata_entries"`
	MaxFetchedDirsEntries int `yaml:"max_fetched_dirs_entries"`
}

// DownloadsConfig governs the installer's bounded-concurrency fetch pool.
type DownloadsConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

// StoreConfig selects and configures the storage collaborator.
type StoreConfig struct {
	Backend string         `yaml:"backend"` // "disk" or "s3"
	Disk    DiskStoreConfig `yaml:"disk"`
	S3      S3StoreConfig  `yaml:"s3"`
}

// DiskStoreConfig configures the local-disk store backend.
type DiskStoreConfig struct {
	RootDir string `yaml:"root_dir"`
}

// S3StoreConfig configures the optional S3-backed store backend.
type S3StoreConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

// NetworkConfig represents network configuration for registry-fs/installer fetches.
type NetworkConfig struct {
	Timeouts       TimeoutConfig        `yaml:"timeouts"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// TimeoutConfig represents timeout settings.
type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect"`
	Read    time.Duration `yaml:"read"`
}

// RetryConfig represents retry settings.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CircuitBreakerConfig represents circuit breaker settings, one breaker
// per registry host.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// MonitoringConfig represents monitoring settings.
type MonitoringConfig struct {
	Metrics      MetricsConfig      `yaml:"metrics"`
	HealthChecks HealthChecksConfig `yaml:"health_checks"`
}

// MetricsConfig represents metrics settings.
type MetricsConfig struct {
	Enabled    bool `yaml:"enabled"`
	Prometheus bool `yaml:"prometheus"`
}

// HealthChecksConfig represents health check settings.
type HealthChecksConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// NewDefault returns a configuration with sensible defaults, matching the
// bounds the defaults used throughout development (100MB tar cache, 100k
// metadata entries, 5k fetched dirs, 20 concurrent downloads).
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			MetricsPort: 8080,
			HealthPort:  8081,
		},
		TarCache: TarCacheConfig{
			MaxSizeBytes: 100 * 1024 * 1024,
		},
		RegistryFS: RegistryFSConfig{
			MaxMetadataEntries:    100000,
			MaxFetchedDirsEntries: 5000,
		},
		Downloads: DownloadsConfig{
			MaxConcurrent: 20,
		},
		Store: StoreConfig{
			Backend: "disk",
			Disk: DiskStoreConfig{
				RootDir: "/stores",
			},
		},
		Network: NetworkConfig{
			Timeouts: TimeoutConfig{
				Connect: 10 * time.Second,
				Read:    30 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts: 5,
				BaseDelay:   100 * time.Millisecond,
				MaxDelay:    10 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          60 * time.Second,
			},
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:    true,
				Prometheus: true,
			},
			HealthChecks: HealthChecksConfig{
				Enabled:  true,
				Interval: 30 * time.Second,
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv overlays environment variables onto the configuration.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("OPFS_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("OPFS_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}
	if val := os.Getenv("OPFS_TAR_CACHE_MAX_SIZE_BYTES"); val != "" {
		if size, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.TarCache.MaxSizeBytes = size
		}
	}
	if val := os.Getenv("OPFS_DOWNLOADS_MAX_CONCURRENT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Downloads.MaxConcurrent = n
		}
	}
	if val := os.Getenv("OPFS_STORE_BACKEND"); val != "" {
		c.Store.Backend = val
	}
	if val := os.Getenv("OPFS_STORE_DISK_ROOT_DIR"); val != "" {
		c.Store.Disk.RootDir = val
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration.
func (c *Configuration) Validate() error {
	if c.Downloads.MaxConcurrent <= 0 {
		return fmt.Errorf("downloads.max_concurrent must be greater than 0")
	}
	if c.TarCache.MaxSizeBytes <= 0 {
		return fmt.Errorf("tar_cache.max_size_bytes must be greater than 0")
	}
	if c.RegistryFS.MaxMetadataEntries <= 0 {
		return fmt.Errorf("registry_fs.max_metadata_entries must be greater than 0")
	}
	if c.Store.Backend != "disk" && c.Store.Backend != "s3" {
		return fmt.Errorf("store.backend must be 'disk' or 's3', got %q", c.Store.Backend)
	}
	if c.Store.Backend == "s3" && c.Store.S3.Bucket == "" {
		return fmt.Errorf("store.s3.bucket is required when store.backend is 's3'")
	}
	if c.Global.MetricsPort == c.Global.HealthPort {
		return fmt.Errorf("metrics_port and health_port cannot be the same")
	}

	validLogLevels := []string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}
