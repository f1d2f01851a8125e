package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/objectfs/mediacache/pkg/utils"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global    GlobalConfig    `yaml:"global"`
	Cache     CacheConfig     `yaml:"cache"`
	Planner   PlannerConfig   `yaml:"planner"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Network   NetworkConfig   `yaml:"network"`
	Memory    MemoryConfig    `yaml:"memory"`
	Transport TransportConfig `yaml:"transport"`
	API       APIConfig       `yaml:"api"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`
}

// CacheConfig represents the bounded chunk cache settings
type CacheConfig struct {
	Budget string `yaml:"budget"`
}

// PlannerConfig represents chunk planner settings
type PlannerConfig struct {
	ProbeBytes int64 `yaml:"probe_bytes"`
	// AssumedBytesPerSecond drives the size estimate when both probes fail
	AssumedBytesPerSecond int64 `yaml:"assumed_bytes_per_second"`
	// EstimateEnabled turns the heuristic fallback step on or off
	EstimateEnabled bool `yaml:"estimate_enabled"`
	// DescriptorMaxAge is the age passed to the periodic descriptor purge; 0 disables it
	DescriptorMaxAge time.Duration `yaml:"descriptor_max_age"`
}

// SchedulerConfig represents prefetch scheduler settings
type SchedulerConfig struct {
	MaxConcurrent  int           `yaml:"max_concurrent"`
	ForwardRadius  int           `yaml:"forward_radius"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	BandwidthLimit string        `yaml:"bandwidth_limit"`
	PurgeGrace     time.Duration `yaml:"purge_grace"`
	PurgeThreshold int           `yaml:"purge_threshold"`
	Retry          RetryConfig   `yaml:"retry"`
}

// RetryConfig represents retry settings
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// NetworkConfig represents network class and resilience settings
type NetworkConfig struct {
	Class          string               `yaml:"class"`
	ClassFile      string               `yaml:"class_file"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig represents circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// MemoryConfig represents memory-pressure monitoring settings
type MemoryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	SoftLimit      string        `yaml:"soft_limit"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

// TransportConfig selects and configures the byte-range transport
type TransportConfig struct {
	Kind      string        `yaml:"kind"` // http or s3
	UserAgent string        `yaml:"user_agent"`
	Timeout   time.Duration `yaml:"timeout"`
	S3        S3Config      `yaml:"s3"`
}

// S3Config represents S3 transport settings
type S3Config struct {
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
	MaxRetries     int    `yaml:"max_retries"`
}

// APIConfig represents the status API settings
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Metrics bool   `yaml:"metrics"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "text",
		},
		Cache: CacheConfig{
			Budget: "48MiB",
		},
		Planner: PlannerConfig{
			ProbeBytes:            1024,
			AssumedBytesPerSecond: 30 * 1024 * 1024 / 1800,
			EstimateEnabled:       true,
			DescriptorMaxAge:      time.Hour,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent:  3,
			ForwardRadius:  3,
			FetchTimeout:   30 * time.Second,
			BandwidthLimit: "",
			PurgeGrace:     10 * time.Second,
			PurgeThreshold: 8,
			Retry: RetryConfig{
				MaxAttempts: 1,
				BaseDelay:   200 * time.Millisecond,
				MaxDelay:    5 * time.Second,
			},
		},
		Network: NetworkConfig{
			Class: "default",
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
			},
		},
		Memory: MemoryConfig{
			Enabled:        false,
			SoftLimit:      "256MiB",
			SampleInterval: 5 * time.Second,
		},
		Transport: TransportConfig{
			Kind:      "http",
			UserAgent: "mediacache/1.0",
			Timeout:   60 * time.Second,
			S3: S3Config{
				Region:     "us-east-1",
				MaxRetries: 3,
			},
		},
		API: APIConfig{
			Enabled: false,
			Address: "localhost:8090",
			Metrics: true,
		},
	}
}

// LoadFromFile loads configuration from a YAML file
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

// LoadFromEnv loads configuration overrides from environment variables
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("MEDIACACHE_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("MEDIACACHE_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("MEDIACACHE_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}

	if val := os.Getenv("MEDIACACHE_CACHE_BUDGET"); val != "" {
		c.Cache.Budget = val
	}

	if val := os.Getenv("MEDIACACHE_MAX_CONCURRENT"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid MEDIACACHE_MAX_CONCURRENT: %w", err)
		}
		c.Scheduler.MaxConcurrent = n
	}
	if val := os.Getenv("MEDIACACHE_FORWARD_RADIUS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid MEDIACACHE_FORWARD_RADIUS: %w", err)
		}
		c.Scheduler.ForwardRadius = n
	}
	if val := os.Getenv("MEDIACACHE_FETCH_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid MEDIACACHE_FETCH_TIMEOUT: %w", err)
		}
		c.Scheduler.FetchTimeout = d
	}
	if val := os.Getenv("MEDIACACHE_RETRY_ATTEMPTS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid MEDIACACHE_RETRY_ATTEMPTS: %w", err)
		}
		c.Scheduler.Retry.MaxAttempts = n
	}

	if val := os.Getenv("MEDIACACHE_NETWORK_CLASS"); val != "" {
		c.Network.Class = val
	}

	if val := os.Getenv("MEDIACACHE_TRANSPORT"); val != "" {
		c.Transport.Kind = strings.ToLower(val)
	}
	if val := os.Getenv("MEDIACACHE_S3_BUCKET"); val != "" {
		c.Transport.S3.Bucket = val
	}
	if val := os.Getenv("MEDIACACHE_S3_ENDPOINT"); val != "" {
		c.Transport.S3.Endpoint = val
	}

	if val := os.Getenv("MEDIACACHE_API_ADDRESS"); val != "" {
		c.API.Address = val
	}
	if val := os.Getenv("MEDIACACHE_API_ENABLED"); val != "" {
		c.API.Enabled = strings.ToLower(val) == "true"
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
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

// CacheBudgetBytes returns the parsed cache budget
func (c *Configuration) CacheBudgetBytes() (int64, error) {
	return utils.ParseSize(c.Cache.Budget)
}

// BandwidthLimitBytes returns the parsed prefetch bandwidth limit, 0 when unset
func (c *Configuration) BandwidthLimitBytes() (int64, error) {
	if strings.TrimSpace(c.Scheduler.BandwidthLimit) == "" {
		return 0, nil
	}
	return utils.ParseSize(c.Scheduler.BandwidthLimit)
}

// MemorySoftLimitBytes returns the parsed memory soft limit
func (c *Configuration) MemorySoftLimitBytes() (int64, error) {
	return utils.ParseSize(c.Memory.SoftLimit)
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	budget, err := c.CacheBudgetBytes()
	if err != nil {
		return fmt.Errorf("invalid cache budget: %w", err)
	}
	if budget <= 0 {
		return fmt.Errorf("cache budget must be greater than 0")
	}

	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be greater than 0")
	}
	if c.Scheduler.ForwardRadius < 0 {
		return fmt.Errorf("forward_radius cannot be negative")
	}
	if c.Scheduler.FetchTimeout < 0 {
		return fmt.Errorf("fetch_timeout cannot be negative")
	}
	if c.Scheduler.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if _, err := c.BandwidthLimitBytes(); err != nil {
		return fmt.Errorf("invalid bandwidth_limit: %w", err)
	}

	if c.Planner.ProbeBytes <= 0 {
		return fmt.Errorf("probe_bytes must be greater than 0")
	}
	if c.Planner.AssumedBytesPerSecond <= 0 {
		return fmt.Errorf("assumed_bytes_per_second must be greater than 0")
	}

	if c.Memory.Enabled {
		if _, err := c.MemorySoftLimitBytes(); err != nil {
			return fmt.Errorf("invalid memory soft_limit: %w", err)
		}
		if c.Memory.SampleInterval <= 0 {
			return fmt.Errorf("memory sample_interval must be greater than 0")
		}
	}

	switch c.Transport.Kind {
	case "http":
	case "s3":
		if c.Transport.S3.Region == "" {
			return fmt.Errorf("s3 transport requires a region")
		}
	default:
		return fmt.Errorf("invalid transport kind: %s (must be one of: http, s3)", c.Transport.Kind)
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.ToUpper(c.Global.LogLevel) == level {
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
