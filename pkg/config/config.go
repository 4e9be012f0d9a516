package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the main configuration for the demux engine
type Config struct {
	// Fetcher configuration (HTTP + S3 backends)
	Fetcher FetcherConfig `json:"fetcher" yaml:"fetcher"`

	// Cache configuration (response cache in front of the fetcher)
	Cache CacheConfig `json:"cache" yaml:"cache"`

	// Queue configuration (per-track output queue)
	Queue QueueConfig `json:"queue" yaml:"queue"`

	// CDN configuration (URL rewriting before fetch)
	CDN CDNConfig `json:"cdn" yaml:"cdn"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// FetcherConfig holds URI-fetcher configuration
type FetcherConfig struct {
	// ConnectTimeout is loaded and defaulted but not read by any fetcher
	// backend; the HTTP backend bounds a call only by RequestTimeout
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`

	// RequestTimeout bounds a single fetch_blob/stream call
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`

	// MaxRetries is loaded and defaulted but not read by any fetcher
	// backend: a failed fetch is not retried
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// RetryDelay is loaded and defaulted but not read by any fetcher backend
	RetryDelay time.Duration `json:"retry_delay" yaml:"retry_delay"`

	// S3 configuration, used when a playlist/segment/key URI has scheme "s3"
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3-compatible storage configuration for the S3 fetch backend
type S3Config struct {
	// Endpoint is the S3-compatible endpoint URL (empty uses AWS default)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// AccessKeyID is the S3 access key (empty uses the default credential chain)
	AccessKeyID string `json:"access_key_id" yaml:"access_key_id"`

	// SecretAccessKey is the S3 secret key
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key"`
}

// CacheConfig holds response-cache configuration for the fetcher
type CacheConfig struct {
	// Enabled wraps the fetcher with a response cache
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Backend selects "memory" or "redis"
	Backend string `json:"backend" yaml:"backend"`

	// TTL is the default cache entry lifetime
	TTL time.Duration `json:"ttl" yaml:"ttl"`

	// Redis configuration, used when Backend == "redis"
	Redis RedisConfig `json:"redis" yaml:"redis"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	// Address is the Redis server address (host:port)
	Address string `json:"address" yaml:"address"`

	// Password is the Redis password (optional)
	Password string `json:"password" yaml:"password"`

	// DB is the Redis database number
	DB int `json:"db" yaml:"db"`

	// KeyPrefix namespaces cache keys written by this engine
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// QueueConfig holds per-track output queue configuration
type QueueConfig struct {
	// ByteBudget is the admission ceiling for visible (buffer) items, in
	// bytes (default 256 KiB)
	ByteBudget int `json:"byte_budget" yaml:"byte_budget"`
}

// CDNConfig holds CDN URL-rewriting configuration
type CDNConfig struct {
	// Enabled rewrites segment/key/map URIs through BaseURL before fetch
	Enabled bool `json:"enabled" yaml:"enabled"`

	// BaseURL is the CDN base URL that replaces the origin host
	BaseURL string `json:"base_url" yaml:"base_url"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error)
	Level string `json:"level" yaml:"level"`

	// Format is the log format (json, text)
	Format string `json:"format" yaml:"format"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Fetcher: FetcherConfig{
			ConnectTimeout: 10 * time.Second,
			RequestTimeout: 30 * time.Second,
			MaxRetries:     3,
			RetryDelay:     500 * time.Millisecond,
			S3:             S3Config{Region: "us-east-1"},
		},
		Cache: CacheConfig{
			Enabled: false,
			Backend: "memory",
			TTL:     5 * time.Minute,
			Redis: RedisConfig{
				Address:   "localhost:6379",
				KeyPrefix: "hlsdemux",
			},
		},
		Queue: QueueConfig{
			ByteBudget: 256 * 1024,
		},
		CDN: CDNConfig{
			Enabled: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file, applying defaults for anything
// the file does not set
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.loadFromEnv()

	return cfg, nil
}

// loadFromEnv overrides config from environment variables
func (c *Config) loadFromEnv() {
	if redisAddr := os.Getenv("HLSDEMUX_REDIS_ADDR"); redisAddr != "" {
		c.Cache.Redis.Address = redisAddr
	}
	if redisPass := os.Getenv("HLSDEMUX_REDIS_PASSWORD"); redisPass != "" {
		c.Cache.Redis.Password = redisPass
	}
	if level := os.Getenv("HLSDEMUX_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}
