// Package config loads configuration from defaults, an optional YAML file
// and VLIST_* environment variables, in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fruitsalade/vlist/internal/logging"
	"github.com/fruitsalade/vlist/pkg/engine"
)

// Config holds all vlist configuration.
type Config struct {
	// Logging and metrics
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	LogOutput   string `yaml:"log_output"`
	MetricsAddr string `yaml:"metrics_addr"` // empty disables the metrics server

	// Viewport
	ItemHeight          string  `yaml:"item_height"` // pixels or "dynamic"
	EstimatedItemHeight float64 `yaml:"estimated_item_height"`
	ContainerSize       float64 `yaml:"container_size"`
	Overscan            int     `yaml:"overscan"`
	PreloadDistance     float64 `yaml:"preload_distance"`

	// Loading
	PageSize              int           `yaml:"page_size"`
	MaxConcurrentRequests int           `yaml:"max_concurrent_requests"`
	MaxRetries            int           `yaml:"max_retries"`
	BackoffBase           time.Duration `yaml:"backoff_base"`
	BackoffMax            time.Duration `yaml:"backoff_max"`
	BackoffJitter         float64       `yaml:"backoff_jitter"`

	// Caching
	CacheEnabled     bool `yaml:"cache_enabled"`
	CacheSize        int  `yaml:"cache_size"`
	OfflineCacheSize int  `yaml:"offline_cache_size"`
	EventBuffer      int  `yaml:"event_buffer"`

	// Local source
	Watch         bool          `yaml:"watch"`
	WatchDebounce time.Duration `yaml:"watch_debounce"`
	ShowHidden    bool          `yaml:"show_hidden"`

	// Remote source
	ServerURL      string        `yaml:"server_url"`
	TokenPath      string        `yaml:"token_path"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	HealthInterval time.Duration `yaml:"health_interval"`

	// Database source
	DatabaseURL string `yaml:"database_url"`

	// S3 source
	S3Endpoint     string `yaml:"s3_endpoint"`
	S3Bucket       string `yaml:"s3_bucket"`
	S3Region       string `yaml:"s3_region"`
	S3AccessKey    string `yaml:"s3_access_key"`
	S3SecretKey    string `yaml:"s3_secret_key"`
	S3UsePathStyle bool   `yaml:"s3_use_path_style"`
}

// Default returns the built-in configuration.
func Default() *Config {
	opts := engine.DefaultOptions()
	return &Config{
		LogLevel:    "info",
		LogFormat:   "console",
		LogOutput:   "stderr",
		MetricsAddr: "",

		ItemHeight:          opts.ItemHeight,
		EstimatedItemHeight: opts.EstimatedItemHeight,
		ContainerSize:       640,
		Overscan:            opts.Overscan,
		PreloadDistance:     opts.PreloadDistance,

		PageSize:              opts.PageSize,
		MaxConcurrentRequests: opts.MaxConcurrentRequests,
		MaxRetries:            opts.MaxRetries,
		BackoffBase:           opts.BackoffBase,
		BackoffMax:            opts.BackoffMax,
		BackoffJitter:         opts.BackoffJitter,

		CacheEnabled:     opts.CacheEnabled,
		CacheSize:        opts.CacheSize,
		OfflineCacheSize: opts.OfflineCacheSize,

		WatchDebounce: 200 * time.Millisecond,

		RequestTimeout: 30 * time.Second,
		HealthInterval: 10 * time.Second,

		S3Region: "us-east-1",
	}
}

// Load builds the configuration. path may be empty; a missing file is an
// error only when path was given explicitly.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.LogLevel = envOr("VLIST_LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("VLIST_LOG_FORMAT", c.LogFormat)
	c.LogOutput = envOr("VLIST_LOG_OUTPUT", c.LogOutput)
	c.MetricsAddr = envOr("VLIST_METRICS_ADDR", c.MetricsAddr)

	c.ItemHeight = envOr("VLIST_ITEM_HEIGHT", c.ItemHeight)
	c.EstimatedItemHeight = envFloat("VLIST_ESTIMATED_ITEM_HEIGHT", c.EstimatedItemHeight)
	c.ContainerSize = envFloat("VLIST_CONTAINER_SIZE", c.ContainerSize)
	c.Overscan = envInt("VLIST_OVERSCAN", c.Overscan)
	c.PreloadDistance = envFloat("VLIST_PRELOAD_DISTANCE", c.PreloadDistance)

	c.PageSize = envInt("VLIST_PAGE_SIZE", c.PageSize)
	c.MaxConcurrentRequests = envInt("VLIST_MAX_CONCURRENT_REQUESTS", c.MaxConcurrentRequests)
	c.MaxRetries = envInt("VLIST_MAX_RETRIES", c.MaxRetries)
	c.BackoffBase = envDuration("VLIST_BACKOFF_BASE", c.BackoffBase)
	c.BackoffMax = envDuration("VLIST_BACKOFF_MAX", c.BackoffMax)
	c.BackoffJitter = envFloat("VLIST_BACKOFF_JITTER", c.BackoffJitter)

	c.CacheEnabled = envBool("VLIST_CACHE_ENABLED", c.CacheEnabled)
	c.CacheSize = envInt("VLIST_CACHE_SIZE", c.CacheSize)
	c.OfflineCacheSize = envInt("VLIST_OFFLINE_CACHE_SIZE", c.OfflineCacheSize)
	c.EventBuffer = envInt("VLIST_EVENT_BUFFER", c.EventBuffer)

	c.Watch = envBool("VLIST_WATCH", c.Watch)
	c.WatchDebounce = envDuration("VLIST_WATCH_DEBOUNCE", c.WatchDebounce)
	c.ShowHidden = envBool("VLIST_SHOW_HIDDEN", c.ShowHidden)

	c.ServerURL = envOr("VLIST_SERVER_URL", c.ServerURL)
	c.TokenPath = envOr("VLIST_TOKEN_PATH", c.TokenPath)
	c.RequestTimeout = envDuration("VLIST_REQUEST_TIMEOUT", c.RequestTimeout)
	c.HealthInterval = envDuration("VLIST_HEALTH_INTERVAL", c.HealthInterval)

	c.DatabaseURL = envOr("VLIST_DATABASE_URL", c.DatabaseURL)

	c.S3Endpoint = envOr("VLIST_S3_ENDPOINT", c.S3Endpoint)
	c.S3Bucket = envOr("VLIST_S3_BUCKET", c.S3Bucket)
	c.S3Region = envOr("VLIST_S3_REGION", c.S3Region)
	c.S3AccessKey = envOr("VLIST_S3_ACCESS_KEY", c.S3AccessKey)
	c.S3SecretKey = envOr("VLIST_S3_SECRET_KEY", c.S3SecretKey)
	c.S3UsePathStyle = envBool("VLIST_S3_USE_PATH_STYLE", c.S3UsePathStyle)
}

// Validate checks the engine options plus the settings the sources need
// regardless of which one is used.
func (c *Config) Validate() error {
	if err := c.EngineOptions().Validate(); err != nil {
		return err
	}
	if c.WatchDebounce < 0 {
		return fmt.Errorf("watch debounce must be >= 0, got %v", c.WatchDebounce)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %v", c.RequestTimeout)
	}
	if c.HealthInterval <= 0 {
		return fmt.Errorf("health interval must be positive, got %v", c.HealthInterval)
	}
	return nil
}

// EngineOptions converts the configuration to engine options. Hooks such
// as Logger, Monitor and Recorder are left for the caller.
func (c *Config) EngineOptions() engine.Options {
	return engine.Options{
		ItemHeight:            c.ItemHeight,
		EstimatedItemHeight:   c.EstimatedItemHeight,
		Overscan:              c.Overscan,
		PageSize:              c.PageSize,
		PreloadDistance:       c.PreloadDistance,
		ContainerSize:         c.ContainerSize,
		CacheEnabled:          c.CacheEnabled,
		CacheSize:             c.CacheSize,
		OfflineCacheSize:      c.OfflineCacheSize,
		MaxConcurrentRequests: c.MaxConcurrentRequests,
		MaxRetries:            c.MaxRetries,
		BackoffBase:           c.BackoffBase,
		BackoffMax:            c.BackoffMax,
		BackoffJitter:         c.BackoffJitter,
		EventBuffer:           c.EventBuffer,
	}
}

// Logging returns the logger configuration.
func (c *Config) Logging() logging.Config {
	return logging.Config{
		Level:      c.LogLevel,
		Format:     c.LogFormat,
		OutputPath: c.LogOutput,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
