// Package config provides unified configuration loading for PageLens.
// Supports YAML files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for PageLens.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Storage       StorageConfig       `yaml:"storage"`
	Vector        VectorConfig        `yaml:"vector"`
	Catalog       CatalogConfig       `yaml:"catalog"`
	Registry      RegistryConfig      `yaml:"registry"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// PipelineConfig holds ingestion pipeline settings.
type PipelineConfig struct {
	BatchSize          int           `yaml:"batch_size"`
	VectorBatchSize    int           `yaml:"vector_batch_size"`
	MaxInFlightBatches int           `yaml:"max_in_flight_batches"`
	MaxConcurrentFiles int           `yaml:"max_concurrent_files"`
	StorageConcurrency int           `yaml:"storage_concurrency"`
	EmbedConcurrency   int           `yaml:"embed_concurrency"`
	MaxRetries         int           `yaml:"max_retries"`
	RetryBase          time.Duration `yaml:"retry_base"`
	EmbedRate          float64       `yaml:"embed_rate"` // embedding calls per second, <= 0 disables throttling
	RasterQuality      int           `yaml:"raster_quality"`
	RasterWorkers      int           `yaml:"raster_workers"`
	TempDir            string        `yaml:"temp_dir"`
}

// EmbeddingConfig holds vision-embedding service settings.
type EmbeddingConfig struct {
	BaseURL             string        `yaml:"base_url"`
	APIKey              string        `yaml:"api_key"`
	Model               string        `yaml:"model"`
	Dimension           int           `yaml:"dimension"`
	EnablePooledVectors bool          `yaml:"enable_pooled_vectors"`
	Timeout             time.Duration `yaml:"timeout"`
}

// StorageConfig holds object-storage service settings.
type StorageConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Format  string        `yaml:"format"`
	Quality int           `yaml:"quality"`
	Timeout time.Duration `yaml:"timeout"`
}

// VectorConfig holds vector database settings.
type VectorConfig struct {
	Driver     string        `yaml:"driver"` // memory or http
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Collection string        `yaml:"collection"`
	Timeout    time.Duration `yaml:"timeout"`
}

// CatalogConfig holds the page catalog settings.
type CatalogConfig struct {
	Driver string `yaml:"driver"` // none or sqlite
	Path   string `yaml:"path"`
}

// RegistryConfig holds job registry settings.
type RegistryConfig struct {
	TerminalJobTTL time.Duration `yaml:"terminal_job_ttl"`
	CacheDriver    string        `yaml:"cache_driver"` // memory or redis
	Redis          RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8086,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     30 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 10 * time.Second,
		},
		Pipeline: PipelineConfig{
			BatchSize:          4,
			VectorBatchSize:    16,
			MaxInFlightBatches: 4,
			MaxConcurrentFiles: 2,
			StorageConcurrency: 4,
			EmbedConcurrency:   2,
			MaxRetries:         3,
			RetryBase:          500 * time.Millisecond,
			EmbedRate:          4,
			RasterQuality:      90,
			RasterWorkers:      2,
		},
		Embedding: EmbeddingConfig{
			Model:     "vidore/colqwen2-v1.0",
			Dimension: 128,
			Timeout:   120 * time.Second,
		},
		Storage: StorageConfig{
			Format:  "jpeg",
			Quality: 90,
			Timeout: 60 * time.Second,
		},
		Vector: VectorConfig{
			Driver:     "memory",
			Collection: "pagelens_pages",
			Timeout:    30 * time.Second,
		},
		Catalog: CatalogConfig{
			Driver: "sqlite",
			Path:   "/tmp/pagelens.db",
		},
		Registry: RegistryConfig{
			TerminalJobTTL: 5 * time.Minute,
			CacheDriver:    "memory",
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				DB:       0,
				PoolSize: 10,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:  "debug",
			LogFormat: "json",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Pipeline.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1")
	}

	if c.Pipeline.VectorBatchSize < 1 {
		return fmt.Errorf("vector_batch_size must be at least 1")
	}

	if c.Pipeline.RasterQuality < 1 || c.Pipeline.RasterQuality > 100 {
		return fmt.Errorf("raster_quality must be between 1 and 100")
	}

	if c.Vector.Driver != "memory" && c.Vector.Driver != "http" {
		return fmt.Errorf("invalid vector driver: %s", c.Vector.Driver)
	}

	if c.Catalog.Driver != "none" && c.Catalog.Driver != "sqlite" {
		return fmt.Errorf("invalid catalog driver: %s", c.Catalog.Driver)
	}

	if c.Registry.CacheDriver != "memory" && c.Registry.CacheDriver != "redis" {
		return fmt.Errorf("invalid registry cache driver: %s", c.Registry.CacheDriver)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}

	if v := os.Getenv("EMBEDDING_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}

	if v := os.Getenv("EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}

	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}

	if v := os.Getenv("STORAGE_BASE_URL"); v != "" {
		cfg.Storage.BaseURL = v
	}

	if v := os.Getenv("STORAGE_API_KEY"); v != "" {
		cfg.Storage.APIKey = v
	}

	if v := os.Getenv("VECTOR_BASE_URL"); v != "" {
		cfg.Vector.Driver = "http"
		cfg.Vector.BaseURL = v
	}

	if v := os.Getenv("VECTOR_COLLECTION"); v != "" {
		cfg.Vector.Collection = v
	}

	if v := os.Getenv("CATALOG_PATH"); v != "" {
		cfg.Catalog.Driver = "sqlite"
		cfg.Catalog.Path = v
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Registry.CacheDriver = "redis"
		cfg.Registry.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}

	if v := os.Getenv("EMBED_RATE"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Pipeline.EmbedRate = rate
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}
