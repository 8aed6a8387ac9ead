// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	DataDir  string `yaml:"dataDir"`  // Base directory for the allocator database
	Port     int    `yaml:"port"`     // HTTP port
	LogLevel string `yaml:"logLevel"` // debug, info, warn, error
	DevMode  bool   `yaml:"devMode"`  // Pretty console logging

	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Cache        CacheConfig        `yaml:"cache"`
}

// OrchestratorConfig tunes the outbox claim loop, worker pool and reaper.
type OrchestratorConfig struct {
	PollInterval   time.Duration `yaml:"pollInterval"`   // outbox claim loop interval
	ClaimBatch     int           `yaml:"claimBatch"`     // rows claimed per poll
	MaxAttempts    int           `yaml:"maxAttempts"`    // attempt budget per outbox entry
	Workers        int           `yaml:"workers"`        // worker pool size
	ReaperInterval time.Duration `yaml:"reaperInterval"` // stuck-job scan interval
	StaleAfter     time.Duration `yaml:"staleAfter"`     // processing age before reap
}

// CacheConfig tunes the hot matrix cache.
type CacheConfig struct {
	HotTTL time.Duration `yaml:"hotTTL"` // hot-tier eviction horizon
}

// Load reads configuration from environment variables, with an optional YAML
// file (ALLOCATOR_CONFIG) layered underneath. Env vars win over the file.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := defaults()

	if path := os.Getenv("ALLOCATOR_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.DataDir = getEnv("ALLOCATOR_DATA_DIR", cfg.DataDir)
	cfg.Port = getEnvAsInt("ALLOCATOR_PORT", cfg.Port)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.DevMode = getEnvAsBool("DEV_MODE", cfg.DevMode)

	absDataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	cfg.DataDir = absDataDir

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		DataDir:  "./data",
		Port:     8080,
		LogLevel: "info",
		DevMode:  false,
		Orchestrator: OrchestratorConfig{
			PollInterval:   1 * time.Second,
			ClaimBatch:     10,
			MaxAttempts:    5,
			Workers:        4,
			ReaperInterval: 60 * time.Second,
			StaleAfter:     5 * time.Minute,
		},
		Cache: CacheConfig{
			HotTTL: 24 * time.Hour,
		},
	}
}

// loadFile overlays values from a YAML config file.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.Orchestrator.Workers <= 0 {
		return fmt.Errorf("orchestrator workers must be positive, got %d", c.Orchestrator.Workers)
	}
	if c.Orchestrator.ClaimBatch <= 0 {
		return fmt.Errorf("orchestrator claim batch must be positive, got %d", c.Orchestrator.ClaimBatch)
	}
	if c.Orchestrator.MaxAttempts <= 0 {
		return fmt.Errorf("orchestrator max attempts must be positive, got %d", c.Orchestrator.MaxAttempts)
	}
	return nil
}

// DatabasePath returns the path of the allocator database file.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "allocator.db")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
