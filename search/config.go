package search

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all pictrace configuration.
type Config struct {
	Listen    string          `yaml:"listen"`
	Store     StoreConfig     `yaml:"store"`
	Provider  ProviderConfig  `yaml:"provider"`
	Limits    LimitsConfig    `yaml:"limits"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Cache     CacheConfig     `yaml:"cache"`
	Turnstile TurnstileConfig `yaml:"turnstile"`
	Admin     AdminConfig     `yaml:"admin"`
}

// StoreConfig selects the key/value backend.
type StoreConfig struct {
	Backend  string `yaml:"backend"` // "memory", "sqlite", "redis"
	Path     string `yaml:"path"`    // sqlite file
	Addr     string `yaml:"addr"`    // redis host:port
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ProviderConfig holds the upstream search API credentials.
type ProviderConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Login        string        `yaml:"login"`
	Password     string        `yaml:"password"`
	LocationCode int           `yaml:"location_code"`
	LanguageCode string        `yaml:"language_code"`
	MaxAttempts  int           `yaml:"max_attempts"`
	Timeout      time.Duration `yaml:"timeout"`
}

// LimitsConfig controls per-caller quotas.
type LimitsConfig struct {
	DailyPerCaller int `yaml:"daily_per_caller"`
}

// BreakerConfig controls the provider circuit breaker.
type BreakerConfig struct {
	Threshold    int           `yaml:"threshold"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// CacheConfig controls result and task-mapping lifetimes.
type CacheConfig struct {
	ResultTTL time.Duration `yaml:"result_ttl"`
	TaskTTL   time.Duration `yaml:"task_ttl"`
}

// TurnstileConfig enables challenge verification on the public HTTP
// surface when Secret is set.
type TurnstileConfig struct {
	Secret string `yaml:"secret"`
}

// AdminConfig protects the admin endpoints. PasswordHash is a bcrypt
// hash; the endpoints are disabled when either field is empty.
type AdminConfig struct {
	User         string `yaml:"user"`
	PasswordHash string `yaml:"password_hash"`
}

func (c *Config) defaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Store.Path == "" {
		c.Store.Path = "pictrace.db"
	}
	if c.Provider.LocationCode <= 0 {
		c.Provider.LocationCode = 2840
	}
	if c.Provider.LanguageCode == "" {
		c.Provider.LanguageCode = "en"
	}
	if c.Provider.MaxAttempts <= 0 {
		c.Provider.MaxAttempts = 3
	}
	if c.Provider.Timeout <= 0 {
		c.Provider.Timeout = 30 * time.Second
	}
	if c.Limits.DailyPerCaller <= 0 {
		c.Limits.DailyPerCaller = 100
	}
	if c.Breaker.Threshold <= 0 {
		c.Breaker.Threshold = 5
	}
	if c.Breaker.ResetTimeout <= 0 {
		c.Breaker.ResetTimeout = 30 * time.Second
	}
	if c.Breaker.HalfOpenMax <= 0 {
		c.Breaker.HalfOpenMax = 3
	}
	if c.Cache.ResultTTL <= 0 {
		c.Cache.ResultTTL = 48 * time.Hour
	}
	if c.Cache.TaskTTL <= 0 {
		c.Cache.TaskTTL = time.Hour
	}
}

// Normalize applies defaults and validates the result. Call after all
// sources (file, environment) have been merged.
func (c *Config) Normalize() error {
	c.defaults()
	return c.Validate()
}

// Validate rejects configurations that cannot serve traffic.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "sqlite":
	case "redis":
		if c.Store.Addr == "" {
			return errors.New("store.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Provider.BaseURL == "" {
		return errors.New("provider.base_url is required")
	}
	if c.Provider.Login == "" || c.Provider.Password == "" {
		return errors.New("provider credentials are required")
	}
	return nil
}

// LoadConfig reads a YAML config file. Defaults and validation are left
// to Normalize so callers can merge in environment overrides first.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}
