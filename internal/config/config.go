package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store and lock backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config is the process configuration.
type Config struct {
	HTTPAddr  string        `yaml:"http_addr"`
	LogLevel  string        `yaml:"log_level"`
	LogPretty bool          `yaml:"log_pretty"`
	Store     StoreConfig   `yaml:"store"`
	Lock      LockConfig    `yaml:"lock"`
	Events    EventsConfig  `yaml:"events"`
	Auth      AuthConfig    `yaml:"auth"`
	Shutdown  time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects the ledger store.
type StoreConfig struct {
	Backend     string `yaml:"backend"`
	DatabaseURL string `yaml:"database_url"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
}

// LockConfig selects the lease lock table.
type LockConfig struct {
	Backend string        `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`
}

// EventsConfig configures entry event delivery.
type EventsConfig struct {
	WebhookURL   string        `yaml:"webhook_url"`
	RedisChannel string        `yaml:"redis_channel"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBase    time.Duration `yaml:"retry_base"`
	BufferSize   int           `yaml:"buffer_size"`
	Workers      int           `yaml:"workers"`
	DeadLetter   bool          `yaml:"dead_letter"`
}

// AuthConfig configures bearer token verification. An empty secret disables auth.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
	Audience  string `yaml:"audience"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		LogLevel: "info",
		Store: StoreConfig{
			Backend:     BackendMemory,
			RedisAddr:   "localhost:6379",
			RedisPrefix: "ledger",
		},
		Lock: LockConfig{
			Backend: BackendMemory,
			TTL:     30 * time.Second,
		},
		Events: EventsConfig{
			RedisChannel: "allocation.events",
			MaxRetries:   3,
			RetryBase:    200 * time.Millisecond,
			BufferSize:   256,
			Workers:      2,
		},
		Shutdown: 10 * time.Second,
	}
}

// Load reads .env when present, then the YAML file named by ALLOCATION_CONFIG,
// then environment overrides.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	cfg := Default()
	if path := os.Getenv("ALLOCATION_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return cfg, err
		}
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getenvDefault("HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = getenvDefault("LOG_LEVEL", c.LogLevel)
	c.LogPretty = getenvBool("LOG_PRETTY", c.LogPretty)
	c.Store.Backend = strings.ToLower(getenvDefault("STORE_BACKEND", c.Store.Backend))
	c.Store.DatabaseURL = getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", c.Store.DatabaseURL))
	c.Store.RedisAddr = getenvDefault("REDIS_ADDR", c.Store.RedisAddr)
	c.Store.RedisPrefix = getenvDefault("REDIS_PREFIX", c.Store.RedisPrefix)
	c.Lock.Backend = strings.ToLower(getenvDefault("LOCK_BACKEND", c.Lock.Backend))
	c.Lock.TTL = getenvDuration("LOCK_TTL", c.Lock.TTL)
	c.Events.WebhookURL = getenvDefault("EVENTS_WEBHOOK_URL", c.Events.WebhookURL)
	c.Events.RedisChannel = getenvDefault("EVENTS_REDIS_CHANNEL", c.Events.RedisChannel)
	c.Events.MaxRetries = getenvIntDefault("EVENTS_MAX_RETRIES", c.Events.MaxRetries)
	c.Events.RetryBase = getenvDuration("EVENTS_RETRY_BASE", c.Events.RetryBase)
	c.Events.BufferSize = getenvIntDefault("EVENTS_BUFFER_SIZE", c.Events.BufferSize)
	c.Events.Workers = getenvIntDefault("EVENTS_WORKERS", c.Events.Workers)
	c.Events.DeadLetter = getenvBool("EVENTS_DEAD_LETTER", c.Events.DeadLetter)
	c.Auth.JWTSecret = getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", c.Auth.JWTSecret))
	c.Auth.Issuer = getenvDefault("AUTH_JWT_ISSUER", c.Auth.Issuer)
	c.Auth.Audience = getenvDefault("AUTH_JWT_AUDIENCE", c.Auth.Audience)
	c.Shutdown = getenvDuration("SHUTDOWN_TIMEOUT", c.Shutdown)
}

// Validate checks backend names and the settings each backend needs.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if c.Store.DatabaseURL == "" {
			return errors.New("config: postgres store requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	switch c.Lock.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("config: unknown lock backend %q", c.Lock.Backend)
	}
	if c.Lock.TTL <= 0 {
		return errors.New("config: lock ttl must be positive")
	}
	if c.Events.DeadLetter && c.Store.DatabaseURL == "" {
		return errors.New("config: dead letter store requires DATABASE_URL")
	}
	return nil
}

// UsesRedis reports whether any component needs a Redis client.
func (c Config) UsesRedis() bool {
	return c.Store.Backend == BackendRedis || c.Lock.Backend == BackendRedis
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
