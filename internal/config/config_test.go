package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"ALLOCATION_CONFIG", "DATABASE_URL", "PG_DSN", "STORE_BACKEND", "LOCK_BACKEND", "LOCK_TTL", "EVENTS_DEAD_LETTER", "EVENTS_MAX_RETRIES", "HTTP_ADDR"} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, 30*time.Second, cfg.Lock.TTL)
	assert.Equal(t, 3, cfg.Events.MaxRetries)
	assert.Equal(t, 200*time.Millisecond, cfg.Events.RetryBase)
	assert.False(t, cfg.UsesRedis())
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "allocation.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":9090"
store:
  backend: redis
  redis_addr: "redis:6379"
lock:
  backend: redis
  ttl: 5s
events:
  webhook_url: "http://hooks.local/ledger"
  max_retries: 2
`), 0o600))
	t.Setenv("ALLOCATION_CONFIG", path)
	t.Setenv("HTTP_ADDR", ":7070")
	t.Setenv("LOCK_TTL", "12s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.HTTPAddr)
	assert.Equal(t, BackendRedis, cfg.Store.Backend)
	assert.Equal(t, "redis:6379", cfg.Store.RedisAddr)
	assert.Equal(t, 12*time.Second, cfg.Lock.TTL)
	assert.Equal(t, "http://hooks.local/ledger", cfg.Events.WebhookURL)
	assert.Equal(t, 2, cfg.Events.MaxRetries)
	assert.Equal(t, "allocation.events", cfg.Events.RedisChannel)
	assert.True(t, cfg.UsesRedis())
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("ALLOCATION_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown store", func(c *Config) { c.Store.Backend = "dynamo" }, `config: unknown store backend "dynamo"`},
		{"postgres without dsn", func(c *Config) { c.Store.Backend = BackendPostgres }, "config: postgres store requires DATABASE_URL"},
		{"unknown lock", func(c *Config) { c.Lock.Backend = "etcd" }, `config: unknown lock backend "etcd"`},
		{"zero ttl", func(c *Config) { c.Lock.TTL = 0 }, "config: lock ttl must be positive"},
		{"dead letter without dsn", func(c *Config) { c.Events.DeadLetter = true }, "config: dead letter store requires DATABASE_URL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.EqualError(t, cfg.Validate(), tc.want)
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestEnvParsersFallBack(t *testing.T) {
	t.Setenv("X_INT", "nope")
	t.Setenv("X_DUR", "soon")
	t.Setenv("X_BOOL", "maybe")
	assert.Equal(t, 4, getenvIntDefault("X_INT", 4))
	assert.Equal(t, time.Minute, getenvDuration("X_DUR", time.Minute))
	assert.True(t, getenvBool("X_BOOL", true))
}
