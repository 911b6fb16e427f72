package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-utm/internal/data"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FileAndDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
database:
  user: utm
  name: utm
engine:
  mode: supervised
executor:
  workers: 4
  completion: ack
  ack_timeout_seconds: 12
persistence:
  write_timeout_ms: 2500
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, data.ModeSupervised, cfg.Engine.Mode)
	assert.Equal(t, 4, cfg.Executor.Workers)
	assert.Equal(t, 12*time.Second, cfg.Executor.AckTimeout())
	assert.Equal(t, 2500*time.Millisecond, cfg.Persistence.WriteTimeout())
	assert.Equal(t, "postgres://utm:@localhost:5432/utm?sslmode=disable", cfg.Database.DSN())
	assert.Equal(t, "utm", cfg.NATS.Prefix)
	assert.Equal(t, "development", cfg.Env)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "redis:\n  addr: file:6379\n")
	t.Setenv("REDIS_ADDR", "env:6379")
	t.Setenv("DB_PASSWORD", "s3cret")
	t.Setenv("HTTP_ADDR", ":7000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env:6379", cfg.Redis.Addr)
	assert.Equal(t, "s3cret", cfg.Database.Password)
	assert.Equal(t, ":7000", cfg.Server.Addr)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, data.ModeAuto, cfg.Engine.Mode)
	assert.Equal(t, CompletionSimulated, cfg.Executor.Completion)
}

func TestLoad_Invalid(t *testing.T) {
	_, err := Load(writeConfig(t, "engine:\n  mode: yolo\n"))
	assert.ErrorContains(t, err, "engine.mode")

	_, err = Load(writeConfig(t, "executor:\n  completion: radio\n"))
	assert.ErrorContains(t, err, "executor.completion")

	_, err = Load(writeConfig(t, "server: [\n"))
	assert.ErrorContains(t, err, "parse config")

	t.Setenv("APP_ENV", "production")
	_, err = Load(writeConfig(t, "{}\n"))
	assert.ErrorContains(t, err, "signing_key")
}

func TestLoad_RateLimit(t *testing.T) {
	path := writeConfig(t, `
rate_limit:
  salt: pepper
  ip:
    rate: 120
    window: 1m
  user:
    rate: 30
    window: 10s
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "pepper", cfg.RateLimit.Salt)
	assert.Equal(t, 120, cfg.RateLimit.IP.Rate)
	assert.Equal(t, time.Minute, cfg.RateLimit.IP.Window)
	assert.True(t, cfg.RateLimit.User.Enabled())
	assert.Equal(t, 10*time.Second, cfg.RateLimit.User.Window)
}
