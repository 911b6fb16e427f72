package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/technosupport/ts-utm/internal/data"
	"github.com/technosupport/ts-utm/internal/ratelimit"
)

type Config struct {
	Env         string            `yaml:"env"`
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	NATS        NATSConfig        `yaml:"nats"`
	JWT         JWTConfig         `yaml:"jwt"`
	Engine      EngineConfig      `yaml:"engine"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Executor    ExecutorConfig    `yaml:"executor"`
	Protocols   ProtocolsConfig   `yaml:"protocols"`
	Persistence PersistenceConfig `yaml:"persistence"`
	RateLimit   ratelimit.Config  `yaml:"rate_limit"`
}

type ServerConfig struct {
	Addr              string `yaml:"addr"`
	ShutdownTimeoutMs int    `yaml:"shutdown_timeout_ms"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type RedisConfig struct {
	Addr               string `yaml:"addr"`
	SnapshotTTLSeconds int    `yaml:"snapshot_ttl_seconds"`
}

type NATSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	URL             string `yaml:"url"`
	Prefix          string `yaml:"prefix"`
	PublishRetryMax int    `yaml:"publish_retry_max"`
}

type JWTConfig struct {
	SigningKey string `yaml:"signing_key"`
	TTLMinutes int    `yaml:"ttl_minutes"`
}

type EngineConfig struct {
	Mode             data.OperationMode `yaml:"mode"`
	HandledCacheSize int                `yaml:"handled_cache_size"`
}

type IngestConfig struct {
	Shards          int `yaml:"shards"`
	ShardSize       int `yaml:"shard_size"`
	DedupMaxKeys    int `yaml:"dedup_max_keys"`
	DedupTTLSeconds int `yaml:"dedup_ttl_seconds"`
}

const (
	CompletionSimulated = "simulated"
	CompletionAck       = "ack"
)

type ExecutorConfig struct {
	Workers              int     `yaml:"workers"`
	QueueSize            int     `yaml:"queue_size"`
	ActionTimeoutSeconds int     `yaml:"action_timeout_seconds"`
	Completion           string  `yaml:"completion"`
	AckTimeoutSeconds    int     `yaml:"ack_timeout_seconds"`
	SimulationScale      float64 `yaml:"simulation_scale"`
}

type ProtocolsConfig struct {
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

type PersistenceConfig struct {
	QueueSize             int    `yaml:"queue_size"`
	WriteTimeoutMs        int    `yaml:"write_timeout_ms"`
	SpoolDir              string `yaml:"spool_dir"`
	SpoolMaxMB            int64  `yaml:"spool_max_mb"`
	ReplayIntervalSeconds int    `yaml:"replay_interval_seconds"`
	RetentionHours        int    `yaml:"retention_hours"`
}

// Load reads the YAML file at path, applies environment overrides and fills
// defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	override := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	override("APP_ENV", &c.Env)
	override("HTTP_ADDR", &c.Server.Addr)
	override("DB_HOST", &c.Database.Host)
	override("DB_USER", &c.Database.User)
	override("DB_PASSWORD", &c.Database.Password)
	override("DB_NAME", &c.Database.Name)
	override("REDIS_ADDR", &c.Redis.Addr)
	override("NATS_URL", &c.NATS.URL)
	override("JWT_SIGNING_KEY", &c.JWT.SigningKey)
	override("PROTOCOLS_FILE", &c.Protocols.File)
	override("RATE_LIMIT_SALT", &c.RateLimit.Salt)
}

func (c *Config) applyDefaults() {
	if c.Env == "" {
		c.Env = "development"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ShutdownTimeoutMs <= 0 {
		c.Server.ShutdownTimeoutMs = 15000
	}
	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.NATS.Prefix == "" {
		c.NATS.Prefix = "utm"
	}
	if c.NATS.PublishRetryMax == 0 {
		c.NATS.PublishRetryMax = 3
	}
	if c.JWT.SigningKey == "" {
		c.JWT.SigningKey = "dev-secret-do-not-use-in-prod"
	}
	if c.JWT.TTLMinutes <= 0 {
		c.JWT.TTLMinutes = 60
	}
	if c.Engine.Mode == "" {
		c.Engine.Mode = data.ModeAuto
	}
	if c.Executor.Completion == "" {
		c.Executor.Completion = CompletionSimulated
	}
	if c.Executor.AckTimeoutSeconds <= 0 {
		c.Executor.AckTimeoutSeconds = 30
	}
	if c.Executor.SimulationScale <= 0 {
		c.Executor.SimulationScale = 1
	}
	if c.Persistence.SpoolDir == "" {
		c.Persistence.SpoolDir = "var/spool"
	}
	if c.Persistence.RetentionHours <= 0 {
		c.Persistence.RetentionHours = 24
	}
}

func (c *Config) Validate() error {
	if !c.Engine.Mode.Valid() {
		return fmt.Errorf("engine.mode: unknown operation mode %q", c.Engine.Mode)
	}
	switch c.Executor.Completion {
	case CompletionSimulated, CompletionAck:
	default:
		return fmt.Errorf("executor.completion: must be %q or %q", CompletionSimulated, CompletionAck)
	}
	if c.Env == "production" && c.JWT.SigningKey == "dev-secret-do-not-use-in-prod" {
		return errors.New("jwt.signing_key must be set in production")
	}
	return nil
}

func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMs) * time.Millisecond
}

func (c RedisConfig) SnapshotTTL() time.Duration {
	return time.Duration(c.SnapshotTTLSeconds) * time.Second
}

func (c JWTConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

func (c IngestConfig) DedupTTL() time.Duration {
	return time.Duration(c.DedupTTLSeconds) * time.Second
}

func (c ExecutorConfig) ActionTimeout() time.Duration {
	return time.Duration(c.ActionTimeoutSeconds) * time.Second
}

func (c ExecutorConfig) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutSeconds) * time.Second
}

func (c PersistenceConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMs) * time.Millisecond
}

func (c PersistenceConfig) ReplayInterval() time.Duration {
	return time.Duration(c.ReplayIntervalSeconds) * time.Second
}

func (c PersistenceConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}
