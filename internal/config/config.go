package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jmehdipour/subsync/internal/reconcile"
	"github.com/jmehdipour/subsync/internal/retry"
	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	Log        LogConfig       `mapstructure:"log"`
	HTTP       HTTPConfig      `mapstructure:"http"`
	Auth       AuthConfig      `mapstructure:"auth"`
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
	MySQL      DatabaseConfig  `mapstructure:"mysql"`
	ClickHouse DatabaseConfig  `mapstructure:"clickhouse"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Kafka      KafkaConfig     `mapstructure:"kafka"`
	Provider   ProviderConfig  `mapstructure:"provider"`
	Retry      RetryConfig     `mapstructure:"retry"`
	Reconcile  ReconcileConfig `mapstructure:"reconcile"`
	History    HistoryConfig   `mapstructure:"history"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"` // json | console
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	BodyLimit       string        `mapstructure:"body_limit"` // echo size string, e.g. 1M
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type AuthConfig struct {
	APIKeys []APIKeyConfig `mapstructure:"api_keys"`
}

type APIKeyConfig struct {
	Name string `mapstructure:"name"`
	Key  string `mapstructure:"key"`
	RPS  int    `mapstructure:"rps"` // 0 = rate_limit.rps
}

type RateLimitConfig struct {
	RPS int `mapstructure:"rps"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	URL         string        `mapstructure:"url"`
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	LockPrefix  string        `mapstructure:"lock_prefix"`
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	GroupID        string   `mapstructure:"group_id"`
	MinBytes       int      `mapstructure:"min_bytes"`
	MaxBytes       int      `mapstructure:"max_bytes"`
	CommitInterval int      `mapstructure:"commit_interval_ms"`
	StartOffset    string   `mapstructure:"start_offset"` // first | last
	IngestTopic    string   `mapstructure:"ingest_topic"`
	ResyncTopic    string   `mapstructure:"resync_topic"`
	Workers        int      `mapstructure:"workers"`
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"`
}

type ProviderConfig struct {
	// Name is "stripe" or "static"; static serves no subscriptions and is
	// meant for local runs.
	Name          string        `mapstructure:"name"`
	APIKey        string        `mapstructure:"api_key"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	TimeoutMs     int           `mapstructure:"timeout_ms"`
	Breaker       BreakerConfig `mapstructure:"breaker"`
}

func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutMs) * time.Millisecond
}

type RetryConfig struct {
	MaxRetries        int           `mapstructure:"max_retries"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	Multiplier        float64       `mapstructure:"multiplier"`
	Jitter            float64       `mapstructure:"jitter"`
	Interval          time.Duration `mapstructure:"interval"`
	BatchSize         int           `mapstructure:"batch_size"`
	StalePendingAfter time.Duration `mapstructure:"stale_pending_after"`
}

func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		BaseDelay:  r.BaseDelay,
		MaxDelay:   r.MaxDelay,
		Multiplier: r.Multiplier,
		MaxRetries: r.MaxRetries,
		Jitter:     r.Jitter,
	}
}

type ReconcileConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	RepairPolicy string        `mapstructure:"repair_policy"` // "" | provider | local
	// Mode is "inline" to repair during the sweep or "outbox" to hand repairs
	// to the resync worker.
	Mode     string        `mapstructure:"mode"`
	PageSize int           `mapstructure:"page_size"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

type HistoryConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	BatchSize int           `mapstructure:"batch_size"`
	BatchWait time.Duration `mapstructure:"batch_wait"`
	Buffer    int           `mapstructure:"buffer"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (SUBSYNC_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read %s: %w", path, err)
		}
	}

	// env override (SUBSYNC_*), nested keys use underscores: SUBSYNC_MYSQL_DSN
	v.SetEnvPrefix("SUBSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := c.Retry.Policy().Validate(); err != nil {
		return err
	}
	if _, err := reconcile.ParsePolicy(c.Reconcile.RepairPolicy); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	switch c.Reconcile.Mode {
	case "inline", "outbox":
	default:
		return fmt.Errorf("reconcile: unknown mode %q", c.Reconcile.Mode)
	}
	switch c.Provider.Name {
	case "stripe", "static":
	default:
		return fmt.Errorf("provider: unknown name %q", c.Provider.Name)
	}
	for i, k := range c.Auth.APIKeys {
		if strings.TrimSpace(k.Key) == "" {
			return fmt.Errorf("auth: api_keys[%d] has an empty key", i)
		}
	}
	return nil
}
