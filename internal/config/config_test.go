package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, time.Minute, cfg.Retry.BaseDelay)
	assert.Equal(t, time.Hour, cfg.Retry.MaxDelay)
	assert.Equal(t, "inline", cfg.Reconcile.Mode)
	assert.Equal(t, "", cfg.Reconcile.RepairPolicy)
	assert.Equal(t, 10*time.Second, cfg.Provider.Timeout())
	assert.Equal(t, []string{"127.0.0.1:9092"}, cfg.Kafka.Brokers)
	assert.False(t, cfg.History.Enabled)
}

func TestLoad_MissingFileIsIgnored(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.NoError(t, err)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
reconcile:
  repair_policy: local
auth:
  api_keys:
    - name: ops
      key: secret
      rps: 5
`), 0o600))
	t.Setenv("SUBSYNC_RETRY_MAX_RETRIES", "3")
	t.Setenv("SUBSYNC_MYSQL_DSN", "u:p@tcp(db:3306)/x")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.Reconcile.RepairPolicy)
	require.Len(t, cfg.Auth.APIKeys, 1)
	assert.Equal(t, APIKeyConfig{Name: "ops", Key: "secret", RPS: 5}, cfg.Auth.APIKeys[0])
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, "u:p@tcp(db:3306)/x", cfg.MySQL.DSN)
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	cases := map[string]func(c *Config){
		"repair policy": func(c *Config) { c.Reconcile.RepairPolicy = "both" },
		"mode":          func(c *Config) { c.Reconcile.Mode = "async" },
		"provider":      func(c *Config) { c.Provider.Name = "paypal" },
		"retry":         func(c *Config) { c.Retry.Multiplier = 0.5 },
		"empty key":     func(c *Config) { c.Auth.APIKeys = []APIKeyConfig{{Name: "x"}} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
	assert.NoError(t, base.Validate())
}
