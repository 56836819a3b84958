package config

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// =============================================================================
// Load Tests
// =============================================================================

// TestLoad_OverridesDefaults verifies file values win and absent fields keep defaults.
func TestLoad_OverridesDefaults(t *testing.T) {
	t.Setenv("RESPONSEFORGE_ENVIRONMENT", "")
	path := writeConfig(t, `
server:
  port: 9090
engine:
  environment: staging
  policy_path: /etc/responseforge/policy.yaml
execution:
  dry_run: false
  action_timeout: 45s
redis:
  enabled: true
  addr: redis:6379
executors:
  redis:
    enabled: true
  kubernetes:
    enabled: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "staging", cfg.Engine.Environment)
	assert.Equal(t, "/etc/responseforge/policy.yaml", cfg.Engine.PolicyPath)
	assert.False(t, cfg.Execution.DryRun)
	assert.Equal(t, 45*time.Second, cfg.Execution.ActionTimeout)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)

	// untouched sections
	assert.True(t, cfg.Execution.StopOnFailure)
	assert.Equal(t, 256, cfg.Engine.PlanCacheSize)
	assert.Equal(t, "responseforge:tickets", cfg.Executors.Redis.TicketStream)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)

	assert.Equal(t, []string{"redis", "kubernetes"}, cfg.EnabledExecutors())
}

// TestLoad_EnvironmentOverride verifies RESPONSEFORGE_ENVIRONMENT wins over the file.
func TestLoad_EnvironmentOverride(t *testing.T) {
	t.Setenv("RESPONSEFORGE_ENVIRONMENT", "prod")
	cfg, err := Load(writeConfig(t, "engine:\n  environment: staging\n"))
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.Engine.Environment)
}

// TestLoad_Errors verifies missing, malformed and invalid files are rejected.
func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrNotExist)

	_, err = Load(writeConfig(t, "server: [not, a, map"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")

	_, err = Load(writeConfig(t, "server:\n  port: 70000\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid server port 70000")
}

// =============================================================================
// Validate Tests
// =============================================================================

// TestValidate verifies each cross-field rule.
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"defaults", func(*Config) {}, ""},
		{"zero port", func(c *Config) { c.Server.Port = 0 }, "invalid server port 0"},
		{"splunk without url", func(c *Config) { c.Audit.Splunk.Enabled = true }, "audit.splunk.hec_url"},
		{"aws without acl", func(c *Config) { c.Executors.AWS.Enabled = true }, "network_acl_id"},
		{"redis executor without redis", func(c *Config) { c.Executors.Redis.Enabled = true }, "executors.redis requires redis.enabled"},
		{"rate limit without window", func(c *Config) { c.RateLimit.Window = 0 }, "rate_limit requires"},
		{"rate limit window too short", func(c *Config) {
			c.RateLimit.Requests = 1000
			c.RateLimit.Window = 100 * time.Nanosecond
		}, "too short for 1000 requests"},
		{"rate limit disabled", func(c *Config) {
			c.RateLimit.Enabled = false
			c.RateLimit.Requests = 0
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// TestDefaultConfig verifies the safe defaults.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "dev", cfg.Engine.Environment)
	assert.True(t, cfg.Execution.DryRun)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Empty(t, cfg.EnabledExecutors())
}

// TestLoad_ShippedConfig verifies the example config file is valid.
func TestLoad_ShippedConfig(t *testing.T) {
	t.Setenv("RESPONSEFORGE_ENVIRONMENT", "")
	cfg, err := Load(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.Engine.Environment)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Empty(t, cfg.EnabledExecutors())
}
