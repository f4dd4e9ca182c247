package core

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefaultConfig verifies that DefaultConfig returns valid defaults
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "opsquery", cfg.Name)
	assert.Equal(t, ":8080", cfg.HTTP.Address)
	assert.Equal(t, "memory", cfg.Trace.Store)
	assert.Equal(t, 24*time.Hour, cfg.Trace.TTL)
	assert.Equal(t, "memory", cfg.Assets.Store)

	// Breaker defaults
	assert.Equal(t, 5, cfg.Resilience.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 2, cfg.Resilience.CircuitBreaker.SuccessThreshold)
	assert.Equal(t, 30*time.Second, cfg.Resilience.CircuitBreaker.Timeout)
	assert.Equal(t, "global", cfg.Resilience.CircuitBreaker.Scope)

	assert.Equal(t, 2, cfg.Replan.MaxReplans)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("OPSQUERY_HTTP_ADDRESS", ":9090")
	t.Setenv("OPSQUERY_CB_FAILURE_THRESHOLD", "3")
	t.Setenv("OPSQUERY_CB_TIMEOUT", "5s")
	t.Setenv("OPSQUERY_ALLOWED_TRIGGERS", "EmptyResult, SlotMissing")
	t.Setenv("REDIS_URL", "redis://cache:6379")

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, ":9090", cfg.HTTP.Address)
	assert.Equal(t, 3, cfg.Resilience.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 5*time.Second, cfg.Resilience.CircuitBreaker.Timeout)
	assert.Equal(t, []string{"EmptyResult", "SlotMissing"}, cfg.Replan.AllowedTriggers)
	assert.Equal(t, "redis://cache:6379", cfg.Redis.URL)
}

func TestLoadFromEnvRejectsBadDuration(t *testing.T) {
	t.Setenv("OPSQUERY_TOOL_TIMEOUT", "soon")

	err := DefaultConfig().LoadFromEnv()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfiguration))
}

func TestLoadFromFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opsquery.yaml")
	content := `
name: plant-ops
trace:
  store: redis
redis:
  url: redis://localhost:6379
resilience:
  circuit_breaker:
    failure_threshold: 7
    timeout: 45s
  retry:
    max_retries: 1
tools:
  sql:
    - id: config_db
      dsn: "file:config.db"
      tenant_column: tenant_id
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := NewConfig(WithConfigFile(path))
	require.NoError(t, err)

	assert.Equal(t, "plant-ops", cfg.Name)
	assert.Equal(t, "redis", cfg.Trace.Store)
	assert.Equal(t, 7, cfg.Resilience.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 45*time.Second, cfg.Resilience.CircuitBreaker.Timeout)
	assert.Equal(t, 1, cfg.Resilience.Retry.MaxRetries)
	// Untouched defaults survive the overlay
	assert.Equal(t, 2, cfg.Resilience.CircuitBreaker.SuccessThreshold)
	require.Len(t, cfg.Tools.SQL, 1)
	assert.Equal(t, "tenant_id", cfg.Tools.SQL[0].TenantColumn)
}

func TestLoadFromFileUnsupportedExtension(t *testing.T) {
	err := DefaultConfig().LoadFromFile("config.toml")
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{
			name:    "missing name",
			mutate:  func(c *Config) { c.Name = "" },
			wantErr: ErrMissingConfiguration,
		},
		{
			name:    "redis store without url",
			mutate:  func(c *Config) { c.Trace.Store = "redis" },
			wantErr: ErrMissingConfiguration,
		},
		{
			name:    "unknown asset store",
			mutate:  func(c *Config) { c.Assets.Store = "etcd" },
			wantErr: ErrInvalidConfiguration,
		},
		{
			name:    "zero failure threshold",
			mutate:  func(c *Config) { c.Resilience.CircuitBreaker.FailureThreshold = 0 },
			wantErr: ErrInvalidConfiguration,
		},
		{
			name:    "bad breaker scope",
			mutate:  func(c *Config) { c.Resilience.CircuitBreaker.Scope = "region" },
			wantErr: ErrInvalidConfiguration,
		},
		{
			name:    "llm planner without key",
			mutate:  func(c *Config) { c.Planner.Kind = "llm" },
			wantErr: ErrMissingConfiguration,
		},
		{
			name:    "bedrock planner needs no key",
			mutate:  func(c *Config) { c.Planner.Kind = "llm"; c.Planner.Provider = "bedrock" },
			wantErr: nil,
		},
		{
			name:    "unknown llm provider",
			mutate:  func(c *Config) { c.Planner.Kind = "llm"; c.Planner.Provider = "palm"; c.Planner.APIKey = "k" },
			wantErr: ErrInvalidConfiguration,
		},
		{
			name:    "tenant scope is valid",
			mutate:  func(c *Config) { c.Resilience.CircuitBreaker.Scope = "tenant" },
			wantErr: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)

			var fe *FrameworkError
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, "Config.Validate", fe.Op)
		})
	}
}

func TestNewConfigOptionsOverrideEnv(t *testing.T) {
	t.Setenv("OPSQUERY_LOG_LEVEL", "warn")

	cfg, err := NewConfig(WithLogLevel("debug"), WithCircuitBreaker(3, time.Second))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 3, cfg.Resilience.CircuitBreaker.FailureThreshold)
}
