package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the query orchestration service.
// Priority, lowest first:
//  1. Default values
//  2. Environment variables (OPSQUERY_*)
//  3. Functional options, including WithConfigFile (YAML or JSON)
//
// Example usage:
//
//	cfg, err := NewConfig(
//	    WithConfigFile("opsquery.yaml"),
//	    WithRedisURL("redis://localhost:6379"),
//	)
type Config struct {
	Name      string `json:"name" yaml:"name" env:"OPSQUERY_NAME" default:"opsquery"`
	Namespace string `json:"namespace" yaml:"namespace" env:"OPSQUERY_NAMESPACE" default:"default"`

	HTTP       HTTPConfig       `json:"http" yaml:"http"`
	Redis      RedisConfig      `json:"redis" yaml:"redis"`
	Trace      TraceConfig      `json:"trace" yaml:"trace"`
	Assets     AssetsConfig     `json:"assets" yaml:"assets"`
	Resilience ResilienceConfig `json:"resilience" yaml:"resilience"`
	Replan     ReplanConfig     `json:"replan" yaml:"replan"`
	Telemetry  TelemetryConfig  `json:"telemetry" yaml:"telemetry"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	Planner    PlannerConfig    `json:"planner" yaml:"planner"`
	Tools      ToolsConfig      `json:"tools" yaml:"tools"`
}

// HTTPConfig contains HTTP API server settings
type HTTPConfig struct {
	Address         string        `json:"address" yaml:"address" env:"OPSQUERY_HTTP_ADDRESS" default:":8080"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout" env:"OPSQUERY_HTTP_READ_TIMEOUT" default:"30s"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout" env:"OPSQUERY_HTTP_WRITE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" default:"10s"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	URL       string `json:"url" yaml:"url" env:"OPSQUERY_REDIS_URL,REDIS_URL"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix" env:"OPSQUERY_REDIS_KEY_PREFIX" default:"opsquery:trace:"`
}

// TraceConfig selects the execution trace store
type TraceConfig struct {
	Store    string        `json:"store" yaml:"store" env:"OPSQUERY_TRACE_STORE" default:"memory"`
	TTL      time.Duration `json:"ttl" yaml:"ttl" env:"OPSQUERY_TRACE_TTL" default:"24h"`
	ErrorTTL time.Duration `json:"error_ttl" yaml:"error_ttl" env:"OPSQUERY_TRACE_ERROR_TTL" default:"168h"`
}

// AssetsConfig selects the asset store and its cache window
type AssetsConfig struct {
	Store    string        `json:"store" yaml:"store" env:"OPSQUERY_ASSET_STORE" default:"memory"`
	Path     string        `json:"path" yaml:"path" env:"OPSQUERY_ASSET_DB" default:"opsquery-assets.db"`
	Dir      string        `json:"dir" yaml:"dir" env:"OPSQUERY_ASSET_DIR"`
	Scope    string        `json:"scope" yaml:"scope" env:"OPSQUERY_ASSET_SCOPE" default:"default"`
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl" env:"OPSQUERY_ASSET_CACHE_TTL" default:"30s"`
}

// ResilienceConfig contains tool executor resilience settings
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	Retry          RetryConfig          `json:"retry" yaml:"retry"`
	ToolTimeout    time.Duration        `json:"tool_timeout" yaml:"tool_timeout" env:"OPSQUERY_TOOL_TIMEOUT" default:"10s"`
	MaxConcurrency int                  `json:"max_concurrency" yaml:"max_concurrency" env:"OPSQUERY_MAX_CONCURRENCY" default:"8"`
}

// CircuitBreakerConfig contains per-tool breaker defaults
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold" env:"OPSQUERY_CB_FAILURE_THRESHOLD" default:"5"`
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold" env:"OPSQUERY_CB_SUCCESS_THRESHOLD" default:"2"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout" env:"OPSQUERY_CB_TIMEOUT" default:"30s"`
	Scope            string        `json:"scope" yaml:"scope" env:"OPSQUERY_CB_SCOPE" default:"global"`
}

// RetryConfig contains tool retry defaults
type RetryConfig struct {
	MaxRetries int           `json:"max_retries" yaml:"max_retries" env:"OPSQUERY_RETRY_MAX" default:"2"`
	BaseDelay  time.Duration `json:"base_delay" yaml:"base_delay" env:"OPSQUERY_RETRY_BASE_DELAY" default:"100ms"`
	MaxDelay   time.Duration `json:"max_delay" yaml:"max_delay" env:"OPSQUERY_RETRY_MAX_DELAY" default:"2s"`
	Jitter     bool          `json:"jitter" yaml:"jitter" default:"true"`
}

// ReplanConfig holds control loop defaults used when a policy asset omits them
type ReplanConfig struct {
	MaxReplans      int           `json:"max_replans" yaml:"max_replans" env:"OPSQUERY_MAX_REPLANS" default:"2"`
	AllowedTriggers []string      `json:"allowed_triggers" yaml:"allowed_triggers" env:"OPSQUERY_ALLOWED_TRIGGERS"`
	MinInterval     time.Duration `json:"min_interval" yaml:"min_interval"`
	CoolingPeriod   time.Duration `json:"cooling_period" yaml:"cooling_period"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled" env:"OPSQUERY_TELEMETRY_ENABLED"`
	Exporter    string `json:"exporter" yaml:"exporter" env:"OPSQUERY_TELEMETRY_EXPORTER" default:"otlp"`
	Endpoint    string `json:"endpoint" yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName string `json:"service_name" yaml:"service_name" env:"OTEL_SERVICE_NAME" default:"opsquery"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"OPSQUERY_LOG_LEVEL" default:"info"`
	Format string `json:"format" yaml:"format" env:"OPSQUERY_LOG_FORMAT"`
	Output string `json:"output" yaml:"output" default:"stdout"`
}

// PlannerConfig selects the planner adapter
type PlannerConfig struct {
	Kind      string `json:"kind" yaml:"kind" env:"OPSQUERY_PLANNER" default:"rules"`
	RulesFile string `json:"rules_file" yaml:"rules_file" env:"OPSQUERY_PLANNER_RULES"`
	// Provider is "openai" (any OpenAI-compatible endpoint) or "bedrock"
	Provider string `json:"provider" yaml:"provider" env:"OPSQUERY_LLM_PROVIDER" default:"openai"`
	BaseURL  string `json:"base_url" yaml:"base_url" env:"OPSQUERY_LLM_BASE_URL"`
	APIKey   string `json:"-" yaml:"-" env:"OPSQUERY_LLM_API_KEY,OPENAI_API_KEY"`
	Model    string `json:"model" yaml:"model" env:"OPSQUERY_LLM_MODEL" default:"gpt-4o-mini"`
	// Region is the AWS region for bedrock; the SDK default chain applies when empty
	Region string `json:"region" yaml:"region" env:"OPSQUERY_LLM_REGION,AWS_REGION"`
}

// ToolsConfig declares the built-in tools to register at startup
type ToolsConfig struct {
	SQL  []SQLToolConfig  `json:"sql" yaml:"sql"`
	HTTP []HTTPToolConfig `json:"http" yaml:"http"`
}

// SQLToolConfig declares a read-only SQL data-access tool
type SQLToolConfig struct {
	ID           string `json:"id" yaml:"id"`
	Description  string `json:"description" yaml:"description"`
	DSN          string `json:"dsn" yaml:"dsn"`
	TenantColumn string `json:"tenant_column" yaml:"tenant_column"`
	// Params are extra named arguments a statement may reference as :name
	Params []string `json:"params" yaml:"params"`
}

// HTTPToolConfig declares a JSON HTTP API tool
type HTTPToolConfig struct {
	ID           string            `json:"id" yaml:"id"`
	Description  string            `json:"description" yaml:"description"`
	BaseURL      string            `json:"base_url" yaml:"base_url"`
	Path         string            `json:"path" yaml:"path"`
	Params       []string          `json:"params" yaml:"params"`
	Required     []string          `json:"required" yaml:"required"`
	RowsField    string            `json:"rows_field" yaml:"rows_field"`
	TenantColumn string            `json:"tenant_column" yaml:"tenant_column"`
	Headers      map[string]string `json:"headers" yaml:"headers"`
}

// Option configures Config
type Option func(*Config) error

// DefaultConfig returns a configuration with all defaults filled in.
func DefaultConfig() *Config {
	return &Config{
		Name:      "opsquery",
		Namespace: "default",
		HTTP: HTTPConfig{
			Address:         ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			KeyPrefix: "opsquery:trace:",
		},
		Trace: TraceConfig{
			Store:    "memory",
			TTL:      24 * time.Hour,
			ErrorTTL: 7 * 24 * time.Hour,
		},
		Assets: AssetsConfig{
			Store:    "memory",
			Path:     "opsquery-assets.db",
			Scope:    "default",
			CacheTTL: 30 * time.Second,
		},
		Resilience: ResilienceConfig{
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
				Scope:            "global",
			},
			Retry: RetryConfig{
				MaxRetries: 2,
				BaseDelay:  100 * time.Millisecond,
				MaxDelay:   2 * time.Second,
				Jitter:     true,
			},
			ToolTimeout:    10 * time.Second,
			MaxConcurrency: 8,
		},
		Replan: ReplanConfig{
			MaxReplans: 2,
		},
		Telemetry: TelemetryConfig{
			Exporter:    "otlp",
			ServiceName: "opsquery",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
		Planner: PlannerConfig{
			Kind:     "rules",
			Provider: "openai",
			Model:    "gpt-4o-mini",
		},
	}
}

// LoadFromEnv overlays OPSQUERY_* environment variables onto the config.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("OPSQUERY_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv("OPSQUERY_NAMESPACE"); v != "" {
		c.Namespace = v
	}

	// HTTP
	if v := os.Getenv("OPSQUERY_HTTP_ADDRESS"); v != "" {
		c.HTTP.Address = v
	}
	if err := envDuration("OPSQUERY_HTTP_READ_TIMEOUT", &c.HTTP.ReadTimeout); err != nil {
		return err
	}
	if err := envDuration("OPSQUERY_HTTP_WRITE_TIMEOUT", &c.HTTP.WriteTimeout); err != nil {
		return err
	}

	// Redis, with the conventional REDIS_URL as fallback
	if v := os.Getenv("OPSQUERY_REDIS_URL"); v != "" {
		c.Redis.URL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("OPSQUERY_REDIS_KEY_PREFIX"); v != "" {
		c.Redis.KeyPrefix = v
	}

	// Trace store
	if v := os.Getenv("OPSQUERY_TRACE_STORE"); v != "" {
		c.Trace.Store = v
	}
	if err := envDuration("OPSQUERY_TRACE_TTL", &c.Trace.TTL); err != nil {
		return err
	}
	if err := envDuration("OPSQUERY_TRACE_ERROR_TTL", &c.Trace.ErrorTTL); err != nil {
		return err
	}

	// Assets
	if v := os.Getenv("OPSQUERY_ASSET_STORE"); v != "" {
		c.Assets.Store = v
	}
	if v := os.Getenv("OPSQUERY_ASSET_DB"); v != "" {
		c.Assets.Path = v
	}
	if v := os.Getenv("OPSQUERY_ASSET_DIR"); v != "" {
		c.Assets.Dir = v
	}
	if v := os.Getenv("OPSQUERY_ASSET_SCOPE"); v != "" {
		c.Assets.Scope = v
	}
	if err := envDuration("OPSQUERY_ASSET_CACHE_TTL", &c.Assets.CacheTTL); err != nil {
		return err
	}

	// Resilience
	if err := envInt("OPSQUERY_CB_FAILURE_THRESHOLD", &c.Resilience.CircuitBreaker.FailureThreshold); err != nil {
		return err
	}
	if err := envInt("OPSQUERY_CB_SUCCESS_THRESHOLD", &c.Resilience.CircuitBreaker.SuccessThreshold); err != nil {
		return err
	}
	if err := envDuration("OPSQUERY_CB_TIMEOUT", &c.Resilience.CircuitBreaker.Timeout); err != nil {
		return err
	}
	if v := os.Getenv("OPSQUERY_CB_SCOPE"); v != "" {
		c.Resilience.CircuitBreaker.Scope = v
	}
	if err := envInt("OPSQUERY_RETRY_MAX", &c.Resilience.Retry.MaxRetries); err != nil {
		return err
	}
	if err := envDuration("OPSQUERY_RETRY_BASE_DELAY", &c.Resilience.Retry.BaseDelay); err != nil {
		return err
	}
	if err := envDuration("OPSQUERY_RETRY_MAX_DELAY", &c.Resilience.Retry.MaxDelay); err != nil {
		return err
	}
	if err := envDuration("OPSQUERY_TOOL_TIMEOUT", &c.Resilience.ToolTimeout); err != nil {
		return err
	}
	if err := envInt("OPSQUERY_MAX_CONCURRENCY", &c.Resilience.MaxConcurrency); err != nil {
		return err
	}

	// Replan
	if err := envInt("OPSQUERY_MAX_REPLANS", &c.Replan.MaxReplans); err != nil {
		return err
	}
	if v := os.Getenv("OPSQUERY_ALLOWED_TRIGGERS"); v != "" {
		c.Replan.AllowedTriggers = parseStringList(v)
	}

	// Telemetry
	if v := os.Getenv("OPSQUERY_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = parseBool(v)
	}
	if v := os.Getenv("OPSQUERY_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	}

	// Logging
	if v := os.Getenv("OPSQUERY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("OPSQUERY_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}

	// Planner
	if v := os.Getenv("OPSQUERY_PLANNER"); v != "" {
		c.Planner.Kind = v
	}
	if v := os.Getenv("OPSQUERY_PLANNER_RULES"); v != "" {
		c.Planner.RulesFile = v
	}
	if v := os.Getenv("OPSQUERY_LLM_PROVIDER"); v != "" {
		c.Planner.Provider = v
	}
	if v := os.Getenv("OPSQUERY_LLM_BASE_URL"); v != "" {
		c.Planner.BaseURL = v
	}
	if v := os.Getenv("OPSQUERY_LLM_REGION"); v != "" {
		c.Planner.Region = v
	} else if v := os.Getenv("AWS_REGION"); v != "" {
		c.Planner.Region = v
	}
	if v := os.Getenv("OPSQUERY_LLM_API_KEY"); v != "" {
		c.Planner.APIKey = v
	} else if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Planner.APIKey = v
	}
	if v := os.Getenv("OPSQUERY_LLM_MODEL"); v != "" {
		c.Planner.Model = v
	}

	return nil
}

// LoadFromFile overlays a YAML or JSON config file onto the config.
func (c *Config) LoadFromFile(path string) error {
	cleanPath := filepath.Clean(path)

	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config file extension %s: %w", ext, ErrInvalidConfiguration)
	}

	data, err := os.ReadFile(cleanPath) // nosec G304 -- operator supplied path
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	switch ext {
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse JSON config file: %v: %w", err, ErrInvalidConfiguration)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse YAML config file: %v: %w", err, ErrInvalidConfiguration)
		}
	}

	return nil
}

// Validate checks the configuration and returns a FrameworkError describing
// the first problem found.
func (c *Config) Validate() error {
	invalid := func(msg string, err error) error {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: msg,
			Err:     err,
		}
	}

	if c.Name == "" {
		return invalid("service name is required", ErrMissingConfiguration)
	}

	switch c.Trace.Store {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			return invalid("redis URL is required for the redis trace store", ErrMissingConfiguration)
		}
	default:
		return invalid(fmt.Sprintf("unknown trace store %q", c.Trace.Store), ErrInvalidConfiguration)
	}

	switch c.Assets.Store {
	case "memory":
	case "sqlite":
		if c.Assets.Path == "" {
			return invalid("asset database path is required for the sqlite asset store", ErrMissingConfiguration)
		}
	default:
		return invalid(fmt.Sprintf("unknown asset store %q", c.Assets.Store), ErrInvalidConfiguration)
	}

	cb := c.Resilience.CircuitBreaker
	if cb.FailureThreshold < 1 {
		return invalid(fmt.Sprintf("circuit breaker failure threshold must be positive: %d", cb.FailureThreshold), ErrInvalidConfiguration)
	}
	if cb.SuccessThreshold < 1 {
		return invalid(fmt.Sprintf("circuit breaker success threshold must be positive: %d", cb.SuccessThreshold), ErrInvalidConfiguration)
	}
	if cb.Timeout <= 0 {
		return invalid("circuit breaker timeout must be positive", ErrInvalidConfiguration)
	}
	if cb.Scope != "global" && cb.Scope != "tenant" {
		return invalid(fmt.Sprintf("circuit breaker scope must be global or tenant: %q", cb.Scope), ErrInvalidConfiguration)
	}
	if c.Resilience.Retry.MaxRetries < 0 {
		return invalid("retry max_retries cannot be negative", ErrInvalidConfiguration)
	}
	if c.Resilience.MaxConcurrency < 1 {
		return invalid("max_concurrency must be positive", ErrInvalidConfiguration)
	}
	if c.Replan.MaxReplans < 0 {
		return invalid("max_replans cannot be negative", ErrInvalidConfiguration)
	}

	if c.Telemetry.Enabled && (c.Telemetry.Exporter == "otlp" || c.Telemetry.Exporter == "otlphttp") && c.Telemetry.Endpoint == "" {
		return invalid("telemetry endpoint is required when the otlp exporter is enabled", ErrMissingConfiguration)
	}

	switch c.Planner.Kind {
	case "rules":
	case "llm":
		switch c.Planner.Provider {
		case "openai", "":
			if c.Planner.APIKey == "" {
				return invalid("LLM API key is required for the llm planner", ErrMissingConfiguration)
			}
		case "bedrock":
		default:
			return invalid(fmt.Sprintf("unknown llm provider %q", c.Planner.Provider), ErrInvalidConfiguration)
		}
	default:
		return invalid(fmt.Sprintf("unknown planner %q", c.Planner.Kind), ErrInvalidConfiguration)
	}

	return nil
}

// Helper functions

// parseStringList splits a comma-separated string, trimming whitespace and
// dropping empty elements. "a, b, c" -> ["a", "b", "c"]
func parseStringList(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// parseBool accepts "true", "1", "yes", "on" (case-insensitive) as true.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", key, v, ErrInvalidConfiguration)
	}
	*dst = d
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q: %w", key, v, ErrInvalidConfiguration)
	}
	*dst = n
	return nil
}

// WithName sets the service name
func WithName(name string) Option {
	return func(c *Config) error {
		c.Name = name
		return nil
	}
}

// WithConfigFile loads a YAML or JSON file on top of the current values
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadFromFile(path)
	}
}

// WithRedisURL sets the Redis URL and switches the trace store to redis
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.Redis.URL = url
		c.Trace.Store = "redis"
		return nil
	}
}

// WithHTTPAddress sets the API listen address
func WithHTTPAddress(addr string) Option {
	return func(c *Config) error {
		c.HTTP.Address = addr
		return nil
	}
}

// WithSQLiteAssets stores assets in a SQLite database at path
func WithSQLiteAssets(path string) Option {
	return func(c *Config) error {
		c.Assets.Store = "sqlite"
		c.Assets.Path = path
		return nil
	}
}

// WithCircuitBreaker sets breaker threshold and open timeout
func WithCircuitBreaker(threshold int, timeout time.Duration) Option {
	return func(c *Config) error {
		c.Resilience.CircuitBreaker.FailureThreshold = threshold
		c.Resilience.CircuitBreaker.Timeout = timeout
		return nil
	}
}

// WithRetry sets tool retry count and base delay
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(c *Config) error {
		c.Resilience.Retry.MaxRetries = maxRetries
		c.Resilience.Retry.BaseDelay = baseDelay
		return nil
	}
}

// WithTelemetry enables telemetry with the given exporter endpoint
func WithTelemetry(enabled bool, endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = enabled
		c.Telemetry.Endpoint = endpoint
		return nil
	}
}

// WithLogLevel sets the log level
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

// WithLogFormat sets the log format (json or text)
func WithLogFormat(format string) Option {
	return func(c *Config) error {
		c.Logging.Format = format
		return nil
	}
}

// NewConfig builds a validated configuration. Options run after the
// environment overlay and in order.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
