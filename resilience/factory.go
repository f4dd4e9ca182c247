package resilience

import (
	"github.com/itsneelabh/opsquery/core"
)

// ResilienceDependencies holds optional dependencies
type ResilienceDependencies struct {
	Logger  core.Logger
	Metrics MetricsCollector
}

// NewBreakerSetFromConfig builds the per-tool breaker table from service config.
func NewBreakerSetFromConfig(cfg core.CircuitBreakerConfig, deps ResilienceDependencies) (*BreakerSet, error) {
	template := DefaultConfig()
	template.FailureThreshold = cfg.FailureThreshold
	template.SuccessThreshold = cfg.SuccessThreshold
	template.OpenTimeout = cfg.Timeout
	template.Logger = core.ComponentLogger(deps.Logger, "resilience")
	if deps.Metrics != nil {
		template.Metrics = deps.Metrics
	}

	set, err := NewBreakerSet(template, BreakerScope(cfg.Scope))
	if err != nil {
		return nil, err
	}

	template.Logger.Info("Circuit breaker table ready", map[string]interface{}{
		"operation":         "breaker_set_created",
		"scope":             cfg.Scope,
		"failure_threshold": cfg.FailureThreshold,
		"success_threshold": cfg.SuccessThreshold,
		"open_timeout_ms":   cfg.Timeout.Milliseconds(),
	})
	return set, nil
}

// RetryConfigFrom converts service retry settings into a RetryConfig
func RetryConfigFrom(cfg core.RetryConfig) *RetryConfig {
	rc := DefaultRetryConfig()
	rc.MaxRetries = cfg.MaxRetries
	rc.InitialDelay = cfg.BaseDelay
	rc.MaxDelay = cfg.MaxDelay
	rc.JitterEnabled = cfg.Jitter
	return rc
}
