package resilience

import "github.com/itsneelabh/opsquery/telemetry"

func init() {
	// Declare only; instruments are created lazily on first record
	telemetry.DeclareMetrics("circuit_breaker", telemetry.ModuleConfig{
		Metrics: []telemetry.MetricDefinition{
			{
				Name:   telemetry.MetricBreakerCalls,
				Type:   "counter",
				Help:   "Calls admitted through a circuit breaker, by result",
				Labels: []string{"breaker", "result", "error_type"},
			},
			{
				Name:   telemetry.MetricBreakerStateChanges,
				Type:   "counter",
				Help:   "Circuit breaker state transitions",
				Labels: []string{"breaker", "from_state", "to_state"},
			},
			{
				Name:   telemetry.MetricBreakerState,
				Type:   "gauge",
				Help:   "Current circuit breaker state (0=closed, 0.5=half_open, 1=open)",
				Labels: []string{"breaker"},
			},
			{
				Name:   telemetry.MetricBreakerRejections,
				Type:   "counter",
				Help:   "Calls rejected by an open circuit",
				Labels: []string{"breaker"},
			},
		},
	})
}
