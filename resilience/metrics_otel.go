package resilience

import (
	"context"

	"github.com/itsneelabh/opsquery/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsCollector implements MetricsCollector using OpenTelemetry
type OTelMetricsCollector struct {
	metrics *telemetry.MetricInstruments
	ctx     context.Context
}

// NewOTelMetricsCollector creates a new OpenTelemetry metrics collector
func NewOTelMetricsCollector(ctx context.Context) *OTelMetricsCollector {
	return &OTelMetricsCollector{
		metrics: telemetry.NewMetricInstruments("opsquery-resilience"),
		ctx:     ctx,
	}
}

// RecordSuccess records a successful call through a breaker
func (o *OTelMetricsCollector) RecordSuccess(name string) {
	_ = o.metrics.RecordCounter(o.ctx, telemetry.MetricBreakerCalls, 1,
		metric.WithAttributes(
			attribute.String("breaker", name),
			attribute.String("result", "success"),
		))
}

// RecordFailure records a failed call through a breaker
func (o *OTelMetricsCollector) RecordFailure(name string, errorType string) {
	_ = o.metrics.RecordCounter(o.ctx, telemetry.MetricBreakerCalls, 1,
		metric.WithAttributes(
			attribute.String("breaker", name),
			attribute.String("result", "failure"),
			attribute.String("error_type", errorType),
		))
}

// RecordStateChange records a breaker state transition
func (o *OTelMetricsCollector) RecordStateChange(name string, from, to string) {
	_ = o.metrics.RecordCounter(o.ctx, telemetry.MetricBreakerStateChanges, 1,
		metric.WithAttributes(
			attribute.String("breaker", name),
			attribute.String("from_state", from),
			attribute.String("to_state", to),
		))
}

// RecordRejection records a call rejected by an open breaker
func (o *OTelMetricsCollector) RecordRejection(name string) {
	_ = o.metrics.RecordCounter(o.ctx, telemetry.MetricBreakerRejections, 1,
		metric.WithAttributes(attribute.String("breaker", name)))
}

// RegisterStateGauge exports the state of every breaker in set as a gauge
// (0=closed, 0.5=half_open, 1=open).
func (o *OTelMetricsCollector) RegisterStateGauge(set *BreakerSet) error {
	return o.metrics.RegisterGauge(telemetry.MetricBreakerState,
		func(ctx context.Context, observe func(float64, ...metric.ObserveOption)) error {
			for _, snap := range set.Snapshots() {
				value := 0.0
				switch snap.State {
				case "open":
					value = 1.0
				case "half_open":
					value = 0.5
				}
				observe(value, metric.WithAttributes(attribute.String("breaker", snap.Name)))
			}
			return nil
		},
		metric.WithDescription("Current state of each circuit breaker (0=closed, 0.5=half_open, 1=open)"),
	)
}

// Shutdown cleans up the metrics collector
func (o *OTelMetricsCollector) Shutdown() error {
	return o.metrics.Shutdown()
}
