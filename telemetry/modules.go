package telemetry

import "sync"

// Metric names emitted by the engine
const (
	MetricStageDuration       = "opsquery.stage.duration_ms"
	MetricToolCalls           = "opsquery.tool.calls"
	MetricToolDuration        = "opsquery.tool.duration_ms"
	MetricReplans             = "opsquery.replans"
	MetricRuns                = "opsquery.runs"
	MetricBreakerCalls        = "opsquery.breaker.calls"
	MetricBreakerStateChanges = "opsquery.breaker.state_changes"
	MetricBreakerRejections   = "opsquery.breaker.rejections"
	MetricBreakerState        = "opsquery.breaker.state"
)

// ModuleConfig represents metric configuration for a module
type ModuleConfig struct {
	Metrics []MetricDefinition
}

// MetricDefinition defines a metric's metadata
type MetricDefinition struct {
	Name    string
	Type    string // counter, histogram, gauge, updowncounter
	Help    string
	Labels  []string
	Unit    string    // optional: ms, bytes, etc.
	Buckets []float64 // optional: for histograms
}

// declaredMetrics stores metric declarations from init() functions, so
// packages can declare before any provider exists.
var declaredMetrics sync.Map // map[string]MetricDefinition

// DeclareMetrics registers metric definitions for a module. Safe to call
// from init(). Later declarations of the same name win.
func DeclareMetrics(module string, config ModuleConfig) {
	for _, def := range config.Metrics {
		declaredMetrics.Store(def.Name, def)
	}
}

// LookupMetric returns the declaration for name, if any
func LookupMetric(name string) (MetricDefinition, bool) {
	v, ok := declaredMetrics.Load(name)
	if !ok {
		return MetricDefinition{}, false
	}
	return v.(MetricDefinition), true
}

func init() {
	DeclareMetrics("orchestration", ModuleConfig{
		Metrics: []MetricDefinition{
			{
				Name:    MetricStageDuration,
				Type:    "histogram",
				Help:    "Pipeline stage duration in milliseconds",
				Labels:  []string{"stage", "status"},
				Unit:    "ms",
				Buckets: []float64{1, 5, 25, 100, 500, 2500, 10000},
			},
			{
				Name:   MetricRuns,
				Type:   "counter",
				Help:   "Completed pipeline runs by terminal status",
				Labels: []string{"status", "route"},
			},
			{
				Name:   MetricReplans,
				Type:   "counter",
				Help:   "Control loop decisions by trigger and outcome",
				Labels: []string{"trigger", "allowed"},
			},
			{
				Name:   MetricToolCalls,
				Type:   "counter",
				Help:   "Tool executor invocations by status",
				Labels: []string{"tool_id", "status", "failure"},
			},
			{
				Name:    MetricToolDuration,
				Type:    "histogram",
				Help:    "Tool executor invocation duration in milliseconds",
				Labels:  []string{"tool_id", "status"},
				Unit:    "ms",
				Buckets: []float64{1, 5, 25, 100, 500, 2500, 10000},
			},
		},
	})
}
