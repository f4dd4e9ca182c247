package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/itsneelabh/opsquery/core"
)

func newTestProvider(t *testing.T) (*Provider, *tracetest.InMemoryExporter, *sdkmetric.ManualReader) {
	t.Helper()
	spans := tracetest.NewInMemoryExporter()
	reader := sdkmetric.NewManualReader()
	p, err := NewProvider(context.Background(), core.TelemetryConfig{ServiceName: "opsquery-test"},
		WithSpanExporter(spans), WithMetricReader(reader))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p, spans, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestProviderRecordsDeclaredMetrics(t *testing.T) {
	p, _, reader := newTestProvider(t)

	p.RecordMetric(MetricToolCalls, 1, map[string]string{"tool_id": "metrics_db", "status": "ok"})
	p.RecordMetric(MetricToolCalls, 1, map[string]string{"tool_id": "metrics_db", "status": "ok"})
	p.RecordMetric(MetricStageDuration, 12.5, map[string]string{"stage": "EXECUTE", "status": "ok"})

	got := collect(t, reader)

	calls, ok := got[MetricToolCalls].Data.(metricdata.Sum[int64])
	require.True(t, ok, "tool calls is declared as a counter")
	require.Len(t, calls.DataPoints, 1)
	assert.Equal(t, int64(2), calls.DataPoints[0].Value)

	durations, ok := got[MetricStageDuration].Data.(metricdata.Histogram[float64])
	require.True(t, ok, "stage duration is declared as a histogram")
	require.Len(t, durations.DataPoints, 1)
	assert.Equal(t, uint64(1), durations.DataPoints[0].Count)
	assert.Equal(t, "ms", got[MetricStageDuration].Unit)
}

func TestProviderSpans(t *testing.T) {
	p, spans, _ := newTestProvider(t)

	ctx, span := p.StartSpan(context.Background(), "pipeline.run")
	span.SetAttribute("route", "direct")
	span.SetAttribute("replans", 2)
	assert.NotEmpty(t, GetTraceContext(ctx).TraceID)
	fields := LogFields(ctx, nil)
	assert.Contains(t, fields, "trace_id")
	span.End()

	require.NoError(t, p.traceProvider.ForceFlush(context.Background()))
	got := spans.GetSpans()
	require.Len(t, got, 1)
	assert.Equal(t, "pipeline.run", got[0].Name)
	assert.Contains(t, got[0].Attributes, attribute.String("route", "direct"))
}

func TestGaugeRegistration(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := NewMetricInstrumentsWithMeter(mp.Meter("test"))

	err := m.RegisterGauge(MetricBreakerState, func(ctx context.Context, observe func(float64, ...metric.ObserveOption)) error {
		observe(1, metric.WithAttributes(attribute.String("breaker", "config_db")))
		return nil
	})
	require.NoError(t, err)
	assert.Error(t, m.RegisterGauge(MetricBreakerState, nil), "duplicate gauges are rejected")

	gauge, ok := collect(t, reader)[MetricBreakerState].Data.(metricdata.Gauge[float64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, 1.0, gauge.DataPoints[0].Value)

	require.NoError(t, m.Shutdown())
}

func TestNewProviderRejectsUnknownExporter(t *testing.T) {
	_, err := NewProvider(context.Background(), core.TelemetryConfig{Exporter: "carrier-pigeon"})
	require.Error(t, err)
	assert.True(t, core.IsConfigurationError(err))
}

func TestNewProviderOTLPExporters(t *testing.T) {
	for _, exporter := range []string{"otlp", "otlphttp"} {
		t.Run(exporter, func(t *testing.T) {
			p, err := NewProvider(context.Background(),
				core.TelemetryConfig{Exporter: exporter, Endpoint: "127.0.0.1:4318"},
				WithMetricReader(sdkmetric.NewManualReader()))
			require.NoError(t, err)
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = p.Shutdown(ctx)
		})
	}
}

func TestLogFieldsWithoutSpan(t *testing.T) {
	assert.Nil(t, LogFields(context.Background(), nil))
	assert.Equal(t, TraceContext{}, GetTraceContext(context.Background()))
}

func TestTracingMiddlewareExcludesPaths(t *testing.T) {
	p, spans, _ := newTestProvider(t)

	handler := TracingMiddlewareWithConfig("opsquery", &TracingMiddlewareConfig{
		ExcludedPaths: []string{"/healthz"},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for _, path := range []string{"/healthz", "/v1/query"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}

	require.NoError(t, p.traceProvider.ForceFlush(context.Background()))
	got := spans.GetSpans()
	require.Len(t, got, 1)
	assert.Equal(t, "HTTP POST /v1/query", got[0].Name)
}
