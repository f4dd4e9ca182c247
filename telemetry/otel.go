package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/itsneelabh/opsquery/core"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/itsneelabh/opsquery"

// Provider implements core.Telemetry with OpenTelemetry
type Provider struct {
	tracer         trace.Tracer
	instruments    *MetricInstruments
	traceProvider  *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	metricsEnabled bool
}

// ProviderOption customizes NewProvider, mostly for tests
type ProviderOption func(*providerOptions)

type providerOptions struct {
	spanExporter sdktrace.SpanExporter
	metricReader sdkmetric.Reader
}

// WithSpanExporter replaces the configured exporter with exp
func WithSpanExporter(exp sdktrace.SpanExporter) ProviderOption {
	return func(o *providerOptions) { o.spanExporter = exp }
}

// WithMetricReader replaces the configured metric pipeline with reader
func WithMetricReader(reader sdkmetric.Reader) ProviderOption {
	return func(o *providerOptions) { o.metricReader = reader }
}

// NewProvider creates a provider from service config and installs it as the
// global tracer and meter provider. Exporter "otlp" ships spans over gRPC and
// metrics over HTTP to cfg.Endpoint, "otlphttp" ships both over HTTP for
// collectors behind HTTP-only ingress, and "stdout" pretty-prints spans.
func NewProvider(ctx context.Context, cfg core.TelemetryConfig, opts ...ProviderOption) (*Provider, error) {
	var po providerOptions
	for _, opt := range opts {
		opt(&po)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "opsquery"
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(core.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	spanExporter := po.spanExporter
	metricReader := po.metricReader
	if spanExporter == nil {
		switch cfg.Exporter {
		case "stdout":
			spanExporter, err = stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
		case "otlp", "", "otlphttp":
			if cfg.Exporter == "otlphttp" {
				spanExporter, err = otlptracehttp.New(ctx,
					otlptracehttp.WithEndpoint(cfg.Endpoint),
					otlptracehttp.WithInsecure(),
				)
			} else {
				spanExporter, err = otlptracegrpc.New(ctx,
					otlptracegrpc.WithEndpoint(cfg.Endpoint),
					otlptracegrpc.WithInsecure(),
				)
			}
			if err == nil && metricReader == nil {
				var metricExporter sdkmetric.Exporter
				metricExporter, err = otlpmetrichttp.New(ctx,
					otlpmetrichttp.WithEndpoint(cfg.Endpoint),
					otlpmetrichttp.WithInsecure(),
				)
				if err == nil {
					metricReader = sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(15*time.Second))
				}
			}
		default:
			return nil, core.NewFrameworkError("telemetry.NewProvider", "config",
				fmt.Errorf("%w: unknown exporter %q", core.ErrInvalidConfiguration, cfg.Exporter))
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create exporter: %w", err)
		}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spanExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p := &Provider{
		tracer:        tp.Tracer(instrumentationName),
		traceProvider: tp,
	}

	var meter metric.Meter
	if metricReader != nil {
		p.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(metricReader),
			sdkmetric.WithResource(res),
		)
		otel.SetMeterProvider(p.meterProvider)
		meter = p.meterProvider.Meter(instrumentationName)
		p.metricsEnabled = true
	} else {
		meter = otel.Meter(instrumentationName)
	}
	p.instruments = NewMetricInstrumentsWithMeter(meter)
	return p, nil
}

// StartSpan starts a new telemetry span
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric records a declared metric. Histograms and counters follow
// the declaration; undeclared names are recorded as histograms.
func (p *Provider) RecordMetric(name string, value float64, labels map[string]string) {
	RecordWith(context.Background(), p.instruments, name, value, labels)
}

// Shutdown flushes and stops the trace and metric pipelines
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if err := p.instruments.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	if err := p.traceProvider.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordWith records value on the instrument matching the declaration of name
func RecordWith(ctx context.Context, m *MetricInstruments, name string, value float64, labels map[string]string) {
	attrs := labelAttributes(labels)
	def, _ := LookupMetric(name)
	switch def.Type {
	case "counter":
		_ = m.RecordCounter(ctx, name, int64(value), metric.WithAttributes(attrs...))
	default:
		_ = m.RecordHistogram(ctx, name, value, metric.WithAttributes(attrs...))
	}
}

func labelAttributes(labels map[string]string) []attribute.KeyValue {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, labels[k]))
	}
	return attrs
}

// otelSpan wraps an OpenTelemetry span to implement core.Span
type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	s.span.RecordError(err)
}
