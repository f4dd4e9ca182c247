package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// MetricInstruments holds cached metric instruments for efficient recording
type MetricInstruments struct {
	meter      metric.Meter
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Registration
	mu         sync.RWMutex
}

// GaugeFunc reports gauge values through observe on each collection
type GaugeFunc func(ctx context.Context, observe func(value float64, opts ...metric.ObserveOption)) error

// NewMetricInstruments creates a new metrics instrument cache on the global meter provider
func NewMetricInstruments(meterName string) *MetricInstruments {
	return NewMetricInstrumentsWithMeter(otel.Meter(meterName))
}

// NewMetricInstrumentsWithMeter creates an instrument cache on a specific meter
func NewMetricInstrumentsWithMeter(meter metric.Meter) *MetricInstruments {
	return &MetricInstruments{
		meter:      meter,
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Registration),
	}
}

// RecordCounter increments a counter metric
func (m *MetricInstruments) RecordCounter(ctx context.Context, name string, value int64, opts ...metric.AddOption) error {
	m.mu.RLock()
	counter, exists := m.counters[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		// Double-check after acquiring write lock
		if counter, exists = m.counters[name]; !exists {
			var copts []metric.Int64CounterOption
			if def, ok := LookupMetric(name); ok {
				copts = append(copts, metric.WithDescription(def.Help))
			}
			var err error
			counter, err = m.meter.Int64Counter(name, copts...)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("failed to create counter %s: %w", name, err)
			}
			m.counters[name] = counter
		}
		m.mu.Unlock()
	}

	counter.Add(ctx, value, opts...)
	return nil
}

// RecordHistogram records a value distribution (like latencies). Declared
// units and bucket boundaries are applied when the instrument is created.
func (m *MetricInstruments) RecordHistogram(ctx context.Context, name string, value float64, opts ...metric.RecordOption) error {
	m.mu.RLock()
	histogram, exists := m.histograms[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if histogram, exists = m.histograms[name]; !exists {
			var hopts []metric.Float64HistogramOption
			if def, ok := LookupMetric(name); ok {
				hopts = append(hopts, metric.WithDescription(def.Help))
				if def.Unit != "" {
					hopts = append(hopts, metric.WithUnit(def.Unit))
				}
				if len(def.Buckets) > 0 {
					hopts = append(hopts, metric.WithExplicitBucketBoundaries(def.Buckets...))
				}
			}
			var err error
			histogram, err = m.meter.Float64Histogram(name, hopts...)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("failed to create histogram %s: %w", name, err)
			}
			m.histograms[name] = histogram
		}
		m.mu.Unlock()
	}

	histogram.Record(ctx, value, opts...)
	return nil
}

// RegisterGauge registers an observable gauge backed by fn
func (m *MetricInstruments) RegisterGauge(name string, fn GaugeFunc, opts ...metric.Float64ObservableGaugeOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.gauges[name]; exists {
		return fmt.Errorf("gauge %s already registered", name)
	}

	gauge, err := m.meter.Float64ObservableGauge(name, opts...)
	if err != nil {
		return fmt.Errorf("failed to create gauge %s: %w", name, err)
	}

	registration, err := m.meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		return fn(ctx, func(value float64, oopts ...metric.ObserveOption) {
			o.ObserveFloat64(gauge, value, oopts...)
		})
	}, gauge)
	if err != nil {
		return fmt.Errorf("failed to register callback for gauge %s: %w", name, err)
	}

	m.gauges[name] = registration
	return nil
}

// Shutdown unregisters all gauge callbacks
func (m *MetricInstruments) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for name, registration := range m.gauges {
		if err := registration.Unregister(); err != nil {
			errs = append(errs, fmt.Errorf("failed to unregister gauge %s: %w", name, err))
		}
		delete(m.gauges, name)
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}
	return nil
}
