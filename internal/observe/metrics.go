// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics and the Prometheus exporter bridge that serves them
// on /metrics.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Cadenza metrics.
const meterName = "github.com/cadenza-ai/cadenza"

// Metrics holds all OpenTelemetry metric instruments for the application.
// The underlying OTel types handle their own synchronisation.
type Metrics struct {
	// --- Latency test instruments ---

	// UnitLatency tracks end-to-end latency of successful test units.
	UnitLatency metric.Float64Histogram

	// TestUnits counts dispatched test units. Use with attributes:
	//   attribute.String("config", ...), attribute.String("status", ...)
	TestUnits metric.Int64Counter

	// --- Audio bus instruments ---

	// BusMessages counts inbound audio bus messages. Use with attributes:
	//   attribute.String("type", ...), attribute.String("outcome", ...)
	BusMessages metric.Int64Counter

	// SegmentServeDuration tracks how long serving one audio segment takes.
	SegmentServeDuration metric.Float64Histogram

	// ActiveConnections tracks live audio channels.
	ActiveConnections metric.Int64UpDownCounter

	// --- Idle manager instruments ---

	// IdleLevel records the idle state level (0–4) after each transition.
	IdleLevel metric.Int64Gauge

	// IdleTransitions counts state transitions. Use with attribute:
	//   attribute.String("to", ...)
	IdleTransitions metric.Int64Counter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// voice-turn latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.2, 0.3, 0.4, 0.5, 0.75, 1, 1.5, 2, 3, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.UnitLatency, err = m.Float64Histogram("cadenza.latency.unit.duration",
		metric.WithDescription("End-to-end latency of successful test units."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TestUnits, err = m.Int64Counter("cadenza.latency.units",
		metric.WithDescription("Dispatched test units by configuration and status."),
	); err != nil {
		return nil, err
	}

	if met.BusMessages, err = m.Int64Counter("cadenza.audio.messages",
		metric.WithDescription("Inbound audio bus messages by type and outcome."),
	); err != nil {
		return nil, err
	}
	if met.SegmentServeDuration, err = m.Float64Histogram("cadenza.audio.segment.duration",
		metric.WithDescription("Time to serve one audio segment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("cadenza.audio.connections",
		metric.WithDescription("Live audio session channels."),
	); err != nil {
		return nil, err
	}

	if met.IdleLevel, err = m.Int64Gauge("cadenza.idle.level",
		metric.WithDescription("Current idle state level (0 active .. 4 dormant)."),
	); err != nil {
		return nil, err
	}
	if met.IdleTransitions, err = m.Int64Counter("cadenza.idle.transitions",
		metric.WithDescription("Idle state transitions by target state."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call from the global meter provider. Panics if instrument
// creation fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordUnit records one completed test unit.
func (m *Metrics) RecordUnit(ctx context.Context, configID, status string, e2eSeconds float64) {
	m.TestUnits.Add(ctx, 1, metric.WithAttributes(
		attribute.String("config", configID),
		attribute.String("status", status),
	))
	if status == "ok" {
		m.UnitLatency.Record(ctx, e2eSeconds)
	}
}

// RecordBusMessage records one handled inbound bus message.
func (m *Metrics) RecordBusMessage(ctx context.Context, msgType, outcome string) {
	m.BusMessages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", msgType),
		attribute.String("outcome", outcome),
	))
}

// RecordIdleTransition records a transition into the given level.
func (m *Metrics) RecordIdleTransition(ctx context.Context, to string, level int) {
	m.IdleTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", to)))
	m.IdleLevel.Record(ctx, int64(level))
}
