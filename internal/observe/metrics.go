// Package observe provides application-wide observability primitives for
// donka: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all donka metrics.
const meterName = "github.com/MrWong99/donka"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Detection pipeline ---

	// Onsets counts accepted hits. Use with attribute:
	//   attribute.String("category", "low"|"high")
	Onsets metric.Int64Counter

	// SuppressedOnsets counts threshold crossings inside the refractory window.
	SuppressedOnsets metric.Int64Counter

	// Frames counts analysis frames evaluated.
	Frames metric.Int64Counter

	// TickDuration tracks the processing time of one analysis tick.
	TickDuration metric.Float64Histogram

	// HitLoudness records the loudness of accepted hits.
	HitLoudness metric.Float64Histogram

	// --- Errors ---

	// DeviceErrors counts failed device acquisitions. Use with attributes:
	//   attribute.String("driver", ...), attribute.String("kind", ...)
	DeviceErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of running detection runs.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// tickBuckets defines histogram bucket boundaries (in seconds) for a loop
// that must finish well inside a 16 ms frame.
var tickBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.016, 0.033,
}

// loudnessBuckets covers the sensitivity range and the loud tail above it.
var loudnessBuckets = []float64{
	20, 40, 60, 80, 100, 150, 200, 300, 500,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.Onsets, err = m.Int64Counter("donka.onsets",
		metric.WithDescription("Total accepted drum hits by category."),
	); err != nil {
		return nil, err
	}
	if met.SuppressedOnsets, err = m.Int64Counter("donka.onsets.suppressed",
		metric.WithDescription("Threshold crossings rejected by the refractory period."),
	); err != nil {
		return nil, err
	}
	if met.Frames, err = m.Int64Counter("donka.frames",
		metric.WithDescription("Total analysis frames evaluated."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.TickDuration, err = m.Float64Histogram("donka.tick.duration",
		metric.WithDescription("Processing time of one analysis tick."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(tickBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HitLoudness, err = m.Float64Histogram("donka.hit.loudness",
		metric.WithDescription("Loudness of accepted drum hits."),
		metric.WithExplicitBucketBoundaries(loudnessBuckets...),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.DeviceErrors, err = m.Int64Counter("donka.device.errors",
		metric.WithDescription("Failed device acquisitions by driver and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("donka.active_sessions",
		metric.WithDescription("Number of running detection sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("donka.http.request.duration",
		metric.WithDescription("HTTP request latency by method and matched route."),
		metric.WithUnit("s"),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// RecordOnset records an accepted hit: the per-category counter and the
// loudness histogram.
func (m *Metrics) RecordOnset(ctx context.Context, category string, loudness float64) {
	attrs := metric.WithAttributes(attribute.String("category", category))
	m.Onsets.Add(ctx, 1, attrs)
	m.HitLoudness.Record(ctx, loudness, attrs)
}

// RecordSuppressed records a threshold crossing rejected by the refractory
// period.
func (m *Metrics) RecordSuppressed(ctx context.Context) {
	m.SuppressedOnsets.Add(ctx, 1)
}

// RecordTick records one evaluated frame and the time it took.
func (m *Metrics) RecordTick(ctx context.Context, seconds float64) {
	m.Frames.Add(ctx, 1)
	m.TickDuration.Record(ctx, seconds)
}

// RecordDeviceError counts a failed device open by driver and error kind
// such as "permission_denied" or "device_unavailable".
func (m *Metrics) RecordDeviceError(ctx context.Context, driver, kind string) {
	m.DeviceErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("driver", driver),
			attribute.String("kind", kind),
		),
	)
}
