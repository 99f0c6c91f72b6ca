// Package observe provides application-wide observability primitives for
// LingoStream: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all LingoStream metrics.
const meterName = "github.com/lingostream/lingostream"

// Metrics holds all OpenTelemetry metric instruments for the pipeline.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	meter metric.Meter

	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech-to-text model latency per segment.
	STTDuration metric.Float64Histogram

	// TranslateDuration tracks translation model latency per final.
	TranslateDuration metric.Float64Histogram

	// PublishDuration tracks broker publish latency.
	PublishDuration metric.Float64Histogram

	// SegmentAudioSeconds tracks the audio length of finalised segments.
	SegmentAudioSeconds metric.Float64Histogram

	// --- Counters ---

	// AudioFrames counts audio frames accepted by the gateway.
	AudioFrames metric.Int64Counter

	// Segments counts finalised speech segments. Use with attribute
	// "reason": "silence", "forced" or "close".
	Segments metric.Int64Counter

	// Jobs counts audio jobs published to the broker. Use with attribute
	// "kind": "partial" or "final".
	Jobs metric.Int64Counter

	// Results counts results delivered to clients. Use with attribute
	// "kind": "partial", "final" or "translation".
	Results metric.Int64Counter

	// DroppedResults counts results the router discarded. Use with attribute
	// "cause": "epoch" or "stale".
	DroppedResults metric.Int64Counter

	// ModelErrors counts model call failures. Use with attribute
	// "model": "stt" or "translate".
	ModelErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes: attribute.String("name", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live gateway sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for model and broker latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// segmentBuckets defines bucket boundaries (in seconds of audio) for segment
// lengths. The forced flush caps a segment at 30 s.
var segmentBuckets = []float64{
	0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("lingostream.stt.duration",
		metric.WithDescription("Latency of speech-to-text model calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranslateDuration, err = m.Float64Histogram("lingostream.translate.duration",
		metric.WithDescription("Latency of translation model calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PublishDuration, err = m.Float64Histogram("lingostream.broker.publish.duration",
		metric.WithDescription("Latency of broker publishes."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SegmentAudioSeconds, err = m.Float64Histogram("lingostream.segment.audio_seconds",
		metric.WithDescription("Audio length of finalised speech segments."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(segmentBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AudioFrames, err = m.Int64Counter("lingostream.audio.frames",
		metric.WithDescription("Total audio frames accepted by the gateway."),
	); err != nil {
		return nil, err
	}
	if met.Segments, err = m.Int64Counter("lingostream.segments",
		metric.WithDescription("Total finalised speech segments by flush reason."),
	); err != nil {
		return nil, err
	}
	if met.Jobs, err = m.Int64Counter("lingostream.jobs",
		metric.WithDescription("Total audio jobs published by kind."),
	); err != nil {
		return nil, err
	}
	if met.Results, err = m.Int64Counter("lingostream.results",
		metric.WithDescription("Total results delivered to clients by kind."),
	); err != nil {
		return nil, err
	}
	if met.DroppedResults, err = m.Int64Counter("lingostream.results.dropped",
		metric.WithDescription("Total results discarded by the router by cause."),
	); err != nil {
		return nil, err
	}
	if met.ModelErrors, err = m.Int64Counter("lingostream.model.errors",
		metric.WithDescription("Total model call failures by model."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("lingostream.breaker.transitions",
		metric.WithDescription("Total circuit breaker state changes by breaker and target state."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("lingostream.active_sessions",
		metric.WithDescription("Number of live gateway sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("lingostream.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// RegisterStreamDepth registers an observable gauge that reports the number
// of entries currently in the named broker stream. The length callback is
// invoked on every metrics collection.
func (m *Metrics) RegisterStreamDepth(stream string, length func(context.Context) (int64, error)) error {
	_, err := m.meter.Int64ObservableGauge("lingostream.stream.depth",
		metric.WithDescription("Number of entries currently in a broker stream."),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			n, err := length(ctx)
			if err != nil {
				return err
			}
			o.Observe(n, metric.WithAttributes(attribute.String("stream", stream)))
			return nil
		}),
	)
	return err
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

// RecordSegment records a finalised segment: one count for the flush reason
// and the segment's audio length.
func (m *Metrics) RecordSegment(ctx context.Context, reason string, audioSeconds float64) {
	m.Segments.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
	m.SegmentAudioSeconds.Record(ctx, audioSeconds)
}

// RecordJob records a published audio job of the given kind.
func (m *Metrics) RecordJob(ctx context.Context, kind string) {
	m.Jobs.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordResult records a result delivered to a client.
func (m *Metrics) RecordResult(ctx context.Context, kind string) {
	m.Results.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordDroppedResult records a result the router discarded.
func (m *Metrics) RecordDroppedResult(ctx context.Context, cause string) {
	m.DroppedResults.Add(ctx, 1,
		metric.WithAttributes(attribute.String("cause", cause)),
	)
}

// RecordModelError records a model call failure.
func (m *Metrics) RecordModelError(ctx context.Context, model string) {
	m.ModelErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("model", model)),
	)
}

// RecordBreakerTransition records a circuit breaker state change. Wire it to
// the breaker's OnStateChange hook.
func (m *Metrics) RecordBreakerTransition(name, to string) {
	m.BreakerTransitions.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("name", name),
			attribute.String("to", to),
		),
	)
}
