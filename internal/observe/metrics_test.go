package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumValueFor returns the int64 sum data point matching the given attribute,
// or -1 when absent.
func sumValueFor(t *testing.T, rm metricdata.ResourceMetrics, name, attrKey, attrValue string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == attrKey && kv.Value.AsString() == attrValue {
				return dp.Value
			}
		}
	}
	return -1
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"lingostream.stt.duration", m.STTDuration},
		{"lingostream.translate.duration", m.TranslateDuration},
		{"lingostream.broker.publish.duration", m.PublishDuration},
		{"lingostream.segment.audio_seconds", m.SegmentAudioSeconds},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestRecordSegment(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSegment(ctx, "silence", 3.5)
	m.RecordSegment(ctx, "silence", 1.25)
	m.RecordSegment(ctx, "forced", 30)

	rm := collect(t, reader)

	if got := sumValueFor(t, rm, "lingostream.segments", "reason", "silence"); got != 2 {
		t.Errorf("segments{reason=silence} = %d, want 2", got)
	}
	if got := sumValueFor(t, rm, "lingostream.segments", "reason", "forced"); got != 1 {
		t.Errorf("segments{reason=forced} = %d, want 1", got)
	}

	met := findMetric(rm, "lingostream.segment.audio_seconds")
	if met == nil {
		t.Fatal("segment length histogram not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("segment length metric is not a histogram")
	}
	if got := hist.DataPoints[0].Count; got != 3 {
		t.Errorf("segment length samples = %d, want 3", got)
	}
}

func TestJobAndResultCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordJob(ctx, "partial")
	m.RecordJob(ctx, "partial")
	m.RecordJob(ctx, "final")
	m.RecordResult(ctx, "final")
	m.RecordResult(ctx, "translation")

	rm := collect(t, reader)

	if got := sumValueFor(t, rm, "lingostream.jobs", "kind", "partial"); got != 2 {
		t.Errorf("jobs{kind=partial} = %d, want 2", got)
	}
	if got := sumValueFor(t, rm, "lingostream.jobs", "kind", "final"); got != 1 {
		t.Errorf("jobs{kind=final} = %d, want 1", got)
	}
	if got := sumValueFor(t, rm, "lingostream.results", "kind", "translation"); got != 1 {
		t.Errorf("results{kind=translation} = %d, want 1", got)
	}
}

func TestDroppedResultCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDroppedResult(ctx, "epoch")
	m.RecordDroppedResult(ctx, "epoch")
	m.RecordDroppedResult(ctx, "stale")

	rm := collect(t, reader)

	if got := sumValueFor(t, rm, "lingostream.results.dropped", "cause", "epoch"); got != 2 {
		t.Errorf("dropped{cause=epoch} = %d, want 2", got)
	}
	if got := sumValueFor(t, rm, "lingostream.results.dropped", "cause", "stale"); got != 1 {
		t.Errorf("dropped{cause=stale} = %d, want 1", got)
	}
}

func TestModelErrorAndBreakerCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordModelError(ctx, "stt")
	m.RecordBreakerTransition("stt", "open")
	m.RecordBreakerTransition("stt", "open")

	rm := collect(t, reader)

	if got := sumValueFor(t, rm, "lingostream.model.errors", "model", "stt"); got != 1 {
		t.Errorf("model errors{model=stt} = %d, want 1", got)
	}
	if got := sumValueFor(t, rm, "lingostream.breaker.transitions", "to", "open"); got != 2 {
		t.Errorf("breaker transitions{to=open} = %d, want 2", got)
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "lingostream.active_sessions")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("gauge value = %d, want 1", got)
	}
}

func TestRegisterStreamDepth(t *testing.T) {
	m, reader := newTestMetrics(t)

	if err := m.RegisterStreamDepth("audio_jobs", func(context.Context) (int64, error) {
		return 7, nil
	}); err != nil {
		t.Fatalf("RegisterStreamDepth: %v", err)
	}

	rm := collect(t, reader)
	met := findMetric(rm, "lingostream.stream.depth")
	if met == nil {
		t.Fatal("stream depth gauge not found")
	}
	gauge, ok := met.Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatal("metric is not a gauge")
	}
	if len(gauge.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	dp := gauge.DataPoints[0]
	if dp.Value != 7 {
		t.Errorf("depth = %d, want 7", dp.Value)
	}
	want := attribute.String("stream", "audio_jobs")
	if !dp.Attributes.HasValue(want.Key) {
		t.Error("data point missing stream attribute")
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "lingostream.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
