package metrics

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type fakeSource struct {
	final, interim int
	level          int
	cooldownMs     int64
	tailSeconds    float64
	paused         bool
}

func (f fakeSource) QueueDepths() (int, int)   { return f.final, f.interim }
func (f fakeSource) BackpressureLevel() int    { return f.level }
func (f fakeSource) InterimCooldownMs() int64  { return f.cooldownMs }
func (f fakeSource) TailWindowSeconds() float64 { return f.tailSeconds }
func (f fakeSource) InterimsPaused() bool      { return f.paused }

func newTestMetrics(t *testing.T, src Source) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp, src)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

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

func TestNewMetricsCreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t, nil)
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}

func TestCountersRecordUnderInstrumentation(t *testing.T) {
	m, reader := newTestMetrics(t, nil)
	ctx := context.Background()

	m.RecordEnqueue(ctx, "interim")
	m.RecordProcessed(ctx, "final", "ok")
	m.RecordCoalesced(ctx)
	m.RecordInterimRejected(ctx)
	m.RecordDecodeDuration(ctx, "interim", 0.05)

	rm := collect(t, reader)
	if findMetric(rm, "stt.jobs_enqueued_total") == nil {
		t.Fatalf("expected stt.jobs_enqueued_total to be present")
	}
	if findMetric(rm, "stt.jobs_coalesced_total") == nil {
		t.Fatalf("expected stt.jobs_coalesced_total to be present")
	}
	if findMetric(rm, "stt.interim_rejected_total") == nil {
		t.Fatalf("expected stt.interim_rejected_total to be present")
	}
	if findMetric(rm, "stt.decode_duration_seconds") == nil {
		t.Fatalf("expected stt.decode_duration_seconds to be present")
	}
}

func TestObservableGaugesReflectSource(t *testing.T) {
	src := fakeSource{final: 3, interim: 9, level: 2, cooldownMs: 420, tailSeconds: 3.5, paused: true}
	_, reader := newTestMetrics(t, src)

	rm := collect(t, reader)
	if findMetric(rm, "stt.queue_depth") == nil {
		t.Fatalf("expected stt.queue_depth gauge")
	}
	if findMetric(rm, "stt.backpressure_level") == nil {
		t.Fatalf("expected stt.backpressure_level gauge")
	}
	if findMetric(rm, "stt.interims_paused") == nil {
		t.Fatalf("expected stt.interims_paused gauge")
	}
}
