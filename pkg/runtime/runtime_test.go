package runtime

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/lokutor-ai/lokutor-stream/internal/metrics"
	"github.com/lokutor-ai/lokutor-stream/pkg/decoder"
	"github.com/lokutor-ai/lokutor-stream/pkg/job"
	"github.com/lokutor-ai/lokutor-stream/pkg/vad"
)

func loudFrame(n int) []byte {
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:i*2+2], 30000)
	}
	return buf
}

// TestScenarioS1SingleShortUtterance mirrors the documented scenario: 2s
// of continuous speech, then 600ms of silence, expecting at least one
// interim emission and a non-empty final.
func TestScenarioS1SingleShortUtterance(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SampleRate = 1000 // keep the test's byte math simple
	cfg.StartTriggerMs = 60
	cfg.EndTriggerMs = 500
	cfg.BaseCooldownMs = 0
	cfg.Classify = vad.RMSClassifier(0.5)
	mock := decoder.NewMock()
	cfg.InterimDecoder = mock
	cfg.FinalDecoder = mock
	cfg.Scheduler.TickInterval = time.Millisecond

	rt := New(cfg)
	conn := rt.NewConnection("c1")
	conn.Start("en")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	frameBytes := 20 * 2 // 20ms at 1000Hz
	frame := loudFrame(frameBytes / 2)
	silence := make([]byte, frameBytes)

	nowMs := int64(0)
	for i := 0; i < 100; i++ { // 2000ms of speech
		conn.Audio(frame, nowMs)
		nowMs += 20
	}
	for i := 0; i < 30; i++ { // 600ms of silence
		conn.Audio(silence, nowMs)
		nowMs += 20
	}

	var gotInterim, gotFinal bool
	timeout := time.After(2 * time.Second)
	for !gotFinal {
		select {
		case msg := <-conn.Outgoing():
			switch msg.Type {
			case "interim":
				gotInterim = true
			case "final":
				gotFinal = true
				if msg.Text == "" {
					t.Fatalf("expected non-empty final text")
				}
			}
		case <-timeout:
			t.Fatalf("timed out waiting for final; gotInterim=%v", gotInterim)
		}
	}
	if !gotInterim {
		t.Fatalf("expected at least one interim emission during speech")
	}
}

// TestCloseConnectionToleratesInFlightResult verifies a scheduler result
// delivered after a connection is unregistered does not panic.
func TestCloseConnectionToleratesInFlightResult(t *testing.T) {
	cfg := DefaultConfig()
	mock := decoder.NewMock()
	mock.Latency = 50 * time.Millisecond
	cfg.InterimDecoder = mock
	cfg.FinalDecoder = mock

	rt := New(cfg)
	rt.NewConnection("c1")
	rt.CloseConnection("c1")

	rt.HandleInterim(job.Job{ConnID: "c1"}, "text", nil)
	rt.HandleFinal(job.Job{ConnID: "c1"}, decoder.FinalResult{Text: "x"}, nil)
}

func TestRegistryTracksLifecycle(t *testing.T) {
	rt := New(DefaultConfig())
	if rt.Registry.Len() != 0 {
		t.Fatalf("expected empty registry")
	}
	rt.NewConnection("a")
	rt.NewConnection("b")
	if rt.Registry.Len() != 2 {
		t.Fatalf("expected 2 registered connections, got %d", rt.Registry.Len())
	}
	rt.CloseConnection("a")
	if rt.Registry.Len() != 1 {
		t.Fatalf("expected 1 connection after close, got %d", rt.Registry.Len())
	}
	if _, ok := rt.Registry.Get("a"); ok {
		t.Fatalf("expected conn a to be gone")
	}
}

// TestMetricsFlowThroughRuntime builds a real *metrics.Metrics against a
// manual reader and wires it through Config, verifying the instruments
// registered in cmd/server actually observe connection and job activity
// rather than sitting at zero.
func TestMetricsFlowThroughRuntime(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	met, err := metrics.NewMetrics(mp, nil)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	cfg := DefaultConfig()
	cfg.SampleRate = 1000
	cfg.StartTriggerMs = 60
	cfg.EndTriggerMs = 500
	cfg.BaseCooldownMs = 0
	cfg.Classify = vad.RMSClassifier(0.5)
	mock := decoder.NewMock()
	cfg.InterimDecoder = mock
	cfg.FinalDecoder = mock
	cfg.Scheduler.TickInterval = time.Millisecond
	cfg.Metrics = met

	rt := New(cfg)
	if err := metrics.RegisterSource(mp, rt); err != nil {
		t.Fatalf("RegisterSource: %v", err)
	}

	conn := rt.NewConnection("c1")
	conn.Start("en")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	frameBytes := 20 * 2
	frame := loudFrame(frameBytes / 2)
	silence := make([]byte, frameBytes)

	nowMs := int64(0)
	for i := 0; i < 100; i++ {
		conn.Audio(frame, nowMs)
		nowMs += 20
	}
	for i := 0; i < 30; i++ {
		conn.Audio(silence, nowMs)
		nowMs += 20
	}

	timeout := time.After(2 * time.Second)
	gotFinal := false
	for !gotFinal {
		select {
		case msg := <-conn.Outgoing():
			if msg.Type == "final" {
				gotFinal = true
			}
		case <-timeout:
			t.Fatalf("timed out waiting for final")
		}
	}
	rt.CloseConnection("c1")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	var enqueued, active *metricdata.Metrics
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			switch sm.Metrics[i].Name {
			case "stt.jobs_enqueued_total":
				enqueued = &sm.Metrics[i]
			case "stt.active_connections":
				active = &sm.Metrics[i]
			}
		}
	}
	if enqueued == nil {
		t.Fatalf("expected stt.jobs_enqueued_total to be recorded")
	}
	if active == nil {
		t.Fatalf("expected stt.active_connections to be recorded")
	}

	sum, ok := active.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 {
		t.Fatalf("expected stt.active_connections sum data points")
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 0 {
		t.Fatalf("expected active_connections back to 0 after close, got %d", total)
	}
}

func TestPollBackpressureBroadcastsOnLevelChange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BackpressurePollInterval = 5 * time.Millisecond
	mock := decoder.NewMock()
	mock.Latency = time.Hour // finals never complete, queue stays deep
	cfg.InterimDecoder = mock
	cfg.FinalDecoder = mock
	cfg.Scheduler.TickInterval = time.Hour // don't actually drain the queue

	rt := New(cfg)
	conn := rt.NewConnection("c1")

	for i := 0; i < 13; i++ {
		rt.finals.Push(job.Job{ConnID: "c1", Kind: job.Final, Seq: uint64(i)})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	go rt.pollBackpressure(ctx)

	select {
	case msg := <-conn.Outgoing():
		if msg.Type != "status" {
			t.Fatalf("expected status message, got %+v", msg)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("expected a status broadcast after backpressure level escalated")
	}
}
