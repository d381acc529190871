package decoder

import (
	"context"
	"testing"
	"time"
)

func TestMockInterimReflectsAudioLength(t *testing.T) {
	m := NewMock()
	text, err := m.Interim(context.Background(), make([]float32, 100), "en")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "interim(100 samples)" {
		t.Fatalf("expected interim text sized to 100 samples, got %q", text)
	}
}

func TestMockFinalProducesSegments(t *testing.T) {
	m := NewMock()
	res, err := m.Final(context.Background(), make([]float32, 16000), "en")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Segments) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(res.Segments))
	}
	if res.Segments[0].End != 1.0 {
		t.Fatalf("expected 1 second segment, got %v", res.Segments[0].End)
	}
}

func TestMockRespectsContextCancellation(t *testing.T) {
	m := NewMock()
	m.Latency = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Interim(ctx, nil, "en")
	if err == nil {
		t.Fatal("expected context cancellation error")
	}
}

func TestPCM16BytesEncodesTwoBytesPerSample(t *testing.T) {
	audio := []float32{0, 0.5, -0.5, 1, -1}
	raw := pcm16Bytes(audio)
	if len(raw) != len(audio)*2 {
		t.Fatalf("expected %d bytes, got %d", len(audio)*2, len(raw))
	}
}
