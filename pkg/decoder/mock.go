package decoder

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Mock is a configurable Decoder used in tests and local development. It
// returns a text proportional to the audio length, optionally after a
// fixed artificial latency, so callers can exercise coalescing and
// backpressure behavior deterministically.
type Mock struct {
	mu      sync.Mutex
	Latency time.Duration
	Err     error // when set, Interim and Final return it instead of a result
	calls   int
}

// NewMock returns a Mock with no artificial latency.
func NewMock() *Mock { return &Mock{} }

// Calls reports how many Interim+Final invocations have completed.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *Mock) wait(ctx context.Context) error {
	if m.Latency <= 0 {
		return nil
	}
	t := time.NewTimer(m.Latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mock) record() {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
}

// Interim returns a placeholder transcript sized to the audio length.
func (m *Mock) Interim(ctx context.Context, audio []float32, lang string) (string, error) {
	if err := m.wait(ctx); err != nil {
		return "", err
	}
	m.record()
	if m.Err != nil {
		return "", m.Err
	}
	return fmt.Sprintf("interim(%d samples)", len(audio)), nil
}

// Final returns a placeholder FinalResult sized to the audio length.
func (m *Mock) Final(ctx context.Context, audio []float32, lang string) (FinalResult, error) {
	if err := m.wait(ctx); err != nil {
		return FinalResult{}, err
	}
	m.record()
	if m.Err != nil {
		return FinalResult{}, m.Err
	}
	text := fmt.Sprintf("final(%d samples)", len(audio))
	return FinalResult{
		Text:       text,
		Segments:   []Segment{{Text: text, Start: 0, End: float64(len(audio)) / 16000.0}},
		Language:   lang,
		Confidence: 1.0,
	}, nil
}
