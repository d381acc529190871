package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lokutor-ai/lokutor-stream/pkg/decoder"
	"github.com/lokutor-ai/lokutor-stream/pkg/job"
	"github.com/lokutor-ai/lokutor-stream/pkg/queue"
)

type recordingResults struct {
	mu      sync.Mutex
	order   []string
	interim int
	final   int
}

func (r *recordingResults) HandleInterim(j job.Job, text string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, "interim:"+j.ConnID)
	r.interim++
}

func (r *recordingResults) HandleFinal(j job.Job, result decoder.FinalResult, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, "final:"+j.ConnID)
	r.final++
}

func TestFinalsServedBeforeInterimsInSameTick(t *testing.T) {
	finals := queue.NewFinal()
	interims := queue.NewCoalescing()

	for i := 0; i < 30; i++ {
		interims.Put(job.Job{ConnID: string(rune('a' + i%26)), Kind: job.Interim, CreatedAt: int64(i), Seq: uint64(i), Audio: []float32{1}})
	}
	finals.Push(job.Job{ConnID: "final-conn", Kind: job.Final, CreatedAt: 0, Audio: []float32{1}})

	results := &recordingResults{}
	cfg := DefaultConfig()
	cfg.FinalBurst = 2
	cfg.InterimBurst = 3
	// Each dispatch decodes on its own goroutine, so results arrive in
	// completion order. A slower interim decoder makes that order follow
	// the dispatch order.
	slowInterim := decoder.NewMock()
	slowInterim.Latency = 20 * time.Millisecond
	s := New(finals, interims, slowInterim, decoder.NewMock(), cfg, nil, results, nil)

	s.Tick(context.Background())
	s.Wait()

	results.mu.Lock()
	defer results.mu.Unlock()
	if len(results.order) == 0 || results.order[0] != "final:final-conn" {
		t.Fatalf("expected final to be dispatched first, got order %v", results.order)
	}
	if results.final != 1 {
		t.Fatalf("expected exactly 1 final served, got %d", results.final)
	}
	if results.interim != 3 {
		t.Fatalf("expected interim_burst=3 interims served, got %d", results.interim)
	}
}

func TestInterimsSkippedWhenFinalQueueNonEmptyAfterBurst(t *testing.T) {
	finals := queue.NewFinal()
	interims := queue.NewCoalescing()

	for i := 0; i < 5; i++ {
		finals.Push(job.Job{ConnID: "c", Kind: job.Final, CreatedAt: int64(i), Audio: []float32{1}})
	}
	interims.Put(job.Job{ConnID: "x", Kind: job.Interim, CreatedAt: 0, Audio: []float32{1}})

	results := &recordingResults{}
	cfg := DefaultConfig()
	cfg.FinalBurst = 2
	s := New(finals, interims, decoder.NewMock(), decoder.NewMock(), cfg, nil, results, nil)

	s.Tick(context.Background())
	s.Wait()

	results.mu.Lock()
	defer results.mu.Unlock()
	if results.interim != 0 {
		t.Fatalf("expected no interims served while finals remain queued, got %d", results.interim)
	}
	if results.final != 2 {
		t.Fatalf("expected final_burst=2 finals served, got %d", results.final)
	}
	if finals.Len() != 3 {
		t.Fatalf("expected 3 finals left in queue, got %d", finals.Len())
	}
}

func TestInterimsPausedSkipsInterimDispatch(t *testing.T) {
	finals := queue.NewFinal()
	interims := queue.NewCoalescing()
	interims.Put(job.Job{ConnID: "x", Kind: job.Interim, Audio: []float32{1}})

	results := &recordingResults{}
	cfg := DefaultConfig()
	s := New(finals, interims, decoder.NewMock(), decoder.NewMock(), cfg, staticLevels{burst: 3, paused: true}, results, nil)

	s.Tick(context.Background())
	s.Wait()

	if results.interim != 0 {
		t.Fatalf("expected interims_paused to suppress dispatch, got %d", results.interim)
	}
	if interims.Len() != 1 {
		t.Fatalf("expected the paused interim to remain queued")
	}
}

func TestStaleInterimDroppedAfterNewerFinal(t *testing.T) {
	finals := queue.NewFinal()
	interims := queue.NewCoalescing()

	slow := decoder.NewMock()
	slow.Latency = 30 * time.Millisecond

	results := &recordingResults{}
	cfg := DefaultConfig()
	s := New(finals, interims, slow, decoder.NewMock(), cfg, nil, results, nil)

	// Dispatch a slow interim for conn "c" with an old created_at.
	interims.Put(job.Job{ConnID: "c", Kind: job.Interim, CreatedAt: 10, Audio: []float32{1}})
	s.Tick(context.Background())

	// Before the interim completes, a newer final for "c" lands and is served.
	finals.Push(job.Job{ConnID: "c", Kind: job.Final, CreatedAt: 20, Audio: []float32{1}})
	s.Tick(context.Background())

	s.Wait()

	results.mu.Lock()
	defer results.mu.Unlock()
	if results.interim != 0 {
		t.Fatalf("expected the stale interim result to be dropped, got %d delivered", results.interim)
	}
	if results.final != 1 {
		t.Fatalf("expected the final to be delivered, got %d", results.final)
	}
}

func TestSeqerAssignsIncreasingSequence(t *testing.T) {
	finals := queue.NewFinal()
	interims := queue.NewCoalescing()
	s := New(finals, interims, decoder.NewMock(), decoder.NewMock(), DefaultConfig(), nil, &recordingResults{}, nil)

	a := s.NextSeq()
	b := s.NextSeq()
	if b != a+1 {
		t.Fatalf("expected monotonically increasing sequence, got %d then %d", a, b)
	}
}

type recordingMetrics struct {
	mu        sync.Mutex
	processed map[string]int
	durations int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{processed: make(map[string]int)}
}

func (m *recordingMetrics) RecordProcessed(ctx context.Context, kind, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[kind+":"+status]++
}

func (m *recordingMetrics) RecordDecodeDuration(ctx context.Context, kind string, seconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations++
}

func TestDispatchRecordsMetricsForFinalAndInterim(t *testing.T) {
	finals := queue.NewFinal()
	interims := queue.NewCoalescing()
	finals.Push(job.Job{ConnID: "c", Kind: job.Final, CreatedAt: 0, Audio: []float32{1}})
	interims.Put(job.Job{ConnID: "x", Kind: job.Interim, CreatedAt: 0, Audio: []float32{1}})

	m := newRecordingMetrics()
	cfg := DefaultConfig()
	cfg.FinalBurst = 1
	cfg.InterimBurst = 1
	s := New(finals, interims, decoder.NewMock(), decoder.NewMock(), cfg, nil, &recordingResults{}, m)

	s.Tick(context.Background())
	s.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processed["final:ok"] != 1 {
		t.Fatalf("expected 1 ok final recorded, got %d", m.processed["final:ok"])
	}
	if m.processed["interim:ok"] != 1 {
		t.Fatalf("expected 1 ok interim recorded, got %d", m.processed["interim:ok"])
	}
	if m.durations != 2 {
		t.Fatalf("expected 2 decode durations recorded, got %d", m.durations)
	}
}

func TestDispatchRecordsErrorStatusOnDecodeFailure(t *testing.T) {
	finals := queue.NewFinal()
	interims := queue.NewCoalescing()
	failing := decoder.NewMock()
	failing.Err = errFake{}
	finals.Push(job.Job{ConnID: "c", Kind: job.Final, CreatedAt: 0, Audio: []float32{1}})

	m := newRecordingMetrics()
	cfg := DefaultConfig()
	cfg.FinalBurst = 1
	s := New(finals, interims, decoder.NewMock(), failing, cfg, nil, &recordingResults{}, m)

	s.Tick(context.Background())
	s.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processed["final:error"] != 1 {
		t.Fatalf("expected 1 error final recorded, got %d", m.processed["final:error"])
	}
}

type errFake struct{}

func (errFake) Error() string { return "decode failed" }
