// Package scheduler runs the cooperative priority loop that drains the
// final and coalescing interim queues and dispatches decode work onto a
// small, per-model worker pool.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/lokutor-ai/lokutor-stream/pkg/decoder"
	"github.com/lokutor-ai/lokutor-stream/pkg/job"
	"github.com/lokutor-ai/lokutor-stream/pkg/queue"
)

// Metrics is the recording surface the scheduler calls into around each
// dispatched decode; satisfied by *metrics.Metrics. A nil Metrics disables
// recording, for tests that construct a Scheduler directly.
type Metrics interface {
	RecordProcessed(ctx context.Context, kind, status string)
	RecordDecodeDuration(ctx context.Context, kind string, seconds float64)
}

// Results is the sink the scheduler posts decode outcomes to. Implementations
// must tolerate calls referencing a conn_id whose Connection State has
// already been torn down (the job may have been in flight when the
// connection closed); such deliveries are simply dropped by the handler.
type Results interface {
	HandleInterim(j job.Job, text string, err error)
	HandleFinal(j job.Job, result decoder.FinalResult, err error)
}

// Config holds the scheduler's tunable parameters. FinalBurst is read from
// Config on every tick; the interim burst is read fresh from Levels on
// every tick, so a live Backpressure Controller can adjust it without
// restarting the scheduler. InterimBurst only seeds the fixed Levels used
// when New is given none.
type Config struct {
	TickInterval   time.Duration
	FinalBurst     int
	InterimBurst   int
	InterimTimeout time.Duration
	FinalTimeout   time.Duration
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:   12 * time.Millisecond,
		FinalBurst:     2,
		InterimBurst:   3,
		InterimTimeout: 5 * time.Second,
		FinalTimeout:   30 * time.Second,
	}
}

// Levels is the subset of backpressure state the scheduler consults each
// tick: the current interim burst size and whether interims are paused.
type Levels interface {
	InterimBurst() int
	InterimsPaused() bool
}

// staticLevels is a Levels that never changes, used when no backpressure
// controller is wired in (e.g. tests).
type staticLevels struct {
	burst  int
	paused bool
}

func (s staticLevels) InterimBurst() int    { return s.burst }
func (s staticLevels) InterimsPaused() bool { return s.paused }

// Scheduler is the two-tier priority dispatch loop. It owns no queue state
// of its own beyond the locks serializing decoder access; the final and
// interim queues are supplied at construction and may be shared with
// producers (session loops) running concurrently.
type Scheduler struct {
	finals   *queue.Final
	interims *queue.Coalescing

	interimDecoder decoder.Decoder
	finalDecoder   decoder.Decoder

	interimMu sync.Mutex
	finalMu   sync.Mutex

	cfg     Config
	levels  Levels
	result  Results
	metrics Metrics

	seq job.Seqer

	mu                 sync.Mutex
	lastFinalCreatedAt map[string]int64

	wg sync.WaitGroup
}

// New creates a Scheduler. interimDecoder and finalDecoder may be the same
// value (a single model serving both tiers) or distinct models; either way
// each is called under its own mutex, never concurrently with itself.
func New(finals *queue.Final, interims *queue.Coalescing, interimDecoder, finalDecoder decoder.Decoder, cfg Config, levels Levels, result Results, metrics Metrics) *Scheduler {
	if levels == nil {
		levels = staticLevels{burst: cfg.InterimBurst, paused: false}
	}
	return &Scheduler{
		finals:             finals,
		interims:           interims,
		interimDecoder:     interimDecoder,
		finalDecoder:       finalDecoder,
		cfg:                cfg,
		levels:             levels,
		result:             result,
		metrics:            metrics,
		lastFinalCreatedAt: make(map[string]int64),
	}
}

// NextSeq returns the next insertion-order sequence number for a job about
// to be enqueued. Exposed so producers can populate job.Job.Seq before
// pushing into either queue.
func (s *Scheduler) NextSeq() uint64 { return s.seq.Next() }

// Run drives the tick loop until ctx is canceled, waiting for in-flight
// decodes to finish before returning.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs a single scheduling pass: up to FinalBurst finals, then —
// only if the final queue is now empty and interims are not paused — up
// to InterimBurst interims. Each served job is dispatched asynchronously
// to a worker goroutine; Tick itself never blocks on a decode.
func (s *Scheduler) Tick(ctx context.Context) {
	servedFinal := 0
	for servedFinal < s.cfg.FinalBurst {
		j, ok := s.finals.Pop()
		if !ok {
			break
		}
		s.noteFinal(j)
		s.dispatchFinal(ctx, j)
		servedFinal++
	}

	if s.finals.Len() > 0 {
		return
	}
	if s.levels.InterimsPaused() {
		return
	}

	burst := s.levels.InterimBurst()
	for i := 0; i < burst; i++ {
		j, ok := s.interims.PopOldest()
		if !ok {
			break
		}
		s.dispatchInterim(ctx, j)
	}
}

func (s *Scheduler) noteFinal(j job.Job) {
	s.mu.Lock()
	s.lastFinalCreatedAt[j.ConnID] = j.CreatedAt
	s.mu.Unlock()
}

// isStaleInterim reports whether an interim result predates the most
// recent final seen for the same connection — such a result must be
// discarded to preserve per-connection ordering.
func (s *Scheduler) isStaleInterim(j job.Job) bool {
	s.mu.Lock()
	last, ok := s.lastFinalCreatedAt[j.ConnID]
	s.mu.Unlock()
	return ok && j.CreatedAt < last
}

func (s *Scheduler) dispatchFinal(ctx context.Context, j job.Job) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		cctx, cancel := context.WithTimeout(ctx, s.cfg.FinalTimeout)
		defer cancel()

		start := time.Now()
		s.finalMu.Lock()
		res, err := s.finalDecoder.Final(cctx, j.Audio, j.Lang)
		s.finalMu.Unlock()
		s.recordDecode("final", start, err)

		s.result.HandleFinal(j, res, err)
	}()
}

func (s *Scheduler) dispatchInterim(ctx context.Context, j job.Job) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		cctx, cancel := context.WithTimeout(ctx, s.cfg.InterimTimeout)
		defer cancel()

		start := time.Now()
		s.interimMu.Lock()
		text, err := s.interimDecoder.Interim(cctx, j.Audio, j.Lang)
		s.interimMu.Unlock()
		s.recordDecode("interim", start, err)

		if s.isStaleInterim(j) {
			return
		}
		s.result.HandleInterim(j, text, err)
	}()
}

// recordDecode records a completed decode call's latency and outcome.
// Recorded once per dispatch regardless of whether the result is later
// discarded as stale, since the decode itself still happened.
func (s *Scheduler) recordDecode(kind string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	ctx := context.Background()
	s.metrics.RecordDecodeDuration(ctx, kind, time.Since(start).Seconds())
	s.metrics.RecordProcessed(ctx, kind, status)
}

// Wait blocks until all dispatched jobs have completed. Intended for tests
// that call Tick directly and need deterministic completion.
func (s *Scheduler) Wait() { s.wg.Wait() }
