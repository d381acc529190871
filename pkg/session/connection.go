// Package session implements the per-connection state machine: ingestion
// of audio and control messages, VAD-driven interim/final job submission,
// and the outgoing message queue a transport drains in order.
package session

import (
	"context"
	"sync"

	"github.com/lokutor-ai/lokutor-stream/pkg/backpressure"
	"github.com/lokutor-ai/lokutor-stream/pkg/decoder"
	"github.com/lokutor-ai/lokutor-stream/pkg/emitgate"
	"github.com/lokutor-ai/lokutor-stream/pkg/job"
	"github.com/lokutor-ai/lokutor-stream/pkg/queue"
	"github.com/lokutor-ai/lokutor-stream/pkg/ring"
	"github.com/lokutor-ai/lokutor-stream/pkg/vad"
)

// Phase is the connection's coarse utterance-processing state.
type Phase int

const (
	Idle Phase = iota
	Listening
	Processing
)

func (p Phase) String() string {
	switch p {
	case Listening:
		return "listening"
	case Processing:
		return "processing"
	default:
		return "idle"
	}
}

// SeqSource hands out the insertion-order sequence numbers the scheduler
// uses to tie-break jobs; satisfied by *scheduler.Scheduler.
type SeqSource interface {
	NextSeq() uint64
}

// Backpressure is the read side of the backpressure controller the
// connection consults for the live cooldown and tail-window parameters.
type Backpressure interface {
	Snapshot() backpressure.State
}

// Metrics is the recording surface a Connection calls into at job-enqueue
// and result-handling time; satisfied by *metrics.Metrics. Optional: a nil
// Metrics silently disables recording, so tests can construct a Connection
// without a meter provider.
type Metrics interface {
	RecordEnqueue(ctx context.Context, kind string)
	RecordCoalesced(ctx context.Context)
	RecordInterimRejected(ctx context.Context)
}

// Config bundles the connection's fixed, per-deployment parameters.
type Config struct {
	SampleRate      int
	RingSeconds     int
	StartTriggerMs  int
	EndTriggerMs    int
	InterimMinMs    int64 // emit-gate cooldown, independent of backpressure's cooldown_ms
	BaseCooldownMs  int64 // throttle base, jittered per connection
	Classify        vad.Classifier
}

// Connection is the per-client bundle of ring buffer, VAD gate, emit gate,
// and throttle, plus the FSM and outgoing queue. It is safe for concurrent
// use: ingestion methods and result handlers may be called from different
// goroutines (transport read loop vs. scheduler workers).
type Connection struct {
	id  string
	cfg Config

	finals   *queue.Final
	interims *queue.Coalescing
	seq      SeqSource
	bp       Backpressure
	metrics  Metrics

	outgoing chan OutMessage
	outMu    sync.Mutex // guards overflow eviction on outgoing; separate from mu to avoid reentrancy from result handlers

	mu                   sync.Mutex
	phase                Phase
	started              bool
	lang                 string
	lastCommittedSample  int64
	interimInflight      bool
	lastFinalCreatedAt   int64
	closed               bool

	ring     *ring.Buffer
	vadGate  *vad.Gate
	emit     *emitgate.Gate
	throttle *backpressure.Throttle
}

// New creates a Connection. The outgoing channel is buffered so result
// handlers (called from scheduler worker goroutines) never block on a
// slow or stalled transport writer. On overflow, a new status or interim
// message is dropped; a new final or error evicts the oldest buffered
// status message to make room, and is itself dropped only when no status
// message is buffered to evict.
func New(id string, cfg Config, finals *queue.Final, interims *queue.Coalescing, seq SeqSource, bp Backpressure, m Metrics) *Connection {
	return &Connection{
		id:       id,
		cfg:      cfg,
		finals:   finals,
		interims: interims,
		seq:      seq,
		bp:       bp,
		metrics:  m,
		outgoing: make(chan OutMessage, 256),
		ring:     ring.New(cfg.SampleRate, cfg.RingSeconds),
		vadGate:  vad.New(cfg.SampleRate, cfg.Classify, vad.WithStartTrigger(cfg.StartTriggerMs), vad.WithEndTrigger(cfg.EndTriggerMs)),
		emit:     emitgate.New(),
		throttle: backpressure.NewThrottle(cfg.BaseCooldownMs),
	}
}

// ID returns the connection's identifier.
func (c *Connection) ID() string { return c.id }

// Outgoing returns the channel the transport should drain, in order, for
// the lifetime of the connection.
func (c *Connection) Outgoing() <-chan OutMessage { return c.outgoing }

func (c *Connection) send(msg OutMessage) {
	select {
	case c.outgoing <- msg:
		return
	default:
	}

	// Outgoing queue is full; the transport is not keeping up. A final or
	// error must still get through, so make room by evicting the oldest
	// buffered status message. Anything else (a new status or interim, or
	// a final/error with no status to evict) is dropped rather than blocking the
	// caller, a scheduler worker or the ingestion path.
	if msg.Type != TypeFinal && msg.Type != TypeError {
		return
	}

	c.outMu.Lock()
	defer c.outMu.Unlock()

	buffered := len(c.outgoing)
	evicted := false
drain:
	for i := 0; i < buffered; i++ {
		var old OutMessage
		select {
		case old = <-c.outgoing:
		default:
			break drain // concurrent drain by the transport emptied it already
		}
		if !evicted && old.Type == TypeStatus {
			evicted = true
			continue
		}
		select {
		case c.outgoing <- old:
		default:
			// transport raced us for the freed slot; old is lost, which
			// is no worse than the drop we were trying to avoid.
		}
	}

	select {
	case c.outgoing <- msg:
	default:
		// still full: every buffered slot held a final/error/interim and
		// the transport has made no progress at all. Best effort only.
	}
}

// Start initializes the session's language and records that audio may now
// be accepted. A start message's sample_rate is not used; the ring
// buffer's rate is fixed at construction from Config.
func (c *Connection) Start(lang string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.lang = lang
	c.started = true
	return nil
}

// HandleControl dispatches an already-decoded control message. nowMs is
// the caller's wall-clock reading in unix milliseconds, threaded through
// for testability.
func (c *Connection) HandleControl(msg ControlMessage, nowMs int64) error {
	switch msg.Op {
	case OpStart:
		if err := c.Start(msg.Lang); err != nil {
			c.send(errorMessage(errorCode(err), err.Error()))
			return err
		}
		return nil
	case OpAudio:
		raw, err := decodeAudioPayload(msg.Payload)
		if err != nil {
			c.send(errorMessage(errorCode(ErrInvalidFrame), err.Error()))
			return err
		}
		return c.Audio(raw, nowMs)
	case OpStop:
		return c.Stop(nowMs)
	default:
		err := ErrInvalidJSON
		c.send(errorMessage(errorCode(err), "unknown op"))
		return err
	}
}

// Audio ingests a raw PCM16 chunk, whether it arrived as a binary frame or
// was base64-decoded from a JSON audio message.
func (c *Connection) Audio(raw []byte, nowMs int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.started {
		err := ErrNotStarted
		c.send(errorMessage(errorCode(err), err.Error()))
		return err
	}
	if len(raw)%2 != 0 {
		err := ErrInvalidFrame
		c.send(errorMessage(errorCode(err), err.Error()))
		return err
	}

	if _, err := c.ring.Append(raw); err != nil {
		c.send(errorMessage(errorCode(ErrInvalidFrame), err.Error()))
		return ErrInvalidFrame
	}
	c.vadGate.Process(raw)

	if c.phase == Idle && c.vadGate.JustStarted() {
		c.phase = Listening
	}

	if c.phase == Listening {
		c.maybeEnqueueInterimLocked(nowMs)

		if c.vadGate.JustEnded() {
			c.enqueueFinalLocked(nowMs)
			c.phase = Processing
		}
	}

	return nil
}

// Stop forces a final over the window since the last commit and keeps the
// session alive for further audio.
func (c *Connection) Stop(nowMs int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.started {
		err := ErrNotStarted
		c.send(errorMessage(errorCode(err), err.Error()))
		return err
	}
	c.enqueueFinalLocked(nowMs)
	c.phase = Processing
	return nil
}

// maybeEnqueueInterimLocked submits an interim job if the throttle permits
// it and none is currently in flight. Caller must hold c.mu.
func (c *Connection) maybeEnqueueInterimLocked(nowMs int64) {
	if c.interimInflight {
		return
	}
	bps := c.bp.Snapshot()
	if !c.throttle.ShouldAllow(nowMs, bps.CooldownMs) {
		return
	}

	tail := c.ring.TailF32(bps.TailSeconds)
	if tail == nil {
		return
	}

	c.interimInflight = true
	c.throttle.MarkSent(nowMs)

	end := c.ring.Cursor()
	start := end - int64(len(tail))
	j := job.Job{
		Kind:      job.Interim,
		ConnID:    c.id,
		Audio:     tail,
		Lang:      c.lang,
		CreatedAt: nowMs,
		Seq:       c.seq.NextSeq(),
		T0:        start,
		T1:        end,
	}
	if c.metrics != nil {
		c.metrics.RecordEnqueue(context.Background(), "interim")
	}
	if replaced := c.interims.Put(j); replaced && c.metrics != nil {
		c.metrics.RecordCoalesced(context.Background())
	}
}

// enqueueFinalLocked submits a final job for the window since the last
// committed sample. Caller must hold c.mu.
func (c *Connection) enqueueFinalLocked(nowMs int64) {
	start := c.lastCommittedSample
	end := c.ring.Cursor()
	audio := c.ring.SinceF32(start)

	j := job.Job{
		Kind:      job.Final,
		ConnID:    c.id,
		Audio:     audio,
		Lang:      c.lang,
		CreatedAt: nowMs,
		Seq:       c.seq.NextSeq(),
		T0:        start,
		T1:        end,
	}
	c.lastFinalCreatedAt = nowMs
	c.lastCommittedSample = end
	if c.metrics != nil {
		c.metrics.RecordEnqueue(context.Background(), "final")
	}
	c.finals.Push(j)
}

// HandleInterimResult implements the scheduler's result sink for interim
// jobs. It must tolerate delivery after Close (the job may have been
// in-flight at disconnect).
func (c *Connection) HandleInterimResult(j job.Job, text string, err error, nowMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.interimInflight = false

	if j.CreatedAt < c.lastFinalCreatedAt {
		if c.metrics != nil {
			c.metrics.RecordInterimRejected(context.Background())
		}
		return // superseded by a final; drop per ordering invariant
	}

	if err != nil {
		c.send(errorMessage(errorCode(ErrDecodeFailed), err.Error()))
		return
	}

	decision := c.emit.Decide(text, nowMs, c.cfg.InterimMinMs)
	if !decision.Emit {
		return
	}
	c.send(interimMessage(c.id, text, decision.StableChars, secondsOf(j.T0, c.cfg.SampleRate), secondsOf(j.T1, c.cfg.SampleRate)))
}

// HandleFinalResult implements the scheduler's result sink for final jobs.
func (c *Connection) HandleFinalResult(j job.Job, res decoder.FinalResult, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	if err != nil {
		c.send(errorMessage(errorCode(ErrDecodeFailed), err.Error()))
		// ring.committed is left unchanged and, unless a later final has
		// already been enqueued, lastCommittedSample moves back to this
		// job's start, so the next final decodes this window again.
		if c.lastCommittedSample == j.T1 {
			c.lastCommittedSample = j.T0
		}
		return
	}

	c.ring.Commit(j.T1)
	c.emit.Reset()
	c.phase = Idle
	c.send(finalMessage(c.id, res, secondsOf(j.T0, c.cfg.SampleRate), secondsOf(j.T1, c.cfg.SampleRate)))
}

// PublishStatus enqueues a status message reflecting the given
// backpressure snapshot.
func (c *Connection) PublishStatus(s backpressure.State) {
	c.send(statusMessage(s.Level.String(), s.CooldownMs, s.TailSeconds, s.InterimsPaused))
}

// Phase returns the current FSM phase.
func (c *Connection) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Close marks the connection closed and closes its outgoing channel.
// It is idempotent.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.outgoing)
}

func secondsOf(absSample int64, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(absSample) / float64(sampleRate)
}
