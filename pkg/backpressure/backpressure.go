// Package backpressure computes the watermark-driven throttling state that
// the scheduler and session loop read to slow down under load, and the
// per-connection jittered throttle that desynchronizes clients.
package backpressure

import (
	"math/rand"
	"sync/atomic"
)

// Level is the coarse load classification.
type Level int

const (
	Normal Level = iota
	High
	Critical
)

func (l Level) String() string {
	switch l {
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return "normal"
	}
}

// Watermarks configures the queue-depth thresholds that drive level
// transitions.
type Watermarks struct {
	FinalHi      int
	FinalCrit    int
	InterimHi    int
	InterimCrit  int
}

// DefaultWatermarks mirrors the documented defaults.
func DefaultWatermarks() Watermarks {
	return Watermarks{FinalHi: 6, FinalCrit: 12, InterimHi: 20, InterimCrit: 40}
}

// Bases holds the Normal-level baseline parameters every other level is
// derived from.
type Bases struct {
	CooldownMs   int64
	TailSeconds  float64
	InterimBurst int
	FinalBurst   int
}

// DefaultBases mirrors the documented defaults.
func DefaultBases() Bases {
	return Bases{CooldownMs: 220, TailSeconds: 7.0, InterimBurst: 3, FinalBurst: 2}
}

// State is the atomically-swapped snapshot read by the session path and
// scheduler without locking.
type State struct {
	Level           Level
	CooldownMs      int64
	TailSeconds     float64
	InterimsPaused  bool
	InterimBurst    int
	FinalBurst      int
}

// Controller recomputes State from queue depths at a fixed cadence (driven
// externally, typically once per second) and publishes it via an atomic
// pointer so readers never block on the writer.
type Controller struct {
	wm    Watermarks
	bases Bases

	current atomic.Pointer[State]
}

// NewController creates a Controller seeded with a Normal-level state.
func NewController(wm Watermarks, bases Bases) *Controller {
	c := &Controller{wm: wm, bases: bases}
	c.current.Store(normalState(bases))
	return c
}

func normalState(b Bases) *State {
	return &State{
		Level:          Normal,
		CooldownMs:     b.CooldownMs,
		TailSeconds:    b.TailSeconds,
		InterimsPaused: false,
		InterimBurst:   b.InterimBurst,
		FinalBurst:     b.FinalBurst,
	}
}

// Snapshot returns the current, immutable State.
func (c *Controller) Snapshot() State {
	return *c.current.Load()
}

// Update recomputes level and derived parameters from the current queue
// depths and publishes the new State.
func (c *Controller) Update(finalLen, interimLen int) State {
	level := c.level(finalLen, interimLen)

	var s State
	s.Level = level
	s.FinalBurst = c.bases.FinalBurst // unchanged across levels

	switch level {
	case Critical:
		s.CooldownMs = c.bases.CooldownMs + 250
		s.TailSeconds = maxF(1.5, c.bases.TailSeconds/4)
		s.InterimsPaused = finalLen >= c.wm.FinalCrit
		s.InterimBurst = maxI(1, c.bases.InterimBurst/3)
	case High:
		s.CooldownMs = c.bases.CooldownMs + 150
		s.TailSeconds = maxF(3.0, c.bases.TailSeconds/2)
		s.InterimsPaused = finalLen >= c.wm.FinalHi
		s.InterimBurst = maxI(1, c.bases.InterimBurst/2)
	default:
		s.CooldownMs = c.bases.CooldownMs
		s.TailSeconds = c.bases.TailSeconds
		s.InterimsPaused = false
		s.InterimBurst = c.bases.InterimBurst
	}

	c.current.Store(&s)
	return s
}

func (c *Controller) level(finalLen, interimLen int) Level {
	if finalLen >= c.wm.FinalCrit || interimLen >= c.wm.InterimCrit {
		return Critical
	}
	if finalLen >= c.wm.FinalHi || interimLen >= c.wm.InterimHi {
		return High
	}
	return Normal
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func maxI(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Throttle is a per-connection cooldown gate with a stable random jitter in
// [-30ms, +30ms], used to desynchronize clients that would otherwise all
// retry in lockstep.
type Throttle struct {
	effectiveCooldownMs int64 // base + jitter, fixed for the connection's lifetime
	lastEmitMs          int64
	hasEmitted          bool
}

// NewThrottle creates a Throttle whose effective cooldown is baseCooldownMs
// plus a jitter drawn uniformly from [-30, 30] ms, fixed for the lifetime
// of the connection.
func NewThrottle(baseCooldownMs int64) *Throttle {
	jitter := int64(rand.Intn(61)) - 30
	return &Throttle{effectiveCooldownMs: baseCooldownMs + jitter}
}

// ShouldAllow reports whether an interim may be enqueued now, given the
// scheduler's current cooldown setting. The effective threshold is the
// larger of the connection's own (base+jitter) cooldown and the
// scheduler's current cooldown, so backpressure escalation always wins.
func (t *Throttle) ShouldAllow(nowMs, currentCooldownMs int64) bool {
	if !t.hasEmitted {
		return true
	}
	threshold := t.effectiveCooldownMs
	if currentCooldownMs > threshold {
		threshold = currentCooldownMs
	}
	return nowMs-t.lastEmitMs >= threshold
}

// MarkSent records a successful enqueue at nowMs. Only called on success.
func (t *Throttle) MarkSent(nowMs int64) {
	t.lastEmitMs = nowMs
	t.hasEmitted = true
}
