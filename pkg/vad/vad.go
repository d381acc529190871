// Package vad implements the 20ms-frame voice activity gate each connection
// runs over its incoming PCM16 audio: a pure frame-by-frame state machine,
// with hysteresis between speech and silence, driven by a pluggable speech
// classifier.
package vad

// State is the VAD gate's coarse speech/silence state.
type State int

const (
	Idle State = iota
	Speaking
)

func (s State) String() string {
	if s == Speaking {
		return "speaking"
	}
	return "idle"
}

// Classifier decides whether a single frame of PCM16 audio is speech. It
// must never panic or return an error: a classifier that cannot judge a
// frame should report false ("not speech").
type Classifier func(frame []byte, sampleRate int) bool

// decayMs is how much speech_ms is reduced for every silent frame, in
// either state, so a brief gap shortens a speech run instead of resetting it.
const decayMs = 10

// frameMs is the fixed analysis window. Frame byte length is
// sampleRate * frameMs / 1000 * 2 (16-bit mono).
const frameMs = 20

// Gate is a streaming VAD state machine. It is not safe for concurrent use;
// each connection owns exactly one Gate.
type Gate struct {
	sampleRate int
	classify   Classifier

	startTriggerMs int
	endTriggerMs   int

	state     State
	speechMs  int
	silenceMs int

	remainder []byte // leftover bytes shorter than one frame

	justStarted bool
	justEnded   bool
}

// Option configures a Gate at construction time.
type Option func(*Gate)

// WithStartTrigger overrides the default 60ms speech-confirmation window.
func WithStartTrigger(ms int) Option {
	return func(g *Gate) { g.startTriggerMs = ms }
}

// WithEndTrigger overrides the default 500ms silence-confirmation window.
func WithEndTrigger(ms int) Option {
	return func(g *Gate) { g.endTriggerMs = ms }
}

// New creates a Gate for the given sample rate and classifier, applying the
// spec defaults of a 60ms start trigger and a 500ms end trigger.
func New(sampleRate int, classify Classifier, opts ...Option) *Gate {
	g := &Gate{
		sampleRate:     sampleRate,
		classify:       classify,
		startTriggerMs: 60,
		endTriggerMs:   500,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// frameBytes returns the byte length of one frameMs frame at sampleRate.
func (g *Gate) frameBytes() int {
	return g.sampleRate * frameMs / 1000 * 2
}

// State returns the current coarse state.
func (g *Gate) State() State { return g.state }

// JustStarted reports whether the most recent Process call produced a
// speech-start edge.
func (g *Gate) JustStarted() bool { return g.justStarted }

// JustEnded reports whether the most recent Process call produced a
// speech-end edge.
func (g *Gate) JustEnded() bool { return g.justEnded }

// SpeechMs returns the current speech-run counter.
func (g *Gate) SpeechMs() int { return g.speechMs }

// SilenceMs returns the current silence-run counter.
func (g *Gate) SilenceMs() int { return g.silenceMs }

// Process consumes raw PCM16 bytes, splits them into exact frameMs frames
// (carrying any sub-frame remainder to the next call), and updates the
// state machine. Edge flags are cleared at the start of every call, so at
// most one start/end pair is reported per invocation even if multiple
// frames are processed.
func (g *Gate) Process(raw []byte) {
	g.justStarted = false
	g.justEnded = false

	buf := raw
	if len(g.remainder) > 0 {
		buf = append(append([]byte(nil), g.remainder...), raw...)
	}

	fb := g.frameBytes()
	if fb <= 0 {
		g.remainder = nil
		return
	}

	n := len(buf) / fb
	for i := 0; i < n; i++ {
		frame := buf[i*fb : (i+1)*fb]
		g.processFrame(frame)
	}

	rem := len(buf) % fb
	if rem > 0 {
		g.remainder = append([]byte(nil), buf[n*fb:]...)
	} else {
		g.remainder = nil
	}
}

func (g *Gate) processFrame(frame []byte) {
	speech := g.classify(frame, g.sampleRate)

	if speech {
		g.speechMs += frameMs
		g.silenceMs = 0

		if g.state == Idle && g.speechMs >= g.startTriggerMs {
			g.state = Speaking
			g.justStarted = true
		}
		return
	}

	// Silent frame.
	if g.state == Idle {
		// silence_ms may grow unbounded in Idle; speech_ms decays toward 0.
		g.silenceMs += frameMs
		g.speechMs -= decayMs
		if g.speechMs < 0 {
			g.speechMs = 0
		}
		return
	}

	// Speaking: any silent frame increments silence_ms and decays speech_ms.
	g.silenceMs += frameMs
	g.speechMs -= decayMs
	if g.speechMs < 0 {
		g.speechMs = 0
	}

	if g.silenceMs >= g.endTriggerMs {
		g.state = Idle
		g.justEnded = true
		g.speechMs = 0
	}
}

// Reset discards all accumulated state, including any carried remainder,
// and returns the gate to Idle.
func (g *Gate) Reset() {
	g.state = Idle
	g.speechMs = 0
	g.silenceMs = 0
	g.remainder = nil
	g.justStarted = false
	g.justEnded = false
}
