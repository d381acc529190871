package runtime

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/lokutor-ai/lokutor-stream/internal/metrics"
	"github.com/lokutor-ai/lokutor-stream/pkg/backpressure"
	"github.com/lokutor-ai/lokutor-stream/pkg/decoder"
	"github.com/lokutor-ai/lokutor-stream/pkg/job"
	"github.com/lokutor-ai/lokutor-stream/pkg/queue"
	"github.com/lokutor-ai/lokutor-stream/pkg/scheduler"
	"github.com/lokutor-ai/lokutor-stream/pkg/session"
	"github.com/lokutor-ai/lokutor-stream/pkg/vad"
)

// Config bundles every knob needed to stand up a Runtime. There is no
// module-level default; callers (cmd/server, tests) always construct one
// explicitly.
type Config struct {
	SampleRate     int
	RingSeconds    int
	StartTriggerMs int
	EndTriggerMs   int
	InterimMinMs   int64
	BaseCooldownMs int64
	Classify       vad.Classifier

	Watermarks backpressure.Watermarks
	Bases      backpressure.Bases
	Scheduler  scheduler.Config

	InterimDecoder decoder.Decoder
	FinalDecoder   decoder.Decoder

	BackpressurePollInterval time.Duration

	// Metrics is optional; a nil value disables instrument recording
	// entirely, which is how package tests construct a Runtime without a
	// meter provider. cmd/server always supplies a real one when metrics
	// are enabled.
	Metrics *metrics.Metrics
}

// DefaultConfig mirrors the documented defaults, minus the decoders (which
// have no sensible default and must always be supplied).
func DefaultConfig() Config {
	return Config{
		SampleRate:               16000,
		RingSeconds:              30,
		StartTriggerMs:           60,
		EndTriggerMs:             500,
		InterimMinMs:             220,
		BaseCooldownMs:           220,
		Classify:                 vad.RMSClassifier(0.02),
		Watermarks:               backpressure.DefaultWatermarks(),
		Bases:                    backpressure.DefaultBases(),
		Scheduler:                scheduler.DefaultConfig(),
		BackpressurePollInterval: time.Second,
	}
}

// Runtime is the single live value tying every core component together:
// the connection registry, the backpressure controller, and the priority
// scheduler. There is exactly one Runtime per server process — no
// component here is a package-level singleton.
type Runtime struct {
	cfg Config

	Registry *Registry

	finals   *queue.Final
	interims *queue.Coalescing

	backpressure *backpressure.Controller
	scheduler    *scheduler.Scheduler

	ticked atomic.Bool
}

// New wires a Runtime from cfg. It does not start any goroutines; call Run
// to start the scheduler tick loop and the backpressure poller.
func New(cfg Config) *Runtime {
	finals := queue.NewFinal()
	interims := queue.NewCoalescing()
	bp := backpressure.NewController(cfg.Watermarks, cfg.Bases)

	rt := &Runtime{
		cfg:          cfg,
		Registry:     NewRegistry(),
		finals:       finals,
		interims:     interims,
		backpressure: bp,
	}

	levels := schedulerLevels{bp}
	rt.scheduler = scheduler.New(finals, interims, cfg.InterimDecoder, cfg.FinalDecoder, cfg.Scheduler, levels, rt, schedulerMetrics(cfg.Metrics))
	return rt
}

// schedulerMetrics and sessionMetrics convert a possibly-nil *metrics.Metrics
// into the narrow interface each downstream package expects. A direct
// assignment would wrap a nil pointer in a non-nil interface value, which
// the nil checks in scheduler.Scheduler and session.Connection would then
// miss.
func schedulerMetrics(m *metrics.Metrics) scheduler.Metrics {
	if m == nil {
		return nil
	}
	return m
}

func sessionMetrics(m *metrics.Metrics) session.Metrics {
	if m == nil {
		return nil
	}
	return m
}

// schedulerLevels adapts *backpressure.Controller to scheduler.Levels.
type schedulerLevels struct{ c *backpressure.Controller }

func (s schedulerLevels) InterimBurst() int    { return s.c.Snapshot().InterimBurst }
func (s schedulerLevels) InterimsPaused() bool { return s.c.Snapshot().InterimsPaused }

// Backpressure returns the live backpressure snapshot reader, satisfying
// session.Backpressure.
func (rt *Runtime) Backpressure() *backpressure.Controller { return rt.backpressure }

// QueueDepths, BackpressureLevel, InterimCooldownMs, TailWindowSeconds and
// InterimsPaused satisfy metrics.Source structurally, so the observable
// gauges stay decoupled from this type's exact shape.
func (rt *Runtime) QueueDepths() (final, interim int) {
	return rt.finals.Len(), rt.interims.Len()
}

func (rt *Runtime) BackpressureLevel() int {
	switch rt.backpressure.Snapshot().Level {
	case backpressure.Critical:
		return 2
	case backpressure.High:
		return 1
	default:
		return 0
	}
}

func (rt *Runtime) InterimCooldownMs() int64  { return rt.backpressure.Snapshot().CooldownMs }
func (rt *Runtime) TailWindowSeconds() float64 { return rt.backpressure.Snapshot().TailSeconds }
func (rt *Runtime) InterimsPaused() bool       { return rt.backpressure.Snapshot().InterimsPaused }

// NewConnection creates and registers a Connection using the Runtime's
// shared queues, scheduler sequence source, and backpressure reader.
func (rt *Runtime) NewConnection(id string) *session.Connection {
	cfg := session.Config{
		SampleRate:     rt.cfg.SampleRate,
		RingSeconds:    rt.cfg.RingSeconds,
		StartTriggerMs: rt.cfg.StartTriggerMs,
		EndTriggerMs:   rt.cfg.EndTriggerMs,
		InterimMinMs:   rt.cfg.InterimMinMs,
		BaseCooldownMs: rt.cfg.BaseCooldownMs,
		Classify:       rt.cfg.Classify,
	}
	c := session.New(id, cfg, rt.finals, rt.interims, rt.scheduler, rt.backpressure, sessionMetrics(rt.cfg.Metrics))
	rt.Registry.Register(c)
	if rt.cfg.Metrics != nil {
		rt.cfg.Metrics.ActiveConnections.Add(context.Background(), 1)
	}
	return c
}

// CloseConnection unregisters and closes a connection.
func (rt *Runtime) CloseConnection(id string) {
	if c, ok := rt.Registry.Get(id); ok {
		c.Close()
		if rt.cfg.Metrics != nil {
			rt.cfg.Metrics.ActiveConnections.Add(context.Background(), -1)
		}
	}
	rt.Registry.Unregister(id)
}

// HandleInterim implements scheduler.Results. A missing connection (closed
// mid-decode) is silently tolerated.
func (rt *Runtime) HandleInterim(j job.Job, text string, err error) {
	c, ok := rt.Registry.Get(j.ConnID)
	if !ok {
		return
	}
	c.HandleInterimResult(j, text, err, time.Now().UnixMilli())
}

// HandleFinal implements scheduler.Results.
func (rt *Runtime) HandleFinal(j job.Job, res decoder.FinalResult, err error) {
	c, ok := rt.Registry.Get(j.ConnID)
	if !ok {
		return
	}
	c.HandleFinalResult(j, res, err)
}

// Run starts the scheduler's tick loop and the backpressure poller, both
// stopping when ctx is canceled.
func (rt *Runtime) Run(ctx context.Context) {
	go rt.runScheduler(ctx)
	rt.pollBackpressure(ctx)
}

// runScheduler drives the scheduler's own tick loop, marking the Runtime
// ready after the first tick completes — cmd/server's /ready handler
// refuses traffic before that point.
func (rt *Runtime) runScheduler(ctx context.Context) {
	ticker := time.NewTicker(rt.cfg.Scheduler.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			rt.scheduler.Wait()
			return
		case <-ticker.C:
			rt.scheduler.Tick(ctx)
			rt.ticked.Store(true)
		}
	}
}

// Ready reports whether the scheduler has completed at least one tick and
// both decoder handles were supplied, satisfying httpapi.Source.
func (rt *Runtime) Ready() bool {
	return rt.ticked.Load() && rt.cfg.InterimDecoder != nil && rt.cfg.FinalDecoder != nil
}

// BackpressureSnapshot satisfies httpapi.Source.
func (rt *Runtime) BackpressureSnapshot() backpressure.State { return rt.backpressure.Snapshot() }

func (rt *Runtime) pollBackpressure(ctx context.Context) {
	ticker := time.NewTicker(rt.cfg.BackpressurePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prev := rt.backpressure.Snapshot()
			next := rt.backpressure.Update(rt.finals.Len(), rt.interims.Len())
			if next.Level != prev.Level {
				rt.Registry.Each(func(c *session.Connection) { c.PublishStatus(next) })
			}
		}
	}
}
