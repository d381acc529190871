// Package metrics exposes the OpenTelemetry instruments for the streaming
// core, bridged to Prometheus for scraping via /metrics.
package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/lokutor-ai/lokutor-stream"

// Source is the live state metrics polls for its observable gauges. The
// Runtime implements it; metrics never imports pkg/runtime to avoid a
// cycle, so the wiring happens at construction time in cmd/server.
type Source interface {
	QueueDepths() (final, interim int)
	BackpressureLevel() int // 0=normal, 1=high, 2=critical
	InterimCooldownMs() int64
	TailWindowSeconds() float64
	InterimsPaused() bool
}

// Metrics holds every instrument this service records.
type Metrics struct {
	ActiveConnections metric.Int64UpDownCounter

	JobsEnqueued    metric.Int64Counter
	JobsProcessed   metric.Int64Counter
	JobsCoalesced   metric.Int64Counter
	InterimRejected metric.Int64Counter

	DecodeDuration metric.Float64Histogram
}

var decodeBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.35, 0.5, 0.75, 1, 2, 5}

// NewMetrics builds every instrument against mp and, when src is non-nil,
// registers the observable-gauge callbacks that poll src. Returns an error if any
// instrument fails to register.
func NewMetrics(mp metric.MeterProvider, src Source) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	var err error

	if met.ActiveConnections, err = m.Int64UpDownCounter("stt.active_connections",
		metric.WithDescription("Number of live WebSocket connections."),
	); err != nil {
		return nil, err
	}
	if met.JobsEnqueued, err = m.Int64Counter("stt.jobs_enqueued_total",
		metric.WithDescription("Decode jobs enqueued, by kind."),
	); err != nil {
		return nil, err
	}
	if met.JobsProcessed, err = m.Int64Counter("stt.jobs_processed_total",
		metric.WithDescription("Decode jobs processed, by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.JobsCoalesced, err = m.Int64Counter("stt.jobs_coalesced_total",
		metric.WithDescription("Interim jobs silently replaced before dispatch."),
	); err != nil {
		return nil, err
	}
	if met.InterimRejected, err = m.Int64Counter("stt.interim_rejected_total",
		metric.WithDescription("Interim results discarded as stale after a later final superseded them."),
	); err != nil {
		return nil, err
	}
	if met.DecodeDuration, err = m.Float64Histogram("stt.decode_duration_seconds",
		metric.WithDescription("Decode call latency, by kind."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(decodeBuckets...),
	); err != nil {
		return nil, err
	}

	if src != nil {
		if err := registerObservables(m, src); err != nil {
			return nil, err
		}
	}

	return met, nil
}

// RegisterSource registers the observable-gauge callbacks against mp's
// meter, polling src. Split from NewMetrics so a caller can build the
// counters and histograms first, construct whatever implements Source from
// them, and only then wire the gauges — avoiding a forward reference to a
// value that doesn't exist yet at instrument-construction time.
func RegisterSource(mp metric.MeterProvider, src Source) error {
	return registerObservables(mp.Meter(meterName), src)
}

func registerObservables(m metric.Meter, src Source) error {
	queueDepth, err := m.Int64ObservableGauge("stt.queue_depth",
		metric.WithDescription("Pending jobs in a queue, by queue name."))
	if err != nil {
		return err
	}
	level, err := m.Int64ObservableGauge("stt.backpressure_level",
		metric.WithDescription("Current backpressure level: 0 normal, 1 high, 2 critical."))
	if err != nil {
		return err
	}
	cooldown, err := m.Int64ObservableGauge("stt.interim_cooldown_ms",
		metric.WithDescription("Current scheduler-driven interim cooldown."),
		metric.WithUnit("ms"))
	if err != nil {
		return err
	}
	tail, err := m.Float64ObservableGauge("stt.tail_window_seconds",
		metric.WithDescription("Current interim decode tail window."),
		metric.WithUnit("s"))
	if err != nil {
		return err
	}
	paused, err := m.Int64ObservableGauge("stt.interims_paused",
		metric.WithDescription("1 if interim dispatch is currently paused, else 0."))
	if err != nil {
		return err
	}

	finalAttr := metric.WithAttributes(attribute.String("queue", "final"))
	interimAttr := metric.WithAttributes(attribute.String("queue", "interim"))

	_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		f, i := src.QueueDepths()
		o.ObserveInt64(queueDepth, int64(f), finalAttr)
		o.ObserveInt64(queueDepth, int64(i), interimAttr)
		o.ObserveInt64(level, int64(src.BackpressureLevel()))
		o.ObserveInt64(cooldown, src.InterimCooldownMs())
		o.ObserveFloat64(tail, src.TailWindowSeconds())
		pausedVal := int64(0)
		if src.InterimsPaused() {
			pausedVal = 1
		}
		o.ObserveInt64(paused, pausedVal)
		return nil
	}, queueDepth, level, cooldown, tail, paused)
	return err
}

// RecordEnqueue increments the enqueue counter for kind ("interim"/"final").
func (m *Metrics) RecordEnqueue(ctx context.Context, kind string) {
	m.JobsEnqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordProcessed increments the processed counter for kind and status
// ("ok"/"error").
func (m *Metrics) RecordProcessed(ctx context.Context, kind, status string) {
	m.JobsProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

// RecordCoalesced increments the coalesced-interim counter: a pending
// interim job was overwritten by a newer one before the scheduler ever
// dispatched it.
func (m *Metrics) RecordCoalesced(ctx context.Context) {
	m.JobsCoalesced.Add(ctx, 1)
}

// RecordInterimRejected increments the rejected-interim counter: a
// decoded interim result was discarded because a final superseding it
// had already committed. Distinct from RecordCoalesced, which fires
// before the job is ever dispatched.
func (m *Metrics) RecordInterimRejected(ctx context.Context) {
	m.InterimRejected.Add(ctx, 1)
}

// RecordDecodeDuration records a decode call's latency in seconds.
func (m *Metrics) RecordDecodeDuration(ctx context.Context, kind string, seconds float64) {
	m.DecodeDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("kind", kind)))
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a package-level Metrics built against the global
// MeterProvider with no observable gauges (no Source at this scope).
// Provided for convenience call sites that don't hold a Runtime reference;
// cmd/server builds its own with NewMetrics and wires the gauges through
// RegisterSource instead.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider(), nil)
		if err != nil {
			panic("metrics: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}
