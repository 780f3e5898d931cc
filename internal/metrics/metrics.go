// Package metrics holds the OpenTelemetry instruments recorded by the
// interpreter pipeline. Instruments are created from an explicit
// metric.MeterProvider so tests can use a manual reader; the runtime passes the
// global provider that backs the Prometheus exporter.
package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/loqalabs/loqa-interpreter/pipeline"

// Metrics groups the per-stage instruments.
type Metrics struct {
	meter metric.Meter

	FramesForwarded metric.Int64Counter
	FramesDiscarded metric.Int64Counter
	StreamRestarts  metric.Int64Counter
	StatusFlags     metric.Int64Counter

	RecognizerConnections metric.Int64Counter
	RecognizerReconnects  metric.Int64Counter
	Transcripts           metric.Int64Counter

	UtterancesSpoken  metric.Int64Counter
	UtterancesDropped metric.Int64Counter
	SegmentLatency    metric.Float64Histogram
}

var latencyBuckets = []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32}

// New creates every instrument from mp.
func New(mp metric.MeterProvider) (*Metrics, error) {
	m := &Metrics{meter: mp.Meter(meterName)}
	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
	}{
		{&m.FramesForwarded, "capture.frames.forwarded", "Voiced blocks pushed onto the audio queue"},
		{&m.FramesDiscarded, "capture.frames.discarded", "Blocks below the volume gate"},
		{&m.StreamRestarts, "capture.stream.restarts", "Input streams recycled after silence"},
		{&m.StatusFlags, "capture.status.flags", "Callbacks reporting overflow or underflow"},
		{&m.RecognizerConnections, "stt.connections", "Recognition streams opened"},
		{&m.RecognizerReconnects, "stt.reconnects", "Recognition streams that ended in error"},
		{&m.Transcripts, "stt.transcripts", "Final transcripts pushed onto the text queue"},
		{&m.UtterancesSpoken, "router.utterances.spoken", "Translations played back"},
		{&m.UtterancesDropped, "router.utterances.dropped", "Utterances dropped after a service error"},
	}
	for _, c := range counters {
		counter, err := m.meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.target = counter
	}

	latency, err := m.meter.Float64Histogram("router.segment.latency",
		metric.WithDescription("Time from transcript finalization to end of playback"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	if err != nil {
		return nil, err
	}
	m.SegmentLatency = latency
	return m, nil
}

// Queue is the view of a bounded queue that ObserveQueue reports.
type Queue interface {
	Len() int
	Dropped() uint64
}

// ObserveQueue registers gauges for the depth and drop count of q.
func (m *Metrics) ObserveQueue(name string, q Queue) (func() error, error) {
	depth, err := m.meter.Int64ObservableGauge(name+".depth", metric.WithDescription("Items waiting in the "+name+" queue"))
	if err != nil {
		return nil, err
	}
	dropped, err := m.meter.Int64ObservableGauge(name+".dropped", metric.WithDescription("Items evicted from the "+name+" queue"))
	if err != nil {
		return nil, err
	}
	reg, err := m.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(depth, int64(q.Len()))
		obs.ObserveInt64(dropped, int64(q.Dropped()))
		return nil
	}, depth, dropped)
	if err != nil {
		return nil, err
	}
	return reg.Unregister, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// Default returns instruments bound to the global meter provider, falling
// back to no-op instruments if creation fails.
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := New(otel.GetMeterProvider())
		if err != nil {
			m = Noop()
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// Noop returns instruments that record nothing.
func Noop() *Metrics {
	m, _ := New(noop.NewMeterProvider())
	return m
}
