package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	// Decode metrics
	FramesDecoded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frames_decoded_total",
			Help: "Total frames decoded, by packet type",
		},
		[]string{"type"},
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frames_dropped_total",
			Help: "Total frames dropped by the decoder, by reason",
		},
		[]string{"reason"},
	)

	FrameDropRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "frame_drop_ratio",
			Help: "Dropped / (decoded + dropped) frames since start (0-1)",
		},
	)

	// Connection metrics
	Reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconnects_total",
			Help: "Total reconnect attempts scheduled, by connection",
		},
		[]string{"connection"},
	)

	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "connection_open",
			Help: "1 while the connection is OPEN, 0 otherwise",
		},
		[]string{"connection"},
	)

	// Coordination metrics
	LeaseAcquired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lease_acquired_total",
			Help: "Total successful lease acquisitions, by resource",
		},
		[]string{"resource"},
	)

	DeadWorkersDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dead_workers_detected_total",
			Help: "Total roster members declared dead by the cleanup leader",
		},
	)

	// Guard metrics
	CircuitOpenEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_open_events_total",
			Help: "Total circuit breaker OPEN transitions, by breaker",
		},
		[]string{"name"},
	)

	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_rejections_total",
			Help: "Total fixed-window rate limit rejections, by key",
		},
		[]string{"key"},
	)

	// Aggregation metrics
	LateTicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "candle_late_ticks_total",
			Help: "Ticks older than the live bucket, dropped (duplicate-link replay)",
		},
	)

	CandlesClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "candles_closed_total",
			Help: "Total candles sealed, by interval",
		},
		[]string{"interval"},
	)

	RouterBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "router_batch_size",
			Help:    "Ticks per micro-batch handed to the aggregator",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
		},
	)

	// Persistence metrics
	CandleWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "candle_writes_total",
			Help: "Total candle upserts, by result (inserted, unchanged, conflict, error)",
		},
		[]string{"result"},
	)

	ChecksumConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "candle_checksum_conflicts_total",
			Help: "Duplicate candle keys written with a different checksum",
		},
	)

	CandleWriteLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "candle_write_latency_ms",
			Help:    "Candle batch write latency in milliseconds",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		},
	)
)

// Plain counters mirrored next to the labelled vectors so the drop ratio
// and the health endpoint can read totals without summing label children.
var (
	totalDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frames_decoded_sum",
		Help: "Total frames decoded across all packet types",
	})
	totalDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frames_dropped_sum",
		Help: "Total frames dropped across all reasons",
	})
)

// TrackFrameDecoded records a successfully decoded frame.
func TrackFrameDecoded(packetType string) {
	FramesDecoded.WithLabelValues(packetType).Inc()
	totalDecoded.Inc()
}

// TrackFrameDropped records a dropped frame and refreshes the drop ratio.
func TrackFrameDropped(reason string) {
	FramesDropped.WithLabelValues(reason).Inc()
	totalDropped.Inc()
	UpdateFrameDropRatio()
}

// UpdateFrameDropRatio recomputes the drop-ratio gauge from the counter
// totals. Approximation for live display; dashboards should use PromQL.
func UpdateFrameDropRatio() {
	decoded := CounterValue(totalDecoded)
	dropped := CounterValue(totalDropped)
	if total := decoded + dropped; total > 0 {
		FrameDropRatio.Set(dropped / total)
	}
}

// CounterValue reads the current value of a counter via the client_model
// wire type.
func CounterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.Counter.GetValue()
}

// TrackLatency observes elapsed milliseconds since start.
func TrackLatency(start time.Time, histogram prometheus.Observer) {
	histogram.Observe(float64(time.Since(start).Milliseconds()))
}

// RateTracker tracks a per-second rate for periodic stats logging.
type RateTracker struct {
	count       int64
	lastCount   int64
	lastUpdated atomic.Int64 // unix nanos
}

func NewRateTracker() *RateTracker {
	rt := &RateTracker{}
	rt.lastUpdated.Store(time.Now().UnixNano())
	return rt
}

func (rt *RateTracker) Increment() {
	atomic.AddInt64(&rt.count, 1)
}

// Rate returns events/second since the previous call, or 0 if called again
// within one second.
func (rt *RateTracker) Rate() float64 {
	now := time.Now()
	last := time.Unix(0, rt.lastUpdated.Load())
	elapsed := now.Sub(last).Seconds()
	if elapsed < 1.0 {
		return 0
	}

	current := atomic.LoadInt64(&rt.count)
	diff := current - atomic.SwapInt64(&rt.lastCount, current)
	rt.lastUpdated.Store(now.UnixNano())

	return float64(diff) / elapsed
}

// Global trackers used by the worker's stats monitor loop.
var (
	FrameRate       = NewRateTracker()
	CandleWriteRate = NewRateTracker()
)
