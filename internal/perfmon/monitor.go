// internal/perfmon/monitor.go
package perfmon

import (
	"context"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/curvestream/curvestream/internal/events"
	"github.com/curvestream/curvestream/internal/storage/models"
)

// Keeps percentile memory bounded under burst load; avg still counts
// every sample through the running sum.
const maxLatencySamples = 10_000

// Thresholds are the alert trip points, one per watched metric.
type Thresholds struct {
	ParseLatency  time.Duration
	StreamLag     time.Duration
	MissedRatePct float64
	MemoryBytes   uint64
	CPUPct        float64
	QueueDepth    int
}

// DefaultThresholds returns the standard trip points.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ParseLatency:  50 * time.Millisecond,
		StreamLag:     time.Second,
		MissedRatePct: 1.0,
		MemoryBytes:   1 << 30,
		CPUPct:        80,
		QueueDepth:    1000,
	}
}

// Probes are pull-style readouts from the rest of the pipeline. Nil probes
// read as zero.
type Probes struct {
	QueueDepth        func() int
	ActiveConnections func() int
	StreamLag         func() time.Duration
	MissedRatePct     func() float64

	// Cumulative stream totals; the monitor differences them per window.
	// When set, RecordMessage counts are ignored for the aggregate rates.
	MessageTotals func() (messages, bytes uint64)
}

// Config tunes the monitor cadence.
type Config struct {
	SnapshotInterval  time.Duration
	AggregateInterval time.Duration
	Thresholds        Thresholds
}

func (c Config) withDefaults() Config {
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 5 * time.Second
	}
	if c.AggregateInterval <= 0 {
		c.AggregateInterval = time.Minute
	}
	if c.Thresholds == (Thresholds{}) {
		c.Thresholds = DefaultThresholds()
	}
	return c
}

// MetricStore persists aggregate windows and alert transitions.
type MetricStore interface {
	AlertStore
	SavePerformanceMetric(ctx context.Context, metric *models.PerformanceMetric) error
}

// Monitor samples pipeline and process health every few seconds, aggregates
// per-minute windows with latency percentiles, and raises deduplicated
// alerts when a metric crosses its threshold.
type Monitor struct {
	cfg     Config
	probes  Probes
	store   MetricStore
	alerts  *alertManager
	metrics *metricSet
	logger  *zap.Logger
	proc    *process.Process

	mu          sync.Mutex
	windowStart time.Time
	latencies   []float64 // milliseconds
	latencySum  float64
	latencyN    int64
	messages    int64
	bytes       int64
	prevMsgs    uint64
	prevBytes   uint64

	// Last snapshot readings, folded into the next aggregate.
	queueDepth  int
	connections int
	streamLagMs float64
	missedPct   float64
	heapBytes   uint64
	cpuPct      float64
}

// NewMonitor wires the monitor. A nil registry falls back to the default
// Prometheus registerer; a nil store skips persistence.
func NewMonitor(cfg Config, store MetricStore, probes Probes, bus *events.Bus, reg prometheus.Registerer, log *zap.Logger) *Monitor {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	named := log.Named("perfmon")

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		named.Warn("CPU sampling unavailable", zap.Error(err))
	}

	return &Monitor{
		cfg:         cfg.withDefaults(),
		probes:      probes,
		store:       store,
		alerts:      newAlertManager(store, bus, named),
		metrics:     newMetricSet(reg),
		logger:      named,
		proc:        proc,
		windowStart: time.Now(),
	}
}

// ObserveParseLatency records one parse duration sample.
func (m *Monitor) ObserveParseLatency(d time.Duration) {
	m.metrics.parseLatency.Observe(d.Seconds())

	ms := float64(d.Microseconds()) / 1000
	m.mu.Lock()
	m.latencySum += ms
	m.latencyN++
	if len(m.latencies) < maxLatencySamples {
		m.latencies = append(m.latencies, ms)
	}
	m.mu.Unlock()
}

// RecordParse mirrors one parser outcome as a Prometheus counter.
func (m *Monitor) RecordParse(strategy string) {
	m.metrics.parsedTotal.WithLabelValues(strategy).Inc()
}

// RecordParseFailure counts one transaction no strategy could parse.
func (m *Monitor) RecordParseFailure() {
	m.metrics.parseFailures.Inc()
}

// RecordMessage counts one delivered stream message.
func (m *Monitor) RecordMessage(program string, size int) {
	m.metrics.messagesTotal.WithLabelValues(program).Inc()
	m.metrics.bytesTotal.Add(float64(size))

	m.mu.Lock()
	m.messages++
	m.bytes += int64(size)
	m.mu.Unlock()
}

// Run drives the snapshot and aggregate tickers until ctx is cancelled. A
// final aggregate is flushed on the way out.
func (m *Monitor) Run(ctx context.Context) error {
	snap := time.NewTicker(m.cfg.SnapshotInterval)
	defer snap.Stop()
	agg := time.NewTicker(m.cfg.AggregateInterval)
	defer agg.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Snapshot()
			m.Aggregate(context.Background())
			return nil
		case <-snap.C:
			m.Snapshot()
		case <-agg.C:
			m.Aggregate(ctx)
		}
	}
}

// Snapshot reads the probes and process stats once.
func (m *Monitor) Snapshot() {
	var queue, conns int
	var lagMs, missed float64
	if m.probes.QueueDepth != nil {
		queue = m.probes.QueueDepth()
	}
	if m.probes.ActiveConnections != nil {
		conns = m.probes.ActiveConnections()
	}
	if m.probes.StreamLag != nil {
		lagMs = float64(m.probes.StreamLag().Milliseconds())
	}
	if m.probes.MissedRatePct != nil {
		missed = m.probes.MissedRatePct()
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	var cpu float64
	if m.proc != nil {
		if pct, err := m.proc.Percent(0); err == nil {
			cpu = pct
		}
	}

	m.metrics.queueDepth.WithLabelValues("batch_writer").Set(float64(queue))
	m.metrics.activeConnections.Set(float64(conns))
	m.metrics.streamLag.Set(lagMs / 1000)
	m.metrics.heapBytes.Set(float64(ms.HeapAlloc))
	m.metrics.cpuPct.Set(cpu)

	m.mu.Lock()
	m.queueDepth = queue
	m.connections = conns
	m.streamLagMs = lagMs
	m.missedPct = missed
	m.heapBytes = ms.HeapAlloc
	m.cpuPct = cpu
	m.mu.Unlock()
}

// Aggregate closes the current window: computes percentiles, persists the
// row, re-evaluates thresholds and publishes the health score.
func (m *Monitor) Aggregate(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	if m.probes.MessageTotals != nil {
		msgs, bytes := m.probes.MessageTotals()
		m.messages = int64(msgs - m.prevMsgs)
		m.bytes = int64(bytes - m.prevBytes)
		m.prevMsgs = msgs
		m.prevBytes = bytes
	}
	window := windowState{
		start:       m.windowStart,
		end:         now,
		latencies:   m.latencies,
		latencySum:  m.latencySum,
		latencyN:    m.latencyN,
		messages:    m.messages,
		bytes:       m.bytes,
		queueDepth:  m.queueDepth,
		connections: m.connections,
		streamLagMs: m.streamLagMs,
		missedPct:   m.missedPct,
		heapBytes:   m.heapBytes,
		cpuPct:      m.cpuPct,
	}
	m.windowStart = now
	m.latencies = nil
	m.latencySum = 0
	m.latencyN = 0
	m.messages = 0
	m.bytes = 0
	m.mu.Unlock()

	elapsed := window.end.Sub(window.start).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}

	var avg float64
	if window.latencyN > 0 {
		avg = window.latencySum / float64(window.latencyN)
	}
	p95 := percentile(window.latencies, 95)
	p99 := percentile(window.latencies, 99)

	m.evaluate(ctx, p95, window)
	health := m.Health(window.cpuPct, window.heapBytes)
	m.metrics.healthScore.Set(float64(health))
	m.publishAlertGauges()

	row := &models.PerformanceMetric{
		WindowStart:       window.start,
		WindowEnd:         window.end,
		ParseLatencyAvgMs: avg,
		ParseLatencyP95Ms: p95,
		ParseLatencyP99Ms: p99,
		MessagesPerSec:    float64(window.messages) / elapsed,
		BytesPerSec:       float64(window.bytes) / elapsed,
		StreamLagMs:       window.streamLagMs,
		MissedRatePct:     window.missedPct,
		QueueDepth:        window.queueDepth,
		ActiveConnections: window.connections,
		HeapBytes:         window.heapBytes,
		CPUPct:            window.cpuPct,
		HealthScore:       health,
	}
	if m.store != nil {
		if err := m.store.SavePerformanceMetric(ctx, row); err != nil {
			m.logger.Warn("Failed to persist performance window", zap.Error(err))
		}
	}

	m.logger.Debug("Performance window closed",
		zap.Float64("parse_p95_ms", p95),
		zap.Float64("msgs_per_sec", row.MessagesPerSec),
		zap.Int("health", health))
}

type windowState struct {
	start, end  time.Time
	latencies   []float64
	latencySum  float64
	latencyN    int64
	messages    int64
	bytes       int64
	queueDepth  int
	connections int
	streamLagMs float64
	missedPct   float64
	heapBytes   uint64
	cpuPct      float64
}

// evaluate trips or clears one alert per watched metric.
func (m *Monitor) evaluate(ctx context.Context, parseP95Ms float64, w windowState) {
	t := m.cfg.Thresholds

	m.check(ctx, SeverityHigh, "parse_latency_p95_ms",
		parseP95Ms, float64(t.ParseLatency.Milliseconds()), w.latencyN > 0)
	m.check(ctx, SeverityHigh, "stream_lag_ms",
		w.streamLagMs, float64(t.StreamLag.Milliseconds()), true)
	m.check(ctx, SeverityMedium, "missed_tx_rate_pct",
		w.missedPct, t.MissedRatePct, true)
	m.check(ctx, SeverityMedium, "heap_bytes",
		float64(w.heapBytes), float64(t.MemoryBytes), true)
	m.check(ctx, SeverityMedium, "cpu_percent",
		w.cpuPct, t.CPUPct, true)
	m.check(ctx, SeverityHigh, "queue_depth",
		float64(w.queueDepth), float64(t.QueueDepth), true)
}

func (m *Monitor) check(ctx context.Context, severity, metric string, value, threshold float64, sampled bool) {
	if sampled && threshold > 0 && value > threshold {
		m.alerts.raise(ctx, "threshold", severity, metric, value, threshold,
			thresholdMessage(metric, value, threshold))
		return
	}
	m.alerts.resolve(ctx, "threshold", metric)
}

// Health computes the composite score: 100 minus per-alert severity
// deductions, minus a resource penalty when CPU or heap run near their
// thresholds without having tripped yet.
func (m *Monitor) Health(cpuPct float64, heapBytes uint64) int {
	score := 100 - m.alerts.deduction()

	t := m.cfg.Thresholds
	if t.CPUPct > 0 && cpuPct > 0.75*t.CPUPct && cpuPct <= t.CPUPct {
		score -= 5
	}
	if t.MemoryBytes > 0 && float64(heapBytes) > 0.75*float64(t.MemoryBytes) && heapBytes <= t.MemoryBytes {
		score -= 5
	}

	if score < 0 {
		score = 0
	}
	return score
}

// ActiveAlerts returns the open alert count per severity.
func (m *Monitor) ActiveAlerts() map[string]int {
	return m.alerts.activeCount()
}

func (m *Monitor) publishAlertGauges() {
	counts := m.alerts.activeCount()
	for _, sev := range []string{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow} {
		m.metrics.activeAlerts.WithLabelValues(sev).Set(float64(counts[sev]))
	}
}

// percentile computes the nearest-rank percentile of samples in place order.
func percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	rank := int(p/100*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
