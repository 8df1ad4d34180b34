// internal/perfmon/metrics.go
package perfmon

import "github.com/prometheus/client_golang/prometheus"

const namespace = "curvestream"

// metricSet holds the Prometheus collectors behind the monitor. Each monitor
// owns its set so tests can run several side by side.
type metricSet struct {
	parseLatency      prometheus.Histogram
	messagesTotal     *prometheus.CounterVec
	bytesTotal        prometheus.Counter
	parsedTotal       *prometheus.CounterVec
	parseFailures     prometheus.Counter
	queueDepth        *prometheus.GaugeVec
	activeConnections prometheus.Gauge
	streamLag         prometheus.Gauge
	heapBytes         prometheus.Gauge
	cpuPct            prometheus.Gauge
	healthScore       prometheus.Gauge
	activeAlerts      *prometheus.GaugeVec
}

func newMetricSet(reg prometheus.Registerer) *metricSet {
	m := &metricSet{
		parseLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "parse_latency_seconds",
			Help:      "Transaction parse latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_messages_total",
			Help:      "Total stream messages received",
		}, []string{"program"}),
		bytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_bytes_total",
			Help:      "Total stream bytes received",
		}),
		parsedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parsed_events_total",
			Help:      "Total transactions parsed into typed events, by strategy",
		}, []string{"strategy"}),
		parseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_failures_total",
			Help:      "Total transactions no strategy could parse",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current depth of internal queues",
		}, []string{"queue"}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of live websocket subscriptions",
		}),
		streamLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_lag_seconds",
			Help:      "Observed stream delivery lag in seconds",
		}),
		heapBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heap_bytes",
			Help:      "Allocated heap bytes",
		}),
		cpuPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cpu_percent",
			Help:      "Process CPU usage percent",
		}),
		healthScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_score",
			Help:      "Composite pipeline health on [0, 100]",
		}),
		activeAlerts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_alerts",
			Help:      "Active performance alerts by severity",
		}, []string{"severity"}),
	}

	reg.MustRegister(
		m.parseLatency,
		m.messagesTotal,
		m.bytesTotal,
		m.parsedTotal,
		m.parseFailures,
		m.queueDepth,
		m.activeConnections,
		m.streamLag,
		m.heapBytes,
		m.cpuPct,
		m.healthScore,
		m.activeAlerts,
	)
	return m
}
