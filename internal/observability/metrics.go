package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveStreams  prometheus.Gauge
	StreamEvents   *prometheus.CounterVec
	ProviderErrors *prometheus.CounterVec
	StoreFlushes   *prometheus.CounterVec
	StreamDuration prometheus.Histogram

	stages *streamStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		stages: newStreamStageWindow(256),
		ActiveStreams: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Number of reply streams currently in flight.",
		}),
		StreamEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Wire events emitted by type.",
		}, []string{"type"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Upstream provider errors by classification.",
		}, []string{"kind"}),
		StoreFlushes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_flushes_total",
			Help:      "Streaming content persistence flushes by kind and outcome.",
		}, []string{"kind", "outcome"}),
		StreamDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Duration of a reply stream from prompt to terminal event.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		}),
	}
}

func (m *Metrics) ObserveStreamDuration(d time.Duration) {
	m.StreamDuration.Observe(d.Seconds())
	m.stages.Observe(StageStreamTotal, float64(d.Milliseconds()))
}

// ObserveStage records a latency sample in the rolling perf window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.stages.Observe(stage, float64(d.Milliseconds()))
}

// SnapshotStages reports recent per-stage latency percentiles.
func (m *Metrics) SnapshotStages() StreamStageSnapshot {
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
