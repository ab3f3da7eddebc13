package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the process Prometheus registry and every instrument the
// playout pipeline reports into. All methods are nil-safe so components can
// run without a registry in tests.
type Metrics struct {
	registry *prometheus.Registry

	viewersConnected *prometheus.GaugeVec
	fanoutBytes      *prometheus.CounterVec
	viewersDropped   *prometheus.CounterVec

	horizonRemaining  *prometheus.GaugeVec
	epgDepthDays      *prometheus.GaugeVec
	extensionAttempts *prometheus.CounterVec
	seamViolations    *prometheus.CounterVec

	hlsSegments    *prometheus.CounterVec
	segmentsAired  *prometheus.CounterVec
	padFills       *prometheus.CounterVec
	boundarySwaps  *prometheus.CounterVec
	producerStarts *prometheus.CounterVec

	configReloads *prometheus.CounterVec
}

// NewMetrics builds the registry with go runtime and process collectors
// plus every playout instrument registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		viewersConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "retrovue", Subsystem: "fanout", Name: "viewers_connected",
			Help: "Viewers currently attached to a channel stream.",
		}, []string{"channel"}),
		fanoutBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "retrovue", Subsystem: "fanout", Name: "bytes_total",
			Help: "Transport stream bytes distributed to viewers.",
		}, []string{"channel"}),
		viewersDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "retrovue", Subsystem: "fanout", Name: "viewers_dropped_total",
			Help: "Viewers disconnected because their queue overflowed.",
		}, []string{"channel"}),
		horizonRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "retrovue", Subsystem: "horizon", Name: "execution_remaining_ms",
			Help: "Milliseconds of execution coverage left in the window.",
		}, []string{"channel"}),
		epgDepthDays: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "retrovue", Subsystem: "horizon", Name: "epg_depth_days",
			Help: "Whole programming days of EPG available ahead of now.",
		}, []string{"channel"}),
		extensionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "retrovue", Subsystem: "horizon", Name: "extension_attempts_total",
			Help: "Horizon extension attempts by outcome.",
		}, []string{"channel", "outcome"}),
		seamViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "retrovue", Subsystem: "horizon", Name: "seam_violations_total",
			Help: "Adjacent scheduled blocks that failed the contiguity check.",
		}, []string{"channel"}),
		hlsSegments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "retrovue", Subsystem: "hls", Name: "segments_finalized_total",
			Help: "HLS segments closed and published to the playlist.",
		}, []string{"channel"}),
		segmentsAired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "retrovue", Subsystem: "runtime", Name: "segments_total",
			Help: "Scheduled segments by terminal as-run status.",
		}, []string{"channel", "status"}),
		padFills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "retrovue", Subsystem: "runtime", Name: "pad_fills_total",
			Help: "Content deficit windows covered by pad output.",
		}, []string{"channel"}),
		boundarySwaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "retrovue", Subsystem: "runtime", Name: "boundary_swaps_total",
			Help: "Block boundary transitions by result.",
		}, []string{"channel", "result"}),
		producerStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "retrovue", Subsystem: "runtime", Name: "producer_starts_total",
			Help: "Producer process launches, including recovery restarts.",
		}, []string{"channel"}),
		configReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "retrovue", Subsystem: "config", Name: "reloads_total",
			Help: "Channel configuration directory rescans by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.viewersConnected, m.fanoutBytes, m.viewersDropped,
		m.horizonRemaining, m.epgDepthDays, m.extensionAttempts, m.seamViolations,
		m.hlsSegments, m.segmentsAired, m.padFills, m.boundarySwaps, m.producerStarts,
		m.configReloads,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ViewerAttached(channel string) {
	if m == nil {
		return
	}
	m.viewersConnected.WithLabelValues(channel).Inc()
}

func (m *Metrics) ViewerDetached(channel string) {
	if m == nil {
		return
	}
	m.viewersConnected.WithLabelValues(channel).Dec()
}

func (m *Metrics) ViewerDropped(channel string) {
	if m == nil {
		return
	}
	m.viewersDropped.WithLabelValues(channel).Inc()
}

func (m *Metrics) FanoutBytes(channel string, n int) {
	if m == nil {
		return
	}
	m.fanoutBytes.WithLabelValues(channel).Add(float64(n))
}

func (m *Metrics) HorizonRemaining(channel string, ms int64) {
	if m == nil {
		return
	}
	m.horizonRemaining.WithLabelValues(channel).Set(float64(ms))
}

func (m *Metrics) EPGDepth(channel string, days int) {
	if m == nil {
		return
	}
	m.epgDepthDays.WithLabelValues(channel).Set(float64(days))
}

func (m *Metrics) ExtensionAttempt(channel string, ok bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	m.extensionAttempts.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) SeamViolation(channel string) {
	if m == nil {
		return
	}
	m.seamViolations.WithLabelValues(channel).Inc()
}

func (m *Metrics) HLSSegmentFinalized(channel string) {
	if m == nil {
		return
	}
	m.hlsSegments.WithLabelValues(channel).Inc()
}

func (m *Metrics) SegmentAired(channel, status string) {
	if m == nil {
		return
	}
	m.segmentsAired.WithLabelValues(channel, status).Inc()
}

func (m *Metrics) PadFill(channel string) {
	if m == nil {
		return
	}
	m.padFills.WithLabelValues(channel).Inc()
}

func (m *Metrics) BoundarySwap(channel, result string) {
	if m == nil {
		return
	}
	m.boundarySwaps.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) ProducerStart(channel string) {
	if m == nil {
		return
	}
	m.producerStarts.WithLabelValues(channel).Inc()
}

func (m *Metrics) ConfigReload(ok bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	m.configReloads.WithLabelValues(outcome).Inc()
}
