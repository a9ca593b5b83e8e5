package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for a DTP endpoint.
type Metrics struct {
	// Block metrics
	BlocksGeneratedTotal prometheus.Counter
	BlocksStartedTotal   prometheus.Counter
	BlocksSentTotal      prometheus.Counter
	BlocksReceivedTotal  prometheus.Counter
	BlockBytesTotal      *prometheus.CounterVec
	BlockCompletion      prometheus.Histogram
	BlockDeadlineTotal   *prometheus.CounterVec
	QueuedBlocks         prometheus.Gauge
	FramesInvalidTotal   *prometheus.CounterVec

	// Connection metrics
	ConnectionsAdmittedTotal prometheus.Counter
	AdmissionRejectedTotal   *prometheus.CounterVec
	RetriesSentTotal         prometheus.Counter
	VersionNegotiationsTotal prometheus.Counter
	ConnectionsActive        prometheus.Gauge
	ConnectionDuration       prometheus.Histogram
	PacketsTotal             *prometheus.CounterVec
	TimerRearmSeconds        prometheus.Histogram

	gatherer prometheus.Gatherer
}

// NewMetrics creates the metrics and registers them with reg. A nil reg
// uses a fresh registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	m := &Metrics{
		BlocksGeneratedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "dtp_blocks_generated_total",
			Help: "Blocks produced by the generator",
		}),

		BlocksStartedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "dtp_blocks_started_total",
			Help: "Blocks whose transmission began",
		}),

		BlocksSentTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "dtp_blocks_sent_total",
			Help: "Blocks fully handed to the transport",
		}),

		BlocksReceivedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "dtp_blocks_received_total",
			Help: "Blocks fully received",
		}),

		BlockBytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dtp_block_bytes_total",
			Help: "Block payload bytes",
		}, []string{"direction"}),

		BlockCompletion: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dtp_block_completion_seconds",
			Help:    "Time from BlockInfo arrival to last byte",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1, 2, 5},
		}),

		BlockDeadlineTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dtp_block_deadline_total",
			Help: "Received blocks by deadline outcome",
		}, []string{"result"}),

		QueuedBlocks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dtp_queued_blocks",
			Help: "Blocks waiting in sender queues",
		}),

		FramesInvalidTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dtp_frames_invalid_total",
			Help: "Frames dropped by the receiver",
		}, []string{"reason"}),

		ConnectionsAdmittedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "dtp_connections_admitted_total",
			Help: "Connections created by the session manager",
		}),

		AdmissionRejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dtp_admission_rejected_total",
			Help: "Initial packets that did not create a connection",
		}, []string{"reason"}),

		RetriesSentTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "dtp_retries_sent_total",
			Help: "Stateless retry packets sent",
		}),

		VersionNegotiationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "dtp_version_negotiations_total",
			Help: "Version negotiation packets sent",
		}),

		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dtp_connections_active",
			Help: "Connections currently tracked",
		}),

		ConnectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dtp_connection_duration_seconds",
			Help:    "Connection lifetime",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}),

		PacketsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dtp_packets_total",
			Help: "UDP datagrams by direction",
		}, []string{"direction"}),

		TimerRearmSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dtp_timer_rearm_seconds",
			Help:    "Delay the shared connection timer was armed with",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m
}

// RecordBlockGenerated counts a generated block.
func (m *Metrics) RecordBlockGenerated() {
	m.BlocksGeneratedTotal.Inc()
	m.QueuedBlocks.Inc()
}

// RecordBlockStarted counts a block whose transmission began.
func (m *Metrics) RecordBlockStarted() {
	m.BlocksStartedTotal.Inc()
}

// RecordBlockSent counts a block fully handed to the transport.
func (m *Metrics) RecordBlockSent(bytes uint64) {
	m.BlocksSentTotal.Inc()
	m.QueuedBlocks.Dec()
	m.BlockBytesTotal.WithLabelValues("sent").Add(float64(bytes))
}

// RecordBlocksDiscarded removes blocks dropped with their connection from
// the queue gauge.
func (m *Metrics) RecordBlocksDiscarded(n int) {
	m.QueuedBlocks.Sub(float64(n))
}

// RecordBlockReceived records a completed inbound block.
func (m *Metrics) RecordBlockReceived(bytes uint64, seconds float64, deadlineMet bool) {
	m.BlocksReceivedTotal.Inc()
	m.BlockBytesTotal.WithLabelValues("received").Add(float64(bytes))
	m.BlockCompletion.Observe(seconds)

	result := "met"
	if !deadlineMet {
		result = "missed"
	}
	m.BlockDeadlineTotal.WithLabelValues(result).Inc()
}

// RecordInvalidFrame counts a dropped frame.
func (m *Metrics) RecordInvalidFrame(reason string) {
	m.FramesInvalidTotal.WithLabelValues(reason).Inc()
}

// RecordAdmission counts a new connection.
func (m *Metrics) RecordAdmission() {
	m.ConnectionsAdmittedTotal.Inc()
	m.ConnectionsActive.Inc()
}

// RecordRejection counts a rejected Initial.
func (m *Metrics) RecordRejection(reason string) {
	m.AdmissionRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordRetry counts a retry packet.
func (m *Metrics) RecordRetry() {
	m.RetriesSentTotal.Inc()
}

// RecordVersionNegotiation counts a version negotiation packet.
func (m *Metrics) RecordVersionNegotiation() {
	m.VersionNegotiationsTotal.Inc()
}

// RecordConnectionClose updates metrics for a collected connection.
func (m *Metrics) RecordConnectionClose(durationSeconds float64) {
	m.ConnectionsActive.Dec()
	m.ConnectionDuration.Observe(durationSeconds)
}

// RecordPackets counts datagrams in one direction ("in" or "out").
func (m *Metrics) RecordPackets(direction string, n int) {
	m.PacketsTotal.WithLabelValues(direction).Add(float64(n))
}

// RecordTimerRearm records the delay the shared timer was armed with.
func (m *Metrics) RecordTimerRearm(seconds float64) {
	m.TimerRearmSeconds.Observe(seconds)
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
