package infra

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "huobi"

// Metrics counts stream client activity with atomics so the event loop never blocks on it.
// It implements prometheus.Collector so the same counters back the /metrics endpoint.
type Metrics struct {
	// Counters
	framesReceived        atomic.Uint64
	decodeErrors          atomic.Uint64
	pongsSent             atomic.Uint64
	pingsSent             atomic.Uint64
	heartbeatTerminations atomic.Uint64
	reconnects            atomic.Uint64
	requestsCompleted     atomic.Uint64
	errorsTotal           atomic.Uint64

	// Gauges
	activeConnections atomic.Int32
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordFrame records a data frame delivered to the application.
func (m *Metrics) RecordFrame() {
	m.framesReceived.Add(1)
}

// RecordDecodeError records a frame dropped by the codec.
func (m *Metrics) RecordDecodeError() {
	m.decodeErrors.Add(1)
}

// RecordPong records a pong answered to a server ping.
func (m *Metrics) RecordPong() {
	m.pongsSent.Add(1)
}

// RecordPing records a heartbeat ping sent to the server.
func (m *Metrics) RecordPing() {
	m.pingsSent.Add(1)
}

// RecordHeartbeatTermination records a connection killed for missing a pong.
func (m *Metrics) RecordHeartbeatTermination() {
	m.heartbeatTerminations.Add(1)
}

// RecordReconnect records a scheduled reconnect.
func (m *Metrics) RecordReconnect() {
	m.reconnects.Add(1)
}

// RecordRequestCompleted records a one-shot request that got its response.
func (m *Metrics) RecordRequestCompleted() {
	m.requestsCompleted.Add(1)
}

// RecordError records an error occurrence.
func (m *Metrics) RecordError() {
	m.errorsTotal.Add(1)
}

// SetActiveConnections sets the current active connection count.
func (m *Metrics) SetActiveConnections(count int32) {
	m.activeConnections.Store(count)
}

// IncrementConnections increments active connections by 1.
func (m *Metrics) IncrementConnections() {
	m.activeConnections.Add(1)
}

// DecrementConnections decrements active connections by 1.
func (m *Metrics) DecrementConnections() {
	m.activeConnections.Add(-1)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	FramesReceived        uint64
	DecodeErrors          uint64
	PongsSent             uint64
	PingsSent             uint64
	HeartbeatTerminations uint64
	Reconnects            uint64
	RequestsCompleted     uint64
	ErrorsTotal           uint64
	ActiveConnections     int32
	Timestamp             time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		FramesReceived:        m.framesReceived.Load(),
		DecodeErrors:          m.decodeErrors.Load(),
		PongsSent:             m.pongsSent.Load(),
		PingsSent:             m.pingsSent.Load(),
		HeartbeatTerminations: m.heartbeatTerminations.Load(),
		Reconnects:            m.reconnects.Load(),
		RequestsCompleted:     m.requestsCompleted.Load(),
		ErrorsTotal:           m.errorsTotal.Load(),
		ActiveConnections:     m.activeConnections.Load(),
		Timestamp:             time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.framesReceived.Store(0)
	m.decodeErrors.Store(0)
	m.pongsSent.Store(0)
	m.pingsSent.Store(0)
	m.heartbeatTerminations.Store(0)
	m.reconnects.Store(0)
	m.requestsCompleted.Store(0)
	m.errorsTotal.Store(0)
	m.activeConnections.Store(0)
}

var (
	descFrames       = newDesc("frames_received_total", "Data frames delivered to handlers")
	descDecodeErrors = newDesc("decode_errors_total", "Inbound frames dropped by the codec")
	descPongs        = newDesc("pongs_sent_total", "Pong replies sent for server pings")
	descPings        = newDesc("pings_sent_total", "Heartbeat pings sent")
	descTerminations = newDesc("heartbeat_terminations_total", "Connections terminated after a missed pong")
	descReconnects   = newDesc("reconnects_total", "Reconnects scheduled after an organic close")
	descRequests     = newDesc("requests_completed_total", "One-shot requests answered")
	descErrors       = newDesc("errors_total", "Transport errors")
	descActive       = newDesc("active_connections", "Connections currently in the registry")
)

func newDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "ws", name), help, nil, nil)
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descFrames, descDecodeErrors, descPongs, descPings, descTerminations,
		descReconnects, descRequests, descErrors, descActive,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	s := m.Snapshot()
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	counter(descFrames, s.FramesReceived)
	counter(descDecodeErrors, s.DecodeErrors)
	counter(descPongs, s.PongsSent)
	counter(descPings, s.PingsSent)
	counter(descTerminations, s.HeartbeatTerminations)
	counter(descReconnects, s.Reconnects)
	counter(descRequests, s.RequestsCompleted)
	counter(descErrors, s.ErrorsTotal)
	ch <- prometheus.MustNewConstMetric(descActive, prometheus.GaugeValue, float64(s.ActiveConnections))
}
