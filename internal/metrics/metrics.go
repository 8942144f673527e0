// Package metrics exposes Prometheus collectors for the realtime engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var connectionStates = []string{"new", "connecting", "connected", "reconnecting", "failed", "closed"}

type Metrics struct {
	ConnectionState     *prometheus.GaugeVec
	ConnectsTotal       prometheus.Counter
	NegotiationDuration prometheus.Histogram

	TransportErrors *prometheus.CounterVec

	RecoveryAttempts  prometheus.Counter
	RecoverySuccesses prometheus.Counter
	RecoveryFailures  prometheus.Counter

	FallbackQueueDepth prometheus.Gauge
	FallbackDropped    prometheus.Counter
	MessagesSent       prometheus.Counter
	MessagesReceived   prometheus.Counter

	PacketLossPct prometheus.Gauge
	RoundTripTime prometheus.Gauge
}

// New registers the collectors on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the collectors on reg. Tests pass a fresh registry so
// parallel instances never collide.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voicepilot_connection_state",
			Help: "Connection state as one-hot gauge per state",
		}, []string{"state"}),
		ConnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicepilot_connects_total",
			Help: "Total number of successful connection establishments",
		}),
		NegotiationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicepilot_negotiation_duration_seconds",
			Help:    "Duration of SDP offer/answer negotiation",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
		TransportErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicepilot_transport_errors_total",
			Help: "Total number of classified transport errors",
		}, []string{"code"}),
		RecoveryAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicepilot_recovery_attempts_total",
			Help: "Total number of recovery attempts",
		}),
		RecoverySuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicepilot_recovery_successes_total",
			Help: "Total number of recovery cycles that restored the connection",
		}),
		RecoveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicepilot_recovery_failures_total",
			Help: "Total number of recovery cycles that exhausted their attempts",
		}),
		FallbackQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicepilot_fallback_queue_depth",
			Help: "Current number of control messages waiting for the data channel",
		}),
		FallbackDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicepilot_fallback_dropped_total",
			Help: "Total number of control messages evicted from the fallback queue",
		}),
		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicepilot_messages_sent_total",
			Help: "Total number of control messages sent over the data channel",
		}),
		MessagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicepilot_messages_received_total",
			Help: "Total number of control messages received over the data channel",
		}),
		PacketLossPct: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicepilot_packet_loss_percent",
			Help: "Most recent sampled inbound packet loss",
		}),
		RoundTripTime: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicepilot_rtt_seconds",
			Help: "Most recent sampled ICE round trip time",
		}),
	}
}

// The helpers below tolerate a nil receiver so callers that run without
// metrics, tests mostly, need no guards.

// SetConnectionState flips the one-hot state gauge to the given state.
func (m *Metrics) SetConnectionState(state string) {
	if m == nil {
		return
	}
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ConnectionState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) RecordConnect(negotiationSeconds float64) {
	if m == nil {
		return
	}
	m.ConnectsTotal.Inc()
	m.NegotiationDuration.Observe(negotiationSeconds)
}

func (m *Metrics) RecordTransportError(code string) {
	if m == nil {
		return
	}
	m.TransportErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) RecordRecoveryAttempt() {
	if m == nil {
		return
	}
	m.RecoveryAttempts.Inc()
}

func (m *Metrics) RecordRecoverySuccess() {
	if m == nil {
		return
	}
	m.RecoverySuccesses.Inc()
}

func (m *Metrics) RecordRecoveryFailure() {
	if m == nil {
		return
	}
	m.RecoveryFailures.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.FallbackQueueDepth.Set(float64(n))
}

func (m *Metrics) RecordQueueDrop() {
	if m == nil {
		return
	}
	m.FallbackDropped.Inc()
}

func (m *Metrics) RecordMessageSent() {
	if m == nil {
		return
	}
	m.MessagesSent.Inc()
}

func (m *Metrics) RecordMessageReceived() {
	if m == nil {
		return
	}
	m.MessagesReceived.Inc()
}

func (m *Metrics) SetLinkQuality(lossPct, rttSeconds float64) {
	if m == nil {
		return
	}
	m.PacketLossPct.Set(lossPct)
	m.RoundTripTime.Set(rttSeconds)
}
