package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "icerelay"

type metrics struct {
	sessionsActive   prometheus.Gauge
	sessionsTotal    prometheus.Counter
	transitions      *prometheus.CounterVec
	bytesReceived    prometheus.Counter
	bytesSent        prometheus.Counter
	bytesDropped     *prometheus.CounterVec
	upstreamAttempts *prometheus.CounterVec
	backlogged       prometheus.Counter
	encoderStarts    *prometheus.CounterVec
	configErrors     prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)

	return &metrics{
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_active",
			Help:      "Client sessions currently open.",
		}),
		sessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_total",
			Help:      "Client sessions accepted.",
		}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "session_transitions_total",
			Help:      "Session state transitions by target state.",
		}, []string{"state"}),
		bytesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "received_bytes_total",
			Help:      "Audio bytes received from clients.",
		}),
		bytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sent_bytes_total",
			Help:      "Audio bytes handed to upstream connections.",
		}),
		bytesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dropped_bytes_total",
			Help:      "Audio bytes discarded, by reason.",
		}, []string{"reason"}),
		upstreamAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_attempts_total",
			Help:      "Upstream connection attempts by outcome.",
		}, []string{"outcome"}),
		backlogged: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_backlogged_total",
			Help:      "Writes that found the upstream send queue at least half full.",
		}),
		encoderStarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "encoder_starts_total",
			Help:      "Encoder process starts by outcome.",
		}, []string{"outcome"}),
		configErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "config_errors_total",
			Help:      "Client stream configurations rejected.",
		}),
	}
}
