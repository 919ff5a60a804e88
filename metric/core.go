package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "telemetry"

// Metrics contains the hub-wide metrics. All vectors are labelled by
// transport ("http", "socket", "broker", "none") where it applies.
type Metrics struct {
	PacketsReceived  *prometheus.CounterVec
	PacketsAccepted  *prometheus.CounterVec
	PacketsRejected  *prometheus.CounterVec
	PacketsDuplicate *prometheus.CounterVec

	BreakerState     *prometheus.GaugeVec
	CommandsSent     *prometheus.CounterVec
	ObserversActive  prometheus.Gauge
	DevicesLive      prometheus.Gauge
	FallbackActive   prometheus.Gauge
	BrokerState      prometheus.Gauge
	BrokerReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all hub metrics
func NewMetrics() *Metrics {
	return &Metrics{
		PacketsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "packets",
				Name:      "received_total",
				Help:      "Telemetry packets received per transport",
			},
			[]string{"transport"},
		),
		PacketsAccepted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "packets",
				Name:      "accepted_total",
				Help:      "Telemetry packets merged into the live record",
			},
			[]string{"transport"},
		),
		PacketsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "packets",
				Name:      "rejected_total",
				Help:      "Telemetry packets rejected, by reason (invalid, circuit_open)",
			},
			[]string{"transport", "reason"},
		),
		PacketsDuplicate: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "packets",
				Name:      "duplicate_total",
				Help:      "Telemetry packets dropped as duplicates",
			},
			[]string{"transport"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "breaker",
				Name:      "state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"breaker"},
		),
		CommandsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "commands",
				Name:      "sent_total",
				Help:      "Commands handed to a transport, by result",
			},
			[]string{"transport", "kind", "result"},
		),
		ObserversActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "broadcast",
				Name:      "observers",
				Help:      "Observers currently subscribed to the broadcast hub",
			},
		),
		DevicesLive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "devices",
				Name:      "live",
				Help:      "Devices with a live registration",
			},
		),
		FallbackActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "simulation",
				Name:      "active",
				Help:      "Simulation fallback running (0/1)",
			},
		),
		BrokerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "broker",
				Name:      "state",
				Help:      "Broker link state (0=disconnected, 1=connecting, 2=connected, 3=backoff)",
			},
		),
		BrokerReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "broker",
				Name:      "reconnects_total",
				Help:      "Broker reconnect attempts",
			},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.PacketsReceived,
		m.PacketsAccepted,
		m.PacketsRejected,
		m.PacketsDuplicate,
		m.BreakerState,
		m.CommandsSent,
		m.ObserversActive,
		m.DevicesLive,
		m.FallbackActive,
		m.BrokerState,
		m.BrokerReconnects,
	}
}
