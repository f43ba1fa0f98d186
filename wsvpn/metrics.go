package wsvpn

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsConfig configures the Prometheus collectors of a Client.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "wsvpn").
	Namespace string

	// Subsystem is the metrics subsystem (default: "client").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus collectors.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "wsvpn",
		Subsystem: "client",
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the protocol counters. A nil *Metrics records nothing.
type Metrics struct {
	commandsSent      *prometheus.CounterVec
	commandsReceived  *prometheus.CounterVec
	decodeFailures    prometheus.Counter
	packetsSent       prometheus.Counter
	packetsReceived   prometheus.Counter
	fragmentsSent     prometheus.Counter
	fragmentsReceived prometheus.Counter
	reassemblyExpired prometheus.Counter
	sessions          prometheus.Counter
}

// NewMetrics creates and registers the protocol counters.
func NewMetrics(opts ...MetricsOption) (*Metrics, error) {
	cfg := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.ConstLabels,
		})
	}
	counterVec := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.ConstLabels,
		}, []string{"command"})
	}

	m := &Metrics{
		commandsSent:      counterVec("commands_sent_total", "Control commands sent, by command."),
		commandsReceived:  counterVec("commands_received_total", "Control commands received, by command."),
		decodeFailures:    counter("decode_failures_total", "Inbound control or data messages dropped as malformed."),
		packetsSent:       counter("packets_sent_total", "Packets handed to the transport."),
		packetsReceived:   counter("packets_received_total", "Packets delivered to the application."),
		fragmentsSent:     counter("fragments_sent_total", "Fragmented frames handed to the transport."),
		fragmentsReceived: counter("fragments_received_total", "Fragmented frames received."),
		reassemblyExpired: counter("reassembly_expired_total", "Incomplete packets dropped by the idle sweep."),
		sessions:          counter("sessions_total", "Sessions started by Connect."),
	}

	collectors := []prometheus.Collector{
		m.commandsSent, m.commandsReceived, m.decodeFailures,
		m.packetsSent, m.packetsReceived, m.fragmentsSent,
		m.fragmentsReceived, m.reassemblyExpired, m.sessions,
	}
	for _, c := range collectors {
		if err := cfg.Registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register wsvpn metrics: %w", err)
		}
	}

	return m, nil
}

func (m *Metrics) commandSent(command string) {
	if m != nil {
		m.commandsSent.WithLabelValues(command).Inc()
	}
}

func (m *Metrics) commandReceived(command string) {
	if m != nil {
		m.commandsReceived.WithLabelValues(command).Inc()
	}
}

func (m *Metrics) decodeFailure() {
	if m != nil {
		m.decodeFailures.Inc()
	}
}

func (m *Metrics) packetSent(fragments int) {
	if m == nil {
		return
	}
	m.packetsSent.Inc()
	if fragments > 1 {
		m.fragmentsSent.Add(float64(fragments))
	}
}

func (m *Metrics) packetReceived() {
	if m != nil {
		m.packetsReceived.Inc()
	}
}

func (m *Metrics) fragmentReceived() {
	if m != nil {
		m.fragmentsReceived.Inc()
	}
}

func (m *Metrics) reassemblyExpiredAdd(count int) {
	if m != nil {
		m.reassemblyExpired.Add(float64(count))
	}
}

func (m *Metrics) sessionStarted() {
	if m != nil {
		m.sessions.Inc()
	}
}
