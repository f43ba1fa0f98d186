package wsvpn

import (
	"time"

	"github.com/opd-ai/wsvpn/fragment"
)

const (
	// ProtocolVersion is the wsvpn protocol version this client speaks
	ProtocolVersion = 12

	// DefaultVersionString identifies this client in the version command
	DefaultVersionString = "wsvpn go"

	// DefaultMaxFragmentSize is used when neither the config nor the
	// adapter provide a fragment size
	DefaultMaxFragmentSize = 65535
)

// Config contains configuration options for a Client.
// Zero fields fall back to the defaults of DefaultConfig.
type Config struct {
	// MaxFragmentSize is the largest data payload sent in one transport
	// message. Zero asks the adapter (transport.FragmentSizer) and falls
	// back to DefaultMaxFragmentSize.
	MaxFragmentSize int

	// IdleTimeout bounds how long an incomplete packet is kept.
	IdleTimeout time.Duration

	// SweepInterval is how often idle reassembly entries are collected.
	SweepInterval time.Duration

	// LocalFeatures are advertised in every version command.
	// Nil selects DefaultFeatures.
	LocalFeatures []string

	// Version is the free-form client identification string.
	Version string

	// OnNotification receives init, packet, error and close events.
	OnNotification NotificationHandler

	// Metrics records protocol counters when non-nil.
	Metrics *Metrics

	// TimeProvider drives reassembly idle tracking. Nil uses the system clock.
	TimeProvider fragment.TimeProvider
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:   fragment.DefaultIdleTimeout,
		SweepInterval: fragment.DefaultSweepInterval,
		LocalFeatures: DefaultFeatures().Slice(),
		Version:       DefaultVersionString,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaults.IdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaults.SweepInterval
	}
	if c.LocalFeatures == nil {
		c.LocalFeatures = defaults.LocalFeatures
	}
	if c.Version == "" {
		c.Version = defaults.Version
	}
	return c
}
