// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dataplane

import (
	"time"

	"grimm.is/arflow/internal/conntrack"
	"grimm.is/arflow/internal/errors"
	"grimm.is/arflow/internal/lifecycle"
	"grimm.is/arflow/internal/packet"
	"grimm.is/arflow/internal/prober"
)

// UnsupportedPolicy says what happens to ingress frames outside the tunnel
// encapsulation.
type UnsupportedPolicy string

const (
	PolicyDrop UnsupportedPolicy = "drop"
	PolicyPass UnsupportedPolicy = "pass"
)

// DefaultBurst is the ingress receive burst.
const DefaultBurst = 128

// Config is the full data plane configuration.
type Config struct {
	Burst       int
	TunnelPort  uint16
	Unsupported UnsupportedPolicy
	HostQueue   int
	NetQueue    int
	// IdleBackoff is slept after an iteration that moved no packets. Zero
	// keeps the worker polling.
	IdleBackoff time.Duration

	Conntrack *conntrack.Config
	Probe     *prober.Config
	Lifecycle *lifecycle.Config
}

// DefaultConfig returns the defaults for every component.
func DefaultConfig() *Config {
	return &Config{
		Burst:       DefaultBurst,
		TunnelPort:  packet.DefaultTunnelPort,
		Unsupported: PolicyDrop,
		Conntrack:   conntrack.DefaultConfig(),
		Probe:       prober.DefaultConfig(),
		Lifecycle:   lifecycle.DefaultConfig(),
	}
}

// Validate checks the data plane settings and every component section.
func (c *Config) Validate() error {
	if c.Burst <= 0 {
		return errors.Errorf(errors.KindValidation, "burst must be positive, got %d", c.Burst)
	}
	if c.TunnelPort == 0 {
		return errors.New(errors.KindValidation, "tunnel port must be set")
	}
	switch c.Unsupported {
	case PolicyDrop, PolicyPass:
	default:
		return errors.Errorf(errors.KindValidation, "unknown unsupported-packet policy %q", c.Unsupported)
	}
	if c.Conntrack == nil || c.Probe == nil || c.Lifecycle == nil {
		return errors.New(errors.KindValidation, "conntrack, probe and lifecycle sections are required")
	}
	if c.Conntrack.Capacity <= 0 {
		return errors.Errorf(errors.KindValidation, "conntrack capacity must be positive, got %d", c.Conntrack.Capacity)
	}
	if err := c.Probe.Validate(); err != nil {
		return err
	}
	if c.Probe.ReplyPort == c.TunnelPort {
		return errors.New(errors.KindValidation, "reply port must differ from the tunnel port")
	}
	return c.Lifecycle.Validate()
}
