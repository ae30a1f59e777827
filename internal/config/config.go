// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads the agent's HCL configuration and turns it into the
// typed settings each component takes.
package config

import (
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclwrite"

	"grimm.is/arflow/internal/api"
	"grimm.is/arflow/internal/conntrack"
	"grimm.is/arflow/internal/dataplane"
	"grimm.is/arflow/internal/errors"
	"grimm.is/arflow/internal/lifecycle"
	"grimm.is/arflow/internal/logging"
	"grimm.is/arflow/internal/offload"
	"grimm.is/arflow/internal/packet"
	"grimm.is/arflow/internal/prober"
	"grimm.is/arflow/internal/ssh"
	"grimm.is/arflow/internal/transport"
)

// Port roles.
const (
	RoleHost = "host"
	RoleNet  = "net"
)

// DefaultConfig returns a configuration with every block present and every
// field at its default. Ports are left unset.
func DefaultConfig() *Config {
	retries := lifecycle.DefaultDeleteRetries
	return &Config{
		DataPlane: &DataPlaneConfig{
			Burst:       dataplane.DefaultBurst,
			TunnelPort:  int(packet.DefaultTunnelPort),
			Unsupported: string(dataplane.PolicyDrop),
			IdleBackoff: "0s",
		},
		Conntrack: &ConntrackConfig{Capacity: conntrack.DefaultCapacity},
		Probe: &ProbeConfig{
			Scheme:     string(prober.SchemeAdaptive),
			Mode:       string(prober.ModeSync),
			Candidates: prober.DefaultCandidates,
			Deadline:   prober.DefaultDeadline.String(),
			ReplyPort:  int(packet.DefaultReplyPort),
		},
		Offload: &OffloadConfig{
			Engine:          string(offload.KindSim),
			MaxRules:        offload.DefaultMaxRules,
			ScanPerPoll:     offload.DefaultScanPerPoll,
			IdleTimeout:     lifecycle.DefaultIdleTimeout.String(),
			AgedPerPoll:     lifecycle.DefaultAgedPerPoll,
			DeleteRetries:   &retries,
			InstallAttempts: lifecycle.DefaultInstallAttempts,
		},
		Pool:  &PoolConfig{Size: transport.DefaultPoolSize, BufSize: transport.DefaultBufSize},
		Shell: &ShellConfig{Stdin: boolPtr(true)},
		SSH: &SSHConfig{
			Listen:      ssh.DefaultConfig().Listen,
			HostKeyPath: ssh.DefaultConfig().HostKeyPath,
			IdleTimeout: ssh.DefaultConfig().IdleTimeout.String(),
		},
		Metrics: &MetricsConfig{Enabled: boolPtr(true), Listen: api.DefaultListen},
		Logging: &LoggingConfig{Level: "info", Timestamps: boolPtr(true)},
		Sim: &SimConfig{
			Flows:          16,
			PacketsPerFlow: 200,
			Interval:       "1ms",
			PathDelays:     []string{"12ms", "9ms", "5ms", "20ms"},
		},
	}
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindNotFound, "failed to read config file")
	}
	return Parse(data, path)
}

// Parse decodes HCL source. Blocks and fields left out keep their defaults.
func Parse(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, errors.Wrap(diags, errors.KindValidation, "failed to parse HCL")
	}

	var cfg Config
	if diags := gohcl.DecodeBody(file.Body, nil, &cfg); diags.HasErrors() {
		return nil, errors.Wrap(diags, errors.KindValidation, "failed to decode HCL")
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults fills absent blocks and zero fields from DefaultConfig.
func (c *Config) applyDefaults() {
	d := DefaultConfig()

	if c.DataPlane == nil {
		c.DataPlane = d.DataPlane
	}
	dp := c.DataPlane
	orInt(&dp.Burst, d.DataPlane.Burst)
	orInt(&dp.TunnelPort, d.DataPlane.TunnelPort)
	orString(&dp.Unsupported, d.DataPlane.Unsupported)
	orString(&dp.IdleBackoff, d.DataPlane.IdleBackoff)

	if c.Conntrack == nil {
		c.Conntrack = d.Conntrack
	}
	orInt(&c.Conntrack.Capacity, d.Conntrack.Capacity)

	if c.Probe == nil {
		c.Probe = d.Probe
	}
	p := c.Probe
	orString(&p.Scheme, d.Probe.Scheme)
	orString(&p.Mode, d.Probe.Mode)
	orInt(&p.Candidates, d.Probe.Candidates)
	orString(&p.Deadline, d.Probe.Deadline)
	orInt(&p.ReplyPort, d.Probe.ReplyPort)

	if c.Offload == nil {
		c.Offload = d.Offload
	}
	o := c.Offload
	orString(&o.Engine, d.Offload.Engine)
	orInt(&o.MaxRules, d.Offload.MaxRules)
	orInt(&o.ScanPerPoll, d.Offload.ScanPerPoll)
	orString(&o.IdleTimeout, d.Offload.IdleTimeout)
	orInt(&o.AgedPerPoll, d.Offload.AgedPerPoll)
	orInt(&o.InstallAttempts, d.Offload.InstallAttempts)
	if o.DeleteRetries == nil {
		o.DeleteRetries = d.Offload.DeleteRetries
	}

	if c.Pool == nil {
		c.Pool = d.Pool
	}
	orInt(&c.Pool.Size, d.Pool.Size)
	orInt(&c.Pool.BufSize, d.Pool.BufSize)

	if c.Shell == nil {
		c.Shell = d.Shell
	}
	if c.Shell.Stdin == nil {
		c.Shell.Stdin = d.Shell.Stdin
	}
	if c.SSH == nil {
		c.SSH = d.SSH
	}
	orString(&c.SSH.Listen, d.SSH.Listen)
	orString(&c.SSH.HostKeyPath, d.SSH.HostKeyPath)
	orString(&c.SSH.IdleTimeout, d.SSH.IdleTimeout)

	if c.Metrics == nil {
		c.Metrics = d.Metrics
	}
	orString(&c.Metrics.Listen, d.Metrics.Listen)
	if c.Metrics.Enabled == nil {
		c.Metrics.Enabled = d.Metrics.Enabled
	}

	if c.Logging == nil {
		c.Logging = d.Logging
	}
	orString(&c.Logging.Level, d.Logging.Level)
	if c.Logging.Timestamps == nil {
		c.Logging.Timestamps = d.Logging.Timestamps
	}

	if c.Sim == nil {
		c.Sim = d.Sim
	}
	orInt(&c.Sim.Flows, d.Sim.Flows)
	orInt(&c.Sim.PacketsPerFlow, d.Sim.PacketsPerFlow)
	orString(&c.Sim.Interval, d.Sim.Interval)
	if len(c.Sim.PathDelays) == 0 {
		c.Sim.PathDelays = d.Sim.PathDelays
	}
}

func boolPtr(b bool) *bool { return &b }

func orInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func orString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

// Marshal renders c as HCL.
func Marshal(c *Config) []byte {
	f := hclwrite.NewEmptyFile()
	gohcl.EncodeIntoBody(c, f.Body())
	return hclwrite.Format(f.Bytes())
}

func parseDuration(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, ValidationError{Field: field, Message: "invalid duration " + s}
	}
	if d < 0 {
		return 0, ValidationError{Field: field, Message: "must not be negative"}
	}
	return d, nil
}

// DataPlaneConfig builds the data plane configuration, components included.
func (c *Config) DataPlaneConfig() (*dataplane.Config, error) {
	idle, err := parseDuration("dataplane.idle_backoff", c.DataPlane.IdleBackoff)
	if err != nil {
		return nil, err
	}
	deadline, err := parseDuration("probe.deadline", c.Probe.Deadline)
	if err != nil {
		return nil, err
	}
	ruleIdle, err := parseDuration("offload.idle_timeout", c.Offload.IdleTimeout)
	if err != nil {
		return nil, err
	}
	if err := portNumber("dataplane.tunnel_port", c.DataPlane.TunnelPort); err != nil {
		return nil, err
	}
	if err := portNumber("probe.reply_port", c.Probe.ReplyPort); err != nil {
		return nil, err
	}

	return &dataplane.Config{
		Burst:       c.DataPlane.Burst,
		TunnelPort:  uint16(c.DataPlane.TunnelPort),
		Unsupported: dataplane.UnsupportedPolicy(c.DataPlane.Unsupported),
		HostQueue:   c.DataPlane.HostQueue,
		NetQueue:    c.DataPlane.NetQueue,
		IdleBackoff: idle,
		Conntrack:   &conntrack.Config{Capacity: c.Conntrack.Capacity},
		Probe: &prober.Config{
			Scheme:     prober.Scheme(c.Probe.Scheme),
			Mode:       prober.Mode(c.Probe.Mode),
			Candidates: c.Probe.Candidates,
			Deadline:   deadline,
			ReplyPort:  uint16(c.Probe.ReplyPort),
			Queue:      c.Probe.Queue,
		},
		Lifecycle: &lifecycle.Config{
			IdleTimeout:     ruleIdle,
			AgedPerPoll:     c.Offload.AgedPerPoll,
			DeleteRetries:   *c.Offload.DeleteRetries,
			InstallAttempts: c.Offload.InstallAttempts,
		},
	}, nil
}

func portNumber(field string, v int) error {
	if v <= 0 || v > 65535 {
		return ValidationError{Field: field, Message: "must be a UDP port number"}
	}
	return nil
}

// OffloadEngine returns the engine selection.
func (c *Config) OffloadEngine() *offload.Config {
	return &offload.Config{
		Kind:        offload.Kind(c.Offload.Engine),
		MaxRules:    c.Offload.MaxRules,
		PinPath:     c.Offload.PinPath,
		ScanPerPoll: c.Offload.ScanPerPoll,
	}
}

// Port returns the raw port settings for role, or false when the file does
// not bind that role.
func (c *Config) Port(role string) (transport.RawConfig, bool, error) {
	for _, p := range c.Ports {
		if p.Role != role {
			continue
		}
		rc := transport.RawConfig{
			Interface:   p.Interface,
			Promiscuous: p.Promiscuous == nil || *p.Promiscuous,
			PollTimeout: transport.DefaultPollTimeout,
		}
		if p.PollTimeout != "" {
			d, err := parseDuration("port."+role+".poll_timeout", p.PollTimeout)
			if err != nil {
				return rc, true, err
			}
			rc.PollTimeout = d
		}
		return rc, true, nil
	}
	return transport.RawConfig{}, false, nil
}

// LoggerConfig returns the logger settings.
func (c *Config) LoggerConfig() (logging.Config, error) {
	lc := logging.DefaultConfig()
	level, ok := logging.ParseLevel(c.Logging.Level)
	if !ok {
		return lc, ValidationError{Field: "logging.level", Message: "unknown level " + c.Logging.Level}
	}
	lc.Level = level
	lc.JSON = c.Logging.JSON
	lc.Timestamps = c.Logging.Timestamps == nil || *c.Logging.Timestamps
	if s := c.Logging.Syslog; s != nil && s.Enabled {
		sc := logging.DefaultSyslogConfig()
		sc.Enabled = true
		sc.Host = s.Host
		if s.Port != 0 {
			sc.Port = s.Port
		}
		if s.Protocol != "" {
			sc.Protocol = s.Protocol
		}
		if s.Tag != "" {
			sc.Tag = s.Tag
		}
		sc.Facility = s.Facility
		lc.Syslog = &sc
	}
	return lc, nil
}

// SSHServer returns the SSH listener settings.
func (c *Config) SSHServer() (*ssh.Config, error) {
	idle, err := parseDuration("ssh.idle_timeout", c.SSH.IdleTimeout)
	if err != nil {
		return nil, err
	}
	return &ssh.Config{
		Listen:             c.SSH.Listen,
		HostKeyPath:        c.SSH.HostKeyPath,
		AuthorizedKeysPath: c.SSH.AuthorizedKeysPath,
		IdleTimeout:        idle,
	}, nil
}

// MetricsEnabled reports whether the metrics listener runs.
func (c *Config) MetricsEnabled() bool { return c.Metrics.Enabled == nil || *c.Metrics.Enabled }

// ShellOnStdin reports whether the controlling terminal gets a shell.
func (c *Config) ShellOnStdin() bool { return c.Shell.Stdin == nil || *c.Shell.Stdin }

// APIServer returns the metrics listener settings.
func (c *Config) APIServer() *api.ServerConfig {
	sc := api.DefaultServerConfig()
	sc.Listen = c.Metrics.Listen
	return sc
}

// SimPaths returns the per-path reply delays of the simulated network.
func (c *Config) SimPaths() (interval time.Duration, delays []time.Duration, err error) {
	interval, err = parseDuration("sim.interval", c.Sim.Interval)
	if err != nil {
		return 0, nil, err
	}
	delays = make([]time.Duration, len(c.Sim.PathDelays))
	for i, s := range c.Sim.PathDelays {
		if delays[i], err = parseDuration("sim.path_delays", s); err != nil {
			return 0, nil, err
		}
	}
	return interval, delays, nil
}
