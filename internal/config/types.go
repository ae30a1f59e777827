// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

// Config is the root of an arflow configuration file. Durations are strings
// in time.ParseDuration form ("50ms", "10s").
type Config struct {
	DataPlane *DataPlaneConfig `hcl:"dataplane,block" json:"dataplane,omitempty"`
	Conntrack *ConntrackConfig `hcl:"conntrack,block" json:"conntrack,omitempty"`
	Probe     *ProbeConfig     `hcl:"probe,block" json:"probe,omitempty"`
	Offload   *OffloadConfig   `hcl:"offload,block" json:"offload,omitempty"`
	Pool      *PoolConfig      `hcl:"pool,block" json:"pool,omitempty"`
	Ports     []PortConfig     `hcl:"port,block" json:"ports,omitempty"`
	Shell     *ShellConfig     `hcl:"shell,block" json:"shell,omitempty"`
	SSH       *SSHConfig       `hcl:"ssh,block" json:"ssh,omitempty"`
	Metrics   *MetricsConfig   `hcl:"metrics,block" json:"metrics,omitempty"`
	Logging   *LoggingConfig   `hcl:"logging,block" json:"logging,omitempty"`
	Sim       *SimConfig       `hcl:"sim,block" json:"sim,omitempty"`
}

// DataPlaneConfig tunes the packet worker.
type DataPlaneConfig struct {
	Burst       int    `hcl:"burst,optional" json:"burst,omitempty"`
	TunnelPort  int    `hcl:"tunnel_port,optional" json:"tunnel_port,omitempty"`
	Unsupported string `hcl:"unsupported,optional" json:"unsupported,omitempty"` // drop or pass
	HostQueue   int    `hcl:"host_queue,optional" json:"host_queue,omitempty"`
	NetQueue    int    `hcl:"net_queue,optional" json:"net_queue,omitempty"`
	IdleBackoff string `hcl:"idle_backoff,optional" json:"idle_backoff,omitempty"`
}

// ConntrackConfig sizes the connection table.
type ConntrackConfig struct {
	Capacity int `hcl:"capacity,optional" json:"capacity,omitempty"`
}

// ProbeConfig selects how new flows get a path.
type ProbeConfig struct {
	Scheme     string `hcl:"scheme,optional" json:"scheme,omitempty"` // adaptive or ecmp
	Mode       string `hcl:"mode,optional" json:"mode,omitempty"`     // sync or async
	Candidates int    `hcl:"candidates,optional" json:"candidates,omitempty"`
	Deadline   string `hcl:"deadline,optional" json:"deadline,omitempty"`
	ReplyPort  int    `hcl:"reply_port,optional" json:"reply_port,omitempty"`
	Queue      int    `hcl:"queue,optional" json:"queue,omitempty"`
}

// OffloadConfig selects the rule engine and the rule lifecycle.
type OffloadConfig struct {
	Engine          string `hcl:"engine,optional" json:"engine,omitempty"` // sim or bpf
	MaxRules        int    `hcl:"max_rules,optional" json:"max_rules,omitempty"`
	ScanPerPoll     int    `hcl:"scan_per_poll,optional" json:"scan_per_poll,omitempty"`
	PinPath         string `hcl:"pin_path,optional" json:"pin_path,omitempty"`
	IdleTimeout     string `hcl:"idle_timeout,optional" json:"idle_timeout,omitempty"`
	AgedPerPoll     int    `hcl:"aged_per_poll,optional" json:"aged_per_poll,omitempty"`
	DeleteRetries   *int   `hcl:"delete_retries,optional" json:"delete_retries,omitempty"`
	InstallAttempts int    `hcl:"install_attempts,optional" json:"install_attempts,omitempty"`
}

// PoolConfig sizes the packet buffer pool shared by both ports.
type PoolConfig struct {
	Size    int `hcl:"size,optional" json:"size,omitempty"`
	BufSize int `hcl:"buf_size,optional" json:"buf_size,omitempty"`
}

// PortConfig binds a role ("host" or "net") to a kernel interface.
type PortConfig struct {
	Role        string `hcl:"role,label" json:"role"`
	Interface   string `hcl:"interface" json:"interface"`
	Promiscuous *bool  `hcl:"promiscuous,optional" json:"promiscuous,omitempty"`
	PollTimeout string `hcl:"poll_timeout,optional" json:"poll_timeout,omitempty"`
}

// ShellConfig controls the interactive shell on the controlling terminal.
type ShellConfig struct {
	Stdin *bool `hcl:"stdin,optional" json:"stdin,omitempty"`
}

// MetricsConfig controls the metrics and debug HTTP listener.
type MetricsConfig struct {
	Enabled *bool  `hcl:"enabled,optional" json:"enabled,omitempty"`
	Listen  string `hcl:"listen,optional" json:"listen,omitempty"`
}

// LoggingConfig controls the logger.
type LoggingConfig struct {
	Level      string        `hcl:"level,optional" json:"level,omitempty"`
	JSON       bool          `hcl:"json,optional" json:"json,omitempty"`
	Timestamps *bool         `hcl:"timestamps,optional" json:"timestamps,omitempty"`
	Syslog     *SyslogConfig `hcl:"syslog,block" json:"syslog,omitempty"`
}

// SyslogConfig forwards log records to a remote collector.
type SyslogConfig struct {
	Enabled  bool   `hcl:"enabled,optional" json:"enabled"`
	Host     string `hcl:"host,optional" json:"host,omitempty"`
	Port     int    `hcl:"port,optional" json:"port,omitempty"`
	Protocol string `hcl:"protocol,optional" json:"protocol,omitempty"`
	Tag      string `hcl:"tag,optional" json:"tag,omitempty"`
	Facility int    `hcl:"facility,optional" json:"facility,omitempty"`
}

// SimConfig shapes the in-memory network used by --sim.
type SimConfig struct {
	Flows          int      `hcl:"flows,optional" json:"flows,omitempty"`
	PacketsPerFlow int      `hcl:"packets_per_flow,optional" json:"packets_per_flow,omitempty"`
	Interval       string   `hcl:"interval,optional" json:"interval,omitempty"`
	PathDelays     []string `hcl:"path_delays,optional" json:"path_delays,omitempty"`
	LossPercent    int      `hcl:"loss_percent,optional" json:"loss_percent,omitempty"`
}
