// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/arflow/internal/dataplane"
	"grimm.is/arflow/internal/errors"
	"grimm.is/arflow/internal/logging"
	"grimm.is/arflow/internal/offload"
	"grimm.is/arflow/internal/prober"
)

const fullConfig = `
# Adaptive routing between the tenant side and the fabric.
dataplane {
  burst       = 64
  unsupported = "pass"
}

conntrack {
  capacity = 4096
}

probe {
  mode       = "async"
  candidates = 8
  deadline   = "20ms"
}

offload {
  engine         = "bpf"
  pin_path       = "/sys/fs/bpf/arflow"
  idle_timeout   = "30s"
  delete_retries = 0
  scan_per_poll  = 128
}

port "host" {
  interface = "eth0"
}

port "net" {
  interface    = "eth1"
  promiscuous  = false
  poll_timeout = "50us"
}

ssh {
  enabled              = true
  authorized_keys_path = "/etc/arflow/authorized_keys"
}

logging {
  level = "debug"
  json  = true
}
`

func TestParse_Full(t *testing.T) {
	cfg, err := Parse([]byte(fullConfig), "arflow.hcl")
	require.NoError(t, err)
	require.Empty(t, cfg.Validate(false))

	dp, err := cfg.DataPlaneConfig()
	require.NoError(t, err)
	assert.Equal(t, 64, dp.Burst)
	assert.Equal(t, uint16(4789), dp.TunnelPort, "unset fields keep defaults")
	assert.Equal(t, dataplane.PolicyPass, dp.Unsupported)
	assert.Equal(t, 4096, dp.Conntrack.Capacity)
	assert.Equal(t, prober.SchemeAdaptive, dp.Probe.Scheme)
	assert.Equal(t, prober.ModeAsync, dp.Probe.Mode)
	assert.Equal(t, 8, dp.Probe.Candidates)
	assert.Equal(t, 20*time.Millisecond, dp.Probe.Deadline)
	assert.Equal(t, uint16(4788), dp.Probe.ReplyPort)
	assert.Equal(t, 30*time.Second, dp.Lifecycle.IdleTimeout)
	assert.Equal(t, 0, dp.Lifecycle.DeleteRetries, "explicit zero is kept")
	assert.Equal(t, 3, dp.Lifecycle.InstallAttempts)

	oc := cfg.OffloadEngine()
	assert.Equal(t, offload.KindBPF, oc.Kind)
	assert.Equal(t, "/sys/fs/bpf/arflow", oc.PinPath)
	assert.Equal(t, 128, oc.ScanPerPoll)

	host, ok, err := cfg.Port(RoleHost)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "eth0", host.Interface)
	assert.True(t, host.Promiscuous)

	netPort, ok, err := cfg.Port(RoleNet)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, netPort.Promiscuous)
	assert.Equal(t, 50*time.Microsecond, netPort.PollTimeout)

	lc, err := cfg.LoggerConfig()
	require.NoError(t, err)
	assert.Equal(t, logging.LevelDebug, lc.Level)
	assert.True(t, lc.JSON)
	assert.True(t, lc.Timestamps)

	sc, err := cfg.SSHServer()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:2222", sc.Listen)
	assert.Equal(t, 30*time.Minute, sc.IdleTimeout)
}

func TestParse_EmptyIsDefault(t *testing.T) {
	cfg, err := Parse(nil, "empty.hcl")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Empty(t, cfg.Validate(true))

	errs := cfg.Validate(false)
	require.Len(t, errs, 2, "real ports are required outside sim mode")
	assert.Equal(t, "port[host]", errs[0].Field)
	assert.Equal(t, "port[net]", errs[1].Field)
}

func TestParse_SyntaxAndSchemaErrors(t *testing.T) {
	_, err := Parse([]byte(`probe {`), "bad.hcl")
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))

	_, err = Parse([]byte(`probe { flavour = "x" }`), "bad.hcl")
	assert.Error(t, err, "unknown attributes are rejected")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		field string
	}{
		{"bad duration", `probe { deadline = "soon" }`, "probe.deadline"},
		{"bad engine", `offload { engine = "asic" }`, "offload.engine"},
		{"negative scan", `offload { scan_per_poll = -1 }`, "offload.scan_per_poll"},
		{"bad level", `logging { level = "loud" }`, "logging.level"},
		{"tunnel port range", `dataplane { tunnel_port = 70000 }`, "dataplane.tunnel_port"},
		{"ssh without keys", `ssh { enabled = true }`, "ssh.authorized_keys_path"},
		{"bad role", `port "mgmt" { interface = "eth2" }`, "port[mgmt]"},
		{"reply equals tunnel", `probe { reply_port = 4789 }`, "config"},
		{"bad scheme", `probe { scheme = "random" }`, "config"},
		{"sim loss", `sim { loss_percent = 150 }`, "sim.loss_percent"},
		{"metrics listen", `metrics { listen = "nowhere" }`, "metrics.listen"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.src), "t.hcl")
			require.NoError(t, err)
			errs := cfg.Validate(true)
			require.True(t, errs.HasErrors())
			fields := make([]string, len(errs))
			for i, e := range errs {
				fields[i] = e.Field
			}
			assert.Contains(t, fields, tt.field)
			assert.Equal(t, errors.KindValidation, errors.GetKind(errs.Err()))
		})
	}
	assert.NoError(t, ValidationErrors(nil).Err())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arflow.hcl")
	require.NoError(t, os.WriteFile(path, []byte(fullConfig), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "eth1", cfg.Ports[1].Interface)

	_, err = Load(filepath.Join(t.TempDir(), "missing.hcl"))
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))
}

func TestMarshal_RoundTrip(t *testing.T) {
	cfg, err := Parse([]byte(fullConfig), "arflow.hcl")
	require.NoError(t, err)

	again, err := Parse(Marshal(cfg), "marshalled.hcl")
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestSimPaths(t *testing.T) {
	cfg := DefaultConfig()
	interval, delays, err := cfg.SimPaths()
	require.NoError(t, err)
	assert.Equal(t, time.Millisecond, interval)
	assert.Equal(t, []time.Duration{12 * time.Millisecond, 9 * time.Millisecond, 5 * time.Millisecond, 20 * time.Millisecond}, delays)
}
