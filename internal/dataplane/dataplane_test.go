// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dataplane

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/arflow/internal/clock"
	"grimm.is/arflow/internal/conntrack"
	"grimm.is/arflow/internal/errors"
	"grimm.is/arflow/internal/logging"
	"grimm.is/arflow/internal/metrics"
	"grimm.is/arflow/internal/offload"
	"grimm.is/arflow/internal/packet"
	"grimm.is/arflow/internal/prober"
	"grimm.is/arflow/internal/reflector"
	"grimm.is/arflow/internal/transport"
)

var (
	flowSrc = netip.MustParseAddrPort("10.0.0.1:5000")
	flowDst = netip.MustParseAddrPort("10.0.0.2:4789")
)

// fabricPort is the network-side port as the worker sees it. Each Receive
// advances the mock clock by a millisecond and lets the far-side reflector
// take one step, so probing runs deterministically on one goroutine.
type fabricPort struct {
	*transport.PipeEnd
	clk  *clock.MockClock
	refl *reflector.Reflector
}

func (f *fabricPort) Receive(queue int, pkts []*packet.Packet) int {
	f.clk.Advance(time.Millisecond)
	f.refl.Step()
	return f.PipeEnd.Receive(queue, pkts)
}

type rig struct {
	t        *testing.T
	clk      *clock.MockClock
	pool     *transport.Pool
	hostPeer *transport.PipeEnd
	refl     *reflector.Reflector
	engine   *offload.SimEngine
	metrics  *metrics.Metrics
	ctx      *Context

	delivered []packet.Headers
}

// candidateDelays: candidate 2 answers first, candidate 3 is lost.
func candidateDelays(sport uint16) (time.Duration, bool) {
	switch sport - flowSrc.Port() {
	case 0:
		return 12 * time.Millisecond, false
	case 1:
		return 9 * time.Millisecond, false
	case 2:
		return 5 * time.Millisecond, false
	default:
		return 0, true
	}
}

func newRig(t *testing.T, mutate func(*Config)) *rig {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Probe.Deadline = 30 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	pool, err := transport.NewPool(256, transport.DefaultBufSize)
	require.NoError(t, err)
	hostPeer, host, err := transport.NewPipe("tenant", "host", transport.PipeConfig{Pool: pool, Depth: 64, SoftwareHash: true})
	require.NoError(t, err)
	netEnd, far, err := transport.NewPipe("net", "fabric", transport.PipeConfig{Pool: pool, Depth: 64})
	require.NoError(t, err)

	clk := clock.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	r := &rig{t: t, clk: clk, pool: pool, hostPeer: hostPeer, metrics: metrics.NewMetrics()}

	r.refl = reflector.New(&reflector.Config{
		TunnelPort: cfg.TunnelPort,
		ReplyPort:  cfg.Probe.ReplyPort,
		Burst:      32,
	}, far, clk, logging.Discard())
	r.refl.SetProfile(candidateDelays)
	r.refl.OnDeliver = func(h *packet.Headers) { r.delivered = append(r.delivered, *h) }

	r.engine, err = offload.NewSimEngine(nil, clk, logging.Discard())
	require.NoError(t, err)

	r.ctx, err = New(cfg, Options{
		Host:    host,
		Net:     &fabricPort{PipeEnd: netEnd, clk: clk, refl: r.refl},
		Engine:  r.engine,
		Clock:   clk,
		Logger:  logging.Discard(),
		Metrics: r.metrics,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.ctx.Close() })
	return r
}

// inject queues one tenant frame toward the host port.
func (r *rig) inject(src, dst netip.AddrPort) {
	r.t.Helper()
	data, err := packet.UDPFrame{Src: src, Dst: dst, Payload: make([]byte, 64)}.Encode()
	require.NoError(r.t, err)
	buf := make([]*packet.Packet, 1)
	require.NoError(r.t, r.hostPeer.Alloc(buf))
	buf[0].Data = append(buf[0].Data[:0], data...)
	require.Equal(r.t, 1, r.hostPeer.Send(0, buf))
}

func (r *rig) step() int { return r.ctx.Step(context.Background()) }

func (r *rig) conn(src netip.AddrPort) (conntrack.Connection, bool) {
	var found conntrack.Connection
	ok := false
	r.ctx.Table().ForEach(func(c conntrack.Connection) bool {
		if c.Key.Src() == src {
			found, ok = c, true
			return false
		}
		return true
	})
	return found, ok
}

func TestDataPlane_NewFlowProbedAndOffloaded(t *testing.T) {
	r := newRig(t, nil)
	r.inject(flowSrc, flowDst)

	require.Equal(t, 1, r.step())

	conn, ok := r.conn(flowSrc)
	require.True(t, ok)
	assert.Equal(t, flowSrc.Port()+2, conn.Path, "candidate 2 replied first")
	assert.Equal(t, conntrack.StateOffloaded, conn.State)
	assert.False(t, conn.Rule.IsZero())
	assert.EqualValues(t, 1, conn.Packets)

	rules := r.engine.Rules()
	require.Len(t, rules, 1)
	assert.Equal(t, conn.Path, rules[0].Rule.Action.SetSrcPort)
	assert.Equal(t, offload.MatchFromKey(conn.Key), rules[0].Rule.Match)
	assert.Equal(t, conn.ID, conntrack.UnpackConnID(rules[0].Rule.UserData))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.RulesInstalled))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.ProbeReplies))

	// The forwarded frame reaches the far side on the chosen path.
	r.step()
	require.Len(t, r.delivered, 1)
	assert.Equal(t, conn.Path, r.delivered[0].SrcPort)
	assert.Equal(t, flowDst.Port(), r.delivered[0].DstPort)

	// A second packet of the flow hits the table without probing again.
	rounds := testutil.ToFloat64(r.metrics.ProbeRounds)
	r.inject(flowSrc, flowDst)
	r.step()
	r.step()
	assert.Equal(t, rounds, testutil.ToFloat64(r.metrics.ProbeRounds))
	require.Len(t, r.delivered, 2)
	assert.Equal(t, conn.Path, r.delivered[1].SrcPort)
	got, _ := r.conn(flowSrc)
	assert.EqualValues(t, 2, got.Packets)
	assert.Len(t, r.engine.Rules(), 1)

	stats := r.ctx.PortStats()
	assert.Equal(t, "host", stats[0].Name)
	assert.EqualValues(t, 2, stats[0].RxPackets)
	assert.Equal(t, "net", stats[1].Name)
	// Four probes plus two data frames.
	assert.EqualValues(t, 6, stats[1].TxPackets)
}

func TestDataPlane_ProbeTimeoutKeepsOwnPath(t *testing.T) {
	r := newRig(t, nil)
	r.refl.SetProfile(func(uint16) (time.Duration, bool) { return 0, true })
	r.inject(flowSrc, flowDst)
	r.step()

	conn, ok := r.conn(flowSrc)
	require.True(t, ok, "a timed out flow is still committed")
	assert.Equal(t, flowSrc.Port(), conn.Path)
	assert.Equal(t, conntrack.StateOffloaded, conn.State)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.ProbeTimeouts))
}

func TestDataPlane_ECMPNeverProbes(t *testing.T) {
	r := newRig(t, func(c *Config) { c.Probe.Scheme = prober.SchemeECMP })
	r.inject(flowSrc, flowDst)
	r.step()
	r.step()

	conn, ok := r.conn(flowSrc)
	require.True(t, ok)
	assert.Equal(t, flowSrc.Port(), conn.Path)
	assert.Equal(t, conntrack.StateOffloaded, conn.State)
	assert.Zero(t, testutil.ToFloat64(r.metrics.ProbeRounds))
	assert.Zero(t, r.refl.Stats().Bounced+r.refl.Stats().Dropped)
	require.Len(t, r.delivered, 1)
	assert.Equal(t, flowSrc.Port(), r.delivered[0].SrcPort)
}

func TestDataPlane_AsyncForwardsWhileProbing(t *testing.T) {
	r := newRig(t, func(c *Config) { c.Probe.Mode = prober.ModeAsync })
	r.inject(flowSrc, flowDst)
	r.step()

	assert.EqualValues(t, 1, r.ctx.Counters().PendingForwards)
	_, ok := r.conn(flowSrc)
	assert.False(t, ok, "nothing is cached until the probe completes")
	assert.Equal(t, 1, r.ctx.Prober().Outstanding())

	// Packets of the same flow while the round is in flight go out
	// unmodified and do not start another round.
	r.inject(flowSrc, flowDst)
	r.step()
	assert.EqualValues(t, 2, r.ctx.Counters().PendingForwards)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.ProbeRounds))

	for i := 0; i < 10; i++ {
		r.step()
	}
	conn, ok := r.conn(flowSrc)
	require.True(t, ok)
	assert.Equal(t, flowSrc.Port()+2, conn.Path)
	assert.Equal(t, conntrack.StateOffloaded, conn.State)
	assert.Zero(t, r.ctx.Prober().Outstanding())

	require.Len(t, r.delivered, 2)
	for _, h := range r.delivered {
		assert.Equal(t, flowSrc.Port(), h.SrcPort)
	}

	r.inject(flowSrc, flowDst)
	r.step()
	r.step()
	require.Len(t, r.delivered, 3)
	assert.Equal(t, conn.Path, r.delivered[2].SrcPort)
}

func TestDataPlane_UnsupportedPolicy(t *testing.T) {
	dns := netip.MustParseAddrPort("10.0.0.2:53")

	t.Run("drop", func(t *testing.T) {
		r := newRig(t, nil)
		r.inject(flowSrc, dns)
		r.step()
		r.step()
		assert.Empty(t, r.delivered)
		assert.EqualValues(t, 1, r.ctx.Counters().Unsupported)
		assert.Zero(t, r.ctx.Table().Len())
		assert.Zero(t, r.pool.InUse())
	})

	t.Run("pass", func(t *testing.T) {
		r := newRig(t, func(c *Config) { c.Unsupported = PolicyPass })
		r.inject(flowSrc, dns)
		r.step()
		r.step()
		require.Len(t, r.delivered, 1)
		assert.Equal(t, flowSrc.Port(), r.delivered[0].SrcPort)
		assert.Equal(t, uint16(53), r.delivered[0].DstPort)
		assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.Unsupported))
		assert.Zero(t, r.ctx.Table().Len())
	})
}

func TestDataPlane_AdmissionFailureStillForwards(t *testing.T) {
	r := newRig(t, func(c *Config) {
		c.Conntrack.Capacity = 1
		c.Probe.Scheme = prober.SchemeECMP
	})
	other := netip.MustParseAddrPort("10.0.0.3:6000")

	r.inject(flowSrc, flowDst)
	r.inject(other, flowDst)
	r.step()
	r.step()

	assert.Equal(t, 1, r.ctx.Table().Len())
	assert.EqualValues(t, 1, r.ctx.Counters().AdmissionFailures)
	assert.Len(t, r.delivered, 2)
	assert.Len(t, r.engine.Rules(), 1)
}

func TestDataPlane_FullTableSkipsProbing(t *testing.T) {
	r := newRig(t, func(c *Config) { c.Conntrack.Capacity = 1 })
	other := netip.MustParseAddrPort("10.0.0.3:6000")

	r.inject(flowSrc, flowDst)
	r.step()
	require.Equal(t, 1, r.ctx.Table().Len())
	rounds := testutil.ToFloat64(r.metrics.ProbeRounds)
	require.Equal(t, 1.0, rounds)

	for i := 0; i < 3; i++ {
		r.inject(other, flowDst)
		r.step()
		r.step()
	}

	assert.Equal(t, rounds, testutil.ToFloat64(r.metrics.ProbeRounds), "no round for a flow that cannot be cached")
	counters := r.ctx.Counters()
	assert.EqualValues(t, 3, counters.AdmissionFailures)
	assert.Equal(t, 3.0, testutil.ToFloat64(r.metrics.AdmissionFailures))
	assert.EqualValues(t, 1, counters.Table.Inserts)
	assert.Zero(t, counters.Table.Exhausted, "no insert attempted for the uncached flow")
	assert.Equal(t, 1, counters.Table.Capacity)
	_, ok := r.conn(other)
	assert.False(t, ok)

	var uncached []packet.Headers
	for _, h := range r.delivered {
		if h.SrcIP == other.Addr().As4() {
			uncached = append(uncached, h)
		}
	}
	require.Len(t, uncached, 3)
	for _, h := range uncached {
		assert.Equal(t, other.Port(), h.SrcPort, "forwarded on its own port")
	}
}

func TestDataPlane_InstallRetriedOnLaterPackets(t *testing.T) {
	r := newRig(t, func(c *Config) { c.Probe.Scheme = prober.SchemeECMP })
	r.engine.FailCreate = func(offload.Rule) error { return offload.ErrRuleTableFull }

	r.inject(flowSrc, flowDst)
	r.step()
	conn, ok := r.conn(flowSrc)
	require.True(t, ok)
	assert.Equal(t, conntrack.StateTableOnly, conn.State)
	assert.EqualValues(t, 1, conn.InstallAttempts)

	r.inject(flowSrc, flowDst)
	r.step()
	conn, _ = r.conn(flowSrc)
	assert.EqualValues(t, 2, conn.InstallAttempts)
	assert.Equal(t, conntrack.StateTableOnly, conn.State)

	r.engine.FailCreate = nil
	r.inject(flowSrc, flowDst)
	r.step()
	conn, _ = r.conn(flowSrc)
	assert.Equal(t, conntrack.StateOffloaded, conn.State)
	assert.EqualValues(t, 3, conn.InstallAttempts)
	assert.Equal(t, 2.0, testutil.ToFloat64(r.metrics.RuleInstallFailures))

	// Packets still carry the path while table-only.
	r.step()
	assert.Len(t, r.delivered, 3)
}

func TestDataPlane_InstallBudgetExhausted(t *testing.T) {
	r := newRig(t, func(c *Config) {
		c.Probe.Scheme = prober.SchemeECMP
		c.Lifecycle.InstallAttempts = 2
	})
	r.engine.FailCreate = func(offload.Rule) error { return offload.ErrRuleTableFull }
	for i := 0; i < 4; i++ {
		r.inject(flowSrc, flowDst)
		r.step()
	}
	conn, ok := r.conn(flowSrc)
	require.True(t, ok)
	assert.Equal(t, conntrack.StateTableOnly, conn.State)
	assert.EqualValues(t, 2, conn.InstallAttempts)
	assert.EqualValues(t, 4, conn.Packets)
}

func TestDataPlane_AgedFlowEvicted(t *testing.T) {
	r := newRig(t, func(c *Config) {
		c.Probe.Scheme = prober.SchemeECMP
		c.Lifecycle.IdleTimeout = time.Second
	})
	r.inject(flowSrc, flowDst)
	r.step()
	require.Equal(t, 1, r.ctx.Table().Len())

	r.clk.Advance(2 * time.Second)
	r.step()

	assert.Zero(t, r.ctx.Table().Len())
	assert.Zero(t, r.engine.Len())
	assert.EqualValues(t, 1, r.ctx.Table().Stats().AgedEvictions)

	// The flow comes back as new.
	r.inject(flowSrc, flowDst)
	r.step()
	conn, ok := r.conn(flowSrc)
	require.True(t, ok)
	assert.Equal(t, conntrack.StateOffloaded, conn.State)
}

func TestDataPlane_RunStopClose(t *testing.T) {
	r := newRig(t, func(c *Config) {
		c.Probe.Scheme = prober.SchemeECMP
		c.IdleBackoff = time.Millisecond
	})
	r.inject(flowSrc, flowDst)

	done := make(chan error, 1)
	go func() { done <- r.ctx.Run(context.Background()) }()

	require.Eventually(t, func() bool { return r.ctx.Table().Len() == 1 }, time.Second, time.Millisecond)
	assert.ErrorIs(t, r.ctx.Run(context.Background()), ErrAlreadyRunning)

	r.ctx.Stop()
	require.NoError(t, <-done)
	assert.False(t, r.ctx.Running())

	require.NoError(t, r.ctx.Close())
	assert.Zero(t, r.ctx.Table().Len())
	assert.EqualValues(t, 1, r.ctx.Table().Stats().FlushEvictions)
	assert.Equal(t, errors.KindUnavailable, errors.GetKind(r.ctx.Run(context.Background())))
	require.NoError(t, r.ctx.Close())
}

func TestDataPlane_SyncProbeCancelledOnShutdown(t *testing.T) {
	r := newRig(t, nil)
	r.refl.SetProfile(func(uint16) (time.Duration, bool) { return 0, true })
	r.inject(flowSrc, flowDst)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.ctx.Step(ctx)

	_, ok := r.conn(flowSrc)
	assert.False(t, ok, "an interrupted probe is not committed")
	r.step()
	assert.Len(t, r.delivered, 1)
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Probe.ReplyPort = cfg.TunnelPort
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Unsupported = "reflect"
	assert.Equal(t, errors.KindValidation, errors.GetKind(cfg.Validate()))

	cfg = DefaultConfig()
	cfg.Burst = 0
	assert.Error(t, cfg.Validate())

	_, err := New(DefaultConfig(), Options{})
	assert.Error(t, err)
}
