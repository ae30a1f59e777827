// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package reflector

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/arflow/internal/clock"
	"grimm.is/arflow/internal/logging"
	"grimm.is/arflow/internal/packet"
	"grimm.is/arflow/internal/transport"
)

type rig struct {
	clk   *clock.MockClock
	pool  *transport.Pool
	agent *transport.PipeEnd
	far   *transport.PipeEnd
	refl  *Reflector
}

func newRig(t *testing.T) *rig {
	t.Helper()
	pool, err := transport.NewPool(64, transport.DefaultBufSize)
	require.NoError(t, err)
	agent, far, err := transport.NewPipe("net", "fabric", transport.PipeConfig{Pool: pool, Depth: 32})
	require.NoError(t, err)
	clk := clock.NewMockClock(time.Unix(0, 0))
	return &rig{clk: clk, pool: pool, agent: agent, far: far,
		refl: New(DefaultConfig(), far, clk, logging.Discard())}
}

// sendProbes pushes one probe per candidate from the agent side.
func (r *rig) sendProbes(t *testing.T, n int, tok packet.ProbeToken) {
	t.Helper()
	data, err := packet.UDPFrame{
		Src: netip.MustParseAddrPort("10.0.0.1:5000"),
		Dst: netip.MustParseAddrPort("10.0.0.2:4789"),
	}.Encode()
	require.NoError(t, err)
	var h packet.Headers
	require.NoError(t, packet.NewParser().Decode(packet.New(data, 0), &h))

	out := make([]*packet.Packet, n)
	require.NoError(t, r.agent.Alloc(out))
	b := packet.NewProbeBuilder()
	for i, p := range out {
		require.NoError(t, b.Build(p, &h, i, tok))
	}
	require.Equal(t, n, r.agent.Send(0, out))
}

func (r *rig) replies(t *testing.T) []packet.Headers {
	t.Helper()
	buf := make([]*packet.Packet, 32)
	n := r.agent.Receive(0, buf)
	parser := packet.NewParser()
	out := make([]packet.Headers, n)
	for i, p := range buf[:n] {
		require.NoError(t, parser.Decode(p, &out[i]))
		tok, ok := packet.ParseProbeToken(out[i].Payload(p))
		require.True(t, ok)
		assert.Equal(t, uint64(77), tok.FlowID)
	}
	r.agent.Free(buf[:n]...)
	return out
}

func TestReflector_BouncesProbes(t *testing.T) {
	r := newRig(t)
	r.sendProbes(t, 4, packet.ProbeToken{FlowID: 77})

	assert.Equal(t, 4, r.refl.Step())
	got := r.replies(t)
	require.Len(t, got, 4)
	for i, h := range got {
		assert.Equal(t, packet.DefaultReplyPort, h.DstPort)
		assert.Equal(t, uint16(5000+i), h.SrcPort)
		assert.Equal(t, [4]byte{10, 0, 0, 2}, h.SrcIP)
		assert.Equal(t, [4]byte{10, 0, 0, 1}, h.DstIP)
	}
	assert.Equal(t, uint64(4), r.refl.Stats().Bounced)
	assert.Zero(t, r.pool.InUse())
}

func TestReflector_DelayAndDrop(t *testing.T) {
	r := newRig(t)
	r.refl.SetProfile(func(sport uint16) (time.Duration, bool) {
		switch sport {
		case 5000:
			return 0, true
		case 5002:
			return 5 * time.Millisecond, false
		}
		return 20 * time.Millisecond, false
	})
	r.sendProbes(t, 4, packet.ProbeToken{FlowID: 77})

	r.refl.Step()
	assert.Empty(t, r.replies(t))
	assert.Equal(t, 3, r.refl.Pending())

	r.clk.Advance(5 * time.Millisecond)
	r.refl.Step()
	got := r.replies(t)
	require.Len(t, got, 1)
	assert.Equal(t, uint16(5002), got[0].SrcPort)

	r.clk.Advance(15 * time.Millisecond)
	r.refl.Step()
	assert.Len(t, r.replies(t), 2)

	st := r.refl.Stats()
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Equal(t, uint64(3), st.Bounced)
	assert.Zero(t, r.pool.InUse())
}

func TestReflector_DeliversTraffic(t *testing.T) {
	r := newRig(t)
	data, err := packet.UDPFrame{
		Src:     netip.MustParseAddrPort("10.0.0.1:2"),
		Dst:     netip.MustParseAddrPort("10.0.0.2:4789"),
		Payload: make([]byte, 64),
	}.Encode()
	require.NoError(t, err)
	out := make([]*packet.Packet, 1)
	require.NoError(t, r.agent.Alloc(out))
	out[0].Data = append(out[0].Data, data...)
	require.Equal(t, 1, r.agent.Send(0, out))

	var seen []uint16
	r.refl.OnDeliver = func(h *packet.Headers) { seen = append(seen, h.SrcPort) }
	r.refl.Step()
	assert.Equal(t, []uint16{2}, seen)
	assert.Equal(t, uint64(1), r.refl.Stats().Delivered)
	assert.Empty(t, r.replies(t))
	assert.Zero(t, r.pool.InUse())
}

func TestReflector_RunStopsAndReleases(t *testing.T) {
	r := newRig(t)
	r.refl.SetProfile(func(uint16) (time.Duration, bool) { return time.Hour, false })
	r.sendProbes(t, 2, packet.ProbeToken{FlowID: 77})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.refl.Run(ctx) }()
	require.Eventually(t, func() bool { return r.refl.Stats().Bounced == 2 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, r.pool.InUse())
}
