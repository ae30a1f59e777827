// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package transport

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"

	"grimm.is/arflow/internal/logging"
	"grimm.is/arflow/internal/packet"
	"grimm.is/arflow/internal/testutil"
)

func vethPair(t *testing.T, a, b string) {
	t.Helper()
	veth := &netlink.Veth{LinkAttrs: netlink.LinkAttrs{Name: a}, PeerName: b}
	require.NoError(t, netlink.LinkAdd(veth))
	t.Cleanup(func() { _ = netlink.LinkDel(veth) })
	peer, err := netlink.LinkByName(b)
	require.NoError(t, err)
	require.NoError(t, netlink.LinkSetUp(peer))
}

func TestRawPort_VethRoundTrip(t *testing.T) {
	testutil.RequireNIC(t)
	vethPair(t, "arflow-t0", "arflow-t1")

	pool, err := NewPool(32, DefaultBufSize)
	require.NoError(t, err)
	a, err := OpenRaw(RawConfig{Interface: "arflow-t0", PollTimeout: 10 * time.Millisecond}, pool, logging.Discard())
	require.NoError(t, err)
	defer a.Close()
	b, err := OpenRaw(RawConfig{Interface: "arflow-t1", PollTimeout: 10 * time.Millisecond}, pool, logging.Discard())
	require.NoError(t, err)
	defer b.Close()

	data, err := packet.UDPFrame{
		Src: netip.MustParseAddrPort("10.9.0.1:5000"),
		Dst: netip.MustParseAddrPort("10.9.0.2:4789"),
	}.Encode()
	require.NoError(t, err)
	out := make([]*packet.Packet, 1)
	require.NoError(t, a.Alloc(out))
	out[0].Data = append(out[0].Data[:0], data...)
	require.Equal(t, 1, a.Send(0, out))

	var h packet.Headers
	parser := packet.NewParser()
	got := false
	in := make([]*packet.Packet, 8)
	assert.True(t, testutil.Eventually(time.Second, 5*time.Millisecond, func() bool {
		n := b.Receive(0, in)
		for _, p := range in[:n] {
			if parser.Decode(p, &h) == nil && h.DstPort == 4789 {
				got = true
				assert.NotZero(t, p.Hash)
			}
		}
		b.Free(in[:n]...)
		return got
	}))
	assert.Zero(t, pool.InUse())
}
