// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package packet

import (
	"bytes"
	"net"
	"net/netip"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/arflow/internal/errors"
)

var (
	hostSrc = netip.MustParseAddrPort("10.0.0.1:5000")
	hostDst = netip.MustParseAddrPort("10.0.0.2:4789")
)

func vxlanFrame(t *testing.T) []byte {
	t.Helper()
	data, err := UDPFrame{
		Src:     hostSrc,
		Dst:     hostDst,
		Payload: bytes.Repeat([]byte{0xab}, 50),
	}.Encode()
	require.NoError(t, err)
	return data
}

func TestParser_DecodeTunnelFrame(t *testing.T) {
	p := NewParser()
	pkt := New(vxlanFrame(t), 77)

	var h Headers
	require.NoError(t, p.Decode(pkt, &h))

	key := h.Key(pkt.Hash)
	assert.Equal(t, KeyFrom(hostSrc, hostDst, 77), key)
	assert.Equal(t, "10.0.0.1:5000->10.0.0.2:4789 udp rss=77", key.String())
	assert.Equal(t, EthernetHeaderLen, h.IPOffset)
	assert.Equal(t, IPv4HeaderLen, h.IPHeaderLen)
	assert.Equal(t, EthernetHeaderLen+IPv4HeaderLen, h.UDPOffset)
	assert.Equal(t, 50, h.PayloadLen)
	assert.NotZero(t, p.SoftwareHash())
}

func TestParser_RejectsNonUDP(t *testing.T) {
	eth := layers.Ethernet{
		SrcMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: net.IPv4(10, 0, 0, 1), DstIP: net.IPv4(10, 0, 0, 2),
	}
	tcp := layers.TCP{SrcPort: 1234, DstPort: 80, SYN: true}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(&ip))
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf,
		gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, &eth, &ip, &tcp))

	var h Headers
	err := NewParser().Decode(New(buf.Bytes(), 0), &h)
	assert.ErrorIs(t, err, ErrNotUDP)
	assert.Equal(t, errors.KindUnsupported, errors.GetKind(err))

	arp := layers.Ethernet{SrcMAC: eth.SrcMAC, DstMAC: eth.DstMAC, EthernetType: layers.EthernetTypeARP}
	buf = gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, &arp, gopacket.Payload(make([]byte, 28))))
	err = NewParser().Decode(New(buf.Bytes(), 0), &h)
	assert.ErrorIs(t, err, ErrNotIPv4)
}

func TestSetSourcePort_InPlaceWithOffload(t *testing.T) {
	p := NewParser()
	pkt := New(vxlanFrame(t), 1)
	var h Headers
	require.NoError(t, p.Decode(pkt, &h))

	SetSourcePort(pkt, &h, 2)

	assert.Equal(t, uint16(2), h.SrcPort)
	assert.True(t, pkt.WantsChecksumOffload())
	assert.Equal(t, TxIPv4|TxIPChecksum|TxUDPChecksum, pkt.Offload)
	assert.EqualValues(t, EthernetHeaderLen, pkt.L2Len)
	assert.EqualValues(t, IPv4HeaderLen, pkt.L3Len)
	assert.Equal(t, []byte{0, 0}, pkt.Data[h.IPOffset+10:h.IPOffset+12])
	assert.Equal(t, []byte{0, 0}, pkt.Data[h.UDPOffset+6:h.UDPOffset+8])

	var again Headers
	require.NoError(t, p.Decode(pkt, &again))
	assert.Equal(t, uint16(2), again.SrcPort)
}

func TestFinalizeChecksums_MatchesFreshEncoding(t *testing.T) {
	p := NewParser()
	pkt := New(vxlanFrame(t), 1)
	var h Headers
	require.NoError(t, p.Decode(pkt, &h))
	SetSourcePort(pkt, &h, 6000)

	require.NoError(t, p.FinalizeChecksums(pkt, gopacket.NewSerializeBuffer()))
	assert.False(t, pkt.WantsChecksumOffload())

	want, err := UDPFrame{
		Src:     netip.AddrPortFrom(hostSrc.Addr(), 6000),
		Dst:     hostDst,
		Payload: bytes.Repeat([]byte{0xab}, 50),
	}.Encode()
	require.NoError(t, err)
	assert.Equal(t, want, pkt.Data)

	// Nothing pending: no-op.
	before := append([]byte(nil), pkt.Data...)
	require.NoError(t, p.FinalizeChecksums(pkt, gopacket.NewSerializeBuffer()))
	assert.Equal(t, before, pkt.Data)
}

func TestProbeToken_Wire(t *testing.T) {
	tok := ProbeToken{Timestamp: 0x0102030405060708, FlowID: 0x1112131415161718}
	wire := tok.AppendTo(nil)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18}, wire)

	got, ok := ParseProbeToken(wire)
	require.True(t, ok)
	assert.Equal(t, tok, got)

	_, ok = ParseProbeToken(wire[:15])
	assert.False(t, ok)
}

func TestProbeBuilder_BuildAndReply(t *testing.T) {
	p := NewParser()
	trigger := New(vxlanFrame(t), 9)
	var th Headers
	require.NoError(t, p.Decode(trigger, &th))

	tok := ProbeToken{Timestamp: 5, FlowID: 0xfeed}
	b := NewProbeBuilder()
	probe := &Packet{}
	require.NoError(t, b.Build(probe, &th, 3, tok))

	var ph Headers
	require.NoError(t, p.Decode(probe, &ph))
	assert.Equal(t, uint16(5003), ph.SrcPort)
	assert.Equal(t, uint16(4789), ph.DstPort)
	assert.Equal(t, ProbeTOS, ph.TOS)
	assert.Equal(t, ProbeTTL, ph.TTL)
	assert.Equal(t, th.SrcIP, ph.SrcIP)
	assert.Equal(t, th.DstMAC, ph.DstMAC)
	assert.Equal(t, ProbePayloadLen, ph.PayloadLen)
	assert.True(t, IsProbe(&ph, DefaultTunnelPort))
	assert.False(t, IsProbe(&th, DefaultTunnelPort))
	assert.True(t, probe.WantsChecksumOffload())

	got, ok := ParseProbeToken(ph.Payload(probe))
	require.True(t, ok)
	assert.Equal(t, tok, got)

	MakeReply(probe, &ph, DefaultReplyPort)
	var rh Headers
	require.NoError(t, p.Decode(probe, &rh))
	assert.True(t, IsProbeReply(&rh, DefaultReplyPort))
	assert.Equal(t, uint16(5003), rh.SrcPort, "path id survives the bounce")
	assert.Equal(t, th.DstIP, rh.SrcIP)
	assert.Equal(t, th.SrcIP, rh.DstIP)
	assert.Equal(t, th.SrcMAC, rh.DstMAC)
	got, ok = ParseProbeToken(rh.Payload(probe))
	require.True(t, ok)
	assert.Equal(t, tok, got)
}

func TestPacketPoolIndex(t *testing.T) {
	pkt := New(nil, 0)
	assert.Equal(t, -1, pkt.PoolIndex())
	pkt.SetPoolIndex(4)
	assert.Equal(t, 4, pkt.PoolIndex())

	pkt.Data = append(pkt.Data, 1, 2, 3)
	pkt.Hash = 7
	pkt.RequestChecksumOffload(IPv4HeaderLen)
	pkt.Reset()
	assert.Empty(t, pkt.Data)
	assert.Zero(t, pkt.Hash)
	assert.False(t, pkt.WantsChecksumOffload())
	assert.Equal(t, 4, pkt.PoolIndex())
}
