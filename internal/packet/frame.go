// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package packet

import (
	"net"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/arflow/internal/errors"
)

// UDPFrame describes an Ethernet/IPv4/UDP frame to synthesize. The sim
// traffic source uses it to emit tunnel frames; tests use it for fixtures.
type UDPFrame struct {
	SrcMAC, DstMAC net.HardwareAddr
	Src, Dst       netip.AddrPort
	TOS            uint8
	TTL            uint8
	Payload        []byte
}

// Encode serializes the frame with valid lengths and checksums.
func (f UDPFrame) Encode() ([]byte, error) {
	if !f.Src.Addr().Is4() || !f.Dst.Addr().Is4() {
		return nil, ErrNotIPv4
	}
	srcMAC, dstMAC := f.SrcMAC, f.DstMAC
	if srcMAC == nil {
		srcMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	}
	if dstMAC == nil {
		dstMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 2}
	}
	ttl := f.TTL
	if ttl == 0 {
		ttl = 64
	}
	src4, dst4 := f.Src.Addr().As4(), f.Dst.Addr().As4()

	eth := layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := layers.IPv4{
		Version:  4,
		IHL:      5,
		TOS:      f.TOS,
		TTL:      ttl,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP(src4[:]),
		DstIP:    net.IP(dst4[:]),
	}
	udp := layers.UDP{SrcPort: layers.UDPPort(f.Src.Port()), DstPort: layers.UDPPort(f.Dst.Port())}
	if err := udp.SetNetworkLayerForChecksum(&ip); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "udp pseudo header")
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, &eth, &ip, &udp, gopacket.Payload(f.Payload)); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "serialize frame")
	}
	return buf.Bytes(), nil
}
