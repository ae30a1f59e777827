// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package packet

import (
	"encoding/binary"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/arflow/internal/errors"
)

// Headers is a decoded view of an Ethernet/IPv4/UDP frame. Offsets index
// into Packet.Data so callers can rewrite fields in place.
type Headers struct {
	SrcMAC, DstMAC [6]byte
	SrcIP, DstIP   [4]byte
	TOS            uint8
	TTL            uint8
	SrcPort        uint16
	DstPort        uint16

	IPOffset      int
	IPHeaderLen   int
	UDPOffset     int
	PayloadOffset int
	PayloadLen    int
}

// Key returns the flow key for these headers with the given dispatch hash.
func (h *Headers) Key(hash uint32) FlowKey {
	return FlowKey{
		SrcIP:   h.SrcIP,
		DstIP:   h.DstIP,
		SrcPort: h.SrcPort,
		DstPort: h.DstPort,
		Hash:    hash,
	}
}

// Payload returns the UDP payload slice of pkt described by h.
func (h *Headers) Payload(pkt *Packet) []byte {
	end := h.PayloadOffset + h.PayloadLen
	if end > len(pkt.Data) {
		end = len(pkt.Data)
	}
	return pkt.Data[h.PayloadOffset:end]
}

var (
	ErrNotIPv4 = errors.New(errors.KindUnsupported, "not an IPv4 frame")
	ErrNotUDP  = errors.New(errors.KindUnsupported, "not a UDP datagram")
)

// Parser decodes frames without allocating. It reuses its layer structs
// between calls and is not safe for concurrent use; each goroutine that
// touches packets owns one.
type Parser struct {
	eth     layers.Ethernet
	ip4     layers.IPv4
	udp     layers.UDP
	payload gopacket.Payload

	dlp     *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

// NewParser returns a parser for Ethernet/IPv4/UDP frames.
func NewParser() *Parser {
	p := &Parser{decoded: make([]gopacket.LayerType, 0, 4)}
	p.dlp = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet,
		&p.eth, &p.ip4, &p.udp, &p.payload)
	// The tunnel payload (VXLAN and the tenant frame) is never interpreted.
	p.dlp.IgnoreUnsupported = true
	return p
}

// Decode fills h from pkt. It fails with ErrNotIPv4 or ErrNotUDP for frames
// outside the single encapsulation the data plane handles.
func (p *Parser) Decode(pkt *Packet, h *Headers) error {
	if err := p.dlp.DecodeLayers(pkt.Data, &p.decoded); err != nil {
		return errors.Wrap(err, errors.KindUnsupported, "decode frame")
	}

	var sawIP, sawUDP bool
	for _, lt := range p.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			sawIP = true
		case layers.LayerTypeUDP:
			sawUDP = true
		}
	}
	if !sawIP {
		return ErrNotIPv4
	}
	if !sawUDP {
		return ErrNotUDP
	}

	copy(h.SrcMAC[:], p.eth.SrcMAC)
	copy(h.DstMAC[:], p.eth.DstMAC)
	copy(h.SrcIP[:], p.ip4.SrcIP.To4())
	copy(h.DstIP[:], p.ip4.DstIP.To4())
	h.TOS = p.ip4.TOS
	h.TTL = p.ip4.TTL
	h.SrcPort = uint16(p.udp.SrcPort)
	h.DstPort = uint16(p.udp.DstPort)

	h.IPOffset = EthernetHeaderLen
	h.IPHeaderLen = int(p.ip4.IHL) * 4
	h.UDPOffset = h.IPOffset + h.IPHeaderLen
	h.PayloadOffset = h.UDPOffset + UDPHeaderLen
	h.PayloadLen = len(p.udp.Payload)
	return nil
}

// SoftwareHash derives a dispatch hash from the last decoded frame, for
// ports that cannot supply one from hardware.
func (p *Parser) SoftwareHash() uint32 {
	h := p.ip4.NetworkFlow().FastHash()
	h = h*31 + p.udp.TransportFlow().FastHash()
	return uint32(h ^ h>>32)
}

// SetSourcePort rewrites the UDP source port in place and hands checksum
// computation to the NIC: both checksum fields are zeroed and the offload
// flags set. Only valid on ports that honour TxIPChecksum/TxUDPChecksum or
// finalize them in software before transmit.
func SetSourcePort(pkt *Packet, h *Headers, port uint16) {
	binary.BigEndian.PutUint16(pkt.Data[h.UDPOffset:], port)
	zeroChecksums(pkt, h)
	h.SrcPort = port
	pkt.RequestChecksumOffload(h.IPHeaderLen)
}

func zeroChecksums(pkt *Packet, h *Headers) {
	// IPv4 checksum at byte 10 of the IP header, UDP checksum at byte 6.
	binary.BigEndian.PutUint16(pkt.Data[h.IPOffset+10:], 0)
	binary.BigEndian.PutUint16(pkt.Data[h.UDPOffset+6:], 0)
}

// FinalizeChecksums computes the checksums a NIC would have filled in for a
// packet carrying offload flags, then clears the flags. Ports without
// checksum assist call this on transmit.
func (p *Parser) FinalizeChecksums(pkt *Packet, buf gopacket.SerializeBuffer) error {
	if !pkt.WantsChecksumOffload() {
		return nil
	}
	var h Headers
	if err := p.Decode(pkt, &h); err != nil {
		return err
	}
	if err := p.udp.SetNetworkLayerForChecksum(&p.ip4); err != nil {
		return errors.Wrap(err, errors.KindInternal, "udp pseudo header")
	}
	if err := buf.Clear(); err != nil {
		return errors.Wrap(err, errors.KindInternal, "clear serialize buffer")
	}
	opts := gopacket.SerializeOptions{ComputeChecksums: true}
	err := gopacket.SerializeLayers(buf, opts,
		&p.eth, &p.ip4, &p.udp, gopacket.Payload(p.udp.Payload))
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "serialize with checksums")
	}
	pkt.Data = append(pkt.Data[:0], buf.Bytes()...)
	pkt.Offload &^= TxIPChecksum | TxUDPChecksum
	return nil
}
