// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package packet holds the packet buffer model, flow keys, and the header
// surgery the data plane performs on VXLAN frames and probes.
package packet

import (
	"fmt"
	"net/netip"
)

const (
	EthernetHeaderLen = 14
	IPv4HeaderLen     = 20
	UDPHeaderLen      = 8

	// DefaultTunnelPort is the IANA VXLAN port.
	DefaultTunnelPort uint16 = 4789
	// DefaultReplyPort is where the far side bounces probes.
	DefaultReplyPort uint16 = 4788

	// ProbeTOS marks a frame as a probe so the far side can bounce it.
	ProbeTOS uint8 = 0x20
	// ProbeTTL is the TTL every probe starts with.
	ProbeTTL uint8 = 64
)

// OffloadFlags request transmit work from the NIC.
type OffloadFlags uint8

const (
	TxIPv4 OffloadFlags = 1 << iota
	TxIPChecksum
	TxUDPChecksum
)

// Packet is one frame, starting at the Ethernet header.
type Packet struct {
	Data []byte
	// Hash is the receive-side dispatch hash attached by the port.
	Hash uint32
	// Offload flags plus header lengths, set by RequestChecksumOffload.
	Offload OffloadFlags
	L2Len   uint8
	L3Len   uint8
	// 1-based buffer pool slot of the owning port; 0 when unpooled.
	slot int
}

// New wraps data as a packet with the given dispatch hash.
func New(data []byte, hash uint32) *Packet {
	return &Packet{Data: data, Hash: hash}
}

// Reset clears the frame and metadata while keeping the backing array.
func (p *Packet) Reset() {
	p.Data = p.Data[:0]
	p.Hash = 0
	p.Offload = 0
	p.L2Len = 0
	p.L3Len = 0
}

// PoolIndex returns the owning port's buffer slot, or -1 when unpooled.
func (p *Packet) PoolIndex() int { return p.slot - 1 }

// SetPoolIndex records the owning port's buffer slot.
func (p *Packet) SetPoolIndex(i int) { p.slot = i + 1 }

// RequestChecksumOffload marks IPv4 and UDP checksums for hardware computation.
func (p *Packet) RequestChecksumOffload(l3Len int) {
	p.L2Len = EthernetHeaderLen
	p.L3Len = uint8(l3Len)
	p.Offload |= TxIPv4 | TxIPChecksum | TxUDPChecksum
}

// WantsChecksumOffload reports whether any checksum is pending.
func (p *Packet) WantsChecksumOffload() bool {
	return p.Offload&(TxIPChecksum|TxUDPChecksum) != 0
}

// FlowKey identifies one direction of one UDP flow. Hash is the dispatch hash
// the port attached on receive and is used directly as the table hash.
type FlowKey struct {
	SrcIP   [4]byte
	DstIP   [4]byte
	SrcPort uint16
	DstPort uint16
	Hash    uint32
}

// Src returns the source endpoint.
func (k FlowKey) Src() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4(k.SrcIP), k.SrcPort)
}

// Dst returns the destination endpoint.
func (k FlowKey) Dst() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4(k.DstIP), k.DstPort)
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s->%s udp rss=%d", k.Src(), k.Dst(), k.Hash)
}

// KeyFrom builds a key from endpoints; handy for tests and tooling.
func KeyFrom(src, dst netip.AddrPort, hash uint32) FlowKey {
	return FlowKey{
		SrcIP:   src.Addr().As4(),
		DstIP:   dst.Addr().As4(),
		SrcPort: src.Port(),
		DstPort: dst.Port(),
		Hash:    hash,
	}
}
