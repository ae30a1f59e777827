// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package packet

import (
	"encoding/binary"
	"net"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/arflow/internal/errors"
)

// ProbePayloadLen is the size of the probe payload on the wire.
const ProbePayloadLen = 16

// ProbeToken correlates probes with their replies for one probe round.
// Wire format: 8-byte timestamp then 8-byte flow id, both big-endian.
type ProbeToken struct {
	Timestamp uint64
	FlowID    uint64
}

// AppendTo appends the wire encoding of t to b.
func (t ProbeToken) AppendTo(b []byte) []byte {
	b = binary.BigEndian.AppendUint64(b, t.Timestamp)
	return binary.BigEndian.AppendUint64(b, t.FlowID)
}

// ParseProbeToken decodes a token from the start of a UDP payload.
func ParseProbeToken(b []byte) (ProbeToken, bool) {
	if len(b) < ProbePayloadLen {
		return ProbeToken{}, false
	}
	return ProbeToken{
		Timestamp: binary.BigEndian.Uint64(b[0:8]),
		FlowID:    binary.BigEndian.Uint64(b[8:16]),
	}, true
}

// ProbeBuilder serializes probe frames. Not safe for concurrent use.
type ProbeBuilder struct {
	buf     gopacket.SerializeBuffer
	payload [ProbePayloadLen]byte
}

// NewProbeBuilder returns a builder with its own serialize buffer.
func NewProbeBuilder() *ProbeBuilder {
	return &ProbeBuilder{buf: gopacket.NewSerializeBuffer()}
}

// Build writes into dst the probe for candidate index derived from the
// trigger headers: L2/L3 addresses copied, IPv4 reset to a fresh 20-byte
// header with the probe TOS and TTL, UDP source port offset by index, and
// the token as payload. Checksums are left to the NIC.
func (b *ProbeBuilder) Build(dst *Packet, trigger *Headers, index int, token ProbeToken) error {
	eth := layers.Ethernet{
		SrcMAC:       net.HardwareAddr(trigger.SrcMAC[:]),
		DstMAC:       net.HardwareAddr(trigger.DstMAC[:]),
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version:  4,
		IHL:      5,
		TOS:      ProbeTOS,
		TTL:      ProbeTTL,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP(trigger.SrcIP[:]),
		DstIP:    net.IP(trigger.DstIP[:]),
	}
	udp := layers.UDP{
		SrcPort: layers.UDPPort(trigger.SrcPort + uint16(index)),
		DstPort: layers.UDPPort(trigger.DstPort),
	}
	payload := token.AppendTo(b.payload[:0])

	if err := b.buf.Clear(); err != nil {
		return errors.Wrap(err, errors.KindInternal, "clear probe buffer")
	}
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(b.buf, opts, &eth, &ip, &udp, gopacket.Payload(payload)); err != nil {
		return errors.Wrap(err, errors.KindInternal, "serialize probe")
	}

	dst.Data = append(dst.Data[:0], b.buf.Bytes()...)
	dst.Offload = 0
	dst.RequestChecksumOffload(IPv4HeaderLen)
	return nil
}

// IsProbe reports whether decoded headers carry the probe marker toward the
// tunnel port.
func IsProbe(h *Headers, tunnelPort uint16) bool {
	return h.DstPort == tunnelPort && h.TOS == ProbeTOS && h.PayloadLen >= ProbePayloadLen
}

// IsProbeReply reports whether decoded headers look like a bounced probe.
func IsProbeReply(h *Headers, replyPort uint16) bool {
	return h.DstPort == replyPort && h.PayloadLen >= ProbePayloadLen
}

// MakeReply turns a received probe into its reply in place: MAC and IP
// addresses are swapped and the destination port becomes replyPort. The
// source port, which names the candidate path, is preserved.
func MakeReply(pkt *Packet, h *Headers, replyPort uint16) {
	d := pkt.Data
	copy(d[0:6], h.SrcMAC[:])
	copy(d[6:12], h.DstMAC[:])
	copy(d[h.IPOffset+12:h.IPOffset+16], h.DstIP[:])
	copy(d[h.IPOffset+16:h.IPOffset+20], h.SrcIP[:])
	binary.BigEndian.PutUint16(d[h.UDPOffset+2:], replyPort)

	h.SrcMAC, h.DstMAC = h.DstMAC, h.SrcMAC
	h.SrcIP, h.DstIP = h.DstIP, h.SrcIP
	h.DstPort = replyPort

	zeroChecksums(pkt, h)
	pkt.RequestChecksumOffload(h.IPHeaderLen)
}
